package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// NewRunsCmd создаёт группу команд для истории runs на dbtflow-scheduler.
func NewRunsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and trigger runs on the scheduler",
	}

	cmd.AddCommand(
		newRunsListCmd(clientFn, outputFn),
		newRunsShowCmd(clientFn, outputFn),
		newRunsTriggerCmd(clientFn, outputFn),
		newRunsStatusCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunsListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListRunsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := clientFn().ListRuns(opts)
			if err != nil {
				return err
			}

			headers := []string{"ID", "TRIGGER", "LOGICAL_TIME", "STATUS", "STEPS", "DURATION", "STARTED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{
					r.ID,
					r.Trigger,
					r.LogicalTime,
					r.Status,
					strconv.Itoa(len(r.Steps)),
					formatDuration(r.DurationMs),
					r.StartedAt,
				}
			}

			outputFn().Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (RUNNING, SUCCEEDED, FAILED)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of runs to skip")

	return cmd
}

func newRunsShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details with step results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := clientFn().GetRun(args[0])
			if err != nil {
				return err
			}

			out := outputFn()
			if out.jsonMode {
				out.JSON(run)
				return nil
			}

			out.Table(
				[]string{"ID", "TRIGGER", "LOGICAL_TIME", "STATUS", "DURATION", "ERROR"},
				[][]string{{run.ID, run.Trigger, run.LogicalTime, run.Status, formatDuration(run.DurationMs), run.Error}},
			)
			fmt.Fprintln(out.w)
			out.Table(stepHeaders, stepRows(run.Steps))
			return nil
		},
	}
}

func newRunsTriggerCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var logicalTime string

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start a run outside the schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if logicalTime != "" {
				if _, err := time.Parse(time.RFC3339, logicalTime); err != nil {
					return fmt.Errorf("invalid --logical-time %q, expected RFC3339", logicalTime)
				}
			}

			resp, err := clientFn().TriggerRun(TriggerRunRequest{LogicalTime: logicalTime})
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Run accepted: %s @ %s", resp.PipelineID, resp.LogicalTime))
			if out.jsonMode {
				out.JSON(resp)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logicalTime, "logical-time", "", "Logical time of the run (RFC3339, default: now)")

	return cmd
}

func newRunsStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler state: next due time, active runs, leadership",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := clientFn().GetPipeline()
			if err != nil {
				return err
			}

			id, _ := p.Spec["id"].(string)
			schedule, _ := p.Spec["schedule"].(string)

			outputFn().Print(
				[]string{"PIPELINE", "SCHEDULE", "NEXT_DUE", "ACTIVE_RUNS", "LEADER"},
				[][]string{{id, schedule, p.NextDueAt, strconv.Itoa(p.ActiveRuns), strconv.FormatBool(p.IsLeader)}},
				p,
			)
			return nil
		},
	}
}

// stepHeaders — заголовки таблицы шагов.
var stepHeaders = []string{"STEP", "OUTCOME", "ATTEMPTS", "EXIT_CODE", "DURATION", "ERROR"}

// stepRows форматирует результаты шагов для таблицы.
func stepRows(steps []StepResultResponse) [][]string {
	rows := make([][]string, len(steps))
	for i, s := range steps {
		rows[i] = []string{
			s.Name,
			s.Outcome,
			strconv.Itoa(s.Attempts),
			strconv.Itoa(s.ExitCode),
			formatDuration(s.DurationMs),
			s.Error,
		}
	}
	return rows
}

// formatDuration форматирует миллисекунды с округлением до секунды.
func formatDuration(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}
