package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/collectibles/dbtflow/internal/config"
	"github.com/collectibles/dbtflow/internal/domain"
	"github.com/collectibles/dbtflow/internal/mq"
	"github.com/collectibles/dbtflow/internal/notify"
	"github.com/collectibles/dbtflow/internal/repo"
	"github.com/collectibles/dbtflow/internal/runner"
	"github.com/collectibles/dbtflow/internal/scheduler"
	"github.com/collectibles/dbtflow/internal/telemetry"
)

// ErrPipelineLocked — lock pipeline удерживает другой экземпляр (обычно dbtflow-scheduler).
var ErrPipelineLocked = errors.New("pipeline lock is held by another instance, use 'dbtflow runs trigger' instead")

// pipelineFlags — общие флаги локальных команд.
type pipelineFlags struct {
	file       string
	projectDir string
}

func (f *pipelineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Pipeline YAML file (default: $PIPELINE_FILE or built-in dbt_collectibles)")
	cmd.Flags().StringVar(&f.projectDir, "project-dir", "", "dbt project directory (default: $DBT_PROJECT_DIR)")
}

// load читает конфигурацию окружения и накладывает флаги.
func (f *pipelineFlags) load() (*config.Config, *domain.PipelineSpec, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	if f.file != "" {
		cfg.PipelineFile = f.file
	}
	if f.projectDir != "" {
		cfg.ProjectDir = f.projectDir
	}

	spec, err := cfg.Pipeline()
	if err != nil {
		return nil, nil, err
	}
	return cfg, spec, nil
}

// NewRunCmd создаёт команду однократного локального выполнения pipeline.
// Команда завершается с ошибкой, если run закончился FAILED.
func NewRunCmd(outputFn func() *Output) *cobra.Command {
	var flags pipelineFlags
	var logicalTime string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline once in this process",
		Long: `Execute the pipeline once in this process.

With DB_URL set the run takes the scheduler's advisory lock first and
fails if a dbtflow-scheduler instance holds it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, spec, err := flags.load()
			if err != nil {
				return err
			}

			trig := domain.ManualTrigger(time.Now())
			if logicalTime != "" {
				t, err := time.Parse(time.RFC3339, logicalTime)
				if err != nil {
					return fmt.Errorf("invalid --logical-time %q, expected RFC3339", logicalTime)
				}
				trig.LogicalTime = t.UTC()
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			logger := telemetry.NewLogger(os.Stderr)

			deps, err := openRunDeps(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer deps.Close()

			r := runner.New(runner.Config{
				Executor:   &runner.ShellExecutor{},
				Notifier:   deps.notifier,
				Recorders:  deps.recorders,
				ProjectDir: cfg.ProjectDir,
				Logger:     logger,
			})

			run, runErr := r.Execute(ctx, spec, trig)
			if run == nil {
				return runErr
			}

			out := outputFn()
			if out.jsonMode {
				out.JSON(run)
			} else {
				out.Table(stepHeaders, stepRows(stepResponses(run.CompletedSteps)))
			}
			out.Success(fmt.Sprintf("Run %s finished: %s in %s", run.ID, run.Status, run.Duration().Round(time.Second)))

			return runErr
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&logicalTime, "logical-time", "", "Logical time of the run (RFC3339, default: now)")

	return cmd
}

// NewValidateCmd создаёт команду проверки описания pipeline.
func NewValidateCmd(outputFn func() *Output) *cobra.Command {
	var flags pipelineFlags

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline definition and schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, spec, err := flags.load()
			if err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Pipeline %s is valid: %d steps, schedule %q (%s)",
				spec.ID, len(spec.Steps), spec.Schedule, spec.Timezone))
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

// NewShowCmd создаёт команду вывода собранного pipeline.
func NewShowCmd(outputFn func() *Output) *cobra.Command {
	var flags pipelineFlags
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the resolved pipeline with per-step retry and timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, spec, err := flags.load()
			if err != nil {
				return err
			}

			out := outputFn()
			if asYAML {
				return out.YAML(spec)
			}

			headers := []string{"#", "STEP", "COMMAND", "RETRIES", "RETRY_DELAY", "TIMEOUT"}
			rows := make([][]string, len(spec.Steps))
			for i, s := range spec.Steps {
				rows[i] = []string{
					fmt.Sprint(i + 1),
					s.Name,
					s.Command,
					fmt.Sprint(s.MaxRetries),
					s.RetryDelay.String(),
					s.Timeout.String(),
				}
			}
			out.Print(headers, rows, spec)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Output in YAML format")

	return cmd
}

// runDeps — внешние зависимости локального run.
type runDeps struct {
	notifier  notify.Notifier
	recorders []runner.Recorder
	closers   []func()
}

// openRunDeps подключает опциональные PostgreSQL и RabbitMQ по конфигурации.
func openRunDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runDeps, error) {
	deps := &runDeps{}

	if cfg.DatabaseURL != "" {
		pool, err := repo.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect db: %w", err)
		}
		deps.closers = append(deps.closers, pool.Close)

		if err := repo.EnsureSchema(ctx, pool); err != nil {
			deps.Close()
			return nil, err
		}
		deps.recorders = append(deps.recorders, repo.NewRunRepo(pool))

		release, err := acquireRunLock(ctx, repo.NewAdvisoryLock(pool, cfg.LockKey))
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.closers = append(deps.closers, release)
	}

	var publisher notify.AlertPublisher
	if cfg.RabbitMQURL != "" {
		conn, err := mq.NewConnection(cfg.RabbitMQURL, "dbtflow-cli", logger)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		deps.closers = append(deps.closers, func() { _ = conn.Close() })

		if err := mq.SetupTopology(ctx, conn); err != nil {
			deps.Close()
			return nil, err
		}

		pub := mq.NewPublisher(conn, logger)
		publisher = pub
		deps.recorders = append(deps.recorders, runner.PublishOnFinish(pub))
	}

	notifier, err := cfg.Notifier(publisher, logger)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.notifier = notifier

	return deps, nil
}

// acquireRunLock захватывает lock, который держит лидер планировщика,
// чтобы локальный run не шёл параллельно с запланированным.
func acquireRunLock(ctx context.Context, lock scheduler.Leader) (func(), error) {
	ok, err := lock.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire pipeline lock: %w", err)
	}
	if !ok {
		return nil, ErrPipelineLocked
	}
	return func() { _ = lock.Release(context.Background()) }, nil
}

// Close закрывает подключения в обратном порядке.
func (d *runDeps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// stepResponses конвертирует результаты шагов для табличного вывода.
func stepResponses(steps []domain.StepResult) []StepResultResponse {
	out := make([]StepResultResponse, len(steps))
	for i, s := range steps {
		out[i] = StepResultResponse{
			Name:       s.Name,
			Outcome:    string(s.Outcome),
			Attempts:   s.Attempts,
			ExitCode:   s.ExitCode,
			DurationMs: s.Duration().Milliseconds(),
			Error:      s.Error,
		}
	}
	return out
}

// IsRunFailed сообщает, что ошибка означает упавший run (а не ошибку CLI).
func IsRunFailed(err error) bool {
	return errors.Is(err, runner.ErrRunFailed)
}
