// dbtflow — утилита командной строки для pipeline dbt.
//
// Использование:
//
//	dbtflow [--api-url URL] [--json] <command> [flags]
//
// Команды:
//
//	run       Выполнить pipeline один раз локально
//	validate  Проверить описание pipeline
//	show      Показать шаги с retry и timeout
//	runs      История и ручной запуск на dbtflow-scheduler
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/collectibles/dbtflow/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "dbtflow",
		Short:         "dbtflow — hourly dbt pipeline runner",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("DBTFLOW_API_URL")
	if defaultURL == "" {
		defaultURL = cli.DefaultAPIURL
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "Scheduler API URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewRunCmd(outputFn),
		cli.NewValidateCmd(outputFn),
		cli.NewShowCmd(outputFn),
		cli.NewRunsCmd(clientFn, outputFn),
	)

	// SIGINT прерывает текущий шаг, run завершается с FAILED
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}
