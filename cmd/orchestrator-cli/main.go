// Orchestrator CLI — инструмент командной строки для управления
// tasks, groups, schedules и fleet через HTTP API.
//
// Использование:
//
//	orchestrator [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	task      Управление tasks
//	group     Лимиты конкурентности групп
//	schedule  Управление schedules
//	fleet     Nodes, deployments и overrides
package main

import (
	"fmt"
	"os"

	"github.com/NangoHQ/nango-sub018/internal/cli"
	"github.com/NangoHQ/nango-sub018/internal/client"
	"github.com/spf13/cobra"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Orchestrator CLI — tasks, schedules and fleet",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := "http://localhost:8080"
	if v := os.Getenv("ORCHESTRATOR_API_URL"); v != "" {
		defaultURL = v
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *client.Client { return client.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewTaskCmd(clientFn, outputFn),
		cli.NewGroupCmd(clientFn, outputFn),
		cli.NewScheduleCmd(clientFn, outputFn),
		cli.NewFleetCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
