package main

import (
	"github.com/spf13/cobra"

	"github.com/jonathan/agent-runner/internal/observability"
)

var statusCmd = &cobra.Command{
	Use:   "status [job...]",
	Short: "Show the current run of each job",
	Long:  `Show the persisted run of the named jobs (all jobs when none is given) with a status message.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{Logger: observability.Nop()})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	names := args
	if len(names) == 0 {
		for _, job := range a.jobs {
			names = append(names, job.Name)
		}
	}

	loc, _ := a.cfg.Location()
	printer := observability.NewPrinter(cmd.OutOrStdout(), loc)
	for _, name := range names {
		status, err := a.orch.Describe(cmd.Context(), name)
		if err != nil {
			return err
		}
		printer.PrintRun(name, status.Run, status.Message)
	}
	return nil
}
