package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/agent-runner/internal/observability"
)

var retryCmd = &cobra.Command{
	Use:   "retry <job>",
	Short: "Start a new run from the phase where the last run failed",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
}

//nolint:errcheck // writing to stdout; errors are not recoverable
func runRetry(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{Logger: observability.Nop()})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	handle, err := a.orch.RetryFailed(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started run %s of %s at phase %s (retry of %s)\n",
		handle.RunID, handle.JobName, handle.Phase, handle.RetryOf)
	return nil
}
