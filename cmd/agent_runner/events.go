package main

import (
	"github.com/spf13/cobra"

	"github.com/jonathan/agent-runner/internal/observability"
	"github.com/jonathan/agent-runner/internal/pipeline"
)

var (
	eventsDay   string
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events <job>",
	Short: "List recent runtime events of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().StringVar(&eventsDay, "day", "", "Only events of this local day (YYYY-MM-DD)")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 0, "Maximum number of events (default 200, max 1000)")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{Logger: observability.Nop()})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	events, err := a.orch.Events(cmd.Context(), args[0], pipeline.EventQuery{Day: eventsDay, Limit: eventsLimit})
	if err != nil {
		return err
	}

	loc, _ := a.cfg.Location()
	observability.NewPrinter(cmd.OutOrStdout(), loc).PrintEvents(args[0], events)
	return nil
}
