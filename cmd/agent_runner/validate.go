package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonathan/agent-runner/internal/observability"
	"github.com/jonathan/agent-runner/internal/window"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the options and job definitions files",
	Long: `Load the options file and the job definitions, check them against the jobs schema,
the window rules and the registered actions, and report settings that are still missing.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

//nolint:errcheck // writing to stdout; errors are not recoverable
func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, jobs, err := loadConfig()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	a := &app{cfg: cfg, jobs: jobs, logger: observability.Nop()}
	defer func() { _ = a.Close() }()
	if _, err := a.registerActions(cmd.Context()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i := range jobs {
		job := &jobs[i]
		if _, err := window.Compile(job.Schedule, loc); err != nil {
			return fmt.Errorf("job %s: %w", job.Name, err)
		}
		fmt.Fprintf(out, "✓ %s: %s (%s-%s %s)\n", job.Name,
			strings.Join(job.PhaseNames(), " → "), job.Schedule.Start, job.Schedule.End, job.Schedule.Timezone)
		if missing := job.MissingSettings(); len(missing) > 0 {
			fmt.Fprintf(out, "  ⚠ missing settings: %s\n", strings.Join(missing, ", "))
		}
	}
	fmt.Fprintf(out, "%d job(s) valid\n", len(jobs))
	return nil
}
