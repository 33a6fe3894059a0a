package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/jonathan/agent-runner/internal/observability"
	"github.com/jonathan/agent-runner/internal/pipeline"
	"github.com/jonathan/agent-runner/internal/types"
)

var (
	runDetach       bool
	runPollInterval time.Duration
)

var runCommand = &cobra.Command{
	Use:   "run <job>",
	Short: "Start or resume a job and drive it to the end in the foreground",
	Long: `Start a new run of the job (or resume its unfinished run) regardless of the schedule
window, then execute each phase as it becomes due, printing every event.

Interrupting the command leaves the run persisted; the next run or serve resumes it.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobCmd,
}

func init() {
	runCommand.Flags().BoolVar(&runDetach, "detach", false, "Only start the run; leave the remaining phases to the scheduler")
	runCommand.Flags().DurationVar(&runPollInterval, "poll", 30*time.Second, "Maximum wait between due checks")
	rootCmd.AddCommand(runCommand)
}

//nolint:errcheck // writing to stdout; errors are not recoverable
func runJobCmd(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := args[0]
	out := cmd.OutOrStdout()
	var printer *observability.Printer
	a, err := newApp(ctx, appOptions{
		Logger: observability.Nop(),
		OnEvent: func(ev types.RuntimeEvent) {
			if printer != nil {
				printer.PrintEvent(ev)
			}
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	loc, _ := a.cfg.Location()
	printer = observability.NewPrinter(out, loc)

	// A rescue start runs the first action right away; an interrupt waits for it.
	handle, err := a.orch.StartOrResume(context.WithoutCancel(ctx), name)
	if err != nil {
		return err
	}
	verb := "Started"
	if handle.Resumed {
		verb = "Resumed"
	}
	fmt.Fprintf(out, "%s run %s of %s at phase %s\n", verb, handle.RunID, name, handle.Phase)

	if !runDetach {
		if err := drive(ctx, a.orch, name, runPollInterval); err != nil {
			return err
		}
	}

	status, err := a.orch.Describe(context.WithoutCancel(ctx), name)
	if err != nil {
		return err
	}
	printer.PrintRun(name, status.Run, status.Message)
	if status.Run != nil && status.Run.Phase == types.PhaseFailed {
		return errors.Newf("job %s failed: %s", name, status.Run.LastError)
	}
	return nil
}

// drive advances the job's run whenever it is due until it is terminal or ctx is
// canceled. A canceled context is not an error: the run stays persisted.
func drive(ctx context.Context, orch *pipeline.Orchestrator, name string, poll time.Duration) error {
	for ctx.Err() == nil {
		run, due, err := orch.Due(ctx, name)
		if err != nil {
			return err
		}
		if run == nil {
			return nil
		}

		wait := poll
		if due {
			// An interrupt waits for the action in progress.
			_, err := orch.Advance(context.WithoutCancel(ctx), run.RunID)
			if err == nil {
				continue
			}
			if !errors.Is(err, pipeline.ErrBusy) {
				return err
			}
		} else if run.NextActionAt != nil {
			if until := time.Until(*run.NextActionAt); until < wait {
				wait = until
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
	return nil
}
