package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/agent-runner/internal/observability"
	"github.com/jonathan/agent-runner/internal/scheduler"
	"github.com/jonathan/agent-runner/internal/server"
	"github.com/jonathan/agent-runner/internal/server/ratelimit"
)

var (
	servePort       int
	serveNoSchedule bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the scheduler",
	Long: `Start an HTTP server that exposes the job endpoints, resume any run left unfinished by
a previous process, and tick the scheduler until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (defaults to the port option)")
	serveCmd.Flags().BoolVar(&serveNoSchedule, "no-schedule", false, "Serve the API without the scheduler loop")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub()
	a, err := newApp(ctx, appOptions{OnEvent: hub.Publish})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	resumed, err := a.orch.Recover(ctx)
	if err != nil {
		return err
	}
	a.logger.Infow("Recovered unfinished runs", observability.FieldCount, resumed)

	port := a.cfg.Port
	if servePort != 0 {
		port = servePort
	}
	rl := ratelimit.DefaultConfig()
	rl.Enabled = a.cfg.RateLimitEnabled
	rl.DefaultLimit = a.cfg.RateLimitPerMinute
	rl.DefaultWindow = time.Minute
	rl.Whitelist = ratelimit.ParseIPList(a.cfg.RateLimitWhitelist)

	srv := server.New(a.orch, server.Config{
		Port:      port,
		RateLimit: rl,
		Hub:       hub,
		Logger:    a.logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if !serveNoSchedule {
		loc, _ := a.cfg.Location()
		sched := scheduler.New(a.orch, scheduler.Options{
			Interval:      a.cfg.TickInterval,
			RetentionDays: a.cfg.EventRetentionDays,
			Pruner:        a.store,
			Location:      loc,
			Logger:        a.logger,
		})
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}

	a.logger.Infow("Agent runner started", "port", port, "jobs", len(a.jobs))
	return g.Wait()
}
