package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jonathan/agent-runner/internal/config"
	"github.com/jonathan/agent-runner/internal/db"
	"github.com/jonathan/agent-runner/internal/fetch"
	"github.com/jonathan/agent-runner/internal/llm"
	"github.com/jonathan/agent-runner/internal/lock"
	"github.com/jonathan/agent-runner/internal/observability"
	"github.com/jonathan/agent-runner/internal/pipeline"
	"github.com/jonathan/agent-runner/internal/pipeline/steps"
	"github.com/jonathan/agent-runner/internal/types"
	"github.com/jonathan/agent-runner/internal/webhook"
)

// Action names available to job definitions.
const (
	ActionNoop         = "noop"
	ActionBrowserClick = "browser.click"
	ActionPageCheck    = "page.check"
	ActionLLMGenerate  = "llm.generate"
)

// app holds the collaborators shared by every subcommand.
type app struct {
	cfg     *config.Config
	jobs    []types.JobDefinition
	store   db.Store
	orch    *pipeline.Orchestrator
	logger  *zap.SugaredLogger
	closers []func() error
}

// appOptions customizes newApp per subcommand.
type appOptions struct {
	// OnEvent receives every appended runtime event.
	OnEvent func(types.RuntimeEvent)
	// Logger overrides the logger built from the configuration.
	Logger *zap.SugaredLogger
}

// loadConfig reads the options file and the job definitions.
func loadConfig() (*config.Config, []types.JobDefinition, error) {
	cfg, err := config.Load(optionsPath)
	if err != nil {
		return nil, nil, err
	}
	path := cfg.JobsFile
	if jobsPath != "" {
		path = jobsPath
	}
	jobs, err := config.LoadJobs(path, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, jobs, nil
}

// newApp wires the store, locker, actions, notifier and orchestrator.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, jobs, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger, err = observability.NewLogger(cfg.LogLevel, cfg.LogJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	a := &app{cfg: cfg, jobs: jobs, logger: logger}
	if err := a.build(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, opts appOptions) error {
	loc, err := a.cfg.Location()
	if err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	store, err := db.Open(ctx, storeDSN(a.cfg))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	var locker lock.Locker = lock.NewLocal()
	if a.cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, client.Close)
		locker = lock.NewRedis(client, a.cfg.LockTTL, a.logger)
	}

	registry, err := a.registerActions(ctx)
	if err != nil {
		return err
	}

	notifier := webhook.New(&webhook.Options{
		Timeout:  a.cfg.WebhookTimeout,
		Attempts: a.cfg.WebhookAttempts,
	}, a.logger)

	orch, err := pipeline.New(a.jobs, pipeline.Options{
		Store:    store,
		Executor: registry,
		Notifier: notifier,
		Locker:   locker,
		Logger:   a.logger,
		Location: loc,
		OnEvent:  opts.OnEvent,
	})
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// registerActions registers the built-in actions. llm.generate is only available when a
// Gemini API key is configured.
func (a *app) registerActions(ctx context.Context) (*steps.Registry, error) {
	registry := steps.NewRegistry()
	registry.Register(ActionBrowserClick, fetch.NewClickAction())
	registry.Register(ActionPageCheck, fetch.NewCheckAction(fetch.DefaultOptions()))

	if a.cfg.GeminiAPIKey != "" {
		client, err := llm.NewGeminiClient(ctx, llm.DefaultConfig(), a.cfg.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create reasoning client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		registry.Register(ActionLLMGenerate, llm.NewGenerateAction(client))
	}

	for _, job := range a.jobs {
		for _, phase := range job.Phases {
			if _, ok := registry.Lookup(phase.Action); !ok {
				return nil, fmt.Errorf("job %s: phase %s uses unknown action %s (available: %s)",
					job.Name, phase.Name, phase.Action, strings.Join(registry.Names(), ", "))
			}
		}
	}
	return registry, nil
}

// Close drains pending webhooks and releases resources in reverse order.
func (a *app) Close() error {
	if a.orch != nil {
		a.orch.Wait()
	}
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = a.logger.Sync()
	return firstErr
}

// storeDSN falls back to a SQLite file in the data directory.
func storeDSN(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	return "sqlite://" + filepath.Join(cfg.DataDir, "agent_runner.db")
}
