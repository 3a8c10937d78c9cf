package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/archive"
	"github.com/roach88/recordflow/internal/audit"
	"github.com/roach88/recordflow/internal/bundle"
	"github.com/roach88/recordflow/internal/config"
	"github.com/roach88/recordflow/internal/keylock"
	"github.com/roach88/recordflow/internal/records"
	"github.com/roach88/recordflow/internal/registry"
	"github.com/roach88/recordflow/internal/rules"
	"github.com/roach88/recordflow/internal/store"
	"github.com/roach88/recordflow/internal/workflow"
)

// App is every component opened over one database.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.Store
	Audit     *audit.Log
	Registry  *registry.Registry
	Records   *records.Service
	Rules     *rules.Engine
	Workflows *workflow.Engine

	closers []func()
}

// loadConfig reads the config file and applies the --db override.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.Database != "" {
		cfg.DB.Path = opts.Database
	}
	return cfg, nil
}

// openApp wires the components in dependency order: store, audit log,
// registry, record store, rules engine, workflow engine.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	keyring, err := cfg.Keyring()
	if err != nil {
		return nil, err
	}
	keylock.Configure(cfg.LockDetection(), logger)
	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DB.Path, err)
	}
	app := &App{Config: cfg, Logger: logger, Store: st}
	app.closers = append(app.closers, func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing database", "error", err)
		}
	})

	auditOpts := []audit.Option{
		audit.WithLogger(logger),
		audit.WithAlert(func(_ context.Context, e *apperr.Error) {
			logger.Error("AUDIT CHAIN TAMPERED: automation halted until acknowledged",
				"message", e.Message, "details", e.Details)
		}),
	}
	if keyring != nil {
		auditOpts = append(auditOpts, audit.WithKeyring(keyring))
	}
	app.Audit = audit.New(st, auditOpts...)
	app.Registry = registry.New(st, app.Audit, registry.WithLogger(logger))
	app.Records = records.New(st, app.Registry, app.Audit,
		records.WithLogger(logger),
		records.WithLockTTL(cfg.Records.LockTTL))
	app.closers = append(app.closers, app.Records.Events().Close)

	app.Rules, err = rules.New(ctx, st, app.Audit,
		rules.WithLogger(logger),
		rules.WithEntities(app.Registry),
		rules.WithConflictPolicy(cfg.ConflictPolicy()))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("load rules: %w", err)
	}
	app.Workflows = workflow.New(st, app.Audit, app.Rules, app.Registry, app.Records,
		workflow.WithLogger(logger),
		workflow.WithConflictRetry(uint64(cfg.Workflow.ConflictRetries), cfg.Workflow.ConflictBackoff),
		workflow.WithTickParallelism(cfg.Workflow.TickParallelism))
	app.Workflows.Attach(app.Records.Events())
	return app, nil
}

// ArchiveSink opens the configured audit archive, preferring Postgres over
// a directory. It returns nil when neither is configured.
func (a *App) ArchiveSink(ctx context.Context) (audit.Sink, error) {
	switch {
	case a.Config.Audit.ArchiveDSN != "":
		sink, err := archive.OpenPostgresSink(ctx, a.Config.Audit.ArchiveDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		return sink, nil
	case a.Config.Audit.ArchiveDir != "":
		sink, err := archive.NewFileSink(a.Config.Audit.ArchiveDir)
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
	return nil, nil
}

// Target is where bundles are applied.
func (a *App) Target() bundle.Target {
	return bundle.Target{Registry: a.Registry, Rules: a.Rules, Workflows: a.Workflows}
}

// Close releases everything in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// open loads the config and opens the app, reporting failures through
// formatter as command errors.
func (o *RootOptions) open(cmd *cobra.Command, formatter *OutputFormatter) (*App, error) {
	cfg, err := loadConfig(o)
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, "config", err)
	}
	app, err := openApp(cmd.Context(), cfg, cfg.NewLogger(formatter.GetErrWriter(), o.Verbose))
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, "open", err)
	}
	return app, nil
}
