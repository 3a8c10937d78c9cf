package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/clock"
	"github.com/roach88/recordflow/internal/gateway"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the automation gateway. Event-triggered workflows follow record
changes while the server runs. With workflow.tick_interval set, schedule
workflows are ticked periodically; with audit.verify_interval set, the audit
chain is re-verified periodically.

The server stops gracefully on SIGINT or SIGTERM.

Exit codes:
  0 - Server stopped gracefully
  1 - Server error
  2 - Command error (bad config, database not found)

Examples:
  recordflow serve
  recordflow serve --addr 127.0.0.1:9090 --db ./recordflow.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	app, err := opts.open(cmd, formatter)
	if err != nil {
		return err
	}
	defer app.Close()
	cfg, logger := app.Config, app.Logger

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := app.ArchiveSink(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, "audit archive", err)
	}
	auth, err := gateway.NewAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, clock.System{})
	if err != nil {
		return formatter.Fail(ExitCommandError, "auth", err)
	}
	srv, err := gateway.New(gateway.Deps{
		Store:     app.Store,
		Registry:  app.Registry,
		Records:   app.Records,
		Rules:     app.Rules,
		Workflows: app.Workflows,
		Audit:     app.Audit,
		Archive:   sink,
		Auth:      auth,
		Logger:    logger,
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, "gateway", err)
	}

	addr := cfg.HTTP.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	httpSrv := srv.HTTPServer(addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", addr, "db", cfg.DB.Path)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if d := cfg.Workflow.TickInterval; d > 0 {
		g.Go(func() error {
			every(gctx, d, func(ctx context.Context) {
				reports, err := tickScheduled(ctx, app)
				if err != nil {
					logger.Warn("scheduled tick failed", "error", err)
					return
				}
				for _, r := range reports {
					if len(r.Advanced) > 0 || len(r.Failed) > 0 {
						logger.Info("scheduled tick", "workflow", r.WorkflowID,
							"advanced", len(r.Advanced), "failed", len(r.Failed))
					}
				}
			})
			return nil
		})
	}
	if d := cfg.Audit.VerifyInterval; d > 0 {
		g.Go(func() error {
			every(gctx, d, func(ctx context.Context) {
				report, err := app.Audit.Verify(ctx)
				switch {
				case apperr.Is(err, apperr.KindAuditTamper):
					// the alert hook has already logged it
				case err != nil:
					logger.Warn("audit verification failed", "error", err)
				default:
					logger.Debug("audit chain verified", "entries", report.Checked, "last_seq", report.LastSeq)
				}
			})
			return nil
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", addr)
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := app.Records.Events().Drain(drainCtx); err != nil {
		logger.Warn("pending record events dropped", "error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

// every calls fn each interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}
