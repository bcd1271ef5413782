package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"quiz-engine/internal/app"
	"quiz-engine/internal/config"
	"quiz-engine/internal/logging"
	transport "quiz-engine/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the API server, trigger scheduler and reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	engine, broadcaster, relay := buildEngine(b, cfg, logger)

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	handler := transport.NewHandler(engine, logger)
	ws := transport.NewWSHandler(engine.Exercises, broadcaster, logger)
	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      transport.NewRouter(handler, ws, transport.NewAuthenticator(cfg.Auth.JWTSecret)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	// Recover triggers lost while no process was running before serving traffic.
	if _, err := engine.Reconciler.Reconcile(ctx); err != nil {
		logger.Error("startup reconcile incomplete", "error", err)
	}

	var reconcileCron *cron.Cron
	if spec := cfg.Scheduler.ReconcileSpec; spec != "" {
		reconcileCron, err = newReconcileCron(ctx, spec, engine.Reconciler, logger)
		if err != nil {
			return fmt.Errorf("reconcile schedule %q: %w", spec, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting quiz engine", "addr", server.Addr, "backend", b.name)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if b.redisPoller != nil {
		g.Go(func() error { return ignoreCanceled(b.redisPoller.Start(gctx)) })
	}
	if relay != nil {
		g.Go(func() error { return ignoreCanceled(relay.Run(gctx)) })
	}
	if reconcileCron != nil {
		reconcileCron.Start()
		g.Go(func() error {
			<-gctx.Done()
			<-reconcileCron.Stop().Done()
			return nil
		})
	}
	return g.Wait()
}

func newReconcileCron(ctx context.Context, spec string, r *app.Reconciler, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		if _, err := r.Reconcile(ctx); err != nil {
			logger.Error("scheduled reconcile incomplete", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
