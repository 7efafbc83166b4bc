package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/odvcencio/repohost/internal/api"
	"github.com/odvcencio/repohost/internal/auth"
	"github.com/odvcencio/repohost/internal/config"
	"github.com/odvcencio/repohost/internal/database"
	"github.com/odvcencio/repohost/internal/jobs"
	"github.com/odvcencio/repohost/internal/protocol"
	"github.com/odvcencio/repohost/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and clone workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func authAccounts(cfg *config.Config) []auth.Account {
	accounts := make([]auth.Account, 0, len(cfg.Auth.Accounts))
	for _, a := range cfg.Auth.Accounts {
		accounts = append(accounts, auth.Account{Username: a.Username, PasswordHash: a.PasswordHash})
	}
	return accounts
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	traceShutdown, err := initTracing(ctx)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(sctx); err != nil {
			logger.Error("shutdown tracing", slog.String("error", err.Error()))
		}
	}()

	db, err := openMigratedDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	authSvc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDurationValue(), authAccounts(cfg)...)
	if !authSvc.Enabled() {
		logger.Warn("authentication disabled: every write is anonymous")
	}
	repoSvc := service.NewRepoService(db, cfg.Storage.Path, cfg.Storage.DefaultBranch, logger)
	defer repoSvc.Close()

	cloneSvc, pool := newCloneWorkers(db, repoSvc, cfg, logger)
	if pool != nil {
		if err := pool.Start(ctx); err != nil {
			return fmt.Errorf("start clone workers: %w", err)
		}
	}

	server := api.NewServer(db, authSvc, repoSvc, cloneSvc, api.ServerOptions{
		Logger: logger,
		Protocol: protocol.Options{
			Agent:                 cfg.Protocol.Agent,
			MaxPushBytes:          cfg.Protocol.MaxPushBytes,
			MaxUploadRequestBytes: cfg.Protocol.MaxUploadRequestBytes,
		},
		Registerer:   prometheus.DefaultRegisterer,
		Gatherer:     prometheus.DefaultGatherer,
		CloneWorkers: cfg.Clone.Workers,
	})

	// No write timeout: fetches and pushes stream for as long as the
	// client keeps reading.
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("repohost listening", slog.String("addr", cfg.Addr()))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeoutDuration())
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		logger.Error("http shutdown", slog.String("error", err.Error()))
	}
	if pool != nil {
		if err := pool.Stop(sctx); err != nil {
			logger.Error("stop clone workers", slog.String("error", err.Error()))
		}
	}
	return nil
}

// newCloneWorkers wires the clone orchestrator. Zero workers disables
// imports entirely.
func newCloneWorkers(db database.DB, repoSvc *service.RepoService, cfg *config.Config, logger *slog.Logger) (*service.CloneService, *jobs.WorkerPool) {
	if cfg.Clone.Workers == 0 {
		return nil, nil
	}
	queue := jobs.NewQueue(db, jobs.QueueOptions{MaxAttempts: cfg.Clone.MaxAttempts})
	client := protocol.NewClient(protocol.ClientOptions{
		Timeout: cfg.Clone.TimeoutDuration(),
		Agent:   cfg.Protocol.Agent,
	})
	cloneSvc := service.NewCloneService(repoSvc, queue, client, logger)
	pool := jobs.NewWorkerPool(queue, cloneSvc.Run, jobs.WorkerPoolOptions{
		Workers:      cfg.Clone.Workers,
		PollInterval: cfg.Clone.PollIntervalDuration(),
		Timeout:      cfg.Clone.TimeoutDuration(),
		Logger:       logger,
		OnSettled:    cloneSvc.Settle,
	})
	return cloneSvc, pool
}
