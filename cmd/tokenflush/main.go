// Package main is the entrypoint for the tokenflush service: the
// background worker that drains the Token-Usage Buffer's coordination-
// store queue and persists batches to the relational store (spec.md
// §4.5). It carries no client-facing HTTP/SSE/WebSocket surface — only
// the ambient /healthz server.Run already provides.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/diagramflow/core/internal/config"
	"github.com/diagramflow/core/internal/coordination"
	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/pgstore"
	"github.com/diagramflow/core/internal/server"
	"github.com/diagramflow/core/internal/tokenusage"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "tokenflush",
		PortFromConfig: func(cfg *config.Config) int { return cfg.Gateway.HTTPPort },
		Setup:          setup,
	}, server.Listeners{})
}

func setup(ctx context.Context, deps server.SetupDeps) (func(context.Context) error, error) {
	cfg := deps.Config

	coordClient := coordination.NewClient(coordination.Config{
		Addr:         cfg.Redis.URL,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})
	coordStore := coordination.NewStore(coordClient.RDB)

	pgClient, err := pgstore.NewClient(ctx, pgstore.Config{
		DSN:          cfg.DB.DSN,
		PoolSize:     int32(cfg.DB.PoolSize),
		PoolOverflow: int32(cfg.DB.PoolOverflow),
	})
	if err != nil {
		return nil, fmt.Errorf("connect relational store: %w", err)
	}

	buffer := tokenusage.New(tokenusage.Config{
		Store:  coordStore,
		Logger: deps.Logger,
	})

	worker := tokenusage.NewWorker(buffer, tokenusage.WorkerConfig{
		Store:          coordStore,
		Persist:        pgClient.TokenUsage(),
		Logger:         deps.Logger,
		FlushInterval:  cfg.TokenBuffer.FlushInterval,
		FlushThreshold: int64(cfg.TokenBuffer.FlushThreshold),
		Clock:          domain.RealClock{},
	})

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.Run(workerCtx)
	}()

	cleanup := func(cleanupCtx context.Context) error {
		cancelWorker()
		select {
		case <-workerDone:
		case <-time.After(5 * time.Second):
			deps.Logger.WarnContext(cleanupCtx, "tokenflush worker did not stop within grace period")
		}
		pgClient.Close()
		if closeErr := coordClient.Close(); closeErr != nil {
			deps.Logger.WarnContext(cleanupCtx, "failed to close coordination client", slog.String("error", closeErr.Error()))
		}
		return nil
	}

	return cleanup, nil
}
