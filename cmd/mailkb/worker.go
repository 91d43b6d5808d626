package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/mailkb"
	"github.com/poiesic/mailkb/jobs"
)

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Usage:  "Run queued import jobs until interrupted",
		Action: workerRun,
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "pool-size", Usage: "Concurrent jobs (overrides configuration)"},
		},
	}
}

func workerRun(c *cli.Context) error {
	return withKnowledgeBase(c, func(ctx context.Context, kb *mailkb.KnowledgeBase) error {
		cfg := kb.EngineConfig()
		if n := c.Int("pool-size"); n > 0 {
			cfg.PoolSize = n
		}
		engine, err := kb.NewEngine(jobs.WithConfig(cfg))
		if err != nil {
			return err
		}
		defer engine.Release()

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("worker started", "pool", cfg.PoolSize, "poll", cfg.PollInterval)
		if err := engine.Run(ctx); err != nil {
			return err
		}
		slog.Info("worker stopped")
		return nil
	})
}
