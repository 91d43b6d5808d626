package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/mailkb"
	"github.com/poiesic/mailkb/backfill"
)

func backfillCommand() *cli.Command {
	return &cli.Command{
		Name:   "backfill",
		Usage:  "Embed pending messages, or re-embed every message for the configured model",
		Action: backfillRun,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "mode",
				Usage: "pending (messages without vectors) or all",
				Value: string(backfill.ModePending),
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "Only messages of this source",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Number of messages to process in each batch",
				Value: backfill.DefaultBatchSize,
			},
			&cli.IntFlag{
				Name:  "report-interval",
				Usage: "Report progress every N messages",
				Value: 100,
			},
			&cli.IntFlag{
				Name:  "max-retries",
				Usage: "Maximum attempts per message",
				Value: 2,
			},
		},
	}
}

func backfillRun(c *cli.Context) error {
	mode, err := backfill.ParseMode(c.String("mode"))
	if err != nil {
		return err
	}
	cfg := backfill.DefaultConfig()
	cfg.Mode = mode
	cfg.SourceID = c.String("source")
	cfg.BatchSize = c.Int("batch-size")
	cfg.ReportInterval = c.Int("report-interval")
	cfg.MaxAttempts = c.Int("max-retries")

	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}
	if cfg.ReportInterval <= 0 {
		return fmt.Errorf("report-interval must be greater than 0")
	}
	if cfg.MaxAttempts <= 0 {
		return fmt.Errorf("max-retries must be greater than 0")
	}

	return withKnowledgeBase(c, func(ctx context.Context, kb *mailkb.KnowledgeBase) error {
		b, err := kb.NewBackfillerWithConfig(cfg, c.App.ErrWriter)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.ErrWriter, "Embedding model: %s\n", kb.Stage().ModelID())
		if _, err := b.Run(ctx); err != nil {
			return fmt.Errorf("backfill failed: %w", err)
		}
		return nil
	})
}
