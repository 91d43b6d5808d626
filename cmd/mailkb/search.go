package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/mailkb"
	"github.com/poiesic/mailkb/search"
)

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Find messages semantically similar to a query",
		ArgsUsage: "<query>",
		Action:    searchRun,
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "top", Aliases: []string{"k"}, Usage: "Maximum number of results", Value: search.DefaultTopK},
			&cli.StringFlag{Name: "source", Usage: "Only messages of this source"},
			&cli.Float64Flag{Name: "min-score", Usage: "Minimum cosine similarity"},
		},
	}
}

func searchRun(c *cli.Context) error {
	query := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("a query is required")
	}
	opts := search.Options{
		TopK:     c.Int("top"),
		SourceID: c.String("source"),
		MinScore: float32(c.Float64("min-score")),
	}
	return withKnowledgeBase(c, func(ctx context.Context, kb *mailkb.KnowledgeBase) error {
		searcher, err := kb.NewSearcher()
		if err != nil {
			return err
		}
		results, err := searcher.Search(ctx, query, opts)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Fprintln(c.App.Writer, "No results")
			return nil
		}
		for i, r := range results {
			m := r.Message
			fmt.Fprintf(c.App.Writer, "%d. [%.3f] %s\n", i+1, r.Score, m.Subject)
			fmt.Fprintf(c.App.Writer, "   From: %s  Date: %s  ID: %s\n", m.From, m.Date.Format("2006-01-02 15:04"), m.ID)
			fmt.Fprintf(c.App.Writer, "   %s\n", snippet(r.Text, 200))
		}
		return nil
	})
}

func snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
