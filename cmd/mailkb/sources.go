package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/mailkb"
	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/storage"
)

func sourceCommand() *cli.Command {
	return &cli.Command{
		Name:  "source",
		Usage: "Register and inspect mail archives",
		Subcommands: []*cli.Command{
			{
				Name:   "register",
				Usage:  "Register an archive by server path or by upload",
				Action: sourceRegister,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Display name", Required: true},
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "Archive format (mbox, eml, pst)", Required: true},
					&cli.StringFlag{Name: "location", Usage: "Path of a file or directory readable by the worker"},
					&cli.PathFlag{Name: "upload", Usage: "Local file copied into the upload root"},
				},
			},
			{
				Name:   "list",
				Usage:  "List registered sources",
				Action: sourceList,
				Flags:  listFlags(),
			},
			{
				Name:      "get",
				Usage:     "Show one source",
				ArgsUsage: "<source-id>",
				Action:    sourceGet,
			},
			{
				Name:      "validate",
				Usage:     "Re-run structural validation of a source",
				ArgsUsage: "<source-id>",
				Action:    sourceValidate,
			},
		},
	}
}

func listFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "limit", Usage: "Maximum number of entries", Value: 50},
		&cli.IntFlag{Name: "offset", Usage: "Number of entries to skip"},
	}
}

func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("exactly one %s argument is required", name)
	}
	return c.Args().First(), nil
}

func sourceRegister(c *cli.Context) error {
	req := mailkb.RegisterRequest{
		Name:     c.String("name"),
		Format:   c.String("format"),
		Location: c.String("location"),
	}
	if path := c.Path("upload"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open upload: %w", err)
		}
		defer f.Close()
		req.Upload = f
		req.UploadName = filepath.Base(path)
	}

	return withKnowledgeBase(c, func(ctx context.Context, kb *mailkb.KnowledgeBase) error {
		source, err := kb.RegisterSource(ctx, req)
		if err != nil {
			return err
		}
		return writeJSON(c.App.Writer, source)
	})
}

func sourceList(c *cli.Context) error {
	return withKnowledgeBase(c, func(ctx context.Context, kb *mailkb.KnowledgeBase) error {
		sources, total, err := kb.ListSources(ctx, storage.ListOptions{Limit: c.Int("limit"), Offset: c.Int("offset")})
		if err != nil {
			return err
		}
		printSources(c, sources, total)
		return nil
	})
}

func printSources(c *cli.Context, sources []*core.Source, total int64) {
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tFORMAT\tSTATUS\tLOCATION")
	for _, s := range sources {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Format, s.Status, s.Location)
	}
	w.Flush()
	fmt.Fprintf(c.App.Writer, "%d of %d sources\n", len(sources), total)
}

func sourceGet(c *cli.Context) error {
	id, err := requireArg(c, "source-id")
	if err != nil {
		return err
	}
	return withKnowledgeBase(c, func(ctx context.Context, kb *mailkb.KnowledgeBase) error {
		source, err := kb.GetSource(ctx, id)
		if err != nil {
			return err
		}
		return writeJSON(c.App.Writer, source)
	})
}

func sourceValidate(c *cli.Context) error {
	id, err := requireArg(c, "source-id")
	if err != nil {
		return err
	}
	return withKnowledgeBase(c, func(ctx context.Context, kb *mailkb.KnowledgeBase) error {
		source, err := kb.ValidateSource(ctx, id)
		if err != nil {
			return err
		}
		return writeJSON(c.App.Writer, source)
	})
}
