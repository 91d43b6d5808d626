// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/mailkb"
	"github.com/poiesic/mailkb/config"
)

const configKey = "config"

// openKnowledgeBase is replaced in tests.
var openKnowledgeBase = func(cfg config.Config) (*mailkb.KnowledgeBase, error) {
	return mailkb.Open(cfg)
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "mailkb",
		Usage: "Email archive ingestion and semantic search",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Also write JSON logs to this file",
				EnvVars: []string{"MAILKB_LOG_FILE"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				EnvVars: []string{"MAILKB_CONFIG"},
			},
		},
		Before: setup,
		After:  teardown,
		Commands: []*cli.Command{
			sourceCommand(),
			jobCommand(),
			workerCommand(),
			backfillCommand(),
			searchCommand(),
		},
	}
}

// setup loads the configuration and installs the process logger.
func setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-file") {
		cfg.Logging.File = c.String("log-file")
	}
	level, err := config.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}

	logger, cleanup := config.SetupLogger(cfg.Logging.File, level)
	slog.SetDefault(logger)

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[configKey] = cfg
	c.App.Metadata["cleanup"] = cleanup
	return nil
}

func teardown(c *cli.Context) error {
	if cleanup, ok := c.App.Metadata["cleanup"].(func() error); ok {
		return cleanup()
	}
	return nil
}

// withKnowledgeBase opens the knowledge base for the duration of fn.
func withKnowledgeBase(c *cli.Context, fn func(ctx context.Context, kb *mailkb.KnowledgeBase) error) error {
	cfg, ok := c.App.Metadata[configKey].(config.Config)
	if !ok {
		return fmt.Errorf("configuration not loaded")
	}
	kb, err := openKnowledgeBase(cfg)
	if err != nil {
		return fmt.Errorf("failed to open knowledge base: %w", err)
	}
	defer func() {
		if err := kb.Close(); err != nil {
			slog.Error("error closing knowledge base", "err", err)
		}
	}()
	return fn(c.Context, kb)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
