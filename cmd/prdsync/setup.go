package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/prdsync/prdsync/internal/config"
	"github.com/prdsync/prdsync/internal/engine"
	"github.com/prdsync/prdsync/internal/prd"
	"github.com/prdsync/prdsync/internal/telemetry"
	"github.com/prdsync/prdsync/internal/trello"
	"github.com/prdsync/prdsync/internal/ui"
)

// loadConfig reads --config (or ./prdsync.yaml) and applies the sync
// policy flags the command defines.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Lookup("direction") != nil && flags.Changed("direction") {
		cfg.Sync.Direction, _ = flags.GetString("direction")
	}
	if flags.Lookup("prefer") != nil && flags.Changed("prefer") {
		cfg.Sync.Prefer, _ = flags.GetString("prefer")
	}
	if flags.Lookup("block-on-conflict") != nil && flags.Changed("block-on-conflict") {
		cfg.Sync.BlockWritesOnConflict, _ = flags.GetBool("block-on-conflict")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("config loaded", "file", cfg.File, "document", cfg.Document.Path, "board", cfg.Board.ID)
	return cfg, nil
}

// newBoard builds the instrumented Trello client for cfg.
func newBoard(cfg *config.Config) trello.Board {
	client := trello.NewClient(cfg.Board.APIURL, cfg.Board.APIKey, cfg.Board.Token, cfg.Board.ID).
		WithLogger(logger)
	return telemetry.WrapBoard(client)
}

// newEngine wires a sync engine with progress output on stderr.
func newEngine(cfg *config.Config, board trello.Board) *engine.Engine {
	doc := prd.NewStore(cfg.Document.Path, prd.Options{StoriesKey: cfg.Document.StoriesKey})
	e := engine.New(board, doc, cfg)
	e.Logger = logger
	if !quietFlag {
		e.OnMessage = func(msg string) {
			_, _ = os.Stderr.WriteString(ui.RenderMuted(msg) + "\n")
		}
	}
	e.OnWarning = func(msg string) {
		if !quietFlag {
			WarnError("%s", msg)
		}
	}
	return e
}
