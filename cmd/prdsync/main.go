package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/prdsync/prdsync/internal/telemetry"
	"github.com/prdsync/prdsync/internal/ui"
)

var (
	cfgFile     string
	jsonOutput  bool
	verboseFlag bool
	quietFlag   bool
	noColor     bool

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc

	logger = slog.New(slog.DiscardHandler)
)

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup & Configuration:"},
	)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default: ./prdsync.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

var rootCmd = &cobra.Command{
	Use:   "prdsync",
	Short: "prdsync - keep a PRD document and a Trello board in sync",
	Long: `prdsync reconciles the user stories of a JSON product requirements document
with the cards of a Trello board. Each story maps to one card through the
story identifier embedded in the card title.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			printVersion()
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupSignalContext()
		setupLogger()
		ui.ConfigureColor(noColor)
		if err := telemetry.Init(rootCtx, "prdsync", Version); err != nil {
			WarnError("telemetry disabled: %v", err)
		}
		return nil
	},
}

// setupSignalContext creates a context that cancels on SIGINT/SIGTERM.
func setupSignalContext() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// setupLogger routes structured logs to stderr at the level picked by
// --verbose and --quiet.
func setupLogger() {
	level := slog.LevelInfo
	switch {
	case verboseFlag:
		level = slog.LevelDebug
	case quietFlag:
		level = slog.LevelError
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func main() {
	err := rootCmd.Execute()

	// Flush telemetry before any os.Exit.
	telemetry.Shutdown(context.Background())
	if rootCancel != nil {
		rootCancel()
	}
	if err == nil {
		return
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			reportError(exit.err)
		}
		os.Exit(exit.code)
	}
	reportError(err)
	os.Exit(exitFailure)
}

func reportError(err error) {
	if jsonOutput {
		outputJSONError(err, errorCode(err))
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if hint := errorHint(err); hint != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
	}
}
