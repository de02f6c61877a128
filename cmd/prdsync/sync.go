package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/prdsync/prdsync/internal/applier"
	"github.com/prdsync/prdsync/internal/engine"
	"github.com/prdsync/prdsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Reconcile the document with the board",
	Long: `Reconcile the document's user stories with the board's cards.

Stories without a card become cards, cards without a story become stories,
and pairs that differ are updated on the side that changed last. Pairs
changed on both sides at the same instant are conflicts unless --prefer
breaks the tie. Conflicts are reported and never written.

Modes:
  --direction both   Write to the board and the document (default)
  --direction push   Only write to the board
  --direction pull   Only write to the document

Exit status:
  0  success
  1  error, or some writes failed
  2  writes blocked by conflicts, or conflicts with --fail-on-conflict

Examples:
  prdsync sync                     # Bidirectional sync
  prdsync sync --dry-run           # Preview without changes
  prdsync sync --direction push    # Document -> board only
  prdsync sync --prefer prd        # Document wins simultaneous edits
  prdsync sync --full              # Ignore incremental state`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		return runReconcile(cmd, dryRun)
	},
}

var planCmd = &cobra.Command{
	Use:     "plan",
	GroupID: "sync",
	Short:   "Show what sync would do without writing anything",
	Long: `Compute the sync plan and print it. Nothing is written to the board, the
document or the incremental state.

Examples:
  prdsync plan                     # Human-readable plan
  prdsync plan -v                  # Include records that need no work
  prdsync plan --format markdown   # Markdown tables, e.g. for a PR comment
  prdsync plan --format yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReconcile(cmd, true)
	},
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, planCmd} {
		c.Flags().String("direction", "", "Which side may be written: both, push, pull (default from config)")
		c.Flags().String("prefer", "", "Tie-break for simultaneous edits: none, trello, prd (default from config)")
		c.Flags().StringP("format", "f", "text", "Output format: text, json, yaml, markdown")
		c.Flags().Bool("full", false, "Ignore incremental state and examine every record")
		c.Flags().Bool("fail-on-conflict", false, "Exit with status 2 when the plan has conflicts")
	}
	syncCmd.Flags().Bool("dry-run", false, "Preview sync without making changes")
	syncCmd.Flags().Bool("block-on-conflict", false, "Write nothing when the plan has any conflict")
	planCmd.Flags().Bool("no-pager", false, "Do not pipe output through a pager")

	rootCmd.AddCommand(syncCmd, planCmd)
}

func runReconcile(cmd *cobra.Command, dryRun bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireBoard(); err != nil {
		return err
	}

	format := ui.FormatJSON
	if !jsonOutput {
		raw, _ := cmd.Flags().GetString("format")
		if format, err = ui.ParseFormat(raw); err != nil {
			return err
		}
	}
	full, _ := cmd.Flags().GetBool("full")
	failOnConflict, _ := cmd.Flags().GetBool("fail-on-conflict")

	e := newEngine(cfg, newBoard(cfg))
	report, runErr := e.Run(rootCtx, engine.Options{DryRun: dryRun, Full: full})
	if report != nil && report.Plan != nil {
		if err := writeReport(cmd, report, format); err != nil {
			return err
		}
	}

	switch {
	case errors.Is(runErr, applier.ErrBlocked):
		return &exitError{code: exitConflict, err: runErr}
	case runErr != nil:
		return runErr
	case report.Result != nil && len(report.Result.Failures) > 0:
		return &exitError{code: exitFailure, err: fmt.Errorf("%d writes failed", len(report.Result.Failures))}
	case failOnConflict && report.Plan.HasConflicts():
		return &exitError{code: exitConflict}
	}
	return nil
}

func writeReport(cmd *cobra.Command, report *engine.Report, format ui.Format) error {
	out, err := ui.RenderReport(report, format, ui.ReportOptions{Verbose: verboseFlag})
	if err != nil {
		return err
	}
	paged := format == ui.FormatText || format == ui.FormatMarkdown
	if cmd.Flags().Lookup("no-pager") != nil && paged {
		noPager, _ := cmd.Flags().GetBool("no-pager")
		return ui.ToPager(os.Stdout, out, ui.PagerOptions{NoPager: noPager})
	}
	_, err = os.Stdout.WriteString(out)
	return err
}
