package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/prdsync/prdsync/internal/config"
	"github.com/prdsync/prdsync/internal/state"
	"github.com/prdsync/prdsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show configuration and incremental sync state",
	Long: `Show the resolved configuration and the incremental state recorded by the
last successful sync. Does not contact the board.`,
	RunE: runStatus,
}

var stateCmd = &cobra.Command{
	Use:     "state",
	GroupID: "sync",
	Short:   "Manage incremental sync state",
}

var stateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the incremental state so the next sync examines every record",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := state.Remove(cfg.Sync.StatePath); err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(map[string]string{"removed": cfg.Sync.StatePath})
			return nil
		}
		fmt.Printf("%s removed %s\n", ui.RenderPass(ui.IconNoOp.String()), cfg.Sync.StatePath)
		return nil
	},
}

func init() {
	stateCmd.AddCommand(stateResetCmd)
	rootCmd.AddCommand(statusCmd, stateCmd)
}

// statusReport is the --json shape of prdsync status.
type statusReport struct {
	ConfigFile  string       `json:"configFile,omitempty"`
	Document    string       `json:"document"`
	Board       string       `json:"board"`
	Direction   string       `json:"direction"`
	Prefer      string       `json:"prefer"`
	Credentials bool         `json:"credentials"`
	StatePath   string       `json:"statePath"`
	State       *stateStatus `json:"state,omitempty"`
}

type stateStatus struct {
	LastRunAt             time.Time `json:"lastRunAt"`
	LastSeenBoardActivity time.Time `json:"lastSeenBoardActivity"`
	Stories               int       `json:"stories"`
	Cards                 int       `json:"cards"`
	Valid                 bool      `json:"valid"`
	Problem               string    `json:"problem,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	report := buildStatus(cfg)

	if jsonOutput {
		outputJSON(report)
		return nil
	}

	fmt.Println(ui.RenderCategory("configuration"))
	file := report.ConfigFile
	if file == "" {
		file = ui.RenderMuted("(defaults and environment)")
	}
	fmt.Printf("  config:      %s\n", file)
	fmt.Printf("  document:    %s\n", report.Document)
	fmt.Printf("  board:       %s\n", orNone(report.Board))
	fmt.Printf("  direction:   %s (prefer %s)\n", report.Direction, report.Prefer)
	if report.Credentials {
		fmt.Printf("  credentials: %s\n", ui.RenderPass("set"))
	} else {
		fmt.Printf("  credentials: %s\n", ui.RenderWarn("missing (TRELLO_API_KEY, TRELLO_TOKEN)"))
	}

	fmt.Println()
	fmt.Println(ui.RenderCategory("incremental state"))
	fmt.Printf("  path:        %s\n", report.StatePath)
	st := report.State
	switch {
	case !cfg.Sync.Incremental:
		fmt.Printf("  %s\n", ui.RenderMuted("disabled (sync.incremental: false)"))
	case st == nil:
		fmt.Printf("  %s\n", ui.RenderMuted("none yet; the next sync is a full run"))
	case st.LastRunAt.IsZero():
		fmt.Printf("  status:      %s\n", ui.RenderWarn(st.Problem+"; the next sync is a full run"))
	default:
		fmt.Printf("  last run:    %s\n", st.LastRunAt.Local().Format(time.DateTime))
		fmt.Printf("  tracked:     %d stories, %d cards\n", st.Stories, st.Cards)
		if st.Valid {
			fmt.Printf("  status:      %s\n", ui.RenderPass("valid"))
		} else {
			fmt.Printf("  status:      %s\n", ui.RenderWarn(st.Problem+"; the next sync is a full run"))
		}
	}
	return nil
}

func buildStatus(cfg *config.Config) statusReport {
	report := statusReport{
		ConfigFile:  cfg.File,
		Document:    cfg.Document.Path,
		Board:       cfg.Board.ID,
		Direction:   cfg.Sync.Direction,
		Prefer:      cfg.Sync.Prefer,
		Credentials: cfg.Board.APIKey != "" && cfg.Board.Token != "",
		StatePath:   cfg.Sync.StatePath,
	}
	if !cfg.Sync.Incremental {
		return report
	}

	st, err := state.Load(cfg.Sync.StatePath)
	switch {
	case err != nil:
		report.State = &stateStatus{Problem: err.Error()}
		return report
	case st == nil:
		return report
	}

	ss := &stateStatus{
		LastRunAt:             st.LastRunAt,
		LastSeenBoardActivity: st.LastSeenBoardActivity,
		Stories:               len(st.StoryIndex),
		Cards:                 len(st.CardIndex),
		Valid:                 true,
	}
	if err := st.Validate(cfg.Board.ID, cfg.Document.Path, cfg.MappingSignature()); err != nil {
		ss.Valid = false
		ss.Problem = err.Error()
	}
	report.State = ss
	return report
}

func orNone(s string) string {
	if s == "" {
		return ui.RenderWarn("(not set)")
	}
	return s
}
