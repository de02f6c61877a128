package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/prdsync/prdsync/internal/config"
	"github.com/prdsync/prdsync/internal/idcodec"
	"github.com/prdsync/prdsync/internal/prd"
	"github.com/prdsync/prdsync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Create a prdsync.yaml and an empty document",
	Long: `Write a starter prdsync.yaml in the current directory (or at --config) and
create the document it points at when it does not exist yet.

Examples:
  prdsync init --board 5f1c2a...        # Defaults plus a board id
  prdsync init -i                       # Answer a few questions first
  prdsync init --document docs/prd.json --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolP("interactive", "i", false, "Prompt for the main settings")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	initCmd.Flags().String("board", "", "Trello board id")
	initCmd.Flags().String("document", "", "Path of the PRD document (default prd.json)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Defaults()
	if v, _ := cmd.Flags().GetString("board"); v != "" {
		cfg.Board.ID = v
	}
	if v, _ := cmd.Flags().GetString("document"); v != "" {
		cfg.Document.Path = v
	}

	if interactive, _ := cmd.Flags().GetBool("interactive"); interactive {
		if !ui.IsTerminal() {
			return errors.New("--interactive needs a terminal")
		}
		if err := initForm(&cfg).Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Fprintln(os.Stderr, "Init cancelled.")
				return nil
			}
			return fmt.Errorf("form error: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	path := cfgFile
	if path == "" {
		path = config.DefaultFileName
	}
	force, _ := cmd.Flags().GetBool("force")
	if err := config.WriteStarter(path, cfg, force); err != nil {
		return err
	}

	docPath := cfg.Document.Path
	if !filepath.IsAbs(docPath) {
		docPath = filepath.Join(filepath.Dir(path), docPath)
	}
	createdDoc := false
	if _, err := os.Stat(docPath); errors.Is(err, os.ErrNotExist) {
		if err := prd.CreateEmpty(docPath, cfg.Document.StoriesKey); err != nil {
			return err
		}
		createdDoc = true
	}

	if jsonOutput {
		outputJSON(map[string]any{
			"config":          path,
			"document":        docPath,
			"documentCreated": createdDoc,
		})
		return nil
	}
	fmt.Printf("%s wrote %s\n", ui.RenderPass(ui.IconCreate.String()), path)
	if createdDoc {
		fmt.Printf("%s created %s\n", ui.RenderPass(ui.IconCreate.String()), docPath)
	}
	if cfg.Board.ID == "" {
		fmt.Println(ui.RenderMuted("Set board.id in " + path + " before syncing."))
	}
	fmt.Println(ui.RenderMuted("Export TRELLO_API_KEY and TRELLO_TOKEN, then run 'prdsync plan'."))
	return nil
}

// initForm asks for the settings most projects change.
func initForm(cfg *config.Config) *huh.Form {
	width := strconv.Itoa(cfg.Mapping.IDWidth)
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Document").
				Description("Path of the PRD JSON document").
				Value(&cfg.Document.Path).
				Validate(required("document path")),

			huh.NewInput().
				Title("Board id").
				Description("Trello board id or short link (optional, can be set later)").
				Placeholder("e.g., 5f1c2a3b4c5d6e7f8a9b0c1d").
				Value(&cfg.Board.ID),

			huh.NewInput().
				Title("Identifier prefix").
				Description("Story ids look like <prefix><number>").
				Value(&cfg.Mapping.IDPrefix).
				Validate(required("prefix")),

			huh.NewInput().
				Title("Identifier width").
				Description("Zero-padded digits in an id").
				Value(&width).
				Validate(func(s string) error {
					n, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil || n < 1 {
						return errors.New("width must be a positive number")
					}
					cfg.Mapping.IDWidth = n
					return nil
				}),

			huh.NewInput().
				Title("Card title template").
				Description("Must contain {id} and {title} exactly once").
				Value(&cfg.Mapping.TitleTemplate).
				Validate(func(s string) error {
					_, err := idcodec.New(idcodec.Config{
						Prefix:        cfg.Mapping.IDPrefix,
						Width:         cfg.Mapping.IDWidth,
						TitleTemplate: s,
					})
					return err
				}),
		),

		huh.NewGroup(
			huh.NewInput().
				Title("Open list").
				Description("Board list holding open stories").
				Value(&cfg.Mapping.StatusLists.Open).
				Validate(required("list name")),

			huh.NewInput().
				Title("In progress list").
				Value(&cfg.Mapping.StatusLists.InProgress).
				Validate(required("list name")),

			huh.NewInput().
				Title("Done list").
				Value(&cfg.Mapping.StatusLists.Done).
				Validate(required("list name")),

			huh.NewSelect[string]().
				Title("Direction").
				Description("Which side prdsync may write").
				Options(
					huh.NewOption("Both (default)", "both"),
					huh.NewOption("Push: document to board only", "push"),
					huh.NewOption("Pull: board to document only", "pull"),
				).
				Value(&cfg.Sync.Direction),
		),
	).WithTheme(huh.ThemeDracula())
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}
