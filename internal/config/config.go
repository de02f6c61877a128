// Package config loads prdsync settings from prdsync.yaml and the
// environment.
//
// Precedence, highest first: PRDSYNC_* environment variables (dots become
// underscores, so board.id is PRDSYNC_BOARD_ID), the config file, built-in
// defaults. Trello credentials may also come from TRELLO_API_KEY and
// TRELLO_TOKEN.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/prdsync/prdsync/internal/idcodec"
	"github.com/prdsync/prdsync/internal/mapping"
	"github.com/prdsync/prdsync/internal/planner"
	"github.com/prdsync/prdsync/internal/prd"
	"github.com/prdsync/prdsync/internal/state"
	"github.com/prdsync/prdsync/internal/trello"
	"github.com/prdsync/prdsync/internal/types"
)

// DefaultFileName is the config file looked up in the working directory.
const DefaultFileName = "prdsync.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PRDSYNC"

// Config is the full prdsync configuration.
type Config struct {
	Document DocumentConfig `mapstructure:"document" yaml:"document"`
	Board    BoardConfig    `mapstructure:"board" yaml:"board"`
	Mapping  MappingConfig  `mapstructure:"mapping" yaml:"mapping"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-" yaml:"-"`
}

// DocumentConfig locates the PRD file.
type DocumentConfig struct {
	Path       string `mapstructure:"path" yaml:"path"`
	StoriesKey string `mapstructure:"stories_key" yaml:"stories_key"`
}

// BoardConfig identifies the Trello board and credentials.
type BoardConfig struct {
	ID     string `mapstructure:"id" yaml:"id"`
	APIURL string `mapstructure:"api_url" yaml:"api_url,omitempty"`
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Token  string `mapstructure:"token" yaml:"token,omitempty"`
}

// StatusLists names the board list for each story status.
type StatusLists struct {
	Open       string `mapstructure:"open" yaml:"open"`
	InProgress string `mapstructure:"in_progress" yaml:"in_progress"`
	Done       string `mapstructure:"done" yaml:"done"`
}

// MappingConfig controls how stories map onto cards.
type MappingConfig struct {
	IDPrefix              string      `mapstructure:"id_prefix" yaml:"id_prefix"`
	IDWidth               int         `mapstructure:"id_width" yaml:"id_width"`
	TitleTemplate         string      `mapstructure:"title_template" yaml:"title_template"`
	StatusLists           StatusLists `mapstructure:"status_lists" yaml:"status_lists"`
	DependencyLabelPrefix string      `mapstructure:"dependency_label_prefix" yaml:"dependency_label_prefix"`
	ChecklistName         string      `mapstructure:"checklist_name" yaml:"checklist_name"`
}

// SyncConfig holds run policy.
type SyncConfig struct {
	Direction             string `mapstructure:"direction" yaml:"direction"`
	Prefer                string `mapstructure:"prefer" yaml:"prefer"`
	CreateMissingLabels   bool   `mapstructure:"create_missing_labels" yaml:"create_missing_labels"`
	BlockWritesOnConflict bool   `mapstructure:"block_writes_on_conflict" yaml:"block_writes_on_conflict"`
	LabelColor            string `mapstructure:"label_color" yaml:"label_color,omitempty"`
	StatePath             string `mapstructure:"state_path" yaml:"state_path"`
	Incremental           bool   `mapstructure:"incremental" yaml:"incremental"`
	Concurrency           int    `mapstructure:"concurrency" yaml:"concurrency"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Document: DocumentConfig{Path: "prd.json", StoriesKey: prd.DefaultStoriesKey},
		Board:    BoardConfig{APIURL: trello.DefaultBaseURL},
		Mapping: MappingConfig{
			IDPrefix:      idcodec.DefaultPrefix,
			IDWidth:       idcodec.DefaultWidth,
			TitleTemplate: idcodec.DefaultTemplate,
			StatusLists: StatusLists{
				Open:       "To Do",
				InProgress: "Doing",
				Done:       "Done",
			},
			DependencyLabelPrefix: mapping.DefaultDependencyPrefix,
			ChecklistName:         types.DefaultChecklistName,
		},
		Sync: SyncConfig{
			Direction:           string(planner.DirectionBoth),
			Prefer:              string(planner.PreferNone),
			CreateMissingLabels: true,
			StatePath:           ".prdsync/state.json",
			Incremental:         true,
			Concurrency:         4,
		},
	}
}

// newViper builds a viper instance with defaults and env bindings.
func newViper() *viper.Viper {
	v := viper.New()
	d := Defaults()
	v.SetDefault("document.path", d.Document.Path)
	v.SetDefault("document.stories_key", d.Document.StoriesKey)
	v.SetDefault("board.id", "")
	v.SetDefault("board.api_url", d.Board.APIURL)
	v.SetDefault("board.api_key", "")
	v.SetDefault("board.token", "")
	v.SetDefault("mapping.id_prefix", d.Mapping.IDPrefix)
	v.SetDefault("mapping.id_width", d.Mapping.IDWidth)
	v.SetDefault("mapping.title_template", d.Mapping.TitleTemplate)
	v.SetDefault("mapping.status_lists.open", d.Mapping.StatusLists.Open)
	v.SetDefault("mapping.status_lists.in_progress", d.Mapping.StatusLists.InProgress)
	v.SetDefault("mapping.status_lists.done", d.Mapping.StatusLists.Done)
	v.SetDefault("mapping.dependency_label_prefix", d.Mapping.DependencyLabelPrefix)
	v.SetDefault("mapping.checklist_name", d.Mapping.ChecklistName)
	v.SetDefault("sync.direction", d.Sync.Direction)
	v.SetDefault("sync.prefer", d.Sync.Prefer)
	v.SetDefault("sync.create_missing_labels", d.Sync.CreateMissingLabels)
	v.SetDefault("sync.block_writes_on_conflict", d.Sync.BlockWritesOnConflict)
	v.SetDefault("sync.label_color", "")
	v.SetDefault("sync.state_path", d.Sync.StatePath)
	v.SetDefault("sync.incremental", d.Sync.Incremental)
	v.SetDefault("sync.concurrency", d.Sync.Concurrency)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("board.api_key", EnvPrefix+"_BOARD_API_KEY", "TRELLO_API_KEY")
	_ = v.BindEnv("board.token", EnvPrefix+"_BOARD_TOKEN", "TRELLO_TOKEN")
	return v
}

// Load reads the configuration. An explicit path must exist; with an empty
// path prdsync.yaml is looked up in the working directory and may be
// absent. Relative document and state paths are resolved against the
// config file's directory.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFileName, filepath.Ext(DefaultFileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if cfg.File != "" {
		dir := filepath.Dir(cfg.File)
		cfg.Document.Path = resolve(dir, cfg.Document.Path)
		cfg.Sync.StatePath = resolve(dir, cfg.Sync.StatePath)
	}
	return &cfg, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~"+string(os.PathSeparator)) {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(dir, p)
}

// CodecConfig returns the identifier codec settings.
func (c *Config) CodecConfig() idcodec.Config {
	return idcodec.Config{
		Prefix:        c.Mapping.IDPrefix,
		Width:         c.Mapping.IDWidth,
		TitleTemplate: c.Mapping.TitleTemplate,
	}
}

// StatusBindings returns the status to list-name bindings.
func (c *Config) StatusBindings() mapping.StatusBindings {
	return mapping.StatusBindings{
		types.StatusOpen:       c.Mapping.StatusLists.Open,
		types.StatusInProgress: c.Mapping.StatusLists.InProgress,
		types.StatusDone:       c.Mapping.StatusLists.Done,
	}
}

// PlannerOptions converts the sync policy. Call Validate first; invalid
// enums fall back to their defaults here.
func (c *Config) PlannerOptions() planner.Options {
	dir, err := planner.ParseDirection(c.Sync.Direction)
	if err != nil {
		dir = planner.DirectionBoth
	}
	prefer, err := planner.ParsePrefer(c.Sync.Prefer)
	if err != nil {
		prefer = planner.PreferNone
	}
	return planner.Options{
		Direction:           dir,
		Prefer:              prefer,
		CreateMissingLabels: c.Sync.CreateMissingLabels,
		ChecklistName:       c.Mapping.ChecklistName,
	}
}

// MappingSignature fingerprints every setting that changes how stories map
// onto cards. Incremental state recorded under another signature is
// discarded.
func (c *Config) MappingSignature() string {
	return state.MappingSignature(
		c.CodecConfig().Signature(),
		c.Mapping.StatusLists.Open,
		c.Mapping.StatusLists.InProgress,
		c.Mapping.StatusLists.Done,
		c.Mapping.DependencyLabelPrefix,
		c.Mapping.ChecklistName,
		c.Document.StoriesKey,
	)
}
