package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/prdsync/prdsync/internal/idcodec"
	"github.com/prdsync/prdsync/internal/planner"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ErrMissingCredentials is returned by RequireBoard when the board cannot
// be reached.
var ErrMissingCredentials = errors.New("missing Trello credentials")

// maxIDWidth keeps padded identifiers inside an int.
const maxIDWidth = 18

// Validate checks enums, the title template and numeric ranges. All
// problems are reported together.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Document.Path) == "" {
		problems = append(problems, "document.path is required")
	}
	if strings.TrimSpace(c.Document.StoriesKey) == "" {
		problems = append(problems, "document.stories_key is required")
	}

	// Direction and prefer reuse the planner's parsers, which list the
	// valid values in their errors.
	if _, err := planner.ParseDirection(c.Sync.Direction); err != nil {
		problems = append(problems, "sync."+err.Error())
	}
	if _, err := planner.ParsePrefer(c.Sync.Prefer); err != nil {
		problems = append(problems, "sync."+err.Error())
	}

	if c.Mapping.IDWidth < 0 || c.Mapping.IDWidth > maxIDWidth {
		problems = append(problems, fmt.Sprintf("mapping.id_width must be between 0 and %d (got %d)", maxIDWidth, c.Mapping.IDWidth))
	} else if _, err := idcodec.New(c.CodecConfig()); err != nil {
		problems = append(problems, "mapping.title_template: "+err.Error())
	}

	lists := map[string]string{
		"mapping.status_lists.open":        c.Mapping.StatusLists.Open,
		"mapping.status_lists.in_progress": c.Mapping.StatusLists.InProgress,
		"mapping.status_lists.done":        c.Mapping.StatusLists.Done,
	}
	for _, key := range []string{"mapping.status_lists.open", "mapping.status_lists.in_progress", "mapping.status_lists.done"} {
		if strings.TrimSpace(lists[key]) == "" {
			problems = append(problems, key+" is required")
		}
	}
	if strings.TrimSpace(c.Mapping.DependencyLabelPrefix) == "" {
		problems = append(problems, "mapping.dependency_label_prefix is required")
	}
	if strings.TrimSpace(c.Mapping.ChecklistName) == "" {
		problems = append(problems, "mapping.checklist_name is required")
	}

	if c.Sync.Concurrency < 1 {
		problems = append(problems, fmt.Sprintf("sync.concurrency must be at least 1 (got %d)", c.Sync.Concurrency))
	}
	if c.Sync.Incremental && strings.TrimSpace(c.Sync.StatePath) == "" {
		problems = append(problems, "sync.state_path is required when sync.incremental is on")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// RequireBoard checks that the board id and credentials are set.
func (c *Config) RequireBoard() error {
	var missing []string
	if c.Board.ID == "" {
		missing = append(missing, "board.id ("+EnvPrefix+"_BOARD_ID)")
	}
	if c.Board.APIKey == "" {
		missing = append(missing, "board.api_key (TRELLO_API_KEY)")
	}
	if c.Board.Token == "" {
		missing = append(missing, "board.token (TRELLO_TOKEN)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: set %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}
