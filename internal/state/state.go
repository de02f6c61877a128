// Package state persists the incremental-sync snapshot between runs.
//
// The snapshot is a disposable cache: callers treat ErrCorrupt and ErrStale
// as warnings and fall back to a full reconciliation. It is only written
// after a successful apply, and always as a whole-file atomic replace.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prdsync/prdsync/internal/types"
	"github.com/prdsync/prdsync/internal/utils"
)

// Version is the on-disk layout version.
const Version = 1

var (
	// ErrCorrupt means the state file could not be decoded.
	ErrCorrupt = errors.New("incremental state is corrupt")
	// ErrStale means the state belongs to another board, document or mapping.
	ErrStale = errors.New("incremental state does not match current run")
)

// StoryEntry records a story's content fingerprint.
type StoryEntry struct {
	Fingerprint string `json:"fingerprint"`
}

// CardEntry records the board identity and activity of a story's card.
type CardEntry struct {
	CardID         string    `json:"cardId"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// State is the snapshot of the last successful run.
type State struct {
	Version               int                   `json:"version"`
	LastRunAt             time.Time             `json:"lastRunAt"`
	BoardID               string                `json:"boardId"`
	DocumentPath          string                `json:"documentPath"`
	MappingSignature      string                `json:"mappingSignature"`
	LastSeenBoardActivity time.Time             `json:"lastSeenBoardActivity"`
	StoryIndex            map[string]StoryEntry `json:"storyIndex"`
	CardIndex             map[string]CardEntry  `json:"cardIndex"`
}

// Load reads the state file. A missing file returns (nil, nil). Undecodable
// content or an unknown version returns ErrCorrupt.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if st.Version != Version {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorrupt, path, st.Version)
	}
	if st.StoryIndex == nil {
		st.StoryIndex = make(map[string]StoryEntry)
	}
	if st.CardIndex == nil {
		st.CardIndex = make(map[string]CardEntry)
	}
	return &st, nil
}

// Save writes the state file atomically.
func Save(path string, st *State) error {
	if st == nil {
		return errors.New("save state: nil state")
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Remove deletes the state file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

// Validate returns ErrStale unless the state was recorded for the same
// board, document and mapping signature.
func (s *State) Validate(boardID, documentPath, signature string) error {
	switch {
	case s.BoardID != boardID:
		return fmt.Errorf("%w: board %q, current %q", ErrStale, s.BoardID, boardID)
	case !utils.PathsEqual(s.DocumentPath, documentPath):
		return fmt.Errorf("%w: document %q, current %q", ErrStale, s.DocumentPath, documentPath)
	case s.MappingSignature != signature:
		return fmt.Errorf("%w: mapping configuration changed", ErrStale)
	}
	return nil
}

// StoryChanged reports whether a story differs from its recorded
// fingerprint. Every story counts as changed on a nil state.
func (s *State) StoryChanged(story types.Story) bool {
	if s == nil {
		return true
	}
	entry, ok := s.StoryIndex[story.ID]
	return !ok || entry.Fingerprint != Fingerprint(story)
}

// CardChanged reports whether the card recorded for id differs in board
// id or last activity. Every card counts as changed on a nil state.
func (s *State) CardChanged(id string, card types.Card) bool {
	if s == nil {
		return true
	}
	entry, ok := s.CardIndex[id]
	return !ok || entry.CardID != card.ID || !entry.LastActivityAt.Equal(card.LastActivityAt)
}

// Unchanged reports whether neither side of a pair moved since the last run.
func (s *State) Unchanged(story types.Story, card types.Card) bool {
	return !s.StoryChanged(story) && !s.CardChanged(story.ID, card)
}

// BuildInput is the post-write snapshot a new state is built from.
type BuildInput struct {
	BoardID          string
	DocumentPath     string
	MappingSignature string
	Now              time.Time
	Stories          []types.Story
	// Cards maps story id to the card carrying it.
	Cards map[string]types.Card
	// Exclude lists ids that ended the run in conflict. They are left out
	// so the next run examines them again.
	Exclude map[string]bool
}

// Build creates a fresh state from post-write snapshots.
func Build(in BuildInput) *State {
	st := &State{
		Version:          Version,
		LastRunAt:        in.Now.UTC(),
		BoardID:          in.BoardID,
		DocumentPath:     in.DocumentPath,
		MappingSignature: in.MappingSignature,
		StoryIndex:       make(map[string]StoryEntry, len(in.Stories)),
		CardIndex:        make(map[string]CardEntry, len(in.Cards)),
	}

	for _, story := range in.Stories {
		if in.Exclude[story.ID] {
			continue
		}
		st.StoryIndex[story.ID] = StoryEntry{Fingerprint: Fingerprint(story)}
	}
	for id, card := range in.Cards {
		if card.LastActivityAt.After(st.LastSeenBoardActivity) {
			st.LastSeenBoardActivity = card.LastActivityAt
		}
		if in.Exclude[id] {
			continue
		}
		st.CardIndex[id] = CardEntry{CardID: card.ID, LastActivityAt: card.LastActivityAt}
	}
	return st
}
