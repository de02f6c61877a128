// Package types defines the records prdsync reconciles: stories on the
// document side and cards, lists, labels and checklists on the board side.
package types

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Story is a document-side work item.
type Story struct {
	ID                 string   `json:"id" yaml:"id"`
	Title              string   `json:"title" yaml:"title"`
	Status             Status   `json:"status" yaml:"status"`
	DependsOn          []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Description        string   `json:"description,omitempty" yaml:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty" yaml:"acceptanceCriteria,omitempty"`
}

// Clone returns a deep copy so callers can mutate slices freely.
func (s Story) Clone() Story {
	s.DependsOn = slices.Clone(s.DependsOn)
	s.AcceptanceCriteria = slices.Clone(s.AcceptanceCriteria)
	return s
}

// Validate checks the fields every story must carry.
func (s *Story) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", s.Status)
	}
	for _, dep := range s.DependsOn {
		if dep == s.ID {
			return fmt.Errorf("story cannot depend on itself")
		}
	}
	return nil
}

// Status is the logical state of a story.
type Status string

// Story status constants
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Statuses lists every status in canonical order. Mapping code relies on
// this order for deterministic tie-breaks.
var Statuses = []Status{StatusOpen, StatusInProgress, StatusDone}

// IsValid checks if the status value is one of the built-in statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// ParseStatus normalizes a status string. Accepts the common spellings of
// in_progress and "closed"/"complete" for done. Returns false for anything
// else.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "todo":
		return StatusOpen, true
	case "in_progress", "in-progress", "inprogress":
		return StatusInProgress, true
	case "done", "closed", "complete", "completed":
		return StatusDone, true
	}
	return "", false
}

// Card is a board-side record. The story identifier is embedded in Name.
type Card struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"desc"`
	ListID         string    `json:"idList"`
	LabelIDs       []string  `json:"idLabels"`
	Closed         bool      `json:"closed"`
	LastActivityAt time.Time `json:"dateLastActivity"`
}

// List is a board column.
type List struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Closed bool   `json:"closed"`
}

// Label is a board label. Names are not unique on a board.
type Label struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Checklist is a named, ordered list of items attached to a card.
type Checklist struct {
	ID     string          `json:"id"`
	CardID string          `json:"idCard"`
	Name   string          `json:"name"`
	Items  []ChecklistItem `json:"checkItems"`
}

// ChecklistItem is one entry of a checklist. ID is empty for items that do
// not exist on the board yet.
type ChecklistItem struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Checked bool   `json:"checked"`
}

// ItemNames returns the item names in order.
func (c *Checklist) ItemNames() []string {
	names := make([]string, 0, len(c.Items))
	for _, item := range c.Items {
		names = append(names, item.Name)
	}
	return names
}

// DefaultChecklistName is the checklist that carries acceptance criteria.
const DefaultChecklistName = "Acceptance Criteria"
