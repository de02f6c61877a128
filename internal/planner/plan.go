// Package planner classifies every story identifier into a create, update,
// conflict or no-op and emits an immutable Plan.
//
// Planning runs in two pure phases so no I/O happens during
// classification. Match groups stories and cards by identifier and reports
// which cards still need their checklists fetched; Build takes those
// checklists and produces the Plan.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prdsync/prdsync/internal/types"
)

// Direction limits which side a run may write.
type Direction string

const (
	DirectionBoth Direction = "both"
	DirectionPush Direction = "push" // document -> board only
	DirectionPull Direction = "pull" // board -> document only
)

// WritesBoard reports whether the direction allows board writes.
func (d Direction) WritesBoard() bool { return d != DirectionPull }

// WritesDocument reports whether the direction allows document writes.
func (d Direction) WritesDocument() bool { return d != DirectionPush }

// ParseDirection validates a direction string. Empty means both.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DirectionBoth, nil
	case DirectionBoth, DirectionPush, DirectionPull:
		return d, nil
	default:
		return "", fmt.Errorf("invalid direction %q (valid: both, push, pull)", s)
	}
}

// Prefer is the tie-break when both sides changed at the same instant.
type Prefer string

const (
	PreferNone   Prefer = "none"
	PreferTrello Prefer = "trello"
	PreferPRD    Prefer = "prd"
)

// ParsePrefer validates a preference string. Empty means none.
func ParsePrefer(s string) (Prefer, error) {
	switch p := Prefer(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PreferNone, nil
	case PreferNone, PreferTrello, PreferPRD:
		return p, nil
	default:
		return "", fmt.Errorf("invalid prefer %q (valid: none, trello, prd)", s)
	}
}

// Target names the side an instruction writes to.
type Target string

const (
	TargetBoard    Target = "board"
	TargetDocument Target = "document"
)

// ConflictKind classifies a conflict.
type ConflictKind string

const (
	KindDuplicateID     ConflictKind = "duplicate_id"
	KindUnparsableTitle ConflictKind = "unparsable_title"
	KindSuspectTitle    ConflictKind = "suspect_title"
	KindUnsafeTitle     ConflictKind = "unsafe_title"
	KindBadDependency   ConflictKind = "bad_dependency"
	KindInvalidID       ConflictKind = "invalid_id"
	KindEmptyTitle      ConflictKind = "empty_title"
	KindUnmappedStatus  ConflictKind = "unmapped_status"
	KindUnmappedList    ConflictKind = "unmapped_list"
	KindMissingLabels   ConflictKind = "missing_labels"
	KindBothChanged     ConflictKind = "both_changed"

	// Mapping issues surface as unkeyed conflicts with these kinds.
	KindMissingList   ConflictKind = "missing_list"
	KindAmbiguousList ConflictKind = "ambiguous_list"
	KindSharedList    ConflictKind = "shared_list"
)

// ChecklistItemSpec is one desired checklist item.
type ChecklistItemSpec struct {
	Name    string `json:"name" yaml:"name"`
	Checked bool   `json:"checked" yaml:"checked"`
}

// CardCreate describes a card to create.
type CardCreate struct {
	Name          string              `json:"name" yaml:"name"`
	Description   string              `json:"description" yaml:"description"`
	ListID        string              `json:"listId" yaml:"listId"`
	LabelIDs      []string            `json:"labelIds,omitempty" yaml:"labelIds,omitempty"`
	MissingLabels []string            `json:"missingLabels,omitempty" yaml:"missingLabels,omitempty"`
	ChecklistName string              `json:"checklistName,omitempty" yaml:"checklistName,omitempty"`
	Checklist     []ChecklistItemSpec `json:"checklist,omitempty" yaml:"checklist,omitempty"`
}

// CardUpdate describes a partial card update. Nil fields are unchanged.
// LabelIDs, when non-nil, is the complete desired label set; MissingLabels
// lists dependencies whose labels the applier must create and add.
type CardUpdate struct {
	Name            *string             `json:"name,omitempty" yaml:"name,omitempty"`
	Description     *string             `json:"description,omitempty" yaml:"description,omitempty"`
	ListID          *string             `json:"listId,omitempty" yaml:"listId,omitempty"`
	LabelIDs        []string            `json:"labelIds,omitempty" yaml:"labelIds,omitempty"`
	MissingLabels   []string            `json:"missingLabels,omitempty" yaml:"missingLabels,omitempty"`
	ChecklistUpdate bool                `json:"checklistUpdate,omitempty" yaml:"checklistUpdate,omitempty"`
	ChecklistName   string              `json:"checklistName,omitempty" yaml:"checklistName,omitempty"`
	Checklist       []ChecklistItemSpec `json:"checklist,omitempty" yaml:"checklist,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u *CardUpdate) Empty() bool {
	return u.Name == nil && u.Description == nil && u.ListID == nil &&
		u.LabelIDs == nil && len(u.MissingLabels) == 0 && !u.ChecklistUpdate
}

// Create is a record to create on one side.
type Create struct {
	ID     string       `json:"id" yaml:"id"`
	Target Target       `json:"target" yaml:"target"`
	CardID string       `json:"cardId,omitempty" yaml:"cardId,omitempty"` // source card for document creates
	Card   *CardCreate  `json:"card,omitempty" yaml:"card,omitempty"`
	Story  *types.Story `json:"story,omitempty" yaml:"story,omitempty"`
}

// Update is a change to an existing record on one side.
type Update struct {
	ID     string       `json:"id" yaml:"id"`
	Target Target       `json:"target" yaml:"target"`
	CardID string       `json:"cardId" yaml:"cardId"`
	Fields []string     `json:"fields" yaml:"fields"`
	Reason string       `json:"reason" yaml:"reason"`
	Card   *CardUpdate  `json:"card,omitempty" yaml:"card,omitempty"`
	Story  *types.Story `json:"story,omitempty" yaml:"story,omitempty"` // full desired story
}

// Conflict needs a human decision. ID is empty for global conflicts such
// as mapping issues and unparsable card titles.
type Conflict struct {
	ID      string       `json:"id,omitempty" yaml:"id,omitempty"`
	CardID  string       `json:"cardId,omitempty" yaml:"cardId,omitempty"`
	Kind    ConflictKind `json:"kind" yaml:"kind"`
	Message string       `json:"message" yaml:"message"`
	Details []string     `json:"details,omitempty" yaml:"details,omitempty"`
}

// NoOp records an identifier that needs no work.
type NoOp struct {
	ID     string `json:"id" yaml:"id"`
	CardID string `json:"cardId,omitempty" yaml:"cardId,omitempty"`
	Reason string `json:"reason" yaml:"reason"`
}

// Warning is a non-blocking observation.
type Warning struct {
	ID      string `json:"id,omitempty" yaml:"id,omitempty"`
	CardID  string `json:"cardId,omitempty" yaml:"cardId,omitempty"`
	Message string `json:"message" yaml:"message"`
}

// Stats summarises a plan.
type Stats struct {
	Creates   int `json:"creates" yaml:"creates"`
	Updates   int `json:"updates" yaml:"updates"`
	Conflicts int `json:"conflicts" yaml:"conflicts"`
	NoOps     int `json:"noops" yaml:"noops"`
	Skipped   int `json:"skipped" yaml:"skipped"` // no-ops from incremental state
}

// Plan is the result of one reconciliation. The buckets are disjoint and
// each is sorted by identifier.
type Plan struct {
	Creates   []Create   `json:"creates" yaml:"creates"`
	Updates   []Update   `json:"updates" yaml:"updates"`
	Conflicts []Conflict `json:"conflicts" yaml:"conflicts"`
	NoOps     []NoOp     `json:"noops" yaml:"noops"`
	Warnings  []Warning  `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Stats     Stats      `json:"stats" yaml:"stats"`
}

// HasConflicts reports whether any conflict exists.
func (p *Plan) HasConflicts() bool { return len(p.Conflicts) > 0 }

// HasWrites reports whether applying the plan would write anything.
func (p *Plan) HasWrites() bool { return len(p.Creates) > 0 || len(p.Updates) > 0 }

// ConflictIDs returns the keyed conflict identifiers.
func (p *Plan) ConflictIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, c := range p.Conflicts {
		if c.ID != "" {
			ids[c.ID] = true
		}
	}
	return ids
}

func (p *Plan) finish() {
	sort.SliceStable(p.Creates, func(i, j int) bool { return p.Creates[i].ID < p.Creates[j].ID })
	sort.SliceStable(p.Updates, func(i, j int) bool { return p.Updates[i].ID < p.Updates[j].ID })
	sort.SliceStable(p.NoOps, func(i, j int) bool { return p.NoOps[i].ID < p.NoOps[j].ID })
	sort.SliceStable(p.Conflicts, func(i, j int) bool {
		a, b := p.Conflicts[i], p.Conflicts[j]
		if a.ID != b.ID {
			return a.ID < b.ID // "" sorts first
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.CardID != b.CardID {
			return a.CardID < b.CardID
		}
		return a.Message < b.Message
	})
	sort.SliceStable(p.Warnings, func(i, j int) bool {
		if p.Warnings[i].ID != p.Warnings[j].ID {
			return p.Warnings[i].ID < p.Warnings[j].ID
		}
		return p.Warnings[i].CardID < p.Warnings[j].CardID
	})

	p.Stats.Creates = len(p.Creates)
	p.Stats.Updates = len(p.Updates)
	p.Stats.Conflicts = len(p.Conflicts)
	p.Stats.NoOps = len(p.NoOps)
	p.Stats.Skipped = 0
	for _, n := range p.NoOps {
		if n.Reason == ReasonUnchanged {
			p.Stats.Skipped++
		}
	}
}
