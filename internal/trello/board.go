// Package trello is the board store: a Trello REST client plus an
// in-memory board with the same behavior for tests.
package trello

import (
	"context"
	"strings"

	"github.com/prdsync/prdsync/internal/types"
)

// Board is the board-store contract the sync engine consumes. Every card
// carries its exact last-activity timestamp.
type Board interface {
	GetLists(ctx context.Context) ([]types.List, error)
	GetCards(ctx context.Context) ([]types.Card, error)
	GetLabels(ctx context.Context) ([]types.Label, error)
	GetChecklists(ctx context.Context, cardID string) ([]types.Checklist, error)
	CreateLabel(ctx context.Context, name, color string) (types.Label, error)
	CreateCard(ctx context.Context, in CardInput) (types.Card, error)
	UpdateCard(ctx context.Context, cardID string, patch CardPatch) (types.Card, error)
	// UpsertChecklist makes the card's checklist called name hold exactly
	// items, in order. Items are matched by name: checked state is updated
	// in place, missing items are created and the rest are deleted.
	UpsertChecklist(ctx context.Context, cardID, name string, items []ItemSpec) (types.Checklist, error)
	SetChecklistItemState(ctx context.Context, cardID, itemID string, checked bool) error
}

// CardInput describes a new card.
type CardInput struct {
	Name        string
	Description string
	ListID      string
	LabelIDs    []string
}

// CardPatch is a partial card update. Nil pointers are left unchanged;
// LabelIDs replaces the label set only when SetLabels is true.
type CardPatch struct {
	Name        *string
	Description *string
	ListID      *string
	LabelIDs    []string
	SetLabels   bool
}

// Empty reports whether the patch changes nothing.
func (p CardPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.ListID == nil && !p.SetLabels
}

// ItemSpec is a desired checklist item.
type ItemSpec struct {
	Name    string
	Checked bool
}

// slot pairs a desired item with the existing item that will carry it.
// An empty existingID means the item must be created.
type slot struct {
	spec       ItemSpec
	existingID string
	checked    bool // current state of the existing item
}

type checklistOps struct {
	slots   []slot
	remove  []string
	reorder bool
}

// diffChecklist matches desired items to existing ones by trimmed name,
// first come first served, so duplicate names pair up in order.
func diffChecklist(existing []types.ChecklistItem, desired []ItemSpec) checklistOps {
	queues := make(map[string][]int)
	for i, it := range existing {
		key := strings.TrimSpace(it.Name)
		queues[key] = append(queues[key], i)
	}

	used := make([]bool, len(existing))
	ops := checklistOps{slots: make([]slot, 0, len(desired))}
	lastExisting := -1
	sawNew := false
	for _, spec := range desired {
		key := strings.TrimSpace(spec.Name)
		q := queues[key]
		if len(q) == 0 {
			ops.slots = append(ops.slots, slot{spec: spec})
			sawNew = true
			continue
		}
		idx := q[0]
		queues[key] = q[1:]
		used[idx] = true
		ops.slots = append(ops.slots, slot{spec: spec, existingID: existing[idx].ID, checked: existing[idx].Checked})
		// New items are appended at the bottom, so an existing item after a
		// new one, or existing items out of order, need repositioning.
		if sawNew || idx < lastExisting {
			ops.reorder = true
		}
		lastExisting = idx
	}
	for i, it := range existing {
		if !used[i] {
			ops.remove = append(ops.remove, it.ID)
		}
	}
	return ops
}
