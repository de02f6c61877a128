package trello

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prdsync/prdsync/internal/types"
)

var _ Board = (*MemoryBoard)(nil)

// MemoryBoard is an in-memory Board. Every write bumps the card's
// last-activity timestamp to Now(), the way Trello does.
type MemoryBoard struct {
	mu         sync.Mutex
	lists      []types.List
	labels     []types.Label
	cards      []types.Card
	checklists map[string][]types.Checklist // card id -> checklists
	nextID     int
	calls      []string

	// Now supplies activity timestamps. Defaults to time.Now.
	Now func() time.Time
	// FailOn makes the named method return an error, for failure tests.
	FailOn map[string]error
}

// NewMemoryBoard creates an empty board with the given lists and labels.
func NewMemoryBoard(lists []types.List, labels []types.Label) *MemoryBoard {
	return &MemoryBoard{
		lists:      slices.Clone(lists),
		labels:     slices.Clone(labels),
		checklists: make(map[string][]types.Checklist),
		Now:        time.Now,
	}
}

// AddCard seeds a card, assigning an id when empty.
func (b *MemoryBoard) AddCard(card types.Card, checklists ...types.Checklist) types.Card {
	b.mu.Lock()
	defer b.mu.Unlock()
	if card.ID == "" {
		card.ID = b.newID("card")
	}
	b.cards = append(b.cards, cloneCard(card))
	for _, cl := range checklists {
		if cl.ID == "" {
			cl.ID = b.newID("checklist")
		}
		cl.CardID = card.ID
		for i := range cl.Items {
			if cl.Items[i].ID == "" {
				cl.Items[i].ID = b.newID("item")
			}
		}
		b.checklists[card.ID] = append(b.checklists[card.ID], cloneChecklist(cl))
	}
	return card
}

// Calls returns the write methods invoked so far, in order.
func (b *MemoryBoard) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// Card returns a card by id.
func (b *MemoryBoard) Card(id string) (types.Card, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.cards {
		if c.ID == id {
			return cloneCard(c), true
		}
	}
	return types.Card{}, false
}

func (b *MemoryBoard) newID(kind string) string {
	b.nextID++
	return fmt.Sprintf("%s-%04d", kind, b.nextID)
}

func (b *MemoryBoard) fail(method string) error {
	if err, ok := b.FailOn[method]; ok {
		return err
	}
	return nil
}

func (b *MemoryBoard) record(format string, args ...any) {
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
}

func (b *MemoryBoard) touch(cardID string) {
	now := b.Now().UTC()
	for i := range b.cards {
		if b.cards[i].ID == cardID {
			b.cards[i].LastActivityAt = now
		}
	}
}

func (b *MemoryBoard) GetLists(ctx context.Context) ([]types.List, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("GetLists"); err != nil {
		return nil, err
	}
	return slices.Clone(b.lists), nil
}

func (b *MemoryBoard) GetCards(ctx context.Context) ([]types.Card, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("GetCards"); err != nil {
		return nil, err
	}
	out := make([]types.Card, 0, len(b.cards))
	for _, c := range b.cards {
		out = append(out, cloneCard(c))
	}
	return out, nil
}

func (b *MemoryBoard) GetLabels(ctx context.Context) ([]types.Label, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("GetLabels"); err != nil {
		return nil, err
	}
	return slices.Clone(b.labels), nil
}

func (b *MemoryBoard) GetChecklists(ctx context.Context, cardID string) ([]types.Checklist, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("GetChecklists"); err != nil {
		return nil, err
	}
	var out []types.Checklist
	for _, cl := range b.checklists[cardID] {
		out = append(out, cloneChecklist(cl))
	}
	return out, nil
}

func (b *MemoryBoard) CreateLabel(ctx context.Context, name, color string) (types.Label, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("CreateLabel"); err != nil {
		return types.Label{}, err
	}
	label := types.Label{ID: b.newID("label"), Name: name, Color: color}
	b.labels = append(b.labels, label)
	b.record("CreateLabel %s", name)
	return label, nil
}

func (b *MemoryBoard) CreateCard(ctx context.Context, in CardInput) (types.Card, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("CreateCard"); err != nil {
		return types.Card{}, err
	}
	if !b.hasList(in.ListID) {
		return types.Card{}, fmt.Errorf("create card: unknown list %s", in.ListID)
	}
	card := types.Card{
		ID:             b.newID("card"),
		Name:           in.Name,
		Description:    in.Description,
		ListID:         in.ListID,
		LabelIDs:       slices.Clone(in.LabelIDs),
		LastActivityAt: b.Now().UTC(),
	}
	b.cards = append(b.cards, card)
	b.record("CreateCard %s", in.Name)
	return cloneCard(card), nil
}

func (b *MemoryBoard) UpdateCard(ctx context.Context, cardID string, patch CardPatch) (types.Card, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("UpdateCard"); err != nil {
		return types.Card{}, err
	}
	for i := range b.cards {
		c := &b.cards[i]
		if c.ID != cardID {
			continue
		}
		if patch.Name != nil {
			c.Name = *patch.Name
		}
		if patch.Description != nil {
			c.Description = *patch.Description
		}
		if patch.ListID != nil {
			if !b.hasList(*patch.ListID) {
				return types.Card{}, fmt.Errorf("update card: unknown list %s", *patch.ListID)
			}
			c.ListID = *patch.ListID
		}
		if patch.SetLabels {
			c.LabelIDs = slices.Clone(patch.LabelIDs)
		}
		c.LastActivityAt = b.Now().UTC()
		b.record("UpdateCard %s", cardID)
		return cloneCard(*c), nil
	}
	return types.Card{}, fmt.Errorf("update card: card %s not found", cardID)
}

func (b *MemoryBoard) UpsertChecklist(ctx context.Context, cardID, name string, items []ItemSpec) (types.Checklist, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("UpsertChecklist"); err != nil {
		return types.Checklist{}, err
	}

	idx := -1
	for i, cl := range b.checklists[cardID] {
		if strings.TrimSpace(cl.Name) != name {
			continue
		}
		if idx >= 0 {
			return types.Checklist{}, fmt.Errorf("card %s has several checklists named %q", cardID, name)
		}
		idx = i
	}
	if idx < 0 {
		if len(items) == 0 {
			return types.Checklist{CardID: cardID, Name: name}, nil
		}
		b.checklists[cardID] = append(b.checklists[cardID], types.Checklist{ID: b.newID("checklist"), CardID: cardID, Name: name})
		idx = len(b.checklists[cardID]) - 1
	}

	cl := &b.checklists[cardID][idx]
	ops := diffChecklist(cl.Items, items)
	next := make([]types.ChecklistItem, 0, len(ops.slots))
	for _, s := range ops.slots {
		id := s.existingID
		if id == "" {
			id = b.newID("item")
		}
		next = append(next, types.ChecklistItem{ID: id, Name: s.spec.Name, Checked: s.spec.Checked})
	}
	cl.Items = next
	b.touch(cardID)
	b.record("UpsertChecklist %s", cardID)
	return cloneChecklist(*cl), nil
}

func (b *MemoryBoard) SetChecklistItemState(ctx context.Context, cardID, itemID string, checked bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("SetChecklistItemState"); err != nil {
		return err
	}
	for ci := range b.checklists[cardID] {
		items := b.checklists[cardID][ci].Items
		for i := range items {
			if items[i].ID == itemID {
				items[i].Checked = checked
				b.touch(cardID)
				b.record("SetChecklistItemState %s %s", cardID, itemID)
				return nil
			}
		}
	}
	return fmt.Errorf("checklist item %s not found on card %s", itemID, cardID)
}

func (b *MemoryBoard) hasList(id string) bool {
	for _, l := range b.lists {
		if l.ID == id {
			return true
		}
	}
	return false
}

// LabelNames returns the board's label names, sorted.
func (b *MemoryBoard) LabelNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.labels))
	for _, l := range b.labels {
		names = append(names, l.Name)
	}
	sort.Strings(names)
	return names
}

func cloneCard(c types.Card) types.Card {
	c.LabelIDs = slices.Clone(c.LabelIDs)
	return c
}

func cloneChecklist(cl types.Checklist) types.Checklist {
	cl.Items = slices.Clone(cl.Items)
	return cl
}
