package applier

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/prdsync/prdsync/internal/mapping"
	"github.com/prdsync/prdsync/internal/planner"
	"github.com/prdsync/prdsync/internal/trello"
	"github.com/prdsync/prdsync/internal/types"
)

type fakeDoc struct {
	writes [][]types.Story
	err    error
}

func (f *fakeDoc) Write(ctx context.Context, stories []types.Story) error {
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, stories)
	return nil
}

func strPtr(s string) *string { return &s }

func newBoard() *trello.MemoryBoard {
	b := trello.NewMemoryBoard(
		[]types.List{{ID: "list-open", Name: "To Do"}, {ID: "list-done", Name: "Done"}},
		[]types.Label{{ID: "label-001", Name: "dep:US-001"}, {ID: "label-keep", Name: "frontend"}},
	)
	b.Now = func() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) }
	return b
}

func labelsOf(b *trello.MemoryBoard, t *testing.T) *mapping.LabelMap {
	t.Helper()
	labels, err := b.GetLabels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return mapping.NewLabelMap(labels, "dep:")
}

func TestApplyBlockedBeforeAnyWrite(t *testing.T) {
	board := newBoard()
	doc := &fakeDoc{}
	plan := &planner.Plan{
		Creates: []planner.Create{{
			ID:     "US-002",
			Target: planner.TargetBoard,
			Card:   &planner.CardCreate{Name: "[US-002] B", ListID: "list-open"},
		}},
		Conflicts: []planner.Conflict{{ID: "US-003", Kind: planner.KindBothChanged}},
	}

	a := New(board, doc, labelsOf(board, t), Options{BlockWritesOnConflict: true})
	_, err := a.Apply(context.Background(), plan)
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("Apply() error = %v, want ErrBlocked", err)
	}
	if calls := board.Calls(); len(calls) != 0 {
		t.Errorf("board writes = %v, want none", calls)
	}
	if len(doc.writes) != 0 {
		t.Error("document was written")
	}
}

func TestApplyOrder(t *testing.T) {
	board := newBoard()
	existing := board.AddCard(types.Card{Name: "[US-001] Old", ListID: "list-open", LabelIDs: []string{"label-keep"}},
		types.Checklist{Name: types.DefaultChecklistName, Items: []types.ChecklistItem{{Name: "Stale"}}})
	doc := &fakeDoc{}

	plan := &planner.Plan{
		Creates: []planner.Create{
			{
				ID:     "US-002",
				Target: planner.TargetBoard,
				Card: &planner.CardCreate{
					Name:          "[US-002] New",
					ListID:        "list-open",
					LabelIDs:      []string{"label-001"},
					MissingLabels: []string{"US-009"},
					ChecklistName: types.DefaultChecklistName,
					Checklist:     []planner.ChecklistItemSpec{{Name: "Works"}},
				},
			},
			{
				ID:     "US-010",
				Target: planner.TargetDocument,
				CardID: "card-x",
				Story:  &types.Story{ID: "US-010", Title: "From board", Status: types.StatusOpen},
			},
		},
		Updates: []planner.Update{{
			ID:     "US-001",
			Target: planner.TargetBoard,
			CardID: existing.ID,
			Fields: []string{"title", "acceptanceCriteria"},
			Card: &planner.CardUpdate{
				Name:            strPtr("[US-001] New"),
				ChecklistUpdate: true,
				ChecklistName:   types.DefaultChecklistName,
				Checklist:       []planner.ChecklistItemSpec{{Name: "Fresh", Checked: true}},
			},
		}},
	}

	var messages []string
	a := New(board, doc, labelsOf(board, t), Options{OnMessage: func(m string) { messages = append(messages, m) }})
	res, err := a.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	calls := board.Calls()
	want := []string{
		"CreateLabel dep:US-009",
		"CreateCard [US-002] New",
		"UpsertChecklist " + res.CreatedCards["US-002"],
		"UpdateCard " + existing.ID,
		"UpsertChecklist " + existing.ID,
	}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v\nwant %v", calls, want)
	}

	created, _ := board.Card(res.CreatedCards["US-002"])
	if len(created.LabelIDs) != 2 || created.LabelIDs[0] != "label-001" {
		t.Errorf("created card labels = %v, want label-001 plus the new label", created.LabelIDs)
	}
	updated, _ := board.Card(existing.ID)
	if updated.Name != "[US-001] New" {
		t.Errorf("updated name = %q", updated.Name)
	}
	cls, _ := board.GetChecklists(context.Background(), existing.ID)
	if got := cls[0].ItemNames(); !reflect.DeepEqual(got, []string{"Fresh"}) || !cls[0].Items[0].Checked {
		t.Errorf("checklist = %+v", cls[0])
	}

	if len(doc.writes) != 1 || len(doc.writes[0]) != 1 || doc.writes[0][0].ID != "US-010" {
		t.Errorf("document writes = %+v", doc.writes)
	}
	if res.LabelsCreated != 1 || res.CardsCreated != 1 || res.CardsUpdated != 1 || res.StoriesCreated != 1 || res.Checklists != 2 {
		t.Errorf("result = %+v", res)
	}
	if res.Writes() != 3 {
		t.Errorf("Writes() = %d, want 3", res.Writes())
	}
	if len(messages) == 0 {
		t.Error("expected progress messages")
	}
}

func TestApplyLooksUpLabelsBeforeCreating(t *testing.T) {
	board := newBoard()
	// The plan was built before another run created the label.
	stale := labelsOf(board, t)
	if _, err := board.CreateLabel(context.Background(), "dep:US-005", ""); err != nil {
		t.Fatal(err)
	}

	plan := &planner.Plan{Creates: []planner.Create{{
		ID:     "US-006",
		Target: planner.TargetBoard,
		Card:   &planner.CardCreate{Name: "[US-006] X", ListID: "list-open", MissingLabels: []string{"US-005"}},
	}}}

	res, err := New(board, nil, stale, Options{}).Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.LabelsCreated != 0 {
		t.Errorf("LabelsCreated = %d, want 0", res.LabelsCreated)
	}
	names := board.LabelNames()
	count := 0
	for _, n := range names {
		if n == "dep:US-005" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("labels = %v, want exactly one dep:US-005", names)
	}
	card, _ := board.Card(res.CreatedCards["US-006"])
	if len(card.LabelIDs) != 1 {
		t.Errorf("card labels = %v", card.LabelIDs)
	}
}

func TestApplyContinuesAfterCardFailure(t *testing.T) {
	board := newBoard()
	existing := board.AddCard(types.Card{Name: "[US-001] A", ListID: "list-open"})
	board.FailOn = map[string]error{"CreateCard": errors.New("trello down")}

	plan := &planner.Plan{
		Creates: []planner.Create{{
			ID:     "US-002",
			Target: planner.TargetBoard,
			Card:   &planner.CardCreate{Name: "[US-002] B", ListID: "list-open"},
		}},
		Updates: []planner.Update{{
			ID:     "US-001",
			Target: planner.TargetBoard,
			CardID: existing.ID,
			Fields: []string{"status"},
			Card:   &planner.CardUpdate{ListID: strPtr("list-done")},
		}},
	}

	res, err := New(board, nil, labelsOf(board, t), Options{}).Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !res.FailedIDs()["US-002"] || len(res.Failures) != 1 {
		t.Errorf("failures = %+v", res.Failures)
	}
	card, _ := board.Card(existing.ID)
	if card.ListID != "list-done" {
		t.Errorf("update not applied after failure: list = %s", card.ListID)
	}
}

func TestApplyDocumentFailure(t *testing.T) {
	board := newBoard()
	doc := &fakeDoc{err: errors.New("disk full")}
	plan := &planner.Plan{Updates: []planner.Update{{
		ID:     "US-001",
		Target: planner.TargetDocument,
		CardID: "card-1",
		Fields: []string{"title"},
		Story:  &types.Story{ID: "US-001", Title: "T", Status: types.StatusOpen},
	}}}

	res, err := New(board, doc, labelsOf(board, t), Options{}).Apply(context.Background(), plan)
	if err == nil {
		t.Fatal("expected document write error")
	}
	if !res.FailedIDs()["US-001"] || res.StoriesUpdated != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestApplyEmptyLabelSetClearsLabels(t *testing.T) {
	board := newBoard()
	existing := board.AddCard(types.Card{Name: "[US-001] A", ListID: "list-open", LabelIDs: []string{"label-001"}})
	plan := &planner.Plan{Updates: []planner.Update{{
		ID:     "US-001",
		Target: planner.TargetBoard,
		CardID: existing.ID,
		Fields: []string{"dependsOn"},
		Card:   &planner.CardUpdate{LabelIDs: []string{}},
	}}}

	if _, err := New(board, nil, labelsOf(board, t), Options{}).Apply(context.Background(), plan); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	card, _ := board.Card(existing.ID)
	if len(card.LabelIDs) != 0 {
		t.Errorf("labels = %v, want none", card.LabelIDs)
	}
}
