package planner

import (
	"reflect"
	"testing"
	"time"

	"github.com/prdsync/prdsync/internal/idcodec"
	"github.com/prdsync/prdsync/internal/mapping"
	"github.com/prdsync/prdsync/internal/prd"
	"github.com/prdsync/prdsync/internal/state"
	"github.com/prdsync/prdsync/internal/types"
)

var (
	t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

var testLists = []types.List{
	{ID: "list-open", Name: "To Do"},
	{ID: "list-doing", Name: "Doing"},
	{ID: "list-done", Name: "Done"},
	{ID: "list-backlog", Name: "Backlog"},
}

var testLabels = []types.Label{
	{ID: "label-001", Name: "dep:US-001"},
	{ID: "label-002", Name: "dep:US-002"},
	{ID: "label-keep", Name: "frontend"},
	{ID: "label-old-dep", Name: "dep:US-099"},
}

func newInput(t *testing.T, stories []types.Story, cards []types.Card) Input {
	t.Helper()
	codec, err := idcodec.New(idcodec.Config{Prefix: "US-", Width: 3, TitleTemplate: "[{id}] {title}"})
	if err != nil {
		t.Fatalf("idcodec.New() error = %v", err)
	}
	return Input{
		Stories:            stories,
		DocumentModifiedAt: t0,
		Cards:              cards,
		Codec:              codec,
		Statuses:           mapping.NewStatusMap(testLists, mapping.DefaultStatusBindings()),
		Labels:             mapping.NewLabelMap(testLabels, "dep:"),
		Options:            Options{Direction: DirectionBoth, Prefer: PreferNone},
	}
}

func checklist(cardID string, items ...types.ChecklistItem) []types.Checklist {
	return []types.Checklist{{ID: "cl-" + cardID, CardID: cardID, Name: types.DefaultChecklistName, Items: items}}
}

func syncedFixture() ([]types.Story, []types.Card, map[string][]types.Checklist) {
	stories := []types.Story{
		{ID: "US-001", Title: "Login", Status: types.StatusDone, Description: "Log in", AcceptanceCriteria: []string{"Form"}},
		{ID: "US-002", Title: "Profile", Status: types.StatusInProgress, DependsOn: []string{"US-001"}},
	}
	cards := []types.Card{
		{ID: "card-1", Name: "[US-001] Login", Description: "Log in", ListID: "list-done", LastActivityAt: t0},
		{ID: "card-2", Name: "[US-002] Profile", ListID: "list-doing", LabelIDs: []string{"label-001", "label-keep"}, LastActivityAt: t0},
	}
	checklists := map[string][]types.Checklist{
		"card-1": checklist("card-1", types.ChecklistItem{ID: "i1", Name: "Form", Checked: true}),
	}
	return stories, cards, checklists
}

func TestPlanIsIdempotent(t *testing.T) {
	stories, cards, checklists := syncedFixture()
	in := newInput(t, stories, cards)

	first := PlanAll(in, checklists)
	if first.HasWrites() || first.HasConflicts() {
		t.Fatalf("synced snapshots produced work: %+v", first)
	}
	if len(first.NoOps) != 2 {
		t.Fatalf("NoOps = %+v, want both ids", first.NoOps)
	}
	for _, n := range first.NoOps {
		if n.Reason != ReasonInSync {
			t.Errorf("NoOp %s reason = %q, want in sync", n.ID, n.Reason)
		}
	}

	second := PlanAll(in, checklists)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("second plan differs:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestDuplicateCardsConflict(t *testing.T) {
	stories := []types.Story{{ID: "US-001", Title: "Login", Status: types.StatusOpen}}
	cards := []types.Card{
		{ID: "card-b", Name: "[US-001] Login", ListID: "list-open"},
		{ID: "card-a", Name: "[US-001] Login again", ListID: "list-open"},
	}
	plan := PlanAll(newInput(t, stories, cards), nil)

	if len(plan.Conflicts) != 1 {
		t.Fatalf("Conflicts = %+v, want exactly one", plan.Conflicts)
	}
	c := plan.Conflicts[0]
	if c.ID != "US-001" || c.Kind != KindDuplicateID {
		t.Errorf("conflict = %+v, want duplicate_id keyed US-001", c)
	}
	if !reflect.DeepEqual(c.Details, []string{"card-a", "card-b"}) {
		t.Errorf("Details = %v, want sorted card ids", c.Details)
	}
	if len(plan.Creates)+len(plan.Updates)+len(plan.NoOps) != 0 {
		t.Errorf("duplicate id leaked into other buckets: %+v", plan)
	}
}

func TestDuplicateStoriesConflict(t *testing.T) {
	stories := []types.Story{
		{ID: "US-004", Title: "A", Status: types.StatusOpen},
		{ID: "US-004", Title: "B", Status: types.StatusOpen},
	}
	plan := PlanAll(newInput(t, stories, nil), nil)
	if len(plan.Conflicts) != 1 || plan.Conflicts[0].Kind != KindDuplicateID || plan.HasWrites() {
		t.Errorf("plan = %+v, want one duplicate conflict and no writes", plan)
	}
}

func tieInput(t *testing.T, prefer Prefer) Input {
	stories := []types.Story{{ID: "US-003", Title: "Document title", Status: types.StatusOpen}}
	cards := []types.Card{{ID: "card-3", Name: "[US-003] Board title", ListID: "list-open", LastActivityAt: t0}}
	in := newInput(t, stories, cards)
	in.DocumentModifiedAt = t0
	in.Options.Prefer = prefer
	return in
}

func TestTieBreak(t *testing.T) {
	t.Run("prd", func(t *testing.T) {
		plan := PlanAll(tieInput(t, PreferPRD), nil)
		if len(plan.Conflicts) != 0 || len(plan.Updates) != 1 {
			t.Fatalf("plan = %+v, want one update", plan)
		}
		u := plan.Updates[0]
		if u.Target != TargetBoard || u.Card == nil || u.Card.Name == nil || *u.Card.Name != "[US-003] Document title" {
			t.Errorf("update = %+v, want document winning on the board", u)
		}
	})

	t.Run("trello", func(t *testing.T) {
		plan := PlanAll(tieInput(t, PreferTrello), nil)
		if len(plan.Updates) != 1 || plan.Updates[0].Target != TargetDocument {
			t.Fatalf("plan = %+v, want one document update", plan)
		}
		if got := plan.Updates[0].Story.Title; got != "Board title" {
			t.Errorf("story title = %q, want Board title", got)
		}
	})

	t.Run("none", func(t *testing.T) {
		plan := PlanAll(tieInput(t, PreferNone), nil)
		if plan.HasWrites() || len(plan.Conflicts) != 1 {
			t.Fatalf("plan = %+v, want a single conflict", plan)
		}
		if c := plan.Conflicts[0]; c.ID != "US-003" || c.Kind != KindBothChanged {
			t.Errorf("conflict = %+v", c)
		}
	})
}

func TestEndToEndCardUpdate(t *testing.T) {
	stories := []types.Story{{
		ID:                 "US-007",
		Title:              "New Title",
		Status:             types.StatusOpen,
		Description:        "Updated description",
		AcceptanceCriteria: []string{"First criterion"},
	}}
	cards := []types.Card{{
		ID:             "card-7",
		Name:           "[US-007] Old Title",
		Description:    "Old description",
		ListID:         "list-open",
		LastActivityAt: t0,
	}}
	in := newInput(t, stories, cards)
	in.DocumentModifiedAt = t1

	plan := PlanAll(in, nil)

	if len(plan.Creates) != 0 || len(plan.Conflicts) != 0 || len(plan.Updates) != 1 {
		t.Fatalf("plan = %+v, want exactly one update", plan)
	}
	u := plan.Updates[0]
	if u.ID != "US-007" || u.Target != TargetBoard || u.CardID != "card-7" {
		t.Errorf("update = %+v", u)
	}
	if u.Card.Name == nil || *u.Card.Name != "[US-007] New Title" {
		t.Errorf("Name = %v, want [US-007] New Title", u.Card.Name)
	}
	if u.Card.Description == nil || *u.Card.Description != "Updated description" {
		t.Errorf("Description = %v, want Updated description", u.Card.Description)
	}
	if !u.Card.ChecklistUpdate {
		t.Error("ChecklistUpdate should be set")
	}
	if u.Card.ListID != nil {
		t.Errorf("ListID = %q, card is already on the open list", *u.Card.ListID)
	}
	want := []ChecklistItemSpec{{Name: "First criterion"}}
	if !reflect.DeepEqual(u.Card.Checklist, want) {
		t.Errorf("Checklist = %+v, want %+v", u.Card.Checklist, want)
	}
}

func TestDependencyLabelSet(t *testing.T) {
	stories := []types.Story{{ID: "US-005", Title: "Deps", Status: types.StatusOpen, DependsOn: []string{"US-002", "US-001"}}}
	cards := []types.Card{{
		ID:             "card-5",
		Name:           "[US-005] Deps",
		ListID:         "list-open",
		LabelIDs:       []string{"label-keep", "label-old-dep"},
		LastActivityAt: t0,
	}}
	in := newInput(t, stories, cards)
	in.DocumentModifiedAt = t1

	plan := PlanAll(in, nil)
	if len(plan.Updates) != 1 {
		t.Fatalf("plan = %+v, want one update", plan)
	}
	got := plan.Updates[0].Card.LabelIDs
	want := []string{"label-001", "label-002", "label-keep"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LabelIDs = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(plan.Updates[0].Fields, []string{FieldDependsOn}) {
		t.Errorf("Fields = %v, want only dependsOn", plan.Updates[0].Fields)
	}
}

func TestStoryOnlyCreatesCard(t *testing.T) {
	stories := []types.Story{{
		ID:                 "US-010",
		Title:              "Search",
		Status:             types.StatusDone,
		DependsOn:          []string{"US-001"},
		Description:        "Find things",
		AcceptanceCriteria: []string{"Results", "Paging"},
	}}
	plan := PlanAll(newInput(t, stories, nil), nil)

	if len(plan.Creates) != 1 {
		t.Fatalf("plan = %+v, want one create", plan)
	}
	c := plan.Creates[0]
	want := &CardCreate{
		Name:          "[US-010] Search",
		Description:   "Find things",
		ListID:        "list-done",
		LabelIDs:      []string{"label-001"},
		ChecklistName: types.DefaultChecklistName,
		Checklist:     []ChecklistItemSpec{{Name: "Results", Checked: true}, {Name: "Paging", Checked: true}},
	}
	if c.Target != TargetBoard || !reflect.DeepEqual(c.Card, want) {
		t.Errorf("create = %+v\nwant card %+v", c.Card, want)
	}
}

func TestMissingLabelsPolicy(t *testing.T) {
	stories := []types.Story{{ID: "US-011", Title: "Needs label", Status: types.StatusOpen, DependsOn: []string{"US-042"}}}

	t.Run("create disabled", func(t *testing.T) {
		plan := PlanAll(newInput(t, stories, nil), nil)
		if len(plan.Creates) != 0 || len(plan.Conflicts) != 1 {
			t.Fatalf("plan = %+v, want a missing_labels conflict", plan)
		}
		c := plan.Conflicts[0]
		if c.Kind != KindMissingLabels || !reflect.DeepEqual(c.Details, []string{"dep:US-042"}) {
			t.Errorf("conflict = %+v", c)
		}
	})

	t.Run("create enabled", func(t *testing.T) {
		in := newInput(t, stories, nil)
		in.Options.CreateMissingLabels = true
		plan := PlanAll(in, nil)
		if len(plan.Creates) != 1 {
			t.Fatalf("plan = %+v, want one create", plan)
		}
		if got := plan.Creates[0].Card.MissingLabels; !reflect.DeepEqual(got, []string{"US-042"}) {
			t.Errorf("MissingLabels = %v", got)
		}
	})
}

func TestCardOnlyCreatesStory(t *testing.T) {
	cards := []types.Card{{
		ID:          "card-20",
		Name:        "[US-020] From the board",
		Description: "Written on the board",
		ListID:      "list-doing",
		LabelIDs:    []string{"label-keep", "label-002"},
	}}
	checklists := map[string][]types.Checklist{
		"card-20": checklist("card-20", types.ChecklistItem{Name: "One"}, types.ChecklistItem{Name: "Two", Checked: true}),
	}
	plan := PlanAll(newInput(t, nil, cards), checklists)

	if len(plan.Creates) != 1 {
		t.Fatalf("plan = %+v, want one create", plan)
	}
	c := plan.Creates[0]
	want := &types.Story{
		ID:                 "US-020",
		Title:              "From the board",
		Status:             types.StatusInProgress,
		DependsOn:          []string{"US-002"},
		Description:        "Written on the board",
		AcceptanceCriteria: []string{"One", "Two"},
	}
	if c.Target != TargetDocument || c.CardID != "card-20" || !reflect.DeepEqual(c.Story, want) {
		t.Errorf("create = %+v, story %+v", c, c.Story)
	}
}

func TestCardOnlyArchivedIsNoOp(t *testing.T) {
	cards := []types.Card{{ID: "card-21", Name: "[US-021] Old", ListID: "list-done", Closed: true}}
	plan := PlanAll(newInput(t, nil, cards), nil)
	if len(plan.NoOps) != 1 || plan.NoOps[0].Reason != ReasonArchivedCard {
		t.Errorf("plan = %+v, want archived no-op", plan)
	}
}

func TestDirectionLimitsWrites(t *testing.T) {
	stories := []types.Story{
		{ID: "US-001", Title: "Only in document", Status: types.StatusOpen},
		{ID: "US-003", Title: "Edited in document", Status: types.StatusOpen},
	}
	cards := []types.Card{
		{ID: "card-2", Name: "[US-002] Only on board", ListID: "list-open"},
		{ID: "card-3", Name: "[US-003] Edited on board", ListID: "list-open", LastActivityAt: t1},
	}

	t.Run("push", func(t *testing.T) {
		in := newInput(t, stories, cards)
		in.Options.Direction = DirectionPush
		plan := PlanAll(in, nil)

		if len(plan.Creates) != 1 || plan.Creates[0].ID != "US-001" || plan.Creates[0].Target != TargetBoard {
			t.Errorf("Creates = %+v, want only the board create for US-001", plan.Creates)
		}
		if len(plan.Updates) != 0 {
			t.Errorf("Updates = %+v, board is newer so push has nothing to write", plan.Updates)
		}
		if ids := noopIDs(plan); !reflect.DeepEqual(ids, []string{"US-002", "US-003"}) {
			t.Errorf("NoOps = %v", ids)
		}
	})

	t.Run("pull", func(t *testing.T) {
		in := newInput(t, stories, cards)
		in.Options.Direction = DirectionPull
		plan := PlanAll(in, nil)

		if len(plan.Creates) != 1 || plan.Creates[0].ID != "US-002" || plan.Creates[0].Target != TargetDocument {
			t.Errorf("Creates = %+v, want only the document create for US-002", plan.Creates)
		}
		if len(plan.Updates) != 1 || plan.Updates[0].Target != TargetDocument {
			t.Errorf("Updates = %+v, want the board edit pulled", plan.Updates)
		}
		if ids := noopIDs(plan); !reflect.DeepEqual(ids, []string{"US-001"}) {
			t.Errorf("NoOps = %v", ids)
		}
	})
}

func noopIDs(p *Plan) []string {
	var ids []string
	for _, n := range p.NoOps {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestUnparsableTitles(t *testing.T) {
	stories := []types.Story{{ID: "US-001", Title: "Login", Status: types.StatusOpen}}
	cards := []types.Card{
		{ID: "card-x", Name: "[US-001] Title with US-002", ListID: "list-open"},
		{ID: "card-y", Name: "Team notes", ListID: "list-open"},
		{ID: "card-z", Name: "Archived notes", ListID: "list-open", Closed: true},
	}
	plan := PlanAll(newInput(t, stories, cards), nil)

	if plan.HasWrites() {
		t.Errorf("unexpected writes: %+v", plan)
	}
	var kinds []ConflictKind
	var keys []string
	for _, c := range plan.Conflicts {
		kinds = append(kinds, c.Kind)
		keys = append(keys, c.ID+"/"+c.CardID)
	}
	wantKinds := []ConflictKind{KindUnparsableTitle, KindUnparsableTitle, KindSuspectTitle}
	if !reflect.DeepEqual(kinds, wantKinds) {
		t.Errorf("conflict kinds = %v, want %v", kinds, wantKinds)
	}
	wantKeys := []string{"/card-x", "/card-y", "US-001/"}
	if !reflect.DeepEqual(keys, wantKeys) {
		t.Errorf("conflict keys = %v, want unkeyed first: %v", keys, wantKeys)
	}
	if got := plan.Conflicts[0].Details; !reflect.DeepEqual(got, []string{"US-001", "US-002"}) {
		t.Errorf("ambiguous matches = %v", got)
	}
}

func TestIncrementalSkipsUnchanged(t *testing.T) {
	stories, cards, checklists := syncedFixture()
	in := newInput(t, stories, cards)
	in.State = state.Build(state.BuildInput{
		Stories: stories,
		Cards:   map[string]types.Card{"US-001": cards[0], "US-002": cards[1]},
	})

	m := Match(in)
	if ids := m.ChecklistCardIDs(); len(ids) != 0 {
		t.Errorf("ChecklistCardIDs() = %v, unchanged pairs need no fetch", ids)
	}
	plan := Build(m, checklists)
	if plan.Stats.Skipped != 2 || plan.Stats.NoOps != 2 {
		t.Errorf("Stats = %+v, want 2 skipped", plan.Stats)
	}

	// Touch one card: only it is re-examined.
	cards[1].LastActivityAt = t1
	in.Cards = cards
	m = Match(in)
	if ids := m.ChecklistCardIDs(); !reflect.DeepEqual(ids, []string{"card-2"}) {
		t.Errorf("ChecklistCardIDs() = %v, want [card-2]", ids)
	}
}

func TestOnlyOneSideChangedIgnoresTimestamps(t *testing.T) {
	story := types.Story{ID: "US-030", Title: "Board edit", Status: types.StatusOpen}
	oldCard := types.Card{ID: "card-30", Name: "[US-030] Board edit", ListID: "list-open", LastActivityAt: t0}
	prev := state.Build(state.BuildInput{
		Stories: []types.Story{story},
		Cards:   map[string]types.Card{"US-030": oldCard},
	})

	edited := oldCard
	edited.Name = "[US-030] Renamed on board"
	edited.LastActivityAt = t0.Add(time.Minute)
	in := newInput(t, []types.Story{story}, []types.Card{edited})
	in.State = prev
	in.DocumentModifiedAt = t1 // newer, but the story itself did not change

	plan := PlanAll(in, nil)
	if len(plan.Updates) != 1 || plan.Updates[0].Target != TargetDocument {
		t.Fatalf("plan = %+v, want the card change pulled", plan)
	}
	if got := plan.Updates[0].Story.Title; got != "Renamed on board" {
		t.Errorf("title = %q", got)
	}
}

func TestMappingIssuesBecomeConflicts(t *testing.T) {
	stories := []types.Story{{ID: "US-040", Title: "Ship it", Status: types.StatusDone}}
	in := newInput(t, stories, nil)
	in.Statuses = mapping.NewStatusMap(testLists[:2], mapping.DefaultStatusBindings())

	plan := PlanAll(in, nil)
	if len(plan.Conflicts) != 2 {
		t.Fatalf("Conflicts = %+v, want a global and a keyed conflict", plan.Conflicts)
	}
	if c := plan.Conflicts[0]; c.ID != "" || c.Kind != KindMissingList {
		t.Errorf("first conflict = %+v, want unkeyed missing_list", c)
	}
	if c := plan.Conflicts[1]; c.ID != "US-040" || c.Kind != KindUnmappedStatus {
		t.Errorf("second conflict = %+v, want unmapped_status for US-040", c)
	}
}

func TestCardInUnmappedListCannotBePulled(t *testing.T) {
	stories := []types.Story{{ID: "US-050", Title: "Same", Status: types.StatusOpen}}
	cards := []types.Card{{ID: "card-50", Name: "[US-050] Same", ListID: "list-backlog", LastActivityAt: t1}}

	plan := PlanAll(newInput(t, stories, cards), nil)
	if len(plan.Conflicts) != 1 || plan.Conflicts[0].Kind != KindUnmappedList {
		t.Errorf("plan = %+v, want unmapped_list conflict", plan)
	}
}

func TestAmbiguousChecklistOnlySuppressesCriteria(t *testing.T) {
	stories := []types.Story{{ID: "US-060", Title: "New", Status: types.StatusOpen, AcceptanceCriteria: []string{"A"}}}
	cards := []types.Card{{ID: "card-60", Name: "[US-060] Old", ListID: "list-open", LastActivityAt: t0}}
	checklists := map[string][]types.Checklist{"card-60": {
		{ID: "cl-2", Name: types.DefaultChecklistName, Items: []types.ChecklistItem{{Name: "X"}}},
		{ID: "cl-1", Name: types.DefaultChecklistName},
	}}
	in := newInput(t, stories, cards)
	in.DocumentModifiedAt = t1

	plan := PlanAll(in, checklists)
	if len(plan.Warnings) != 1 || plan.Warnings[0].ID != "US-060" {
		t.Errorf("Warnings = %+v, want one for US-060", plan.Warnings)
	}
	if len(plan.Updates) != 1 {
		t.Fatalf("plan = %+v, want the title update to go ahead", plan)
	}
	u := plan.Updates[0]
	if !reflect.DeepEqual(u.Fields, []string{FieldTitle}) || u.Card.ChecklistUpdate {
		t.Errorf("update = %+v, want title only with no checklist write", u)
	}
}

func TestDoneStoryChecksItems(t *testing.T) {
	stories := []types.Story{{ID: "US-070", Title: "Finish", Status: types.StatusDone, AcceptanceCriteria: []string{"A", "B"}}}
	cards := []types.Card{{ID: "card-70", Name: "[US-070] Finish", ListID: "list-doing", LastActivityAt: t0}}
	checklists := map[string][]types.Checklist{
		"card-70": checklist("card-70", types.ChecklistItem{Name: "A", Checked: true}, types.ChecklistItem{Name: "B"}),
	}
	in := newInput(t, stories, cards)
	in.DocumentModifiedAt = t1

	plan := PlanAll(in, checklists)
	if len(plan.Updates) != 1 {
		t.Fatalf("plan = %+v", plan)
	}
	u := plan.Updates[0].Card
	if u.ListID == nil || *u.ListID != "list-done" {
		t.Errorf("ListID = %v, want list-done", u.ListID)
	}
	want := []ChecklistItemSpec{{Name: "A", Checked: true}, {Name: "B", Checked: true}}
	if !u.ChecklistUpdate || !reflect.DeepEqual(u.Checklist, want) {
		t.Errorf("checklist = %v %+v, want all items checked", u.ChecklistUpdate, u.Checklist)
	}
}

func TestBucketsSortedByID(t *testing.T) {
	stories := []types.Story{
		{ID: "US-009", Title: "c", Status: types.StatusOpen},
		{ID: "US-002", Title: "a", Status: types.StatusOpen},
		{ID: "US-005", Title: "b", Status: types.StatusOpen},
	}
	plan := PlanAll(newInput(t, stories, nil), nil)

	var ids []string
	for _, c := range plan.Creates {
		ids = append(ids, c.ID)
	}
	if !reflect.DeepEqual(ids, []string{"US-002", "US-005", "US-009"}) {
		t.Errorf("create order = %v", ids)
	}
}

func TestParseEnums(t *testing.T) {
	if d, err := ParseDirection(""); err != nil || d != DirectionBoth {
		t.Errorf("ParseDirection(\"\") = %q, %v", d, err)
	}
	if d, err := ParseDirection("PUSH"); err != nil || d != DirectionPush {
		t.Errorf("ParseDirection(PUSH) = %q, %v", d, err)
	}
	if _, err := ParseDirection("sideways"); err == nil {
		t.Error("ParseDirection(sideways) should fail")
	}
	if p, err := ParsePrefer("prd"); err != nil || p != PreferPRD {
		t.Errorf("ParsePrefer(prd) = %q, %v", p, err)
	}
	if _, err := ParsePrefer("newest"); err == nil {
		t.Error("ParsePrefer(newest) should fail")
	}
}

func TestStoryTitleMentioningAnotherIDIsConflict(t *testing.T) {
	story := types.Story{ID: "US-003", Title: "Follow-up to US-001", Status: types.StatusOpen}

	t.Run("create", func(t *testing.T) {
		plan := PlanAll(newInput(t, []types.Story{story}, nil), nil)
		if len(plan.Creates) != 0 || len(plan.Conflicts) != 1 {
			t.Fatalf("plan = %+v, want one conflict and no create", plan)
		}
		c := plan.Conflicts[0]
		if c.ID != "US-003" || c.Kind != KindUnsafeTitle {
			t.Errorf("conflict = %+v, want unsafe_title keyed US-003", c)
		}
		if !reflect.DeepEqual(c.Details, []string{"US-003", "US-001"}) {
			t.Errorf("Details = %v", c.Details)
		}
	})

	t.Run("rename", func(t *testing.T) {
		cards := []types.Card{{ID: "card-3", Name: "[US-003] Follow up", ListID: "list-open", LastActivityAt: t0}}
		in := newInput(t, []types.Story{story}, cards)
		in.DocumentModifiedAt = t1
		plan := PlanAll(in, nil)
		if len(plan.Updates) != 0 || len(plan.Conflicts) != 1 || plan.Conflicts[0].Kind != KindUnsafeTitle {
			t.Fatalf("plan = %+v, want an unsafe_title conflict instead of a rename", plan)
		}
		if plan.Conflicts[0].CardID != "card-3" {
			t.Errorf("CardID = %q", plan.Conflicts[0].CardID)
		}
	})
}

func TestCreatedCardNamesParseBack(t *testing.T) {
	stories := []types.Story{
		{ID: "US-004", Title: "  Padded title  ", Status: types.StatusOpen},
		{ID: "US-005", Title: "Plain", Status: types.StatusOpen},
	}
	in := newInput(t, stories, nil)
	plan := PlanAll(in, nil)
	if len(plan.Creates) != 2 {
		t.Fatalf("plan = %+v, want two creates", plan)
	}
	for _, c := range plan.Creates {
		got := in.Codec.ParseCardTitle(c.Card.Name)
		if got.Status != idcodec.ParseOK || got.ID != c.ID {
			t.Errorf("%s: created name %q parses as %+v", c.ID, c.Card.Name, got)
		}
	}
}

// withLabels returns an input whose label map also knows extra.
func withLabels(in Input, extra ...types.Label) Input {
	in.Labels = mapping.NewLabelMap(append(append([]types.Label(nil), testLabels...), extra...), "dep:")
	return in
}

// roundTrip writes the document-side stories of plan and reads them back.
func roundTrip(t *testing.T, plan *Plan) []types.Story {
	t.Helper()
	var stories []types.Story
	for _, c := range plan.Creates {
		if c.Target == TargetDocument {
			stories = append(stories, *c.Story)
		}
	}
	for _, u := range plan.Updates {
		if u.Target == TargetDocument {
			stories = append(stories, *u.Story)
		}
	}
	data, err := prd.Render([]byte(`{"userStories": []}`), prd.DefaultStoriesKey, stories, t1)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	got, _, err := prd.Parse(data, prd.DefaultStoriesKey)
	if err != nil {
		t.Fatalf("planned stories do not read back: %v", err)
	}
	return got
}

func TestCardDependencyLabelsAreChecked(t *testing.T) {
	extra := []types.Label{
		{ID: "label-005", Name: "dep:US-005"},
		{ID: "label-006", Name: "dep:US-006"},
		{ID: "label-junk", Name: "dep:later"},
	}

	tests := []struct {
		name    string
		stories []types.Story
		card    types.Card
		bad     []string
	}{
		{
			name: "card only depends on itself",
			card: types.Card{ID: "card-5", Name: "[US-005] Self", ListID: "list-open", LabelIDs: []string{"label-005"}},
			bad:  []string{"US-005"},
		},
		{
			name: "card only with a malformed dependency",
			card: types.Card{ID: "card-5", Name: "[US-005] Later", ListID: "list-open", LabelIDs: []string{"label-001", "label-junk"}},
			bad:  []string{"later"},
		},
		{
			name:    "pulled dependency on itself",
			stories: []types.Story{{ID: "US-006", Title: "Six", Status: types.StatusOpen}},
			card:    types.Card{ID: "card-6", Name: "[US-006] Six", ListID: "list-open", LabelIDs: []string{"label-006"}, LastActivityAt: t1},
			bad:     []string{"US-006"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := withLabels(newInput(t, tt.stories, []types.Card{tt.card}), extra...)
			plan := PlanAll(in, nil)

			if len(plan.Creates) != 0 || len(plan.Updates) != 0 {
				t.Fatalf("plan = %+v, want no document write", plan)
			}
			if len(plan.Conflicts) != 1 {
				t.Fatalf("conflicts = %+v, want one", plan.Conflicts)
			}
			c := plan.Conflicts[0]
			if c.Kind != KindBadDependency || c.CardID != tt.card.ID || !reflect.DeepEqual(c.Details, tt.bad) {
				t.Errorf("conflict = %+v, want bad_dependency %v", c, tt.bad)
			}
		})
	}
}

func TestPulledStoriesReadBack(t *testing.T) {
	stories := []types.Story{{ID: "US-006", Title: "Six", Status: types.StatusOpen}}
	cards := []types.Card{
		{ID: "card-6", Name: "[US-006] Six", ListID: "list-doing", LabelIDs: []string{"label-001"}, LastActivityAt: t1},
		{ID: "card-7", Name: "[US-007] Seven", ListID: "list-open", LabelIDs: []string{"label-002", "label-keep"}},
	}
	plan := PlanAll(newInput(t, stories, cards), nil)
	if plan.HasConflicts() || len(plan.Creates) != 1 || len(plan.Updates) != 1 {
		t.Fatalf("plan = %+v, want one pull create and one pull update", plan)
	}

	got := roundTrip(t, plan)
	if len(got) != 2 {
		t.Fatalf("read back %d stories, want 2", len(got))
	}
	for _, s := range got {
		if len(s.DependsOn) != 1 {
			t.Errorf("%s: DependsOn = %v", s.ID, s.DependsOn)
		}
	}
}

func TestDoneStoryWithUncheckedItems(t *testing.T) {
	stories := []types.Story{{ID: "US-080", Title: "Finished", Status: types.StatusDone, AcceptanceCriteria: []string{"A", "B"}}}
	cards := []types.Card{{ID: "card-80", Name: "[US-080] Finished", ListID: "list-done", LastActivityAt: t1}}
	checklists := map[string][]types.Checklist{
		"card-80": checklist("card-80", types.ChecklistItem{ID: "a", Name: "A", Checked: true}, types.ChecklistItem{ID: "b", Name: "B"}),
	}

	plan := PlanAll(newInput(t, stories, cards), checklists)
	if plan.HasConflicts() || len(plan.Updates) != 1 {
		t.Fatalf("plan = %+v, want one board update even though the card is newer", plan)
	}
	u := plan.Updates[0]
	if u.Target != TargetBoard || !reflect.DeepEqual(u.Fields, []string{FieldChecklist}) {
		t.Errorf("update = %+v, want a board checklist update", u)
	}
	want := []ChecklistItemSpec{{Name: "A", Checked: true}, {Name: "B", Checked: true}}
	if !u.Card.ChecklistUpdate || !reflect.DeepEqual(u.Card.Checklist, want) {
		t.Errorf("checklist = %+v, want all items checked", u.Card.Checklist)
	}
	if u.Card.Name != nil || u.Card.ListID != nil || u.Card.Description != nil {
		t.Errorf("update touches more than the checklist: %+v", u.Card)
	}

	in := newInput(t, stories, cards)
	in.Options.Direction = DirectionPull
	plan = PlanAll(in, checklists)
	if plan.HasWrites() || len(plan.NoOps) != 1 || plan.NoOps[0].Reason != ReasonNoBoardWrites {
		t.Errorf("pull-only plan = %+v, want a no-op", plan)
	}

	checklists["card-80"][0].Items[1].Checked = true
	plan = PlanAll(newInput(t, stories, cards), checklists)
	if plan.HasWrites() {
		t.Errorf("plan with every item checked = %+v, want in sync", plan.Updates)
	}
}
