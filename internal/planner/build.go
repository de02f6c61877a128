package planner

import (
	"fmt"
	"slices"
	"strings"

	"github.com/prdsync/prdsync/internal/idcodec"
	"github.com/prdsync/prdsync/internal/types"
)

// Changed field names reported on updates.
const (
	FieldTitle       = "title"
	FieldStatus      = "status"
	FieldDependsOn   = "dependsOn"
	FieldDescription = "description"
	FieldCriteria    = "acceptanceCriteria"
	// FieldChecklist marks unchecked items on the card of a done story.
	// Only a board write can settle it.
	FieldChecklist = "checklist"
)

// boardView is a story as the board currently describes it.
type boardView struct {
	title         string
	status        types.Status
	statusKnown   bool
	dependsOn     []string
	description   string
	items         []types.ChecklistItem
	criteria      []string
	criteriaKnown bool
}

// Build classifies the pending pairs of m. checklists maps card id to the
// card's checklists; a card absent from the map has none.
func Build(m *Matching, checklists map[string][]types.Checklist) *Plan {
	p := &Plan{
		Conflicts: slices.Clone(m.conflicts),
		NoOps:     slices.Clone(m.noops),
	}

	for _, pr := range m.pairs {
		switch {
		case pr.card == nil:
			m.storyOnly(p, pr)
		case pr.story == nil:
			m.cardOnly(p, pr, checklists[pr.card.ID])
		default:
			m.both(p, pr, checklists[pr.card.ID])
		}
	}

	p.finish()
	return p
}

// PlanAll runs both phases with checklists the caller already holds.
func PlanAll(in Input, checklists map[string][]types.Checklist) *Plan {
	return Build(Match(in), checklists)
}

func (m *Matching) storyOnly(p *Plan, pr *pair) {
	s := pr.story
	name, conflict := m.cardName(s, "")
	if conflict != nil {
		p.Conflicts = append(p.Conflicts, *conflict)
		return
	}
	listID, ok := m.in.Statuses.ListFor(s.Status)
	if !ok {
		p.Conflicts = append(p.Conflicts, unmappedStatus(s))
		return
	}
	labelIDs, missing := m.in.Labels.DesiredLabelIDs(nil, s.DependsOn)
	if len(missing) > 0 && !m.opts.CreateMissingLabels {
		p.Conflicts = append(p.Conflicts, m.missingLabels(s.ID, "", missing))
		return
	}

	p.Creates = append(p.Creates, Create{
		ID:     s.ID,
		Target: TargetBoard,
		Card: &CardCreate{
			Name:          name,
			Description:   s.Description,
			ListID:        listID,
			LabelIDs:      labelIDs,
			MissingLabels: missing,
			ChecklistName: m.opts.ChecklistName,
			Checklist:     desiredChecklist(*s, nil),
		},
	})
}

func (m *Matching) cardOnly(p *Plan, pr *pair, checklists []types.Checklist) {
	c := pr.card
	view := m.boardView(p, pr, checklists)
	if !view.statusKnown {
		p.Conflicts = append(p.Conflicts, unmappedList(pr.id, c))
		return
	}
	if view.title == "" {
		p.Conflicts = append(p.Conflicts, Conflict{
			ID:      pr.id,
			CardID:  c.ID,
			Kind:    KindEmptyTitle,
			Message: fmt.Sprintf("card %q has no title text after the identifier", c.Name),
		})
		return
	}
	if bad := m.badDependencies(pr.id, view.dependsOn); len(bad) > 0 {
		p.Conflicts = append(p.Conflicts, badDependencyConflict(pr.id, c.ID, bad))
		return
	}

	story := types.Story{
		ID:          pr.id,
		Title:       view.title,
		Status:      view.status,
		DependsOn:   view.dependsOn,
		Description: view.description,
	}
	if view.criteriaKnown {
		story.AcceptanceCriteria = view.criteria
	}
	p.Creates = append(p.Creates, Create{ID: pr.id, Target: TargetDocument, CardID: c.ID, Story: &story})
}

func (m *Matching) both(p *Plan, pr *pair, checklists []types.Checklist) {
	s, c := pr.story, pr.card
	view := m.boardView(p, pr, checklists)
	fields := diff(*s, view)
	if len(fields) == 0 {
		p.NoOps = append(p.NoOps, NoOp{ID: pr.id, CardID: c.ID, Reason: ReasonInSync})
		return
	}
	if slices.Equal(fields, []string{FieldChecklist}) {
		if !m.opts.Direction.WritesBoard() {
			p.NoOps = append(p.NoOps, NoOp{ID: pr.id, CardID: c.ID, Reason: ReasonNoBoardWrites})
			return
		}
		m.push(p, pr, view, fields, "story is done but checklist items are unchecked")
		return
	}

	winner, reason := m.decide(pr)
	switch winner {
	case sideBoard:
		if !m.opts.Direction.WritesDocument() {
			p.NoOps = append(p.NoOps, NoOp{ID: pr.id, CardID: c.ID, Reason: reason + "; " + ReasonNoDocumentWrite})
			return
		}
		m.pull(p, pr, view, fields, reason)

	case sideDocument:
		if !m.opts.Direction.WritesBoard() {
			p.NoOps = append(p.NoOps, NoOp{ID: pr.id, CardID: c.ID, Reason: reason + "; " + ReasonNoBoardWrites})
			return
		}
		m.push(p, pr, view, fields, reason)

	default:
		p.Conflicts = append(p.Conflicts, Conflict{
			ID:      pr.id,
			CardID:  c.ID,
			Kind:    KindBothChanged,
			Message: reason,
			Details: fields,
		})
	}
}

type side int

const (
	sideNone side = iota
	sideDocument
	sideBoard
)

// decide returns the side whose content wins. sideNone is an unresolved
// tie.
func (m *Matching) decide(pr *pair) (side, string) {
	switch {
	case pr.storyChanged && !pr.cardChanged:
		return sideDocument, "only the story changed since the last run"
	case pr.cardChanged && !pr.storyChanged:
		return sideBoard, "only the card changed since the last run"
	}

	docAt := m.in.DocumentModifiedAt
	cardAt := pr.card.LastActivityAt
	switch {
	case docAt.After(cardAt):
		return sideDocument, "document is newer than the card"
	case cardAt.After(docAt):
		return sideBoard, "card is newer than the document"
	}

	switch m.opts.Prefer {
	case PreferPRD:
		return sideDocument, "both changed at the same time; prefer prd"
	case PreferTrello:
		return sideBoard, "both changed at the same time; prefer trello"
	default:
		return sideNone, fmt.Sprintf("both sides changed at %s and prefer is none", cardAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	}
}

// push writes the story onto the card.
func (m *Matching) push(p *Plan, pr *pair, view boardView, fields []string, reason string) {
	s, c := pr.story, pr.card
	u := &CardUpdate{}

	name, conflict := m.cardName(s, c.ID)
	if conflict != nil {
		p.Conflicts = append(p.Conflicts, *conflict)
		return
	}
	if name != c.Name {
		u.Name = &name
	}
	if slices.Contains(fields, FieldDescription) {
		desc := s.Description
		u.Description = &desc
	}
	if slices.Contains(fields, FieldStatus) {
		listID, ok := m.in.Statuses.ListFor(s.Status)
		if !ok {
			p.Conflicts = append(p.Conflicts, unmappedStatus(s))
			return
		}
		if listID != c.ListID {
			u.ListID = &listID
		}
	}
	if slices.Contains(fields, FieldDependsOn) {
		ids, missing := m.in.Labels.DesiredLabelIDs(c.LabelIDs, s.DependsOn)
		if len(missing) > 0 && !m.opts.CreateMissingLabels {
			p.Conflicts = append(p.Conflicts, m.missingLabels(s.ID, c.ID, missing))
			return
		}
		u.LabelIDs = ids
		u.MissingLabels = missing
	}
	if view.criteriaKnown && (slices.Contains(fields, FieldCriteria) || slices.Contains(fields, FieldChecklist)) {
		u.ChecklistUpdate = true
		u.ChecklistName = m.opts.ChecklistName
		u.Checklist = desiredChecklist(*s, view.items)
	}

	if u.Empty() {
		p.NoOps = append(p.NoOps, NoOp{ID: pr.id, CardID: c.ID, Reason: ReasonInSync})
		return
	}
	p.Updates = append(p.Updates, Update{
		ID:     pr.id,
		Target: TargetBoard,
		CardID: c.ID,
		Fields: fields,
		Reason: reason,
		Card:   u,
	})
}

// pull writes the card's content into the story.
func (m *Matching) pull(p *Plan, pr *pair, view boardView, fields []string, reason string) {
	if !view.statusKnown {
		p.Conflicts = append(p.Conflicts, unmappedList(pr.id, pr.card))
		return
	}
	if view.title == "" {
		p.Conflicts = append(p.Conflicts, Conflict{
			ID:      pr.id,
			CardID:  pr.card.ID,
			Kind:    KindEmptyTitle,
			Message: fmt.Sprintf("card %q has no title text after the identifier", pr.card.Name),
		})
		return
	}
	if slices.Contains(fields, FieldDependsOn) {
		if bad := m.badDependencies(pr.id, view.dependsOn); len(bad) > 0 {
			p.Conflicts = append(p.Conflicts, badDependencyConflict(pr.id, pr.card.ID, bad))
			return
		}
	}

	fields = slices.DeleteFunc(slices.Clone(fields), func(f string) bool { return f == FieldChecklist })
	desired := pr.story.Clone()
	for _, f := range fields {
		switch f {
		case FieldTitle:
			desired.Title = view.title
		case FieldStatus:
			desired.Status = view.status
		case FieldDependsOn:
			desired.DependsOn = view.dependsOn
		case FieldDescription:
			desired.Description = view.description
		case FieldCriteria:
			desired.AcceptanceCriteria = view.criteria
		}
	}
	p.Updates = append(p.Updates, Update{
		ID:     pr.id,
		Target: TargetDocument,
		CardID: pr.card.ID,
		Fields: fields,
		Reason: reason,
		Story:  &desired,
	})
}

// boardView projects a card onto story fields. An ambiguous checklist
// leaves the criteria unknown and adds a plan warning.
func (m *Matching) boardView(p *Plan, pr *pair, checklists []types.Checklist) boardView {
	c := pr.card
	v := boardView{
		title:       pr.title,
		dependsOn:   m.in.Labels.DependenciesFromLabels(c.LabelIDs),
		description: c.Description,
	}
	v.status, v.statusKnown = m.in.Statuses.StatusFor(c.ListID)

	var named []types.Checklist
	for _, cl := range checklists {
		if strings.TrimSpace(cl.Name) == m.opts.ChecklistName {
			named = append(named, cl)
		}
	}
	switch len(named) {
	case 0:
		v.criteriaKnown = true
	case 1:
		v.criteriaKnown = true
		v.items = named[0].Items
		v.criteria = named[0].ItemNames()
	default:
		ids := make([]string, 0, len(named))
		for _, cl := range named {
			ids = append(ids, cl.ID)
		}
		p.Warnings = append(p.Warnings, Warning{
			ID:     pr.id,
			CardID: c.ID,
			Message: fmt.Sprintf("card has %d checklists named %q (%s); acceptance criteria not compared",
				len(named), m.opts.ChecklistName, strings.Join(sortedCopy(ids), ", ")),
		})
	}
	return v
}

// diff lists the story fields that differ from the board view, in a
// fixed order.
func diff(s types.Story, v boardView) []string {
	var fields []string
	if strings.TrimSpace(s.Title) != strings.TrimSpace(v.title) {
		fields = append(fields, FieldTitle)
	}
	if !v.statusKnown || s.Status != v.status {
		fields = append(fields, FieldStatus)
	}
	if !slices.Equal(sortedUnique(s.DependsOn), v.dependsOn) {
		fields = append(fields, FieldDependsOn)
	}
	if normalizeText(s.Description) != normalizeText(v.description) {
		fields = append(fields, FieldDescription)
	}
	if v.criteriaKnown && !slices.Equal(trimAll(s.AcceptanceCriteria), trimAll(v.criteria)) {
		fields = append(fields, FieldCriteria)
	}
	if v.criteriaKnown && completesChecklist(s, v) {
		fields = append(fields, FieldChecklist)
	}
	return fields
}

// desiredChecklist renders a story's criteria as checklist items. Items
// are all checked once the story is done; otherwise an existing item keeps
// its checked state.
func desiredChecklist(s types.Story, existing []types.ChecklistItem) []ChecklistItemSpec {
	if len(s.AcceptanceCriteria) == 0 {
		return nil
	}
	checked := make(map[string]bool, len(existing))
	for _, it := range existing {
		checked[strings.TrimSpace(it.Name)] = checked[strings.TrimSpace(it.Name)] || it.Checked
	}
	done := s.Status == types.StatusDone
	out := make([]ChecklistItemSpec, 0, len(s.AcceptanceCriteria))
	for _, name := range s.AcceptanceCriteria {
		name = strings.TrimSpace(name)
		out = append(out, ChecklistItemSpec{Name: name, Checked: done || checked[name]})
	}
	return out
}

// completesChecklist reports whether a done story still has unchecked
// items on the card.
func completesChecklist(s types.Story, v boardView) bool {
	if s.Status != types.StatusDone {
		return false
	}
	for _, it := range v.items {
		if !it.Checked {
			return true
		}
	}
	return false
}

// cardName renders the card name for s. A name that would not parse back
// to the same identifier and title is a conflict.
func (m *Matching) cardName(s *types.Story, cardID string) (string, *Conflict) {
	name, err := m.in.Codec.FormatCardTitle(s.ID, s.Title)
	if err != nil {
		return "", &Conflict{ID: s.ID, CardID: cardID, Kind: KindInvalidID, Message: err.Error()}
	}
	parsed := m.in.Codec.ParseCardTitle(name)
	if parsed.Status != idcodec.ParseOK || parsed.ID != s.ID || parsed.Title != strings.TrimSpace(s.Title) {
		return "", &Conflict{
			ID:      s.ID,
			CardID:  cardID,
			Kind:    KindUnsafeTitle,
			Message: fmt.Sprintf("card name %q would not parse back to %s; reword the story title", name, s.ID),
			Details: parsed.Matches,
		}
	}
	return name, nil
}

// badDependencies returns the label-derived dependencies a story cannot
// carry: its own id and names outside the identifier grammar.
func (m *Matching) badDependencies(id string, deps []string) []string {
	var bad []string
	for _, dep := range deps {
		if dep == id || !m.in.Codec.ValidID(dep) {
			bad = append(bad, dep)
		}
	}
	return bad
}

func badDependencyConflict(id, cardID string, bad []string) Conflict {
	return Conflict{
		ID:      id,
		CardID:  cardID,
		Kind:    KindBadDependency,
		Message: fmt.Sprintf("card labels name dependencies the story cannot carry: %s", strings.Join(bad, ", ")),
		Details: bad,
	}
}

func (m *Matching) missingLabels(id, cardID string, missing []string) Conflict {
	names := make([]string, 0, len(missing))
	for _, dep := range missing {
		names = append(names, m.in.Labels.LabelName(dep))
	}
	return Conflict{
		ID:      id,
		CardID:  cardID,
		Kind:    KindMissingLabels,
		Message: fmt.Sprintf("board has no label for dependencies %s and label creation is disabled", strings.Join(missing, ", ")),
		Details: names,
	}
}

func unmappedStatus(s *types.Story) Conflict {
	return Conflict{
		ID:      s.ID,
		Kind:    KindUnmappedStatus,
		Message: fmt.Sprintf("no board list is mapped to status %q", s.Status),
	}
}

func unmappedList(id string, c *types.Card) Conflict {
	return Conflict{
		ID:      id,
		CardID:  c.ID,
		Kind:    KindUnmappedList,
		Message: fmt.Sprintf("card is in list %s which maps to no status", c.ListID),
	}
}

func normalizeText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := sortedCopy(in)
	return slices.Compact(out)
}
