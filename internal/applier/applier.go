// Package applier executes a sync plan against the board and the document.
//
// Writes happen in a fixed order: missing dependency labels, card creates,
// card updates (each followed by its checklist), then one batched document
// rewrite. A failed card write is recorded and the run moves on to the next
// record; a failed document write fails the run.
package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/prdsync/prdsync/internal/mapping"
	"github.com/prdsync/prdsync/internal/planner"
	"github.com/prdsync/prdsync/internal/trello"
	"github.com/prdsync/prdsync/internal/types"
)

// ErrBlocked is returned, before any write, when the plan has conflicts and
// writes are blocked on conflict.
var ErrBlocked = errors.New("writes blocked: plan has conflicts")

// DocumentWriter upserts stories into the document in one write.
type DocumentWriter interface {
	Write(ctx context.Context, stories []types.Story) error
}

// Options configures an Applier.
type Options struct {
	BlockWritesOnConflict bool
	// LabelColor is the color of created dependency labels. Empty means
	// no color.
	LabelColor string
	Logger     *slog.Logger
	// OnMessage receives one line per write, for progress output.
	OnMessage func(string)
}

// Failure is a record whose write did not go through.
type Failure struct {
	ID     string         `json:"id" yaml:"id"`
	Target planner.Target `json:"target" yaml:"target"`
	Error  string         `json:"error" yaml:"error"`
}

// Result summarises what Apply wrote.
type Result struct {
	LabelsCreated  int `json:"labelsCreated" yaml:"labelsCreated"`
	CardsCreated   int `json:"cardsCreated" yaml:"cardsCreated"`
	CardsUpdated   int `json:"cardsUpdated" yaml:"cardsUpdated"`
	Checklists     int `json:"checklists" yaml:"checklists"`
	StoriesCreated int `json:"storiesCreated" yaml:"storiesCreated"`
	StoriesUpdated int `json:"storiesUpdated" yaml:"storiesUpdated"`
	// CreatedCards maps story id to the id of the card created for it.
	CreatedCards map[string]string `json:"createdCards,omitempty" yaml:"createdCards,omitempty"`
	Failures     []Failure         `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Writes returns the number of records written.
func (r *Result) Writes() int {
	return r.CardsCreated + r.CardsUpdated + r.StoriesCreated + r.StoriesUpdated
}

// FailedIDs returns the identifiers whose writes failed.
func (r *Result) FailedIDs() map[string]bool {
	ids := make(map[string]bool, len(r.Failures))
	for _, f := range r.Failures {
		ids[f.ID] = true
	}
	return ids
}

// Applier writes plans to one board and one document.
type Applier struct {
	board  trello.Board
	doc    DocumentWriter
	labels *mapping.LabelMap
	opts   Options
}

// New creates an Applier. labels is the label map the plan was built with.
func New(board trello.Board, doc DocumentWriter, labels *mapping.LabelMap, opts Options) *Applier {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Applier{board: board, doc: doc, labels: labels, opts: opts}
}

func (a *Applier) msg(format string, args ...any) {
	if a.opts.OnMessage != nil {
		a.opts.OnMessage(fmt.Sprintf(format, args...))
	}
}

// Apply executes the plan. The returned error is non-nil only for
// ErrBlocked, cancellation and document write failures; per-card failures
// are reported in the Result.
func (a *Applier) Apply(ctx context.Context, plan *planner.Plan) (*Result, error) {
	res := &Result{CreatedCards: make(map[string]string)}
	if a.opts.BlockWritesOnConflict && plan.HasConflicts() {
		return res, fmt.Errorf("%w (%d conflicts)", ErrBlocked, len(plan.Conflicts))
	}

	labelFailures, err := a.ensureLabels(ctx, plan, res)
	if err != nil {
		return res, err
	}

	for _, c := range plan.Creates {
		if c.Target != planner.TargetBoard || c.Card == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := a.createCard(ctx, c, labelFailures, res); err != nil {
			a.fail(res, c.ID, planner.TargetBoard, err)
		}
	}
	for _, u := range plan.Updates {
		if u.Target != planner.TargetBoard || u.Card == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := a.updateCard(ctx, u, labelFailures, res); err != nil {
			a.fail(res, u.ID, planner.TargetBoard, err)
		}
	}

	if err := a.writeDocument(ctx, plan, res); err != nil {
		return res, err
	}
	return res, nil
}

func (a *Applier) fail(res *Result, id string, target planner.Target, err error) {
	a.opts.Logger.Warn("write failed", "id", id, "target", target, "error", err)
	a.msg("✗ %s: %v", id, err)
	res.Failures = append(res.Failures, Failure{ID: id, Target: target, Error: err.Error()})
}

// ensureLabels creates the dependency labels the plan needs. Labels are
// looked up by name on the board first, so repeated runs never duplicate
// them. It returns the dependencies whose label could not be created.
func (a *Applier) ensureLabels(ctx context.Context, plan *planner.Plan, res *Result) (map[string]error, error) {
	var deps []string
	for _, c := range plan.Creates {
		if c.Target == planner.TargetBoard && c.Card != nil {
			deps = append(deps, c.Card.MissingLabels...)
		}
	}
	for _, u := range plan.Updates {
		if u.Target == planner.TargetBoard && u.Card != nil {
			deps = append(deps, u.Card.MissingLabels...)
		}
	}
	if len(deps) == 0 {
		return nil, nil
	}
	sort.Strings(deps)
	deps = slices.Compact(deps)

	existing, err := a.board.GetLabels(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("refresh labels: %w", err)
	}
	labels := a.labels.With(existing...)

	failed := make(map[string]error)
	var created []types.Label
	for _, dep := range deps {
		name := labels.LabelName(dep)
		if _, ok := labels.IDForName(name); ok {
			continue
		}
		label, err := a.board.CreateLabel(ctx, name, a.opts.LabelColor)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.opts.Logger.Warn("create label failed", "label", name, "error", err)
			failed[dep] = err
			continue
		}
		a.opts.Logger.Debug("created label", "label", name, "id", label.ID)
		a.msg("+ label %s", name)
		created = append(created, label)
		res.LabelsCreated++
	}
	a.labels = labels.With(created...)
	return failed, nil
}

// labelIDs adds the labels for missing dependencies to base.
func (a *Applier) labelIDs(base, missing []string, failed map[string]error) ([]string, error) {
	ids := slices.Clone(base)
	for _, dep := range missing {
		if err, ok := failed[dep]; ok {
			return nil, fmt.Errorf("label for %s: %w", dep, err)
		}
		id, ok := a.labels.IDForName(a.labels.LabelName(dep))
		if !ok {
			return nil, fmt.Errorf("label %s not found", a.labels.LabelName(dep))
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return slices.Compact(ids), nil
}

func (a *Applier) createCard(ctx context.Context, c planner.Create, failed map[string]error, res *Result) error {
	labelIDs, err := a.labelIDs(c.Card.LabelIDs, c.Card.MissingLabels, failed)
	if err != nil {
		return err
	}
	card, err := a.board.CreateCard(ctx, trello.CardInput{
		Name:        c.Card.Name,
		Description: c.Card.Description,
		ListID:      c.Card.ListID,
		LabelIDs:    labelIDs,
	})
	if err != nil {
		return err
	}
	res.CardsCreated++
	res.CreatedCards[c.ID] = card.ID
	a.opts.Logger.Debug("created card", "id", c.ID, "card", card.ID)
	a.msg("+ card %s", c.Card.Name)

	if len(c.Card.Checklist) == 0 {
		return nil
	}
	if _, err := a.board.UpsertChecklist(ctx, card.ID, c.Card.ChecklistName, itemSpecs(c.Card.Checklist)); err != nil {
		return fmt.Errorf("checklist: %w", err)
	}
	res.Checklists++
	return nil
}

func (a *Applier) updateCard(ctx context.Context, u planner.Update, failed map[string]error, res *Result) error {
	cu := u.Card
	patch := trello.CardPatch{Name: cu.Name, Description: cu.Description, ListID: cu.ListID}
	if cu.LabelIDs != nil || len(cu.MissingLabels) > 0 {
		ids, err := a.labelIDs(cu.LabelIDs, cu.MissingLabels, failed)
		if err != nil {
			return err
		}
		patch.LabelIDs = ids
		patch.SetLabels = true
	}

	if !patch.Empty() {
		if _, err := a.board.UpdateCard(ctx, u.CardID, patch); err != nil {
			return err
		}
		a.opts.Logger.Debug("updated card", "id", u.ID, "card", u.CardID, "fields", u.Fields)
	}
	if cu.ChecklistUpdate {
		if _, err := a.board.UpsertChecklist(ctx, u.CardID, cu.ChecklistName, itemSpecs(cu.Checklist)); err != nil {
			return fmt.Errorf("checklist: %w", err)
		}
		res.Checklists++
	}
	res.CardsUpdated++
	a.msg("~ card %s (%s)", u.ID, strings.Join(u.Fields, ", "))
	return nil
}

// writeDocument collects every document-side create and update into one
// write.
func (a *Applier) writeDocument(ctx context.Context, plan *planner.Plan, res *Result) error {
	var stories []types.Story
	created, updated := 0, 0
	for _, c := range plan.Creates {
		if c.Target == planner.TargetDocument && c.Story != nil {
			stories = append(stories, c.Story.Clone())
			created++
		}
	}
	for _, u := range plan.Updates {
		if u.Target == planner.TargetDocument && u.Story != nil {
			stories = append(stories, u.Story.Clone())
			updated++
		}
	}
	if len(stories) == 0 {
		return nil
	}
	if a.doc == nil {
		return errors.New("plan has document writes but no document writer is configured")
	}
	if err := a.doc.Write(ctx, stories); err != nil {
		for _, s := range stories {
			res.Failures = append(res.Failures, Failure{ID: s.ID, Target: planner.TargetDocument, Error: err.Error()})
		}
		return fmt.Errorf("write document: %w", err)
	}
	res.StoriesCreated += created
	res.StoriesUpdated += updated
	for _, s := range stories {
		a.msg("~ story %s", s.ID)
	}
	a.opts.Logger.Debug("wrote document", "created", created, "updated", updated)
	return nil
}

func itemSpecs(in []planner.ChecklistItemSpec) []trello.ItemSpec {
	out := make([]trello.ItemSpec, 0, len(in))
	for _, it := range in {
		out = append(out, trello.ItemSpec{Name: it.Name, Checked: it.Checked})
	}
	return out
}
