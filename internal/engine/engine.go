// Package engine runs one reconciliation between a PRD document and a
// Trello board: fetch both sides, plan, apply, then record incremental
// state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/prdsync/prdsync/internal/applier"
	"github.com/prdsync/prdsync/internal/config"
	"github.com/prdsync/prdsync/internal/idcodec"
	"github.com/prdsync/prdsync/internal/mapping"
	"github.com/prdsync/prdsync/internal/planner"
	"github.com/prdsync/prdsync/internal/prd"
	"github.com/prdsync/prdsync/internal/state"
	"github.com/prdsync/prdsync/internal/telemetry"
	"github.com/prdsync/prdsync/internal/trello"
	"github.com/prdsync/prdsync/internal/types"
)

const scopeName = "github.com/prdsync/prdsync/engine"

// Options tune a single run.
type Options struct {
	// DryRun plans without writing anything, state included.
	DryRun bool
	// Full ignores incremental state and examines every record.
	Full bool
}

// Report is the outcome of a run.
type Report struct {
	DryRun bool            `json:"dryRun" yaml:"dryRun"`
	Plan   *planner.Plan   `json:"plan" yaml:"plan"`
	Result *applier.Result `json:"result,omitempty" yaml:"result,omitempty"`
	// Incremental is true when a valid previous state narrowed the plan.
	Incremental bool     `json:"incremental" yaml:"incremental"`
	StateSaved  bool     `json:"stateSaved" yaml:"stateSaved"`
	Warnings    []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Engine reconciles one document with one board.
type Engine struct {
	Board  trello.Board
	Doc    *prd.Store
	Config *config.Config
	Logger *slog.Logger

	// Callbacks for UI feedback (optional).
	OnMessage func(msg string)
	OnWarning func(msg string)

	// Now defaults to time.Now.
	Now func() time.Time

	tracer  trace.Tracer
	records metric.Int64Counter
}

// New creates an engine for the given board, document and configuration.
func New(board trello.Board, doc *prd.Store, cfg *config.Config) *Engine {
	records, _ := telemetry.Meter(scopeName).Int64Counter("prdsync.plan.records",
		metric.WithDescription("Records classified per plan bucket"),
	)
	return &Engine{
		Board:   board,
		Doc:     doc,
		Config:  cfg,
		Logger:  slog.Default(),
		Now:     time.Now,
		tracer:  telemetry.Tracer(scopeName),
		records: records,
	}
}

// snapshot holds both sides as fetched at the start of a run.
type snapshot struct {
	doc    *prd.Snapshot
	lists  []types.List
	cards  []types.Card
	labels []types.Label
}

// Run performs one reconciliation. The report is returned alongside any
// error so callers can show what was planned before the failure.
func (e *Engine) Run(ctx context.Context, opts Options) (*Report, error) {
	ctx, span := e.tracer.Start(ctx, "sync.run", trace.WithAttributes(
		attribute.Bool("sync.dry_run", opts.DryRun),
		attribute.String("sync.direction", e.Config.Sync.Direction),
	))
	defer span.End()

	report, err := e.run(ctx, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return report, err
}

func (e *Engine) run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{DryRun: opts.DryRun}

	codec, err := idcodec.New(e.Config.CodecConfig())
	if err != nil {
		return report, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	snap, err := e.fetch(ctx)
	if err != nil {
		return report, err
	}
	statuses := mapping.NewStatusMap(snap.lists, e.Config.StatusBindings())
	labels := mapping.NewLabelMap(snap.labels, e.Config.Mapping.DependencyLabelPrefix)

	prev := e.loadState(opts, report)
	report.Incremental = prev != nil

	plan, err := e.plan(ctx, planner.Input{
		Stories:            snap.doc.Stories,
		DocumentModifiedAt: snap.doc.ModifiedAt,
		Cards:              snap.cards,
		Codec:              codec,
		Statuses:           statuses,
		Labels:             labels,
		State:              prev,
		Options:            e.Config.PlannerOptions(),
	})
	report.Plan = plan
	if err != nil {
		return report, err
	}
	for _, w := range plan.Warnings {
		e.warn("%s", formatWarning(w))
	}
	if opts.DryRun {
		return report, nil
	}

	res, err := e.apply(ctx, plan, labels)
	report.Result = res
	if err != nil {
		return report, err
	}

	if !e.Config.Sync.Incremental {
		return report, nil
	}
	if err := e.saveState(ctx, codec, plan, res); err != nil {
		// The sync itself succeeded; the next run just does a full pass.
		e.warn("failed to save incremental state: %v", err)
		report.Warnings = append(report.Warnings, err.Error())
		return report, nil
	}
	report.StateSaved = true
	return report, nil
}

// fetch reads the document and the board concurrently.
func (e *Engine) fetch(ctx context.Context) (*snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "sync.fetch")
	defer span.End()

	var snap snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.doc, err = e.Doc.Read(gctx)
		return err
	})
	g.Go(func() (err error) {
		snap.lists, err = e.Board.GetLists(gctx)
		if err != nil {
			return fmt.Errorf("fetch lists: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		snap.cards, err = e.Board.GetCards(gctx)
		if err != nil {
			return fmt.Errorf("fetch cards: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		snap.labels, err = e.Board.GetLabels(gctx)
		if err != nil {
			return fmt.Errorf("fetch labels: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("sync.stories", len(snap.doc.Stories)),
		attribute.Int("sync.cards", len(snap.cards)),
	)
	e.Logger.Debug("fetched",
		"stories", len(snap.doc.Stories),
		"lists", len(snap.lists),
		"cards", len(snap.cards),
		"labels", len(snap.labels))
	return &snap, nil
}

// loadState returns the previous snapshot, or nil when the run must be a
// full one. Unusable state is reported as a warning, never an error.
func (e *Engine) loadState(opts Options, report *Report) *state.State {
	if opts.Full || !e.Config.Sync.Incremental {
		return nil
	}
	st, err := state.Load(e.Config.Sync.StatePath)
	if err == nil && st != nil {
		err = st.Validate(e.Config.Board.ID, e.Doc.Path(), e.Config.MappingSignature())
	}
	if err != nil {
		msg := fmt.Sprintf("ignoring incremental state: %v", err)
		e.warn("%s", msg)
		report.Warnings = append(report.Warnings, msg)
		return nil
	}
	return st
}

// plan matches records, fetches the checklists still needed, then builds
// the plan.
func (e *Engine) plan(ctx context.Context, in planner.Input) (*planner.Plan, error) {
	ctx, span := e.tracer.Start(ctx, "sync.plan")
	defer span.End()

	m := planner.Match(in)
	checklists, err := e.fetchChecklists(ctx, m.ChecklistCardIDs())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	plan := planner.Build(m, checklists)

	for bucket, n := range map[string]int{
		"create":   plan.Stats.Creates,
		"update":   plan.Stats.Updates,
		"conflict": plan.Stats.Conflicts,
		"noop":     plan.Stats.NoOps,
	} {
		e.records.Add(ctx, int64(n), metric.WithAttributes(attribute.String("plan.bucket", bucket)))
	}
	span.SetAttributes(
		attribute.Int("plan.creates", plan.Stats.Creates),
		attribute.Int("plan.updates", plan.Stats.Updates),
		attribute.Int("plan.conflicts", plan.Stats.Conflicts),
		attribute.Int("plan.noops", plan.Stats.NoOps),
	)
	e.msg("Planned %d creates, %d updates, %d conflicts, %d no-ops",
		plan.Stats.Creates, plan.Stats.Updates, plan.Stats.Conflicts, plan.Stats.NoOps)
	return plan, nil
}

// fetchChecklists loads checklists for the given cards with bounded
// concurrency.
func (e *Engine) fetchChecklists(ctx context.Context, cardIDs []string) (map[string][]types.Checklist, error) {
	results := make([][]types.Checklist, len(cardIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.Config.Sync.Concurrency, 1))
	for i, id := range cardIDs {
		g.Go(func() error {
			cls, err := e.Board.GetChecklists(gctx, id)
			if err != nil {
				return fmt.Errorf("fetch checklists for card %s: %w", id, err)
			}
			results[i] = cls
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]types.Checklist, len(cardIDs))
	for i, id := range cardIDs {
		if len(results[i]) > 0 {
			out[id] = results[i]
		}
	}
	return out, nil
}

func (e *Engine) apply(ctx context.Context, plan *planner.Plan, labels *mapping.LabelMap) (*applier.Result, error) {
	ctx, span := e.tracer.Start(ctx, "sync.apply")
	defer span.End()

	a := applier.New(e.Board, e.Doc, labels, applier.Options{
		BlockWritesOnConflict: e.Config.Sync.BlockWritesOnConflict,
		LabelColor:            e.Config.Sync.LabelColor,
		Logger:                e.Logger,
		OnMessage:             e.OnMessage,
	})
	res, err := a.Apply(ctx, plan)
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, applier.ErrBlocked) {
			span.SetStatus(codes.Error, err.Error())
		}
		return res, err
	}
	span.SetAttributes(
		attribute.Int("apply.writes", res.Writes()),
		attribute.Int("apply.failures", len(res.Failures)),
	)
	for _, f := range res.Failures {
		e.warn("%s (%s): %s", f.ID, f.Target, f.Error)
	}
	return res, nil
}

// saveState rereads both sides after the writes and records them. Records
// that ended in conflict or failed to write are left out so the next run
// examines them again.
func (e *Engine) saveState(ctx context.Context, codec *idcodec.Codec, plan *planner.Plan, res *applier.Result) error {
	ctx, span := e.tracer.Start(ctx, "sync.state")
	defer span.End()

	var (
		doc   *prd.Snapshot
		cards []types.Card
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		doc, err = e.Doc.Read(gctx)
		return err
	})
	g.Go(func() (err error) {
		cards, err = e.Board.GetCards(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("reread after apply: %w", err)
	}

	exclude := plan.ConflictIDs()
	for id := range res.FailedIDs() {
		exclude[id] = true
	}

	st := state.Build(state.BuildInput{
		BoardID:          e.Config.Board.ID,
		DocumentPath:     e.Doc.Path(),
		MappingSignature: e.Config.MappingSignature(),
		Now:              e.Now(),
		Stories:          doc.Stories,
		Cards:            cardsByID(codec, cards, exclude),
		Exclude:          exclude,
	})
	if err := state.Save(e.Config.Sync.StatePath, st); err != nil {
		return err
	}
	e.Logger.Debug("saved incremental state",
		"path", e.Config.Sync.StatePath,
		"stories", len(st.StoryIndex),
		"cards", len(st.CardIndex))
	return nil
}

// cardsByID indexes cards by the story id in their title, grouping them
// the way the planner does. Ids carried by more than one card are added to
// exclude.
func cardsByID(codec *idcodec.Codec, cards []types.Card, exclude map[string]bool) map[string]types.Card {
	out := make(map[string]types.Card, len(cards))
	for _, c := range cards {
		parsed := codec.ParseCardTitle(c.Name)
		if parsed.Status != idcodec.ParseOK {
			continue
		}
		if _, dup := out[parsed.ID]; dup {
			exclude[parsed.ID] = true
			continue
		}
		out[parsed.ID] = c
	}
	return out
}

func formatWarning(w planner.Warning) string {
	if w.ID == "" {
		return w.Message
	}
	return w.ID + ": " + w.Message
}

func (e *Engine) msg(format string, args ...any) {
	if e.OnMessage != nil {
		e.OnMessage(fmt.Sprintf(format, args...))
	}
}

func (e *Engine) warn(format string, args ...any) {
	if e.OnWarning != nil {
		e.OnWarning(fmt.Sprintf(format, args...))
	}
}
