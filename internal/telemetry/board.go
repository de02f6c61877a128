package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/prdsync/prdsync/internal/trello"
	"github.com/prdsync/prdsync/internal/types"
)

const boardScopeName = "github.com/prdsync/prdsync/board"

// InstrumentedBoard wraps a trello.Board with spans and prdsync.board.*
// metrics. Use WrapBoard to create one.
type InstrumentedBoard struct {
	inner  trello.Board
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapBoard returns b decorated with OTel instrumentation. When telemetry
// is disabled, b is returned as-is.
func WrapBoard(b trello.Board) trello.Board {
	if !Enabled() {
		return b
	}
	m := Meter(boardScopeName)
	ops, _ := m.Int64Counter("prdsync.board.operations",
		metric.WithDescription("Board API operations executed"),
	)
	dur, _ := m.Float64Histogram("prdsync.board.operation.duration",
		metric.WithDescription("Board operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("prdsync.board.errors",
		metric.WithDescription("Board operation errors"),
	)
	return &InstrumentedBoard{
		inner:  b,
		tracer: Tracer(boardScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

func (b *InstrumentedBoard) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("board.operation", name)}, attrs...)
	ctx, span := b.tracer.Start(ctx, "board."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	b.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

func (b *InstrumentedBoard) done(ctx context.Context, span trace.Span, start time.Time, err error, name string) {
	attrs := metric.WithAttributes(attribute.String("board.operation", name))
	b.dur.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.errs.Add(ctx, 1, attrs)
	}
	span.End()
}

func (b *InstrumentedBoard) GetLists(ctx context.Context) ([]types.List, error) {
	ctx, span, t := b.op(ctx, "GetLists")
	v, err := b.inner.GetLists(ctx)
	span.SetAttributes(attribute.Int("board.result.count", len(v)))
	b.done(ctx, span, t, err, "GetLists")
	return v, err
}

func (b *InstrumentedBoard) GetCards(ctx context.Context) ([]types.Card, error) {
	ctx, span, t := b.op(ctx, "GetCards")
	v, err := b.inner.GetCards(ctx)
	span.SetAttributes(attribute.Int("board.result.count", len(v)))
	b.done(ctx, span, t, err, "GetCards")
	return v, err
}

func (b *InstrumentedBoard) GetLabels(ctx context.Context) ([]types.Label, error) {
	ctx, span, t := b.op(ctx, "GetLabels")
	v, err := b.inner.GetLabels(ctx)
	span.SetAttributes(attribute.Int("board.result.count", len(v)))
	b.done(ctx, span, t, err, "GetLabels")
	return v, err
}

func (b *InstrumentedBoard) GetChecklists(ctx context.Context, cardID string) ([]types.Checklist, error) {
	ctx, span, t := b.op(ctx, "GetChecklists", attribute.String("board.card.id", cardID))
	v, err := b.inner.GetChecklists(ctx, cardID)
	b.done(ctx, span, t, err, "GetChecklists")
	return v, err
}

func (b *InstrumentedBoard) CreateLabel(ctx context.Context, name, color string) (types.Label, error) {
	ctx, span, t := b.op(ctx, "CreateLabel", attribute.String("board.label.name", name))
	v, err := b.inner.CreateLabel(ctx, name, color)
	b.done(ctx, span, t, err, "CreateLabel")
	return v, err
}

func (b *InstrumentedBoard) CreateCard(ctx context.Context, in trello.CardInput) (types.Card, error) {
	ctx, span, t := b.op(ctx, "CreateCard", attribute.String("board.list.id", in.ListID))
	v, err := b.inner.CreateCard(ctx, in)
	b.done(ctx, span, t, err, "CreateCard")
	return v, err
}

func (b *InstrumentedBoard) UpdateCard(ctx context.Context, cardID string, patch trello.CardPatch) (types.Card, error) {
	ctx, span, t := b.op(ctx, "UpdateCard", attribute.String("board.card.id", cardID))
	v, err := b.inner.UpdateCard(ctx, cardID, patch)
	b.done(ctx, span, t, err, "UpdateCard")
	return v, err
}

func (b *InstrumentedBoard) UpsertChecklist(ctx context.Context, cardID, name string, items []trello.ItemSpec) (types.Checklist, error) {
	ctx, span, t := b.op(ctx, "UpsertChecklist",
		attribute.String("board.card.id", cardID),
		attribute.Int("board.checklist.items", len(items)),
	)
	v, err := b.inner.UpsertChecklist(ctx, cardID, name, items)
	b.done(ctx, span, t, err, "UpsertChecklist")
	return v, err
}

func (b *InstrumentedBoard) SetChecklistItemState(ctx context.Context, cardID, itemID string, checked bool) error {
	ctx, span, t := b.op(ctx, "SetChecklistItemState", attribute.String("board.card.id", cardID))
	err := b.inner.SetChecklistItemState(ctx, cardID, itemID, checked)
	b.done(ctx, span, t, err, "SetChecklistItemState")
	return err
}
