package projection

import (
	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/observability"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ViewSink is a read view updated per event.
type ViewSink interface {
	Apply(ctx context.Context, env *event.Envelope) error
}

// ProjectionWorker updates read views and history from engine events.
// The projection channel is non-blocking with drop: if projections fall
// behind they can be rebuilt from the event log.
type ProjectionWorker struct {
	history   HistoryStore
	views     ViewSink
	inputChan <-chan core.Output
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

// NewProjectionWorker builds a worker. views may be nil.
func NewProjectionWorker(history HistoryStore, views ViewSink, inputChan <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		history:   history,
		views:     views,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.Process(ctx, output.Envelope)
		}
	}
}

// Process applies one event. Failures are logged and counted; projections
// are eventually consistent.
func (pw *ProjectionWorker) Process(ctx context.Context, env *event.Envelope) {
	if env == nil {
		return
	}

	if pw.views != nil {
		pw.timed("views", env, func() error { return pw.views.Apply(ctx, env) })
	}

	switch p := env.Payload.(type) {
	case *event.FundingApplied:
		pw.timed("funding_history", env, func() error {
			return pw.history.RecordFunding(ctx, FundingFromEvent(env, p))
		})
	case *event.PositionLiquidated:
		pw.timed("liquidation_history", env, func() error {
			return pw.history.RecordLiquidation(ctx, LiquidationFromEvent(env, p))
		})
	}

	if env.Sequence > pw.lastSeq {
		pw.lastSeq = env.Sequence
		if err := pw.history.SetWatermark(ctx, env.Sequence); err != nil {
			pw.fail("watermark", env, err)
		}
	}
}

// LastSequence returns the highest sequence processed.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) timed(name string, env *event.Envelope, fn func() error) {
	start := time.Now()
	err := fn()
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		pw.fail(name, env, err)
	}
}

func (pw *ProjectionWorker) fail(name string, env *event.Envelope, err error) {
	pw.logger.Warn().Err(err).
		Str("projection", name).
		Int64("sequence", env.Sequence).
		Str("event_type", env.EventType.String()).
		Msg("projection update failed")
	if pw.metrics != nil {
		pw.metrics.ProjectionErrors.WithLabelValues(name).Inc()
	}
}
