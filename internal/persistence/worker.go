package persistence

import (
	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/observability"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Record is one unit of durable output: an engine event or a ledger batch.
// The orchestrator bridges both sources onto one channel.
type Record struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch
}

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends to the persist channel with blocking sends, so if this
// worker falls behind the engine stalls and no event is lost.
type PersistenceWorker struct {
	writer       BatchWriter
	inputChan    <-chan Record
	publishChan  chan<- *event.Envelope
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	events   []EventRow
	journals []JournalRow
	written  []*event.Envelope
}

// NewPersistenceWorker builds a worker. publishChan may be nil; when set,
// every event is forwarded there after it is durable.
func NewPersistenceWorker(
	writer BatchWriter,
	inputChan <-chan Record,
	publishChan chan<- *event.Envelope,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       writer,
		inputChan:    inputChan,
		publishChan:  publishChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
		events:       make([]EventRow, 0, batchSize),
		journals:     make([]JournalRow, 0, batchSize*4), // ~4 journals per event avg
		written:      make([]*event.Envelope, 0, batchSize),
	}
}

// Run batches incoming records and flushes when the batch is full or the
// flush timeout expires. On shutdown the pending batch is written with a
// background context. Blocks until ctx is cancelled or the input closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			pw.drainPending()
			pw.finalFlush()
			return ctx.Err()

		case rec, ok := <-pw.inputChan:
			if !ok {
				pw.finalFlush()
				return nil
			}

			pw.add(rec)
			if len(pw.events) >= pw.batchSize {
				pw.flushWithRetry(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			pw.flushWithRetry(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

func (pw *PersistenceWorker) add(rec Record) {
	if rec.Envelope != nil {
		row, err := EventRowFromEnvelope(rec.Envelope)
		if err != nil {
			// Payloads are plain structs; this only fires on a programming error.
			pw.logger.Error().Err(err).Int64("sequence", rec.Envelope.Sequence).Msg("event not persistable")
		} else {
			pw.events = append(pw.events, row)
			pw.written = append(pw.written, rec.Envelope)
		}
	}
	if rec.Batch != nil {
		pw.journals = append(pw.journals, JournalRowsFromBatch(rec.Batch)...)
	}
}

// drainPending moves everything already queued into the final batch.
func (pw *PersistenceWorker) drainPending() {
	for {
		select {
		case rec, ok := <-pw.inputChan:
			if !ok {
				return
			}
			pw.add(rec)
		default:
			return
		}
	}
}

// flushWithRetry writes the pending batch, retrying with exponential
// backoff until it succeeds. Once ctx is cancelled a single final attempt
// is made with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context) {
	if len(pw.events) == 0 && len(pw.journals) == 0 {
		return
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(pw.events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}

			select {
			case <-ctx.Done():
				pw.finalFlush()
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			pw.forward()
			pw.reset()
			return
		}

		pw.logger.Error().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
	}
}

// finalFlush makes one attempt with a background context.
func (pw *PersistenceWorker) finalFlush() {
	if len(pw.events) == 0 && len(pw.journals) == 0 {
		return
	}
	if err := pw.flush(context.Background()); err != nil {
		pw.logger.Error().Err(err).Int("events", len(pw.events)).Msg("final flush on shutdown failed")
	} else {
		pw.forward()
	}
	pw.reset()
}

func (pw *PersistenceWorker) flush(ctx context.Context) error {
	start := time.Now()

	if err := pw.writer.WriteBatch(ctx, pw.events, pw.journals); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(pw.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(pw.events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(pw.journals)))
		if len(pw.events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(pw.events[len(pw.events)-1].Sequence))
		}
	}
	return nil
}

// forward hands durable events to the outbound publisher without blocking.
func (pw *PersistenceWorker) forward() {
	if pw.publishChan == nil {
		return
	}
	for _, env := range pw.written {
		select {
		case pw.publishChan <- env:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (pw *PersistenceWorker) reset() {
	pw.events = pw.events[:0]
	pw.journals = pw.journals[:0]
	pw.written = pw.written[:0]
}
