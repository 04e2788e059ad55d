package ledger

import (
	"time"

	"github.com/google/uuid"
)

// BatchGenerator turns postings into sequenced, balanced journal batches.
// Not thread-safe; owned by MemoryLedger.
type BatchGenerator struct {
	sequence int64
}

func NewBatchGenerator(startSequence int64) *BatchGenerator {
	return &BatchGenerator{sequence: startSequence}
}

// Sequence returns the sequence the next batch will carry.
func (g *BatchGenerator) Sequence() int64 {
	return g.sequence
}

// Generate creates one journal per non-zero posting. Zero-amount postings
// are skipped so callers can pass optional legs unconditionally. Returns nil
// when nothing moves.
func (g *BatchGenerator) Generate(eventRef string, ts time.Time, postings []Posting) *Batch {
	batchID := uuid.New()
	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  g.sequence,
		Timestamp: ts.UnixMicro(),
		Journals:  make([]Journal, 0, len(postings)),
	}

	for _, p := range postings {
		if p.Amount == 0 {
			continue
		}
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      g.sequence,
			DebitAccount:  p.To,
			CreditAccount: p.From,
			AssetID:       p.To.AssetID,
			Amount:        p.Amount,
			JournalType:   p.Type,
			Timestamp:     batch.Timestamp,
		})
	}

	if len(batch.Journals) == 0 {
		return nil
	}
	return batch
}

// Advance moves past the current sequence once its batch has been applied.
// Rejected batches never advance, so applied sequences are gap-free.
func (g *BatchGenerator) Advance() {
	g.sequence++
}
