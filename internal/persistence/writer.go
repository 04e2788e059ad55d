package persistence

import (
	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// BatchWriter writes one batch of events and journals atomically.
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []EventRow, journals []JournalRow) error
}

// EventLogWriter writes events and journals to Postgres using multi-row
// INSERTs inside one transaction per batch.
type EventLogWriter struct {
	db *sql.DB
}

var _ BatchWriter = (*EventLogWriter)(nil)

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence  int64
	EventType string
	MarketID  int64
	Payload   []byte // JSON-encoded event payload
	StateHash []byte
	PrevHash  []byte
	Timestamp time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// EventRowFromEnvelope flattens an engine envelope for storage.
func EventRowFromEnvelope(env *event.Envelope) (EventRow, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal %s payload: %w", env.EventType, err)
	}
	return EventRow{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		MarketID:  int64(env.MarketID),
		Payload:   payload,
		StateHash: env.StateHash[:],
		PrevHash:  env.PrevHash[:],
		Timestamp: env.Timestamp,
	}, nil
}

// JournalRowsFromBatch flattens a ledger batch for storage.
func JournalRowsFromBatch(b *ledger.Batch) []JournalRow {
	rows := make([]JournalRow, 0, len(b.Journals))
	for _, j := range b.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			AssetID:       uint16(j.AssetID),
			Amount:        j.Amount,
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// WriteBatch writes events and journals in a single transaction.
func (w *EventLogWriter) WriteBatch(ctx context.Context, events []EventRow, journals []JournalRow) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := WriteEventBatch(ctx, tx, events); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	if err := WriteJournalBatch(ctx, tx, journals); err != nil {
		return fmt.Errorf("write journals: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func WriteEventBatch(ctx context.Context, ex Execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, market_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*7)

	for i, e := range events {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.Sequence, e.EventType, e.MarketID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func WriteJournalBatch(ctx context.Context, ex Execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
