package persistence_test

import (
	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/persistence"
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	query string
	args  []interface{}
}

type recordingExecer struct {
	calls []execCall
}

func (r *recordingExecer) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	r.calls = append(r.calls, execCall{query: query, args: args})
	return nil, nil
}

func priceEnvelope(seq int64, market uint64) *event.Envelope {
	env := event.NewEnvelope(seq, &event.PriceUpdated{MarketID: market, IndexPrice: 100, MarkPrice: 101}, time.Unix(1700000000, 0).UTC())
	env.StateHash[0] = byte(seq)
	env.PrevHash[0] = byte(seq - 1)
	return env
}

func TestEventRowFromEnvelope(t *testing.T) {
	row, err := persistence.EventRowFromEnvelope(priceEnvelope(7, 3))
	require.NoError(t, err)

	assert.Equal(t, int64(7), row.Sequence)
	assert.Equal(t, "PriceUpdated", row.EventType)
	assert.Equal(t, int64(3), row.MarketID)
	assert.Len(t, row.StateHash, 32)
	assert.Equal(t, byte(7), row.StateHash[0])
	assert.Equal(t, byte(6), row.PrevHash[0])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(row.Payload, &payload))
	assert.EqualValues(t, 101, payload["mark_price"])
}

func TestJournalRowsFromBatch(t *testing.T) {
	var batches []*ledger.Batch
	l := ledger.NewMemoryLedger(ledger.WithJournalSink(func(b *ledger.Batch) { batches = append(batches, b) }))
	trader := uuid.New()

	require.NoError(t, l.Deposit(context.Background(), trader, ledger.AssetID(1), 5_000_000, "dep-1"))
	require.Len(t, batches, 1)

	rows := persistence.JournalRowsFromBatch(batches[0])
	require.Len(t, rows, 1)
	assert.Equal(t, "dep-1", rows[0].EventRef)
	assert.Equal(t, int64(5_000_000), rows[0].Amount)
	assert.Equal(t, uint16(1), rows[0].AssetID)
	assert.Equal(t, int32(ledger.JournalTypeDeposit), rows[0].JournalType)
	assert.Contains(t, rows[0].DebitAccount, trader.String())
	assert.True(t, strings.HasPrefix(rows[0].CreditAccount, "external:"))
}

func TestWriteEventBatch_Placeholders(t *testing.T) {
	var ex recordingExecer
	ctx := context.Background()

	require.NoError(t, persistence.WriteEventBatch(ctx, &ex, nil))
	assert.Empty(t, ex.calls, "empty batch must not hit the database")

	rows := make([]persistence.EventRow, 0, 3)
	for seq := int64(1); seq <= 3; seq++ {
		row, err := persistence.EventRowFromEnvelope(priceEnvelope(seq, 1))
		require.NoError(t, err)
		rows = append(rows, row)
	}
	require.NoError(t, persistence.WriteEventBatch(ctx, &ex, rows))
	require.Len(t, ex.calls, 1)

	call := ex.calls[0]
	assert.Len(t, call.args, 21)
	assert.Contains(t, call.query, "($15, $16, $17, $18, $19, $20, $21)")
	assert.Contains(t, call.query, "ON CONFLICT (sequence) DO NOTHING")
	assert.Equal(t, int64(3), call.args[14])
}

func TestWriteJournalBatch_Placeholders(t *testing.T) {
	var ex recordingExecer
	rows := []persistence.JournalRow{{JournalID: "a", Amount: 1}, {JournalID: "b", Amount: 2}}

	require.NoError(t, persistence.WriteJournalBatch(context.Background(), &ex, rows))
	require.Len(t, ex.calls, 1)
	assert.Len(t, ex.calls[0].args, 20)
	assert.Contains(t, ex.calls[0].query, "$20)")
	assert.Contains(t, ex.calls[0].query, "ON CONFLICT (journal_id) DO NOTHING")
}
