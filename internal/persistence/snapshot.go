package persistence

import (
	"PerpRisk/internal/core"
	"PerpRisk/internal/observability"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// snapshotFormat v1: JSON-encoded core.Snapshot including the ledger.
const snapshotFormat = 1

// SnapshotManager stores engine snapshots in event_log.snapshots. A
// snapshot is verified once the event log has caught up to its sequence;
// recovery only trusts verified snapshots.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// EngineSnapshotter is the engine surface the snapshot loop needs.
type EngineSnapshotter interface {
	Snapshot() *core.Snapshot
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics, logger zerolog.Logger) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics, logger: logger}
}

// EncodeSnapshot serializes snap in the stored format.
func EncodeSnapshot(snap *core.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(data []byte) (*core.Snapshot, error) {
	var snap core.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot persists a snapshot and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.Snapshot) (int, error) {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return 0, err
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.GlobalHash[:], snapshotFormat, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns nil
// on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.Snapshot, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormat)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

// MarkVerified marks a snapshot as verified.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}

// VerifyPending marks every unverified snapshot whose sequence the event
// log has reached.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int64, error) {
	latest, err := sm.GetLatestSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE
		WHERE verified = FALSE AND sequence <= $1
	`, latest)
	if err != nil {
		return 0, fmt.Errorf("verify snapshots: %w", err)
	}
	return res.RowsAffected()
}

// Take snapshots src once and stores the result.
func (sm *SnapshotManager) Take(ctx context.Context, src EngineSnapshotter) error {
	start := time.Now()
	snap := src.Snapshot()

	size, err := sm.SaveSnapshot(ctx, snap)
	if err != nil {
		return err
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(size))
		sm.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	sm.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("markets", len(snap.Markets)).
		Int("bytes", size).
		Msg("snapshot saved")
	return nil
}

// Run takes a snapshot every interval and verifies older ones. A final
// snapshot is attempted when ctx is cancelled.
func (sm *SnapshotManager) Run(ctx context.Context, src EngineSnapshotter, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := sm.Take(final, src); err != nil {
				sm.logger.Error().Err(err).Msg("final snapshot failed")
			}
			cancel()
			return ctx.Err()

		case <-ticker.C:
			if n, err := sm.VerifyPending(ctx); err != nil {
				sm.logger.Warn().Err(err).Msg("snapshot verification failed")
			} else if n > 0 {
				sm.logger.Debug().Int64("verified", n).Msg("snapshots verified")
			}
			if err := sm.Take(ctx, src); err != nil {
				sm.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}
