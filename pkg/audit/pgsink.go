package audit

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSink persists records in Postgres as a per-user hash chain so later
// tampering is detectable.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

// ──────────────────────────────────────────────────────────────────────────────
// Write path
// ──────────────────────────────────────────────────────────────────────────────

// Append inserts the record as the next link of its user's chain. A
// per-user advisory lock serialises appends so concurrent writers cannot fork
// the chain. Re-delivery of a record ID is a no-op.
func (s *PGSink) Append(ctx context.Context, r Record) error {
	canon, err := CanonicalJSON(r)
	if err != nil {
		return fmt.Errorf("audit.Append canonical: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("audit.Append begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", userLockID(r.RequestingUser)); err != nil {
		return fmt.Errorf("audit.Append advisory lock: %w", err)
	}

	prevHash, err := lastHashTx(ctx, tx, r.RequestingUser)
	if err != nil {
		return fmt.Errorf("audit.Append last hash: %w", err)
	}
	hash := ChainHash(prevHash, canon)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_records (
			record_id, dispatch_id, requesting_user, caller,
			service, action, status, attempts, latency_ms, error_kind, trace_id,
			occurred_at, record_canon, hash, prev_hash
		) VALUES (
			$1,$2,$3,$4,
			$5,$6,$7,$8,$9,$10,$11,
			$12,$13,$14,$15
		)
		ON CONFLICT (record_id) DO NOTHING`,
		r.ID, r.DispatchID, r.RequestingUser, r.Caller,
		r.Service, r.Action, string(r.Status), r.Attempts, r.LatencyMS, string(r.ErrorKind), r.TraceID,
		r.Timestamp, canon, hash, prevHash,
	)
	if err != nil {
		return fmt.Errorf("audit.Append insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("audit.Append commit: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Read path (archiver)
// ──────────────────────────────────────────────────────────────────────────────

// ChainEvents returns a user's links with seq > afterSeq in chain order.
func (s *PGSink) ChainEvents(ctx context.Context, user string, afterSeq int64) ([]ChainEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, record_id, hash, prev_hash, record_canon, recorded_at
		FROM audit_records
		WHERE requesting_user = $1 AND seq > $2
		ORDER BY seq ASC`, user, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("audit.ChainEvents: %w", err)
	}
	defer rows.Close()

	var events []ChainEvent
	for rows.Next() {
		var ev ChainEvent
		if err := rows.Scan(&ev.Seq, &ev.RecordID, &ev.Hash, &ev.PrevHash, &ev.Canon, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("audit.ChainEvents scan: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit.ChainEvents iteration: %w", err)
	}
	return events, nil
}

// ArchiveCheckpoint returns the last archived position for user, or zero
// values if nothing has been archived yet.
func (s *PGSink) ArchiveCheckpoint(ctx context.Context, user string) (time.Time, string, int64, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT archived_until, last_hash, last_seq
		FROM audit_archive_checkpoints WHERE requesting_user = $1`, user)
	var (
		until time.Time
		hash  string
		seq   int64
	)
	err := row.Scan(&until, &hash, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, "", 0, nil
	}
	if err != nil {
		return time.Time{}, "", 0, fmt.Errorf("audit.ArchiveCheckpoint: %w", err)
	}
	return until, hash, seq, nil
}

// UpsertArchiveCheckpoint advances user's archive position.
func (s *PGSink) UpsertArchiveCheckpoint(ctx context.Context, user string, until time.Time, hash string, seq int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_archive_checkpoints (requesting_user, archived_until, last_hash, last_seq, updated_at)
		VALUES ($1,$2,$3,$4, now())
		ON CONFLICT (requesting_user) DO UPDATE SET
			archived_until = EXCLUDED.archived_until,
			last_hash      = EXCLUDED.last_hash,
			last_seq       = EXCLUDED.last_seq,
			updated_at     = now()`,
		user, until, hash, seq)
	if err != nil {
		return fmt.Errorf("audit.UpsertArchiveCheckpoint: %w", err)
	}
	return nil
}

// ListUsers returns every user with at least one audit record.
func (s *PGSink) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT requesting_user FROM audit_records ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("audit.ListUsers: %w", err)
	}
	defer rows.Close()
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("audit.ListUsers scan: %w", err)
	}
	return users, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func lastHashTx(ctx context.Context, tx pgx.Tx, user string) (string, error) {
	row := tx.QueryRow(ctx, `
		SELECT hash FROM audit_records
		WHERE requesting_user = $1
		ORDER BY seq DESC LIMIT 1`, user)

	var h string
	err := row.Scan(&h)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return h, err
}

// userLockID produces a deterministic advisory-lock ID from a user id.
func userLockID(user string) int64 {
	h := fnv.New64a()
	h.Write([]byte("audit:" + user))
	return int64(binary.BigEndian.Uint64(h.Sum(nil)))
}
