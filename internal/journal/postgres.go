package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"homeward/internal/lifecycle"
)

// PostgresJournal persists snapshots in a PostgreSQL table.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

const createJournalSQL = `
CREATE TABLE IF NOT EXISTS remittance_journal (
    request_id TEXT NOT NULL,
    sequence INT NOT NULL,
    draft_id TEXT NOT NULL,
    state TEXT NOT NULL,
    snapshot JSONB NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (request_id, sequence)
);
CREATE INDEX IF NOT EXISTS remittance_journal_draft_idx ON remittance_journal (draft_id);
`

// NewPostgresJournal connects to Postgres using the DSN and ensures the table exists.
func NewPostgresJournal(ctx context.Context, dsn string) (*PostgresJournal, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createJournalSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create journal table: %w", err)
	}

	return &PostgresJournal{pool: pool}, nil
}

func (p *PostgresJournal) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresJournal) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresJournal) Record(ctx context.Context, snap lifecycle.Snapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO remittance_journal (request_id, sequence, draft_id, state, snapshot, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (request_id, sequence) DO NOTHING
`, snap.RequestID, snap.Sequence, snap.DraftID, string(snap.State), blob, snap.UpdatedAt)
	return err
}

func (p *PostgresJournal) Pending(ctx context.Context) ([]lifecycle.Snapshot, error) {
	rows, err := p.pool.Query(ctx, `
SELECT snapshot
FROM (
    SELECT DISTINCT ON (request_id) state, snapshot, (snapshot->>'createdAt')::timestamptz AS created_at
    FROM remittance_journal
    ORDER BY request_id, sequence DESC
) latest
WHERE state = $1
ORDER BY created_at
`, string(lifecycle.StatePendingConfirmation))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

func (p *PostgresJournal) History(ctx context.Context, requestID string) ([]lifecycle.Snapshot, error) {
	rows, err := p.pool.Query(ctx, `
SELECT snapshot
FROM remittance_journal
WHERE request_id = $1
ORDER BY sequence
`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

func scanSnapshots(rows pgx.Rows) ([]lifecycle.Snapshot, error) {
	var out []lifecycle.Snapshot
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var snap lifecycle.Snapshot
		if err := json.Unmarshal(blob, &snap); err != nil {
			return nil, fmt.Errorf("decode journal row: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (p *PostgresJournal) ByDraft(ctx context.Context, draftID string) (lifecycle.Snapshot, bool, error) {
	var blob []byte
	err := p.pool.QueryRow(ctx, `
SELECT snapshot
FROM remittance_journal
WHERE draft_id = $1
ORDER BY sequence DESC
LIMIT 1
`, draftID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return lifecycle.Snapshot{}, false, nil
	}
	if err != nil {
		return lifecycle.Snapshot{}, false, err
	}
	var snap lifecycle.Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return lifecycle.Snapshot{}, false, fmt.Errorf("decode journal row: %w", err)
	}
	return snap, true, nil
}
