package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"weekcal/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS feed_snapshots (
	feed_id    TEXT PRIMARY KEY,
	events     JSONB NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type snapshotRow struct {
	FeedID    string    `db:"feed_id"`
	Events    []byte    `db:"events"`
	FetchedAt time.Time `db:"fetched_at"`
}

type SnapshotStore struct {
	db *sqlx.DB
}

func NewSnapshotStore(db *sqlx.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the snapshot table if it does not exist.
func (s *SnapshotStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate feed_snapshots: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Load(ctx context.Context, feedID string) (*model.Snapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row,
		`SELECT feed_id, events, fetched_at FROM feed_snapshots WHERE feed_id = $1`, feedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap := &model.Snapshot{FeedID: row.FeedID, FetchedAt: row.FetchedAt}
	if err := json.Unmarshal(row.Events, &snap.Events); err != nil {
		return nil, fmt.Errorf("decode events of %s: %w", feedID, err)
	}
	return snap, nil
}

// Save upserts snapshot. An older snapshot never replaces a newer one.
func (s *SnapshotStore) Save(ctx context.Context, snapshot *model.Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot is nil")
	}

	events := snapshot.Events
	if events == nil {
		events = []model.Event{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}

	query := `
		INSERT INTO feed_snapshots (feed_id, events, fetched_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (feed_id) DO UPDATE SET
			events = EXCLUDED.events,
			fetched_at = EXCLUDED.fetched_at,
			updated_at = now()
		WHERE feed_snapshots.fetched_at <= EXCLUDED.fetched_at`

	_, err = s.db.ExecContext(ctx, query, snapshot.FeedID, data, snapshot.FetchedAt)
	return err
}

func (s *SnapshotStore) Delete(ctx context.Context, feedID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM feed_snapshots WHERE feed_id = $1`, feedID)
	return err
}

// Prune deletes snapshots of every feed not listed in keep and returns how
// many were removed.
func (s *SnapshotStore) Prune(ctx context.Context, keep []string) (int, error) {
	if keep == nil {
		keep = []string{}
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM feed_snapshots WHERE NOT (feed_id = ANY($1))`, pq.Array(keep))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
