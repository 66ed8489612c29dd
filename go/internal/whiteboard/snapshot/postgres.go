package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lingocall/boardsync/go/internal/whiteboard/scene"
)

const createTable = `
CREATE TABLE IF NOT EXISTS whiteboard_snapshots (
    room_id     TEXT PRIMARY KEY,
    elements    JSONB       NOT NULL DEFAULT '[]',
    view_state  JSONB       NOT NULL DEFAULT '{}',
    tombstones  TEXT[]      NOT NULL DEFAULT '{}',
    saved_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresStore keeps snapshots in the whiteboard_snapshots table
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the snapshot table if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create whiteboard_snapshots: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, roomID string) (*Snapshot, error) {
	var (
		elements  []byte
		viewState []byte
		snap      = &Snapshot{RoomID: roomID}
	)

	err := s.pool.QueryRow(ctx, `
		SELECT elements, view_state, tombstones, saved_at
		FROM whiteboard_snapshots
		WHERE room_id = $1`, roomID,
	).Scan(&elements, &viewState, &snap.Tombstones, &snap.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", roomID, err)
	}

	if err := json.Unmarshal(elements, &snap.Elements); err != nil {
		return nil, fmt.Errorf("decode snapshot elements %s: %w", roomID, err)
	}
	if err := json.Unmarshal(viewState, &snap.ViewState); err != nil {
		return nil, fmt.Errorf("decode snapshot view state %s: %w", roomID, err)
	}
	return snap, nil
}

func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	elements := snap.Elements
	if elements == nil {
		elements = []scene.Element{}
	}
	elementsJSON, err := json.Marshal(elements)
	if err != nil {
		return fmt.Errorf("encode snapshot elements: %w", err)
	}
	viewJSON, err := json.Marshal(snap.ViewState)
	if err != nil {
		return fmt.Errorf("encode snapshot view state: %w", err)
	}
	tombstones := snap.Tombstones
	if tombstones == nil {
		tombstones = []string{}
	}

	cmdTag, err := s.pool.Exec(ctx, `
		INSERT INTO whiteboard_snapshots (room_id, elements, view_state, tombstones, saved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id) DO UPDATE
		SET elements = EXCLUDED.elements,
		    view_state = EXCLUDED.view_state,
		    tombstones = EXCLUDED.tombstones,
		    saved_at = EXCLUDED.saved_at`,
		snap.RoomID, string(elementsJSON), string(viewJSON), tombstones, snap.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.RoomID, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("save snapshot %s: %d rows affected", snap.RoomID, cmdTag.RowsAffected())
	}
	return nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
