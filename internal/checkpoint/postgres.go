// Package checkpoint provides the PostgreSQL-backed pipeline checkpoint
// store, for deployments where a suspended clarification must survive a
// process restart on a different replica. A single table holds one
// JSONB row per correlation id; the schema is migrated inline at
// startup.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/forgeflow/forgeflow/internal/pipeline"
)

// PostgresStore implements pipeline.Store over a PostgreSQL table, one
// row per correlation id holding the serialized state as JSONB.
type PostgresStore struct {
	pool *sql.DB
}

var _ pipeline.Store = (*PostgresStore)(nil)

const migrationSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    correlation_id TEXT PRIMARY KEY,
    stage          TEXT NOT NULL,
    state          JSONB NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_stage ON checkpoints(stage);
`

// NewPostgresStore opens a connection pool against databaseURL, pings
// it, and runs the schema migration.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open database: %w", err)
	}

	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: ping database: %w", err)
	}
	if _, err := pool.ExecContext(ctx, migrationSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: run migration: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.pool.Close()
}

// Save upserts the checkpoint row for state's correlation id.
func (s *PostgresStore) Save(state *pipeline.PipelineState) error {
	if state == nil || state.CorrelationID == "" {
		return fmt.Errorf("checkpoint: cannot save checkpoint with empty correlation id")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal state: %w", err)
	}

	_, err = s.pool.Exec(`
		INSERT INTO checkpoints (correlation_id, stage, state, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (correlation_id)
		DO UPDATE SET stage = $2, state = $3, updated_at = NOW()`,
		state.CorrelationID, string(state.Stage), data)
	if err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", state.CorrelationID, err)
	}
	return nil
}

// Load reads and parses the checkpoint for correlationID. A row whose
// state lacks a correlation id is rejected as a missing required field
// (fresh start per the schema evolution rule); unknown fields are
// ignored by json.Unmarshal.
func (s *PostgresStore) Load(correlationID string) (*pipeline.PipelineState, bool, error) {
	var data []byte
	err := s.pool.QueryRow(
		`SELECT state FROM checkpoints WHERE correlation_id = $1`, correlationID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint: load %s: %w", correlationID, err)
	}

	var state pipeline.PipelineState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, fmt.Errorf("checkpoint: parse %s: %w", correlationID, err)
	}
	if state.CorrelationID == "" {
		return nil, false, nil
	}
	return &state, true, nil
}

// Delete removes the checkpoint row, if any.
func (s *PostgresStore) Delete(correlationID string) error {
	if _, err := s.pool.Exec(`DELETE FROM checkpoints WHERE correlation_id = $1`, correlationID); err != nil {
		return fmt.Errorf("checkpoint: delete %s: %w", correlationID, err)
	}
	return nil
}
