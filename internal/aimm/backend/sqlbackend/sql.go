// Package sqlbackend implements the Relational backend: a single table
// `models(id PK auto, type TEXT, instance BLOB)` accessed through
// jmoiron/sqlx over lib/pq, with raw SQL and numbered placeholders, no
// ORM.
package sqlbackend

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/hat-open/aimm/internal/aimm/backend"
	"github.com/hat-open/aimm/internal/aimm/model"
)

// Backend persists models in a single `models` table over PostgreSQL.
type Backend struct {
	db *sqlx.DB

	mu       sync.Mutex
	onChange backend.ModelChangeCallback
}

// Open connects to dsn and ensures the models table exists.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("aimm: sqlbackend: connect: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("aimm: sqlbackend: migrate: %w", err)
	}
	return &Backend{db: db}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS models (
	id       BIGSERIAL PRIMARY KEY,
	type     TEXT NOT NULL,
	instance BYTEA NOT NULL
)`

type modelRow struct {
	ID       uint64 `db:"id"`
	Type     string `db:"type"`
	Instance []byte `db:"instance"`
}

func (b *Backend) GetModels(ctx context.Context) ([]model.Model, error) {
	var rows []modelRow
	if err := b.db.SelectContext(ctx, &rows, `SELECT id, type, instance FROM models ORDER BY id`); err != nil {
		return nil, fmt.Errorf("aimm: sqlbackend: get_models: %w", err)
	}
	out := make([]model.Model, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Model{InstanceID: r.ID, ModelType: r.Type, Instance: r.Instance})
	}
	return out, nil
}

func (b *Backend) CreateModel(ctx context.Context, modelType string, instanceBytes []byte) (model.Model, error) {
	var id uint64
	err := b.db.QueryRowContext(ctx,
		`INSERT INTO models (type, instance) VALUES ($1, $2) RETURNING id`,
		modelType, instanceBytes,
	).Scan(&id)
	if err != nil {
		return model.Model{}, fmt.Errorf("aimm: sqlbackend: create_model: %w", err)
	}
	return model.Model{InstanceID: id, ModelType: modelType}, nil
}

func (b *Backend) UpdateModel(ctx context.Context, instanceID uint64, modelType string, instanceBytes []byte) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE models SET type = $1, instance = $2 WHERE id = $3`,
		modelType, instanceBytes, instanceID,
	)
	if err != nil {
		return fmt.Errorf("aimm: sqlbackend: update_model: %w", err)
	}
	return nil
}

func (b *Backend) RegisterModelChangeCallback(cb backend.ModelChangeCallback) {
	b.mu.Lock()
	b.onChange = cb
	b.mu.Unlock()
}

// ProcessEvents is a no-op: a PostgreSQL table has no external event
// stream of its own to subscribe to.
func (b *Backend) ProcessEvents(ctx context.Context, events []backend.Event) error {
	return nil
}

func (b *Backend) Close() error { return b.db.Close() }

var _ backend.Backend = (*Backend)(nil)
