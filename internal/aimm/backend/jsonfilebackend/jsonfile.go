// Package jsonfilebackend implements a development backend that persists
// every model in a single JSON file, rewritten atomically on each write —
// useful for local runs and tests where a database or broker is
// unavailable.
package jsonfilebackend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hat-open/aimm/internal/aimm/backend"
	"github.com/hat-open/aimm/internal/aimm/model"
)

// Backend stores all models as one JSON document on disk.
type Backend struct {
	path string

	mu       sync.Mutex
	nextID   uint64
	rows     map[uint64]fileRow
	onChange backend.ModelChangeCallback
}

type fileRow struct {
	ModelType string `json:"model_type"`
	Instance  []byte `json:"instance"`
}

type fileDoc struct {
	NextID uint64             `json:"next_id"`
	Rows   map[string]fileRow `json:"rows"`
}

// Open loads path if it exists, or starts with an empty document.
func Open(path string) (*Backend, error) {
	b := &Backend{path: path, rows: make(map[uint64]fileRow), nextID: 1}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("aimm: jsonfilebackend: read: %w", err)
	}
	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("aimm: jsonfilebackend: decode: %w", err)
	}
	b.nextID = doc.NextID
	if b.nextID == 0 {
		b.nextID = 1
	}
	for idStr, row := range doc.Rows {
		var id uint64
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			continue
		}
		b.rows[id] = row
	}
	return b, nil
}

// flush must be called with b.mu held.
func (b *Backend) flush() error {
	doc := fileDoc{NextID: b.nextID, Rows: make(map[string]fileRow, len(b.rows))}
	for id, row := range b.rows {
		doc.Rows[fmt.Sprintf("%d", id)] = row
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("aimm: jsonfilebackend: encode: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("aimm: jsonfilebackend: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("aimm: jsonfilebackend: write: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("aimm: jsonfilebackend: rename: %w", err)
	}
	return nil
}

func (b *Backend) GetModels(ctx context.Context) ([]model.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Model, 0, len(b.rows))
	for id, row := range b.rows {
		out = append(out, model.Model{InstanceID: id, ModelType: row.ModelType, Instance: row.Instance})
	}
	return out, nil
}

func (b *Backend) CreateModel(ctx context.Context, modelType string, instanceBytes []byte) (model.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.rows[id] = fileRow{ModelType: modelType, Instance: instanceBytes}
	if err := b.flush(); err != nil {
		return model.Model{}, err
	}
	return model.Model{InstanceID: id, ModelType: modelType}, nil
}

func (b *Backend) UpdateModel(ctx context.Context, instanceID uint64, modelType string, instanceBytes []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[instanceID] = fileRow{ModelType: modelType, Instance: instanceBytes}
	return b.flush()
}

func (b *Backend) RegisterModelChangeCallback(cb backend.ModelChangeCallback) {
	b.mu.Lock()
	b.onChange = cb
	b.mu.Unlock()
}

// ProcessEvents is a no-op: a local file has no external event source.
func (b *Backend) ProcessEvents(ctx context.Context, events []backend.Event) error {
	return nil
}

func (b *Backend) Close() error { return nil }

var _ backend.Backend = (*Backend)(nil)
