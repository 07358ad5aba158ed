package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/timshannon/badgerhold/v4"
)

// Badger persists checkpoints in an embedded badger database.
type Badger struct {
	store *badgerhold.Store
}

var _ Store = (*Badger)(nil)

// OpenBadger opens (or creates) the database at path. An empty path keeps
// the database in memory.
func OpenBadger(path string) (*Badger, error) {
	options := badgerhold.DefaultOptions
	options.Logger = nil
	if path == "" {
		options.InMemory = true
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
		options.Dir = path
		options.ValueDir = path
	}
	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return &Badger{store: store}, nil
}

// Save upserts cp under its job ID.
func (b *Badger) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.store.Upsert(cp.JobID, &cp); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.JobID, err)
	}
	return nil
}

// Load returns the checkpoint for jobID or ErrNotFound.
func (b *Badger) Load(ctx context.Context, jobID string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := b.store.Get(jobID, &cp); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", jobID, err)
	}
	return cp, nil
}

// Close releases the database.
func (b *Badger) Close() error {
	return b.store.Close()
}
