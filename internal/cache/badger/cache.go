// Package badger persists cached pages in a BadgerDB directory. Entries
// carry a native TTL so expired pages disappear without a sweeper.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

const keyPrefix = "page:"

// Config controls the badger cache.
type Config struct {
	// Path is the database directory. Empty selects an in-memory database.
	Path   string
	TTL    time.Duration
	Logger *zap.Logger
}

// Cache implements crawler.Cache on top of badger.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *zap.Logger
}

// Open opens (or creates) the cache database.
func Open(cfg Config) (*Cache, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{db: db, ttl: cfg.TTL, logger: logger}, nil
}

// Get returns the cached page for url when present and unexpired.
func (c *Cache) Get(_ context.Context, url string) (crawler.CachedPage, bool, error) {
	var page crawler.CachedPage
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + url))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &page)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return crawler.CachedPage{}, false, nil
	}
	if err != nil {
		return crawler.CachedPage{}, false, fmt.Errorf("read cached page: %w", err)
	}
	return page, true, nil
}

// Put stores page with the configured TTL.
func (c *Cache) Put(_ context.Context, page crawler.CachedPage) error {
	if page.StoredAt.IsZero() {
		page.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("marshal cached page: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(keyPrefix+page.URL), data)
		if c.ttl > 0 {
			entry = entry.WithTTL(c.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("write cached page: %w", err)
	}
	return nil
}

// Close releases the database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close badger cache: %w", err)
	}
	return nil
}
