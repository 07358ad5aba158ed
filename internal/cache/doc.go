// Package cache holds page cache implementations satisfying crawler.Cache.
// The memory cache serves tests and short runs; the badger cache persists
// bodies across runs with a per-entry TTL.
package cache
