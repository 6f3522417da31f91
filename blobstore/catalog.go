package blobstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoSnapshot is returned when a catalog has no entry for a key.
	ErrNoSnapshot = errors.New("blobstore: no snapshot recorded")
	// ErrConcurrentModification is returned when another publisher
	// committed the same sequence number first.
	ErrConcurrentModification = errors.New("blobstore: concurrent modification")
)

// CatalogEntry is one published snapshot.
type CatalogEntry struct {
	Sequence    uint64
	Name        string
	SnapshotID  string
	CommittedAt time.Time
}

// Catalog records the latest snapshot per key, typically a collection ID.
type Catalog interface {
	// Commit publishes e as the successor of sequence e.Sequence-1.
	Commit(ctx context.Context, key string, e CatalogEntry) error
	// Latest returns the newest entry for key.
	Latest(ctx context.Context, key string) (CatalogEntry, error)
}

// Publish commits name as the next snapshot of key, retrying when a
// concurrent publisher won the race until ctx ends.
func Publish(ctx context.Context, c Catalog, key, name, snapshotID string) (CatalogEntry, error) {
	for {
		var next uint64 = 1
		latest, err := c.Latest(ctx, key)
		switch {
		case err == nil:
			next = latest.Sequence + 1
		case !errors.Is(err, ErrNoSnapshot):
			return CatalogEntry{}, err
		}
		e := CatalogEntry{Sequence: next, Name: name, SnapshotID: snapshotID, CommittedAt: time.Now().UTC()}
		err = c.Commit(ctx, key, e)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return CatalogEntry{}, err
		}
		if ctx.Err() != nil {
			return CatalogEntry{}, ctx.Err()
		}
	}
}

// MemoryCatalog is an in-process Catalog.
type MemoryCatalog struct {
	mu      sync.Mutex
	entries map[string][]CatalogEntry
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entries: make(map[string][]CatalogEntry)}
}

func (c *MemoryCatalog) Commit(_ context.Context, key string, e CatalogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint64(len(c.entries[key]))+1 != e.Sequence {
		return ErrConcurrentModification
	}
	c.entries[key] = append(c.entries[key], e)
	return nil
}

func (c *MemoryCatalog) Latest(_ context.Context, key string) (CatalogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.entries[key]
	if len(list) == 0 {
		return CatalogEntry{}, ErrNoSnapshot
	}
	return list[len(list)-1], nil
}

// History returns every entry of key, oldest first.
func (c *MemoryCatalog) History(key string) []CatalogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CatalogEntry(nil), c.entries[key]...)
}
