package ports

import (
	"context"

	"activeconfig/internal/types"
)

// MutateFunc receives a copy of the current entry (nil if absent) and returns the entry to write.
// Returning write=false leaves the store untouched.
type MutateFunc func(current *types.ConfigEntry) (next types.ConfigEntry, write bool)

// EntryStore is the persistent table of cache entries. All calls on one store are serialized
// through a single lock; entries handed out are copies.
type EntryStore interface {
	// Get returns the entry for id, or (nil, nil) if there is none.
	Get(ctx context.Context, id string) (*types.ConfigEntry, error)

	// Upsert inserts or fully overwrites the entry with the same id.
	Upsert(ctx context.Context, entry types.ConfigEntry) error

	// Mutate runs a read-modify-write on one entry as a single critical section and returns
	// the entry as stored afterwards (nil if still absent).
	Mutate(ctx context.Context, id string, fn MutateFunc) (*types.ConfigEntry, error)

	All(ctx context.Context) ([]types.ConfigEntry, error)

	// Reset drops and recreates the underlying table. A corrupt medium is recreated empty.
	Reset(ctx context.Context) error

	Close() error
}
