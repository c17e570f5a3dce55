package ports

import (
	"context"

	"activeconfig/internal/types"
)

// ConfigServer is the remote key/value configuration service.
type ConfigServer interface {
	// Register announces the device. It is best-effort; callers only log its error.
	Register(ctx context.Context, info types.DeviceInfo) error

	// FetchOne looks up one key. MUST return an error matching types.ErrKeyNotFound when the
	// server denies the key, types.ErrProtocol for bad responses, types.ErrTransport otherwise.
	FetchOne(ctx context.Context, key string, t types.ConfigType) (types.ConfigEntry, error)

	// FetchBatch sends the (key, hash, type) of every entry and returns the reported changes.
	// NoUpdate items are dropped, so only Success and Invalid deltas are returned.
	FetchBatch(ctx context.Context, entries []types.ConfigEntry) ([]types.Delta, error)
}
