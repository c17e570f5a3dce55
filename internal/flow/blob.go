package flow

import (
	"context"
	"errors"

	"activeconfig/internal/ports"
	"activeconfig/internal/types"

	log "github.com/sirupsen/logrus"
)

// BlobLoader downloads and caches the payload of Image entries.
type BlobLoader struct {
	store ports.EntryStore
	tr    ports.Transport
}

func NewBlobLoader(store ports.EntryStore, tr ports.Transport) *BlobLoader {
	return &BlobLoader{store: store, tr: tr}
}

// Load downloads entry.Value and stores the bytes on the entry, provided the stored entry still
// points at the same URL. A connection-level failure marks the entry InvalidPath and returns
// an error matching types.ErrBlobUnreachable. There is no automatic retry.
func (b *BlobLoader) Load(ctx context.Context, entry types.ConfigEntry) ([]byte, error) {
	logger := log.WithFields(log.Fields{"id": entry.ID, "url": entry.Value})
	if entry.Value == "" {
		b.markInvalidPath(ctx, entry)
		return nil, types.Err(types.ErrBlobUnreachable, nil, "%s has no image url", entry.ID)
	}

	data, err := b.tr.FetchBytes(ctx, entry.Value)
	if err != nil {
		if errors.Is(err, types.ErrConnect) {
			logger.WithError(err).Warn("image unreachable, marking invalid path")
			b.markInvalidPath(ctx, entry)
			return nil, types.Err(types.ErrBlobUnreachable, err, "")
		}
		logger.WithError(err).Warn("image download failed")
		return nil, err
	}

	_, err = b.store.Mutate(ctx, entry.ID, func(cur *types.ConfigEntry) (types.ConfigEntry, bool) {
		if cur == nil || cur.Status != types.StatusOK || cur.Value != entry.Value {
			return types.ConfigEntry{}, false
		}
		next := *cur
		next.Blob = data
		return next, true
	})
	if err != nil {
		// The bytes are still good for this caller.
		logger.WithError(err).Warn("failed to store image")
	}
	return data, nil
}

func (b *BlobLoader) markInvalidPath(ctx context.Context, entry types.ConfigEntry) {
	_, err := b.store.Mutate(ctx, entry.ID, func(cur *types.ConfigEntry) (types.ConfigEntry, bool) {
		if cur == nil || cur.Status != types.StatusOK || cur.Value != entry.Value {
			return types.ConfigEntry{}, false
		}
		next := *cur
		next.Blob = nil
		next.Status = types.StatusInvalidPath
		return next, true
	})
	if err != nil {
		log.WithError(err).WithField("id", entry.ID).Warn("failed to mark invalid path")
	}
}
