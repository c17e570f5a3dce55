package flow

import (
	"context"
	"errors"

	"activeconfig/internal/ports"
	"activeconfig/internal/types"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Result is what a resolution delivers. Value is set for Text, Blob for Image.
type Result struct {
	Value  string
	Blob   []byte
	Source Source
}

// Resolver makes the per-key serve cached / fetch fresh / serve default decision.
// Network and parsing errors are absorbed: the caller always gets some value.
type Resolver struct {
	store  ports.EntryStore
	server ports.ConfigServer
	blobs  *BlobLoader
	// group joins concurrent fetches of one id. Nil keeps independent fetches.
	group *singleflight.Group
}

func NewResolver(store ports.EntryStore, server ports.ConfigServer, blobs *BlobLoader, dedup bool) *Resolver {
	r := &Resolver{store: store, server: server, blobs: blobs}
	if dedup {
		r.group = &singleflight.Group{}
	}
	return r
}

func (r *Resolver) ResolveText(ctx context.Context, key string, def string, force bool) Result {
	entry, src := r.resolveEntry(ctx, key, types.Text, force)
	if entry == nil {
		return Result{Value: def, Source: src}
	}
	return Result{Value: entry.Value, Source: src}
}

// ResolveImage resolves the metadata like ResolveText, then makes sure the image bytes are
// present. A fresh entry without bytes triggers a download before returning.
func (r *Resolver) ResolveImage(ctx context.Context, key string, def []byte, force bool) Result {
	entry, src := r.resolveEntry(ctx, key, types.Image, force)
	if entry == nil {
		return Result{Blob: def, Source: src}
	}
	if entry.Status == types.StatusInvalidPath {
		return Result{Blob: def, Source: ServedDefault}
	}
	if len(entry.Blob) > 0 {
		return Result{Value: entry.Value, Blob: entry.Blob, Source: src}
	}

	data, err := r.blobs.Load(ctx, *entry)
	if err != nil {
		return Result{Blob: def, Source: ServedDefault}
	}
	return Result{Value: entry.Value, Blob: data, Source: src}
}

// resolveEntry returns the entry to serve, or nil when the default must be served.
func (r *Resolver) resolveEntry(ctx context.Context, key string, t types.ConfigType, force bool) (*types.ConfigEntry, Source) {
	id := types.EntryID(t, key)
	logger := log.WithFields(log.Fields{"id": id, "force": force})

	cur, err := r.store.Get(ctx, id)
	if err != nil {
		logger.WithError(err).Warn("entry store read failed, treating as uncached")
		cur = nil
	}
	if cur != nil && cur.Status == types.StatusKeyNotFound {
		return nil, ServedNegative
	}
	if cur != nil && !force && !cur.Expired(timeNow()) {
		return cur, ServedCached
	}

	fresh, err := r.fetch(ctx, id, key, t)
	switch {
	case err == nil:
		stored, err := r.store.Mutate(ctx, id, func(c *types.ConfigEntry) (types.ConfigEntry, bool) {
			if c == nil {
				return fresh, true
			}
			next := *c
			next.ApplyFresh(fresh)
			return next, true
		})
		if err != nil || stored == nil {
			logger.WithError(err).Warn("failed to store fetched entry")
			return &fresh, ServedFresh
		}
		return stored, ServedFresh
	case errors.Is(err, types.ErrKeyNotFound):
		logger.Debug("server denied key, caching negative result")
		if err := r.store.Upsert(ctx, types.NewNegativeEntry(t, key)); err != nil {
			logger.WithError(err).Warn("failed to store negative entry")
		}
		return nil, ServedNegative
	default:
		logger.WithError(err).Warn("fetch failed, serving default")
		return nil, ServedDefault
	}
}

func (r *Resolver) fetch(ctx context.Context, id, key string, t types.ConfigType) (types.ConfigEntry, error) {
	if r.group == nil {
		return r.server.FetchOne(ctx, key, t)
	}
	v, err, shared := r.group.Do(id, func() (any, error) {
		return r.server.FetchOne(ctx, key, t)
	})
	if shared {
		log.WithField("id", id).Debug("joined in-flight fetch")
	}
	if err != nil {
		return types.ConfigEntry{}, err
	}
	return v.(types.ConfigEntry), nil
}
