package flow

import (
	"context"
	"sync"
	"time"

	"activeconfig/internal/ports"
	"activeconfig/internal/types"

	log "github.com/sirupsen/logrus"
)

// Engine is the public face of the cache: resolution calls, the background synchronizer and
// cache maintenance. Only usage errors are returned; network trouble always ends in a value.
type Engine struct {
	settings types.Settings
	store    ports.EntryStore
	server   ports.ConfigServer
	resolver *Resolver
	sync     *Synchronizer

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	registered bool
	closed     bool
	inflight   sync.WaitGroup
}

// NewEngine wires the resolver, blob loader and synchronizer around one store. notifier may be nil.
func NewEngine(settings types.Settings, store ports.EntryStore, server ports.ConfigServer, tr ports.Transport, notifier ports.Notifier) (*Engine, error) {
	if store == nil || server == nil || tr == nil {
		return nil, types.Err(types.ErrInvalidArgument, nil, "store, server and transport are required")
	}
	interval := settings.Interval()
	blobs := NewBlobLoader(store, tr)
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		settings: settings,
		store:    store,
		server:   server,
		resolver: NewResolver(store, server, blobs, settings.DedupFetches),
		sync:     NewSynchronizer(store, server, blobs, notifier, interval),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Register announces the device in the background and starts the update timer. The remote
// call is best-effort: its failure is logged and does not block later calls.
func (e *Engine) Register(info types.DeviceInfo) error {
	if e.settings.AppKey == "" || e.settings.AppSecret == "" {
		return types.Err(types.ErrInvalidArgument, nil, "app key and secret are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return types.Err(types.ErrInvalidArgument, nil, "engine is closed")
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		if err := e.server.Register(e.ctx, info); err != nil {
			log.WithError(err).Warn("device registration failed")
			return
		}
		log.Info("device registered")
	}()

	e.registered = true
	e.sync.Start(e.ctx)
	return nil
}

func (e *Engine) checkUsable(key string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.registered || e.closed {
		return types.ErrNotRegistered
	}
	if key == "" {
		return types.Err(types.ErrInvalidArgument, nil, "key is required")
	}
	return nil
}

// async runs fn on its own goroutine. The returned channel is closed once fn returned.
// A panicking callback is logged and does not take the process down.
func (e *Engine) async(id string, fn func()) (<-chan struct{}, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, types.ErrNotRegistered
	}
	e.inflight.Add(1)
	e.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer e.inflight.Done()
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{"id": id, "panic": r}).Error("value callback panicked")
			}
		}()
		fn()
	}()
	return done, nil
}

// GetTextAsync resolves key and delivers the value to cb exactly once, from another goroutine.
func (e *Engine) GetTextAsync(key string, def string, force bool, cb func(value string)) (<-chan struct{}, error) {
	if err := e.checkUsable(key); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, types.Err(types.ErrInvalidArgument, nil, "callback is required")
	}
	return e.async(types.EntryID(types.Text, key), func() {
		cb(e.resolver.ResolveText(e.ctx, key, def, force).Value)
	})
}

// GetImageAsync resolves key and delivers the image bytes (or def) to cb exactly once.
func (e *Engine) GetImageAsync(key string, def []byte, force bool, cb func(blob []byte)) (<-chan struct{}, error) {
	if err := e.checkUsable(key); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, types.Err(types.ErrInvalidArgument, nil, "callback is required")
	}
	return e.async(types.EntryID(types.Image, key), func() {
		cb(e.resolver.ResolveImage(e.ctx, key, def, force).Blob)
	})
}

// GetText is the blocking form of GetTextAsync.
func (e *Engine) GetText(ctx context.Context, key string, def string, force bool) (Result, error) {
	if err := e.checkUsable(key); err != nil {
		return Result{}, err
	}
	return e.resolver.ResolveText(ctx, key, def, force), nil
}

// GetImage is the blocking form of GetImageAsync.
func (e *Engine) GetImage(ctx context.Context, key string, def []byte, force bool) (Result, error) {
	if err := e.checkUsable(key); err != nil {
		return Result{}, err
	}
	return e.resolver.ResolveImage(ctx, key, def, force), nil
}

// CheckUpdate runs one batch sync now, outside the timer.
func (e *Engine) CheckUpdate(ctx context.Context) (SyncReport, error) {
	e.mu.RLock()
	ok := e.registered && !e.closed
	e.mu.RUnlock()
	if !ok {
		return SyncReport{}, types.ErrNotRegistered
	}
	return e.sync.CheckUpdate(ctx)
}

// ClearCache wipes every entry. The next lookup of any key goes to the server again.
func (e *Engine) ClearCache(ctx context.Context) error {
	if err := e.store.Reset(ctx); err != nil {
		return err
	}
	log.Info("cache cleared")
	return nil
}

// SetUpdateInterval reschedules the batch sync timer.
func (e *Engine) SetUpdateInterval(d time.Duration) error {
	if d < types.MinUpdateInterval {
		return types.Err(types.ErrInvalidArgument, nil, "update interval %s is below %s", d, types.MinUpdateInterval)
	}
	e.sync.SetInterval(d)
	return nil
}

func (e *Engine) UpdateInterval() time.Duration {
	return e.sync.Interval()
}

// Close stops the timer and waits for outstanding callbacks without a deadline. The store is
// left open.
func (e *Engine) Close() {
	_ = e.Shutdown(context.Background())
}

// Shutdown is Close with a deadline. When ctx ends first, in-flight fetches and the running
// tick are cancelled; their callbacks still fire, with the default value. It returns ctx.Err()
// in that case.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	finished := make(chan struct{})
	expired := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			log.WithError(ctx.Err()).Warn("shutdown deadline reached, cancelling in-flight calls")
			e.cancel()
			close(expired)
		case <-finished:
		}
	}()

	e.sync.Stop()
	e.inflight.Wait()
	close(finished)
	e.cancel()

	select {
	case <-expired:
		return ctx.Err()
	default:
		return nil
	}
}
