package flow

import (
	"context"
	"sync"
	"time"

	"activeconfig/internal/ports"
	"activeconfig/internal/types"

	log "github.com/sirupsen/logrus"
)

// SyncReport counts what one batch check did.
type SyncReport struct {
	Checked     int `json:"checked"`
	Updated     int `json:"updated"`
	Invalidated int `json:"invalidated"`
	Notified    int `json:"notified"`
}

// Synchronizer reconciles the whole cache against the server with one hash-diff request per tick.
type Synchronizer struct {
	store    ports.EntryStore
	server   ports.ConfigServer
	blobs    *BlobLoader
	notifier ports.Notifier

	// tickMu keeps a manual check and a timer tick from overlapping.
	tickMu sync.Mutex

	mu       sync.Mutex
	interval time.Duration
	resetCh  chan time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewSynchronizer(store ports.EntryStore, server ports.ConfigServer, blobs *BlobLoader, notifier ports.Notifier, interval time.Duration) *Synchronizer {
	if interval <= 0 {
		interval = types.DefaultUpdateInterval
	}
	return &Synchronizer{
		store:    store,
		server:   server,
		blobs:    blobs,
		notifier: notifier,
		interval: interval,
	}
}

// CheckUpdate runs one tick. A failed batch call aborts the tick without touching the store.
func (s *Synchronizer) CheckUpdate(ctx context.Context) (SyncReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	var report SyncReport
	entries, err := s.store.All(ctx)
	if err != nil {
		return report, err
	}
	if len(entries) == 0 {
		return report, nil
	}
	report.Checked = len(entries)

	deltas, err := s.server.FetchBatch(ctx, entries)
	if err != nil {
		log.WithError(err).Warn("batch update check failed")
		return report, err
	}

	for _, d := range deltas {
		switch d.Status {
		case types.DeltaSuccess:
			s.applySuccess(ctx, d, &report)
		case types.DeltaInvalid:
			s.applyInvalid(ctx, d, &report)
		}
	}
	log.WithFields(log.Fields{
		"checked":     report.Checked,
		"updated":     report.Updated,
		"invalidated": report.Invalidated,
		"notified":    report.Notified,
	}).Info("cache synchronized")
	return report, nil
}

func (s *Synchronizer) applySuccess(ctx context.Context, d types.Delta, report *SyncReport) {
	logger := log.WithField("id", d.ID())
	fresh := types.ConfigEntry{Value: d.Value, Hash: d.Hash, ExpireTime: d.ExpireTime}

	changed := false
	updated, err := s.store.Mutate(ctx, d.ID(), func(cur *types.ConfigEntry) (types.ConfigEntry, bool) {
		// Only entries still cached are refreshed. A reset in between wins.
		if cur == nil {
			return types.ConfigEntry{}, false
		}
		if cur.Hash == d.Hash && cur.Status != types.StatusKeyNotFound {
			return types.ConfigEntry{}, false
		}
		next := *cur
		next.ApplyFresh(fresh)
		next.Blob = nil
		changed = true
		return next, true
	})
	if err != nil {
		logger.WithError(err).Warn("failed to apply update")
		return
	}
	if !changed || updated == nil {
		return
	}
	report.Updated++

	ev := types.ChangeEvent{Key: d.Key, Type: d.Type}
	if d.Type == types.Image {
		data, err := s.blobs.Load(ctx, *updated)
		if err != nil {
			logger.WithError(err).Warn("changed image could not be downloaded, no event raised")
			return
		}
		ev.Blob = data
	} else {
		ev.Value = updated.Value
	}
	s.notify(ctx, ev, report)
}

// applyInvalid turns the entry into a negative-cache marker. No event is raised for it.
func (s *Synchronizer) applyInvalid(ctx context.Context, d types.Delta, report *SyncReport) {
	changed := false
	_, err := s.store.Mutate(ctx, d.ID(), func(cur *types.ConfigEntry) (types.ConfigEntry, bool) {
		if cur == nil || cur.Status == types.StatusKeyNotFound {
			return types.ConfigEntry{}, false
		}
		next := *cur
		next.Status = types.StatusKeyNotFound
		next.Blob = nil
		changed = true
		return next, true
	})
	if err != nil {
		log.WithError(err).WithField("id", d.ID()).Warn("failed to invalidate entry")
		return
	}
	if changed {
		report.Invalidated++
	}
}

func (s *Synchronizer) notify(ctx context.Context, ev types.ChangeEvent, report *SyncReport) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		log.WithError(err).WithField("key", ev.Key).Warn("change notification failed")
		return
	}
	report.Notified++
}

// Start runs CheckUpdate on the configured interval until Stop is called or ctx is done.
// Calling Start on a running synchronizer is a no-op.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.resetCh = make(chan time.Duration, 1)
	go s.loop(ctx, s.interval, s.resetCh, s.stopCh, s.doneCh)
}

func (s *Synchronizer) loop(ctx context.Context, interval time.Duration, resetCh <-chan time.Duration, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case d := <-resetCh:
			ticker.Reset(d)
			log.WithField("interval", d.String()).Info("update interval changed")
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Synchronizer) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("update check panicked")
		}
	}()
	_, _ = s.CheckUpdate(ctx)
}

// Stop ends the timer and waits for a running tick to finish.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh, s.doneCh, s.resetCh = nil, nil, nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// SetInterval changes the tick period. A running timer is rescheduled from now.
func (s *Synchronizer) SetInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	if s.resetCh == nil {
		return
	}
	// Drop an unconsumed earlier change, the latest one wins.
	select {
	case <-s.resetCh:
	default:
	}
	s.resetCh <- d
}

func (s *Synchronizer) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Synchronizer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil
}
