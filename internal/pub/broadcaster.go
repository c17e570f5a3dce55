// Package pub delivers "entry changed" events to in-process subscribers and external topics.
package pub

import (
	"context"
	"errors"
	"sync"

	"activeconfig/internal/ports"
	"activeconfig/internal/types"

	log "github.com/sirupsen/logrus"
)

// Broadcaster fans change events out to subscribers and forwards them to other notifiers.
// A subscriber whose buffer is full misses the event rather than stalling the sync tick.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]chan types.ChangeEvent
	next    uint64
	forward []ports.Notifier
}

var _ ports.Notifier = (*Broadcaster)(nil)

func NewBroadcaster(forward ...ports.Notifier) *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan types.ChangeEvent), forward: forward}
}

// Subscribe returns a channel of events and a function that unsubscribes and closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan types.ChangeEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan types.ChangeEvent, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) Notify(ctx context.Context, ev types.ChangeEvent) error {
	b.mu.RLock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.WithFields(log.Fields{"subscriber": id, "key": ev.Key}).Warn("subscriber is behind, event dropped")
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, n := range b.forward {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes each event to the log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, ev types.ChangeEvent) error {
	log.WithFields(log.Fields{
		"key":       ev.Key,
		"type":      ev.Type.String(),
		"value":     ev.Value,
		"blob_size": len(ev.Blob),
	}).Info("config updated")
	return nil
}
