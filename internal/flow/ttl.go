package flow

import (
	"sync"
	"time"
)

// TTL is a minimal in-process TTL cache. Expiration is lazy, on Get.
type TTL[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]ttlEntry[V]
}

type ttlEntry[V any] struct {
	val V
	exp time.Time
}

func NewTTL[K comparable, V any]() *TTL[K, V] {
	return &TTL[K, V]{data: make(map[K]ttlEntry[V])}
}

// Get returns the value and true if found and not expired; otherwise zero value and false.
func (t *TTL[K, V]) Get(k K) (V, bool) {
	t.mu.RLock()
	e, ok := t.data[k]
	t.mu.RUnlock()
	if !ok || timeNow().After(e.exp) {
		var zero V
		return zero, false
	}
	return e.val, true
}

func (t *TTL[K, V]) Set(k K, v V, ttl time.Duration) {
	t.mu.Lock()
	t.data[k] = ttlEntry[V]{val: v, exp: timeNow().Add(ttl)}
	t.mu.Unlock()
}

// Sweep drops every expired item and returns how many were removed.
func (t *TTL[K, V]) Sweep() int {
	now := timeNow()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, e := range t.data {
		if now.After(e.exp) {
			delete(t.data, k)
			n++
		}
	}
	return n
}

func (t *TTL[K, V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}
