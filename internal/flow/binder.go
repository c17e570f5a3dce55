package flow

import (
	"sync"

	"activeconfig/internal/types"
)

// Binder remembers which key each display target currently shows. Values arrive through
// callbacks that may be late, so a value is applied only if its target is still bound to the
// key that produced it.
type Binder struct {
	mu       sync.Mutex
	bindings map[string]string
}

func NewBinder() *Binder {
	return &Binder{bindings: make(map[string]string)}
}

// Bind points target at (type, key), replacing any earlier binding.
func (b *Binder) Bind(target string, t types.ConfigType, key string) {
	b.mu.Lock()
	b.bindings[target] = types.EntryID(t, key)
	b.mu.Unlock()
}

func (b *Binder) Unbind(target string) {
	b.mu.Lock()
	delete(b.bindings, target)
	b.mu.Unlock()
}

// Bound reports whether target is still bound to (type, key).
func (b *Binder) Bound(target string, t types.ConfigType, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bindings[target] == types.EntryID(t, key)
}

// Deliver calls apply only if target is still bound to (type, key) and reports whether it did.
// The binding is held for the whole call, so apply must not call back into the Binder.
func (b *Binder) Deliver(target string, t types.ConfigType, key string, apply func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bindings[target] != types.EntryID(t, key) {
		return false
	}
	apply()
	return true
}

// BindText binds target to key and applies the resolved text once it arrives.
func (e *Engine) BindText(b *Binder, target, key, def string, apply func(string)) (<-chan struct{}, error) {
	if b == nil || target == "" || apply == nil {
		return nil, types.Err(types.ErrInvalidArgument, nil, "binder, target and apply are required")
	}
	b.Bind(target, types.Text, key)
	return e.GetTextAsync(key, def, false, func(v string) {
		b.Deliver(target, types.Text, key, func() { apply(v) })
	})
}

// BindImage binds target to key and applies the resolved image bytes once they arrive.
func (e *Engine) BindImage(b *Binder, target, key string, def []byte, apply func([]byte)) (<-chan struct{}, error) {
	if b == nil || target == "" || apply == nil {
		return nil, types.Err(types.ErrInvalidArgument, nil, "binder, target and apply are required")
	}
	b.Bind(target, types.Image, key)
	return e.GetImageAsync(key, def, false, func(v []byte) {
		b.Deliver(target, types.Image, key, func() { apply(v) })
	})
}
