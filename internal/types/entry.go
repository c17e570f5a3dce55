package types

import (
	"fmt"
	"strings"
	"time"
)

// ConfigType is the kind of value a key holds. The integer value is what goes on the wire.
type ConfigType int

const (
	Text ConfigType = iota
	Image
)

func (t ConfigType) String() string {
	switch t {
	case Text:
		return "text"
	case Image:
		return "image"
	}
	return fmt.Sprintf("ConfigType(%d)", int(t))
}

// ParseConfigType maps the server's type string to a ConfigType. Matching is case-insensitive and
// accepts both the name and the integer form. Any other value is a protocol error.
func ParseConfigType(s string) (ConfigType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "0":
		return Text, nil
	case "image", "1":
		return Image, nil
	}
	return Text, Err(ErrProtocol, nil, "unknown config type %q", s)
}

// ItemStatus is the cache state of an entry.
type ItemStatus int

const (
	StatusOK ItemStatus = iota
	// StatusKeyNotFound marks a negative-cache entry. Value, blob, hash and expiry are ignored.
	StatusKeyNotFound
	// StatusInvalidPath means the key is valid but its image URL could not be reached.
	StatusInvalidPath
)

var StatusTextMap = map[ItemStatus]string{
	StatusOK:          "ok",
	StatusKeyNotFound: "key_not_found",
	StatusInvalidPath: "invalid_path",
}

func (s ItemStatus) String() string {
	if t, ok := StatusTextMap[s]; ok {
		return t
	}
	return fmt.Sprintf("ItemStatus(%d)", int(s))
}

// ConfigEntry is one cached configuration item. The store owns entries; everything handed out
// is a copy.
// Value is the literal string for Text entries and the image URL for Image entries.
// Blob is the downloaded image payload, set only for Image entries with StatusOK.
// ExpireTime is nil when the server sent no expiry; such an OK entry is only changed by batch sync.
// Hash is the server's content fingerprint used by batch sync.
type ConfigEntry struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	Type       ConfigType `json:"type"`
	Value      string     `json:"value"`
	Blob       []byte     `json:"blob,omitempty"`
	ExpireTime *time.Time `json:"expire_time,omitempty"`
	Hash       string     `json:"hash"`
	Status     ItemStatus `json:"status"`
}

// EntryID derives the unique store id for (type, key).
func EntryID(t ConfigType, key string) string {
	return fmt.Sprintf("%d:%s", int(t), key)
}

// NewNegativeEntry returns a key-not-found marker for (type, key).
func NewNegativeEntry(t ConfigType, key string) ConfigEntry {
	return ConfigEntry{ID: EntryID(t, key), Key: key, Type: t, Status: StatusKeyNotFound}
}

// Expired reports whether a positive entry must be re-validated. Entries without an expiry
// never expire by time.
func (e ConfigEntry) Expired(now time.Time) bool {
	return e.ExpireTime != nil && e.ExpireTime.Before(now)
}

// Clone returns a deep copy so callers never share the blob slice or expiry pointer with the store.
func (e ConfigEntry) Clone() ConfigEntry {
	out := e
	if e.Blob != nil {
		out.Blob = append([]byte(nil), e.Blob...)
	}
	if e.ExpireTime != nil {
		t := *e.ExpireTime
		out.ExpireTime = &t
	}
	return out
}

// ApplyFresh overwrites value, hash and expiry from a fresh server result and resets status.
// The blob is cleared whenever value or hash changes so the image is downloaded again.
func (e *ConfigEntry) ApplyFresh(fresh ConfigEntry) {
	if e.Value != fresh.Value || e.Hash != fresh.Hash {
		e.Blob = nil
	}
	e.Value = fresh.Value
	e.Hash = fresh.Hash
	e.ExpireTime = fresh.ExpireTime
	e.Status = StatusOK
}
