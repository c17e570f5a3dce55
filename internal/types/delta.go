package types

import (
	"strings"
	"time"
)

// DeltaStatus is the per-item outcome of a batch update check.
type DeltaStatus int

const (
	DeltaSuccess DeltaStatus = iota
	DeltaInvalid
	DeltaNoUpdate
)

// ParseDeltaStatus maps the batch status string. An empty status means Success.
func ParseDeltaStatus(s string) (DeltaStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "success":
		return DeltaSuccess, nil
	case "invalid":
		return DeltaInvalid, nil
	case "noupdate":
		return DeltaNoUpdate, nil
	}
	return DeltaSuccess, Err(ErrProtocol, nil, "unknown update status %q", s)
}

// Delta is one changed item reported by the batch endpoint.
type Delta struct {
	Key        string
	Type       ConfigType
	Status     DeltaStatus
	Value      string
	ExpireTime *time.Time
	Hash       string
}

func (d Delta) ID() string { return EntryID(d.Type, d.Key) }

// ChangeEvent is raised after batch sync changed an entry. For images Value is empty and Blob
// carries the downloaded bytes.
type ChangeEvent struct {
	Key   string     `json:"key"`
	Type  ConfigType `json:"type"`
	Value string     `json:"value,omitempty"`
	Blob  []byte     `json:"blob,omitempty"`
}

// DeviceInfo is the descriptor sent with Register.
type DeviceInfo struct {
	Sys        string `json:"sys"`
	Version    string `json:"version"`
	Language   string `json:"language"`
	Resolution string `json:"resolution"`
	Carrier    string `json:"carrier"`
}
