package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines audit log + dedup snapshot/journal
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one handled command or policy transition.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Transport string    `json:"transport"` // ws, nats, telegram, http, sweep
	Actor     string    `json:"actor,omitempty"`
	Method    string    `json:"method"`
	Target    string    `json:"target,omitempty"`
	Code      string    `json:"code,omitempty"` // empty on success
	Result    string    `json:"result,omitempty"`
	TookMS    int64     `json:"took_ms"`
}

// OK reports whether the command succeeded.
func (e AuditEntry) OK() bool { return e.Code == "" }
