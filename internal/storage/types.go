package storage

import (
	"time"

	"groupbot/internal/fault"
)

var ErrDisabled = fault.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file (modernc, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one panel command.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Command string    `json:"command"`
	Level   string    `json:"level"`
	Text    string    `json:"text,omitempty"`
	TookMS  int64     `json:"took_ms"`
}
