// Package storage is the optional audit trail of produced revoke
// notifications. It never sits on the correlation hot path: a failed write
// is logged and forgotten, and the in-memory message cache is never
// persisted.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "revokeguard/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSONL append log
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RevokeEntry records one produced revoke notification.
// Keep it compact and schema-stable.
type RevokeEntry struct {
	At         time.Time `json:"at"`
	ChatID     string    `json:"chat_id"`
	IsGroup    bool      `json:"is_group"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	Recipients int       `json:"recipients"`
}

// Store is the minimal persistence API used by plugins.
type Store interface {
	AppendRevoke(ctx context.Context, e RevokeEntry) error
	CountSince(ctx context.Context, since time.Time) (int, error)
	Recent(ctx context.Context, limit int) ([]RevokeEntry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
