package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "revokeguard/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS revokes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	at          INTEGER NOT NULL,
	chat_id     TEXT NOT NULL,
	is_group    INTEGER NOT NULL,
	sender_id   TEXT NOT NULL,
	sender_name TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	recipients  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_revokes_at ON revokes(at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) AppendRevoke(ctx context.Context, e RevokeEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO revokes (at, chat_id, is_group, sender_id, sender_name, content, recipients)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.At.Unix(), e.ChatID, boolToInt(e.IsGroup), e.SenderID, e.SenderName, e.Content, e.Recipients)
	return err
}

func (s *sqliteStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM revokes WHERE at >= ?`, since.Unix()).Scan(&n)
	return n, err
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]RevokeEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, chat_id, is_group, sender_id, sender_name, content, recipients
		 FROM revokes ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RevokeEntry
	for rows.Next() {
		var (
			e       RevokeEntry
			at      int64
			isGroup int
		)
		if err := rows.Scan(&at, &e.ChatID, &isGroup, &e.SenderID, &e.SenderName, &e.Content, &e.Recipients); err != nil {
			return nil, err
		}
		e.At = time.Unix(at, 0)
		e.IsGroup = isGroup != 0
		out = append(out, e)
	}
	// Oldest first, like the file backend.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
