package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "revokeguard/pkg/logx"
)

func openTestStore(t *testing.T) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "revokes.jsonl")
	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " None "} {
		s, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		if s != nil {
			t.Fatalf("driver %q: expected nil store", driver)
		}
	}
}

func TestFileAppendAndScan(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, e := range []RevokeEntry{
		{At: base, ChatID: "g1", IsGroup: true, SenderID: "u1", SenderName: "Alice", Content: "hello", Recipients: 2},
		{At: base.Add(time.Hour), ChatID: "u2", SenderID: "u2", Content: "[image]", Recipients: 1},
		{At: base.Add(2 * time.Hour), ChatID: "g1", IsGroup: true, SenderID: "u3", Content: "later", Recipients: 2},
	} {
		if err := s.AppendRevoke(ctx, e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	n, err := s.CountSince(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("CountSince = %d, want 2", n)
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent len = %d, want 2", len(got))
	}
	// oldest-first within the window
	if got[0].Content != "[image]" || got[1].Content != "later" {
		t.Fatalf("unexpected order: %q, %q", got[0].Content, got[1].Content)
	}
}

func TestFileScanSkipsTornLine(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendRevoke(ctx, RevokeEntry{ChatID: "g1", SenderID: "u1", Content: "ok"}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"at":"2026-03-01T12:`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "ok" {
		t.Fatalf("torn line must be skipped, got %+v", got)
	}
}

func TestFileAppendStampsTime(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if err := s.AppendRevoke(ctx, RevokeEntry{ChatID: "g1", SenderID: "u1", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Recent(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].At.IsZero() {
		t.Fatalf("At must be stamped: %+v", got)
	}
}

func TestFileAppendAfterClose(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendRevoke(context.Background(), RevokeEntry{ChatID: "g1"}); err == nil {
		t.Fatal("append after close must fail")
	}
	// double close is a no-op
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
