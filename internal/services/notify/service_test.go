package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "revokeguard/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []Notification
	fail  map[string]error
	delay time.Duration
}

func (f *fakeSender) SendText(ctx context.Context, recipientID, text string) error {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[recipientID]; err != nil {
		return err
	}
	f.sent = append(f.sent, Notification{Recipient: recipientID, Text: text})
	return nil
}

func (f *fakeSender) delivered() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.sent...)
}

type fakeMirror struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeMirror) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestNotifyDelivers(t *testing.T) {
	sender := &fakeSender{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100}, sender, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Notification{Recipient: "admin1", Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(sender.delivered()) == 1 })

	got := sender.delivered()[0]
	if got.Recipient != "admin1" || got.Text != "hi" {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestNotifyDisabled(t *testing.T) {
	s := New(Config{Enabled: false}, &fakeSender{}, nil, logx.Nop())
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Notification{Recipient: "a", Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestNotifyAfterStop(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100}, &fakeSender{}, nil, logx.Nop())
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), Notification{Recipient: "a", Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestPerRecipientFailureIsolation(t *testing.T) {
	sender := &fakeSender{fail: map[string]error{"bad": errors.New("recipient gone")}}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100}, sender, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	ctx := context.Background()
	for _, r := range []string{"good1", "bad", "good2"} {
		if err := s.Notify(ctx, Notification{Recipient: r, Text: "revoked"}); err != nil {
			t.Fatalf("enqueue %s: %v", r, err)
		}
	}
	waitFor(t, func() bool { return len(sender.delivered()) == 2 })

	for _, n := range sender.delivered() {
		if n.Recipient == "bad" {
			t.Fatal("failed recipient must not appear as delivered")
		}
	}

	// history records all three attempts, failure included
	waitFor(t, func() bool { return len(s.Snapshot()) == 3 })
	failures := 0
	for _, h := range s.Snapshot() {
		if h.Err != "" {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("failures in history = %d, want 1", failures)
	}
}

func TestQueueFullDoesNotBlock(t *testing.T) {
	sender := &fakeSender{delay: time.Second}
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 1, RatePerSec: 100}, sender, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	ctx := context.Background()
	sawFull := false
	for i := 0; i < 10; i++ {
		if err := s.Notify(ctx, Notification{Recipient: "a", Text: "x"}); errors.Is(err, ErrQueueFull) {
			sawFull = true
			break
		}
	}
	if !sawFull {
		t.Fatal("expected ErrQueueFull against a saturated queue")
	}
}

func TestMirrorForwarding(t *testing.T) {
	sender := &fakeSender{}
	mirror := &fakeMirror{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100}, sender, mirror, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	ctx := context.Background()
	if err := s.Notify(ctx, Notification{Recipient: "a", Text: "mirrored", Mirror: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Notify(ctx, Notification{Recipient: "a", Text: "plain"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(sender.delivered()) == 2 })
	waitFor(t, func() bool {
		mirror.mu.Lock()
		defer mirror.mu.Unlock()
		return len(mirror.texts) == 1
	})

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if mirror.texts[0] != "mirrored" {
		t.Fatalf("mirror got %q", mirror.texts[0])
	}
}

func TestRestartAfterStopTimeout(t *testing.T) {
	sender := &fakeSender{delay: 300 * time.Millisecond}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100}, sender, nil, logx.Nop())
	s.Start(context.Background())

	if err := s.Notify(context.Background(), Notification{Recipient: "a", Text: "slow"}); err != nil {
		t.Fatal(err)
	}

	// An already-expired ctx forces Stop down its timeout paths; the service
	// must still be startable afterwards.
	expired, cancel := context.WithCancel(context.Background())
	cancel()
	s.Stop(expired)

	s.Start(context.Background())
	if err := s.Notify(context.Background(), Notification{Recipient: "a", Text: "again"}); err != nil {
		t.Fatalf("notify after restart: %v", err)
	}
	waitFor(t, func() bool {
		for _, n := range sender.delivered() {
			if n.Text == "again" {
				return true
			}
		}
		return false
	})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
}

func TestStopDrainsQueue(t *testing.T) {
	sender := &fakeSender{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100}, sender, nil, logx.Nop())
	s.Start(context.Background())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Notify(ctx, Notification{Recipient: "a", Text: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(stopCtx)

	if got := len(sender.delivered()); got != 5 {
		t.Fatalf("delivered = %d, want 5 (queue drained on stop)", got)
	}
}
