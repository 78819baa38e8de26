package antirevoke

import (
	"strings"
	"testing"
	"time"

	logx "revokeguard/pkg/logx"
)

func newTestPlugin(admins ...string) *Plugin {
	p := New()
	p.Log = logx.Nop()
	p.cfg = settings{
		admins:        admins,
		cacheTimeout:  defaultCacheTimeout,
		sweepInterval: defaultSweepInterval,
	}
	return p
}

func revokePayload(oldID, newID, replace string) string {
	return `<sysmsg type="revokemsg"><revokemsg><session>g1</session><msgid>` + oldID +
		`</msgid><newmsgid>` + newID + `</newmsgid><replacemsg>` + replace +
		`</replacemsg></revokemsg></sysmsg>`
}

func TestParseRevoke(t *testing.T) {
	ev, ok := parseRevoke(revokePayload("old1", "m1", "「Alice」 recalled a message"))
	if !ok {
		t.Fatal("expected parse")
	}
	if ev.OldMsgID != "old1" || ev.NewMsgID != "m1" {
		t.Fatalf("unexpected ids: %+v", ev)
	}
	if ev.ReplaceMsg != "「Alice」 recalled a message" {
		t.Fatalf("unexpected replacemsg: %q", ev.ReplaceMsg)
	}
}

func TestParseRevokeMalformed(t *testing.T) {
	for _, payload := range []string{
		"",
		"revokemsg without xml",
		"<revokemsg><msgid>1</msgid>",
		"<revokemsg></revokemsg>",
		"<sysmsg type=\"pat\"><pat><fromusername>u1</fromusername></pat></sysmsg>",
	} {
		if _, ok := parseRevoke(payload); ok {
			t.Fatalf("payload %q must not parse", payload)
		}
	}
}

func TestHandleRevokeGroupRoundTrip(t *testing.T) {
	p := newTestPlugin("admin1", "admin2")
	p.cache.put("m1", cachedMessage{
		Content: "hello", SenderID: "u1", SenderName: "Alice", ChatID: "g1", IsGroup: true,
	})

	req, ok := p.handleRevoke(revokePayload("old1", "m1", ""))
	if !ok {
		t.Fatal("expected correlation")
	}
	if len(req.recipients) != 2 || req.recipients[0] != "admin1" {
		t.Fatalf("unexpected recipients: %v", req.recipients)
	}
	for _, want := range []string{"g1", "Alice", "u1", "hello"} {
		if !strings.Contains(req.text, want) {
			t.Fatalf("notification %q missing %q", req.text, want)
		}
	}
	if _, cached := p.cache.get("m1"); cached {
		t.Fatal("entry must be consumed after correlation")
	}
}

func TestHandleRevokeOneShot(t *testing.T) {
	p := newTestPlugin("admin1")
	p.cache.put("m1", cachedMessage{Content: "hello", SenderID: "u1", ChatID: "g1", IsGroup: true})

	if _, ok := p.handleRevoke(revokePayload("old1", "m1", "")); !ok {
		t.Fatal("first revoke must correlate")
	}
	if _, ok := p.handleRevoke(revokePayload("old1", "m1", "")); ok {
		t.Fatal("second revoke for the same id must miss")
	}
}

func TestHandleRevokeDirectFormat(t *testing.T) {
	p := newTestPlugin("admin1")
	p.cache.put("m2", cachedMessage{Content: "[image]", SenderID: "u2", ChatID: "u2", IsGroup: false})

	req, ok := p.handleRevoke(revokePayload("old2", "m2", ""))
	if !ok {
		t.Fatal("expected correlation")
	}
	if req.text != "u2 (u2) revoked a message: [image]" {
		t.Fatalf("unexpected text: %q", req.text)
	}
}

func TestHandleRevokeNameFallback(t *testing.T) {
	p := newTestPlugin("admin1")

	// cached name wins over the replacement text
	p.cache.put("m1", cachedMessage{Content: "a", SenderID: "u1", SenderName: "Cached", ChatID: "g1", IsGroup: true})
	req, _ := p.handleRevoke(revokePayload("o", "m1", "「Quoted」 recalled a message"))
	if !strings.Contains(req.text, "Cached") || strings.Contains(req.text, "Quoted") {
		t.Fatalf("cached name must win: %q", req.text)
	}

	// replacement brackets next
	p.cache.put("m2", cachedMessage{Content: "b", SenderID: "u1", ChatID: "g1", IsGroup: true})
	req, _ = p.handleRevoke(revokePayload("o", "m2", "「Quoted」 recalled a message"))
	if !strings.Contains(req.text, "Quoted") {
		t.Fatalf("replacement name expected: %q", req.text)
	}

	// sender id last
	p.cache.put("m3", cachedMessage{Content: "c", SenderID: "u1", ChatID: "g1", IsGroup: true})
	req, _ = p.handleRevoke(revokePayload("o", "m3", "someone recalled a message"))
	if !strings.Contains(req.text, "group u1 (u1)") {
		t.Fatalf("sender id fallback expected: %q", req.text)
	}
}

func TestHandleRevokeMissAndNonRevoke(t *testing.T) {
	p := newTestPlugin("admin1")

	if _, ok := p.handleRevoke(revokePayload("o", "unknown", "")); ok {
		t.Fatal("unknown id must not correlate")
	}
	if _, ok := p.handleRevoke("<sysmsg type=\"pat\"><pat></pat></sysmsg>"); ok {
		t.Fatal("non-revoke system message must be ignored")
	}
	if _, ok := p.handleRevoke("plain text, nothing to see"); ok {
		t.Fatal("plain text must be ignored")
	}
}

func TestHandleRevokeExpiredEntry(t *testing.T) {
	now := time.Unix(1000, 0)
	p := newTestPlugin("admin1")
	p.cache.now = func() time.Time { return now }

	p.cache.put("m1", cachedMessage{Content: "hello", SenderID: "u1", ChatID: "g1", IsGroup: true})
	now = now.Add(defaultCacheTimeout)

	if _, ok := p.handleRevoke(revokePayload("o", "m1", "")); ok {
		t.Fatal("expired entry must not correlate")
	}
}

func TestHandleRevokeNoAdmins(t *testing.T) {
	p := newTestPlugin()
	p.cache.put("m1", cachedMessage{Content: "hello", SenderID: "u1", ChatID: "g1", IsGroup: true})

	if _, ok := p.handleRevoke(revokePayload("o", "m1", "")); ok {
		t.Fatal("empty admin list must drop the notification")
	}
	// the entry is still consumed
	if _, cached := p.cache.get("m1"); cached {
		t.Fatal("entry must be consumed even when delivery is dropped")
	}
}
