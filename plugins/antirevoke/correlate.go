package antirevoke

import (
	"encoding/xml"
	"fmt"
	"strings"

	logx "revokeguard/pkg/logx"
)

// revokeMarker is the cheap pre-filter applied before structured parsing.
const revokeMarker = "revokemsg"

// revokeEvent is the parsed form of the platform's revoke payload.
//
// The payload carries two identifiers: msgid (the id before revocation,
// informational only) and newmsgid, which matches the id the original
// message was cached under. Lookups must use newmsgid.
type revokeEvent struct {
	OldMsgID   string `xml:"msgid"`
	NewMsgID   string `xml:"newmsgid"`
	ReplaceMsg string `xml:"replacemsg"`
}

// parseRevoke locates the revokemsg element anywhere in the system-message
// payload and decodes it. Returns false for anything malformed or missing;
// it never fails loudly, per the platform-parsing contract.
func parseRevoke(payload string) (revokeEvent, bool) {
	dec := xml.NewDecoder(strings.NewReader(payload))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return revokeEvent{}, false
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != revokeMarker {
			continue
		}
		var ev revokeEvent
		if err := dec.DecodeElement(&ev, &se); err != nil {
			return revokeEvent{}, false
		}
		if ev.NewMsgID == "" {
			return revokeEvent{}, false
		}
		return ev, true
	}
}

// notificationRequest is a fully composed revoke notification, ready for
// per-recipient delivery.
type notificationRequest struct {
	recipients []string
	text       string

	// audit fields
	entry cachedMessage
	name  string
}

// handleRevoke correlates a raw system-message payload against the cache.
//
// Every failure mode (not a revoke, malformed payload, cache miss, empty
// admin list) results in (nil, false); none of them is an error to the
// caller. On a hit the cache entry is consumed: a second revoke event for
// the same id finds nothing.
func (p *Plugin) handleRevoke(payload string) (*notificationRequest, bool) {
	if !strings.Contains(payload, revokeMarker) {
		return nil, false
	}

	ev, ok := parseRevoke(payload)
	if !ok {
		p.Log.Warn("unparseable revoke payload")
		return nil, false
	}

	entry, ok := p.cache.get(ev.NewMsgID)
	if !ok {
		// Expected and frequent: the message predates this process, or the
		// entry already expired or was consumed.
		p.Log.Debug("no cached original for revoke",
			logx.String("old_msg_id", ev.OldMsgID), logx.String("new_msg_id", ev.NewMsgID))
		return nil, false
	}

	// Display-name fallback order: cached name, then the name quoted in the
	// replacement text, then the raw sender id.
	name := entry.SenderName
	if name == "" {
		name = nicknameFromReplacement(ev.ReplaceMsg)
	}
	if name == "" {
		name = entry.SenderID
	}

	text := formatNotification(entry, name)

	// Correlation is one-shot: consume the entry before delivery is even
	// attempted, so retries and duplicate revoke events drop at the lookup.
	p.cache.remove(ev.NewMsgID)

	admins := p.snapshot().admins
	if len(admins) == 0 {
		p.Log.Error("admin list is empty, dropping revoke notification",
			logx.String("chat_id", entry.ChatID))
		return nil, false
	}

	p.Log.Info("revoke correlated",
		logx.String("new_msg_id", ev.NewMsgID),
		logx.String("chat_id", entry.ChatID),
		logx.String("sender_id", entry.SenderID),
		logx.Bool("is_group", entry.IsGroup))

	return &notificationRequest{recipients: admins, text: text, entry: entry, name: name}, true
}

func formatNotification(m cachedMessage, name string) string {
	if m.IsGroup {
		return fmt.Sprintf("%s group %s (%s) revoked a message: %s", m.ChatID, name, m.SenderID, m.Content)
	}
	return fmt.Sprintf("%s (%s) revoked a message: %s", name, m.SenderID, m.Content)
}
