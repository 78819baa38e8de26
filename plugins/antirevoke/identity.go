package antirevoke

import (
	"encoding/xml"
	"strings"
)

// senderNickname extracts the sender's display name from the message's raw
// source metadata. The blob is platform-defined and frequently absent or
// malformed; every failure path falls back to fallback (normally the opaque
// sender id). It never fails.
func senderNickname(msgSource, fallback string) string {
	if !strings.Contains(msgSource, "<msgsource>") {
		return fallback
	}
	if nick := firstElementText(msgSource, "nick"); nick != "" {
		return nick
	}
	return fallback
}

// nicknameFromReplacement scans platform-supplied replacement text for a
// display name quoted in corner brackets, e.g. `「Alice」 recalled a message`.
// Returns "" when no well-ordered bracket pair is present.
func nicknameFromReplacement(text string) string {
	const openMark, closeMark = "「", "」"
	start := strings.Index(text, openMark)
	end := strings.Index(text, closeMark)
	if start == -1 || end == -1 || start >= end {
		return ""
	}
	return text[start+len(openMark) : end]
}

// firstElementText returns the character data of the first element with the
// given local name, anywhere in doc. The decoder stays strict: source
// metadata that does not parse cleanly is treated as carrying no name at
// all, so the caller falls back to the sender id.
func firstElementText(doc, name string) string {
	dec := xml.NewDecoder(strings.NewReader(doc))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != name {
			continue
		}
		var text string
		if err := dec.DecodeElement(&text, &se); err != nil {
			return ""
		}
		return text
	}
}
