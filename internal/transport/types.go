package transport

import "context"

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// Message is a platform-neutral inbound message.
//
// The gateway issues two identifiers per message: MsgID (the id the sender
// saw at send time) and NewMsgID (the id the server assigned after relay).
// Revoke payloads reference NewMsgID, so NewMsgID is the stable correlation
// key for a message's lifetime.
type Message struct {
	MsgID    string
	NewMsgID string
	ChatID   string
	SenderID string
	IsGroup  bool
	Kind     MessageKind

	// Content is the message text for KindText, and the raw XML payload for
	// KindSystem. Empty for media kinds.
	Content string

	// FileName is set for KindFile when the gateway reports one.
	FileName string

	// MsgSource is the raw XML-like source metadata attached by the platform.
	// Parsed defensively; may be absent or malformed.
	MsgSource string
}

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Adapter is the narrow surface the host consumes from a chat platform.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, recipientID string, text string) error
}
