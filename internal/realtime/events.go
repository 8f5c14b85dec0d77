package realtime

import "time"

// EventKind classifies a decoded push event.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindChat
	KindNotification
)

func (k EventKind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// MessageKind is the server's tag for what a chat message carries.
type MessageKind string

const (
	MessageText   MessageKind = "TEXT"
	MessageImage  MessageKind = "IMAGE"
	MessageVideo  MessageKind = "VIDEO"
	MessageFile   MessageKind = "FILE"
	MessageDelete MessageKind = "DELETE"
)

// ChatMessage is a single chat message, either pushed over the
// websocket or confirmed by the REST send endpoint. MessageID is the
// dedup key: the same logical message may arrive on both paths.
type ChatMessage struct {
	MessageID      string      `json:"messageId"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderName     string      `json:"senderName,omitempty"`
	ReceiverID     string      `json:"receiverId,omitempty"`
	Body           string      `json:"message,omitempty"`
	MediaURLs      []string    `json:"mediaUrls,omitempty"`
	Kind           MessageKind `json:"messageType,omitempty"`
	SentAt         time.Time   `json:"sentAt"`
}

// Notification is a non-chat push: friend requests, comment replies,
// group invites and the like.
type Notification struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	SenderID    string    `json:"senderId,omitempty"`
	SenderName  string    `json:"senderName,omitempty"`
	Kind        string    `json:"type"`
	Title       string    `json:"title,omitempty"`
	Body        string    `json:"body,omitempty"`
	ReferenceID string    `json:"referenceId,omitempty"`
	Read        bool      `json:"isRead"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Event is the tagged union published by the router. Exactly one of
// Chat/Notification is non-nil for the corresponding kind; unknown
// events carry only the raw type tag and payload so subscribers can
// handle event kinds this client does not model yet.
type Event struct {
	Kind         EventKind
	Chat         *ChatMessage
	Notification *Notification
	RawType      string
	Raw          []byte
	ReceivedAt   time.Time
}
