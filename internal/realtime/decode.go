package realtime

import (
	"time"

	"github.com/tidwall/gjson"
)

// Decode classifies one raw inbound text frame into an Event.
//
// The push server does not use a uniform envelope across event kinds,
// so classification is structural: fields are presence-tested in a
// fixed priority order, first match wins.
//
//  1. a message id or chat id field -> chat message
//  2. both a "type" and an "id" field -> notification
//  3. anything else that parses -> unknown event, published with its
//     raw type tag for forward compatibility
//
// Returns ok=false for frames that are not a JSON object. Those are
// dropped by the caller; a malformed frame must never stop the
// pipeline.
func Decode(data []byte, receivedAt time.Time) (Event, bool) {
	if !gjson.ValidBytes(data) {
		return Event{}, false
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Event{}, false
	}

	if root.Get("messageId").Exists() || root.Get("chatId").Exists() {
		return Event{
			Kind:       KindChat,
			Chat:       decodeChat(root, receivedAt),
			ReceivedAt: receivedAt,
		}, true
	}

	if root.Get("type").Exists() && root.Get("id").Exists() {
		return Event{
			Kind:         KindNotification,
			Notification: decodeNotification(root, receivedAt),
			ReceivedAt:   receivedAt,
		}, true
	}

	raw := make([]byte, len(data))
	copy(raw, data)

	return Event{
		Kind:       KindUnknown,
		RawType:    root.Get("type").Str,
		Raw:        raw,
		ReceivedAt: receivedAt,
	}, true
}

func decodeChat(root gjson.Result, receivedAt time.Time) *ChatMessage {
	conversationID := root.Get("conversationId").Str
	if conversationID == "" {
		// Older server builds key direct chats by chatId only.
		conversationID = root.Get("chatId").Str
	}

	kind := MessageKind(root.Get("messageType").Str)
	if kind == "" {
		kind = MessageText
	}

	var media []string

	for _, u := range root.Get("mediaUrls").Array() {
		if u.Str != "" {
			media = append(media, u.Str)
		}
	}

	return &ChatMessage{
		MessageID:      root.Get("messageId").Str,
		ConversationID: conversationID,
		SenderID:       root.Get("senderId").Str,
		SenderName:     root.Get("senderName").Str,
		ReceiverID:     root.Get("receiverId").Str,
		Body:           root.Get("message").Str,
		MediaURLs:      media,
		Kind:           kind,
		SentAt:         decodeTime(root.Get("sentAt"), receivedAt),
	}
}

func decodeNotification(root gjson.Result, receivedAt time.Time) *Notification {
	return &Notification{
		ID:          root.Get("id").Str,
		UserID:      root.Get("userId").Str,
		SenderID:    root.Get("senderId").Str,
		SenderName:  root.Get("senderName").Str,
		Kind:        root.Get("type").Str,
		Title:       root.Get("title").Str,
		Body:        root.Get("body").Str,
		ReferenceID: root.Get("referenceId").Str,
		Read:        root.Get("isRead").Bool(),
		CreatedAt:   decodeTime(root.Get("createdAt"), receivedAt),
	}
}

// decodeTime parses a server timestamp which may be RFC3339 text or
// unix milliseconds. Falls back to the physical receipt time so a
// missing timestamp still sorts a live push after held history.
func decodeTime(v gjson.Result, fallback time.Time) time.Time {
	switch v.Type {
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
			return t
		}

		if t, err := time.Parse(time.RFC3339, v.Str); err == nil {
			return t
		}
	case gjson.Number:
		return time.UnixMilli(v.Int())
	}

	return fallback
}
