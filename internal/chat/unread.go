package chat

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/loqui-im/loqui/internal/realtime"
	"github.com/loqui-im/loqui/internal/state"
)

// previewMaxRunes caps the stored last-message preview.
const previewMaxRunes = 80

// Badge is one conversation's unread counter and last-message preview.
type Badge struct {
	ConversationID string
	Unread         int
	Preview        string
	LastSender     string
	LastAt         time.Time
}

// UnreadTracker maintains unread counters and previews for every
// conversation that is not currently open. Counters only ever reset
// through an explicit open; they are never decremented piecemeal.
type UnreadTracker struct {
	logger *slog.Logger
	store  *state.Store

	mu     sync.Mutex
	active string
	badges map[string]*Badge
}

// NewUnreadTracker creates a tracker. store may be nil (no
// persistence); when present, previously persisted previews are
// restored so conversation lists are not blank after a restart.
func NewUnreadTracker(store *state.Store, logger *slog.Logger) *UnreadTracker {
	t := &UnreadTracker{
		logger: logger,
		store:  store,
		badges: make(map[string]*Badge),
	}

	if store != nil {
		marks, err := store.ReadMarks()
		if err != nil {
			logger.Warn("restoring read marks", slog.String("error", err.Error()))
			return t
		}

		for _, m := range marks {
			t.badges[m.ConversationID] = &Badge{
				ConversationID: m.ConversationID,
				Preview:        m.Preview,
				LastAt:         time.UnixMilli(m.LastReadAt),
			}
		}
	}

	return t
}

// OnLiveMessage records a pushed message against its conversation's
// badge. Messages for the active conversation never touch the counter;
// the open view already shows them.
func (t *UnreadTracker) OnLiveMessage(msg realtime.ChatMessage) {
	if msg.ConversationID == "" {
		return
	}

	preview := buildPreview(msg)

	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.badges[msg.ConversationID]
	if !ok {
		b = &Badge{ConversationID: msg.ConversationID}
		t.badges[msg.ConversationID] = b
	}

	b.Preview = preview
	b.LastSender = msg.SenderName
	b.LastAt = msg.SentAt

	if msg.ConversationID == t.active {
		return
	}

	b.Unread++
}

// ConversationOpened zeroes the conversation's counter and marks it
// active, mirroring the server-side mark-as-read the REST collaborator
// performs.
func (t *UnreadTracker) ConversationOpened(conversationID string) {
	t.mu.Lock()
	t.active = conversationID

	var preview string

	if b, ok := t.badges[conversationID]; ok {
		b.Unread = 0
		preview = b.Preview
	}
	t.mu.Unlock()

	if t.store == nil {
		return
	}

	err := t.store.SetReadMark(state.ReadMark{
		ConversationID: conversationID,
		LastReadAt:     time.Now().UnixMilli(),
		Preview:        preview,
	})
	if err != nil {
		t.logger.Warn("persisting read mark",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}
}

// ConversationClosed clears the active marker; subsequent messages for
// the formerly open conversation count as unread again.
func (t *UnreadTracker) ConversationClosed() {
	t.mu.Lock()
	t.active = ""
	t.mu.Unlock()
}

// Unread returns the current counter for a conversation.
func (t *UnreadTracker) Unread(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.badges[conversationID]; ok {
		return b.Unread
	}

	return 0
}

// Badges returns a snapshot of all badges, most recent activity first.
func (t *UnreadTracker) Badges() []Badge {
	t.mu.Lock()

	out := make([]Badge, 0, len(t.badges))
	for _, b := range t.badges {
		out = append(out, *b)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAt.After(out[j].LastAt)
	})

	return out
}

// buildPreview derives the conversation-list preview text for a
// message. Text is NFC-normalized so visually identical strings render
// identically regardless of which device composed them, then truncated
// by rune count.
func buildPreview(msg realtime.ChatMessage) string {
	switch msg.Kind {
	case realtime.MessageImage:
		return "[image]"
	case realtime.MessageVideo:
		return "[video]"
	case realtime.MessageFile:
		return "[file]"
	case realtime.MessageDelete:
		return "[message deleted]"
	}

	text := norm.NFC.String(strings.TrimSpace(msg.Body))

	runes := []rune(text)
	if len(runes) > previewMaxRunes {
		text = string(runes[:previewMaxRunes-1]) + "…"
	}

	return text
}
