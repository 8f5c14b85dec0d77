// Package chat reconciles REST-paginated message history with live
// pushed messages: one consistent, deduplicated, time-ordered view of
// the open conversation, and unread accounting for everything else.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loqui-im/loqui/internal/api"
	errs "github.com/loqui-im/loqui/internal/errors"
	"github.com/loqui-im/loqui/internal/realtime"
)

// HistoryService is the REST collaborator contract the synchronizer
// depends on. *api.Client satisfies it.
type HistoryService interface {
	FetchHistory(ctx context.Context, conversationID string, page, size int) (api.HistoryPage, error)
	SendMessage(ctx context.Context, req api.SendMessageRequest) (realtime.ChatMessage, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// View is a snapshot of the open conversation for rendering: merged,
// deduplicated, non-decreasing by sent timestamp. Err carries the last
// load/send failure as a string so the UI can show a retry affordance
// without unwinding anything.
type View struct {
	ConversationID string
	Messages       []realtime.ChatMessage
	HasMore        bool
	Err            string
}

// Conversation merges one conversation's history pages with its live
// pushes. A message id appears at most once no matter how many paths
// deliver it: REST history, the send confirmation, and the push echo
// of that same send all collapse onto the dedup set.
//
// History paging convention: page 0 is the newest page and messages
// within a page are ascending by sentAt, so LoadMore prepends older
// pages in front of what is already held.
type Conversation struct {
	svc    HistoryService
	unread *UnreadTracker
	logger *slog.Logger

	pageSize int

	mu sync.Mutex

	// active is the open conversation id, empty when none. generation
	// increments on every Open/Close and guards against attributing a
	// stale REST response to the wrong conversation.
	active     string
	generation uint64

	messages []realtime.ChatMessage
	seen     map[string]struct{}

	nextPage int
	hasMore  bool
	fetching bool
	lastErr  string
}

// NewConversation creates a synchronizer. unread receives messages for
// conversations other than the open one.
func NewConversation(svc HistoryService, unread *UnreadTracker, pageSize int, logger *slog.Logger) *Conversation {
	if pageSize < 1 {
		pageSize = 30
	}

	return &Conversation{
		svc:      svc,
		unread:   unread,
		logger:   logger,
		pageSize: pageSize,
		seen:     make(map[string]struct{}),
	}
}

// Open marks conversationID active, resets pagination, and fetches the
// newest history page. Held state from a previously open conversation
// is discarded. A failed fetch leaves an error on the view; the
// conversation stays open so the UI can retry via LoadMore.
func (c *Conversation) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("open: empty conversation id")
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.active = conversationID
	c.messages = nil
	c.seen = make(map[string]struct{})
	c.nextPage = 0
	c.hasMore = false
	c.fetching = true
	c.lastErr = ""
	c.mu.Unlock()

	c.unread.ConversationOpened(conversationID)

	if err := c.svc.MarkConversationRead(ctx, conversationID); err != nil {
		// Read receipts are best effort; the server catches up on the
		// next open.
		c.logger.Warn("mark read failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}

	page, err := c.svc.FetchHistory(ctx, conversationID, 0, c.pageSize)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		// The user navigated away (or elsewhere) while the fetch was
		// in flight. Discard the result.
		return nil
	}

	c.fetching = false

	if err != nil {
		// nextPage is still 0, so LoadMore retries the initial page.
		c.hasMore = true
		c.lastErr = err.Error()
		c.logger.Warn("history fetch failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)

		return err
	}

	for _, msg := range page.Messages {
		c.insertLocked(msg)
	}

	c.nextPage = 1
	c.hasMore = page.HasMore
	c.lastErr = ""

	c.logger.Debug("conversation opened",
		slog.String("conversation_id", conversationID),
		slog.Int("messages", len(page.Messages)),
		slog.Bool("has_more", page.HasMore),
	)

	return nil
}

// LoadMore fetches the next older page and prepends it after dedup.
// No-op while another fetch is in flight or when no older pages
// remain. A failed fetch leaves hasMore set so the caller can retry.
func (c *Conversation) LoadMore(ctx context.Context) error {
	c.mu.Lock()

	if c.active == "" {
		c.mu.Unlock()
		return errs.ErrConversationClosed
	}

	if !c.hasMore || c.fetching {
		c.mu.Unlock()
		return nil
	}

	gen := c.generation
	conversationID := c.active
	page := c.nextPage
	c.fetching = true
	c.mu.Unlock()

	res, err := c.svc.FetchHistory(ctx, conversationID, page, c.pageSize)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return nil
	}

	c.fetching = false

	if err != nil {
		// hasMore deliberately unchanged: the page is still there.
		c.lastErr = err.Error()
		return err
	}

	for _, msg := range res.Messages {
		c.insertLocked(msg)
	}

	c.nextPage = page + 1
	c.hasMore = res.HasMore
	c.lastErr = ""

	return nil
}

// OnLiveMessage routes a pushed chat message: into the open view when
// it belongs there, to the unread tracker otherwise.
func (c *Conversation) OnLiveMessage(msg realtime.ChatMessage) {
	c.mu.Lock()

	if c.active == "" || msg.ConversationID != c.active {
		c.mu.Unlock()
		c.unread.OnLiveMessage(msg)

		return
	}

	c.insertLocked(msg)
	c.mu.Unlock()
}

// Send posts a message to the open conversation. On success the
// server-confirmed copy (with the server-assigned id) is inserted
// immediately; that id then suppresses the push echo of the same
// message. On failure the view is left untouched.
func (c *Conversation) Send(ctx context.Context, body string, mediaURLs []string) (realtime.ChatMessage, error) {
	c.mu.Lock()

	if c.active == "" {
		c.mu.Unlock()
		return realtime.ChatMessage{}, errs.ErrConversationClosed
	}

	gen := c.generation
	conversationID := c.active
	c.mu.Unlock()

	kind := realtime.MessageText
	if len(mediaURLs) > 0 {
		kind = realtime.MessageImage
	}

	confirmed, err := c.svc.SendMessage(ctx, api.SendMessageRequest{
		ConversationID: conversationID,
		Body:           body,
		Kind:           kind,
		MediaURLs:      mediaURLs,
		ClientRef:      uuid.NewString(),
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if gen == c.generation {
			c.lastErr = err.Error()
		}

		return realtime.ChatMessage{}, err
	}

	if gen != c.generation {
		// Conversation changed mid-send. The message was delivered;
		// its echo will reach the unread tracker instead.
		return confirmed, nil
	}

	if confirmed.ConversationID == "" {
		confirmed.ConversationID = conversationID
	}

	c.insertLocked(confirmed)
	c.lastErr = ""

	return confirmed, nil
}

// Close discards the view. Live messages for this conversation go back
// to unread accounting; in-flight fetch results are dropped.
func (c *Conversation) Close() {
	c.mu.Lock()
	c.generation++
	c.active = ""
	c.messages = nil
	c.seen = make(map[string]struct{})
	c.nextPage = 0
	c.hasMore = false
	c.fetching = false
	c.lastErr = ""
	c.mu.Unlock()

	c.unread.ConversationClosed()
}

// View returns a snapshot of the open conversation.
func (c *Conversation) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := make([]realtime.ChatMessage, len(c.messages))
	copy(msgs, c.messages)

	return View{
		ConversationID: c.active,
		Messages:       msgs,
		HasMore:        c.hasMore,
		Err:            c.lastErr,
	}
}

// Run consumes a router event stream, feeding chat messages into the
// synchronizer until ctx is cancelled.
func (c *Conversation) Run(ctx context.Context, events <-chan realtime.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.Kind == realtime.KindChat && ev.Chat != nil {
				c.OnLiveMessage(*ev.Chat)
			}
		}
	}
}

// insertLocked adds msg in timestamp order unless its id is already
// held. Appending is the common case (live pushes are almost always
// newest); equal timestamps keep arrival order by inserting after the
// last equal element. Caller holds c.mu.
func (c *Conversation) insertLocked(msg realtime.ChatMessage) {
	if msg.MessageID == "" {
		return
	}

	if _, dup := c.seen[msg.MessageID]; dup {
		return
	}

	c.seen[msg.MessageID] = struct{}{}

	i := len(c.messages)
	for i > 0 && c.messages[i-1].SentAt.After(msg.SentAt) {
		i--
	}

	c.messages = append(c.messages, realtime.ChatMessage{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = msg
}
