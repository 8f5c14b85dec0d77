package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	errs "github.com/loqui-im/loqui/internal/errors"
	"github.com/loqui-im/loqui/internal/realtime"
)

// Session is the identity issued by a successful login.
type Session struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// HistoryPage is one page of conversation history, newest page first.
// HasMore is true while older pages remain.
type HistoryPage struct {
	Messages []realtime.ChatMessage `json:"messages"`
	HasMore  bool                   `json:"hasMore"`
}

// SendMessageRequest addresses a message to exactly one of a known
// conversation, a direct receiver, or a group.
type SendMessageRequest struct {
	ConversationID string               `json:"conversationId,omitempty"`
	ReceiverID     string               `json:"receiverId,omitempty"`
	GroupID        string               `json:"groupId,omitempty"`
	Body           string               `json:"message"`
	Kind           realtime.MessageKind `json:"messageType"`
	MediaURLs      []string             `json:"mediaUrls,omitempty"`

	// ClientRef is a client-generated id letting the server detect a
	// retried send. The server-assigned messageId in the response is
	// still the canonical dedup key.
	ClientRef string `json:"clientRef,omitempty"`
}

type notificationsPage struct {
	Notifications []realtime.Notification `json:"notifications"`
	HasMore       bool                    `json:"hasMore"`
}

// Login exchanges email/password for a session.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	in := map[string]string{
		"email":      email,
		"password":   password,
		"deviceName": c.device,
	}

	var out Session

	err := c.do(ctx, http.MethodPost, "/api/auth/login", in, &out)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidToken) {
			return Session{}, errs.ErrInvalidCredentials
		}

		return Session{}, fmt.Errorf("logging in: %w", err)
	}

	if out.UserID == "" || out.Token == "" {
		return Session{}, fmt.Errorf("%w: login response missing userId or token", errs.ErrAPIResponse)
	}

	c.SetToken(out.Token)

	return out, nil
}

// FetchHistory returns one page of a conversation's message history.
// Page 0 is the newest page; higher pages are older.
func (c *Client) FetchHistory(ctx context.Context, conversationID string, page, size int) (HistoryPage, error) {
	path := fmt.Sprintf("/api/conversations/%s/messages?page=%d&size=%d",
		url.PathEscape(conversationID), page, size)

	var out HistoryPage

	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return HistoryPage{}, fmt.Errorf("fetching history page %d: %w", page, err)
	}

	return out, nil
}

// SendMessage posts a message and returns the server-confirmed copy
// carrying the server-assigned message id.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (realtime.ChatMessage, error) {
	if req.ConversationID == "" && req.ReceiverID == "" && req.GroupID == "" {
		return realtime.ChatMessage{}, fmt.Errorf("%w: send request has no destination", errs.ErrAPIRequest)
	}

	if req.Kind == "" {
		req.Kind = realtime.MessageText
	}

	var out realtime.ChatMessage

	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &out); err != nil {
		return realtime.ChatMessage{}, fmt.Errorf("sending message: %w", err)
	}

	if out.MessageID == "" {
		return realtime.ChatMessage{}, fmt.Errorf("%w: send response missing messageId", errs.ErrAPIResponse)
	}

	return out, nil
}

// MarkConversationRead tells the server the conversation has been
// opened, zeroing its unread counter server-side.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"

	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("marking conversation read: %w", err)
	}

	return nil
}

// FetchNotifications returns one page of the user's notification feed.
func (c *Client) FetchNotifications(ctx context.Context, page, size int) ([]realtime.Notification, bool, error) {
	path := fmt.Sprintf("/api/notifications?page=%d&size=%d", page, size)

	var out notificationsPage

	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, false, fmt.Errorf("fetching notifications page %d: %w", page, err)
	}

	return out.Notifications, out.HasMore, nil
}
