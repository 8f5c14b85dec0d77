package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqui-im/loqui/internal/api"
	errs "github.com/loqui-im/loqui/internal/errors"
	"github.com/loqui-im/loqui/internal/realtime"
)

var base = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func ts(i int) time.Time { return base.Add(time.Duration(i) * time.Second) }

func msg(id, conv, body string, at time.Time) realtime.ChatMessage {
	return realtime.ChatMessage{
		MessageID:      id,
		ConversationID: conv,
		SenderID:       "u2",
		Body:           body,
		Kind:           realtime.MessageText,
		SentAt:         at,
	}
}

// fakeHistory is a scripted HistoryService.
type fakeHistory struct {
	mu sync.Mutex

	pages    map[int]api.HistoryPage
	fetchErr map[int]error
	fetches  []int

	sendResult realtime.ChatMessage
	sendErr    error
	sendReqs   []api.SendMessageRequest

	marked []string

	// block, when non-nil, gates FetchHistory so tests can hold a
	// fetch in flight.
	block chan struct{}
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		pages:    make(map[int]api.HistoryPage),
		fetchErr: make(map[int]error),
	}
}

func (f *fakeHistory) FetchHistory(_ context.Context, _ string, page, _ int) (api.HistoryPage, error) {
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches = append(f.fetches, page)

	if err := f.fetchErr[page]; err != nil {
		return api.HistoryPage{}, err
	}

	return f.pages[page], nil
}

func (f *fakeHistory) SendMessage(_ context.Context, req api.SendMessageRequest) (realtime.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sendReqs = append(f.sendReqs, req)

	if f.sendErr != nil {
		return realtime.ChatMessage{}, f.sendErr
	}

	return f.sendResult, nil
}

func (f *fakeHistory) MarkConversationRead(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.marked = append(f.marked, conversationID)

	return nil
}

func newTestConversation(t *testing.T, svc HistoryService) (*Conversation, *UnreadTracker) {
	t.Helper()

	unread := NewUnreadTracker(nil, slog.Default())

	return NewConversation(svc, unread, 30, slog.Default()), unread
}

func messageIDs(v View) []string {
	ids := make([]string, len(v.Messages))
	for i, m := range v.Messages {
		ids[i] = m.MessageID
	}

	return ids
}

// --- Open ---

func TestOpen_FetchesNewestPage(t *testing.T) {
	svc := newFakeHistory()
	svc.pages[0] = api.HistoryPage{
		Messages: []realtime.ChatMessage{msg("m1", "c1", "a", ts(1)), msg("m2", "c1", "b", ts(2))},
		HasMore:  true,
	}

	c, _ := newTestConversation(t, svc)

	require.NoError(t, c.Open(context.Background(), "c1"))

	v := c.View()
	assert.Equal(t, "c1", v.ConversationID)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(v))
	assert.True(t, v.HasMore)
	assert.Empty(t, v.Err)
	assert.Equal(t, []string{"c1"}, svc.marked)
}

func TestOpen_EmptyID(t *testing.T) {
	c, _ := newTestConversation(t, newFakeHistory())
	assert.Error(t, c.Open(context.Background(), ""))
}

func TestOpen_FetchFailureSurfacesError(t *testing.T) {
	svc := newFakeHistory()
	svc.fetchErr[0] = errors.New("503 from history")

	c, _ := newTestConversation(t, svc)

	err := c.Open(context.Background(), "c1")
	require.Error(t, err)

	v := c.View()
	assert.Equal(t, "c1", v.ConversationID, "conversation stays open for retry")
	assert.Contains(t, v.Err, "503")
	assert.Empty(t, v.Messages)
	assert.True(t, v.HasMore, "initial page remains fetchable")
}

func TestOpen_FetchFailureRetryableViaLoadMore(t *testing.T) {
	svc := newFakeHistory()
	svc.fetchErr[0] = errors.New("503 from history")

	c, _ := newTestConversation(t, svc)
	require.Error(t, c.Open(context.Background(), "c1"))

	// The server recovers; LoadMore retries the initial page.
	svc.mu.Lock()
	delete(svc.fetchErr, 0)
	svc.pages[0] = api.HistoryPage{
		Messages: []realtime.ChatMessage{msg("m1", "c1", "a", ts(1))},
		HasMore:  false,
	}
	svc.mu.Unlock()

	require.NoError(t, c.LoadMore(context.Background()))

	v := c.View()
	assert.Equal(t, []string{"m1"}, messageIDs(v))
	assert.False(t, v.HasMore)
	assert.Empty(t, v.Err)
	assert.Equal(t, []int{0, 0}, svc.fetches)
}

func TestOpen_ReplacesPreviousConversation(t *testing.T) {
	svc := newFakeHistory()
	svc.pages[0] = api.HistoryPage{Messages: []realtime.ChatMessage{msg("m1", "c1", "a", ts(1))}}

	c, _ := newTestConversation(t, svc)
	require.NoError(t, c.Open(context.Background(), "c1"))

	svc.mu.Lock()
	svc.pages[0] = api.HistoryPage{Messages: []realtime.ChatMessage{msg("x1", "c2", "z", ts(5))}}
	svc.mu.Unlock()

	require.NoError(t, c.Open(context.Background(), "c2"))

	v := c.View()
	assert.Equal(t, "c2", v.ConversationID)
	assert.Equal(t, []string{"x1"}, messageIDs(v))
}

// --- LoadMore ---

func TestLoadMore_PrependsOlderPage(t *testing.T) {
	svc := newFakeHistory()
	svc.pages[0] = api.HistoryPage{
		Messages: []realtime.ChatMessage{msg("m3", "c1", "c", ts(3)), msg("m4", "c1", "d", ts(4))},
		HasMore:  true,
	}
	// The older page overlaps at m3; dedup must collapse it.
	svc.pages[1] = api.HistoryPage{
		Messages: []realtime.ChatMessage{msg("m1", "c1", "a", ts(1)), msg("m2", "c1", "b", ts(2)), msg("m3", "c1", "c", ts(3))},
		HasMore:  false,
	}

	c, _ := newTestConversation(t, svc)
	require.NoError(t, c.Open(context.Background(), "c1"))
	require.NoError(t, c.LoadMore(context.Background()))

	v := c.View()
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, messageIDs(v))
	assert.False(t, v.HasMore)
}

func TestLoadMore_NoopWithoutMorePages(t *testing.T) {
	svc := newFakeHistory()
	svc.pages[0] = api.HistoryPage{HasMore: false}

	c, _ := newTestConversation(t, svc)
	require.NoError(t, c.Open(context.Background(), "c1"))
	require.NoError(t, c.LoadMore(context.Background()))

	assert.Equal(t, []int{0}, svc.fetches, "no fetch when hasMore is false")
}

func TestLoadMore_WhenClosed(t *testing.T) {
	c, _ := newTestConversation(t, newFakeHistory())
	assert.ErrorIs(t, c.LoadMore(context.Background()), errs.ErrConversationClosed)
}

func TestLoadMore_FailurePreservesStateAndAllowsRetry(t *testing.T) {
	svc := newFakeHistory()
	svc.pages[0] = api.HistoryPage{
		Messages: []realtime.ChatMessage{msg("m3", "c1", "c", ts(3))},
		HasMore:  true,
	}
	svc.fetchErr[1] = errors.New("timeout")

	c, _ := newTestConversation(t, svc)
	require.NoError(t, c.Open(context.Background(), "c1"))
	require.Error(t, c.LoadMore(context.Background()))

	v := c.View()
	assert.Equal(t, []string{"m3"}, messageIDs(v), "held messages preserved")
	assert.True(t, v.HasMore, "hasMore unchanged so retry is possible")
	assert.Contains(t, v.Err, "timeout")

	// Retry succeeds once the server recovers.
	svc.mu.Lock()
	delete(svc.fetchErr, 1)
	svc.pages[1] = api.HistoryPage{Messages: []realtime.ChatMessage{msg("m2", "c1", "b", ts(2))}}
	svc.mu.Unlock()

	require.NoError(t, c.LoadMore(context.Background()))
	assert.Equal(t, []string{"m2", "m3"}, messageIDs(c.View()))
	assert.Empty(t, c.View().Err)
}

// --- live messages ---

func TestOnLiveMessage_AppendsToActiveConversation(t *testing.T) {
	svc := newFakeHistory()
	svc.pages[0] = api.HistoryPage{Messages: []realtime.ChatMessage{msg("m1", "c1", "a", ts(1))}}

	c, _ := newTestConversation(t, svc)
	require.NoError(t, c.Open(context.Background(), "c1"))

	c.OnLiveMessage(msg("m2", "c1", "b", ts(2)))

	assert.Equal(t, []string{"m1", "m2"}, messageIDs(c.View()))
}

func TestOnLiveMessage_DuplicateIDDropped(t *testing.T) {
	c, _ := newTestConversation(t, newFakeHistory())
	require.NoError(t, c.Open(context.Background(), "c1"))

	c.OnLiveMessage(msg("m1", "c1", "hi", ts(1)))
	c.OnLiveMessage(msg("m1", "c1", "hi", ts(1)))

	assert.Equal(t, []string{"m1"}, messageIDs(c.View()))
}

func TestOnLiveMessage_OutOfOrderInsertedByTimestamp(t *testing.T) {
	c, _ := newTestConversation(t, newFakeHistory())
	require.NoError(t, c.Open(context.Background(), "c1"))

	c.OnLiveMessage(msg("m3", "c1", "c", ts(3)))
	c.OnLiveMessage(msg("m1", "c1", "a", ts(1)))

	v := c.View()
	assert.Equal(t, []string{"m1", "m3"}, messageIDs(v))

	for i := 1; i < len(v.Messages); i++ {
		assert.False(t, v.Messages[i].SentAt.Before(v.Messages[i-1].SentAt),
			"timestamps must be non-decreasing")
	}
}

func TestOnLiveMessage_EqualTimestampsKeepArrivalOrder(t *testing.T) {
	c, _ := newTestConversation(t, newFakeHistory())
	require.NoError(t, c.Open(context.Background(), "c1"))

	c.OnLiveMessage(msg("m1", "c1", "first", ts(1)))
	c.OnLiveMessage(msg("m2", "c1", "second", ts(1)))

	assert.Equal(t, []string{"m1", "m2"}, messageIDs(c.View()))
}

func TestOnLiveMessage_OtherConversationGoesToUnread(t *testing.T) {
	c, unread := newTestConversation(t, newFakeHistory())
	require.NoError(t, c.Open(context.Background(), "a"))

	c.OnLiveMessage(msg("m1", "a", "for the open view", ts(1)))
	c.OnLiveMessage(msg("m2", "b", "for the badge", ts(2)))

	assert.Equal(t, []string{"m1"}, messageIDs(c.View()))
	assert.Equal(t, 0, unread.Unread("a"), "active conversation never counts unread")
	assert.Equal(t, 1, unread.Unread("b"))
}

func TestOnLiveMessage_NoActiveConversation(t *testing.T) {
	c, unread := newTestConversation(t, newFakeHistory())

	c.OnLiveMessage(msg("m1", "c1", "hi", ts(1)))

	assert.Equal(t, 1, unread.Unread("c1"))
}

// --- Send ---

func TestSend_InsertsConfirmedMessage(t *testing.T) {
	svc := newFakeHistory()
	svc.sendResult = msg("m2", "c1", "hello", ts(2))

	c, _ := newTestConversation(t, svc)
	require.NoError(t, c.Open(context.Background(), "c1"))

	confirmed, err := c.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "m2", confirmed.MessageID)
	assert.Equal(t, []string{"m2"}, messageIDs(c.View()))

	require.Len(t, svc.sendReqs, 1)
	assert.Equal(t, "c1", svc.sendReqs[0].ConversationID)
	assert.Equal(t, "hello", svc.sendReqs[0].Body)
	assert.NotEmpty(t, svc.sendReqs[0].ClientRef)
}

func TestSend_EchoSuppressedByServerID(t *testing.T) {
	svc := newFakeHistory()
	svc.sendResult = msg("m2", "c1", "hello", ts(2))

	c, _ := newTestConversation(t, svc)
	require.NoError(t, c.Open(context.Background(), "c1"))

	_, err := c.Send(context.Background(), "hello", nil)
	require.NoError(t, err)

	// The websocket echo of the same send arrives with the same
	// server-assigned id.
	c.OnLiveMessage(msg("m2", "c1", "hello", ts(2)))

	v := c.View()
	require.Equal(t, []string{"m2"}, messageIDs(v))
	assert.Equal(t, "hello", v.Messages[0].Body)
}

func TestSend_FailureLeavesViewUntouched(t *testing.T) {
	svc := newFakeHistory()
	svc.pages[0] = api.HistoryPage{Messages: []realtime.ChatMessage{msg("m1", "c1", "a", ts(1))}}
	svc.sendErr = errors.New("500 from send")

	c, _ := newTestConversation(t, svc)
	require.NoError(t, c.Open(context.Background(), "c1"))

	_, err := c.Send(context.Background(), "hello", nil)
	require.Error(t, err)

	v := c.View()
	assert.Equal(t, []string{"m1"}, messageIDs(v))
	assert.Contains(t, v.Err, "500")
}

func TestSend_WhenClosed(t *testing.T) {
	c, _ := newTestConversation(t, newFakeHistory())

	_, err := c.Send(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, errs.ErrConversationClosed)
}

func TestSend_MediaSetsImageKind(t *testing.T) {
	svc := newFakeHistory()
	svc.sendResult = msg("m9", "c1", "", ts(1))

	c, _ := newTestConversation(t, svc)
	require.NoError(t, c.Open(context.Background(), "c1"))

	_, err := c.Send(context.Background(), "", []string{"https://cdn/a.jpg"})
	require.NoError(t, err)

	require.Len(t, svc.sendReqs, 1)
	assert.Equal(t, realtime.MessageImage, svc.sendReqs[0].Kind)
}

// --- Close and stale guards ---

func TestClose_DiscardsState(t *testing.T) {
	svc := newFakeHistory()
	svc.pages[0] = api.HistoryPage{Messages: []realtime.ChatMessage{msg("m1", "c1", "a", ts(1))}}

	c, unread := newTestConversation(t, svc)
	require.NoError(t, c.Open(context.Background(), "c1"))

	c.Close()

	v := c.View()
	assert.Empty(t, v.ConversationID)
	assert.Empty(t, v.Messages)

	// After close the conversation is no longer active: its messages
	// count as unread again.
	c.OnLiveMessage(msg("m2", "c1", "b", ts(2)))
	assert.Equal(t, 1, unread.Unread("c1"))
}

func TestOpen_StaleFetchDiscardedAfterClose(t *testing.T) {
	svc := newFakeHistory()
	svc.pages[0] = api.HistoryPage{Messages: []realtime.ChatMessage{msg("m1", "c1", "a", ts(1))}}
	svc.block = make(chan struct{})

	c, _ := newTestConversation(t, svc)

	done := make(chan error, 1)

	go func() {
		done <- c.Open(context.Background(), "c1")
	}()

	// Give Open a moment to reach the gated fetch, then navigate away
	// while it is still in flight.
	time.Sleep(10 * time.Millisecond)
	c.Close()
	close(svc.block)

	require.NoError(t, <-done)

	v := c.View()
	assert.Empty(t, v.ConversationID)
	assert.Empty(t, v.Messages, "stale fetch result must be discarded")
}

// --- end-to-end scenarios ---

func TestScenario_LivePushLandsInOpenConversation(t *testing.T) {
	c, _ := newTestConversation(t, newFakeHistory())
	require.NoError(t, c.Open(context.Background(), "c1"))

	frame := []byte(`{"messageId":"m1","chatId":"c1","senderId":"u2","message":"hi","sentAt":"2026-03-14T12:00:00Z"}`)

	ev, ok := realtime.Decode(frame, base)
	require.True(t, ok)
	require.Equal(t, realtime.KindChat, ev.Kind)

	c.OnLiveMessage(*ev.Chat)

	v := c.View()
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "m1", v.Messages[0].MessageID)
	assert.Equal(t, "hi", v.Messages[0].Body)
}

func TestScenario_SendThenEchoYieldsOneEntry(t *testing.T) {
	svc := newFakeHistory()
	svc.sendResult = msg("m2", "c1", "hello", ts(2))

	c, _ := newTestConversation(t, svc)
	require.NoError(t, c.Open(context.Background(), "c1"))

	_, err := c.Send(context.Background(), "hello", nil)
	require.NoError(t, err)

	frame := fmt.Sprintf(`{"messageId":"m2","conversationId":"c1","senderId":"u1","message":"hello","sentAt":%q}`, ts(2).Format(time.RFC3339))

	ev, ok := realtime.Decode([]byte(frame), ts(2))
	require.True(t, ok)

	c.OnLiveMessage(*ev.Chat)

	hellos := 0

	for _, m := range c.View().Messages {
		if m.Body == "hello" {
			hellos++
		}
	}

	assert.Equal(t, 1, hellos, "REST confirmation and push echo collapse to one entry")
}

// --- Run ---

func TestRun_FeedsChatEvents(t *testing.T) {
	c, _ := newTestConversation(t, newFakeHistory())
	require.NoError(t, c.Open(context.Background(), "c1"))

	events := make(chan realtime.Event, 2)
	events <- realtime.Event{Kind: realtime.KindChat, Chat: &realtime.ChatMessage{MessageID: "m1", ConversationID: "c1", SentAt: ts(1)}}
	events <- realtime.Event{Kind: realtime.KindUnknown}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- c.Run(ctx, events)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.View().Messages) == 1 {
			break
		}

		time.Sleep(2 * time.Millisecond)
	}

	assert.Equal(t, []string{"m1"}, messageIDs(c.View()))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
