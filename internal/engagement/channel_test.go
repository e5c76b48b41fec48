package engagement

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamcast/portal/internal/models"
)

// mockServer is a minimal realtime endpoint: it records subscribes and client
// messages and lets tests push events or drop connections.
type mockServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	reject   atomic.Bool

	mu         sync.Mutex
	conns      []*websocket.Conn
	subscribes []models.SubscribeRequest
	received   []models.Envelope
}

func newMockServer(t *testing.T) *mockServer {
	m := &mockServer{}
	m.srv = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockServer) url() string {
	return "ws" + strings.TrimPrefix(m.srv.URL, "http") + "/ws"
}

func (m *mockServer) handle(w http.ResponseWriter, r *http.Request) {
	if m.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Event == models.EventSubscribe {
			var sub models.SubscribeRequest
			_ = json.Unmarshal(env.Data, &sub)
			m.mu.Lock()
			m.subscribes = append(m.subscribes, sub)
			m.mu.Unlock()
			m.pushTo(conn, models.EventSubscribed, sub)
			continue
		}
		m.mu.Lock()
		m.received = append(m.received, env)
		m.mu.Unlock()
	}
}

func (m *mockServer) pushTo(conn *websocket.Conn, event string, payload any) {
	env, _ := models.NewEnvelope(event, payload)
	data, _ := json.Marshal(env)
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// push sends to the newest connection.
func (m *mockServer) push(event string, payload any) {
	m.mu.Lock()
	conn := m.conns[len(m.conns)-1]
	m.mu.Unlock()
	m.pushTo(conn, event, payload)
}

func (m *mockServer) dropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.Close()
	}
}

func (m *mockServer) subscribeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribes)
}

func (m *mockServer) subscribesCopy() []models.SubscribeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SubscribeRequest(nil), m.subscribes...)
}

func (m *mockServer) receivedCopy() []models.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Envelope(nil), m.received...)
}

type recorded struct {
	chat     []models.ChatMessage
	counts   []int
	opened   []models.Poll
	closed   []string
	updated  []models.Poll
	statuses []Status
}

type recorder struct {
	mu sync.Mutex
	recorded
}

func (r *recorder) events() Events {
	return Events{
		OnChatMessage: func(m models.ChatMessage) { r.mu.Lock(); r.chat = append(r.chat, m); r.mu.Unlock() },
		OnViewerCount: func(n int) { r.mu.Lock(); r.counts = append(r.counts, n); r.mu.Unlock() },
		OnPollOpened:  func(p models.Poll) { r.mu.Lock(); r.opened = append(r.opened, p); r.mu.Unlock() },
		OnPollClosed: func(id uuid.UUID, reason string) {
			r.mu.Lock()
			r.closed = append(r.closed, id.String()+":"+reason)
			r.mu.Unlock()
		},
		OnPollUpdated: func(p models.Poll) { r.mu.Lock(); r.updated = append(r.updated, p); r.mu.Unlock() },
		OnStatus:      func(c Connection) { r.mu.Lock(); r.statuses = append(r.statuses, c.Status); r.mu.Unlock() },
	}
}

func (r *recorder) snapshot() recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorded{
		chat:     append([]models.ChatMessage(nil), r.chat...),
		counts:   append([]int(nil), r.counts...),
		opened:   append([]models.Poll(nil), r.opened...),
		closed:   append([]string(nil), r.closed...),
		updated:  append([]models.Poll(nil), r.updated...),
		statuses: append([]Status(nil), r.statuses...),
	}
}

func newTestChannel(t *testing.T, m *mockServer, rec *recorder) *Channel {
	c := NewChannel(Config{
		URL:            m.url(),
		ViewerID:       "viewer-1",
		ViewerName:     "Ada",
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
	}, rec.events(), nil, nil)
	t.Cleanup(c.Unsubscribe)
	return c
}

func waitOpen(t *testing.T, c *Channel) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Connection().Status == Open }, 2*time.Second, 2*time.Millisecond)
}

func testPoll(options ...string) models.Poll {
	p := models.Poll{ID: uuid.New(), StreamID: uuid.New(), Question: "Best angle?", ExpiresAt: time.Now().Add(time.Hour).Unix()}
	for _, o := range options {
		p.Options = append(p.Options, models.PollOption{ID: uuid.New(), Text: o})
	}
	return p
}

func TestChannel_SubscribeSendsStreamAndViewer(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	c := newTestChannel(t, m, rec)

	require.NoError(t, c.Subscribe("stream-1"))
	waitOpen(t, c)
	require.Eventually(t, func() bool { return m.subscribeCount() == 1 }, time.Second, 2*time.Millisecond)

	sub := m.subscribesCopy()[0]
	assert.Equal(t, models.SubscribeRequest{StreamID: "stream-1", ViewerID: "viewer-1", Name: "Ada"}, sub)
	assert.Equal(t, "stream-1", c.Connection().StreamID)
	assert.Equal(t, []Status{Connecting, Open}, rec.snapshot().statuses)
}

func TestChannel_DeliversChatAndViewerCountInArrivalOrder(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	c := newTestChannel(t, m, rec)
	require.NoError(t, c.Subscribe("stream-1"))
	waitOpen(t, c)

	for _, body := range []string{"first", "second", "third"} {
		m.push(models.EventChatMessage, models.ChatMessage{ID: uuid.NewString(), Body: body, AuthorName: "Bob"})
	}
	m.push(models.EventViewerCount, models.ViewerCount{Count: 42})

	require.Eventually(t, func() bool { return len(rec.snapshot().counts) == 1 }, time.Second, 2*time.Millisecond)
	snap := rec.snapshot()
	require.Len(t, snap.chat, 3)
	assert.Equal(t, "first", snap.chat[0].Body)
	assert.Equal(t, "third", snap.chat[2].Body)
	assert.Equal(t, []int{42}, snap.counts)
	assert.Len(t, c.History(), 3)
}

func TestChannel_ReconnectsAndResubscribes(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	c := newTestChannel(t, m, rec)
	require.NoError(t, c.Subscribe("stream-9"))
	waitOpen(t, c)
	require.Eventually(t, func() bool { return m.subscribeCount() == 1 }, time.Second, 2*time.Millisecond)

	m.dropAll()

	require.Eventually(t, func() bool { return m.subscribeCount() == 2 }, 2*time.Second, 2*time.Millisecond)
	waitOpen(t, c)
	subs := m.subscribesCopy()
	assert.Equal(t, "stream-9", subs[1].StreamID, "resubscribes to the same stream")
	assert.Contains(t, rec.snapshot().statuses, Reconnecting)
	assert.Zero(t, c.Connection().BackoffAttempt, "attempt counter resets once open")
}

func TestChannel_BacksOffWhileServerDown(t *testing.T) {
	m := newMockServer(t)
	m.reject.Store(true)
	rec := &recorder{}
	c := newTestChannel(t, m, rec)
	require.NoError(t, c.Subscribe("stream-1"))

	require.Eventually(t, func() bool { return c.Connection().BackoffAttempt >= 3 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, Reconnecting, c.Connection().Status)

	m.reject.Store(false)
	waitOpen(t, c)
}

func TestChannel_PollLifecycle(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	c := newTestChannel(t, m, rec)
	require.NoError(t, c.Subscribe("stream-1"))
	waitOpen(t, c)

	first := testPoll("wide", "close-up")
	second := testPoll("yes", "no")
	m.push(models.EventNewPoll, first)
	m.push(models.EventNewPoll, second)
	require.Eventually(t, func() bool { return len(rec.snapshot().opened) == 2 }, time.Second, 2*time.Millisecond)

	active, ok := c.ActivePoll()
	require.True(t, ok)
	assert.Equal(t, second.ID, active.ID, "a new poll replaces the active one")
	assert.Equal(t, []string{first.ID.String() + ":" + CloseReasonReplaced}, rec.snapshot().closed)

	// a late close for the replaced poll must not clear the new one
	m.push(models.EventPollClosed, models.PollClosed{PollID: first.ID})
	tally := second
	tally.Options = []models.PollOption{{ID: second.Options[0].ID, Text: "yes", Votes: 3}, {ID: second.Options[1].ID, Text: "no", Votes: 1}}
	m.push(models.EventPollResults, tally)
	require.Eventually(t, func() bool { return len(rec.snapshot().updated) == 1 }, time.Second, 2*time.Millisecond)
	active, ok = c.ActivePoll()
	require.True(t, ok)
	assert.Equal(t, 4, active.TotalVotes())

	m.push(models.EventPollClosed, models.PollClosed{PollID: second.ID})
	require.Eventually(t, func() bool { return len(rec.snapshot().closed) == 2 }, time.Second, 2*time.Millisecond)
	_, ok = c.ActivePoll()
	assert.False(t, ok)
}

func TestChannel_CastVote(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	c := newTestChannel(t, m, rec)
	require.NoError(t, c.Subscribe("stream-1"))
	waitOpen(t, c)

	assert.ErrorIs(t, c.CastVote(uuid.New()), ErrNoActivePoll)

	poll := testPoll("a", "b")
	m.push(models.EventNewPoll, poll)
	require.Eventually(t, func() bool { _, ok := c.ActivePoll(); return ok }, time.Second, 2*time.Millisecond)

	assert.ErrorIs(t, c.CastVote(uuid.New()), ErrUnknownOption)
	require.NoError(t, c.CastVote(poll.Options[1].ID))
	assert.ErrorIs(t, c.CastVote(poll.Options[0].ID), ErrAlreadyVoted)

	require.Eventually(t, func() bool { return len(m.receivedCopy()) == 1 }, time.Second, 2*time.Millisecond)
	env := m.receivedCopy()[0]
	assert.Equal(t, models.EventVote, env.Event)
	var vote models.VoteRequest
	require.NoError(t, json.Unmarshal(env.Data, &vote))
	assert.Equal(t, models.VoteRequest{PollID: poll.ID, OptionID: poll.Options[1].ID}, vote)
}

func TestChannel_SendChatMessage(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	c := newTestChannel(t, m, rec)

	assert.ErrorIs(t, c.SendChatMessage("hello"), ErrNotConnected)

	require.NoError(t, c.Subscribe("stream-1"))
	waitOpen(t, c)
	assert.ErrorIs(t, c.SendChatMessage("   "), ErrEmptyMessage)
	assert.ErrorIs(t, c.SendChatMessage(strings.Repeat("x", models.MaxChatBodyLength+1)), ErrMessageTooLong)
	require.NoError(t, c.SendChatMessage("  hello  "))

	require.Eventually(t, func() bool { return len(m.receivedCopy()) == 1 }, time.Second, 2*time.Millisecond)
	var msg models.ChatSendRequest
	require.NoError(t, json.Unmarshal(m.receivedCopy()[0].Data, &msg))
	assert.Equal(t, "hello", msg.Body)
}

func TestChannel_HistoryIsBounded(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	c := NewChannel(Config{URL: m.url(), HistoryLimit: 2, InitialBackoff: 10 * time.Millisecond}, rec.events(), nil, nil)
	t.Cleanup(c.Unsubscribe)
	require.NoError(t, c.Subscribe("stream-1"))
	waitOpen(t, c)

	for _, body := range []string{"a", "b", "c"} {
		m.push(models.EventChatMessage, models.ChatMessage{Body: body})
	}
	require.Eventually(t, func() bool { return len(rec.snapshot().chat) == 3 }, time.Second, 2*time.Millisecond)
	h := c.History()
	require.Len(t, h, 2)
	assert.Equal(t, "b", h[0].Body)
	assert.Equal(t, "c", h[1].Body)
}

func TestChannel_UnsubscribeIsIdempotent(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	c := newTestChannel(t, m, rec)
	c.Unsubscribe()

	require.NoError(t, c.Subscribe("stream-1"))
	waitOpen(t, c)
	c.Unsubscribe()
	c.Unsubscribe()
	assert.Equal(t, Closed, c.Connection().Status)
	assert.ErrorIs(t, c.SendChatMessage("hi"), ErrNotConnected)
}

func TestChannel_IgnoresMalformedMessages(t *testing.T) {
	m := newMockServer(t)
	rec := &recorder{}
	c := newTestChannel(t, m, rec)
	require.NoError(t, c.Subscribe("stream-1"))
	waitOpen(t, c)

	m.mu.Lock()
	conn := m.conns[0]
	_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	m.mu.Unlock()
	m.push(models.EventViewerCount, models.ViewerCount{Count: 7})

	require.Eventually(t, func() bool { return len(rec.snapshot().counts) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, Open, c.Connection().Status)
}

func TestReconnectBackoff_MonotonicUntilCap(t *testing.T) {
	b := newReconnectBackoff(time.Second, 30*time.Second)
	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i], got[i-1])
	}
}
