package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/conversation/memory"
	"github.com/tokligence/streamchat/internal/metrics"
	"github.com/tokligence/streamchat/internal/provider"
	"github.com/tokligence/streamchat/internal/provider/loopback"
	"github.com/tokligence/streamchat/internal/relay"
)

// fakeConn is an in-memory Conn: the test feeds inbound frames and reads the
// decoded outbound ones.
type fakeConn struct {
	in        chan []byte
	out       chan chat.ServerFrame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan chat.ServerFrame, 256),
		closed: make(chan struct{}),
	}
}

// ReadFrame treats a nil inbound frame as one that exceeded the size cap.
func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.in:
		if data == nil {
			return nil, ErrFrameTooLarge
		}
		return data, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *fakeConn) WriteFrame(v any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var f chat.ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.out <- f
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// gated streams one token and then waits for release or cancellation.
type gated struct {
	release  chan struct{}
	started  chan string
	mu       sync.Mutex
	canceled int
}

func newGated() *gated {
	return &gated{release: make(chan struct{}), started: make(chan string, 8)}
}

func (g *gated) Name() string { return "gated" }

func (g *gated) Stream(ctx context.Context, msgs []chat.Message, cb provider.Callbacks) provider.Result {
	last := msgs[len(msgs)-1].Content
	cb.OnToken("tok:" + last)
	g.started <- last
	select {
	case <-ctx.Done():
		g.mu.Lock()
		g.canceled++
		g.mu.Unlock()
		return provider.Result{Outcome: provider.Cancelled}
	case <-g.release:
		cb.OnComplete("tok:" + last)
		return provider.Result{Outcome: provider.Completed, Text: "tok:" + last}
	}
}

func (g *gated) cancellations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canceled
}

type failing struct{}

func (failing) Name() string { return "failing" }

func (failing) Stream(_ context.Context, _ []chat.Message, cb provider.Callbacks) provider.Result {
	err := errors.New("backend unavailable")
	cb.OnError(err)
	return provider.Result{Outcome: provider.Errored, Err: err}
}

type harness struct {
	t     *testing.T
	conn  *fakeConn
	sess  *Session
	done  chan error
	store *memory.Store
}

func start(t *testing.T, p provider.Provider) *harness {
	t.Helper()
	store := memory.New()
	svc := relay.New(relay.Config{Store: store, Provider: p})
	conn := newFakeConn()
	sess := New(conn, "alice", Config{Runner: svc, Validator: chat.NewValidator(100), Metrics: metrics.NewCollector()})
	h := &harness{t: t, conn: conn, sess: sess, done: make(chan error, 1), store: store}
	go func() { h.done <- sess.Serve(context.Background()) }()
	t.Cleanup(func() {
		_ = conn.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	require.Equal(t, chat.TypeReady, h.next().Type)
	return h
}

func (h *harness) send(frame string) { h.conn.in <- []byte(frame) }

func (h *harness) sendJSON(v any) {
	data, err := json.Marshal(v)
	require.NoError(h.t, err)
	h.conn.in <- data
}

func (h *harness) next() chat.ServerFrame {
	h.t.Helper()
	select {
	case f := <-h.conn.out:
		return f
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for frame")
		return chat.ServerFrame{}
	}
}

// sync sends a ping and asserts the pong is the very next frame, proving no
// stray frames were emitted before it.
func (h *harness) sync() {
	h.t.Helper()
	h.send(`{"type":"ping"}`)
	f := h.next()
	require.Equal(h.t, chat.TypePong, f.Type, "unexpected frame %+v", f)
}

func chatFrame(id, content string) chat.ClientFrame {
	return chat.ClientFrame{Type: chat.TypeChat, RequestID: id, Messages: []chat.Message{{Role: chat.RoleUser, Content: content}}}
}

func TestReadyAndPing(t *testing.T) {
	h := start(t, provider.New(loopback.New(loopback.Config{})))
	h.sync()
}

func TestMalformedFramesKeepSessionOpen(t *testing.T) {
	h := start(t, provider.New(loopback.New(loopback.Config{})))
	cases := []struct {
		frame string
		want  string
	}{
		{`not json`, MsgInvalidJSON},
		{`[1,2]`, MsgNotObject},
		{`{"requestId":"x"}`, MsgMissingType},
		{`{"type":42}`, MsgMissingType},
		{`{"type":"subscribe"}`, "unknown message type: subscribe"},
		{`{"type":"cancel"}`, "missing or invalid requestId"},
		{`{"type":"chat","messages":[]}`, "missing or invalid requestId"},
	}
	for _, tc := range cases {
		h.send(tc.frame)
		f := h.next()
		assert.Equal(t, chat.TypeError, f.Type, tc.frame)
		assert.Equal(t, tc.want, f.Error, tc.frame)
		assert.Empty(t, f.RequestID, tc.frame)
	}
	h.sync()
}

func TestChatValidationErrorsCarryRequestID(t *testing.T) {
	h := start(t, provider.New(loopback.New(loopback.Config{})))
	cases := []struct {
		frame string
		want  string
	}{
		{`{"type":"chat","requestId":"r1","messages":[]}`, "messages must not be empty"},
		{`{"type":"chat","requestId":"r2","messages":[{"role":"robot","content":"x"}]}`, "invalid role: robot"},
		{`{"type":"chat","requestId":"r3","messages":[{"role":"user","content":5}]}`, "message content must be a string"},
		{`{"type":"chat","requestId":"r4","messages":[{"role":"user","content":"x"}],"conversationId":"nope"}`, "invalid conversationId format"},
	}
	for _, tc := range cases {
		h.send(tc.frame)
		f := h.next()
		assert.Equal(t, chat.TypeError, f.Type)
		assert.Contains(t, f.Error, tc.want)
		assert.NotEmpty(t, f.RequestID)
	}

	// 101 characters against a limit of 100
	big := make([]byte, 101)
	for i := range big {
		big[i] = 'a'
	}
	h.sendJSON(chatFrame("r5", string(big)))
	f := h.next()
	assert.Equal(t, "r5", f.RequestID)
	assert.Equal(t, "payload too large: 101 chars exceeds 100 limit", f.Error)
	h.sync()
}

func TestChatStreamsToDone(t *testing.T) {
	h := start(t, provider.New(loopback.New(loopback.Config{})))
	h.sendJSON(chatFrame("r1", "hi there"))

	startF := h.next()
	require.Equal(t, chat.TypeStart, startF.Type)
	require.Equal(t, "r1", startF.RequestID)
	require.NotEmpty(t, startF.ConversationID)

	var text string
	for {
		f := h.next()
		if f.Type == chat.TypeToken {
			assert.Equal(t, "r1", f.RequestID)
			text += f.Token
			continue
		}
		require.Equal(t, chat.TypeDone, f.Type)
		assert.Equal(t, "[loopback] hi there", f.Text)
		assert.Equal(t, text, f.Text)
		assert.Equal(t, startF.ConversationID, f.ConversationID)
		break
	}
	h.sync()
	assert.Eventually(t, func() bool { return h.sess.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)

	// cancel after completion is a no-op
	h.sendJSON(chat.ClientFrame{Type: chat.TypeCancel, RequestID: "r1"})
	h.sync()

	// the conversation is resumable and the reply was persisted
	follow := chatFrame("r2", "again")
	follow.ConversationID = startF.ConversationID
	h.sendJSON(follow)
	require.Equal(t, startF.ConversationID, h.next().ConversationID)
	for f := h.next(); f.Type != chat.TypeDone; f = h.next() {
	}
	assert.Eventually(t, func() bool {
		msgs, err := h.store.Messages(context.Background(), startF.ConversationID)
		return err == nil && len(msgs) == 4
	}, time.Second, 5*time.Millisecond)
}

func TestCancelMidStream(t *testing.T) {
	g := newGated()
	h := start(t, g)
	h.sendJSON(chatFrame("r1", "slow"))
	require.Equal(t, chat.TypeStart, h.next().Type)
	require.Equal(t, chat.TypeToken, h.next().Type)
	<-g.started

	h.sendJSON(chat.ClientFrame{Type: chat.TypeCancel, RequestID: "r1"})
	f := h.next()
	assert.Equal(t, chat.TypeCancelled, f.Type)
	assert.Equal(t, "r1", f.RequestID)

	assert.Eventually(t, func() bool { return g.cancellations() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.sess.ActiveCount())
	h.sync()

	// a second cancel finds nothing
	h.sendJSON(chat.ClientFrame{Type: chat.TypeCancel, RequestID: "r1"})
	h.sync()
}

func TestCancelUnknownIsNoop(t *testing.T) {
	h := start(t, provider.New(loopback.New(loopback.Config{})))
	h.sendJSON(chat.ClientFrame{Type: chat.TypeCancel, RequestID: "ghost"})
	h.sync()
}

func TestDuplicateActiveRequestIsRejected(t *testing.T) {
	g := newGated()
	h := start(t, g)
	h.sendJSON(chatFrame("r1", "first"))
	require.Equal(t, chat.TypeStart, h.next().Type)
	require.Equal(t, chat.TypeToken, h.next().Type)
	<-g.started

	h.sendJSON(chatFrame("r1", "second"))
	f := h.next()
	assert.Equal(t, chat.TypeError, f.Type)
	assert.Equal(t, "r1", f.RequestID)
	assert.Equal(t, MsgRequestActive, f.Error)
	assert.Equal(t, 1, h.sess.ActiveCount())

	close(g.release)
	done := h.next()
	assert.Equal(t, chat.TypeDone, done.Type)
	assert.Equal(t, "tok:first", done.Text)
}

func TestConcurrentRequestsAreIndependent(t *testing.T) {
	g := newGated()
	h := start(t, g)

	h.sendJSON(chatFrame("a", "one"))
	h.sendJSON(chatFrame("b", "two"))
	seen := map[string][]string{}
	for i := 0; i < 4; i++ {
		f := h.next()
		seen[f.RequestID] = append(seen[f.RequestID], f.Type)
	}
	<-g.started
	<-g.started
	assert.Equal(t, []string{"start", "token"}, seen["a"])
	assert.Equal(t, []string{"start", "token"}, seen["b"])
	assert.Equal(t, 2, h.sess.ActiveCount())

	h.sendJSON(chat.ClientFrame{Type: chat.TypeCancel, RequestID: "a"})
	f := h.next()
	assert.Equal(t, chat.TypeCancelled, f.Type)
	assert.Equal(t, "a", f.RequestID)

	close(g.release)
	f = h.next()
	assert.Equal(t, chat.TypeDone, f.Type)
	assert.Equal(t, "b", f.RequestID)
	h.sync()
}

func TestOversizeFrameLeavesActiveRequestsRunning(t *testing.T) {
	g := newGated()
	h := start(t, g)

	h.sendJSON(chatFrame("a", "one"))
	require.Equal(t, chat.TypeStart, h.next().Type)
	require.Equal(t, chat.TypeToken, h.next().Type)
	<-g.started

	h.conn.in <- nil
	f := h.next()
	assert.Equal(t, chat.TypeError, f.Type)
	assert.Equal(t, MsgFrameTooLarge, f.Error)
	assert.Empty(t, f.RequestID)
	assert.Equal(t, 1, h.sess.ActiveCount())

	close(g.release)
	f = h.next()
	assert.Equal(t, chat.TypeDone, f.Type)
	assert.Equal(t, "a", f.RequestID)
	assert.Zero(t, g.cancellations())
	h.sync()
}

func TestProviderErrorLeavesSessionUsable(t *testing.T) {
	h := start(t, failing{})
	for _, id := range []string{"r1", "r2"} {
		h.sendJSON(chatFrame(id, "hi"))
		require.Equal(t, chat.TypeStart, h.next().Type)
		f := h.next()
		assert.Equal(t, chat.TypeError, f.Type)
		assert.Equal(t, id, f.RequestID)
		assert.Equal(t, "backend unavailable", f.Error)
	}
	h.sync()
}

func TestUnknownConversationIsReportedAsError(t *testing.T) {
	h := start(t, provider.New(loopback.New(loopback.Config{})))
	frame := chatFrame("r1", "hi")
	frame.ConversationID = "3f1b3e8e-2c55-4f7b-a0f5-5f4f7b1c9a10"
	h.sendJSON(frame)
	f := h.next()
	assert.Equal(t, chat.TypeError, f.Type)
	assert.Equal(t, "r1", f.RequestID)
	assert.Equal(t, relay.MsgConversationNotFound, f.Error)
	h.sync()
}

func TestCloseCancelsActiveRequests(t *testing.T) {
	g := newGated()
	h := start(t, g)
	h.sendJSON(chatFrame("r1", "x"))
	h.sendJSON(chatFrame("r2", "y"))
	for i := 0; i < 4; i++ {
		h.next()
	}
	<-g.started
	<-g.started

	require.NoError(t, h.conn.Close())
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, 2, g.cancellations())
	assert.Equal(t, 0, h.sess.ActiveCount())
	select {
	case f := <-h.conn.out:
		t.Fatalf("unexpected frame after close: %+v", f)
	default:
	}
}

func TestServeStopsWithContext(t *testing.T) {
	conn := newFakeConn()
	svc := relay.New(relay.Config{Store: memory.New(), Provider: newGated()})
	sess := New(conn, "alice", Config{Runner: svc})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Serve(ctx) }()
	<-conn.out // ready
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
