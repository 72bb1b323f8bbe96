package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanerix/loom/internal/protocol"
)

// recorder is a Listener that keeps everything it receives.
type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
	states []State
	errs   []error
}

func (r *recorder) HandleEvent(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) HandleState(state State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	r.errs = append(r.errs, err)
}

func (r *recorder) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType())
	}
	return out
}

func (r *recorder) sawState(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

func (r *recorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

// pushServer is a fake job server push endpoint. Every accepted connection
// receives the queued frames and is then held open until the test ends or
// drop is called.
type pushServer struct {
	*httptest.Server

	mu       sync.Mutex
	frames   []frame
	conns    []*websocket.Conn
	clientID string
	accepts  int
}

type frame struct {
	kind int
	data string
}

func newPushServer(t *testing.T, frames ...frame) *pushServer {
	t.Helper()
	ps := &pushServer{frames: frames}
	upgrader := websocket.Upgrader{}

	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		ps.mu.Lock()
		ps.accepts++
		ps.clientID = r.URL.Query().Get("clientId")
		ps.conns = append(ps.conns, conn)
		frames := append([]frame(nil), ps.frames...)
		ps.mu.Unlock()

		for _, f := range frames {
			if err := conn.WriteMessage(f.kind, []byte(f.data)); err != nil {
				return
			}
		}
		// Hold the connection until the peer goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushServer) acceptCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.accepts
}

// drop closes every open server-side connection.
func (ps *pushServer) drop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, c := range ps.conns {
		c.Close()
	}
	ps.conns = nil
}

func text(s string) frame { return frame{kind: websocket.TextMessage, data: s} }

func runChannel(t *testing.T, ch *Channel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{6, 10 * time.Second},
		{100, 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, time.Second, 10*time.Second), "attempt %d", tt.attempt)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestDispatchesFramesInOrder(t *testing.T) {
	ps := newPushServer(t,
		text(`{"type":"execution_start","data":{"prompt_id":"p1"}}`),
		text(`{"type":"crystools.monitor","data":{"cpu":3}}`),
		frame{kind: websocket.BinaryMessage, data: "\x00\x01preview"},
		text(`not json`),
		text(`{"type":"progress","data":{"value":1,"max":4,"prompt_id":"p1"}}`),
		text(`{"type":"executing","data":{"node":null,"prompt_id":"p1"}}`),
	)

	ch := New(ps.URL, "client-1", Options{})
	first, second := &recorder{}, &recorder{}
	ch.Subscribe(first)
	ch.Subscribe(second)
	runChannel(t, ch)

	want := []string{protocol.TypeExecutionStart, protocol.TypeProgress, protocol.TypeExecuting}
	require.Eventually(t, func() bool { return len(second.eventTypes()) == len(want) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, first.eventTypes())
	assert.Equal(t, want, second.eventTypes())
	assert.True(t, first.sawState(StateOpen))

	ps.mu.Lock()
	assert.Equal(t, "client-1", ps.clientID)
	ps.mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ps := newPushServer(t, text(`{"type":"execution_start","data":{"prompt_id":"p1"}}`))

	ch := New(ps.URL, "c", Options{})
	gone, kept := &recorder{}, &recorder{}
	unsubscribe := ch.Subscribe(gone)
	ch.Subscribe(kept)
	unsubscribe()
	unsubscribe()

	runChannel(t, ch)
	require.Eventually(t, func() bool { return len(kept.eventTypes()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, gone.eventTypes())
}

func TestStatusPoll(t *testing.T) {
	ps := newPushServer(t)

	var calls int
	var mu sync.Mutex
	poller := func(ctx context.Context) (*protocol.StatusEvent, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("queue unavailable")
		}
		return &protocol.StatusEvent{QueueRunning: 1, QueuePending: 2}, nil
	}

	ch := New(ps.URL, "c", Options{StatusPoller: poller, StatusPollInterval: 20 * time.Millisecond})
	rec := &recorder{}
	ch.Subscribe(rec)
	runChannel(t, ch)

	require.Eventually(t, func() bool { return len(rec.eventTypes()) > 0 }, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	status, ok := rec.events[0].(*protocol.StatusEvent)
	rec.mu.Unlock()
	require.True(t, ok)
	assert.True(t, status.Polled)
	assert.Equal(t, 3, status.Total())
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	ps := newPushServer(t)

	ch := New(ps.URL, "c", Options{ReconnectBase: 5 * time.Millisecond, ReconnectCap: 20 * time.Millisecond})
	rec := &recorder{}
	ch.Subscribe(rec)
	runChannel(t, ch)

	require.Eventually(t, func() bool { return ps.acceptCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		state, _ := ch.State()
		return state == StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	ps.drop()

	require.Eventually(t, func() bool { return ps.acceptCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, rec.sawState(StateClosed))
	require.Eventually(t, func() bool {
		state, _ := ch.State()
		return state == StateOpen
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconnectExhausted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	ch := New(addr, "c", Options{
		ReconnectBase: time.Millisecond,
		ReconnectCap:  5 * time.Millisecond,
		MaxAttempts:   2,
	})
	rec := &recorder{}
	ch.Subscribe(rec)
	runChannel(t, ch)

	require.Eventually(t, func() bool {
		state, _ := ch.State()
		return state == StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	_, err := ch.State()
	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.ErrorIs(t, rec.lastErr(), ErrReconnectExhausted)
	assert.ErrorIs(t, err, ErrChannel)
}

func TestHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	ch := New(srv.URL, "c", Options{})
	_, err := ch.dial(context.Background())
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestRedirectRecoversFromFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadAddr := dead.URL
	dead.Close()

	live := newPushServer(t, text(`{"type":"execution_start","data":{"prompt_id":"p9"}}`))

	ch := New(deadAddr, "c", Options{
		ReconnectBase: time.Millisecond,
		ReconnectCap:  2 * time.Millisecond,
		MaxAttempts:   1,
	})
	rec := &recorder{}
	ch.Subscribe(rec)
	runChannel(t, ch)

	require.Eventually(t, func() bool {
		state, _ := ch.State()
		return state == StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	ch.Redirect(live.URL)
	assert.Equal(t, live.URL, ch.Endpoint())

	require.Eventually(t, func() bool { return len(rec.eventTypes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	state, err := ch.State()
	assert.Equal(t, StateOpen, state)
	assert.NoError(t, err)
}

func TestRedirectSwitchesOpenConnection(t *testing.T) {
	first := newPushServer(t)
	second := newPushServer(t)

	ch := New(first.URL, "c", Options{ReconnectBase: time.Hour})
	runChannel(t, ch)

	require.Eventually(t, func() bool { return first.acceptCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	ch.Redirect(second.URL)

	// The hour-long backoff proves the redirect skipped it.
	require.Eventually(t, func() bool { return second.acceptCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, first.acceptCount())
}

func TestCloseStopsRun(t *testing.T) {
	ps := newPushServer(t)

	ch := New(ps.URL, "c", Options{})
	rec := &recorder{}
	ch.Subscribe(rec)
	done := make(chan error, 1)
	go func() { done <- ch.Run(context.Background()) }()

	require.Eventually(t, func() bool { return ps.acceptCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.True(t, rec.sawState(StateStopped))
}
