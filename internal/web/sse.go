package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event names sent on a session's stream. Payloads are JSON.
const (
	// EventConnected opens every stream: {"session": string, "stream": string}
	EventConnected = "connected"
	// EventJobProgress carries a tracker.Update, e.g.
	// {"job_id": "p1", "phase": "executing", "percent": 48, "message": "Executing KSampler", "elapsed": 3200000000, "queue_position": 0}
	EventJobProgress = "job-progress"
	// EventJobDone carries the tracker.Outcome of a successful job.
	EventJobDone = "job-done"
	// EventJobError carries {"job_id": string, "report": diagnose.Report}.
	EventJobError = "job-error"
	// EventQueueStatus is broadcast: {"running": int, "pending": int, "total": int, "polled": bool}
	EventQueueStatus = "queue-status"
	// EventConnection is broadcast: {"state": "reconnecting", "error": ""}
	EventConnection = "connection"
)

const (
	// MaxConnections bounds the number of open streams.
	MaxConnections = 1000
	// KeepAliveInterval is how often an idle stream gets a comment line,
	// so proxies do not drop it.
	KeepAliveInterval = 15 * time.Second
)

var (
	errNotConnected = errors.New("session not connected")
	errStreamClosed = errors.New("stream closed")
)

// stream is one open event stream. Writes come from job and channel
// goroutines, so they are serialized; none may happen after the handler
// has returned.
type stream struct {
	id      string
	session string
	w       http.ResponseWriter
	flusher http.Flusher
	stop    chan struct{}

	mu     sync.Mutex
	seq    uint64
	closed bool
}

func (s *stream) send(name string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, name, payload); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *stream) ping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err == nil {
		s.flusher.Flush()
	}
}

func (s *stream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Broker fans events out to per-session streams. A session has at most
// one stream; opening another ends the first.
type Broker struct {
	mu      sync.RWMutex
	streams map[string]*stream

	// onConnect runs after the connected event, for catch-up events.
	onConnect func(sessionID string)
}

// NewBroker creates a Broker with no streams.
func NewBroker() *Broker {
	return &Broker{streams: make(map[string]*stream)}
}

// ServeHTTP holds a stream open for the request's session until the
// client leaves, the stream is replaced or the broker shuts down.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session := GetSessionID(r.Context())
	if session == "" {
		http.Error(w, "session required", http.StatusUnauthorized)
		return
	}
	if b.ConnectionCount() >= MaxConnections {
		http.Error(w, "too many streams", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	// Streams outlive the server's WriteTimeout. Test recorders reject this.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	s := &stream{
		id:      uuid.NewString(),
		session: session,
		w:       w,
		flusher: flusher,
		stop:    make(chan struct{}),
	}
	b.attach(s)
	defer b.detach(s)
	defer s.close()

	if payload, err := json.Marshal(map[string]string{"session": session, "stream": s.id}); err == nil {
		_ = s.send(EventConnected, payload)
	}
	if b.onConnect != nil {
		b.onConnect(session)
	}

	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.ping()
		}
	}
}

// SendEvent writes an event to one session's stream.
func (b *Broker) SendEvent(sessionID, name string, data any) error {
	b.mu.RLock()
	s, ok := b.streams[sessionID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", errNotConnected, sessionID)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", name, err)
	}
	return s.send(name, payload)
}

// SendEventToAll writes an event to every open stream. Write errors are
// ignored; the failing stream's handler cleans it up.
func (b *Broker) SendEventToAll(name string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	for _, s := range b.snapshot() {
		_ = s.send(name, payload)
	}
}

// CloseSession ends the session's stream, if any.
func (b *Broker) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[sessionID]; ok {
		close(s.stop)
		delete(b.streams, sessionID)
	}
}

// ConnectionCount returns the number of open streams.
func (b *Broker) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams)
}

// Shutdown ends every stream.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.streams {
		close(s.stop)
		delete(b.streams, id)
	}
	return ctx.Err()
}

func (b *Broker) snapshot() []*stream {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*stream, 0, len(b.streams))
	for _, s := range b.streams {
		out = append(out, s)
	}
	return out
}

// attach registers s and ends the session's previous stream. detach
// compares identity, so the old handler's cleanup leaves s in place.
func (b *Broker) attach(s *stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.streams[s.session]; ok {
		close(old.stop)
	}
	b.streams[s.session] = s
}

func (b *Broker) detach(s *stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams[s.session] == s {
		delete(b.streams, s.session)
	}
}
