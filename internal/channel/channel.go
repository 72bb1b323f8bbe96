// Package channel maintains the persistent push connection to the job
// server and fans decoded events out to listeners.
//
// A Channel reconnects on its own with capped exponential backoff. After
// MaxAttempts consecutive failures it enters StateFailed and stays there
// until Redirect is called. While open it also polls the server's queue and
// delivers the result to listeners as a *protocol.StatusEvent.
//
// Typical usage:
//
//	ch := channel.New(baseURL, clientID, channel.Options{Logger: logger})
//	unsubscribe := ch.Subscribe(listener)
//	defer unsubscribe()
//	go ch.Run(ctx)
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hurricanerix/loom/internal/config"
	"github.com/hurricanerix/loom/internal/logging"
	"github.com/hurricanerix/loom/internal/protocol"
)

const (
	// DefaultReconnectBase is the delay before the first reconnect
	DefaultReconnectBase = time.Second
	// DefaultReconnectCap is the largest reconnect delay
	DefaultReconnectCap = 10 * time.Second
	// DefaultMaxAttempts is the reconnect budget
	DefaultMaxAttempts = 5
	// DefaultStatusPollInterval is the queue status cadence while open
	DefaultStatusPollInterval = 3 * time.Second
	// handshakeTimeout bounds the websocket opening handshake
	handshakeTimeout = 5 * time.Second
)

var (
	// ErrChannel is the parent of every push channel error
	ErrChannel = errors.New("push channel error")
	// ErrReconnectExhausted is reported when the reconnect budget is spent
	ErrReconnectExhausted = fmt.Errorf("%w: reconnect attempts exhausted", ErrChannel)
	// ErrServerNotAccepting is returned when the connection is refused
	ErrServerNotAccepting = fmt.Errorf("%w: server not accepting connections", ErrChannel)
	// ErrHandshake is returned when the server rejects the upgrade
	ErrHandshake = fmt.Errorf("%w: websocket handshake rejected", ErrChannel)
	// ErrConnectionTimeout is returned when connecting times out
	ErrConnectionTimeout = fmt.Errorf("%w: connection timeout", ErrChannel)
	// ErrConnectionClosed is returned when the server closes the connection
	ErrConnectionClosed = fmt.Errorf("%w: server closed connection", ErrChannel)
)

// State is the lifecycle state of a Channel.
type State int

const (
	// StateIdle means Run has not started
	StateIdle State = iota
	// StateConnecting means a dial is in progress
	StateConnecting
	// StateOpen means frames are being received
	StateOpen
	// StateClosed means the connection dropped and a reconnect is scheduled
	StateClosed
	// StateFailed means the reconnect budget is exhausted
	StateFailed
	// StateStopped means Run has returned
	StateStopped
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Listener receives events and state changes. Calls are made from the
// channel's goroutines in arrival order; implementations must not block.
type Listener interface {
	HandleEvent(ev protocol.Event)
	HandleState(state State, err error)
}

// StatusPoller fetches queue occupancy out of band.
type StatusPoller func(ctx context.Context) (*protocol.StatusEvent, error)

// Options configures a Channel. Zero values take the defaults.
type Options struct {
	ReconnectBase      time.Duration
	ReconnectCap       time.Duration
	MaxAttempts        int
	StatusPollInterval time.Duration
	StatusPoller       StatusPoller
	Dialer             *websocket.Dialer
	Logger             *logging.Logger
}

func (o *Options) applyDefaults() {
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = DefaultReconnectBase
	}
	if o.ReconnectCap <= 0 {
		o.ReconnectCap = DefaultReconnectCap
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.StatusPollInterval <= 0 {
		o.StatusPollInterval = DefaultStatusPollInterval
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	o.Logger = logging.OrDiscard(o.Logger)
}

// Backoff returns the delay before reconnect attempt n (1-based):
// min(base * 2^(n-1), cap).
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return cap
	}
	d := base << (attempt - 1)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

// Channel is a self-healing push connection.
type Channel struct {
	opts     Options
	clientID string
	logger   *logging.Logger

	mu        sync.Mutex
	endpoint  string
	state     State
	lastErr   error
	attempt   int
	conn      *websocket.Conn
	listeners map[int]Listener
	nextID    int

	// dispatchMu serializes listener calls across the reader and poller.
	dispatchMu sync.Mutex

	redirect  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a Channel for the server at endpoint (an http(s) base URL).
func New(endpoint, clientID string, opts Options) *Channel {
	opts.applyDefaults()
	return &Channel{
		opts:      opts,
		clientID:  clientID,
		logger:    opts.Logger,
		endpoint:  endpoint,
		listeners: make(map[int]Listener),
		redirect:  make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// ClientID returns the id sent with the connection and with submissions.
func (c *Channel) ClientID() string {
	return c.clientID
}

// Endpoint returns the base URL the channel connects to.
func (c *Channel) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// State returns the current state and the error that caused it, if any.
func (c *Channel) State() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

// Subscribe registers l and returns a function that removes it.
func (c *Channel) Subscribe(l Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Redirect points the channel at a new server. The current connection is
// torn down, the reconnect budget is reset and a fresh connect begins.
func (c *Channel) Redirect(endpoint string) {
	c.mu.Lock()
	c.endpoint = endpoint
	c.attempt = 0
	conn := c.conn
	c.mu.Unlock()

	c.logger.Info("Redirecting push channel to %s", endpoint)

	select {
	case c.redirect <- struct{}{}:
	default:
	}
	if conn != nil {
		conn.Close()
	}
}

// Close stops the channel. Run returns shortly after.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeConn()
	})
	return nil
}

// Run connects and keeps the channel alive until ctx is cancelled or
// Close is called.
func (c *Channel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.closed:
		}
		c.closeConn()
	}()

	for {
		if c.stopping(ctx) {
			return c.stop(ctx)
		}

		c.setState(StateConnecting, nil)
		err := c.connectAndServe(ctx)

		if c.stopping(ctx) {
			return c.stop(ctx)
		}
		if c.takeRedirect() {
			continue
		}

		c.setState(StateClosed, err)

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		if attempt > c.opts.MaxAttempts {
			c.logger.Error("Push channel gave up after %d reconnect attempts: %v", c.opts.MaxAttempts, err)
			c.setState(StateFailed, fmt.Errorf("%w: %v", ErrReconnectExhausted, err))
			select {
			case <-c.redirect:
				continue
			case <-ctx.Done():
				return c.stop(ctx)
			case <-c.closed:
				return c.stop(ctx)
			}
		}

		delay := Backoff(attempt, c.opts.ReconnectBase, c.opts.ReconnectCap)
		c.logger.Warn("Push channel closed (%v), reconnect %d/%d in %s", err, attempt, c.opts.MaxAttempts, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.redirect:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return c.stop(ctx)
		case <-c.closed:
			timer.Stop()
			return c.stop(ctx)
		}
	}
}

// connectAndServe dials, reads until the connection ends and returns why.
func (c *Channel) connectAndServe(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.attempt = 0
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// A redirect that raced the dial applies to this connection too.
	if c.pendingRedirect() {
		return nil
	}

	c.setState(StateOpen, nil)

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	go c.pollStatus(pollCtx)

	return c.readLoop(conn)
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := config.WebSocketURL(c.Endpoint(), c.clientID)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Dialing %s", wsURL)
	conn, resp, err := c.opts.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, fmt.Errorf("%w: status %d", ErrHandshake, resp.StatusCode)
		}
		return nil, classifyDialError(err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)
	return conn, nil
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return classifyReadError(err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping undecodable channel frame: %v", err)
			continue
		}
		if u, ok := ev.(*protocol.UnknownEvent); ok {
			c.logger.Debug("Ignoring channel event of type %q", u.Type)
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Channel) pollStatus(ctx context.Context) {
	if c.opts.StatusPoller == nil {
		return
	}

	ticker := time.NewTicker(c.opts.StatusPollInterval)
	defer ticker.Stop()

	for {
		ev, err := c.opts.StatusPoller(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			c.logger.Debug("Queue status poll failed: %v", err)
		case err == nil && ev != nil:
			ev.Polled = true
			c.dispatch(ev)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// snapshot returns listeners in subscription order.
func (c *Channel) snapshot() []Listener {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]Listener, len(ids))
	for i, id := range ids {
		out[i] = c.listeners[id]
	}
	return out
}

func (c *Channel) dispatch(ev protocol.Event) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	for _, l := range c.snapshot() {
		l.HandleEvent(ev)
	}
}

func (c *Channel) setState(state State, err error) {
	c.mu.Lock()
	if c.state == state && c.lastErr == err {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.lastErr = err
	c.mu.Unlock()

	c.logger.Debug("Push channel state: %s", state)
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	for _, l := range c.snapshot() {
		l.HandleState(state, err)
	}
}

func (c *Channel) stop(ctx context.Context) error {
	c.setState(StateStopped, nil)
	select {
	case <-c.closed:
		return nil
	default:
		return ctx.Err()
	}
}

func (c *Channel) stopping(ctx context.Context) bool {
	select {
	case <-c.closed:
		return true
	default:
		return ctx.Err() != nil
	}
}

func (c *Channel) takeRedirect() bool {
	select {
	case <-c.redirect:
		return true
	default:
		return false
	}
}

// pendingRedirect consumes a redirect signal and re-arms it so the main
// loop skips backoff.
func (c *Channel) pendingRedirect() bool {
	if !c.takeRedirect() {
		return false
	}
	select {
	case c.redirect <- struct{}{}:
	default:
	}
	return true
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func classifyDialError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrConnectionTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrConnectionTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrServerNotAccepting
	}

	return fmt.Errorf("%w: %v", ErrChannel, err)
}

func classifyReadError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("%w: code %d", ErrConnectionClosed, closeErr.Code)
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		return ErrConnectionClosed
	}

	return fmt.Errorf("%w: read failed: %v", ErrChannel, err)
}
