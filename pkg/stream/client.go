// Package stream provides the streaming transport for live meeting
// transcripts: a WebSocket client with keepalive and capped exponential
// backoff reconnection, per-meeting subscription bookkeeping, and the decoder
// for the closed set of server event frames.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Default transport tuning. The values mirror the transcription service's
// documented client contract.
const (
	DefaultPingInterval   = 25 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultBackoffBase    = 1 * time.Second
	DefaultMaxAttempts    = 5
)

// Transport errors.
var (
	// ErrAuth indicates a missing or rejected credential. Auth failures are
	// never retried automatically.
	ErrAuth = errors.New("stream: missing or rejected credential")

	// ErrNotConnected is returned by Send and Subscribe when the connection
	// is not open.
	ErrNotConnected = errors.New("stream: not connected")
)

// State is the connection state of a [Client].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return "disconnected"
}

// Lifecycle holds callbacks invoked on connection state transitions. Each
// callback fires exactly once per transition. Either field may be nil.
type Lifecycle struct {
	// OnOpen fires when the connection reaches the open state, including
	// after an automatic reconnect. Re-subscription after a reconnect is the
	// caller's responsibility: the transport has no notion of a current
	// meeting.
	OnOpen func()

	// OnDisconnect fires when the connection leaves the open or connecting
	// state. terminal is true when the client has given up (credential
	// rejected or retry budget exhausted) and will not reconnect on its own.
	OnDisconnect func(terminal bool)
}

// Config configures a [Client].
type Config struct {
	// URL is the WebSocket endpoint, without credential. Required.
	URL string

	// APIKey is appended to the dial URL as the api_key query parameter.
	// It is redacted from all diagnostics.
	APIKey string

	// OnFrame receives every raw inbound frame, in arrival order, from the
	// single read goroutine. The callback must not block for long: frame
	// processing time directly backpressures the connection.
	OnFrame func(data []byte)

	// PingInterval is the keepalive probe interval while open.
	// Defaults to [DefaultPingInterval] if zero.
	PingInterval time.Duration

	// ConnectTimeout bounds the handshake. A dial that has not reached open
	// within this window is aborted and counts as a failed attempt.
	// Defaults to [DefaultConnectTimeout] if zero.
	ConnectTimeout time.Duration

	// BackoffBase is the first reconnect delay; it doubles per attempt.
	// Defaults to [DefaultBackoffBase] if zero.
	BackoffBase time.Duration

	// MaxAttempts is the reconnect attempt budget. The counter resets on
	// every successful open. Defaults to [DefaultMaxAttempts] if zero.
	MaxAttempts int
}

// Client owns one streaming connection to the transcription service.
//
// All methods are safe for concurrent use. The keepalive and reconnect
// timers never touch anything beyond connection state; transcript state
// belongs to the layers above.
type Client struct {
	cfg Config

	mu         sync.Mutex
	state      State
	conn       *conn
	gen        uint64 // increments per dial; stale goroutines detect supersession
	apiKey     string
	attempts   int
	retry      *time.Timer
	retryArmed bool
	userClosed bool
	terminal   bool
	lifecycles []Lifecycle
}

// conn bundles a live WebSocket with its keepalive stop channel so the read
// loop and Disconnect cannot double-close it.
type conn struct {
	ws       *websocket.Conn
	done     chan struct{}
	stopOnce sync.Once
}

func (c *conn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// New creates a Client. cfg.URL must be a valid ws:// or wss:// URL.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("stream: URL must not be empty")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("stream: parse URL: %w", err)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Client{cfg: cfg, apiKey: cfg.APIKey}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Terminal reports whether the client has exhausted its retry budget (or hit
// an auth failure) and requires a fresh Connect call to resume.
func (c *Client) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// Notify registers lifecycle callbacks. Registration order is preserved on
// every transition.
func (c *Client) Notify(l Lifecycle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lifecycles = append(c.lifecycles, l)
}

// SetAPIKey replaces the credential used on subsequent dials. The live
// connection, if any, is unaffected.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// Connect dials the streaming endpoint. It is idempotent: a call while the
// connection is already open or connecting is a no-op. A handshake that does
// not complete within the connect timeout fails and counts toward the
// reconnect budget. A Disconnect issued while the handshake is in flight
// wins: the fresh connection is closed and Connect returns nil.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.userClosed = false
	c.terminal = false
	c.gen++
	gen := c.gen
	apiKey := c.apiKey
	c.mu.Unlock()

	if apiKey == "" {
		c.failConnect(gen, true)
		return ErrAuth
	}

	dialURL, err := withCredential(c.cfg.URL, apiKey)
	if err != nil {
		c.failConnect(gen, false)
		return fmt.Errorf("stream: build dial URL: %w", err)
	}

	slog.Debug("stream: connecting", "url", RedactURL(dialURL))

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	ws, resp, err := websocket.Dial(dialCtx, dialURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.failConnect(gen, true)
			return fmt.Errorf("stream: dial: %w", ErrAuth)
		}
		c.failConnect(gen, false)
		return fmt.Errorf("stream: dial: %w", err)
	}

	cn := &conn{ws: ws, done: make(chan struct{})}
	c.mu.Lock()
	if gen != c.gen {
		// A newer dial owns the state; this handshake's result is unwanted.
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	if c.userClosed {
		// Disconnect raced the handshake. Settle the close instead of going
		// open on a connection the caller already gave up on.
		c.state = StateDisconnected
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	c.conn = cn
	c.state = StateOpen
	c.attempts = 0
	lifecycles := append([]Lifecycle(nil), c.lifecycles...)
	c.mu.Unlock()

	go c.readLoop(cn, gen)
	go c.pingLoop(cn)

	slog.Info("stream: connected", "url", RedactURL(c.cfg.URL))
	for _, l := range lifecycles {
		if l.OnOpen != nil {
			l.OnOpen()
		}
	}
	return nil
}

// failConnect transitions a failed dial back to disconnected and, for
// non-auth failures, schedules the next backoff attempt.
func (c *Client) failConnect(gen uint64, auth bool) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	terminal := auth
	if !auth && !c.userClosed {
		terminal = !c.scheduleRetryLocked()
	}
	c.terminal = terminal
	lifecycles := append([]Lifecycle(nil), c.lifecycles...)
	c.mu.Unlock()

	for _, l := range lifecycles {
		if l.OnDisconnect != nil {
			l.OnDisconnect(terminal)
		}
	}
}

// Disconnect closes the connection with a normal-closure code and cancels
// any pending reconnect. Idempotent. Local subscription bookkeeping is
// cleared through the registered lifecycle callbacks.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	c.attempts = 0
	if c.retry != nil {
		c.retry.Stop()
		c.retryArmed = false
	}
	if c.state == StateDisconnected || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	cn := c.conn
	c.mu.Unlock()

	if cn != nil {
		cn.stop()
		// The read loop observes the closure and completes the transition
		// to disconnected.
		_ = cn.ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// Send marshals v as JSON and writes it as a text frame. Fails with
// [ErrNotConnected] unless the connection is open.
func (c *Client) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	cn := c.conn
	c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream: marshal message: %w", err)
	}
	if err := cn.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("stream: write: %w", err)
	}
	return nil
}

// readLoop receives frames until the connection drops, then drives the
// disconnect transition and reconnect scheduling.
func (c *Client) readLoop(cn *conn, gen uint64) {
	for {
		_, data, err := cn.ws.Read(context.Background())
		if err != nil {
			c.handleClose(cn, gen, err)
			return
		}
		if c.cfg.OnFrame != nil {
			c.cfg.OnFrame(data)
		}
	}
}

// handleClose processes a connection loss observed by the read loop. A close
// with the normal-closure code (user-initiated disconnect) never reconnects;
// any other close schedules a backoff attempt while budget remains.
func (c *Client) handleClose(cn *conn, gen uint64, err error) {
	cn.stop()

	c.mu.Lock()
	if gen != c.gen {
		// A superseded connection's read loop; the current state belongs to
		// a newer dial.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected

	status := websocket.CloseStatus(err)
	abnormal := status != websocket.StatusNormalClosure
	terminal := false
	if !c.userClosed && abnormal {
		terminal = !c.scheduleRetryLocked()
	}
	c.terminal = terminal
	lifecycles := append([]Lifecycle(nil), c.lifecycles...)
	c.mu.Unlock()

	slog.Warn("stream: disconnected",
		"close_status", status,
		"abnormal", abnormal,
		"terminal", terminal,
		"err", err,
	)
	for _, l := range lifecycles {
		if l.OnDisconnect != nil {
			l.OnDisconnect(terminal)
		}
	}
}

// scheduleRetryLocked arms the reconnect timer if budget remains. Returns
// false when the attempt budget is exhausted. At most one attempt is pending
// at a time; arming while armed is a no-op. Caller holds c.mu.
func (c *Client) scheduleRetryLocked() bool {
	if c.retryArmed {
		return true
	}
	if c.attempts >= c.cfg.MaxAttempts {
		slog.Error("stream: reconnect budget exhausted", "max_attempts", c.cfg.MaxAttempts)
		return false
	}
	c.attempts++
	delay := c.cfg.BackoffBase << (c.attempts - 1)
	slog.Info("stream: scheduling reconnect",
		"attempt", c.attempts,
		"max_attempts", c.cfg.MaxAttempts,
		"delay", delay,
	)
	c.retryArmed = true
	c.retry = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retryArmed = false
		skip := c.userClosed
		c.mu.Unlock()
		if skip {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			slog.Warn("stream: reconnect attempt failed", "err", err)
		}
	})
	return true
}

// pingLoop emits a keepalive probe on a fixed interval while the connection
// is open. The probe exists to keep intermediaries from idling out the
// connection; the pong carries no liveness obligation.
func (c *Client) pingLoop(cn *conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cn.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PingInterval)
			err := cn.ws.Write(ctx, websocket.MessageText, []byte(`{"action":"ping"}`))
			cancel()
			if err != nil {
				// The read loop sees the same failure and owns the transition.
				return
			}
		}
	}
}

// withCredential appends the api_key query parameter to rawURL.
func withCredential(rawURL, apiKey string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("api_key", apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RedactURL masks the api_key query parameter so connection URLs can appear
// in logs and error messages without leaking the credential.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "(unparseable url)"
	}
	q := u.Query()
	if q.Has("api_key") {
		q.Set("api_key", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
