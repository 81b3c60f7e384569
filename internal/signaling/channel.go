package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sangamlabs/callkit/internal/credentials"
	"github.com/sangamlabs/callkit/internal/metrics"
)

// State is the channel's connection state. Transitions are strictly
// sequential; no two states are concurrently true.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateRecoveringCredential
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateRecoveringCredential:
		return "recovering-credential"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotOpen is returned by Send when the channel has no open connection.
// The message has been dropped and logged; the channel never queues or
// retries sends.
var ErrNotOpen = errors.New("signaling channel not open")

// closeCodeUnauthorized is the relay's application close code for an
// expired or rejected token.
const closeCodeUnauthorized = 4401

// ChannelConfig wires the channel's collaborators.
type ChannelConfig struct {
	// RelayBaseURL is the relay's http(s) base; the channel dials
	// {RelayBaseURL}/ws/{UserID}?token={credential}.
	RelayBaseURL string
	UserID       int64

	Credentials credentials.Provider

	// Handler receives every successfully parsed inbound envelope. Exactly
	// one handler is supported; it is invoked from the read goroutine and
	// must not block for long.
	Handler func(Envelope)

	// RecoverCredential runs the auth-recovery cycle after an unauthorized
	// close. Defaults to Credentials.Refresh. An empty credential or error
	// means recovery failed and the channel stays disconnected.
	RecoverCredential func(ctx context.Context) (string, error)

	// MaxReconnectAttempts caps consecutive automatic reconnects.
	// 0 = unbounded.
	MaxReconnectAttempts int

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	Logger  *slog.Logger
	Metrics metrics.Collector

	// Dialer overrides the WebSocket dialer (tests).
	Dialer *websocket.Dialer
}

// Channel owns one logical connection to the relay. The underlying handle is
// replaced, never mutated, on each (re)connect; a generation counter makes
// completions from superseded connections no-ops.
type Channel struct {
	cfg     ChannelConfig
	logger  *slog.Logger
	metrics metrics.Collector
	dialer  *websocket.Dialer
	recover func(ctx context.Context) (string, error)
	jitter  func() time.Duration

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	gen            uint64
	attempts       int
	reconnectTimer *time.Timer
	recovering     bool
	disposed       bool

	writeMu sync.Mutex
}

func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.RelayBaseURL == "" {
		return nil, errors.New("signaling: relay base URL required")
	}
	if cfg.UserID == 0 {
		return nil, errors.New("signaling: user id required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("signaling: credential provider required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("signaling: message handler required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	coll := cfg.Metrics
	if coll == nil {
		coll = metrics.Nop{}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	}
	rec := cfg.RecoverCredential
	if rec == nil {
		rec = cfg.Credentials.Refresh
	}

	return &Channel{
		cfg:     cfg,
		logger:  logger.With("component", "signaling"),
		metrics: coll,
		dialer:  dialer,
		recover: rec,
		jitter:  defaultJitter,
	}, nil
}

// State reports the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the channel. It is a no-op while a connect, open connection,
// or credential-recovery cycle is already in progress, and after Disconnect.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.disposed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.cancelReconnectLocked()
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.dial(gen)
}

// Disconnect permanently disposes the channel: the pending reconnect timer
// is cancelled and the active handle closed without triggering reconnect
// logic. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.disposed = true
	c.cancelReconnectLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.gen++
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Send serializes and writes the envelope if the channel is open. Otherwise
// the message is dropped and logged and ErrNotOpen returned; callers own any
// retry semantics (the call layer deliberately has none).
func (c *Channel) Send(env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen && conn != nil
	c.mu.Unlock()

	if !open {
		c.logger.Warn("dropping outbound message, channel not open", "type", env.Type, "target_id", env.TargetID)
		c.metrics.MessageDropped(string(env.Type), "not_open")
		return ErrNotOpen
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", env.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.metrics.MessageDropped(string(env.Type), "write_error")
		return fmt.Errorf("write %s message: %w", env.Type, err)
	}
	c.metrics.MessageSent(string(env.Type))
	return nil
}

func (c *Channel) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	cred, err := c.cfg.Credentials.Current(ctx)
	if err != nil || cred == "" {
		if err != nil {
			c.logger.Warn("credential lookup failed", "err", err)
		} else {
			c.logger.Warn("no credential available, entering recovery")
		}
		c.authFailure(gen)
		return
	}

	wsURL, err := signalURL(c.cfg.RelayBaseURL, c.cfg.UserID, cred)
	if err != nil {
		c.logger.Error("invalid relay base URL", "err", err)
		c.transientFailure(gen, nil)
		return
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.logger.Warn("relay rejected credential on handshake", "status", resp.StatusCode)
			c.authFailure(gen)
			return
		}
		c.logger.Warn("relay dial failed", "err", err)
		c.transientFailure(gen, nil)
		return
	}

	c.mu.Lock()
	if c.disposed || gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	// The previous handle is fully discarded before a new one is installed,
	// so at most one live connection exists at any instant.
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("signaling channel open", "user_id", c.cfg.UserID)
	c.metrics.ChannelOpened()

	go c.readLoop(conn, gen)
}

func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if isUnauthorizedClose(err) {
				c.logger.Warn("signaling channel closed unauthorized", "err", err)
				c.metrics.ChannelClosed("unauthorized")
				c.authFailure(gen)
			} else {
				c.logger.Info("signaling channel closed", "err", err)
				c.metrics.ChannelClosed("transient")
				c.transientFailure(gen, conn)
			}
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			// Malformed inbound payloads are dropped; they never close the
			// connection.
			c.logger.Debug("dropping malformed inbound frame", "err", err)
			c.metrics.MessageDropped("unknown", "malformed")
			continue
		}

		c.metrics.MessageReceived(string(env.Type))
		c.cfg.Handler(env)
	}
}

// transientFailure tears down the given connection generation and schedules
// a backoff reconnect, unless the channel is disposed or the generation has
// been superseded.
func (c *Channel) transientFailure(gen uint64, conn *websocket.Conn) {
	c.mu.Lock()
	if c.disposed || gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected

	if c.cfg.MaxReconnectAttempts > 0 && c.attempts >= c.cfg.MaxReconnectAttempts {
		attempts := c.attempts
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted", "attempts", attempts)
		c.metrics.ChannelClosed("attempts_exhausted")
		return
	}

	attempt := c.attempts
	c.attempts++
	delay := backoffDelay(attempt, c.jitter)

	// At most one scheduled reconnect exists; scheduling cancels any
	// pending timer first.
	c.cancelReconnectLocked()
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.Connect()
	})
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	c.metrics.ReconnectScheduled(attempt)
}

// authFailure enters credential recovery. Only one recovery cycle runs at a
// time; concurrent triggers are ignored. On success the backoff counter
// resets and the channel reconnects immediately; on failure it stays
// disconnected until the owner calls Connect again.
func (c *Channel) authFailure(gen uint64) {
	c.mu.Lock()
	if c.disposed || c.recovering {
		c.mu.Unlock()
		return
	}
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.recovering = true
	c.cancelReconnectLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateRecoveringCredential
	c.mu.Unlock()

	go c.runRecovery()
}

func (c *Channel) runRecovery() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	cred, err := c.recover(ctx)

	c.mu.Lock()
	c.recovering = false
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	if err != nil || cred == "" {
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("credential recovery failed", "err", err)
		} else {
			c.logger.Warn("credential recovery returned no credential")
		}
		c.metrics.CredentialRecovery(false)
		return
	}
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("credential recovered, reconnecting")
	c.metrics.CredentialRecovery(true)
	c.Connect()
}

func (c *Channel) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func signalURL(base string, userID int64, credential string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + strconv.FormatInt(userID, 10)
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isUnauthorizedClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	if ce.Code == closeCodeUnauthorized || ce.Code == websocket.ClosePolicyViolation {
		return true
	}
	return strings.Contains(strings.ToLower(ce.Text), "unauthorized")
}
