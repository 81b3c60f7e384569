// Package relaytest provides an in-process stand-in for the production
// relay: it upgrades /ws/{userID} connections, checks the token query
// parameter, and forwards addressed envelopes between connected clients
// without interpreting payloads. Tests point a Channel's RelayBaseURL at an
// httptest server wrapping a Relay.
package relaytest

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sangamlabs/callkit/internal/signaling"
)

// CloseCodeUnauthorized mirrors the production relay's application close
// code for rejected tokens.
const CloseCodeUnauthorized = 4401

type Relay struct {
	upgrader websocket.Upgrader

	mu        sync.Mutex
	clients   map[int64]*client
	authorize func(token string) bool
}

type client struct {
	userID int64
	conn   *websocket.Conn

	writeMu sync.Mutex
}

// New builds a relay that accepts any non-empty token.
func New() *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:   make(map[int64]*client),
		authorize: func(token string) bool { return token != "" },
	}
}

// SetAuthorize replaces the token check. Applies to subsequent handshakes.
func (r *Relay) SetAuthorize(fn func(token string) bool) {
	r.mu.Lock()
	r.authorize = fn
	r.mu.Unlock()
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	const prefix = "/ws/"
	if !strings.HasPrefix(req.URL.Path, prefix) {
		http.NotFound(w, req)
		return
	}
	userID, err := strconv.ParseInt(strings.TrimPrefix(req.URL.Path, prefix), 10, 64)
	if err != nil {
		http.Error(w, "bad user id", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	authorize := r.authorize
	r.mu.Unlock()
	if !authorize(req.URL.Query().Get("token")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	c := &client{userID: userID, conn: conn}
	r.mu.Lock()
	if prev, ok := r.clients[userID]; ok {
		_ = prev.conn.Close()
	}
	r.clients[userID] = c
	r.mu.Unlock()

	go r.readPump(c)
}

func (r *Relay) readPump(c *client) {
	defer func() {
		r.mu.Lock()
		if r.clients[c.userID] == c {
			delete(r.clients, c.userID)
		}
		r.mu.Unlock()
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := signaling.ParseEnvelope(data)
		if err != nil {
			continue
		}
		env.SenderID = c.userID
		r.forward(env)
	}
}

func (r *Relay) forward(env signaling.Envelope) {
	r.mu.Lock()
	target := r.clients[env.TargetID]
	r.mu.Unlock()
	if target == nil {
		return
	}

	target.writeMu.Lock()
	defer target.writeMu.Unlock()
	_ = target.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = target.conn.WriteJSON(env)
}

// Connected reports whether userID currently holds a live connection.
func (r *Relay) Connected(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[userID] != nil
}

// Push writes an envelope directly to userID, as if forwarded from
// env.SenderID.
func (r *Relay) Push(userID int64, env signaling.Envelope) {
	r.mu.Lock()
	target := r.clients[userID]
	r.mu.Unlock()
	if target == nil {
		return
	}
	target.writeMu.Lock()
	defer target.writeMu.Unlock()
	_ = target.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = target.conn.WriteJSON(env)
}

// PushRaw writes a raw frame directly to userID (malformed-input tests).
func (r *Relay) PushRaw(userID int64, data []byte) {
	r.mu.Lock()
	target := r.clients[userID]
	r.mu.Unlock()
	if target == nil {
		return
	}
	target.writeMu.Lock()
	defer target.writeMu.Unlock()
	_ = target.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = target.conn.WriteMessage(websocket.TextMessage, data)
}

// CloseClient force-closes userID's connection with the given close code,
// simulating server-side drops and auth revocations.
func (r *Relay) CloseClient(userID int64, code int, reason string) {
	r.mu.Lock()
	target := r.clients[userID]
	if target != nil {
		delete(r.clients, userID)
	}
	r.mu.Unlock()
	if target == nil {
		return
	}

	target.writeMu.Lock()
	_ = target.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = target.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	target.writeMu.Unlock()
	_ = target.conn.Close()
}
