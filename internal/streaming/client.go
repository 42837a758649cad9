package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quantgate/gateway/internal/authcache"
	"github.com/quantgate/gateway/internal/domain"
)

// connState is the per-client connection state machine (§4.6).
type connState int

const (
	stateConnected connState = iota
	stateAuthenticated
	stateActive
	stateClosing
	stateClosed
)

const (
	sendQueueDepth = 256
	writeWait      = 10 * time.Second
	brokerCallTimeout = 30 * time.Second
)

// wireSymbol is one entry of a subscribe/unsubscribe frame's symbol list.
type wireSymbol struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

// clientFrame is the union of every inbound §6.1 frame shape.
type clientFrame struct {
	Action  string       `json:"action"`
	APIKey  string       `json:"api_key,omitempty"`
	Symbols []wireSymbol `json:"symbols,omitempty"`
	Mode    string       `json:"mode,omitempty"`
	Depth   int          `json:"depth_level,omitempty"`
}

// Client is one authenticated (or authenticating) WS connection.
type Client struct {
	id   string
	conn *websocket.Conn
	log  zerolog.Logger

	hub      *Hub
	verifier *authcache.Verifier

	send chan []byte

	mu          sync.Mutex
	state       connState
	userID      string
	brokerName  string
	acquiredRef bool
}

// newClient wraps an upgraded websocket connection.
func newClient(conn *websocket.Conn, hub *Hub, verifier *authcache.Verifier, log zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:       id,
		conn:     conn,
		log:      log.With().Str("client_id", id).Logger(),
		hub:      hub,
		verifier: verifier,
		send:     make(chan []byte, sendQueueDepth),
		state:    stateConnected,
	}
}

func (c *Client) noteAdapterAcquired() {
	c.mu.Lock()
	c.acquiredRef = true
	c.mu.Unlock()
}

func (c *Client) adapterAcquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquiredRef
}

// trySend is the per-client bounded, non-blocking fan-out write (§4.6
// "Cancellation": a slow client must not stall fan-out to others). On
// overflow the client is closed rather than allowed to fall further behind.
func (c *Client) trySend(payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.log.Warn().Msg("client send queue full, closing slow client")
		c.close()
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.state == stateClosing || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosing
	c.mu.Unlock()
	c.conn.Close()
}

// writePump drains send and writes to the socket until it is closed.
func (c *Client) writePump() {
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// readPump is the per-client protocol loop: authenticate, then subscribe /
// unsubscribe frames, until the socket closes or a protocol error occurs.
func (c *Client) readPump() {
	defer func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		c.hub.Cleanup(c)
		close(c.send)
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}

		switch frame.Action {
		case "authenticate":
			c.handleAuthenticate(frame)
		case "subscribe":
			c.handleSubscribe(frame)
		case "unsubscribe":
			c.handleUnsubscribe(frame)
		}
	}
}

type authResponse struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (c *Client) handleAuthenticate(frame clientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), brokerCallTimeout)
	defer cancel()

	cached, err := c.verifier.Verify(ctx, frame.APIKey)
	if err != nil {
		c.sendJSON(authResponse{Type: "auth_response", Status: "error", Message: "invalid api key"})
		c.close()
		return
	}

	c.mu.Lock()
	c.userID = cached.UserID
	c.state = stateActive // implicit AUTHENTICATED -> ACTIVE on auth success (§4.6)
	c.mu.Unlock()

	c.sendJSON(authResponse{Type: "auth_response", Status: "success"})
}

func (c *Client) handleSubscribe(frame clientFrame) {
	if !c.ensureActive() {
		return
	}
	mode, ok := domain.ParseStreamMode(frame.Mode)
	if !ok {
		return
	}
	if err := c.ensureBroker(); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), brokerCallTimeout)
	defer cancel()
	for _, s := range frame.Symbols {
		if err := c.hub.Subscribe(ctx, c, s.Symbol, s.Exchange, mode, frame.Depth); err != nil {
			c.log.Warn().Err(err).Str("symbol", s.Symbol).Msg("subscribe failed")
		}
	}
}

func (c *Client) handleUnsubscribe(frame clientFrame) {
	if !c.ensureActive() {
		return
	}
	mode, ok := domain.ParseStreamMode(frame.Mode)
	if !ok {
		mode = domain.ModeLTP
	}
	for _, s := range frame.Symbols {
		if err := c.hub.Unsubscribe(c, s.Symbol, s.Exchange, mode); err != nil {
			c.log.Warn().Err(err).Str("symbol", s.Symbol).Msg("unsubscribe failed")
		}
	}
}

func (c *Client) ensureActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateActive || c.state == stateAuthenticated
}

// ensureBroker resolves and caches the user's default broker for the
// lifetime of this connection, since the wire protocol never names one.
func (c *Client) ensureBroker() error {
	c.mu.Lock()
	if c.brokerName != "" {
		c.mu.Unlock()
		return nil
	}
	userID := c.userID
	c.mu.Unlock()

	broker, err := c.hub.pool.creds.DefaultBroker(context.Background(), userID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.brokerName = broker
	c.mu.Unlock()
	return nil
}

func (c *Client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.trySend(data)
}
