// Package client is the agent-side counterpart of the A2A server: it dials
// the WebSocket endpoint, signs the authentication challenge, and exposes
// request/response and notification APIs over the shared socket.
package client

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/predyx/a2a/internal/auth"
	"github.com/predyx/a2a/internal/protocol"
)

// State is the client connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

var (
	ErrNotConnected     = errors.New("client not connected")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrConnectionClosed = errors.New("connection closed")
)

const (
	defaultRequestTimeout    = 30 * time.Second
	defaultReconnectInterval = 5 * time.Second
)

// Config configures a client. PrivateKey signs the handshake challenge; the
// wallet address is derived from it.
type Config struct {
	URL               string
	PrivateKey        *ecdsa.PrivateKey
	TokenID           string
	Capabilities      protocol.Capabilities
	AutoReconnect     bool
	ReconnectInterval time.Duration
	RequestTimeout    time.Duration
	Logger            zerolog.Logger
}

// NotificationHandler receives the raw params of a server push.
type NotificationHandler func(params json.RawMessage)

// Client is safe for concurrent use once connected.
type Client struct {
	cfg     Config
	address string
	log     zerolog.Logger

	mu           sync.RWMutex
	state        State
	ws           *websocket.Conn
	agentID      string
	sessionToken string
	expiresAt    time.Time
	userClosed   bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response

	handlerMu sync.RWMutex
	handlers  map[string][]NotificationHandler
}

// New builds a client. Connect must be called before any request.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if cfg.PrivateKey == nil {
		return nil, errors.New("client: private key is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	return &Client{
		cfg:      cfg,
		address:  crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey).Hex(),
		log:      cfg.Logger.With().Str("component", "client").Logger(),
		pending:  make(map[string]chan *protocol.Response),
		handlers: make(map[string][]NotificationHandler),
	}, nil
}

// Address returns the wallet address derived from the private key.
func (c *Client) Address() string { return c.address }

// AgentID returns the id assigned by the server at handshake.
func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// SessionToken returns the current session token.
func (c *Client) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect dials the server and performs the signed handshake. It resolves
// once the server grants a session, or fails on rejection or timeout.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("client: connect in state %s", c.state)
	}
	c.state = StateConnecting
	c.userClosed = false
	c.mu.Unlock()

	if err := c.dialAndHandshake(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	return nil
}

func (c *Client) dialAndHandshake(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.state = StateHandshaking
	c.mu.Unlock()

	go c.readLoop(ws)

	ts := time.Now().UnixMilli()
	sig, err := c.signChallenge(ts)
	if err != nil {
		ws.Close()
		return fmt.Errorf("sign challenge: %w", err)
	}

	resp, err := c.Call(ctx, protocol.MethodHandshake, protocol.HandshakeParams{
		Address:      c.address,
		TokenID:      c.cfg.TokenID,
		Signature:    sig,
		Timestamp:    ts,
		Capabilities: c.cfg.Capabilities,
	})
	if err != nil {
		ws.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	var result protocol.HandshakeResult
	if err := json.Unmarshal(resp, &result); err != nil {
		ws.Close()
		return fmt.Errorf("decode handshake result: %w", err)
	}

	c.mu.Lock()
	c.agentID = result.AgentID
	c.sessionToken = result.SessionToken
	c.expiresAt = result.ExpiresAt
	c.state = StateReady
	c.mu.Unlock()

	c.log.Info().Str("agent", result.AgentID).Msg("connected")
	return nil
}

// signChallenge signs the timestamped challenge with the wallet key.
func (c *Client) signChallenge(timestamp int64) (string, error) {
	digest := auth.PersonalDigest(auth.Challenge(c.address, c.cfg.TokenID, timestamp))
	sig, err := crypto.Sign(digest, c.cfg.PrivateKey)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// Disconnect closes the connection cleanly and disables auto-reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	ws := c.ws
	c.state = StateDisconnected
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}

// Call sends a request and waits for the matching response, correlated by
// id, or until the request timeout fires — whichever comes first. A late
// response for a timed-out id is dropped by the read loop.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws == nil {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	ch := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("encode params: %w", err)
		}
	}

	req := protocol.Request{JSONRPC: protocol.Version, ID: id, Method: method, Params: raw}
	if err := c.write(ws, req); err != nil {
		cleanup()
		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, ErrConnectionClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, c.cfg.RequestTimeout)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification (no id, no reply expected).
func (c *Client) Notify(method string, params interface{}) error {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws == nil {
		return ErrNotConnected
	}
	return c.write(ws, protocol.NewNotification(method, params))
}

func (c *Client) write(ws *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteJSON(v)
}

// On registers a handler for a server push event (notification method name).
func (c *Client) On(event string, handler NotificationHandler) {
	c.handlerMu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.handlerMu.Unlock()
}

// frame is the superset of response and notification shapes; the read loop
// tells them apart by the presence of an id.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *protocol.Error `json:"error,omitempty"`
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			c.onSocketClosed(ws, err)
			return
		}
		if f.ID == nil && f.Method != "" {
			c.dispatchNotification(f.Method, f.Params)
			continue
		}
		key := fmt.Sprint(f.ID)
		c.pendingMu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- &protocol.Response{JSONRPC: f.JSONRPC, ID: f.ID, Result: f.Result, Error: f.Error}
		}
		// No pending entry: late response for a timed-out request; drop it.
	}
}

func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	c.handlerMu.RLock()
	handlers := append([]NotificationHandler(nil), c.handlers[method]...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(params)
	}
}

// onSocketClosed fails outstanding requests and, when enabled, starts the
// reconnect loop. Reconnect only covers connections that were fully
// established: a socket closed by a failed connect attempt already reported
// its error to the caller and must not revive itself.
func (c *Client) onSocketClosed(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	wasReady := c.state == StateReady
	c.ws = nil
	c.state = StateDisconnected
	userClosed := c.userClosed
	c.mu.Unlock()

	c.failPending()

	if userClosed || !c.cfg.AutoReconnect || !wasReady {
		return
	}
	c.log.Warn().Err(err).Msg("connection lost, reconnecting")
	go c.reconnectLoop()
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// reconnectLoop re-runs the full connect+handshake sequence at a fixed
// interval until it succeeds or the client is closed.
func (c *Client) reconnectLoop() {
	for {
		time.Sleep(c.cfg.ReconnectInterval)

		c.mu.Lock()
		if c.userClosed || c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		err := c.dialAndHandshake(ctx)
		cancel()
		if err == nil {
			return
		}
		c.log.Warn().Err(err).Msg("reconnect attempt failed")
		c.setState(StateDisconnected)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
