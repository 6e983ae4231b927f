package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/predyx/a2a/internal/protocol"
	"github.com/predyx/a2a/internal/router"
)

// Keepalive tuning, sized for proxies that drop idle connections.
const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	maxFrameSize = 1 << 20
)

// conn wraps one agent socket. The read loop is its single reader; writes
// from the read loop and the fan-out path are serialized by writeMu.
type conn struct {
	ws   *websocket.Conn
	sess *router.Session

	writeMu      sync.Mutex
	closeOnce    sync.Once
	teardownOnce sync.Once
}

func (c *conn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) close() {
	c.closeOnce.Do(func() { c.ws.Close() })
}

// readLoop drives parse → rate limit → route → respond for one connection
// until the socket dies. It returns once the connection should be torn down.
func (s *Server) readLoop(c *conn) {
	ws := c.ws
	ws.SetReadLimit(maxFrameSize)

	// Until the handshake lands, the connection only has authTimeout to live.
	ws.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))

	keepaliveStarted := false
	done := make(chan struct{})
	defer close(done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Str("agent", c.sess.AgentID).Msg("read error")
			}
			return
		}
		if c.sess.Authenticated() {
			ws.SetReadDeadline(time.Now().Add(pongWait))
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			if werr := c.writeJSON(protocol.NewErrorResponse(nil, protocol.CodeParseError, "Parse error")); werr != nil {
				return
			}
			continue
		}

		if !c.sess.Limiter.Allow() {
			s.metrics.rateLimited.Inc()
			if werr := c.writeJSON(protocol.NewErrorResponse(req.ID, protocol.CodeRateLimitExceeded, "Rate limit exceeded")); werr != nil {
				return
			}
			continue
		}

		if resp := validateEnvelope(&req); resp != nil {
			if werr := c.writeJSON(resp); werr != nil {
				return
			}
			continue
		}

		s.metrics.messages.WithLabelValues(req.Method).Inc()
		resp := s.router.Route(c.sess.AgentID, &req, c.sess)

		if req.Method == protocol.MethodHandshake {
			if resp.Error == nil {
				s.register(c)
				ws.SetReadDeadline(time.Now().Add(pongWait))
				ws.SetPongHandler(func(string) error {
					ws.SetReadDeadline(time.Now().Add(pongWait))
					return nil
				})
				if !keepaliveStarted {
					keepaliveStarted = true
					go s.keepalive(c, done)
				}
			} else {
				s.metrics.authFailures.Inc()
			}
		}

		if err := c.writeJSON(resp); err != nil {
			// Socket already gone; tear down as if a close event occurred.
			return
		}
	}
}

// validateEnvelope rejects frames that parse but are not valid JSON-RPC 2.0
// requests.
func validateEnvelope(req *protocol.Request) *protocol.Response {
	if req.JSONRPC != protocol.Version {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, `Invalid Request: jsonrpc must be "2.0"`)
	}
	if req.ID == nil {
		return protocol.NewErrorResponse(nil, protocol.CodeInvalidRequest, "Invalid Request: missing id")
	}
	if req.Method == "" {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "Invalid Request: missing method")
	}
	return nil
}

// keepalive pings until the connection's read loop exits.
func (s *Server) keepalive(c *conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				s.log.Debug().Err(err).Str("agent", c.sess.AgentID).Msg("ping failed")
				c.close()
				return
			}
		case <-done:
			return
		}
	}
}
