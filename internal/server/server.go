// Package server is the WebSocket front door of the A2A protocol: it accepts
// agent connections, drives the per-connection read/dispatch/write loop, and
// fans unsolicited notifications out to subscribers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/predyx/a2a/internal/protocol"
	"github.com/predyx/a2a/internal/registry"
	"github.com/predyx/a2a/internal/router"
)

// Config tunes the transport layer. Protocol feature gates live in
// router.Config.
type Config struct {
	Host             string
	Port             int
	MaxConnections   int
	MessageRateLimit int // messages per minute per connection
	AuthTimeout      time.Duration
	// MarketFeedInterval drives the marketUpdate push loop when a market
	// data provider is configured. Zero disables the feed.
	MarketFeedInterval time.Duration
}

// Server owns the connection registry and implements router.Pusher.
type Server struct {
	cfg      Config
	router   *router.Router
	agents   *registry.Agents
	subs     *registry.Subscriptions
	provider router.MarketDataProvider
	log      zerolog.Logger
	metrics  *metrics

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu    sync.RWMutex
	conns map[string]*conn // agentID -> conn, populated at handshake

	open     atomic.Int64 // all sockets, including pre-handshake
	feedDone chan struct{}
	feedOnce sync.Once
}

// New builds the server and wires itself into the router as its pusher.
func New(cfg Config, rt *router.Router, agents *registry.Agents, subs *registry.Subscriptions,
	provider router.MarketDataProvider, log zerolog.Logger) *Server {
	if cfg.MessageRateLimit <= 0 {
		cfg.MessageRateLimit = 120
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 30 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		router:   rt,
		agents:   agents,
		subs:     subs,
		provider: provider,
		log:      log.With().Str("component", "server").Logger(),
		metrics:  newMetrics(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:    make(map[string]*conn),
		feedDone: make(chan struct{}),
	}
	rt.SetPusher(s)
	return s
}

// Handler returns the HTTP surface: the WebSocket endpoint plus health,
// metrics, and the public agent index.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/.well-known/agents", s.handleAgentIndex).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})).Methods("GET")
	return r
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.Handler(),
	}
	if s.provider != nil && s.cfg.MarketFeedInterval > 0 {
		go s.marketFeed()
	}
	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener and closes every open connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.feedOnce.Do(func() { close(s.feedDone) })

	s.mu.Lock()
	for _, c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnections > 0 && s.open.Load() >= int64(s.cfg.MaxConnections) {
		http.Error(w, `{"error":"connection limit reached"}`, http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := router.NewSession()
	sess.Limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.cfg.MessageRateLimit)), s.cfg.MessageRateLimit)
	c := &conn{ws: ws, sess: sess}

	s.open.Add(1)
	s.metrics.connections.Inc()

	go func() {
		defer s.teardown(c)
		s.readLoop(c)
	}()
}

// register adds a freshly handshaken connection to the agentId -> socket map.
func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c.sess.AgentID] = c
	s.mu.Unlock()
}

// teardown runs exactly once per connection, on read-loop exit or write
// failure: drop the socket from the global map, clear subscription state,
// emit agent.disconnected. Coalition membership is left untouched. A write
// failure triggers teardown while the read loop's deferred call is still
// pending, so the body is guarded by teardownOnce.
func (s *Server) teardown(c *conn) {
	c.teardownOnce.Do(func() {
		c.close()
		s.open.Add(-1)
		s.metrics.connections.Dec()

		if agentID := c.sess.AgentID; agentID != "" {
			s.mu.Lock()
			if s.conns[agentID] == c {
				delete(s.conns, agentID)
			}
			s.mu.Unlock()
		}
		s.router.Disconnect(c.sess)
	})
}

// Notify implements router.Pusher. A write failure is swallowed and the
// target connection is torn down as if it had closed.
func (s *Server) Notify(agentID, method string, params interface{}) {
	s.mu.RLock()
	c, ok := s.conns[agentID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.writeJSON(protocol.NewNotification(method, params)); err != nil {
		s.log.Debug().Err(err).Str("agent", agentID).Msg("notify failed, dropping connection")
		go s.teardown(c)
		return
	}
	s.metrics.pushes.Inc()
}

// NotifyAll implements router.Pusher.
func (s *Server) NotifyAll(method string, params interface{}) {
	s.mu.RLock()
	targets := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	frame := protocol.NewNotification(method, params)
	for _, c := range targets {
		if err := c.writeJSON(frame); err != nil {
			go s.teardown(c)
			continue
		}
		s.metrics.pushes.Inc()
	}
}

// marketFeed polls the data provider and pushes a2a.marketUpdate to each
// market's subscribers.
func (s *Server) marketFeed() {
	ticker := time.NewTicker(s.cfg.MarketFeedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, marketID := range s.subs.ActiveMarkets() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				snap, err := s.provider.Snapshot(ctx, marketID)
				cancel()
				if err != nil {
					s.log.Debug().Err(err).Str("market", marketID).Msg("snapshot failed")
					continue
				}
				for _, agentID := range s.subs.Subscribers(marketID) {
					s.Notify(agentID, protocol.EventMarketUpdate, snap)
				}
			}
		case <-s.feedDone:
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	connected := len(s.conns)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":           "ok",
		"agents_connected": connected,
		"open_sockets":     s.open.Load(),
		"markets_active":   len(s.subs.ActiveMarkets()),
	})
}

// handleAgentIndex serves a public directory of connected agents, following
// the /.well-known/agents convention.
func (s *Server) handleAgentIndex(w http.ResponseWriter, _ *http.Request) {
	agents := s.agents.List()
	entries := make([]map[string]interface{}, 0, len(agents))
	for _, a := range agents {
		entries = append(entries, map[string]interface{}{
			"agentId":      a.AgentID,
			"capabilities": a.Capabilities,
			"reputation":   a.Reputation,
			"connectedAt":  a.ConnectedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"agents": entries,
		"count":  len(entries),
	})
}
