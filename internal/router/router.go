// Package router dispatches incoming JSON-RPC requests to their handlers
// against connection-scoped session state and the shared registries.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/predyx/a2a/internal/auth"
	"github.com/predyx/a2a/internal/events"
	"github.com/predyx/a2a/internal/payments"
	"github.com/predyx/a2a/internal/protocol"
	"github.com/predyx/a2a/internal/registry"
)

// Pusher writes unsolicited notifications to connected agents. Implemented
// by the WebSocket server; kept as an interface so the router stays
// transport-free.
type Pusher interface {
	// Notify pushes to one agent. Pushing to a disconnected agent is a no-op.
	Notify(agentID, method string, params interface{})
	// NotifyAll pushes to every connected agent.
	NotifyAll(method string, params interface{})
}

// RegistryClient looks up agents in an external on-chain directory.
type RegistryClient interface {
	Discover(ctx context.Context, filters protocol.DiscoverFilters) ([]protocol.AgentInfo, error)
}

// MarketDataProvider supplies price/volume snapshots for known markets.
type MarketDataProvider interface {
	Snapshot(ctx context.Context, marketID string) (protocol.MarketSnapshot, error)
}

// Config gates optional protocol surfaces.
type Config struct {
	EnableX402         bool
	EnableCoalitions   bool
	ServerCapabilities []string
	PaymentTTL         time.Duration
	DiscoverLimit      int // default result cap for a2a.discover
}

const defaultDiscoverLimit = 50

// externalCallTimeout bounds calls into the registry client and market data
// provider so a slow collaborator cannot wedge a connection's read loop.
const externalCallTimeout = 5 * time.Second

type handlerFunc func(agentID string, params json.RawMessage, sess *Session) (interface{}, *protocol.Error)

// Router owns the method dispatch table. Route always returns a response
// object; internal panics are recovered and reported as INTERNAL_ERROR.
type Router struct {
	cfg        Config
	auth       *auth.Manager
	agents     *registry.Agents
	subs       *registry.Subscriptions
	coalitions *registry.Coalitions
	analyses   *registry.Analyses
	ledger     *payments.Ledger
	bus        *events.Bus
	pusher     Pusher
	regClient  RegistryClient
	market     MarketDataProvider
	log        zerolog.Logger

	handlers map[string]handlerFunc
}

// Deps are the collaborators injected at construction. Auth, registries,
// ledger, and bus are required; RegistryClient and MarketData are optional
// externals.
type Deps struct {
	Auth           *auth.Manager
	Agents         *registry.Agents
	Subscriptions  *registry.Subscriptions
	Coalitions     *registry.Coalitions
	Analyses       *registry.Analyses
	Ledger         *payments.Ledger
	Bus            *events.Bus
	RegistryClient RegistryClient
	MarketData     MarketDataProvider
}

func New(cfg Config, deps Deps, log zerolog.Logger) *Router {
	if cfg.DiscoverLimit <= 0 {
		cfg.DiscoverLimit = defaultDiscoverLimit
	}
	r := &Router{
		cfg:        cfg,
		auth:       deps.Auth,
		agents:     deps.Agents,
		subs:       deps.Subscriptions,
		coalitions: deps.Coalitions,
		analyses:   deps.Analyses,
		ledger:     deps.Ledger,
		bus:        deps.Bus,
		regClient:  deps.RegistryClient,
		market:     deps.MarketData,
		log:        log.With().Str("component", "router").Logger(),
	}
	r.handlers = map[string]handlerFunc{
		protocol.MethodHandshake:            r.handleHandshake,
		protocol.MethodDiscover:             r.handleDiscover,
		protocol.MethodSubscribeMarket:      r.handleSubscribeMarket,
		protocol.MethodUnsubscribeMarket:    r.handleUnsubscribeMarket,
		protocol.MethodGetMarketSubscribers: r.handleGetMarketSubscribers,
		protocol.MethodGetMarketData:        r.handleGetMarketData,
		protocol.MethodProposeCoalition:     r.handleProposeCoalition,
		protocol.MethodJoinCoalition:        r.handleJoinCoalition,
		protocol.MethodLeaveCoalition:       r.handleLeaveCoalition,
		protocol.MethodDisbandCoalition:     r.handleDisbandCoalition,
		protocol.MethodCoalitionMessage:     r.handleCoalitionMessage,
		protocol.MethodShareAnalysis:        r.handleShareAnalysis,
		protocol.MethodRequestAnalysis:      r.handleRequestAnalysis,
		protocol.MethodPaymentRequest:       r.handlePaymentRequest,
		protocol.MethodPaymentReceipt:       r.handlePaymentReceipt,
		protocol.MethodPing:                 r.handlePing,
	}
	return r
}

// SetPusher wires the outbound notification sink. Must be called before the
// first Route.
func (r *Router) SetPusher(p Pusher) { r.pusher = p }

// Route dispatches req to its handler. It never panics: unexpected handler
// failures come back as INTERNAL_ERROR responses so the server can serialize
// them uniformly.
func (r *Router) Route(agentID string, req *protocol.Request, sess *Session) (resp *protocol.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("method", req.Method).Str("agent", agentID).
				Msg("handler panicked")
			resp = protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, "Internal error")
		}
	}()

	sess.Touch()

	handler, ok := r.handlers[req.Method]
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound, "Method not found: "+req.Method)
	}
	if req.Method != protocol.MethodHandshake && !sess.Authenticated() {
		return protocol.NewErrorResponse(req.ID, protocol.CodeNotAuthenticated, "Not authenticated")
	}

	result, perr := handler(agentID, req.Params, sess)
	if perr != nil {
		return &protocol.Response{JSONRPC: protocol.Version, ID: req.ID, Error: perr}
	}
	return protocol.NewResponse(req.ID, result)
}

// Disconnect tears down the registry state owned by a closed connection:
// the directory entry and every market subscription. Coalition membership is
// deliberately left in place; see DESIGN.md.
func (r *Router) Disconnect(sess *Session) {
	if !sess.Authenticated() {
		return
	}
	agentID := sess.AgentID
	r.subs.RemoveAgent(agentID)
	r.agents.Unregister(agentID)
	r.bus.Emit(protocol.EventAgentDisconnected, map[string]interface{}{
		"agentId": agentID,
		"address": sess.Address,
	})
	if r.pusher != nil {
		r.pusher.NotifyAll(protocol.EventAgentDisconnected, map[string]interface{}{
			"agentId": agentID,
		})
	}
	r.log.Info().Str("agent", agentID).Msg("agent disconnected")
}

// decode unmarshals params into T, rejecting absent or null params at the
// boundary instead of failing deep inside a handler.
func decode[T any](params json.RawMessage) (T, *protocol.Error) {
	var v T
	if len(params) == 0 || string(params) == "null" {
		return v, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: missing params object")
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: "+err.Error())
	}
	return v, nil
}
