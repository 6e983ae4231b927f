package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predyx/a2a/internal/auth"
	"github.com/predyx/a2a/internal/events"
	"github.com/predyx/a2a/internal/payments"
	"github.com/predyx/a2a/internal/protocol"
	"github.com/predyx/a2a/internal/registry"
)

// fakePusher records outbound notifications.
type fakePusher struct {
	mu        sync.Mutex
	direct    map[string][]string // agentID -> methods
	broadcast []string
}

func newFakePusher() *fakePusher {
	return &fakePusher{direct: make(map[string][]string)}
}

func (p *fakePusher) Notify(agentID, method string, _ interface{}) {
	p.mu.Lock()
	p.direct[agentID] = append(p.direct[agentID], method)
	p.mu.Unlock()
}

func (p *fakePusher) NotifyAll(method string, _ interface{}) {
	p.mu.Lock()
	p.broadcast = append(p.broadcast, method)
	p.mu.Unlock()
}

func (p *fakePusher) directMethods(agentID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.direct[agentID]...)
}

type fixture struct {
	router *Router
	pusher *fakePusher
	auth   *auth.Manager
	agents *registry.Agents
	subs   *registry.Subscriptions
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.ServerCapabilities == nil {
		cfg.ServerCapabilities = []string{"discovery", "coalitions", "x402"}
	}
	authMgr := auth.NewManager([]byte("router-test-secret"), zerolog.Nop())
	agents := registry.NewAgents()
	subs := registry.NewSubscriptions()
	rt := New(cfg, Deps{
		Auth:          authMgr,
		Agents:        agents,
		Subscriptions: subs,
		Coalitions:    registry.NewCoalitions(),
		Analyses:      registry.NewAnalyses(),
		Ledger:        payments.NewLedger(nil),
		Bus:           events.NewBus(),
	}, zerolog.Nop())
	pusher := newFakePusher()
	rt.SetPusher(pusher)
	return &fixture{router: rt, pusher: pusher, auth: authMgr, agents: agents, subs: subs}
}

func defaultFixture(t *testing.T) *fixture {
	return newFixture(t, Config{EnableX402: true, EnableCoalitions: true})
}

func request(t *testing.T, method string, params interface{}) *protocol.Request {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	return &protocol.Request{JSONRPC: protocol.Version, ID: "1", Method: method, Params: raw}
}

func decodeResult[T any](t *testing.T, resp *protocol.Response) T {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	var out T
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	return out
}

// signedHandshakeParams builds valid handshake credentials for a fresh
// wallet.
func signedHandshakeParams(t *testing.T, caps protocol.Capabilities) protocol.HandshakeParams {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	ts := time.Now().UnixMilli()
	sig, err := crypto.Sign(auth.PersonalDigest(auth.Challenge(address, "1", ts)), key)
	require.NoError(t, err)
	return protocol.HandshakeParams{
		Address:      address,
		TokenID:      "1",
		Signature:    hexutil.Encode(sig),
		Timestamp:    ts,
		Capabilities: caps,
	}
}

// handshake performs a valid signed handshake on a fresh session and returns
// the assigned agent id and session.
func (f *fixture) handshake(t *testing.T, caps protocol.Capabilities) (string, *Session) {
	t.Helper()
	sess := NewSession()
	resp := f.router.Route("", request(t, protocol.MethodHandshake, signedHandshakeParams(t, caps)), sess)
	result := decodeResult[protocol.HandshakeResult](t, resp)
	return result.AgentID, sess
}

func TestRoute_HandshakeSuccess(t *testing.T) {
	f := defaultFixture(t)
	agentID, sess := f.handshake(t, protocol.Capabilities{Strategies: []string{"momentum"}})

	assert.Contains(t, agentID, "agent-")
	assert.True(t, sess.Authenticated())
	assert.True(t, f.auth.VerifySession(sess.SessionToken))

	info, ok := f.agents.Get(agentID)
	require.True(t, ok)
	assert.Equal(t, []string{"momentum"}, info.Capabilities.Strategies)
}

func TestRoute_HandshakeInvalidSignature(t *testing.T) {
	f := defaultFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	ts := time.Now().UnixMilli()
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	sig, err := crypto.Sign(auth.PersonalDigest(auth.Challenge(address, "1", ts)), other)
	require.NoError(t, err)

	resp := f.router.Route("", request(t, protocol.MethodHandshake, protocol.HandshakeParams{
		Address: address, TokenID: "1", Signature: hexutil.Encode(sig), Timestamp: ts,
	}), NewSession())
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidSignature, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "Invalid signature")
}

func TestRoute_HandshakeExpiredTimestamp(t *testing.T) {
	f := defaultFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	ts := time.Now().Add(-10 * time.Minute).UnixMilli()
	sig, err := crypto.Sign(auth.PersonalDigest(auth.Challenge(address, "1", ts)), key)
	require.NoError(t, err)

	resp := f.router.Route("", request(t, protocol.MethodHandshake, protocol.HandshakeParams{
		Address: address, TokenID: "1", Signature: hexutil.Encode(sig), Timestamp: ts,
	}), NewSession())
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeExpiredRequest, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "expired")
}

func TestRoute_RehandshakeRejected(t *testing.T) {
	f := defaultFixture(t)
	agentID, sess := f.handshake(t, protocol.Capabilities{})
	require.Equal(t, 1, f.agents.Count())

	// A second handshake on the same connection must not mint a new identity.
	resp := f.router.Route(agentID, request(t, protocol.MethodHandshake, signedHandshakeParams(t, protocol.Capabilities{})), sess)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeAuthFailed, resp.Error.Code)
	assert.Equal(t, 1, f.agents.Count())
	assert.Equal(t, agentID, sess.AgentID)

	// Disconnect leaves no stale directory entry behind.
	f.router.Disconnect(sess)
	assert.Equal(t, 0, f.agents.Count())
}

func TestRoute_RequiresAuthentication(t *testing.T) {
	f := defaultFixture(t)
	methods := []string{
		protocol.MethodDiscover,
		protocol.MethodSubscribeMarket,
		protocol.MethodProposeCoalition,
		protocol.MethodShareAnalysis,
		protocol.MethodPaymentRequest,
		protocol.MethodPing,
	}
	for _, m := range methods {
		resp := f.router.Route("", request(t, m, map[string]string{}), NewSession())
		require.NotNil(t, resp.Error, "method %s", m)
		assert.Equal(t, protocol.CodeNotAuthenticated, resp.Error.Code, "method %s", m)
		assert.Equal(t, "Not authenticated", resp.Error.Message)
	}
}

func TestRoute_MethodNotFound(t *testing.T) {
	f := defaultFixture(t)
	resp := f.router.Route("", request(t, "a2a.noSuchMethod", nil), NewSession())
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
}

func TestRoute_SubscribeMarket(t *testing.T) {
	f := defaultFixture(t)
	agentA, sessA := f.handshake(t, protocol.Capabilities{})
	agentB, sessB := f.handshake(t, protocol.Capabilities{})

	respA := f.router.Route(agentA, request(t, protocol.MethodSubscribeMarket, protocol.MarketParams{MarketID: "market-123"}), sessA)
	result := decodeResult[protocol.SubscribeResult](t, respA)
	assert.True(t, result.Subscribed)
	assert.Equal(t, "market-123", result.MarketID)

	f.router.Route(agentB, request(t, protocol.MethodSubscribeMarket, protocol.MarketParams{MarketID: "market-123"}), sessB)

	subsResp := f.router.Route(agentA, request(t, protocol.MethodGetMarketSubscribers, protocol.MarketParams{MarketID: "market-123"}), sessA)
	subscribers := decodeResult[protocol.SubscribersResult](t, subsResp)
	assert.ElementsMatch(t, []string{agentA, agentB}, subscribers.Subscribers)
}

func TestRoute_GetMarketSubscribersEmpty(t *testing.T) {
	f := defaultFixture(t)
	agentID, sess := f.handshake(t, protocol.Capabilities{})

	resp := f.router.Route(agentID, request(t, protocol.MethodGetMarketSubscribers, protocol.MarketParams{MarketID: "market-empty"}), sess)
	result := decodeResult[protocol.SubscribersResult](t, resp)
	assert.NotNil(t, result.Subscribers)
	assert.Empty(t, result.Subscribers)
}

func TestRoute_CoalitionLifecycle(t *testing.T) {
	f := defaultFixture(t)
	agentA, sessA := f.handshake(t, protocol.Capabilities{})
	agentB, sessB := f.handshake(t, protocol.Capabilities{})

	proposeResp := f.router.Route(agentA, request(t, protocol.MethodProposeCoalition, protocol.ProposeCoalitionParams{
		Name: "Alpha", TargetMarket: "market-123", Strategy: "momentum", MinMembers: 2, MaxMembers: 5,
	}), sessA)
	proposal := decodeResult[protocol.ProposeCoalitionResult](t, proposeResp)
	assert.Equal(t, []string{agentA}, proposal.Proposal.Members)

	joinResp := f.router.Route(agentB, request(t, protocol.MethodJoinCoalition, protocol.CoalitionParams{CoalitionID: proposal.CoalitionID}), sessB)
	joined := decodeResult[protocol.JoinCoalitionResult](t, joinResp)
	assert.ElementsMatch(t, []string{agentA, agentB}, joined.Coalition.Members)

	// Proposer hears about the join.
	assert.Contains(t, f.pusher.directMethods(agentA), protocol.EventCoalitionMemberJoined)

	leaveResp := f.router.Route(agentA, request(t, protocol.MethodLeaveCoalition, protocol.CoalitionParams{CoalitionID: proposal.CoalitionID}), sessA)
	left := decodeResult[protocol.LeaveCoalitionResult](t, leaveResp)
	assert.True(t, left.Left)

	joinAgain := f.router.Route(agentB, request(t, protocol.MethodJoinCoalition, protocol.CoalitionParams{CoalitionID: proposal.CoalitionID}), sessB)
	final := decodeResult[protocol.JoinCoalitionResult](t, joinAgain)
	assert.NotContains(t, final.Coalition.Members, agentA)
}

func TestRoute_JoinUnknownCoalition(t *testing.T) {
	f := defaultFixture(t)
	agentID, sess := f.handshake(t, protocol.Capabilities{})

	resp := f.router.Route(agentID, request(t, protocol.MethodJoinCoalition, protocol.CoalitionParams{CoalitionID: "coalition-nope"}), sess)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeCoalitionNotFound, resp.Error.Code)
}

func TestRoute_CoalitionsDisabled(t *testing.T) {
	f := newFixture(t, Config{EnableX402: true, EnableCoalitions: false})
	agentID, sess := f.handshake(t, protocol.Capabilities{})

	resp := f.router.Route(agentID, request(t, protocol.MethodProposeCoalition, protocol.ProposeCoalitionParams{
		Name: "Alpha", TargetMarket: "m", MinMembers: 1, MaxMembers: 2,
	}), sess)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeForbidden, resp.Error.Code)
}

func TestRoute_CoalitionMessage(t *testing.T) {
	f := defaultFixture(t)
	agentA, sessA := f.handshake(t, protocol.Capabilities{})
	agentB, sessB := f.handshake(t, protocol.Capabilities{})
	agentC, sessC := f.handshake(t, protocol.Capabilities{})

	proposal := decodeResult[protocol.ProposeCoalitionResult](t,
		f.router.Route(agentA, request(t, protocol.MethodProposeCoalition, protocol.ProposeCoalitionParams{
			Name: "Alpha", TargetMarket: "m", MinMembers: 1, MaxMembers: 5,
		}), sessA))
	f.router.Route(agentB, request(t, protocol.MethodJoinCoalition, protocol.CoalitionParams{CoalitionID: proposal.CoalitionID}), sessB)

	resp := f.router.Route(agentA, request(t, protocol.MethodCoalitionMessage, map[string]interface{}{
		"coalitionId": proposal.CoalitionID,
		"message":     map[string]string{"signal": "buy"},
	}), sessA)
	result := decodeResult[protocol.CoalitionMessageResult](t, resp)
	assert.Equal(t, 1, result.Delivered)
	assert.Contains(t, f.pusher.directMethods(agentB), protocol.EventCoalitionMessage)

	// Non-members may not post.
	outsider := f.router.Route(agentC, request(t, protocol.MethodCoalitionMessage, map[string]interface{}{
		"coalitionId": proposal.CoalitionID,
		"message":     map[string]string{"signal": "sell"},
	}), sessC)
	require.NotNil(t, outsider.Error)
	assert.Equal(t, protocol.CodeForbidden, outsider.Error.Code)
	assert.Equal(t, "Not a coalition member", outsider.Error.Message)
}

func TestRoute_ShareAnalysis(t *testing.T) {
	f := defaultFixture(t)
	agentA, sessA := f.handshake(t, protocol.Capabilities{})
	agentB, sessB := f.handshake(t, protocol.Capabilities{})

	f.router.Route(agentB, request(t, protocol.MethodSubscribeMarket, protocol.MarketParams{MarketID: "market-9"}), sessB)

	resp := f.router.Route(agentA, request(t, protocol.MethodShareAnalysis, protocol.Analysis{
		MarketID: "market-9", Prediction: 0.7, Confidence: 0.9, Reasoning: "volume spike",
	}), sessA)
	result := decodeResult[protocol.ShareAnalysisResult](t, resp)
	assert.True(t, result.Shared)
	assert.NotEmpty(t, result.AnalysisID)
	assert.Contains(t, f.pusher.directMethods(agentB), protocol.EventAnalysisShared)
}

func TestRoute_ShareAnalysisOutOfRange(t *testing.T) {
	f := defaultFixture(t)
	agentID, sess := f.handshake(t, protocol.Capabilities{})

	resp := f.router.Route(agentID, request(t, protocol.MethodShareAnalysis, protocol.Analysis{
		MarketID: "m", Prediction: 1.5, Confidence: 0.5,
	}), sess)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestRoute_RequestAnalysisBroadcasts(t *testing.T) {
	f := defaultFixture(t)
	agentID, sess := f.handshake(t, protocol.Capabilities{})

	resp := f.router.Route(agentID, request(t, protocol.MethodRequestAnalysis, protocol.RequestAnalysisParams{MarketID: "market-5"}), sess)
	result := decodeResult[protocol.RequestAnalysisResult](t, resp)
	assert.True(t, result.Broadcasted)
	assert.NotEmpty(t, result.RequestID)
	assert.Contains(t, f.pusher.broadcast, protocol.EventAnalysisRequested)
}

func TestRoute_PaymentRoundTrip(t *testing.T) {
	f := defaultFixture(t)
	agentA, sessA := f.handshake(t, protocol.Capabilities{})
	agentB, sessB := f.handshake(t, protocol.Capabilities{})

	reqResp := f.router.Route(agentA, request(t, protocol.MethodPaymentRequest, protocol.PaymentRequestParams{
		To: agentB, Amount: 2.5, Service: "analysis",
	}), sessA)
	payment := decodeResult[protocol.PaymentRequest](t, reqResp)
	assert.False(t, payment.Confirmed)
	assert.Contains(t, f.pusher.directMethods(agentB), protocol.EventPaymentRequested)

	receiptResp := f.router.Route(agentB, request(t, protocol.MethodPaymentReceipt, protocol.PaymentReceiptParams{
		RequestID: payment.RequestID, TxHash: "0xfeed",
	}), sessB)
	receipt := decodeResult[protocol.PaymentReceiptResult](t, receiptResp)
	assert.True(t, receipt.Confirmed)
	assert.Equal(t, payment.RequestID, receipt.RequestID)
	assert.Contains(t, f.pusher.directMethods(agentA), protocol.EventPaymentConfirmed)
}

func TestRoute_UnmatchedReceiptRejected(t *testing.T) {
	f := defaultFixture(t)
	agentID, sess := f.handshake(t, protocol.Capabilities{})

	resp := f.router.Route(agentID, request(t, protocol.MethodPaymentReceipt, protocol.PaymentReceiptParams{
		RequestID: "pay-unknown", TxHash: "0x1",
	}), sess)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodePaymentFailed, resp.Error.Code)
}

func TestRoute_PaymentNullParams(t *testing.T) {
	f := defaultFixture(t)
	agentID, sess := f.handshake(t, protocol.Capabilities{})

	req := &protocol.Request{JSONRPC: protocol.Version, ID: "1", Method: protocol.MethodPaymentRequest, Params: json.RawMessage("null")}
	resp := f.router.Route(agentID, req, sess)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestRoute_X402Disabled(t *testing.T) {
	f := newFixture(t, Config{EnableX402: false, EnableCoalitions: true})
	agentID, sess := f.handshake(t, protocol.Capabilities{})

	resp := f.router.Route(agentID, request(t, protocol.MethodPaymentRequest, protocol.PaymentRequestParams{
		To: "agent-x", Amount: 1, Service: "svc",
	}), sess)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeForbidden, resp.Error.Code)
}

// stubRegistryClient simulates the external on-chain directory.
type stubRegistryClient struct {
	agents []protocol.AgentInfo
	err    error
}

func (s *stubRegistryClient) Discover(_ context.Context, _ protocol.DiscoverFilters) ([]protocol.AgentInfo, error) {
	return s.agents, s.err
}

func TestRoute_DiscoverFilters(t *testing.T) {
	f := defaultFixture(t)
	agentA, sessA := f.handshake(t, protocol.Capabilities{Strategies: []string{"momentum"}})
	_, _ = f.handshake(t, protocol.Capabilities{Strategies: []string{"arbitrage"}})
	_, _ = f.handshake(t, protocol.Capabilities{Strategies: []string{"momentum", "meanrev"}})

	resp := f.router.Route(agentA, request(t, protocol.MethodDiscover, protocol.DiscoverParams{
		Filters: protocol.DiscoverFilters{Strategies: []string{"momentum"}},
	}), sessA)
	result := decodeResult[protocol.DiscoverResult](t, resp)

	// The caller itself is excluded.
	assert.Equal(t, 1, result.Total)
	require.Len(t, result.Agents, 1)
	assert.Contains(t, result.Agents[0].Capabilities.Strategies, "momentum")
}

func TestRoute_DiscoverLimitAndTotal(t *testing.T) {
	f := defaultFixture(t)
	agentA, sessA := f.handshake(t, protocol.Capabilities{})
	for i := 0; i < 5; i++ {
		f.handshake(t, protocol.Capabilities{})
	}

	resp := f.router.Route(agentA, request(t, protocol.MethodDiscover, protocol.DiscoverParams{Limit: 2}), sessA)
	result := decodeResult[protocol.DiscoverResult](t, resp)
	assert.Len(t, result.Agents, 2)
	assert.Equal(t, 5, result.Total)
}

func TestRoute_DiscoverMergesExternalRegistry(t *testing.T) {
	f := defaultFixture(t)
	f.router.regClient = &stubRegistryClient{agents: []protocol.AgentInfo{
		{AgentID: "agent-onchain-1", Reputation: 0.8},
	}}
	agentA, sessA := f.handshake(t, protocol.Capabilities{})

	resp := f.router.Route(agentA, request(t, protocol.MethodDiscover, nil), sessA)
	result := decodeResult[protocol.DiscoverResult](t, resp)
	ids := make([]string, 0, len(result.Agents))
	for _, a := range result.Agents {
		ids = append(ids, a.AgentID)
	}
	assert.Contains(t, ids, "agent-onchain-1")
}

func TestRoute_DiscoverExternalFailureIsSoft(t *testing.T) {
	f := defaultFixture(t)
	f.router.regClient = &stubRegistryClient{err: errors.New("chain down")}
	agentA, sessA := f.handshake(t, protocol.Capabilities{})
	_, _ = f.handshake(t, protocol.Capabilities{})

	resp := f.router.Route(agentA, request(t, protocol.MethodDiscover, nil), sessA)
	result := decodeResult[protocol.DiscoverResult](t, resp)
	assert.Equal(t, 1, result.Total)
}

// panicProvider blows up to exercise the router's recovery boundary.
type panicProvider struct{}

func (panicProvider) Snapshot(context.Context, string) (protocol.MarketSnapshot, error) {
	panic("provider exploded")
}

func TestRoute_PanicBecomesInternalError(t *testing.T) {
	f := defaultFixture(t)
	f.router.market = panicProvider{}
	agentID, sess := f.handshake(t, protocol.Capabilities{})

	resp := f.router.Route(agentID, request(t, protocol.MethodGetMarketData, protocol.MarketParams{MarketID: "m"}), sess)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternalError, resp.Error.Code)
}

func TestDisconnect_ClearsSubscriptionsNotCoalitions(t *testing.T) {
	f := defaultFixture(t)
	agentA, sessA := f.handshake(t, protocol.Capabilities{})
	agentB, sessB := f.handshake(t, protocol.Capabilities{})

	f.router.Route(agentA, request(t, protocol.MethodSubscribeMarket, protocol.MarketParams{MarketID: "m"}), sessA)
	proposal := decodeResult[protocol.ProposeCoalitionResult](t,
		f.router.Route(agentA, request(t, protocol.MethodProposeCoalition, protocol.ProposeCoalitionParams{
			Name: "Alpha", TargetMarket: "m", MinMembers: 1, MaxMembers: 3,
		}), sessA))

	f.router.Disconnect(sessA)

	assert.Empty(t, f.subs.Subscribers("m"))
	_, ok := f.agents.Get(agentA)
	assert.False(t, ok)

	// Coalition membership survives the disconnect.
	joined := decodeResult[protocol.JoinCoalitionResult](t,
		f.router.Route(agentB, request(t, protocol.MethodJoinCoalition, protocol.CoalitionParams{CoalitionID: proposal.CoalitionID}), sessB))
	assert.Contains(t, joined.Coalition.Members, agentA)
}
