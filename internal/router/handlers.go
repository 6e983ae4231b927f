package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/predyx/a2a/internal/auth"
	"github.com/predyx/a2a/internal/payments"
	"github.com/predyx/a2a/internal/protocol"
	"github.com/predyx/a2a/internal/registry"
)

func (r *Router) handleHandshake(_ string, params json.RawMessage, sess *Session) (interface{}, *protocol.Error) {
	// One identity per connection: a second handshake would mint a new agent
	// id and leak the old directory entry.
	if sess.Authenticated() {
		return nil, protocol.Errorf(protocol.CodeAuthFailed, "Authentication failed: session already authenticated")
	}
	p, perr := decode[protocol.HandshakeParams](params)
	if perr != nil {
		return nil, perr
	}
	if p.Address == "" || p.Signature == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: address and signature are required")
	}

	token, authSess, err := r.auth.Authenticate(auth.Credentials{
		Address:   p.Address,
		TokenID:   p.TokenID,
		Signature: p.Signature,
		Timestamp: p.Timestamp,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("address", p.Address).Msg("handshake rejected")
		switch {
		case errors.Is(err, auth.ErrInvalidSignature):
			return nil, protocol.Errorf(protocol.CodeInvalidSignature, "Invalid signature")
		case errors.Is(err, auth.ErrChallengeExpired):
			return nil, protocol.Errorf(protocol.CodeExpiredRequest, "Authentication failed: challenge expired")
		default:
			return nil, protocol.Errorf(protocol.CodeAuthFailed, "Authentication failed")
		}
	}

	agentID := "agent-" + uuid.NewString()
	sess.Authenticate(agentID, p.Address, p.TokenID, token, p.Capabilities)
	r.agents.Register(protocol.AgentInfo{
		AgentID:      agentID,
		Address:      p.Address,
		TokenID:      p.TokenID,
		Capabilities: p.Capabilities,
		ConnectedAt:  sess.ConnectedAt(),
	})

	r.bus.Emit(protocol.EventAgentConnected, map[string]interface{}{
		"agentId": agentID,
		"address": p.Address,
		"tokenId": p.TokenID,
	})
	if r.pusher != nil {
		r.pusher.NotifyAll(protocol.EventAgentConnected, map[string]interface{}{
			"agentId": agentID,
		})
	}
	r.log.Info().Str("agent", agentID).Str("address", p.Address).Msg("agent connected")

	return protocol.HandshakeResult{
		AgentID:            agentID,
		SessionToken:       token,
		ServerCapabilities: r.cfg.ServerCapabilities,
		ExpiresAt:          authSess.ExpiresAt,
	}, nil
}

func (r *Router) handleDiscover(agentID string, params json.RawMessage, _ *Session) (interface{}, *protocol.Error) {
	// Empty params means "everyone, default limit".
	var p protocol.DiscoverParams
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: "+err.Error())
		}
	}
	limit := p.Limit
	if limit <= 0 {
		limit = r.cfg.DiscoverLimit
	}

	known := r.agents.List()
	if r.regClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
		external, err := r.regClient.Discover(ctx, p.Filters)
		cancel()
		if err != nil {
			r.log.Warn().Err(err).Msg("external registry lookup failed")
		} else {
			known = mergeAgents(known, external)
		}
	}

	matched := make([]protocol.AgentInfo, 0, len(known))
	for _, info := range known {
		if info.AgentID == agentID {
			continue
		}
		if matchesFilters(info, p.Filters) {
			matched = append(matched, info)
		}
	}
	total := len(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return protocol.DiscoverResult{Agents: matched, Total: total}, nil
}

// mergeAgents combines local and external directory entries, local winning
// on agent id collisions.
func mergeAgents(local, external []protocol.AgentInfo) []protocol.AgentInfo {
	seen := make(map[string]struct{}, len(local))
	for _, info := range local {
		seen[info.AgentID] = struct{}{}
	}
	out := local
	for _, info := range external {
		if _, ok := seen[info.AgentID]; !ok {
			out = append(out, info)
		}
	}
	return out
}

func matchesFilters(info protocol.AgentInfo, f protocol.DiscoverFilters) bool {
	if info.Reputation < f.MinReputation {
		return false
	}
	if len(f.Strategies) > 0 && !intersects(info.Capabilities.Strategies, f.Strategies) {
		return false
	}
	if len(f.Markets) > 0 && !intersects(info.Capabilities.Markets, f.Markets) {
		return false
	}
	return true
}

func intersects(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func (r *Router) handleSubscribeMarket(agentID string, params json.RawMessage, sess *Session) (interface{}, *protocol.Error) {
	p, perr := decode[protocol.MarketParams](params)
	if perr != nil {
		return nil, perr
	}
	if p.MarketID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: marketId is required")
	}
	r.subs.Subscribe(p.MarketID, agentID)
	sess.AddSubscription(p.MarketID)
	return protocol.SubscribeResult{Subscribed: true, MarketID: p.MarketID}, nil
}

func (r *Router) handleUnsubscribeMarket(agentID string, params json.RawMessage, sess *Session) (interface{}, *protocol.Error) {
	p, perr := decode[protocol.MarketParams](params)
	if perr != nil {
		return nil, perr
	}
	if p.MarketID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: marketId is required")
	}
	r.subs.Unsubscribe(p.MarketID, agentID)
	sess.RemoveSubscription(p.MarketID)
	return protocol.UnsubscribeResult{Unsubscribed: true, MarketID: p.MarketID}, nil
}

func (r *Router) handleGetMarketSubscribers(_ string, params json.RawMessage, _ *Session) (interface{}, *protocol.Error) {
	p, perr := decode[protocol.MarketParams](params)
	if perr != nil {
		return nil, perr
	}
	if p.MarketID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: marketId is required")
	}
	return protocol.SubscribersResult{
		MarketID:    p.MarketID,
		Subscribers: r.subs.Subscribers(p.MarketID),
	}, nil
}

func (r *Router) handleGetMarketData(_ string, params json.RawMessage, _ *Session) (interface{}, *protocol.Error) {
	p, perr := decode[protocol.MarketParams](params)
	if perr != nil {
		return nil, perr
	}
	if p.MarketID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: marketId is required")
	}
	if r.market == nil {
		return nil, protocol.Errorf(protocol.CodeMarketNotFound, "Market not found: no market data provider")
	}
	ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
	defer cancel()
	snap, err := r.market.Snapshot(ctx, p.MarketID)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeMarketNotFound, "Market not found: "+p.MarketID)
	}
	return snap, nil
}

func (r *Router) handleProposeCoalition(agentID string, params json.RawMessage, _ *Session) (interface{}, *protocol.Error) {
	if !r.cfg.EnableCoalitions {
		return nil, protocol.Errorf(protocol.CodeForbidden, "Coalitions are disabled")
	}
	p, perr := decode[protocol.ProposeCoalitionParams](params)
	if perr != nil {
		return nil, perr
	}
	if p.Name == "" || p.TargetMarket == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: name and targetMarket are required")
	}
	coalition, err := r.coalitions.Propose(agentID, p.Name, p.TargetMarket, p.Strategy, p.MinMembers, p.MaxMembers)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: "+err.Error())
	}
	if r.pusher != nil {
		r.pusher.NotifyAll(protocol.EventCoalitionProposed, coalition)
	}
	r.log.Info().Str("coalition", coalition.ID).Str("proposer", agentID).Str("market", p.TargetMarket).
		Msg("coalition proposed")
	return protocol.ProposeCoalitionResult{CoalitionID: coalition.ID, Proposal: coalition}, nil
}

func (r *Router) handleJoinCoalition(agentID string, params json.RawMessage, _ *Session) (interface{}, *protocol.Error) {
	if !r.cfg.EnableCoalitions {
		return nil, protocol.Errorf(protocol.CodeForbidden, "Coalitions are disabled")
	}
	p, perr := decode[protocol.CoalitionParams](params)
	if perr != nil {
		return nil, perr
	}
	coalition, err := r.coalitions.Join(p.CoalitionID, agentID)
	if err != nil {
		return nil, coalitionError(err)
	}
	r.notifyMembers(coalition, agentID, protocol.EventCoalitionMemberJoined, map[string]interface{}{
		"coalitionId": coalition.ID,
		"agentId":     agentID,
	})
	return protocol.JoinCoalitionResult{Joined: true, Coalition: coalition}, nil
}

func (r *Router) handleLeaveCoalition(agentID string, params json.RawMessage, _ *Session) (interface{}, *protocol.Error) {
	if !r.cfg.EnableCoalitions {
		return nil, protocol.Errorf(protocol.CodeForbidden, "Coalitions are disabled")
	}
	p, perr := decode[protocol.CoalitionParams](params)
	if perr != nil {
		return nil, perr
	}
	coalition, err := r.coalitions.Leave(p.CoalitionID, agentID)
	if err != nil {
		return nil, coalitionError(err)
	}
	r.notifyMembers(coalition, agentID, protocol.EventCoalitionMemberLeft, map[string]interface{}{
		"coalitionId": coalition.ID,
		"agentId":     agentID,
	})
	return protocol.LeaveCoalitionResult{Left: true}, nil
}

func (r *Router) handleDisbandCoalition(agentID string, params json.RawMessage, _ *Session) (interface{}, *protocol.Error) {
	if !r.cfg.EnableCoalitions {
		return nil, protocol.Errorf(protocol.CodeForbidden, "Coalitions are disabled")
	}
	p, perr := decode[protocol.CoalitionParams](params)
	if perr != nil {
		return nil, perr
	}
	coalition, err := r.coalitions.Disband(p.CoalitionID, agentID)
	if err != nil {
		return nil, coalitionError(err)
	}
	r.notifyMembers(coalition, agentID, protocol.EventCoalitionDisbanded, map[string]interface{}{
		"coalitionId": coalition.ID,
	})
	return protocol.DisbandCoalitionResult{Disbanded: true, CoalitionID: coalition.ID}, nil
}

func (r *Router) handleCoalitionMessage(agentID string, params json.RawMessage, _ *Session) (interface{}, *protocol.Error) {
	if !r.cfg.EnableCoalitions {
		return nil, protocol.Errorf(protocol.CodeForbidden, "Coalitions are disabled")
	}
	p, perr := decode[protocol.CoalitionMessageParams](params)
	if perr != nil {
		return nil, perr
	}
	member, err := r.coalitions.IsMember(p.CoalitionID, agentID)
	if err != nil {
		return nil, coalitionError(err)
	}
	if !member {
		return nil, coalitionError(registry.ErrNotMember)
	}
	coalition, err := r.coalitions.Get(p.CoalitionID)
	if err != nil {
		return nil, coalitionError(err)
	}
	delivered := 0
	for _, m := range coalition.Members {
		if m == agentID {
			continue
		}
		if r.pusher != nil {
			r.pusher.Notify(m, protocol.EventCoalitionMessage, map[string]interface{}{
				"coalitionId": coalition.ID,
				"from":        agentID,
				"message":     p.Message,
			})
		}
		delivered++
	}
	return protocol.CoalitionMessageResult{Delivered: delivered}, nil
}

func coalitionError(err error) *protocol.Error {
	switch {
	case errors.Is(err, registry.ErrCoalitionNotFound):
		return protocol.Errorf(protocol.CodeCoalitionNotFound, "Coalition not found")
	case errors.Is(err, registry.ErrNotProposer):
		return protocol.Errorf(protocol.CodeForbidden, "Only the proposer may disband a coalition")
	case errors.Is(err, registry.ErrNotMember):
		return protocol.Errorf(protocol.CodeForbidden, "Not a coalition member")
	case errors.Is(err, registry.ErrCoalitionInactive):
		return protocol.Errorf(protocol.CodeCoalitionNotFound, "Coalition is no longer active")
	default:
		return protocol.Errorf(protocol.CodeInternalError, "Internal error")
	}
}

func (r *Router) handleShareAnalysis(agentID string, params json.RawMessage, _ *Session) (interface{}, *protocol.Error) {
	p, perr := decode[protocol.Analysis](params)
	if perr != nil {
		return nil, perr
	}
	if p.MarketID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: marketId is required")
	}
	if p.Prediction < 0 || p.Prediction > 1 || p.Confidence < 0 || p.Confidence > 1 {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: prediction and confidence must be in [0,1]")
	}
	p.Analyst = agentID
	stored := r.analyses.Add(p)
	if r.pusher != nil {
		for _, subscriber := range r.subs.Subscribers(stored.MarketID) {
			if subscriber == agentID {
				continue
			}
			r.pusher.Notify(subscriber, protocol.EventAnalysisShared, stored)
		}
	}
	return protocol.ShareAnalysisResult{Shared: true, AnalysisID: stored.ID}, nil
}

func (r *Router) handleRequestAnalysis(agentID string, params json.RawMessage, _ *Session) (interface{}, *protocol.Error) {
	p, perr := decode[protocol.RequestAnalysisParams](params)
	if perr != nil {
		return nil, perr
	}
	if p.MarketID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: marketId is required")
	}
	requestID := "req-" + uuid.NewString()
	if r.pusher != nil {
		r.pusher.NotifyAll(protocol.EventAnalysisRequested, map[string]interface{}{
			"requestId":    requestID,
			"marketId":     p.MarketID,
			"requester":    agentID,
			"deadline":     p.Deadline,
			"paymentOffer": p.PaymentOffer,
		})
	}
	return protocol.RequestAnalysisResult{RequestID: requestID, Broadcasted: true}, nil
}

func (r *Router) handlePaymentRequest(agentID string, params json.RawMessage, _ *Session) (interface{}, *protocol.Error) {
	if !r.cfg.EnableX402 {
		return nil, protocol.Errorf(protocol.CodeForbidden, "x402 payments are disabled")
	}
	p, perr := decode[protocol.PaymentRequestParams](params)
	if perr != nil {
		return nil, perr
	}
	if p.To == "" || p.Service == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: to and service are required")
	}
	if p.Amount <= 0 {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: amount must be positive")
	}
	ttl := r.cfg.PaymentTTL
	if p.ExpiresIn > 0 {
		ttl = time.Duration(p.ExpiresIn) * time.Second
	}
	req := r.ledger.CreateRequest(agentID, p.To, p.Amount, p.Service, ttl)
	if r.pusher != nil {
		r.pusher.Notify(p.To, protocol.EventPaymentRequested, req)
	}
	r.log.Info().Str("request", req.RequestID).Str("from", agentID).Str("to", p.To).
		Float64("amount", p.Amount).Msg("payment requested")
	return req, nil
}

func (r *Router) handlePaymentReceipt(agentID string, params json.RawMessage, _ *Session) (interface{}, *protocol.Error) {
	if !r.cfg.EnableX402 {
		return nil, protocol.Errorf(protocol.CodeForbidden, "x402 payments are disabled")
	}
	p, perr := decode[protocol.PaymentReceiptParams](params)
	if perr != nil {
		return nil, perr
	}
	if p.RequestID == "" || p.TxHash == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "Invalid params: requestId and txHash are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
	defer cancel()
	req, err := r.ledger.ApplyReceipt(ctx, protocol.PaymentReceipt{
		RequestID: p.RequestID,
		TxHash:    p.TxHash,
		Confirmed: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrUnknownPayment):
			return nil, protocol.Errorf(protocol.CodePaymentFailed, "Payment failed: unknown requestId")
		case errors.Is(err, payments.ErrPaymentExpired):
			return nil, protocol.Errorf(protocol.CodeExpiredRequest, "Payment request expired")
		case errors.Is(err, payments.ErrAlreadySettled):
			return nil, protocol.Errorf(protocol.CodePaymentFailed, "Payment failed: already settled")
		default:
			r.log.Error().Err(err).Str("request", p.RequestID).Msg("settlement failed")
			return nil, protocol.Errorf(protocol.CodePaymentFailed, "Payment failed")
		}
	}
	if r.pusher != nil && req.From != agentID {
		r.pusher.Notify(req.From, protocol.EventPaymentConfirmed, req)
	}
	return protocol.PaymentReceiptResult{Confirmed: true, RequestID: req.RequestID, TxHash: req.TxHash}, nil
}

func (r *Router) handlePing(_ string, _ json.RawMessage, _ *Session) (interface{}, *protocol.Error) {
	return protocol.PingResult{Pong: true, Time: time.Now().UnixMilli()}, nil
}

// notifyMembers pushes to every coalition member except the actor.
func (r *Router) notifyMembers(coalition protocol.Coalition, except string, method string, params interface{}) {
	if r.pusher == nil {
		return
	}
	for _, m := range coalition.Members {
		if m == except {
			continue
		}
		r.pusher.Notify(m, method, params)
	}
}
