package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/predyx/a2a/internal/protocol"
)

// Typed wrappers over Call for each protocol method.

func (c *Client) DiscoverAgents(ctx context.Context, filters protocol.DiscoverFilters, limit int) (*protocol.DiscoverResult, error) {
	return call[protocol.DiscoverResult](c, ctx, protocol.MethodDiscover, protocol.DiscoverParams{Filters: filters, Limit: limit})
}

func (c *Client) SubscribeMarket(ctx context.Context, marketID string) (*protocol.SubscribeResult, error) {
	return call[protocol.SubscribeResult](c, ctx, protocol.MethodSubscribeMarket, protocol.MarketParams{MarketID: marketID})
}

func (c *Client) UnsubscribeMarket(ctx context.Context, marketID string) (*protocol.UnsubscribeResult, error) {
	return call[protocol.UnsubscribeResult](c, ctx, protocol.MethodUnsubscribeMarket, protocol.MarketParams{MarketID: marketID})
}

func (c *Client) GetMarketSubscribers(ctx context.Context, marketID string) (*protocol.SubscribersResult, error) {
	return call[protocol.SubscribersResult](c, ctx, protocol.MethodGetMarketSubscribers, protocol.MarketParams{MarketID: marketID})
}

func (c *Client) GetMarketData(ctx context.Context, marketID string) (*protocol.MarketSnapshot, error) {
	return call[protocol.MarketSnapshot](c, ctx, protocol.MethodGetMarketData, protocol.MarketParams{MarketID: marketID})
}

func (c *Client) ProposeCoalition(ctx context.Context, name, targetMarket, strategy string, minMembers, maxMembers int) (*protocol.ProposeCoalitionResult, error) {
	return call[protocol.ProposeCoalitionResult](c, ctx, protocol.MethodProposeCoalition, protocol.ProposeCoalitionParams{
		Name:         name,
		TargetMarket: targetMarket,
		Strategy:     strategy,
		MinMembers:   minMembers,
		MaxMembers:   maxMembers,
	})
}

func (c *Client) JoinCoalition(ctx context.Context, coalitionID string) (*protocol.JoinCoalitionResult, error) {
	return call[protocol.JoinCoalitionResult](c, ctx, protocol.MethodJoinCoalition, protocol.CoalitionParams{CoalitionID: coalitionID})
}

func (c *Client) LeaveCoalition(ctx context.Context, coalitionID string) (*protocol.LeaveCoalitionResult, error) {
	return call[protocol.LeaveCoalitionResult](c, ctx, protocol.MethodLeaveCoalition, protocol.CoalitionParams{CoalitionID: coalitionID})
}

func (c *Client) DisbandCoalition(ctx context.Context, coalitionID string) (*protocol.DisbandCoalitionResult, error) {
	return call[protocol.DisbandCoalitionResult](c, ctx, protocol.MethodDisbandCoalition, protocol.CoalitionParams{CoalitionID: coalitionID})
}

func (c *Client) SendCoalitionMessage(ctx context.Context, coalitionID string, message interface{}) (*protocol.CoalitionMessageResult, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return call[protocol.CoalitionMessageResult](c, ctx, protocol.MethodCoalitionMessage, protocol.CoalitionMessageParams{
		CoalitionID: coalitionID,
		Message:     raw,
	})
}

func (c *Client) ShareAnalysis(ctx context.Context, analysis protocol.Analysis) (*protocol.ShareAnalysisResult, error) {
	return call[protocol.ShareAnalysisResult](c, ctx, protocol.MethodShareAnalysis, analysis)
}

func (c *Client) RequestAnalysis(ctx context.Context, marketID string, deadline time.Time, offer *protocol.PaymentOffer) (*protocol.RequestAnalysisResult, error) {
	params := protocol.RequestAnalysisParams{MarketID: marketID, PaymentOffer: offer}
	if !deadline.IsZero() {
		params.Deadline = deadline.UnixMilli()
	}
	return call[protocol.RequestAnalysisResult](c, ctx, protocol.MethodRequestAnalysis, params)
}

func (c *Client) RequestPayment(ctx context.Context, to string, amount float64, service string) (*protocol.PaymentRequest, error) {
	return call[protocol.PaymentRequest](c, ctx, protocol.MethodPaymentRequest, protocol.PaymentRequestParams{
		To:      to,
		Amount:  amount,
		Service: service,
	})
}

func (c *Client) SendPaymentReceipt(ctx context.Context, requestID, txHash string) (*protocol.PaymentReceiptResult, error) {
	return call[protocol.PaymentReceiptResult](c, ctx, protocol.MethodPaymentReceipt, protocol.PaymentReceiptParams{
		RequestID: requestID,
		TxHash:    txHash,
	})
}

func (c *Client) Ping(ctx context.Context) (*protocol.PingResult, error) {
	return call[protocol.PingResult](c, ctx, protocol.MethodPing, struct{}{})
}

// call invokes method and decodes the result into T.
func call[T any](c *Client, ctx context.Context, method string, params interface{}) (*T, error) {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
