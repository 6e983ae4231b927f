package protocol

import (
	"encoding/json"
	"time"
)

// Capabilities are declared by an agent at handshake and are immutable for
// the lifetime of the connection.
type Capabilities struct {
	Strategies []string `json:"strategies,omitempty"`
	Markets    []string `json:"markets,omitempty"`
	Actions    []string `json:"actions,omitempty"`
	Version    string   `json:"version,omitempty"`
}

// AgentInfo is the discoverable directory entry for a connected agent.
type AgentInfo struct {
	AgentID      string       `json:"agentId"`
	Address      string       `json:"address"`
	TokenID      string       `json:"tokenId"`
	Capabilities Capabilities `json:"capabilities"`
	Reputation   float64      `json:"reputation"`
	ConnectedAt  time.Time    `json:"connectedAt"`
}

// Coalition is an ad-hoc group of agents coordinating around one market.
// Coalitions are never hard-deleted; Active flips false when membership
// drops to zero or the proposer disbands it.
type Coalition struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Proposer     string    `json:"proposer"`
	Members      []string  `json:"members"`
	Strategy     string    `json:"strategy"`
	TargetMarket string    `json:"targetMarket"`
	MinMembers   int       `json:"minMembers"`
	MaxMembers   int       `json:"maxMembers"`
	CreatedAt    time.Time `json:"createdAt"`
	Active       bool      `json:"active"`
}

// Analysis is a market prediction broadcast by an agent. Prediction and
// Confidence are both in [0,1].
type Analysis struct {
	ID         string    `json:"id,omitempty"`
	MarketID   string    `json:"marketId"`
	Analyst    string    `json:"analyst,omitempty"`
	Prediction float64   `json:"prediction"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
	DataPoints int       `json:"dataPoints,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// PaymentRequest is one half of the x402 micropayment exchange.
type PaymentRequest struct {
	RequestID string    `json:"requestId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    float64   `json:"amount"`
	Service   string    `json:"service"`
	ExpiresAt time.Time `json:"expiresAt"`
	Confirmed bool      `json:"confirmed"`
	TxHash    string    `json:"txHash,omitempty"`
}

// PaymentReceipt settles a PaymentRequest, correlated by RequestID.
type PaymentReceipt struct {
	RequestID string `json:"requestId"`
	TxHash    string `json:"txHash"`
	Confirmed bool   `json:"confirmed"`
}

// MarketSnapshot is a point-in-time price/volume view from the external
// market data provider.
type MarketSnapshot struct {
	MarketID  string    `json:"marketId"`
	YesPrice  float64   `json:"yesPrice"`
	NoPrice   float64   `json:"noPrice"`
	Volume    float64   `json:"volume"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PaymentOffer is an optional bounty attached to an analysis request.
type PaymentOffer struct {
	Amount  float64 `json:"amount"`
	Service string  `json:"service,omitempty"`
}

// --- Method params ---

type HandshakeParams struct {
	Address      string       `json:"address"`
	TokenID      string       `json:"tokenId"`
	Signature    string       `json:"signature"`
	Timestamp    int64        `json:"timestamp"`
	Capabilities Capabilities `json:"capabilities"`
}

type DiscoverFilters struct {
	Strategies    []string `json:"strategies,omitempty"`
	Markets       []string `json:"markets,omitempty"`
	MinReputation float64  `json:"minReputation,omitempty"`
}

type DiscoverParams struct {
	Filters DiscoverFilters `json:"filters"`
	Limit   int             `json:"limit,omitempty"`
}

type MarketParams struct {
	MarketID string `json:"marketId"`
}

type ProposeCoalitionParams struct {
	Name         string `json:"name"`
	TargetMarket string `json:"targetMarket"`
	Strategy     string `json:"strategy"`
	MinMembers   int    `json:"minMembers"`
	MaxMembers   int    `json:"maxMembers"`
}

type CoalitionParams struct {
	CoalitionID string `json:"coalitionId"`
}

type CoalitionMessageParams struct {
	CoalitionID string          `json:"coalitionId"`
	Message     json.RawMessage `json:"message"`
}

type RequestAnalysisParams struct {
	MarketID     string        `json:"marketId"`
	Deadline     int64         `json:"deadline,omitempty"`
	PaymentOffer *PaymentOffer `json:"paymentOffer,omitempty"`
}

type PaymentRequestParams struct {
	To        string  `json:"to"`
	Amount    float64 `json:"amount"`
	Service   string  `json:"service"`
	ExpiresIn int64   `json:"expiresIn,omitempty"` // seconds
}

type PaymentReceiptParams struct {
	RequestID string `json:"requestId"`
	TxHash    string `json:"txHash"`
}

// --- Method results ---

type HandshakeResult struct {
	AgentID            string    `json:"agentId"`
	SessionToken       string    `json:"sessionToken"`
	ServerCapabilities []string  `json:"serverCapabilities"`
	ExpiresAt          time.Time `json:"expiresAt"`
}

type DiscoverResult struct {
	Agents []AgentInfo `json:"agents"`
	Total  int         `json:"total"`
}

type SubscribeResult struct {
	Subscribed bool   `json:"subscribed"`
	MarketID   string `json:"marketId"`
}

type UnsubscribeResult struct {
	Unsubscribed bool   `json:"unsubscribed"`
	MarketID     string `json:"marketId"`
}

type SubscribersResult struct {
	MarketID    string   `json:"marketId"`
	Subscribers []string `json:"subscribers"`
}

type ProposeCoalitionResult struct {
	CoalitionID string    `json:"coalitionId"`
	Proposal    Coalition `json:"proposal"`
}

type JoinCoalitionResult struct {
	Joined    bool      `json:"joined"`
	Coalition Coalition `json:"coalition"`
}

type LeaveCoalitionResult struct {
	Left bool `json:"left"`
}

type DisbandCoalitionResult struct {
	Disbanded   bool   `json:"disbanded"`
	CoalitionID string `json:"coalitionId"`
}

type CoalitionMessageResult struct {
	Delivered int `json:"delivered"`
}

type ShareAnalysisResult struct {
	Shared     bool   `json:"shared"`
	AnalysisID string `json:"analysisId"`
}

type RequestAnalysisResult struct {
	RequestID   string `json:"requestId"`
	Broadcasted bool   `json:"broadcasted"`
}

type PaymentReceiptResult struct {
	Confirmed bool   `json:"confirmed"`
	RequestID string `json:"requestId"`
	TxHash    string `json:"txHash"`
}

type PingResult struct {
	Pong bool  `json:"pong"`
	Time int64 `json:"time"`
}
