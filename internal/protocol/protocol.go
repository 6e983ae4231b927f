// Package protocol defines the JSON-RPC 2.0 wire envelope and the A2A
// method namespace spoken between the server and trading agents.
package protocol

import "encoding/json"

const Version = "2.0"

// Request is an inbound JSON-RPC 2.0 request. Params stay raw until the
// handler for the method decodes them into a typed struct.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound JSON-RPC 2.0 response. Exactly one of Result or
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a server-initiated push. It carries no id, which is how
// clients tell it apart from a response.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// A2A protocol error codes.
const (
	CodeNotAuthenticated  = -32000
	CodeAuthFailed        = -32001
	CodeAgentNotFound     = -32002
	CodeMarketNotFound    = -32003
	CodeCoalitionNotFound = -32004
	CodePaymentFailed     = -32005
	CodeRateLimitExceeded = -32006
	CodeInvalidSignature  = -32007
	CodeExpiredRequest    = -32008
	CodeForbidden         = -32009
)

// Request methods.
const (
	MethodHandshake            = "a2a.handshake"
	MethodDiscover             = "a2a.discover"
	MethodSubscribeMarket      = "a2a.subscribeMarket"
	MethodUnsubscribeMarket    = "a2a.unsubscribeMarket"
	MethodGetMarketSubscribers = "a2a.getMarketSubscribers"
	MethodGetMarketData        = "a2a.getMarketData"
	MethodProposeCoalition     = "a2a.proposeCoalition"
	MethodJoinCoalition        = "a2a.joinCoalition"
	MethodLeaveCoalition       = "a2a.leaveCoalition"
	MethodDisbandCoalition     = "a2a.disbandCoalition"
	MethodCoalitionMessage     = "a2a.coalitionMessage"
	MethodShareAnalysis        = "a2a.shareAnalysis"
	MethodRequestAnalysis      = "a2a.requestAnalysis"
	MethodPaymentRequest       = "a2a.paymentRequest"
	MethodPaymentReceipt       = "a2a.paymentReceipt"
	MethodPing                 = "a2a.ping"
)

// Notification methods (server -> client, no id).
const (
	EventAgentConnected        = "agent.connected"
	EventAgentDisconnected     = "agent.disconnected"
	EventMarketUpdate          = "a2a.marketUpdate"
	EventAnalysisShared        = "a2a.analysisShared"
	EventAnalysisRequested     = "a2a.analysisRequested"
	EventCoalitionProposed     = "a2a.coalitionProposed"
	EventCoalitionMemberJoined = "a2a.coalitionMemberJoined"
	EventCoalitionMemberLeft   = "a2a.coalitionMemberLeft"
	EventCoalitionDisbanded    = "a2a.coalitionDisbanded"
	EventCoalitionMessage      = "a2a.coalitionMessage"
	EventPaymentRequested      = "a2a.paymentRequested"
	EventPaymentConfirmed      = "a2a.paymentConfirmed"
)

// NewResponse marshals result into a success response for id.
func NewResponse(id interface{}, result interface{}) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, CodeInternalError, "failed to encode result")
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id interface{}, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// NewNotification builds a server push frame.
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// Errorf builds a protocol error value for handlers to return.
func Errorf(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}
