// Package payments tracks the x402 micropayment exchange: signed payment
// requests correlated with receipts by requestId. Settlement itself is
// delegated to an external Processor.
package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/predyx/a2a/internal/protocol"
)

var (
	ErrUnknownPayment  = errors.New("unknown payment request")
	ErrPaymentExpired  = errors.New("payment request expired")
	ErrAlreadySettled  = errors.New("payment request already settled")
	ErrSettlementFault = errors.New("payment settlement failed")
)

// DefaultRequestTTL is how long a payment request stays redeemable when the
// requester does not specify a deadline.
const DefaultRequestTTL = 5 * time.Minute

// Processor settles a receipt against its request, e.g. by verifying an
// on-chain transaction. A nil Processor accepts receipts as-is.
type Processor interface {
	Settle(ctx context.Context, req protocol.PaymentRequest, receipt protocol.PaymentReceipt) (txHash string, err error)
}

// Ledger is the in-memory payment request table.
type Ledger struct {
	mu        sync.Mutex
	requests  map[string]*protocol.PaymentRequest
	processor Processor
	now       func() time.Time
}

func NewLedger(processor Processor) *Ledger {
	return &Ledger{
		requests:  make(map[string]*protocol.PaymentRequest),
		processor: processor,
		now:       time.Now,
	}
}

// CreateRequest registers a pending payment request and returns it.
func (l *Ledger) CreateRequest(from, to string, amount float64, service string, ttl time.Duration) protocol.PaymentRequest {
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	req := &protocol.PaymentRequest{
		RequestID: "pay-" + uuid.NewString(),
		From:      from,
		To:        to,
		Amount:    amount,
		Service:   service,
		ExpiresAt: l.now().Add(ttl),
	}
	l.mu.Lock()
	l.requests[req.RequestID] = req
	l.mu.Unlock()
	return *req
}

// Get returns the current state of a request.
func (l *Ledger) Get(requestID string) (protocol.PaymentRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.requests[requestID]
	if !ok {
		return protocol.PaymentRequest{}, ErrUnknownPayment
	}
	return *req, nil
}

// ApplyReceipt settles a receipt against its request. An unmatched receipt is
// rejected; a matched one moves the request to its terminal confirmed state.
// The external settlement call is made without holding the ledger lock.
func (l *Ledger) ApplyReceipt(ctx context.Context, receipt protocol.PaymentReceipt) (protocol.PaymentRequest, error) {
	l.mu.Lock()
	req, ok := l.requests[receipt.RequestID]
	if !ok {
		l.mu.Unlock()
		return protocol.PaymentRequest{}, ErrUnknownPayment
	}
	if req.Confirmed {
		l.mu.Unlock()
		return protocol.PaymentRequest{}, ErrAlreadySettled
	}
	if l.now().After(req.ExpiresAt) {
		l.mu.Unlock()
		return protocol.PaymentRequest{}, ErrPaymentExpired
	}
	pending := *req
	l.mu.Unlock()

	txHash := receipt.TxHash
	if l.processor != nil {
		settled, err := l.processor.Settle(ctx, pending, receipt)
		if err != nil {
			return protocol.PaymentRequest{}, fmt.Errorf("%w: %v", ErrSettlementFault, err)
		}
		if settled != "" {
			txHash = settled
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok = l.requests[receipt.RequestID]
	if !ok {
		return protocol.PaymentRequest{}, ErrUnknownPayment
	}
	if req.Confirmed {
		return protocol.PaymentRequest{}, ErrAlreadySettled
	}
	req.Confirmed = true
	req.TxHash = txHash
	return *req, nil
}

// PurgeExpired drops unconfirmed requests past their deadline and returns
// how many were removed.
func (l *Ledger) PurgeExpired() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, req := range l.requests {
		if !req.Confirmed && now.After(req.ExpiresAt) {
			delete(l.requests, id)
			removed++
		}
	}
	return removed
}
