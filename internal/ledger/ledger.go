package ledger

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	// ErrDuplicateCheckoutID is returned when a pending record already
	// exists for a checkout request id. This is defensive; it should not
	// occur under correct client use.
	ErrDuplicateCheckoutID = errors.New("checkout request id already recorded")

	// ErrNotFound is returned when no transaction exists for the given
	// checkout request id.
	ErrNotFound = errors.New("transaction not found")
)

var (
	pendingCounter   = metrics.GetOrCreateCounter(`payment_ledger_transactions_total{status="pending"}`)
	completedCounter = metrics.GetOrCreateCounter(`payment_ledger_transactions_total{status="completed"}`)
	failedCounter    = metrics.GetOrCreateCounter(`payment_ledger_transactions_total{status="failed"}`)

	duplicateSettleCounter = metrics.GetOrCreateCounter(`payment_ledger_duplicate_settlements_total`)
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// PaymentRequest is the immutable originating request for a transaction.
type PaymentRequest struct {
	TradeID          string  `json:"tradeId"`
	BuyerPhone       string  `json:"buyerPhone"`
	SellerPhone      string  `json:"sellerPhone"`
	AmountKwh        float64 `json:"amountKwh"`
	PricePerKwh      float64 `json:"pricePerKwh"`
	TotalAmount      float64 `json:"totalAmount"`
	AccountReference string  `json:"accountReference"`
	CallbackURL      string  `json:"callbackUrl,omitempty"`
}

// Transaction is a ledger entry keyed by the gateway-assigned checkout
// request id. Settlement fields are populated only on completion.
type Transaction struct {
	CheckoutRequestID string         `json:"checkoutRequestId"`
	MerchantRequestID string         `json:"merchantRequestId"`
	Request           PaymentRequest `json:"request"`
	Status            Status         `json:"status"`
	PaymentMethod     string         `json:"payment_method"`
	Receipt           string         `json:"receipt,omitempty"`
	SettledAmount     float64        `json:"settledAmount,omitempty"`
	TransactionDate   string         `json:"transactionDate,omitempty"`
	FailureReason     string         `json:"failureReason,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
}

// Outcome is a requested terminal transition for a pending transaction.
type Outcome struct {
	Status          Status
	Receipt         string
	Amount          float64
	TransactionDate string
	FailureReason   string
}

// Ledger is the authoritative in-process record of in-flight and settled
// transactions. All mutations are serialized; records never leave the
// ledger by reference.
type Ledger struct {
	mu           sync.Mutex
	byCheckoutID map[string]*Transaction
	byTradeID    map[string]string
	logger       *slog.Logger
	now          func() time.Time
}

func New(logger *slog.Logger) *Ledger {
	return &Ledger{
		byCheckoutID: make(map[string]*Transaction),
		byTradeID:    make(map[string]string),
		logger:       logger,
		now:          time.Now,
	}
}

// RecordPending creates a new pending transaction for the checkout request
// id returned by the gateway.
func (l *Ledger) RecordPending(checkoutRequestID, merchantRequestID, paymentMethod string, request PaymentRequest) (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byCheckoutID[checkoutRequestID]; ok {
		return nil, ErrDuplicateCheckoutID
	}

	txn := &Transaction{
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: merchantRequestID,
		Request:           request,
		Status:            StatusPending,
		PaymentMethod:     paymentMethod,
		CreatedAt:         l.now(),
	}

	l.byCheckoutID[checkoutRequestID] = txn
	l.byTradeID[request.TradeID] = checkoutRequestID

	l.logger.Info("Recorded pending transaction", "checkoutRequestId", checkoutRequestID, "tradeId", request.TradeID)
	pendingCounter.Inc()

	return copyOf(txn), nil
}

// Settle applies a terminal transition exactly once. Settling an already
// terminal transaction is a no-op that returns the existing record
// unchanged, to tolerate duplicate webhook delivery.
func (l *Ledger) Settle(checkoutRequestID string, outcome Outcome) (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txn, ok := l.byCheckoutID[checkoutRequestID]
	if !ok {
		return nil, ErrNotFound
	}

	if txn.Status != StatusPending {
		l.logger.Warn("Ignoring settlement for terminal transaction", "checkoutRequestId", checkoutRequestID, "status", txn.Status)
		duplicateSettleCounter.Inc()
		return copyOf(txn), nil
	}

	completedAt := l.now()
	txn.CompletedAt = &completedAt

	if outcome.Status == StatusCompleted {
		txn.Status = StatusCompleted
		txn.Receipt = outcome.Receipt
		txn.SettledAmount = outcome.Amount
		txn.TransactionDate = outcome.TransactionDate
		completedCounter.Inc()
	} else {
		txn.Status = StatusFailed
		txn.FailureReason = outcome.FailureReason
		failedCounter.Inc()
	}

	l.logger.Info("Settled transaction", "checkoutRequestId", checkoutRequestID, "tradeId", txn.Request.TradeID, "status", txn.Status)

	return copyOf(txn), nil
}

// Lookup returns a copy of the transaction for the checkout request id,
// or nil when absent.
func (l *Ledger) Lookup(checkoutRequestID string) *Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	txn, ok := l.byCheckoutID[checkoutRequestID]
	if !ok {
		return nil
	}
	return copyOf(txn)
}

// LookupByTradeID returns a copy of the transaction for the trade, or nil
// when absent.
func (l *Ledger) LookupByTradeID(tradeID string) *Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	checkoutRequestID, ok := l.byTradeID[tradeID]
	if !ok {
		return nil
	}
	return copyOf(l.byCheckoutID[checkoutRequestID])
}

func copyOf(txn *Transaction) *Transaction {
	c := *txn
	if txn.CompletedAt != nil {
		completedAt := *txn.CompletedAt
		c.CompletedAt = &completedAt
	}
	return &c
}
