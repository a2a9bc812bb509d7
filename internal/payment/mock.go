package payment

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"energy-payment-service/internal/config"
	"energy-payment-service/internal/daraja"
	"energy-payment-service/internal/ledger"
	"github.com/google/uuid"
)

const (
	defaultSuccessRate = 0.95
	defaultDelayMs     = 200
)

// MockProvider keeps the trade flow completable without gateway
// connectivity. It synthesizes a local reference, records the transaction
// as pending and settles it after a simulated processing delay with a
// configurable success rate.
type MockProvider struct {
	ledger      *ledger.Ledger
	successRate float64
	delay       time.Duration
	logger      *slog.Logger
	onSettled   func(ctx context.Context, txn *ledger.Transaction)
	seq         atomic.Int64
}

func NewMockProvider(cfg config.Mock, l *ledger.Ledger, logger *slog.Logger, onSettled func(ctx context.Context, txn *ledger.Transaction)) *MockProvider {
	successRate := cfg.SuccessRate
	if successRate <= 0 || successRate > 1 {
		successRate = defaultSuccessRate
	}

	delayMs := cfg.DelayMs
	if delayMs < 0 {
		delayMs = defaultDelayMs
	}

	return &MockProvider{
		ledger:      l,
		successRate: successRate,
		delay:       time.Duration(delayMs) * time.Millisecond,
		logger:      logger,
		onSettled:   onSettled,
	}
}

func (p *MockProvider) Initiate(ctx context.Context, request ledger.PaymentRequest) (*ledger.Transaction, error) {
	if request.TotalAmount <= 0 {
		return nil, &daraja.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	reference := fmt.Sprintf("MOCK_MPESA%d%03d", time.Now().Unix(), p.seq.Add(1))

	txn, err := p.ledger.RecordPending(reference, uuid.New().String(), MethodMock, request)
	if err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "Mock payment initiated", "tradeId", request.TradeID, "reference", reference)

	go p.settleLater(reference)

	return txn, nil
}

// settleLater simulates the out-of-band confirmation: after the configured
// delay the transaction settles with a probabilistic outcome.
func (p *MockProvider) settleLater(reference string) {
	time.Sleep(p.delay)

	outcome := ledger.Outcome{
		Status:        ledger.StatusFailed,
		FailureReason: "Simulated payment failure",
	}
	if rand.Float64() < p.successRate {
		txn := p.ledger.Lookup(reference)
		amount := 0.0
		if txn != nil {
			amount = txn.Request.TotalAmount
		}
		outcome = ledger.Outcome{
			Status:          ledger.StatusCompleted,
			Receipt:         fmt.Sprintf("MOCK_%s", uuid.New().String()[:8]),
			Amount:          amount,
			TransactionDate: time.Now().Format("20060102150405"),
		}
	}

	txn, err := p.ledger.Settle(reference, outcome)
	if err != nil {
		p.logger.Error("Error settling mock payment", "reference", reference, "error", err)
		return
	}

	if p.onSettled != nil {
		p.onSettled(context.Background(), txn)
	}
}

// Confirm acknowledges the callback but is a logical no-op: mock
// settlements are driven locally, not by the gateway.
func (p *MockProvider) Confirm(ctx context.Context, rawCallback []byte) (*Confirmation, error) {
	p.logger.InfoContext(ctx, "Mock mode, ignoring callback payload")
	return &Confirmation{}, nil
}

func (p *MockProvider) Query(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	txn := p.ledger.Lookup(checkoutRequestID)
	if txn == nil {
		return nil, daraja.ErrNotFound
	}

	resultCode := "1"
	resultDesc := txn.FailureReason
	switch txn.Status {
	case ledger.StatusPending:
		resultCode = "500.001.1001"
		resultDesc = "The transaction is being processed"
	case ledger.StatusCompleted:
		resultCode = "0"
		resultDesc = "The service request is processed successfully."
	}

	return &StatusResult{
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        resultCode,
		ResultDesc:        resultDesc,
		Source:            "ledger",
	}, nil
}
