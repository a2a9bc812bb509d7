package payment

import (
	"context"
	"errors"
	"log/slog"

	"energy-payment-service/internal/archive"
	"energy-payment-service/internal/config"
	"energy-payment-service/internal/daraja"
	"energy-payment-service/internal/event"
	"energy-payment-service/internal/ledger"
	"github.com/VictoriaMetrics/metrics"
)

var (
	initiateRealCounter     = metrics.GetOrCreateCounter(`payment_initiations_total{provider="real"}`)
	initiateMockCounter     = metrics.GetOrCreateCounter(`payment_initiations_total{provider="mock"}`)
	initiateFallbackCounter = metrics.GetOrCreateCounter(`payment_initiations_total{provider="fallback"}`)

	confirmationCounter          = metrics.GetOrCreateCounter(`payment_confirmations_total{result="processed"}`)
	confirmationMalformedCounter = metrics.GetOrCreateCounter(`payment_confirmations_total{result="malformed"}`)
)

// Integrator is the single entry point for the trade-execution flow. It
// selects between the real gateway provider and a deterministic mock
// fallback once at construction, and falls back per call on any error
// except validation.
type Integrator struct {
	real      Provider
	mock      Provider
	ledger    *ledger.Ledger
	publisher *event.Publisher
	archive   *archive.Repository
	logger    *slog.Logger
}

func NewIntegrator(cfg *config.Config, l *ledger.Ledger, publisher *event.Publisher, repo *archive.Repository, logger *slog.Logger) *Integrator {
	i := &Integrator{
		ledger:    l,
		publisher: publisher,
		archive:   repo,
		logger:    logger,
	}

	i.mock = NewMockProvider(cfg.Mock, l, logger, i.onSettled)

	if cfg.Mpesa.ConsumerKey != "" && cfg.Mpesa.ConsumerSecret != "" {
		client := daraja.NewClient(cfg.Mpesa, logger)
		i.real = NewRealProvider(client, l, cfg.Mpesa.CallbackURL, logger, i.onSettled)
		logger.Info("Payment integrator using Daraja gateway", "environment", cfg.Mpesa.Environment)
	} else {
		logger.Info("Gateway credentials not configured, using mock provider")
	}

	return i
}

// InitiatePayment starts a push payment for a trade. A validation error is
// returned as is; any other real-provider error triggers transparent
// fallback to the mock provider so the trade flow stays completable.
func (i *Integrator) InitiatePayment(ctx context.Context, tradeID, buyerPhone, sellerPhone string, amountKwh, pricePerKwh float64, callbackURL string) (*ledger.Transaction, error) {
	request := ledger.PaymentRequest{
		TradeID:          tradeID,
		BuyerPhone:       daraja.NormalizePhone(buyerPhone),
		SellerPhone:      daraja.NormalizePhone(sellerPhone),
		AmountKwh:        amountKwh,
		PricePerKwh:      pricePerKwh,
		TotalAmount:      amountKwh * pricePerKwh,
		AccountReference: "ENERGY_" + tradeID,
		CallbackURL:      callbackURL,
	}

	if request.TotalAmount <= 0 {
		return nil, &daraja.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	if i.real != nil {
		txn, err := i.real.Initiate(ctx, request)
		if err == nil {
			initiateRealCounter.Inc()
			return txn, nil
		}

		var validationErr *daraja.ValidationError
		if errors.As(err, &validationErr) {
			return nil, err
		}

		i.logger.WarnContext(ctx, "Gateway initiation failed, falling back to mock", "tradeId", tradeID, "error", err)
		initiateFallbackCounter.Inc()
	} else {
		initiateMockCounter.Inc()
	}

	return i.mock.Initiate(ctx, request)
}

// ConfirmPayment processes an asynchronous confirmation body. In mock mode
// callbacks are acknowledged but ignored.
func (i *Integrator) ConfirmPayment(ctx context.Context, rawCallback []byte) (*Confirmation, error) {
	provider := i.mock
	if i.real != nil {
		provider = i.real
	}

	confirmation, err := provider.Confirm(ctx, rawCallback)
	if err != nil {
		if errors.Is(err, daraja.ErrMalformedCallback) {
			confirmationMalformedCounter.Inc()
		}
		return nil, err
	}

	confirmationCounter.Inc()
	return confirmation, nil
}

// QueryStatus reports the gateway's view of a request; it does not mutate
// the ledger. In mock mode the local ledger is consulted instead.
func (i *Integrator) QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	if i.real != nil {
		return i.real.Query(ctx, checkoutRequestID)
	}
	return i.mock.Query(ctx, checkoutRequestID)
}

// GetPaymentStatus returns the ledger record for a trade, or nil when the
// trade has no payment.
func (i *Integrator) GetPaymentStatus(tradeID string) *ledger.Transaction {
	return i.ledger.LookupByTradeID(tradeID)
}

// onSettled runs after every terminal transition: best-effort settlement
// event publication and archival.
func (i *Integrator) onSettled(ctx context.Context, txn *ledger.Transaction) {
	if i.publisher != nil {
		if err := i.publisher.Publish(ctx, txn); err != nil {
			i.logger.ErrorContext(ctx, "Error publishing settlement", "tradeId", txn.Request.TradeID, "error", err)
		}
	}

	if i.archive != nil {
		if err := i.archive.Insert(ctx, txn); err != nil {
			i.logger.ErrorContext(ctx, "Error archiving transaction", "tradeId", txn.Request.TradeID, "error", err)
		}
	}
}
