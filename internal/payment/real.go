package payment

import (
	"context"
	"fmt"
	"log/slog"

	"energy-payment-service/internal/daraja"
	"energy-payment-service/internal/ledger"
)

// RealProvider initiates push payments through the Daraja gateway and
// reconciles asynchronous confirmations into the ledger.
type RealProvider struct {
	client      *daraja.Client
	ledger      *ledger.Ledger
	callbackURL string
	logger      *slog.Logger
	onSettled   func(ctx context.Context, txn *ledger.Transaction)
}

func NewRealProvider(client *daraja.Client, l *ledger.Ledger, callbackURL string, logger *slog.Logger, onSettled func(ctx context.Context, txn *ledger.Transaction)) *RealProvider {
	return &RealProvider{
		client:      client,
		ledger:      l,
		callbackURL: callbackURL,
		logger:      logger,
		onSettled:   onSettled,
	}
}

func (p *RealProvider) Initiate(ctx context.Context, request ledger.PaymentRequest) (*ledger.Transaction, error) {
	callbackURL := request.CallbackURL
	if callbackURL == "" {
		callbackURL = p.callbackURL
	}

	result, err := p.client.Initiate(ctx, daraja.STKPushRequest{
		PhoneNumber:      request.BuyerPhone,
		Amount:           request.TotalAmount,
		AccountReference: request.AccountReference,
		TransactionDesc:  fmt.Sprintf("Energy purchase: %g kWh at %g KES/kWh", request.AmountKwh, request.PricePerKwh),
		CallbackURL:      callbackURL,
	})
	if err != nil {
		return nil, err
	}

	txn, err := p.ledger.RecordPending(result.CheckoutRequestID, result.MerchantRequestID, MethodDarajaSTK, request)
	if err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "Payment initiated", "tradeId", request.TradeID, "checkoutRequestId", txn.CheckoutRequestID, "customerMessage", result.CustomerMessage)

	return txn, nil
}

// Confirm parses a callback body and applies the terminal transition to
// the matching transaction.
func (p *RealProvider) Confirm(ctx context.Context, rawCallback []byte) (*Confirmation, error) {
	outcome, err := daraja.ParseCallback(rawCallback)
	if err != nil {
		return nil, err
	}

	ledgerOutcome := ledger.Outcome{
		Status:          ledger.StatusFailed,
		FailureReason:   outcome.ResultDesc,
	}
	if outcome.Completed {
		ledgerOutcome = ledger.Outcome{
			Status:          ledger.StatusCompleted,
			Receipt:         outcome.ReceiptNumber,
			Amount:          outcome.Amount,
			TransactionDate: outcome.TransactionDate,
		}
	}

	txn, err := p.ledger.Settle(outcome.CheckoutRequestID, ledgerOutcome)
	if err != nil {
		return nil, err
	}

	if p.onSettled != nil {
		p.onSettled(ctx, txn)
	}

	return &Confirmation{
		TradeID:           txn.Request.TradeID,
		CheckoutRequestID: txn.CheckoutRequestID,
		Status:            txn.Status,
		Receipt:           txn.Receipt,
		Amount:            txn.SettledAmount,
		FailureReason:     txn.FailureReason,
	}, nil
}

func (p *RealProvider) Query(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	result, err := p.client.Query(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}

	return &StatusResult{
		CheckoutRequestID: result.CheckoutRequestID,
		ResultCode:        result.ResultCode,
		ResultDesc:        result.ResultDesc,
		Source:            "gateway",
	}, nil
}
