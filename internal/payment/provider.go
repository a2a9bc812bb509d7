package payment

import (
	"context"

	"energy-payment-service/internal/ledger"
)

const (
	MethodDarajaSTK = "mpesa_daraja_stk"
	MethodMock      = "mpesa_mock"
)

// Confirmation is the result of processing an asynchronous gateway
// confirmation.
type Confirmation struct {
	TradeID           string        `json:"tradeId,omitempty"`
	CheckoutRequestID string        `json:"checkoutRequestId,omitempty"`
	Status            ledger.Status `json:"status,omitempty"`
	Receipt           string        `json:"receipt,omitempty"`
	Amount            float64       `json:"amount,omitempty"`
	FailureReason     string        `json:"failureReason,omitempty"`
}

// StatusResult is the answer to a status query, either from the gateway or
// from the local ledger depending on the provider.
type StatusResult struct {
	CheckoutRequestID string `json:"checkoutRequestId"`
	ResultCode        string `json:"resultCode"`
	ResultDesc        string `json:"resultDesc"`
	Source            string `json:"source"`
}

// Provider is the payment capability behind the integrator. RealProvider
// talks to the gateway; MockProvider simulates settlement locally.
type Provider interface {
	Initiate(ctx context.Context, request ledger.PaymentRequest) (*ledger.Transaction, error)
	Confirm(ctx context.Context, rawCallback []byte) (*Confirmation, error)
	Query(ctx context.Context, checkoutRequestID string) (*StatusResult, error)
}
