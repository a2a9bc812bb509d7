package payment

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"energy-payment-service/internal/config"
	"energy-payment-service/internal/daraja"
	"energy-payment-service/internal/ledger"
	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sandboxBaseURL = "https://sandbox.safaricom.co.ke"

func mockConfig(successRate float64, delayMs int) *config.Config {
	return &config.Config{
		Mock: config.Mock{SuccessRate: successRate, DelayMs: delayMs},
	}
}

func realConfig() *config.Config {
	return &config.Config{
		Mpesa: config.Mpesa{
			Environment:    "sandbox",
			ConsumerKey:    "key",
			ConsumerSecret: "secret",
			ShortCode:      "174379",
			Passkey:        "passkey",
			CallbackURL:    "https://example.com/callback",
		},
		Mock: config.Mock{SuccessRate: 1, DelayMs: 60_000},
	}
}

func mockGateway(checkoutRequestID string) {
	gock.New(sandboxBaseURL).
		Get("/oauth/v1/generate").
		Reply(200).
		JSON(map[string]string{"access_token": "test-token", "expires_in": "3599"})

	gock.New(sandboxBaseURL).
		Post("/mpesa/stkpush/v1/processrequest").
		Reply(200).
		JSON(map[string]string{
			"ResponseCode":      "0",
			"CheckoutRequestID": checkoutRequestID,
			"MerchantRequestID": "29115-34620561-1",
			"CustomerMessage":   "Success. Request accepted for processing",
		})
}

func completedCallback(checkoutRequestID string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": %q,
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 30.0},
						{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
						{"Name": "TransactionDate", "Value": 20191219102115},
						{"Name": "PhoneNumber", "Value": 254708374149}
					]
				}
			}
		}
	}`, checkoutRequestID))
}

func failedCallback(checkoutRequestID string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": %q,
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`, checkoutRequestID))
}

func TestIntegrator_MockInitiateStaysPending(t *testing.T) {
	// Long settlement delay keeps the transaction pending for the
	// duration of the test.
	i := NewIntegrator(mockConfig(1, 60_000), ledger.New(slog.Default()), nil, nil, slog.Default())

	txn, err := i.InitiatePayment(context.Background(), "T1", "254708374149", "254700000000", 2.5, 12.0, "")
	require.NoError(t, err)

	assert.Equal(t, MethodMock, txn.PaymentMethod)
	assert.Equal(t, ledger.StatusPending, txn.Status)
	assert.Equal(t, 30.0, txn.Request.TotalAmount)
	assert.NotEmpty(t, txn.CheckoutRequestID)

	status := i.GetPaymentStatus("T1")
	require.NotNil(t, status)
	assert.Equal(t, ledger.StatusPending, status.Status)
}

func TestIntegrator_MockSettlesAfterDelay(t *testing.T) {
	i := NewIntegrator(mockConfig(1, 1), ledger.New(slog.Default()), nil, nil, slog.Default())

	_, err := i.InitiatePayment(context.Background(), "T1", "254708374149", "254700000000", 2.5, 12.0, "")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		status := i.GetPaymentStatus("T1")
		return status != nil && status.Status == ledger.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	status := i.GetPaymentStatus("T1")
	assert.NotEmpty(t, status.Receipt)
	assert.Equal(t, 30.0, status.SettledAmount)
}

func TestIntegrator_MockSimulatedFailure(t *testing.T) {
	i := NewIntegrator(mockConfig(1, 1), ledger.New(slog.Default()), nil, nil, slog.Default())
	i.mock.(*MockProvider).successRate = 0

	_, err := i.InitiatePayment(context.Background(), "T1", "254708374149", "254700000000", 2.5, 12.0, "")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		status := i.GetPaymentStatus("T1")
		return status != nil && status.Status == ledger.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	status := i.GetPaymentStatus("T1")
	assert.Equal(t, "Simulated payment failure", status.FailureReason)
}

func TestIntegrator_ValidationError(t *testing.T) {
	i := NewIntegrator(mockConfig(1, 1), ledger.New(slog.Default()), nil, nil, slog.Default())

	for _, amount := range []float64{0, -2.5} {
		_, err := i.InitiatePayment(context.Background(), "T1", "254708374149", "254700000000", amount, 12.0, "")

		var validationErr *daraja.ValidationError
		require.ErrorAs(t, err, &validationErr)
	}

	assert.Nil(t, i.GetPaymentStatus("T1"))
}

func TestIntegrator_RealInitiateAndConfirm(t *testing.T) {
	defer gock.Off()
	mockGateway("ws_CO_B1")

	i := NewIntegrator(realConfig(), ledger.New(slog.Default()), nil, nil, slog.Default())

	txn, err := i.InitiatePayment(context.Background(), "T1", "0708374149", "254700000000", 2.5, 12.0, "")
	require.NoError(t, err)
	assert.Equal(t, MethodDarajaSTK, txn.PaymentMethod)
	assert.Equal(t, ledger.StatusPending, txn.Status)
	assert.Equal(t, "ws_CO_B1", txn.CheckoutRequestID)
	assert.Equal(t, "254708374149", txn.Request.BuyerPhone)

	confirmation, err := i.ConfirmPayment(context.Background(), completedCallback("ws_CO_B1"))
	require.NoError(t, err)
	assert.Equal(t, "T1", confirmation.TradeID)
	assert.Equal(t, ledger.StatusCompleted, confirmation.Status)
	assert.Equal(t, "NLJ7RT61SV", confirmation.Receipt)

	status := i.GetPaymentStatus("T1")
	require.NotNil(t, status)
	assert.Equal(t, ledger.StatusCompleted, status.Status)
	assert.Equal(t, "NLJ7RT61SV", status.Receipt)
	assert.Equal(t, 30.0, status.SettledAmount)

	// A duplicate delivery with a contradictory outcome is tolerated and
	// ignored.
	_, err = i.ConfirmPayment(context.Background(), failedCallback("ws_CO_B1"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, i.GetPaymentStatus("T1").Status)
	assert.Equal(t, "NLJ7RT61SV", i.GetPaymentStatus("T1").Receipt)
}

func TestIntegrator_RealConfirmFailure(t *testing.T) {
	defer gock.Off()
	mockGateway("ws_CO_C1")

	i := NewIntegrator(realConfig(), ledger.New(slog.Default()), nil, nil, slog.Default())

	_, err := i.InitiatePayment(context.Background(), "T2", "254708374149", "254700000000", 2.5, 12.0, "")
	require.NoError(t, err)

	confirmation, err := i.ConfirmPayment(context.Background(), failedCallback("ws_CO_C1"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, confirmation.Status)

	status := i.GetPaymentStatus("T2")
	require.NotNil(t, status)
	assert.Equal(t, ledger.StatusFailed, status.Status)
	assert.Equal(t, "Request cancelled by user", status.FailureReason)
}

func TestIntegrator_ConfirmUnknownCheckoutID(t *testing.T) {
	i := NewIntegrator(realConfig(), ledger.New(slog.Default()), nil, nil, slog.Default())

	_, err := i.ConfirmPayment(context.Background(), completedCallback("ws_CO_unknown"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestIntegrator_FallbackToMockOnGatewayError(t *testing.T) {
	defer gock.Off()

	gock.New(sandboxBaseURL).
		Get("/oauth/v1/generate").
		Reply(500)

	i := NewIntegrator(realConfig(), ledger.New(slog.Default()), nil, nil, slog.Default())

	txn, err := i.InitiatePayment(context.Background(), "T1", "254708374149", "254700000000", 2.5, 12.0, "")
	require.NoError(t, err)

	assert.Equal(t, MethodMock, txn.PaymentMethod)
	assert.Equal(t, ledger.StatusPending, txn.Status)
}

func TestIntegrator_QueryMockMode(t *testing.T) {
	i := NewIntegrator(mockConfig(1, 60_000), ledger.New(slog.Default()), nil, nil, slog.Default())

	txn, err := i.InitiatePayment(context.Background(), "T1", "254708374149", "254700000000", 2.5, 12.0, "")
	require.NoError(t, err)

	result, err := i.QueryStatus(context.Background(), txn.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, "ledger", result.Source)

	_, err = i.QueryStatus(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, daraja.ErrNotFound)
}
