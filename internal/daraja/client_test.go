package daraja

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"energy-payment-service/internal/config"
	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMpesaConfig() config.Mpesa {
	return config.Mpesa{
		Environment:    "sandbox",
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/callback",
	}
}

func mockAuth() {
	gock.New(sandboxBaseURL).
		Get("/oauth/v1/generate").
		Reply(200).
		JSON(map[string]string{"access_token": "test-token", "expires_in": "3599"})
}

func TestStkPassword(t *testing.T) {
	password := stkPassword("174379", "passkey", "20240101120000")

	expected := base64.StdEncoding.EncodeToString([]byte("174379passkey20240101120000"))
	assert.Equal(t, expected, password)
}

func TestClient_Initiate_Success(t *testing.T) {
	defer gock.Off()

	mockAuth()
	gock.New(sandboxBaseURL).
		Post("/mpesa/stkpush/v1/processrequest").
		Reply(200).
		JSON(map[string]string{
			"ResponseCode":        "0",
			"CheckoutRequestID":   "ws_CO_191220191020363925",
			"MerchantRequestID":   "29115-34620561-1",
			"ResponseDescription": "Success. Request accepted for processing",
			"CustomerMessage":     "Success. Request accepted for processing",
		})

	client := NewClient(testMpesaConfig(), slog.Default())

	result, err := client.Initiate(context.Background(), STKPushRequest{
		PhoneNumber:      "0708374149",
		Amount:           30,
		AccountReference: "ENERGY_T1",
		TransactionDesc:  "Energy purchase",
		CallbackURL:      "https://example.com/callback",
	})
	require.NoError(t, err)

	assert.Equal(t, "ws_CO_191220191020363925", result.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", result.MerchantRequestID)
	assert.Equal(t, "Success. Request accepted for processing", result.CustomerMessage)
	assert.True(t, gock.IsDone())
}

func TestClient_Initiate_SignedPayload(t *testing.T) {
	defer gock.Off()

	mockAuth()

	// With the clock pinned the entire payload is deterministic. The
	// timestamp used for the signature must be the payload timestamp.
	expected := stkPushPayload{
		BusinessShortCode: "174379",
		Password:          stkPassword("174379", "passkey", "20240101120000"),
		Timestamp:         "20240101120000",
		TransactionType:   "CustomerPayBillOnline",
		Amount:            30,
		PartyA:            "254708374149",
		PartyB:            "174379",
		PhoneNumber:       "254708374149",
		CallBackURL:       "https://example.com/callback",
		AccountReference:  "ENERGY_T1",
		TransactionDesc:   "Energy purchase",
	}

	gock.New(sandboxBaseURL).
		Post("/mpesa/stkpush/v1/processrequest").
		JSON(expected).
		Reply(200).
		JSON(map[string]string{"ResponseCode": "0", "CheckoutRequestID": "ws_CO_1"})

	client := NewClient(testMpesaConfig(), slog.Default())

	fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return fixed }

	_, err := client.Initiate(context.Background(), STKPushRequest{
		PhoneNumber:      "0708374149",
		Amount:           30,
		AccountReference: "ENERGY_T1",
		TransactionDesc:  "Energy purchase",
		CallbackURL:      "https://example.com/callback",
	})
	require.NoError(t, err)
	assert.True(t, gock.IsDone())
}

func TestClient_Initiate_Rejected(t *testing.T) {
	defer gock.Off()

	mockAuth()
	gock.New(sandboxBaseURL).
		Post("/mpesa/stkpush/v1/processrequest").
		Reply(200).
		JSON(map[string]string{
			"ResponseCode":        "1",
			"ResponseDescription": "Insufficient balance",
		})

	client := NewClient(testMpesaConfig(), slog.Default())

	_, err := client.Initiate(context.Background(), STKPushRequest{
		PhoneNumber: "254708374149",
		Amount:      30,
	})
	require.Error(t, err)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "1", rejected.Code)
	assert.Equal(t, "Insufficient balance", rejected.Description)
}

func TestClient_Initiate_ValidationBeforeNetwork(t *testing.T) {
	var fetches atomic.Int64

	client := NewClient(testMpesaConfig(), slog.Default())
	client.tokens.fetch = func(ctx context.Context) (string, time.Duration, error) {
		fetches.Add(1)
		return "token", time.Hour, nil
	}

	for _, amount := range []float64{0, -5} {
		_, err := client.Initiate(context.Background(), STKPushRequest{
			PhoneNumber: "254708374149",
			Amount:      amount,
		})

		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr)
	}

	assert.Equal(t, int64(0), fetches.Load())
}

func TestClient_Initiate_AuthFailure(t *testing.T) {
	defer gock.Off()

	gock.New(sandboxBaseURL).
		Get("/oauth/v1/generate").
		Reply(401)

	client := NewClient(testMpesaConfig(), slog.Default())

	_, err := client.Initiate(context.Background(), STKPushRequest{
		PhoneNumber: "254708374149",
		Amount:      30,
	})

	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestClient_Query_Success(t *testing.T) {
	defer gock.Off()

	mockAuth()
	gock.New(sandboxBaseURL).
		Post("/mpesa/stkpushquery/v1/query").
		Reply(200).
		JSON(map[string]string{
			"ResponseCode":      "0",
			"CheckoutRequestID": "ws_CO_1",
			"ResultCode":        "0",
			"ResultDesc":        "The service request is processed successfully.",
		})

	client := NewClient(testMpesaConfig(), slog.Default())

	result, err := client.Query(context.Background(), "ws_CO_1")
	require.NoError(t, err)

	assert.Equal(t, "0", result.ResultCode)
	assert.Equal(t, "The service request is processed successfully.", result.ResultDesc)
}

func TestClient_Query_NotFound(t *testing.T) {
	defer gock.Off()

	mockAuth()
	gock.New(sandboxBaseURL).
		Post("/mpesa/stkpushquery/v1/query").
		Reply(404).
		JSON(map[string]string{"errorCode": "404.001.04", "errorMessage": "Invalid CheckoutRequestID"})

	client := NewClient(testMpesaConfig(), slog.Default())

	_, err := client.Query(context.Background(), "ws_CO_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
