package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"energy-payment-service/internal/config"
	"github.com/VictoriaMetrics/metrics"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"

	authPath     = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	transactionType = "CustomerPayBillOnline"
	timestampLayout = "20060102150405"

	defaultTimeoutMs = 15_000
)

var (
	stkPushSuccessCounter  = metrics.GetOrCreateCounter(`daraja_stk_push_total{result="success"}`)
	stkPushRejectedCounter = metrics.GetOrCreateCounter(`daraja_stk_push_total{result="rejected"}`)
	stkPushErrorCounter    = metrics.GetOrCreateCounter(`daraja_stk_push_total{result="error"}`)

	stkPushDurationHistogram = metrics.GetOrCreateHistogram(`daraja_stk_push_duration_milliseconds`)

	stkQuerySuccessCounter = metrics.GetOrCreateCounter(`daraja_stk_query_total{result="success"}`)
	stkQueryErrorCounter   = metrics.GetOrCreateCounter(`daraja_stk_query_total{result="error"}`)
)

// STKPushRequest holds the gateway-level inputs for a push payment.
type STKPushRequest struct {
	PhoneNumber      string
	Amount           float64
	AccountReference string
	TransactionDesc  string
	CallbackURL      string
}

// InitiationResult is the parsed success response of an STK push.
type InitiationResult struct {
	CheckoutRequestID   string
	MerchantRequestID   string
	ResponseDescription string
	CustomerMessage     string
}

// QueryResult is the gateway's view of a previously initiated request.
// It is read-only with respect to the ledger.
type QueryResult struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseCode        string
	ResponseDescription string
	ResultCode          string
	ResultDesc          string
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int    `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkQueryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkPushResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Client talks to the M-Pesa Daraja API: token generation, STK push
// initiation and status queries.
type Client struct {
	cfg     config.Mpesa
	baseURL string
	client  *http.Client
	tokens  *tokenSource
	logger  *slog.Logger
	now     func() time.Time
}

func NewClient(cfg config.Mpesa, logger *slog.Logger) *Client {
	baseURL := sandboxBaseURL
	if cfg.Environment == "production" {
		baseURL = productionBaseURL
	}

	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}

	// Transport is left nil so the default transport is picked up at
	// request time.
	client := &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond}

	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		client:  client,
		tokens:  newTokenSource(baseURL+authPath, cfg.ConsumerKey, cfg.ConsumerSecret, client),
		logger:  logger,
		now:     time.Now,
	}
}

// stkPassword computes the payload-level password: base64 of the short
// code, passkey and timestamp concatenated. The timestamp must be the same
// string sent in the payload's Timestamp field.
func stkPassword(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// Initiate sends an STK push for the given request. Non-positive amounts
// are rejected before any network call. The client never retries; retry
// policy belongs to the caller.
func (c *Client) Initiate(ctx context.Context, req STKPushRequest) (*InitiationResult, error) {
	if req.Amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	phone := NormalizePhone(req.PhoneNumber)
	timestamp := c.now().Format(timestampLayout)

	payload := stkPushPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          stkPassword(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            int(req.Amount),
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       req.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.TransactionDesc,
	}

	c.logger.InfoContext(ctx, "Initiating STK push", "phone", phone, "amount", payload.Amount, "reference", req.AccountReference)

	startTime := time.Now()

	var resp stkPushResponse
	err = c.post(ctx, c.baseURL+stkPushPath, token, payload, &resp)

	stkPushDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))

	if err != nil {
		if _, ok := err.(*RejectedError); ok {
			stkPushRejectedCounter.Inc()
		} else {
			stkPushErrorCounter.Inc()
		}
		return nil, err
	}

	if resp.ResponseCode != "0" {
		c.logger.WarnContext(ctx, "STK push declined", "code", resp.ResponseCode, "description", resp.ResponseDescription)
		stkPushRejectedCounter.Inc()
		return nil, &RejectedError{Code: resp.ResponseCode, Description: resp.ResponseDescription}
	}

	c.logger.InfoContext(ctx, "STK push initiated", "checkoutRequestId", resp.CheckoutRequestID)
	stkPushSuccessCounter.Inc()

	return &InitiationResult{
		CheckoutRequestID:   resp.CheckoutRequestID,
		MerchantRequestID:   resp.MerchantRequestID,
		ResponseDescription: resp.ResponseDescription,
		CustomerMessage:     resp.CustomerMessage,
	}, nil
}

// Query asks the gateway for the outcome of a previously initiated request.
func (c *Client) Query(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().Format(timestampLayout)

	payload := stkQueryPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          stkPassword(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	c.logger.InfoContext(ctx, "Querying STK push status", "checkoutRequestId", checkoutRequestID)

	var resp stkQueryResponse
	if err := c.post(ctx, c.baseURL+stkQueryPath, token, payload, &resp); err != nil {
		stkQueryErrorCounter.Inc()
		return nil, err
	}

	stkQuerySuccessCounter.Inc()

	return &QueryResult{
		MerchantRequestID:   resp.MerchantRequestID,
		CheckoutRequestID:   resp.CheckoutRequestID,
		ResponseCode:        resp.ResponseCode,
		ResponseDescription: resp.ResponseDescription,
		ResultCode:          resp.ResultCode,
		ResultDesc:          resp.ResultDesc,
	}, nil
}

func (c *Client) post(ctx context.Context, url, token string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &NetworkError{Op: "gateway", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: "gateway", Err: err}
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	if resp.StatusCode >= 400 {
		var gatewayErr errorResponse
		if err := json.Unmarshal(respBody, &gatewayErr); err == nil && gatewayErr.ErrorCode != "" {
			return &RejectedError{Code: gatewayErr.ErrorCode, Description: gatewayErr.ErrorMessage}
		}
		return &NetworkError{Op: "gateway", Err: fmt.Errorf("error response: %s", resp.Status)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &NetworkError{Op: "gateway", Err: err}
	}

	return nil
}
