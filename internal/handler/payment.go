package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"energy-payment-service/internal/daraja"
	"energy-payment-service/internal/payment"
)

// callbackAck is the body returned to the gateway for every callback
// delivery. The status is always HTTP 200 so the gateway does not
// retransmit; ResultCode 1 signals a processing failure.
type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// PaymentHandler exposes the payment integrator over HTTP: the inbound
// confirmation webhook and read-only status lookups.
type PaymentHandler struct {
	integrator *payment.Integrator
	logger     *slog.Logger
}

func NewPaymentHandler(integrator *payment.Integrator, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{integrator: integrator, logger: logger}
}

// Callback handles POST /api/payment/callback.
func (h *PaymentHandler) Callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Error reading callback body", "error", err)
		writeJSON(w, http.StatusOK, callbackAck{ResultCode: 1, ResultDesc: "Unreadable callback body"})
		return
	}

	confirmation, err := h.integrator.ConfirmPayment(r.Context(), body)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Callback processing failed", "error", err)
		writeJSON(w, http.StatusOK, callbackAck{ResultCode: 1, ResultDesc: "Callback processing failed"})
		return
	}

	h.logger.InfoContext(r.Context(), "Callback processed", "tradeId", confirmation.TradeID, "status", confirmation.Status)
	writeJSON(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Callback processed successfully"})
}

type initiateRequest struct {
	TradeID     string  `json:"tradeId"`
	BuyerPhone  string  `json:"buyerPhone"`
	SellerPhone string  `json:"sellerPhone"`
	AmountKwh   float64 `json:"amountKwh"`
	PricePerKwh float64 `json:"pricePerKwh"`
	CallbackURL string  `json:"callbackUrl,omitempty"`
}

// Initiate handles POST /api/payment/initiate.
func (h *PaymentHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	txn, err := h.integrator.InitiatePayment(r.Context(), req.TradeID, req.BuyerPhone, req.SellerPhone, req.AmountKwh, req.PricePerKwh, req.CallbackURL)
	if err != nil {
		var validationErr *daraja.ValidationError
		if errors.As(err, &validationErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": validationErr.Error()})
			return
		}
		h.logger.ErrorContext(r.Context(), "Payment initiation failed", "tradeId", req.TradeID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment initiation failed"})
		return
	}

	writeJSON(w, http.StatusAccepted, txn)
}

// Status handles GET /api/payment/status/{checkoutRequestID}.
func (h *PaymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	checkoutRequestID := r.PathValue("checkoutRequestID")

	result, err := h.integrator.QueryStatus(r.Context(), checkoutRequestID)
	if err != nil {
		if errors.Is(err, daraja.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "transaction not found"})
			return
		}
		h.logger.ErrorContext(r.Context(), "Status query failed", "checkoutRequestId", checkoutRequestID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "status query failed"})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// TradeStatus handles GET /api/payment/trade/{tradeID}.
func (h *PaymentHandler) TradeStatus(w http.ResponseWriter, r *http.Request) {
	tradeID := r.PathValue("tradeID")

	txn := h.integrator.GetPaymentStatus(tradeID)
	if txn == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no payment for trade"})
		return
	}

	writeJSON(w, http.StatusOK, txn)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
