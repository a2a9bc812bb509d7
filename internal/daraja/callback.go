package daraja

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

type metadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

type stkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        *int   `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// CallbackOutcome is the normalized form of an asynchronous confirmation.
type CallbackOutcome struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Completed         bool
	Amount            float64
	ReceiptNumber     string
	TransactionDate   string
	PhoneNumber       string
	Metadata          map[string]any
}

// ParseCallback parses a raw callback body into a normalized outcome.
// A result code of zero means the payment completed; any other value means
// it failed, with the gateway's description as the reason. Unparseable
// payloads return ErrMalformedCallback.
func ParseCallback(raw []byte) (*CallbackOutcome, error) {
	var envelope callbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errors.Wrap(ErrMalformedCallback, err.Error())
	}

	cb := envelope.Body.StkCallback
	if cb == nil {
		return nil, errors.Wrap(ErrMalformedCallback, "missing stkCallback")
	}
	if cb.CheckoutRequestID == "" {
		return nil, errors.Wrap(ErrMalformedCallback, "missing CheckoutRequestID")
	}
	if cb.ResultCode == nil {
		return nil, errors.Wrap(ErrMalformedCallback, "missing ResultCode")
	}

	metadata := make(map[string]any)
	for _, item := range cb.CallbackMetadata.Item {
		if item.Name != "" {
			metadata[item.Name] = item.Value
		}
	}

	outcome := &CallbackOutcome{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        *cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		Completed:         *cb.ResultCode == 0,
		Amount:            metadataNumber(metadata, "Amount"),
		ReceiptNumber:     metadataString(metadata, "MpesaReceiptNumber"),
		TransactionDate:   metadataString(metadata, "TransactionDate"),
		PhoneNumber:       metadataString(metadata, "PhoneNumber"),
		Metadata:          metadata,
	}

	return outcome, nil
}

func metadataNumber(metadata map[string]any, name string) float64 {
	switch v := metadata[name].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

func metadataString(metadata map[string]any, name string) string {
	switch v := metadata[name].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
