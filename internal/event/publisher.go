package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"energy-payment-service/internal/config"
	"energy-payment-service/internal/ledger"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100
)

var (
	publishedCounter    = metrics.GetOrCreateCounter(`settlement_events_total{result="published"}`)
	publishErrorCounter = metrics.GetOrCreateCounter(`settlement_events_total{result="error"}`)
)

// Settlement is the event published when a transaction reaches a terminal
// state.
type Settlement struct {
	ID                uuid.UUID `json:"id"`
	TradeID           string    `json:"tradeId"`
	CheckoutRequestID string    `json:"checkoutRequestId"`
	Status            string    `json:"status"`
	Receipt           string    `json:"receipt,omitempty"`
	Amount            float64   `json:"amount"`
	PaymentMethod     string    `json:"paymentMethod"`
	SettledAt         time.Time `json:"settledAt"`
}

func NewWriter(cfg config.Kafka) *kafka.Writer {
	batchSize := cfg.Writer.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	batchTimeout := cfg.Writer.BatchTimeoutMs
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Broker.URL),
		Topic:                  cfg.Topic.SettlementEvents,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              batchSize,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           time.Duration(batchTimeout) * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}

// Publisher emits settlement events to Kafka. A nil writer disables
// publication.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewPublisher(writer *kafka.Writer, logger *slog.Logger) *Publisher {
	return &Publisher{writer: writer, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, txn *ledger.Transaction) error {
	if p.writer == nil {
		return nil
	}

	settledAt := time.Now()
	if txn.CompletedAt != nil {
		settledAt = *txn.CompletedAt
	}

	settlement := Settlement{
		ID:                uuid.New(),
		TradeID:           txn.Request.TradeID,
		CheckoutRequestID: txn.CheckoutRequestID,
		Status:            string(txn.Status),
		Receipt:           txn.Receipt,
		Amount:            txn.SettledAmount,
		PaymentMethod:     txn.PaymentMethod,
		SettledAt:         settledAt,
	}

	messageBytes, err := json.Marshal(settlement)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		// Trade ID as key so events for one trade stay ordered.
		Key:   []byte(settlement.TradeID),
		Value: messageBytes,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.ErrorContext(ctx, "Error publishing settlement event", "error", err, "tradeId", settlement.TradeID)
		publishErrorCounter.Inc()
		return err
	}

	p.logger.InfoContext(ctx, "Published settlement event", "tradeId", settlement.TradeID, "status", settlement.Status)
	publishedCounter.Inc()

	return nil
}
