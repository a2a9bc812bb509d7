package archive

import (
	"context"
	"time"

	"energy-payment-service/internal/ledger"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TransactionEntity is a settled-transaction row in the archive table.
type TransactionEntity struct {
	CheckoutRequestID string
	MerchantRequestID string
	TradeID           string
	BuyerPhone        string
	SellerPhone       string
	AmountKwh         float64
	PricePerKwh       float64
	TotalAmount       float64
	Status            string
	PaymentMethod     string
	Receipt           *string
	FailureReason     *string
	CreatedAt         time.Time
	CompletedAt       *time.Time
	ArchivedAt        time.Time
}

// Repository is a write-mostly archive of terminal transactions, kept for
// history and analytics outside the in-process ledger.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, txn *ledger.Transaction) error {
	query := `INSERT INTO payment_archive
	          (checkout_request_id, merchant_request_id, trade_id, buyer_phone, seller_phone,
	           amount_kwh, price_per_kwh, total_amount, status, payment_method, receipt,
	           failure_reason, created_at, completed_at, archived_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	          ON CONFLICT (checkout_request_id) DO NOTHING`

	var receipt, failureReason *string
	if txn.Receipt != "" {
		receipt = &txn.Receipt
	}
	if txn.FailureReason != "" {
		failureReason = &txn.FailureReason
	}

	_, err := r.pool.Exec(ctx, query,
		txn.CheckoutRequestID, txn.MerchantRequestID, txn.Request.TradeID,
		txn.Request.BuyerPhone, txn.Request.SellerPhone, txn.Request.AmountKwh,
		txn.Request.PricePerKwh, txn.Request.TotalAmount, string(txn.Status),
		txn.PaymentMethod, receipt, failureReason, txn.CreatedAt, txn.CompletedAt, time.Now())
	return err
}

func (r *Repository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*TransactionEntity, error) {
	query := `SELECT checkout_request_id, merchant_request_id, trade_id, buyer_phone, seller_phone,
	                 amount_kwh, price_per_kwh, total_amount, status, payment_method, receipt,
	                 failure_reason, created_at, completed_at, archived_at
	          FROM payment_archive WHERE checkout_request_id = $1`
	row := r.pool.QueryRow(ctx, query, checkoutRequestID)

	var entity TransactionEntity
	err := row.Scan(&entity.CheckoutRequestID, &entity.MerchantRequestID, &entity.TradeID,
		&entity.BuyerPhone, &entity.SellerPhone, &entity.AmountKwh, &entity.PricePerKwh,
		&entity.TotalAmount, &entity.Status, &entity.PaymentMethod, &entity.Receipt,
		&entity.FailureReason, &entity.CreatedAt, &entity.CompletedAt, &entity.ArchivedAt)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (r *Repository) GetByTradeID(ctx context.Context, tradeID string) ([]*TransactionEntity, error) {
	query := `SELECT checkout_request_id, merchant_request_id, trade_id, buyer_phone, seller_phone,
	                 amount_kwh, price_per_kwh, total_amount, status, payment_method, receipt,
	                 failure_reason, created_at, completed_at, archived_at
	          FROM payment_archive WHERE trade_id = $1 ORDER BY archived_at`
	rows, err := r.pool.Query(ctx, query, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*TransactionEntity
	for rows.Next() {
		var entity TransactionEntity
		err := rows.Scan(&entity.CheckoutRequestID, &entity.MerchantRequestID, &entity.TradeID,
			&entity.BuyerPhone, &entity.SellerPhone, &entity.AmountKwh, &entity.PricePerKwh,
			&entity.TotalAmount, &entity.Status, &entity.PaymentMethod, &entity.Receipt,
			&entity.FailureReason, &entity.CreatedAt, &entity.CompletedAt, &entity.ArchivedAt)
		if err != nil {
			return nil, err
		}
		entities = append(entities, &entity)
	}
	return entities, rows.Err()
}
