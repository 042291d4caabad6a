package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	blinkpay "github.com/blinkbazaar/blinkpay"
)

// CreateReceipt implements blinkpay.ReceiptStore. The unique index on
// run_id makes write-once a database guarantee.
func (s *Store) CreateReceipt(ctx context.Context, r *blinkpay.Receipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (id, run_id, blink_id, blink_title, blink_price_usdc,
		                      blink_icon_url, reference, signature, payer,
		                      duration_ms, creator_wallet, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.RunID, r.Blink.ID, r.Blink.Title, r.Blink.PriceUSDC,
		r.Blink.IconURL, r.Transaction.Reference, r.Transaction.Signature,
		r.Transaction.Payer, r.Transaction.DurationMs, r.CreatorWallet, r.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return blinkpay.ErrReceiptExists
		}
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// GetReceiptByRun implements blinkpay.ReceiptStore.
func (s *Store) GetReceiptByRun(ctx context.Context, runID string) (*blinkpay.Receipt, error) {
	var r blinkpay.Receipt
	var iconURL sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, blink_id, blink_title, blink_price_usdc,
		       blink_icon_url, reference, signature, payer, duration_ms,
		       creator_wallet, created_at
		FROM receipts WHERE run_id = $1`, runID).
		Scan(&r.ID, &r.RunID, &r.Blink.ID, &r.Blink.Title, &r.Blink.PriceUSDC,
			&iconURL, &r.Transaction.Reference, &r.Transaction.Signature,
			&r.Transaction.Payer, &r.Transaction.DurationMs,
			&r.CreatorWallet, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, blinkpay.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan receipt: %w", err)
	}

	r.Blink.IconURL = iconURL.String
	r.Transaction.Status = blinkpay.RunExecuted
	return &r, nil
}
