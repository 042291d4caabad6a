package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	blinkpay "github.com/blinkbazaar/blinkpay"
)

// GetCreator implements blinkpay.CreatorStore. The payout credential column
// holds the AES-GCM blob; plaintext never touches the database.
func (s *Store) GetCreator(ctx context.Context, id string) (*blinkpay.Creator, error) {
	var c blinkpay.Creator
	err := s.db.QueryRowContext(ctx, `
		SELECT id, wallet, intake_wallet, encrypted_payout_key
		FROM creators WHERE id = $1`, id).
		Scan(&c.ID, &c.Wallet, &c.IntakeWallet, &c.EncryptedPayoutKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, blinkpay.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan creator: %w", err)
	}
	return &c, nil
}
