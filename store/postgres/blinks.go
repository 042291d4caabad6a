package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	blinkpay "github.com/blinkbazaar/blinkpay"
)

// GetBlink implements blinkpay.BlinkStore.
func (s *Store) GetBlink(ctx context.Context, id string) (*blinkpay.Blink, error) {
	return s.scanBlink(s.db.QueryRowContext(ctx, blinkColumns+` WHERE id = $1`, id))
}

// GetBlinkBySlug implements blinkpay.BlinkStore.
func (s *Store) GetBlinkBySlug(ctx context.Context, slug string) (*blinkpay.Blink, error) {
	return s.scanBlink(s.db.QueryRowContext(ctx, blinkColumns+` WHERE slug = $1`, slug))
}

const blinkColumns = `
	SELECT id, slug, title, price_usdc, icon_url, target_url, target_method,
	       output_schema, token_mint, token_decimals, payout_wallet,
	       creator_id, fee_bps, status
	FROM blinks`

func (s *Store) scanBlink(row rowScanner) (*blinkpay.Blink, error) {
	var b blinkpay.Blink
	var iconURL, outputSchema sql.NullString
	var decimals int16

	err := row.Scan(&b.ID, &b.Slug, &b.Title, &b.PriceUSDC, &iconURL,
		&b.TargetURL, &b.TargetMethod, &outputSchema, &b.TokenMint,
		&decimals, &b.PayoutWallet, &b.CreatorID, &b.FeeBps, &b.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, blinkpay.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan blink: %w", err)
	}

	b.IconURL = iconURL.String
	b.OutputSchema = outputSchema.String
	b.TokenDecimals = uint8(decimals)
	return &b, nil
}
