package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	blinkpay "github.com/blinkbazaar/blinkpay"
)

const uniqueViolation = "23505"

// CreateRun implements blinkpay.RunStore.
func (s *Store) CreateRun(ctx context.Context, run *blinkpay.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, blink_id, payer, reference, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.BlinkID, run.Payer, run.Reference, run.Status, run.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return blinkpay.ErrDuplicateReference
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun implements blinkpay.RunStore.
func (s *Store) GetRun(ctx context.Context, id string) (*blinkpay.Run, error) {
	return s.scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, blink_id, payer, reference, signature, status,
		       duration_ms, error_message, created_at, completed_at
		FROM runs WHERE id = $1`, id))
}

// GetRunByReference implements blinkpay.RunStore.
func (s *Store) GetRunByReference(ctx context.Context, reference string) (*blinkpay.Run, error) {
	return s.scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, blink_id, payer, reference, signature, status,
		       duration_ms, error_message, created_at, completed_at
		FROM runs WHERE reference = $1`, reference))
}

// MarkExecuted implements blinkpay.RunStore. The WHERE status = 'pending'
// guard enforces the one-way lifecycle at the storage layer.
func (s *Store) MarkExecuted(ctx context.Context, id, signature string, durationMs int64) error {
	return s.transition(ctx, `
		UPDATE runs
		SET status = 'executed', signature = $2, duration_ms = $3, completed_at = now()
		WHERE id = $1 AND status = 'pending'`,
		id, signature, durationMs)
}

// MarkFailed implements blinkpay.RunStore.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, `
		UPDATE runs
		SET status = 'failed', error_message = $2, completed_at = now()
		WHERE id = $1 AND status = 'pending'`,
		id, reason)
}

// ListStalePending implements blinkpay.RunStore.
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time) ([]*blinkpay.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, blink_id, payer, reference, signature, status,
		       duration_ms, error_message, created_at, completed_at
		FROM runs WHERE status = 'pending' AND created_at <= $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	defer rows.Close()

	var out []*blinkpay.Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) transition(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Either the run does not exist or it already left pending;
		// disambiguate for the caller.
		id, _ := args[0].(string)
		if _, getErr := s.GetRun(ctx, id); errors.Is(getErr, blinkpay.ErrNotFound) {
			return blinkpay.ErrNotFound
		}
		return blinkpay.ErrRunTerminal
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanRun(row rowScanner) (*blinkpay.Run, error) {
	var run blinkpay.Run
	var signature, errorMessage sql.NullString
	var durationMs sql.NullInt64
	var completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.BlinkID, &run.Payer, &run.Reference,
		&signature, &run.Status, &durationMs, &errorMessage,
		&run.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, blinkpay.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.Signature = signature.String
	run.ErrorMessage = errorMessage.String
	run.DurationMs = durationMs.Int64
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}
