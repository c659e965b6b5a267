package withdraw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/powersol/settlement/engine/pkg/affiliate"
)

type PgStoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PgStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// PgStore is the PostgreSQL implementation of Store.
type PgStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPgStore(cfg PgStoreConfig) (*PgStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PgStore{log: cfg.Logger, pool: cfg.Pool}, nil
}

func (s *PgStore) CreatePending(ctx context.Context, wallet string, id uuid.UUID, amount uint64) (*Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin withdrawal: %w", err)
	}
	defer tx.Rollback(ctx)

	var affiliateID uuid.UUID
	var pending int64
	err = tx.QueryRow(ctx, `
		SELECT id, pending_earnings FROM affiliates WHERE wallet = $1 FOR UPDATE
	`, wallet).Scan(&affiliateID, &pending)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, affiliate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock affiliate: %w", err)
	}

	var reserved int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM withdrawal_requests
		WHERE affiliate_id = $1 AND status = 'PENDING'
	`, affiliateID).Scan(&reserved)
	if err != nil {
		return nil, fmt.Errorf("failed to sum reservations: %w", err)
	}

	available := pending - reserved
	if available < 0 || uint64(available) < amount {
		return nil, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientFunds, amount, max(available, 0))
	}

	var req Request
	var insertedAmount int64
	err = tx.QueryRow(ctx, `
		INSERT INTO withdrawal_requests (id, affiliate_id, amount)
		VALUES ($1, $2, $3)
		RETURNING id, amount, status, requested_at
	`, id, affiliateID, int64(amount)).Scan(
		&req.ID, &insertedAmount, &req.Status, &req.RequestedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert withdrawal request: %w", err)
	}
	req.AffiliateWallet = wallet
	req.Amount = uint64(insertedAmount)

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit withdrawal: %w", err)
	}
	return &req, nil
}

func (s *PgStore) SetArtifact(ctx context.Context, id uuid.UUID, blockhash string, lastValidBlockHeight uint64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawal_requests
		SET blockhash = $2, last_valid_block_height = $3
		WHERE id = $1 AND status = 'PENDING'
	`, id, blockhash, int64(lastValidBlockHeight))
	if err != nil {
		return fmt.Errorf("failed to set artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (s *PgStore) SetSignature(ctx context.Context, id uuid.UUID, signature string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawal_requests SET tx_signature = $2 WHERE id = $1 AND status = 'PENDING'
	`, id, signature)
	if err != nil {
		return fmt.Errorf("failed to set signature: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT w.id, a.wallet, w.amount, w.status,
		       COALESCE(w.blockhash, ''), COALESCE(w.last_valid_block_height, 0),
		       COALESCE(w.tx_signature, ''), COALESCE(w.failure_reason, ''),
		       w.requested_at, w.resolved_at
		FROM withdrawal_requests w
		JOIN affiliates a ON a.id = w.affiliate_id
		WHERE w.id = $1
	`, id)
	return scanRequest(row)
}

func (s *PgStore) ListPending(ctx context.Context, cutoff time.Time) ([]Request, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT w.id, a.wallet, w.amount, w.status,
		       COALESCE(w.blockhash, ''), COALESCE(w.last_valid_block_height, 0),
		       COALESCE(w.tx_signature, ''), COALESCE(w.failure_reason, ''),
		       w.requested_at, w.resolved_at
		FROM withdrawal_requests w
		JOIN affiliates a ON a.id = w.affiliate_id
		WHERE w.status = 'PENDING' AND w.requested_at < $1
		ORDER BY w.requested_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending withdrawals: %w", err)
	}
	defer rows.Close()

	out := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// MarkCompleted finalizes the payout: the status flip and the balance
// move commit together or not at all.
func (s *PgStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin completion: %w", err)
	}
	defer tx.Rollback(ctx)

	var affiliateID uuid.UUID
	var amount int64
	var status Status
	err = tx.QueryRow(ctx, `
		SELECT affiliate_id, amount, status FROM withdrawal_requests WHERE id = $1 FOR UPDATE
	`, id).Scan(&affiliateID, &amount, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRequestNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock withdrawal request: %w", err)
	}
	switch status {
	case StatusCompleted:
		return nil
	case StatusFailed:
		return fmt.Errorf("%w: request is FAILED", ErrAlreadyResolved)
	}

	_, err = tx.Exec(ctx, `
		UPDATE withdrawal_requests SET status = 'COMPLETED', resolved_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to complete withdrawal request: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE affiliates
		SET pending_earnings = pending_earnings - $2,
		    total_earned = total_earned + $2,
		    updated_at = now()
		WHERE id = $1
	`, affiliateID, amount)
	if err != nil {
		return fmt.Errorf("failed to settle balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit completion: %w", err)
	}
	return nil
}

func (s *PgStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawal_requests
		SET status = 'FAILED', failure_reason = $2, resolved_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to fail withdrawal request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already resolved; distinguish for callers.
		var status Status
		err := s.pool.QueryRow(ctx, `SELECT status FROM withdrawal_requests WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRequestNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read withdrawal status: %w", err)
		}
		if status == StatusFailed {
			return nil
		}
		return fmt.Errorf("%w: request is %s", ErrAlreadyResolved, status)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var amount, lastValid int64
	err := row.Scan(&req.ID, &req.AffiliateWallet, &amount, &req.Status,
		&req.Blockhash, &lastValid, &req.TxSignature, &req.FailureReason,
		&req.RequestedAt, &req.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan withdrawal request: %w", err)
	}
	req.Amount = uint64(amount)
	req.LastValidBlockHeight = uint64(lastValid)
	return &req, nil
}
