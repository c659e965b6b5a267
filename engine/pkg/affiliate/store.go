// Package affiliate is the off-chain side of the settlement engine: the
// PostgreSQL-backed record of affiliates, their referrals, their sale
// history, and their withdrawable balances.
package affiliate

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mr-tron/base58"

	"github.com/powersol/settlement/engine/pkg/tier"
)

var (
	// ErrNotFound means no affiliate matches the given wallet or code.
	ErrNotFound = errors.New("affiliate not found")

	// ErrAlreadyReferred means the referred user is already attributed
	// to a different affiliate. Attribution is first-wins and permanent.
	ErrAlreadyReferred = errors.New("user already referred by another affiliate")

	// ErrSaleAlreadyProcessed means a sale with this transaction
	// signature has already been settled.
	ErrSaleAlreadyProcessed = errors.New("sale already processed")
)

const uniqueViolation = "23505"

// referralCodeBytes of entropy yields an 8-9 character base58 code.
const referralCodeBytes = 6

// Affiliate is one row of the affiliates table.
type Affiliate struct {
	ID              uuid.UUID
	Wallet          string
	ReferralCode    string
	ManualTier      *tier.Tier
	PendingEarnings uint64
	TotalEarned     uint64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Stats is the dashboard view of an affiliate.
type Stats struct {
	Wallet             string     `json:"wallet"`
	ReferralCode       string     `json:"referral_code"`
	Tier               tier.Tier  `json:"tier"`
	RateBps            uint64     `json:"rate_bps"`
	ManualTier         *tier.Tier `json:"manual_tier,omitempty"`
	TotalReferrals     int        `json:"total_referrals"`
	ValidatedReferrals int        `json:"validated_referrals"`
	PendingEarnings    uint64     `json:"pending_earnings"`
	TotalEarned        uint64     `json:"total_earned"`
}

// Referral is the dashboard view of one referred user. The referred
// wallet is masked before it leaves the store.
type Referral struct {
	ReferredUser  string     `json:"referred_user"`
	Validated     bool       `json:"validated"`
	PurchaseCount int64      `json:"purchase_count"`
	CreatedAt     time.Time  `json:"created_at"`
	ValidatedAt   *time.Time `json:"validated_at,omitempty"`
}

// AuditEntry records an administrative tier change.
type AuditEntry struct {
	ID            uuid.UUID  `json:"id"`
	Admin         string     `json:"admin"`
	Action        string     `json:"action"`
	OldTier       *tier.Tier `json:"old_tier,omitempty"`
	NewTier       *tier.Tier `json:"new_tier,omitempty"`
	Reason        string     `json:"reason"`
	RequestOrigin string     `json:"request_origin"`
	CreatedAt     time.Time  `json:"created_at"`
}

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// Store provides access to the affiliate tables.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, pool: cfg.Pool}, nil
}

// GetOrCreate returns the affiliate for wallet, creating it with a
// fresh referral code on first sight.
func (s *Store) GetOrCreate(ctx context.Context, wallet string) (*Affiliate, error) {
	if wallet == "" {
		return nil, errors.New("wallet is required")
	}

	if a, err := s.GetByWallet(ctx, wallet); err == nil {
		return a, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Retry code generation on the unlikely referral_code collision; a
	// concurrent insert of the same wallet also lands here and is
	// resolved by re-reading.
	for attempt := 0; attempt < 5; attempt++ {
		code, err := newReferralCode()
		if err != nil {
			return nil, err
		}
		a, err := s.insertAffiliate(ctx, wallet, code)
		if err == nil {
			s.log.Info("affiliate: created", "wallet", wallet, "referral_code", code)
			return a, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if existing, gerr := s.GetByWallet(ctx, wallet); gerr == nil {
				return existing, nil
			}
			continue
		}
		return nil, err
	}
	return nil, errors.New("failed to allocate an unused referral code")
}

func (s *Store) insertAffiliate(ctx context.Context, wallet, code string) (*Affiliate, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO affiliates (wallet, referral_code)
		VALUES ($1, $2)
		RETURNING id, wallet, referral_code, manual_tier, pending_earnings, total_earned, created_at, updated_at
	`, wallet, code)
	return scanAffiliate(row)
}

// GetByWallet looks up an affiliate by wallet address.
func (s *Store) GetByWallet(ctx context.Context, wallet string) (*Affiliate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, wallet, referral_code, manual_tier, pending_earnings, total_earned, created_at, updated_at
		FROM affiliates WHERE wallet = $1
	`, wallet)
	return scanAffiliate(row)
}

// GetByCode looks up an affiliate by referral code.
func (s *Store) GetByCode(ctx context.Context, code string) (*Affiliate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, wallet, referral_code, manual_tier, pending_earnings, total_earned, created_at, updated_at
		FROM affiliates WHERE referral_code = $1
	`, code)
	return scanAffiliate(row)
}

// CreateReferral attributes referredUser to the affiliate. Attribution
// is unique per referred user and first-wins.
func (s *Store) CreateReferral(ctx context.Context, affiliateID uuid.UUID, referredUser string) error {
	if referredUser == "" {
		return errors.New("referred user is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO referrals (affiliate_id, referred_user)
		VALUES ($1, $2)
	`, affiliateID, referredUser)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyReferred
		}
		return fmt.Errorf("failed to create referral: %w", err)
	}
	return nil
}

// Stats assembles the dashboard stats for a wallet. The reported tier
// is the effective one: a valid manual override wins, otherwise the
// validated referral count decides.
func (s *Store) Stats(ctx context.Context, wallet string) (*Stats, error) {
	a, err := s.GetByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}

	var total, validated int
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE validated)
		FROM referrals WHERE affiliate_id = $1
	`, a.ID).Scan(&total, &validated)
	if err != nil {
		return nil, fmt.Errorf("failed to count referrals: %w", err)
	}

	effective := tier.Effective(a.ManualTier, validated)
	return &Stats{
		Wallet:             a.Wallet,
		ReferralCode:       a.ReferralCode,
		Tier:               effective,
		RateBps:            tier.RateBps(effective),
		ManualTier:         a.ManualTier,
		TotalReferrals:     total,
		ValidatedReferrals: validated,
		PendingEarnings:    a.PendingEarnings,
		TotalEarned:        a.TotalEarned,
	}, nil
}

// Referrals lists the affiliate's referred users, newest first, with
// wallet addresses masked.
func (s *Store) Referrals(ctx context.Context, wallet string, limit int) ([]Referral, error) {
	a, err := s.GetByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT referred_user, validated, purchase_count, created_at, validated_at
		FROM referrals
		WHERE affiliate_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, a.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list referrals: %w", err)
	}
	defer rows.Close()

	out := []Referral{}
	for rows.Next() {
		var r Referral
		if err := rows.Scan(&r.ReferredUser, &r.Validated, &r.PurchaseCount, &r.CreatedAt, &r.ValidatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan referral: %w", err)
		}
		r.ReferredUser = MaskWallet(r.ReferredUser)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetManualTier pins the affiliate to t regardless of referral count
// and appends an audit entry.
func (s *Store) SetManualTier(ctx context.Context, wallet string, t tier.Tier, admin, reason, origin string) error {
	if !t.Valid() {
		return fmt.Errorf("invalid tier %d", t)
	}
	return s.changeManualTier(ctx, wallet, &t, "set_manual_tier", admin, reason, origin)
}

// RemoveManualTier clears a manual override, returning the affiliate to
// referral-count tiering, and appends an audit entry.
func (s *Store) RemoveManualTier(ctx context.Context, wallet string, admin, reason, origin string) error {
	return s.changeManualTier(ctx, wallet, nil, "remove_manual_tier", admin, reason, origin)
}

func (s *Store) changeManualTier(ctx context.Context, wallet string, newTier *tier.Tier, action, admin, reason, origin string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tier change: %w", err)
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	var oldTier *tier.Tier
	var oldRaw *int16
	err = tx.QueryRow(ctx, `
		SELECT id, manual_tier FROM affiliates WHERE wallet = $1 FOR UPDATE
	`, wallet).Scan(&id, &oldRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock affiliate: %w", err)
	}
	if oldRaw != nil {
		t := tier.Tier(*oldRaw)
		oldTier = &t
	}

	var newRaw *int16
	if newTier != nil {
		v := int16(*newTier)
		newRaw = &v
	}
	_, err = tx.Exec(ctx, `
		UPDATE affiliates SET manual_tier = $2, updated_at = now() WHERE id = $1
	`, id, newRaw)
	if err != nil {
		return fmt.Errorf("failed to update manual tier: %w", err)
	}

	if err := appendAudit(ctx, tx, id, admin, action, oldTier, newTier, reason, origin); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tier change: %w", err)
	}
	s.log.Info("affiliate: manual tier changed",
		"wallet", wallet, "action", action, "admin", admin, "new_tier", newTier)
	return nil
}

// AuditLog lists the affiliate's tier-change history, newest first.
func (s *Store) AuditLog(ctx context.Context, wallet string, limit int) ([]AuditEntry, error) {
	a, err := s.GetByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, admin, action, old_tier, new_tier, COALESCE(reason, ''), COALESCE(request_origin, ''), created_at
		FROM audit_log
		WHERE affiliate_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, a.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	defer rows.Close()

	out := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var oldRaw, newRaw *int16
		if err := rows.Scan(&e.ID, &e.Admin, &e.Action, &oldRaw, &newRaw, &e.Reason, &e.RequestOrigin, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if oldRaw != nil {
			t := tier.Tier(*oldRaw)
			e.OldTier = &t
		}
		if newRaw != nil {
			t := tier.Tier(*newRaw)
			e.NewTier = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func appendAudit(ctx context.Context, tx pgx.Tx, affiliateID uuid.UUID, admin, action string, oldTier, newTier *tier.Tier, reason, origin string) error {
	var oldRaw, newRaw *int16
	if oldTier != nil {
		v := int16(*oldTier)
		oldRaw = &v
	}
	if newTier != nil {
		v := int16(*newTier)
		newRaw = &v
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (affiliate_id, admin, action, old_tier, new_tier, reason, request_origin)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, affiliateID, admin, action, oldRaw, newRaw, reason, origin)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// MaskWallet hides the middle of a wallet address for display.
func MaskWallet(wallet string) string {
	if len(wallet) <= 8 {
		return wallet
	}
	return wallet[:4] + "..." + wallet[len(wallet)-4:]
}

func newReferralCode() (string, error) {
	buf := make([]byte, referralCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate referral code: %w", err)
	}
	return base58.Encode(buf), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAffiliate(row rowScanner) (*Affiliate, error) {
	var a Affiliate
	var manualRaw *int16
	var pending, total int64
	err := row.Scan(&a.ID, &a.Wallet, &a.ReferralCode, &manualRaw, &pending, &total, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan affiliate: %w", err)
	}
	if manualRaw != nil {
		t := tier.Tier(*manualRaw)
		a.ManualTier = &t
	}
	a.PendingEarnings = uint64(pending)
	a.TotalEarned = uint64(total)
	return &a, nil
}
