package affiliate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/powersol/settlement/engine/pkg/ledger"
	"github.com/powersol/settlement/engine/pkg/tier"
)

// SaleEvent is one attributed ticket purchase reported by the lottery
// backend. Signature is the purchase transaction signature and is the
// idempotency boundary: the same signature settles at most once.
type SaleEvent struct {
	Signature     string `json:"signature"`
	AffiliateCode string `json:"affiliate_code"`
	ReferredUser  string `json:"referred_user"`
	Wallet        string `json:"wallet"`
	UnitPrice     uint64 `json:"unit_price"`
}

func (e *SaleEvent) Validate() error {
	if e.Signature == "" {
		return errors.New("signature is required")
	}
	if e.AffiliateCode == "" {
		return errors.New("affiliate code is required")
	}
	if e.ReferredUser == "" {
		return errors.New("referred user is required")
	}
	if e.UnitPrice == 0 {
		return errors.New("unit price must be positive")
	}
	return nil
}

// SaleResult reports how one sale settled.
type SaleResult struct {
	AffiliateWallet    string         `json:"affiliate_wallet"`
	Tier               tier.Tier      `json:"tier"`
	Breakdown          tier.Breakdown `json:"breakdown"`
	ValidatedReferrals int            `json:"validated_referrals"`
}

// ProcessorConfig configures the sale pipeline. Ledger and Authority
// are optional: when set, settled commissions are mirrored into the
// on-ledger accumulator.
type ProcessorConfig struct {
	Logger    *slog.Logger
	Store     *Store
	Ledger    *ledger.Ledger
	Authority ledger.SignerKey
}

func (cfg *ProcessorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Ledger != nil && cfg.Authority == nil {
		return errors.New("authority is required when a ledger is configured")
	}
	return nil
}

// Processor settles sale events against the affiliate store and, when
// configured, the on-ledger accumulator.
type Processor struct {
	log       *slog.Logger
	store     *Store
	ledger    *ledger.Ledger
	authority ledger.SignerKey
}

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Processor{
		log:       cfg.Logger,
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		authority: cfg.Authority,
	}, nil
}

// ProcessSale settles one sale: it locks the affiliate row, attributes
// the referred user (first purchase validates the referral), computes
// the effective tier and payment breakdown, credits the commission to
// pending_earnings, and records the sale. Everything up to the mirror
// happens in a single transaction, so a failure anywhere leaves no
// trace and the event can be replayed.
func (p *Processor) ProcessSale(ctx context.Context, event SaleEvent) (*SaleResult, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	tx, err := p.store.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin sale transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Per-affiliate serialization point: concurrent sales for the same
	// affiliate queue here.
	var affiliateID [16]byte
	var affiliateWallet string
	var manualRaw *int16
	err = tx.QueryRow(ctx, `
		SELECT id, wallet, manual_tier FROM affiliates WHERE referral_code = $1 FOR UPDATE
	`, event.AffiliateCode).Scan(&affiliateID, &affiliateWallet, &manualRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock affiliate: %w", err)
	}
	var manualTier *tier.Tier
	if manualRaw != nil {
		t := tier.Tier(*manualRaw)
		manualTier = &t
	}

	// Attribute the referred user. First referrer wins; a sale carrying
	// another affiliate's code for an already-attributed user is
	// rejected rather than silently recredited.
	_, err = tx.Exec(ctx, `
		INSERT INTO referrals (affiliate_id, referred_user)
		VALUES ($1, $2)
		ON CONFLICT (referred_user) DO NOTHING
	`, affiliateID, event.ReferredUser)
	if err != nil {
		return nil, fmt.Errorf("failed to attribute referral: %w", err)
	}

	var ownerID [16]byte
	var validated bool
	err = tx.QueryRow(ctx, `
		SELECT affiliate_id, validated FROM referrals WHERE referred_user = $1 FOR UPDATE
	`, event.ReferredUser).Scan(&ownerID, &validated)
	if err != nil {
		return nil, fmt.Errorf("failed to read referral: %w", err)
	}
	if ownerID != affiliateID {
		return nil, ErrAlreadyReferred
	}

	if validated {
		_, err = tx.Exec(ctx, `
			UPDATE referrals SET purchase_count = purchase_count + 1 WHERE referred_user = $1
		`, event.ReferredUser)
	} else {
		// The first qualifying purchase validates the referral.
		_, err = tx.Exec(ctx, `
			UPDATE referrals
			SET purchase_count = purchase_count + 1, validated = TRUE, validated_at = now()
			WHERE referred_user = $1
		`, event.ReferredUser)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update referral counters: %w", err)
	}

	var validatedCount int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM referrals WHERE affiliate_id = $1 AND validated
	`, affiliateID).Scan(&validatedCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count validated referrals: %w", err)
	}

	effective := tier.Effective(manualTier, validatedCount)
	breakdown, err := tier.BreakdownFor(event.UnitPrice, effective)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sales (signature, affiliate_id, referred_user, wallet, unit_price, tier, rate_bps, reserved, commission, delta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, event.Signature, affiliateID, event.ReferredUser, event.Wallet,
		int64(event.UnitPrice), int16(effective), int64(breakdown.RateBps),
		int64(breakdown.Reserved), int64(breakdown.Commission), int64(breakdown.Delta))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrSaleAlreadyProcessed
		}
		return nil, fmt.Errorf("failed to record sale: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE affiliates
		SET pending_earnings = pending_earnings + $2, updated_at = now()
		WHERE id = $1
	`, affiliateID, int64(breakdown.Commission))
	if err != nil {
		return nil, fmt.Errorf("failed to credit commission: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit sale: %w", err)
	}

	p.log.Info("affiliate: sale settled",
		"signature", event.Signature,
		"affiliate", affiliateWallet,
		"tier", effective.String(),
		"commission", breakdown.Commission,
		"delta", breakdown.Delta)

	if err := p.mirror(affiliateWallet, breakdown); err != nil {
		// The sale is committed and its signature will not replay; the
		// mirror is caught up by reconciliation.
		p.log.Error("affiliate: ledger mirror failed", "signature", event.Signature, "error", err)
		return nil, err
	}

	return &SaleResult{
		AffiliateWallet:    affiliateWallet,
		Tier:               effective,
		Breakdown:          breakdown,
		ValidatedReferrals: validatedCount,
	}, nil
}

// mirror credits the commission into the on-ledger accumulator and
// books the retained delta against the affiliate pool.
func (p *Processor) mirror(affiliateWallet string, breakdown tier.Breakdown) error {
	if p.ledger == nil {
		return nil
	}
	wallet, err := solana.PublicKeyFromBase58(affiliateWallet)
	if err != nil {
		return fmt.Errorf("failed to parse affiliate wallet: %w", err)
	}
	if _, err := p.ledger.InitializeAccumulator(wallet); err != nil && !errors.Is(err, ledger.ErrAlreadyExists) {
		return fmt.Errorf("failed to initialize accumulator: %w", err)
	}
	if err := p.ledger.AccumulateEarnings(p.authority, wallet, breakdown.Commission, breakdown.Tier); err != nil {
		return fmt.Errorf("failed to accumulate earnings: %w", err)
	}
	if breakdown.Delta > 0 {
		if err := p.ledger.RecordRetainedDelta(p.authority, breakdown.Delta); err != nil {
			return fmt.Errorf("failed to record retained delta: %w", err)
		}
	}
	return nil
}
