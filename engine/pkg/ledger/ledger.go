// Package ledger implements the on-ledger side of the settlement engine:
// pooled-fund records for lottery prizes and affiliate commissions, the
// per-affiliate accumulator mirror, and the claim records that make
// settlement idempotent. Every exported operation executes as a single
// atomicity unit, matching the transaction-level guarantee of the
// settlement network this models.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/powersol/settlement/engine/pkg/tier"
)

// LotteryType identifies one of the pooled lottery products. It is a closed
// enum; there is exactly one prize pool per type.
type LotteryType uint8

const (
	LotteryTriDaily LotteryType = iota
	LotteryJackpot
	LotteryGrandPrize
	LotteryXmas
)

// Valid reports whether lt names a known lottery product.
func (lt LotteryType) Valid() bool {
	switch lt {
	case LotteryTriDaily, LotteryJackpot, LotteryGrandPrize, LotteryXmas:
		return true
	}
	return false
}

func (lt LotteryType) String() string {
	switch lt {
	case LotteryTriDaily:
		return "tri-daily"
	case LotteryJackpot:
		return "jackpot"
	case LotteryGrandPrize:
		return "grand-prize"
	case LotteryXmas:
		return "xmas"
	}
	return fmt.Sprintf("lottery(%d)", uint8(lt))
}

// PrizePool tracks one lottery product's pooled funds. TotalDeposited and
// TotalClaimed only ever grow; their difference is the vault balance.
// Claims are gated on VrfCompleted, which is read live at claim time.
type PrizePool struct {
	Address        solana.PublicKey
	Bump           uint8
	Authority      solana.PublicKey
	LotteryType    LotteryType
	TotalDeposited uint64
	TotalClaimed   uint64
	CurrentRound   uint64
	VrfCompleted   bool
}

// Balance returns the lamports remaining in the pool vault.
func (p *PrizePool) Balance() uint64 {
	return p.TotalDeposited - p.TotalClaimed
}

// AffiliatePool is the single pooled-fund record backing affiliate
// commission payouts. ReserveRetained accumulates the residual deltas
// between the fixed sale reservation and the tier commissions actually
// credited; it is an accounting output, swept with the pool authority's
// funds rather than paid out.
type AffiliatePool struct {
	Address         solana.PublicKey
	Bump            uint8
	Authority       solana.PublicKey
	TotalDeposited  uint64
	TotalClaimed    uint64
	ReserveRetained uint64
	CurrentWeek     uint64
	LastRelease     time.Time
}

// Balance returns the lamports remaining in the pool vault.
func (p *AffiliatePool) Balance() uint64 {
	return p.TotalDeposited - p.TotalClaimed
}

// Accumulator is the per-affiliate on-ledger mirror of pending commission.
// Tier only ratchets upward; concurrent accumulation events from sales
// processed out of order must never downgrade it.
type Accumulator struct {
	Address       solana.PublicKey
	Bump          uint8
	Affiliate     solana.PublicKey
	PendingAmount uint64
	Tier          tier.Tier
	ReferralCount uint32
	WeekNumber    uint64
	LastUpdated   time.Time
}

// PrizeClaim is the immutable record of one prize settlement. Its existence
// at the derived (claimant, pool, round) address is the sole double-claim
// guard.
type PrizeClaim struct {
	Address      solana.PublicKey
	Bump         uint8
	Claimant     solana.PublicKey
	Pool         solana.PublicKey
	LotteryRound uint64
	PrizeTier    uint8
	Amount       uint64
	VrfVerified  bool
	ClaimedAt    time.Time
}

// AffiliateClaim is the immutable record of one weekly affiliate payout,
// keyed by (affiliate, week).
type AffiliateClaim struct {
	Address       solana.PublicKey
	Bump          uint8
	Affiliate     solana.PublicKey
	Amount        uint64
	Tier          tier.Tier
	WeekNumber    uint64
	ReferralCount uint32
	ClaimedAt     time.Time
}

// SignerKey is a key that can authorize gated operations. It is satisfied
// by solana.PrivateKey; operations only ever read the public half, but
// requiring the signing key at the call site models the settlement
// network's signer requirement.
type SignerKey interface {
	PublicKey() solana.PublicKey
}

// Config holds the ledger's dependencies.
type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	ProgramID solana.PublicKey
	Authority solana.PublicKey
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Authority.IsZero() {
		return errors.New("authority is required")
	}
	return nil
}

// Ledger holds the pool, accumulator and claim accounts. A single mutex
// makes each operation atomic with respect to every other; there is no
// partial state visible to concurrent callers.
type Ledger struct {
	log *slog.Logger
	cfg Config

	mu              sync.Mutex
	prizePools      map[solana.PublicKey]*PrizePool
	affiliatePool   *AffiliatePool
	accumulators    map[solana.PublicKey]*Accumulator
	prizeClaims     map[solana.PublicKey]*PrizeClaim
	affiliateClaims map[solana.PublicKey]*AffiliateClaim
}

// New creates an empty ledger.
func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		log:             cfg.Logger,
		cfg:             cfg,
		prizePools:      make(map[solana.PublicKey]*PrizePool),
		accumulators:    make(map[solana.PublicKey]*Accumulator),
		prizeClaims:     make(map[solana.PublicKey]*PrizeClaim),
		affiliateClaims: make(map[solana.PublicKey]*AffiliateClaim),
	}, nil
}

// InitializePrizePool creates the pool record for a lottery type. Exactly
// one pool may exist per type; a duplicate create fails.
func (l *Ledger) InitializePrizePool(authority solana.PublicKey, lt LotteryType) (*PrizePool, error) {
	if !lt.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLotteryType, uint8(lt))
	}
	addr, bump, err := prizePoolAddress(l.cfg.ProgramID, lt)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.prizePools[addr]; ok {
		return nil, fmt.Errorf("%w: prize pool for %s", ErrAlreadyExists, lt)
	}
	pool := &PrizePool{
		Address:     addr,
		Bump:        bump,
		Authority:   authority,
		LotteryType: lt,
	}
	l.prizePools[addr] = pool
	l.log.Info("ledger: prize pool initialized", "lottery_type", lt.String(), "address", addr.String())
	return pool, nil
}

// InitializeAffiliatePool creates the singleton affiliate pool.
func (l *Ledger) InitializeAffiliatePool(authority solana.PublicKey) (*AffiliatePool, error) {
	addr, bump, err := affiliatePoolAddress(l.cfg.ProgramID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.affiliatePool != nil {
		return nil, fmt.Errorf("%w: affiliate pool", ErrAlreadyExists)
	}
	now := l.cfg.Clock.Now()
	pool := &AffiliatePool{
		Address:     addr,
		Bump:        bump,
		Authority:   authority,
		CurrentWeek: WeekNumber(now),
		LastRelease: now,
	}
	l.affiliatePool = pool
	l.log.Info("ledger: affiliate pool initialized", "address", addr.String(), "week", pool.CurrentWeek)
	return pool, nil
}

// InitializeAccumulator creates the pending-commission mirror for one
// affiliate wallet. New accumulators start at tier 1.
func (l *Ledger) InitializeAccumulator(affiliate solana.PublicKey) (*Accumulator, error) {
	addr, bump, err := accumulatorAddress(l.cfg.ProgramID, affiliate)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accumulators[addr]; ok {
		return nil, fmt.Errorf("%w: accumulator for %s", ErrAlreadyExists, affiliate.String())
	}
	now := l.cfg.Clock.Now()
	acc := &Accumulator{
		Address:     addr,
		Bump:        bump,
		Affiliate:   affiliate,
		Tier:        tier.Tier1,
		WeekNumber:  WeekNumber(now),
		LastUpdated: now,
	}
	l.accumulators[addr] = acc
	return acc, nil
}

// PrizePoolFor returns a snapshot of the pool for the given lottery type.
func (l *Ledger) PrizePoolFor(lt LotteryType) (PrizePool, error) {
	addr, _, err := prizePoolAddress(l.cfg.ProgramID, lt)
	if err != nil {
		return PrizePool{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pool, ok := l.prizePools[addr]
	if !ok {
		return PrizePool{}, fmt.Errorf("%w: prize pool for %s", ErrNotFound, lt)
	}
	return *pool, nil
}

// AffiliatePoolState returns a snapshot of the affiliate pool.
func (l *Ledger) AffiliatePoolState() (AffiliatePool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.affiliatePool == nil {
		return AffiliatePool{}, fmt.Errorf("%w: affiliate pool", ErrNotFound)
	}
	return *l.affiliatePool, nil
}

// AccumulatorFor returns a snapshot of an affiliate's accumulator.
func (l *Ledger) AccumulatorFor(affiliate solana.PublicKey) (Accumulator, error) {
	addr, _, err := accumulatorAddress(l.cfg.ProgramID, affiliate)
	if err != nil {
		return Accumulator{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accumulators[addr]
	if !ok {
		return Accumulator{}, fmt.Errorf("%w: accumulator for %s", ErrNotFound, affiliate.String())
	}
	return *acc, nil
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}
