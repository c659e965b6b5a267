package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/powersol/settlement/engine/pkg/tier"
)

// Prize claims carry their own tier space (winner brackets 1..5), distinct
// from affiliate commission tiers.
const (
	minPrizeTier = 1
	maxPrizeTier = 5
)

// ClaimPrize settles one winner payout from a prize pool. The claim record
// created at the derived (claimant, pool, round) address is what prevents a
// second settlement; the headroom check and the record creation happen
// under the same lock, so there is no check-then-act window.
func (l *Ledger) ClaimPrize(claimant solana.PublicKey, lt LotteryType, amount uint64, prizeTier uint8, round uint64) (*PrizeClaim, error) {
	if prizeTier < minPrizeTier || prizeTier > maxPrizeTier {
		return nil, fmt.Errorf("%w: prize tier %d", ErrInvalidTier, prizeTier)
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: claim of 0", ErrInvalidAmount)
	}
	poolAddr, _, err := prizePoolAddress(l.cfg.ProgramID, lt)
	if err != nil {
		return nil, err
	}
	claimAddr, bump, err := prizeClaimAddress(l.cfg.ProgramID, claimant, poolAddr, round)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pool, ok := l.prizePools[poolAddr]
	if !ok {
		return nil, fmt.Errorf("%w: prize pool for %s", ErrNotFound, lt)
	}
	// The gate is evaluated against the live flag, not any value observed
	// earlier in the claimant's flow.
	if !pool.VrfCompleted {
		return nil, ErrVrfNotCompleted
	}
	claimed, err := checkedAdd(pool.TotalClaimed, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to claim prize: %w", err)
	}
	if claimed > pool.TotalDeposited {
		return nil, fmt.Errorf("%w: claim %d exceeds pool headroom %d", ErrInsufficientFunds, amount, pool.Balance())
	}
	if _, ok := l.prizeClaims[claimAddr]; ok {
		return nil, fmt.Errorf("%w: prize already claimed for round %d", ErrAlreadyExists, round)
	}

	pool.TotalClaimed = claimed
	claim := &PrizeClaim{
		Address:      claimAddr,
		Bump:         bump,
		Claimant:     claimant,
		Pool:         poolAddr,
		LotteryRound: round,
		PrizeTier:    prizeTier,
		Amount:       amount,
		VrfVerified:  true,
		ClaimedAt:    l.cfg.Clock.Now(),
	}
	l.prizeClaims[claimAddr] = claim

	l.log.Info("ledger: prize claimed",
		"claimant", claimant.String(), "lottery_type", lt.String(),
		"round", round, "tier", prizeTier, "amount", amount)
	return claim, nil
}

// ClaimAffiliateRewards settles one weekly affiliate payout: debits the
// affiliate's accumulator, credits the pool's claimed total, and records the
// claim keyed by (affiliate, week). Rewards for a week unlock once the week
// has passed, or at the Wednesday release point within the current week.
func (l *Ledger) ClaimAffiliateRewards(affiliate solana.PublicKey, amount uint64, t tier.Tier, week uint64, referralCount uint32) (*AffiliateClaim, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: affiliate tier %d", ErrInvalidTier, uint8(t))
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: claim of 0", ErrInvalidAmount)
	}
	accAddr, _, err := accumulatorAddress(l.cfg.ProgramID, affiliate)
	if err != nil {
		return nil, err
	}
	claimAddr, bump, err := affiliateClaimAddress(l.cfg.ProgramID, affiliate, week)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.affiliatePool == nil {
		return nil, fmt.Errorf("%w: affiliate pool", ErrNotFound)
	}
	now := l.cfg.Clock.Now()
	currentWeek := WeekNumber(now)
	if week > currentWeek {
		return nil, fmt.Errorf("%w: week %d has not started", ErrClaimNotYetAvailable, week)
	}
	if week == currentWeek && !AfterWednesdayRelease(now) {
		return nil, fmt.Errorf("%w: week %d rewards unlock at the Wednesday release", ErrClaimNotYetAvailable, week)
	}

	acc, ok := l.accumulators[accAddr]
	if !ok {
		return nil, fmt.Errorf("%w: accumulator for %s", ErrNotFound, affiliate.String())
	}
	if acc.PendingAmount < amount {
		return nil, fmt.Errorf("%w: %d pending, %d requested", ErrInsufficientPendingRewards, acc.PendingAmount, amount)
	}
	claimed, err := checkedAdd(l.affiliatePool.TotalClaimed, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to claim affiliate rewards: %w", err)
	}
	if claimed > l.affiliatePool.TotalDeposited {
		return nil, fmt.Errorf("%w: claim %d exceeds pool headroom %d", ErrInsufficientFunds, amount, l.affiliatePool.Balance())
	}
	if _, ok := l.affiliateClaims[claimAddr]; ok {
		return nil, fmt.Errorf("%w: rewards already claimed for week %d", ErrAlreadyExists, week)
	}

	l.affiliatePool.TotalClaimed = claimed
	acc.PendingAmount -= amount
	claim := &AffiliateClaim{
		Address:       claimAddr,
		Bump:          bump,
		Affiliate:     affiliate,
		Amount:        amount,
		Tier:          t,
		WeekNumber:    week,
		ReferralCount: referralCount,
		ClaimedAt:     now,
	}
	l.affiliateClaims[claimAddr] = claim

	l.log.Info("ledger: affiliate rewards claimed",
		"affiliate", affiliate.String(), "week", week, "tier", uint8(t), "amount", amount)
	return claim, nil
}

// AccumulateEarnings credits one commissioned sale to an affiliate's
// accumulator. Only the settlement authority may call it. The stored tier
// ratchets: a proposed tier lower than the stored one is never applied, so
// out-of-order accumulation events cannot cause tier flapping. Each call is
// one distinct commissioned event; idempotency is the caller's boundary.
func (l *Ledger) AccumulateEarnings(authority SignerKey, affiliate solana.PublicKey, amount uint64, proposed tier.Tier) error {
	if !proposed.Valid() {
		return fmt.Errorf("%w: affiliate tier %d", ErrInvalidTier, uint8(proposed))
	}
	if amount == 0 {
		return fmt.Errorf("%w: accumulation of 0", ErrInvalidAmount)
	}
	accAddr, _, err := accumulatorAddress(l.cfg.ProgramID, affiliate)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.cfg.Authority.Equals(authority.PublicKey()) {
		return fmt.Errorf("%w: only the settlement authority may accumulate earnings", ErrUnauthorized)
	}
	if l.affiliatePool == nil {
		return fmt.Errorf("%w: affiliate pool", ErrNotFound)
	}
	acc, ok := l.accumulators[accAddr]
	if !ok {
		return fmt.Errorf("%w: accumulator for %s", ErrNotFound, affiliate.String())
	}

	pending, err := checkedAdd(acc.PendingAmount, amount)
	if err != nil {
		return fmt.Errorf("failed to accumulate earnings: %w", err)
	}
	deposited, err := checkedAdd(l.affiliatePool.TotalDeposited, amount)
	if err != nil {
		return fmt.Errorf("failed to accumulate earnings: %w", err)
	}

	now := l.cfg.Clock.Now()
	if week := WeekNumber(now); acc.WeekNumber != week {
		acc.WeekNumber = week
	}
	acc.PendingAmount = pending
	if proposed > acc.Tier {
		acc.Tier = proposed
	}
	acc.ReferralCount++
	acc.LastUpdated = now
	l.affiliatePool.TotalDeposited = deposited

	l.log.Debug("ledger: earnings accumulated",
		"affiliate", affiliate.String(), "amount", amount,
		"tier", uint8(acc.Tier), "pending", acc.PendingAmount)
	return nil
}

// RecordRetainedDelta books the residual between a sale's pool reservation
// and the commission actually credited. Deltas stay in the affiliate pool
// as retained reserve; this counter is the audit trail for where they went.
func (l *Ledger) RecordRetainedDelta(authority SignerKey, delta uint64) error {
	if delta == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.cfg.Authority.Equals(authority.PublicKey()) {
		return fmt.Errorf("%w: only the settlement authority may record deltas", ErrUnauthorized)
	}
	if l.affiliatePool == nil {
		return fmt.Errorf("%w: affiliate pool", ErrNotFound)
	}
	retained, err := checkedAdd(l.affiliatePool.ReserveRetained, delta)
	if err != nil {
		return fmt.Errorf("failed to record retained delta: %w", err)
	}
	l.affiliatePool.ReserveRetained = retained
	return nil
}
