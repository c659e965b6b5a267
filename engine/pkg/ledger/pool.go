package ledger

import "fmt"

// DepositToPrizePool credits the pool vault. Deposits are strictly additive
// and accepted in any state; there is no upper bound enforced here.
func (l *Ledger) DepositToPrizePool(lt LotteryType, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: deposit of 0", ErrInvalidAmount)
	}
	addr, _, err := prizePoolAddress(l.cfg.ProgramID, lt)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pool, ok := l.prizePools[addr]
	if !ok {
		return fmt.Errorf("%w: prize pool for %s", ErrNotFound, lt)
	}
	total, err := checkedAdd(pool.TotalDeposited, amount)
	if err != nil {
		return fmt.Errorf("failed to deposit to prize pool: %w", err)
	}
	pool.TotalDeposited = total
	l.log.Debug("ledger: prize pool deposit", "lottery_type", lt.String(), "amount", amount, "total_deposited", total)
	return nil
}

// DepositToAffiliatePool credits the affiliate pool vault.
func (l *Ledger) DepositToAffiliatePool(amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: deposit of 0", ErrInvalidAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.affiliatePool == nil {
		return fmt.Errorf("%w: affiliate pool", ErrNotFound)
	}
	total, err := checkedAdd(l.affiliatePool.TotalDeposited, amount)
	if err != nil {
		return fmt.Errorf("failed to deposit to affiliate pool: %w", err)
	}
	l.affiliatePool.TotalDeposited = total
	l.log.Debug("ledger: affiliate pool deposit", "amount", amount, "total_deposited", total)
	return nil
}

// SetVrfCompleted flips the randomness gate on a prize pool. Only the pool
// authority may call it. Completing randomness advances the round; clearing
// the flag is allowed for administrative correction and immediately blocks
// new claims, since claims read the flag live.
func (l *Ledger) SetVrfCompleted(authority SignerKey, lt LotteryType, completed bool) error {
	addr, _, err := prizePoolAddress(l.cfg.ProgramID, lt)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pool, ok := l.prizePools[addr]
	if !ok {
		return fmt.Errorf("%w: prize pool for %s", ErrNotFound, lt)
	}
	if !pool.Authority.Equals(authority.PublicKey()) {
		return fmt.Errorf("%w: only the pool authority may set vrf state", ErrUnauthorized)
	}

	pool.VrfCompleted = completed
	if completed {
		round, err := checkedAdd(pool.CurrentRound, 1)
		if err != nil {
			return fmt.Errorf("failed to advance round: %w", err)
		}
		pool.CurrentRound = round
	}
	l.log.Info("ledger: vrf state set",
		"lottery_type", lt.String(), "completed", completed, "current_round", pool.CurrentRound)
	return nil
}

// ClosePrizePool sweeps the remaining vault balance back to the authority
// and frees the pool record. Closing is only permitted once the lottery has
// been drawn. Returns the swept lamports.
func (l *Ledger) ClosePrizePool(authority SignerKey, lt LotteryType) (uint64, error) {
	addr, _, err := prizePoolAddress(l.cfg.ProgramID, lt)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pool, ok := l.prizePools[addr]
	if !ok {
		return 0, fmt.Errorf("%w: prize pool for %s", ErrNotFound, lt)
	}
	if !pool.Authority.Equals(authority.PublicKey()) {
		return 0, fmt.Errorf("%w: only the pool authority may close the pool", ErrUnauthorized)
	}
	if !pool.VrfCompleted {
		return 0, fmt.Errorf("%w: cannot close before the draw", ErrLotteryNotDrawn)
	}

	swept := pool.Balance()
	delete(l.prizePools, addr)
	l.log.Info("ledger: prize pool closed", "lottery_type", lt.String(), "swept", swept)
	return swept, nil
}
