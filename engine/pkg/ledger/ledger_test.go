package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/powersol/settlement/engine/pkg/tier"
	settlementtesting "github.com/powersol/settlement/utils/pkg/testing"
)

const solLamports = 1_000_000_000

// weekStart returns the wall-clock instant at the start of the given audit
// week, before the Wednesday release point.
func weekStart(week uint64) time.Time {
	return time.Unix(weekEpochStart+int64(week)*secondsPerWeek, 0).UTC()
}

func testLedger(t *testing.T) (*Ledger, solana.PrivateKey, *clockwork.FakeClock) {
	t.Helper()
	authority := solana.NewWallet().PrivateKey
	clock := clockwork.NewFakeClockAt(weekStart(2800))
	l, err := New(Config{
		Logger:    settlementtesting.NewLogger(),
		Clock:     clock,
		ProgramID: solana.NewWallet().PublicKey(),
		Authority: authority.PublicKey(),
	})
	require.NoError(t, err)
	return l, authority, clock
}

func TestSettlement_Ledger_New(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{
			Clock:     clockwork.NewFakeClock(),
			ProgramID: solana.NewWallet().PublicKey(),
			Authority: solana.NewWallet().PublicKey(),
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing program id", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{
			Logger:    settlementtesting.NewLogger(),
			Clock:     clockwork.NewFakeClock(),
			Authority: solana.NewWallet().PublicKey(),
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "program id is required")
	})
}

func TestSettlement_Ledger_InitializePrizePool(t *testing.T) {
	t.Parallel()

	t.Run("duplicate creation fails", func(t *testing.T) {
		t.Parallel()
		l, authority, _ := testLedger(t)

		_, err := l.InitializePrizePool(authority.PublicKey(), LotteryJackpot)
		require.NoError(t, err)

		_, err = l.InitializePrizePool(authority.PublicKey(), LotteryJackpot)
		require.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("distinct types get distinct pools", func(t *testing.T) {
		t.Parallel()
		l, authority, _ := testLedger(t)

		a, err := l.InitializePrizePool(authority.PublicKey(), LotteryTriDaily)
		require.NoError(t, err)
		b, err := l.InitializePrizePool(authority.PublicKey(), LotteryXmas)
		require.NoError(t, err)
		require.NotEqual(t, a.Address, b.Address)
	})

	t.Run("rejects unknown lottery type", func(t *testing.T) {
		t.Parallel()
		l, authority, _ := testLedger(t)
		_, err := l.InitializePrizePool(authority.PublicKey(), LotteryType(42))
		require.ErrorIs(t, err, ErrInvalidLotteryType)
	})
}

func TestSettlement_Ledger_SetVrfCompleted(t *testing.T) {
	t.Parallel()

	t.Run("completing randomness advances the round", func(t *testing.T) {
		t.Parallel()
		l, authority, _ := testLedger(t)
		_, err := l.InitializePrizePool(authority.PublicKey(), LotteryJackpot)
		require.NoError(t, err)

		require.NoError(t, l.SetVrfCompleted(authority, LotteryJackpot, true))
		pool, err := l.PrizePoolFor(LotteryJackpot)
		require.NoError(t, err)
		require.True(t, pool.VrfCompleted)
		require.Equal(t, uint64(1), pool.CurrentRound)

		// Administrative correction clears the flag without touching the round.
		require.NoError(t, l.SetVrfCompleted(authority, LotteryJackpot, false))
		pool, err = l.PrizePoolFor(LotteryJackpot)
		require.NoError(t, err)
		require.False(t, pool.VrfCompleted)
		require.Equal(t, uint64(1), pool.CurrentRound)
	})

	t.Run("non-authority is rejected", func(t *testing.T) {
		t.Parallel()
		l, authority, _ := testLedger(t)
		_, err := l.InitializePrizePool(authority.PublicKey(), LotteryJackpot)
		require.NoError(t, err)

		intruder := solana.NewWallet().PrivateKey
		require.ErrorIs(t, l.SetVrfCompleted(intruder, LotteryJackpot, true), ErrUnauthorized)
	})
}

func TestSettlement_Ledger_ClaimPrize(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (*Ledger, solana.PrivateKey) {
		l, authority, _ := testLedger(t)
		_, err := l.InitializePrizePool(authority.PublicKey(), LotteryJackpot)
		require.NoError(t, err)
		require.NoError(t, l.DepositToPrizePool(LotteryJackpot, 2*solLamports))
		require.NoError(t, l.SetVrfCompleted(authority, LotteryJackpot, true))
		return l, authority
	}

	t.Run("claim then identical claim", func(t *testing.T) {
		t.Parallel()
		l, _ := setup(t)
		claimant := solana.NewWallet().PublicKey()

		claim, err := l.ClaimPrize(claimant, LotteryJackpot, solLamports/2, 1, 1)
		require.NoError(t, err)
		require.True(t, claim.VrfVerified)

		pool, err := l.PrizePoolFor(LotteryJackpot)
		require.NoError(t, err)
		require.Equal(t, uint64(solLamports/2), pool.TotalClaimed)

		_, err = l.ClaimPrize(claimant, LotteryJackpot, solLamports/2, 1, 1)
		require.ErrorIs(t, err, ErrAlreadyExists)

		// The failed duplicate must not have moved the claimed total.
		pool, err = l.PrizePoolFor(LotteryJackpot)
		require.NoError(t, err)
		require.Equal(t, uint64(solLamports/2), pool.TotalClaimed)
	})

	t.Run("concurrent identical claims settle exactly once", func(t *testing.T) {
		t.Parallel()
		l, _ := setup(t)
		claimant := solana.NewWallet().PublicKey()

		const attempts = 16
		errs := make([]error, attempts)
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = l.ClaimPrize(claimant, LotteryJackpot, solLamports/2, 1, 1)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			} else {
				require.ErrorIs(t, err, ErrAlreadyExists)
			}
		}
		require.Equal(t, 1, succeeded)

		pool, err := l.PrizePoolFor(LotteryJackpot)
		require.NoError(t, err)
		require.Equal(t, uint64(solLamports/2), pool.TotalClaimed)
	})

	t.Run("vrf gate is read fresh at claim time", func(t *testing.T) {
		t.Parallel()
		l, authority := setup(t)
		claimant := solana.NewWallet().PublicKey()

		// An earlier check would have passed; the flag is cleared between
		// that check and the claim.
		require.NoError(t, l.SetVrfCompleted(authority, LotteryJackpot, false))
		_, err := l.ClaimPrize(claimant, LotteryJackpot, solLamports/2, 1, 1)
		require.ErrorIs(t, err, ErrVrfNotCompleted)
	})

	t.Run("precondition failures", func(t *testing.T) {
		t.Parallel()
		l, _ := setup(t)
		claimant := solana.NewWallet().PublicKey()

		_, err := l.ClaimPrize(claimant, LotteryJackpot, solLamports, 0, 1)
		require.ErrorIs(t, err, ErrInvalidTier)
		_, err = l.ClaimPrize(claimant, LotteryJackpot, solLamports, 6, 1)
		require.ErrorIs(t, err, ErrInvalidTier)
		_, err = l.ClaimPrize(claimant, LotteryJackpot, 0, 1, 1)
		require.ErrorIs(t, err, ErrInvalidAmount)
		_, err = l.ClaimPrize(claimant, LotteryJackpot, 3*solLamports, 1, 1)
		require.ErrorIs(t, err, ErrInsufficientFunds)
		_, err = l.ClaimPrize(claimant, LotteryTriDaily, solLamports, 1, 1)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("headroom holds across many claims", func(t *testing.T) {
		t.Parallel()
		l, _ := setup(t)

		// Drain the pool with distinct claimants until funds run out.
		total := uint64(0)
		for round := uint64(1); ; round++ {
			claimant := solana.NewWallet().PublicKey()
			_, err := l.ClaimPrize(claimant, LotteryJackpot, solLamports/3, 1, round)
			if err != nil {
				require.ErrorIs(t, err, ErrInsufficientFunds)
				break
			}
			total += solLamports / 3
		}
		pool, err := l.PrizePoolFor(LotteryJackpot)
		require.NoError(t, err)
		require.Equal(t, total, pool.TotalClaimed)
		require.LessOrEqual(t, pool.TotalClaimed, pool.TotalDeposited)
	})
}

func TestSettlement_Ledger_ClosePrizePool(t *testing.T) {
	t.Parallel()

	t.Run("close before draw is rejected", func(t *testing.T) {
		t.Parallel()
		l, authority, _ := testLedger(t)
		_, err := l.InitializePrizePool(authority.PublicKey(), LotteryJackpot)
		require.NoError(t, err)
		require.NoError(t, l.DepositToPrizePool(LotteryJackpot, solLamports))

		_, err = l.ClosePrizePool(authority, LotteryJackpot)
		require.ErrorIs(t, err, ErrLotteryNotDrawn)
	})

	t.Run("close sweeps the remaining balance and frees the pool", func(t *testing.T) {
		t.Parallel()
		l, authority, _ := testLedger(t)
		_, err := l.InitializePrizePool(authority.PublicKey(), LotteryJackpot)
		require.NoError(t, err)
		require.NoError(t, l.DepositToPrizePool(LotteryJackpot, 2*solLamports))
		require.NoError(t, l.SetVrfCompleted(authority, LotteryJackpot, true))
		_, err = l.ClaimPrize(solana.NewWallet().PublicKey(), LotteryJackpot, solLamports/2, 1, 1)
		require.NoError(t, err)

		swept, err := l.ClosePrizePool(authority, LotteryJackpot)
		require.NoError(t, err)
		require.Equal(t, uint64(2*solLamports-solLamports/2), swept)

		_, err = l.PrizePoolFor(LotteryJackpot)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSettlement_Ledger_AccumulateEarnings(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (*Ledger, solana.PrivateKey, solana.PublicKey) {
		l, authority, _ := testLedger(t)
		_, err := l.InitializeAffiliatePool(authority.PublicKey())
		require.NoError(t, err)
		affiliate := solana.NewWallet().PublicKey()
		_, err = l.InitializeAccumulator(affiliate)
		require.NoError(t, err)
		return l, authority, affiliate
	}

	t.Run("tier ratchets to the max seen", func(t *testing.T) {
		t.Parallel()
		l, authority, affiliate := setup(t)

		for _, proposed := range []tier.Tier{tier.Tier3, tier.Tier1, tier.Tier2} {
			require.NoError(t, l.AccumulateEarnings(authority, affiliate, 1000, proposed))
		}

		acc, err := l.AccumulatorFor(affiliate)
		require.NoError(t, err)
		require.Equal(t, tier.Tier3, acc.Tier)
		require.Equal(t, uint64(3000), acc.PendingAmount)
		require.Equal(t, uint32(3), acc.ReferralCount)
	})

	t.Run("accumulation also funds the pool", func(t *testing.T) {
		t.Parallel()
		l, authority, affiliate := setup(t)

		require.NoError(t, l.AccumulateEarnings(authority, affiliate, 5_000_000, tier.Tier1))
		pool, err := l.AffiliatePoolState()
		require.NoError(t, err)
		require.Equal(t, uint64(5_000_000), pool.TotalDeposited)
	})

	t.Run("concurrent accumulation loses no updates", func(t *testing.T) {
		t.Parallel()
		l, authority, affiliate := setup(t)

		const calls = 50
		var wg sync.WaitGroup
		for i := 0; i < calls; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				require.NoError(t, l.AccumulateEarnings(authority, affiliate, 100, tier.Tier2))
			}()
		}
		wg.Wait()

		acc, err := l.AccumulatorFor(affiliate)
		require.NoError(t, err)
		require.Equal(t, uint64(calls*100), acc.PendingAmount)
		require.Equal(t, uint32(calls), acc.ReferralCount)
	})

	t.Run("only the settlement authority may accumulate", func(t *testing.T) {
		t.Parallel()
		l, _, affiliate := setup(t)
		intruder := solana.NewWallet().PrivateKey
		err := l.AccumulateEarnings(intruder, affiliate, 1000, tier.Tier1)
		require.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestSettlement_Ledger_ClaimAffiliateRewards(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (*Ledger, solana.PrivateKey, solana.PublicKey, *clockwork.FakeClock) {
		l, authority, clock := testLedger(t)
		_, err := l.InitializeAffiliatePool(authority.PublicKey())
		require.NoError(t, err)
		affiliate := solana.NewWallet().PublicKey()
		_, err = l.InitializeAccumulator(affiliate)
		require.NoError(t, err)
		require.NoError(t, l.AccumulateEarnings(authority, affiliate, 10_000_000, tier.Tier2))
		return l, authority, affiliate, clock
	}

	t.Run("current week is locked before the release point", func(t *testing.T) {
		t.Parallel()
		l, _, affiliate, clock := setup(t)
		week := WeekNumber(clock.Now())

		_, err := l.ClaimAffiliateRewards(affiliate, 1_000_000, tier.Tier2, week, 1)
		require.ErrorIs(t, err, ErrClaimNotYetAvailable)

		// Advance past the Wednesday release; the same claim now settles.
		clock.Advance(time.Duration(wednesdayOffset) * time.Second)
		claim, err := l.ClaimAffiliateRewards(affiliate, 1_000_000, tier.Tier2, week, 1)
		require.NoError(t, err)
		require.Equal(t, week, claim.WeekNumber)
	})

	t.Run("future weeks stay locked past the release point", func(t *testing.T) {
		t.Parallel()
		l, _, affiliate, clock := setup(t)

		// The release point opens the current week, nothing beyond it.
		clock.Advance(time.Duration(wednesdayOffset) * time.Second)
		futureWeek := WeekNumber(clock.Now()) + 1

		_, err := l.ClaimAffiliateRewards(affiliate, 1_000_000, tier.Tier2, futureWeek, 1)
		require.ErrorIs(t, err, ErrClaimNotYetAvailable)

		// The rejected claim must not have consumed the week's claim key.
		clock.Advance(2 * time.Duration(secondsPerWeek) * time.Second)
		claim, err := l.ClaimAffiliateRewards(affiliate, 1_000_000, tier.Tier2, futureWeek, 1)
		require.NoError(t, err)
		require.Equal(t, futureWeek, claim.WeekNumber)
	})

	t.Run("past weeks are claimable once each", func(t *testing.T) {
		t.Parallel()
		l, _, affiliate, clock := setup(t)
		pastWeek := WeekNumber(clock.Now()) - 1

		_, err := l.ClaimAffiliateRewards(affiliate, 4_000_000, tier.Tier2, pastWeek, 2)
		require.NoError(t, err)

		_, err = l.ClaimAffiliateRewards(affiliate, 4_000_000, tier.Tier2, pastWeek, 2)
		require.ErrorIs(t, err, ErrAlreadyExists)

		acc, err := l.AccumulatorFor(affiliate)
		require.NoError(t, err)
		require.Equal(t, uint64(6_000_000), acc.PendingAmount)
	})

	t.Run("cannot claim more than pending", func(t *testing.T) {
		t.Parallel()
		l, _, affiliate, clock := setup(t)
		pastWeek := WeekNumber(clock.Now()) - 1

		_, err := l.ClaimAffiliateRewards(affiliate, 10_000_001, tier.Tier2, pastWeek, 1)
		require.ErrorIs(t, err, ErrInsufficientPendingRewards)
	})
}
