package affiliate_test

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	apitesting "github.com/powersol/settlement/api/testing"
	"github.com/powersol/settlement/engine/pkg/affiliate"
	"github.com/powersol/settlement/engine/pkg/ledger"
	"github.com/powersol/settlement/engine/pkg/tier"
	settlementtesting "github.com/powersol/settlement/utils/pkg/testing"
)

var userSeq atomic.Int64

// uniqueUser returns a referred-user id unused by any other test, since
// referral attribution is globally unique.
func uniqueUser(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("user-%s-%d", t.Name(), userSeq.Add(1))
}

func uniqueWallet(t *testing.T) string {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key.PublicKey().String()
}

func newStore(t *testing.T) *affiliate.Store {
	t.Helper()
	apitesting.Migrate(t, testDB)
	store, err := affiliate.NewStore(affiliate.StoreConfig{
		Logger: settlementtesting.NewLogger(),
		Pool:   apitesting.NewTestPool(t, testDB),
	})
	require.NoError(t, err)
	return store
}

func newProcessor(t *testing.T, store *affiliate.Store) *affiliate.Processor {
	t.Helper()
	p, err := affiliate.NewProcessor(affiliate.ProcessorConfig{
		Logger: settlementtesting.NewLogger(),
		Store:  store,
	})
	require.NoError(t, err)
	return p
}

func TestSettlement_Affiliate_GetOrCreate(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := t.Context()
	wallet := uniqueWallet(t)

	a, err := store.GetOrCreate(ctx, wallet)
	require.NoError(t, err)
	require.Equal(t, wallet, a.Wallet)
	require.NotEmpty(t, a.ReferralCode)
	require.Nil(t, a.ManualTier)
	require.Zero(t, a.PendingEarnings)

	again, err := store.GetOrCreate(ctx, wallet)
	require.NoError(t, err)
	require.Equal(t, a.ID, again.ID)
	require.Equal(t, a.ReferralCode, again.ReferralCode)

	byCode, err := store.GetByCode(ctx, a.ReferralCode)
	require.NoError(t, err)
	require.Equal(t, a.ID, byCode.ID)
}

func TestSettlement_Affiliate_GetByCodeNotFound(t *testing.T) {
	t.Parallel()
	store := newStore(t)

	_, err := store.GetByCode(t.Context(), "no-such-code")
	require.ErrorIs(t, err, affiliate.ErrNotFound)
}

func TestSettlement_Affiliate_ReferralAttributionIsFirstWins(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := t.Context()

	first, err := store.GetOrCreate(ctx, uniqueWallet(t))
	require.NoError(t, err)
	second, err := store.GetOrCreate(ctx, uniqueWallet(t))
	require.NoError(t, err)

	user := uniqueUser(t)
	require.NoError(t, store.CreateReferral(ctx, first.ID, user))
	err = store.CreateReferral(ctx, second.ID, user)
	require.ErrorIs(t, err, affiliate.ErrAlreadyReferred)

	// Re-attributing to the same affiliate is also a conflict: the row
	// already exists.
	err = store.CreateReferral(ctx, first.ID, user)
	require.ErrorIs(t, err, affiliate.ErrAlreadyReferred)
}

func TestSettlement_Affiliate_SaleSettlesCommission(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	proc := newProcessor(t, store)
	ctx := t.Context()

	a, err := store.GetOrCreate(ctx, uniqueWallet(t))
	require.NoError(t, err)

	res, err := proc.ProcessSale(ctx, affiliate.SaleEvent{
		Signature:     "sig-" + uniqueUser(t),
		AffiliateCode: a.ReferralCode,
		ReferredUser:  uniqueUser(t),
		Wallet:        uniqueWallet(t),
		UnitPrice:     100_000_000,
	})
	require.NoError(t, err)
	require.Equal(t, tier.Tier1, res.Tier)
	require.Equal(t, uint64(30_000_000), res.Breakdown.Reserved)
	require.Equal(t, uint64(5_000_000), res.Breakdown.Commission)
	require.Equal(t, uint64(25_000_000), res.Breakdown.Delta)
	require.Equal(t, 1, res.ValidatedReferrals)

	stats, err := store.Stats(ctx, a.Wallet)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000_000), stats.PendingEarnings)
	require.Zero(t, stats.TotalEarned)
	require.Equal(t, 1, stats.ValidatedReferrals)
	require.Equal(t, tier.Tier1, stats.Tier)
}

func TestSettlement_Affiliate_SaleIdempotentOnSignature(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	proc := newProcessor(t, store)
	ctx := t.Context()

	a, err := store.GetOrCreate(ctx, uniqueWallet(t))
	require.NoError(t, err)

	event := affiliate.SaleEvent{
		Signature:     "sig-" + uniqueUser(t),
		AffiliateCode: a.ReferralCode,
		ReferredUser:  uniqueUser(t),
		Wallet:        uniqueWallet(t),
		UnitPrice:     100_000_000,
	}
	_, err = proc.ProcessSale(ctx, event)
	require.NoError(t, err)

	_, err = proc.ProcessSale(ctx, event)
	require.ErrorIs(t, err, affiliate.ErrSaleAlreadyProcessed)

	// The replay left no trace: balance and counters are unchanged.
	stats, err := store.Stats(ctx, a.Wallet)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000_000), stats.PendingEarnings)
	require.Equal(t, 1, stats.TotalReferrals)

	refs, err := store.Referrals(ctx, a.Wallet, 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, int64(1), refs[0].PurchaseCount)
}

func TestSettlement_Affiliate_SaleRejectsPoachedUser(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	proc := newProcessor(t, store)
	ctx := t.Context()

	owner, err := store.GetOrCreate(ctx, uniqueWallet(t))
	require.NoError(t, err)
	poacher, err := store.GetOrCreate(ctx, uniqueWallet(t))
	require.NoError(t, err)

	user := uniqueUser(t)
	_, err = proc.ProcessSale(ctx, affiliate.SaleEvent{
		Signature:     "sig-" + uniqueUser(t),
		AffiliateCode: owner.ReferralCode,
		ReferredUser:  user,
		Wallet:        uniqueWallet(t),
		UnitPrice:     100_000_000,
	})
	require.NoError(t, err)

	_, err = proc.ProcessSale(ctx, affiliate.SaleEvent{
		Signature:     "sig-" + uniqueUser(t),
		AffiliateCode: poacher.ReferralCode,
		ReferredUser:  user,
		Wallet:        uniqueWallet(t),
		UnitPrice:     100_000_000,
	})
	require.ErrorIs(t, err, affiliate.ErrAlreadyReferred)

	stats, err := store.Stats(ctx, poacher.Wallet)
	require.NoError(t, err)
	require.Zero(t, stats.PendingEarnings)
	require.Zero(t, stats.TotalReferrals)
}

func TestSettlement_Affiliate_UnknownCodeRejected(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	proc := newProcessor(t, store)

	_, err := proc.ProcessSale(t.Context(), affiliate.SaleEvent{
		Signature:     "sig-" + uniqueUser(t),
		AffiliateCode: "no-such-code",
		ReferredUser:  uniqueUser(t),
		Wallet:        uniqueWallet(t),
		UnitPrice:     100_000_000,
	})
	require.ErrorIs(t, err, affiliate.ErrNotFound)
}

func TestSettlement_Affiliate_TierClimbsWithValidatedReferrals(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	proc := newProcessor(t, store)
	ctx := t.Context()

	a, err := store.GetOrCreate(ctx, uniqueWallet(t))
	require.NoError(t, err)

	// 100 distinct validated referrals put the affiliate in the 1000 bps
	// bracket; the 100th sale already settles at the higher rate.
	var last *affiliate.SaleResult
	for i := 0; i < 100; i++ {
		last, err = proc.ProcessSale(ctx, affiliate.SaleEvent{
			Signature:     fmt.Sprintf("sig-%s-%d", t.Name(), i),
			AffiliateCode: a.ReferralCode,
			ReferredUser:  uniqueUser(t),
			Wallet:        uniqueWallet(t),
			UnitPrice:     100_000_000,
		})
		require.NoError(t, err)
	}
	require.Equal(t, tier.Tier2, last.Tier)
	require.Equal(t, uint64(10_000_000), last.Breakdown.Commission)
	require.Equal(t, 100, last.ValidatedReferrals)

	stats, err := store.Stats(ctx, a.Wallet)
	require.NoError(t, err)
	require.Equal(t, tier.Tier2, stats.Tier)
	// 99 sales at 500 bps, the 100th at 1000 bps.
	require.Equal(t, uint64(99*5_000_000+10_000_000), stats.PendingEarnings)
}

func TestSettlement_Affiliate_ManualTierOverrideAndAudit(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	proc := newProcessor(t, store)
	ctx := t.Context()

	a, err := store.GetOrCreate(ctx, uniqueWallet(t))
	require.NoError(t, err)

	err = store.SetManualTier(ctx, a.Wallet, tier.Tier4, "ops@powersol", "partner agreement", "10.0.0.1")
	require.NoError(t, err)

	stats, err := store.Stats(ctx, a.Wallet)
	require.NoError(t, err)
	require.Equal(t, tier.Tier4, stats.Tier)
	require.NotNil(t, stats.ManualTier)

	// Sales settle at the overridden rate: 3000 bps leaves no delta.
	res, err := proc.ProcessSale(ctx, affiliate.SaleEvent{
		Signature:     "sig-" + uniqueUser(t),
		AffiliateCode: a.ReferralCode,
		ReferredUser:  uniqueUser(t),
		Wallet:        uniqueWallet(t),
		UnitPrice:     100_000_000,
	})
	require.NoError(t, err)
	require.Equal(t, tier.Tier4, res.Tier)
	require.Equal(t, uint64(30_000_000), res.Breakdown.Commission)
	require.Zero(t, res.Breakdown.Delta)

	err = store.RemoveManualTier(ctx, a.Wallet, "ops@powersol", "agreement ended", "10.0.0.1")
	require.NoError(t, err)

	stats, err = store.Stats(ctx, a.Wallet)
	require.NoError(t, err)
	require.Equal(t, tier.Tier1, stats.Tier)
	require.Nil(t, stats.ManualTier)

	audit, err := store.AuditLog(ctx, a.Wallet, 10)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	require.Equal(t, "remove_manual_tier", audit[0].Action)
	require.NotNil(t, audit[0].OldTier)
	require.Equal(t, tier.Tier4, *audit[0].OldTier)
	require.Nil(t, audit[0].NewTier)
	require.Equal(t, "set_manual_tier", audit[1].Action)
	require.Nil(t, audit[1].OldTier)
	require.Equal(t, tier.Tier4, *audit[1].NewTier)
	require.Equal(t, "partner agreement", audit[1].Reason)
}

func TestSettlement_Affiliate_ManualTierUnknownWallet(t *testing.T) {
	t.Parallel()
	store := newStore(t)

	err := store.SetManualTier(t.Context(), uniqueWallet(t), tier.Tier2, "ops", "r", "o")
	require.ErrorIs(t, err, affiliate.ErrNotFound)
}

func TestSettlement_Affiliate_ReferralsAreMasked(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	proc := newProcessor(t, store)
	ctx := t.Context()

	a, err := store.GetOrCreate(ctx, uniqueWallet(t))
	require.NoError(t, err)

	user := uniqueWallet(t)
	_, err = proc.ProcessSale(ctx, affiliate.SaleEvent{
		Signature:     "sig-" + uniqueUser(t),
		AffiliateCode: a.ReferralCode,
		ReferredUser:  user,
		Wallet:        uniqueWallet(t),
		UnitPrice:     100_000_000,
	})
	require.NoError(t, err)

	refs, err := store.Referrals(ctx, a.Wallet, 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, affiliate.MaskWallet(user), refs[0].ReferredUser)
	require.NotEqual(t, user, refs[0].ReferredUser)
	require.True(t, refs[0].Validated)
}

func TestSettlement_Affiliate_SaleMirrorsToLedger(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := t.Context()

	authority, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	programID, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	led, err := ledger.New(ledger.Config{
		Logger:    settlementtesting.NewLogger(),
		Clock:     clockwork.NewFakeClock(),
		ProgramID: programID.PublicKey(),
		Authority: authority.PublicKey(),
	})
	require.NoError(t, err)
	_, err = led.InitializeAffiliatePool(authority.PublicKey())
	require.NoError(t, err)

	proc, err := affiliate.NewProcessor(affiliate.ProcessorConfig{
		Logger:    settlementtesting.NewLogger(),
		Store:     store,
		Ledger:    led,
		Authority: authority,
	})
	require.NoError(t, err)

	a, err := store.GetOrCreate(ctx, uniqueWallet(t))
	require.NoError(t, err)

	res, err := proc.ProcessSale(ctx, affiliate.SaleEvent{
		Signature:     "sig-" + uniqueUser(t),
		AffiliateCode: a.ReferralCode,
		ReferredUser:  uniqueUser(t),
		Wallet:        uniqueWallet(t),
		UnitPrice:     100_000_000,
	})
	require.NoError(t, err)

	wallet := solana.MustPublicKeyFromBase58(a.Wallet)
	acc, err := led.AccumulatorFor(wallet)
	require.NoError(t, err)
	require.Equal(t, res.Breakdown.Commission, acc.PendingAmount)
	require.Equal(t, res.Tier, acc.Tier)
	require.Equal(t, uint32(1), acc.ReferralCount)

	pool, err := led.AffiliatePoolState()
	require.NoError(t, err)
	require.Equal(t, res.Breakdown.Commission, pool.TotalDeposited)
	require.Equal(t, res.Breakdown.Delta, pool.ReserveRetained)
}
