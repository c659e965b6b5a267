package withdraw_test

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	apitesting "github.com/powersol/settlement/api/testing"
	"github.com/powersol/settlement/engine/pkg/affiliate"
	"github.com/powersol/settlement/engine/pkg/withdraw"
	settlementtesting "github.com/powersol/settlement/utils/pkg/testing"
)

func newPgFixture(t *testing.T) (*withdraw.PgStore, *affiliate.Store, string) {
	t.Helper()
	apitesting.Migrate(t, testDB)
	pool := apitesting.NewTestPool(t, testDB)

	affStore, err := affiliate.NewStore(affiliate.StoreConfig{
		Logger: settlementtesting.NewLogger(),
		Pool:   pool,
	})
	require.NoError(t, err)

	store, err := withdraw.NewPgStore(withdraw.PgStoreConfig{
		Logger: settlementtesting.NewLogger(),
		Pool:   pool,
	})
	require.NoError(t, err)

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	wallet := key.PublicKey().String()
	a, err := affStore.GetOrCreate(t.Context(), wallet)
	require.NoError(t, err)

	// Fund pending_earnings through a sale so balances mean something.
	proc, err := affiliate.NewProcessor(affiliate.ProcessorConfig{
		Logger: settlementtesting.NewLogger(),
		Store:  affStore,
	})
	require.NoError(t, err)
	_, err = proc.ProcessSale(t.Context(), affiliate.SaleEvent{
		Signature:     "wsig-" + uuid.NewString(),
		AffiliateCode: a.ReferralCode,
		ReferredUser:  "wuser-" + uuid.NewString(),
		Wallet:        wallet,
		UnitPrice:     100_000_000, // 5_000_000 commission at tier 1
	})
	require.NoError(t, err)

	return store, affStore, wallet
}

func TestSettlement_WithdrawPg_ReserveAndComplete(t *testing.T) {
	t.Parallel()
	store, affStore, wallet := newPgFixture(t)
	ctx := t.Context()

	id := uuid.New()
	req, err := store.CreatePending(ctx, wallet, id, 3_000_000)
	require.NoError(t, err)
	require.Equal(t, withdraw.StatusPending, req.Status)
	require.Equal(t, wallet, req.AffiliateWallet)

	// The reservation row exists before any artifact fields are written.
	bare, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Empty(t, bare.Blockhash)
	require.Zero(t, bare.LastValidBlockHeight)
	require.Empty(t, bare.TxSignature)

	// The remaining 2_000_000 is the ceiling while the reservation holds.
	_, err = store.CreatePending(ctx, wallet, uuid.New(), 2_000_001)
	require.ErrorIs(t, err, withdraw.ErrInsufficientFunds)

	require.NoError(t, store.SetArtifact(ctx, id, "hash", 900))
	require.NoError(t, store.SetSignature(ctx, id, "sig"))

	require.NoError(t, store.MarkCompleted(ctx, id))
	// Idempotent.
	require.NoError(t, store.MarkCompleted(ctx, id))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, withdraw.StatusCompleted, got.Status)
	require.Equal(t, "hash", got.Blockhash)
	require.Equal(t, uint64(900), got.LastValidBlockHeight)
	require.Equal(t, "sig", got.TxSignature)
	require.NotNil(t, got.ResolvedAt)

	stats, err := affStore.Stats(ctx, wallet)
	require.NoError(t, err)
	require.Equal(t, uint64(2_000_000), stats.PendingEarnings)
	require.Equal(t, uint64(3_000_000), stats.TotalEarned)

	// A completed payout cannot be failed afterwards.
	err = store.MarkFailed(ctx, id, "nope")
	require.ErrorIs(t, err, withdraw.ErrAlreadyResolved)
}

func TestSettlement_WithdrawPg_FailReleasesReservation(t *testing.T) {
	t.Parallel()
	store, affStore, wallet := newPgFixture(t)
	ctx := t.Context()

	id := uuid.New()
	_, err := store.CreatePending(ctx, wallet, id, 5_000_000)
	require.NoError(t, err)

	_, err = store.CreatePending(ctx, wallet, uuid.New(), 1)
	require.ErrorIs(t, err, withdraw.ErrInsufficientFunds)

	require.NoError(t, store.MarkFailed(ctx, id, "blockhash expired before inclusion"))
	// Idempotent.
	require.NoError(t, store.MarkFailed(ctx, id, "blockhash expired before inclusion"))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, withdraw.StatusFailed, got.Status)
	require.Equal(t, "blockhash expired before inclusion", got.FailureReason)

	// Balance untouched, full amount reservable again.
	stats, err := affStore.Stats(ctx, wallet)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000_000), stats.PendingEarnings)
	require.Zero(t, stats.TotalEarned)
	_, err = store.CreatePending(ctx, wallet, uuid.New(), 5_000_000)
	require.NoError(t, err)
}

func TestSettlement_WithdrawPg_ListPending(t *testing.T) {
	t.Parallel()
	store, _, wallet := newPgFixture(t)
	ctx := t.Context()

	id := uuid.New()
	_, err := store.CreatePending(ctx, wallet, id, 1_000_000)
	require.NoError(t, err)

	// Only requests older than the cutoff are returned, and the listing
	// is scoped to PENDING.
	past, err := store.ListPending(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	for _, r := range past {
		require.NotEqual(t, id, r.ID)
	}

	future, err := store.ListPending(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	found := false
	for _, r := range future {
		if r.ID == id {
			found = true
			require.Equal(t, wallet, r.AffiliateWallet)
		}
	}
	require.True(t, found)

	require.NoError(t, store.MarkFailed(ctx, id, "cancelled by operator"))
	after, err := store.ListPending(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	for _, r := range after {
		require.NotEqual(t, id, r.ID)
	}

	_, err = store.Get(ctx, uuid.New())
	require.ErrorIs(t, err, withdraw.ErrRequestNotFound)
}
