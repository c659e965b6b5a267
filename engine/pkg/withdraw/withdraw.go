// Package withdraw orchestrates affiliate earnings withdrawals: a saga
// spanning the PostgreSQL balance record and a Solana transfer, with the
// payout visible in at most one of PENDING, COMPLETED, or FAILED at any
// time. Funds are reserved before the transfer artifact exists, and the
// reservation is released only when the network provably did not (and
// can no longer) execute the transfer.
package withdraw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/powersol/settlement/engine/pkg/sol"
)

// Status is the lifecycle state of a withdrawal request.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Request is one row of withdrawal_requests.
type Request struct {
	ID                   uuid.UUID  `json:"id"`
	AffiliateWallet      string     `json:"affiliate_wallet"`
	Amount               uint64     `json:"amount"`
	Status               Status     `json:"status"`
	Blockhash            string     `json:"blockhash,omitempty"`
	LastValidBlockHeight uint64     `json:"last_valid_block_height,omitempty"`
	TxSignature          string     `json:"tx_signature,omitempty"`
	FailureReason        string     `json:"failure_reason,omitempty"`
	RequestedAt          time.Time  `json:"requested_at"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty"`
}

// Prepared is what the dashboard receives from Prepare: the half-signed
// transfer for the affiliate's wallet to countersign.
type Prepared struct {
	RequestID            uuid.UUID `json:"request_id"`
	Amount               uint64    `json:"amount"`
	TransactionBase64    string    `json:"transaction"`
	Blockhash            string    `json:"blockhash"`
	LastValidBlockHeight uint64    `json:"last_valid_block_height"`
}

var (
	// ErrInvalidAmount means the requested amount is not positive.
	ErrInvalidAmount = errors.New("withdrawal amount must be positive")

	// ErrInsufficientFunds means the requested amount exceeds
	// pending_earnings minus amounts already reserved by in-flight
	// withdrawals.
	ErrInsufficientFunds = errors.New("insufficient withdrawable balance")

	// ErrConfirmationPending means the transfer was broadcast but its
	// fate is not yet known. The request stays PENDING and the
	// reservation stays held; reconciliation resolves it.
	ErrConfirmationPending = errors.New("transfer confirmation pending")

	// ErrRequestNotFound means no withdrawal request has the given id.
	ErrRequestNotFound = errors.New("withdrawal request not found")

	// ErrAlreadyResolved means the request is no longer PENDING.
	ErrAlreadyResolved = errors.New("withdrawal request already resolved")

	// ErrNotCancellable means the transfer may still execute on chain,
	// so releasing the reservation would risk a double payout.
	ErrNotCancellable = errors.New("withdrawal request is not provably unexecuted")
)

// Store persists withdrawal requests. Every transition is a single
// transaction on the implementation side.
type Store interface {
	// CreatePending reserves amount for the wallet and inserts a PENDING
	// request with the given id. Available balance is pending_earnings
	// minus the sum of other PENDING requests; ErrInsufficientFunds if
	// the reservation does not fit.
	CreatePending(ctx context.Context, wallet string, id uuid.UUID, amount uint64) (*Request, error)

	// SetArtifact records the blockhash validity window the transfer was
	// anchored to.
	SetArtifact(ctx context.Context, id uuid.UUID, blockhash string, lastValidBlockHeight uint64) error

	// SetSignature records the broadcast transaction signature.
	SetSignature(ctx context.Context, id uuid.UUID, signature string) error

	Get(ctx context.Context, id uuid.UUID) (*Request, error)

	// ListPending returns PENDING requests older than cutoff.
	ListPending(ctx context.Context, cutoff time.Time) ([]Request, error)

	// MarkCompleted settles a PENDING request: in one transaction the
	// status moves to COMPLETED, pending_earnings -= amount and
	// total_earned += amount. Completing an already-COMPLETED request is
	// a no-op; completing a FAILED one is ErrAlreadyResolved.
	MarkCompleted(ctx context.Context, id uuid.UUID) error

	// MarkFailed moves a PENDING request to FAILED, releasing the
	// reservation. No balance is touched.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

type Config struct {
	Logger  *slog.Logger
	Store   Store
	Network sol.Network
	Clock   clockwork.Clock

	// Treasury funds the transfers and signs its side of each one.
	Treasury solana.PrivateKey

	// ConfirmTimeout bounds how long Submit polls before handing the
	// request over to reconciliation.
	ConfirmTimeout time.Duration

	// PollInterval is the pause between signature status polls.
	PollInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Network == nil {
		return errors.New("network is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Treasury == nil {
		return errors.New("treasury key is required")
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 45 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return nil
}

// Orchestrator drives withdrawal requests through the saga.
type Orchestrator struct {
	log     *slog.Logger
	store   Store
	network sol.Network
	clock   clockwork.Clock
	cfg     Config
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		log:     cfg.Logger,
		store:   cfg.Store,
		network: cfg.Network,
		clock:   cfg.Clock,
		cfg:     cfg,
	}, nil
}

// Prepare reserves amount for wallet and returns a half-signed transfer
// artifact. The reservation happens before anything touches the
// network: an oversized request is rejected without building a
// transaction.
func (o *Orchestrator) Prepare(ctx context.Context, wallet string, amount uint64) (*Prepared, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	recipient, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet address: %w", err)
	}

	id := uuid.New()
	req, err := o.store.CreatePending(ctx, wallet, id, amount)
	if err != nil {
		return nil, err
	}

	bh, err := o.network.LatestBlockhash(ctx)
	if err != nil {
		// The reservation was taken but no transfer can exist; release it.
		o.fail(ctx, id, "failed to obtain blockhash")
		return nil, fmt.Errorf("failed to prepare withdrawal: %w", err)
	}

	artifact, err := sol.BuildUnsignedTransfer(o.cfg.Treasury, recipient, amount, bh)
	if err != nil {
		o.fail(ctx, id, "failed to build transfer")
		return nil, fmt.Errorf("failed to prepare withdrawal: %w", err)
	}

	if err := o.store.SetArtifact(ctx, id, bh.Hash.String(), bh.LastValidBlockHeight); err != nil {
		o.fail(ctx, id, "failed to persist validity window")
		return nil, err
	}

	o.log.Info("withdraw: prepared",
		"request_id", id, "wallet", wallet, "amount", amount,
		"last_valid_block_height", bh.LastValidBlockHeight)

	return &Prepared{
		RequestID:            req.ID,
		Amount:               amount,
		TransactionBase64:    artifact.Base64,
		Blockhash:            bh.Hash.String(),
		LastValidBlockHeight: bh.LastValidBlockHeight,
	}, nil
}

// Submit broadcasts the countersigned artifact and polls for its fate.
// Confirmed settles the balance move; definite rejection releases the
// reservation; an ambiguous timeout leaves the request PENDING and
// returns ErrConfirmationPending.
func (o *Orchestrator) Submit(ctx context.Context, id uuid.UUID, signedBase64 string) (*Request, error) {
	req, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w: request is %s", ErrAlreadyResolved, req.Status)
	}
	if req.Blockhash == "" {
		return nil, errors.New("withdrawal request has no transfer artifact")
	}

	tx, err := sol.DecodeSignedTransfer(signedBase64)
	if err != nil {
		return nil, err
	}
	blockhash, err := solana.HashFromBase58(req.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored blockhash: %w", err)
	}
	recipient, err := solana.PublicKeyFromBase58(req.AffiliateWallet)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored wallet: %w", err)
	}
	if err := sol.VerifySignedTransfer(tx, o.cfg.Treasury.PublicKey(), recipient, req.Amount, blockhash); err != nil {
		return nil, err
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}

	// A transaction's id is its first signature, so it is known before
	// broadcast. It must be persisted first: once the transfer can reach
	// the cluster, the stored request has to carry the signature that
	// reconciliation will query.
	sig := tx.Signatures[0]
	if err := o.store.SetSignature(ctx, id, sig.String()); err != nil {
		return nil, err
	}
	req.TxSignature = sig.String()

	if _, err := o.network.SubmitTransaction(ctx, raw); err != nil {
		// Preflight runs before broadcast, so a submission error means
		// the transfer never entered the network.
		o.fail(ctx, id, fmt.Sprintf("submission rejected: %v", err))
		return nil, fmt.Errorf("failed to submit withdrawal: %w", err)
	}

	o.log.Info("withdraw: submitted", "request_id", id, "signature", sig.String())

	return o.awaitConfirmation(ctx, req, sig)
}

func (o *Orchestrator) awaitConfirmation(ctx context.Context, req *Request, sig solana.Signature) (*Request, error) {
	deadline := o.clock.Now().Add(o.cfg.ConfirmTimeout)
	for {
		status, err := o.network.SignatureStatus(ctx, sig)
		if err != nil {
			return nil, err
		}
		switch {
		case status.Settled():
			if err := o.store.MarkCompleted(ctx, req.ID); err != nil {
				return nil, err
			}
			o.log.Info("withdraw: completed", "request_id", req.ID, "signature", sig.String())
			return o.store.Get(ctx, req.ID)

		case status == sol.TxStatusFailed:
			if err := o.store.MarkFailed(ctx, req.ID, "transaction failed on chain"); err != nil {
				return nil, err
			}
			o.log.Warn("withdraw: failed on chain", "request_id", req.ID, "signature", sig.String())
			return o.store.Get(ctx, req.ID)

		case status == sol.TxStatusUnknown:
			// Not seen by the cluster. If the blockhash window has
			// closed, the transfer can never execute.
			height, err := o.network.BlockHeight(ctx)
			if err != nil {
				return nil, err
			}
			if height > req.LastValidBlockHeight {
				if err := o.store.MarkFailed(ctx, req.ID, "blockhash expired before inclusion"); err != nil {
					return nil, err
				}
				o.log.Warn("withdraw: expired", "request_id", req.ID, "signature", sig.String())
				return o.store.Get(ctx, req.ID)
			}
		}

		if !o.clock.Now().Before(deadline) {
			o.log.Warn("withdraw: confirmation timeout, leaving pending",
				"request_id", req.ID, "signature", sig.String())
			return nil, ErrConfirmationPending
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-o.clock.After(o.cfg.PollInterval):
		}
	}
}

// Reconcile re-queries the fate of stale PENDING requests. Requests
// with a broadcast signature follow the network's verdict; requests
// that never reached the network are failed once their blockhash window
// has provably closed.
func (o *Orchestrator) Reconcile(ctx context.Context, olderThan time.Duration) error {
	cutoff := o.clock.Now().Add(-olderThan)
	pending, err := o.store.ListPending(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	height, err := o.network.BlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile withdrawals: %w", err)
	}

	for i := range pending {
		req := &pending[i]
		if err := o.reconcileOne(ctx, req, height); err != nil {
			o.log.Error("withdraw: reconcile failed", "request_id", req.ID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) reconcileOne(ctx context.Context, req *Request, height uint64) error {
	if req.TxSignature == "" {
		if req.Blockhash != "" && height > req.LastValidBlockHeight {
			return o.store.MarkFailed(ctx, req.ID, "abandoned before submission")
		}
		return nil
	}

	sig, err := solana.SignatureFromBase58(req.TxSignature)
	if err != nil {
		return fmt.Errorf("failed to parse stored signature: %w", err)
	}
	status, err := o.network.SignatureStatus(ctx, sig)
	if err != nil {
		return err
	}
	switch {
	case status.Settled():
		return o.store.MarkCompleted(ctx, req.ID)
	case status == sol.TxStatusFailed:
		return o.store.MarkFailed(ctx, req.ID, "transaction failed on chain")
	case status == sol.TxStatusUnknown && height > req.LastValidBlockHeight:
		return o.store.MarkFailed(ctx, req.ID, "blockhash expired before inclusion")
	default:
		return nil
	}
}

// Cancel releases a reservation, but only when the transfer provably
// never executed: the cluster does not know the signature and the
// blockhash window has closed.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (*Request, error) {
	req, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w: request is %s", ErrAlreadyResolved, req.Status)
	}

	if req.TxSignature != "" {
		sig, err := solana.SignatureFromBase58(req.TxSignature)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored signature: %w", err)
		}
		status, err := o.network.SignatureStatus(ctx, sig)
		if err != nil {
			return nil, err
		}
		if status != sol.TxStatusUnknown {
			return nil, fmt.Errorf("%w: signature status is %s", ErrNotCancellable, status)
		}
	}

	if req.Blockhash != "" {
		height, err := o.network.BlockHeight(ctx)
		if err != nil {
			return nil, err
		}
		if height <= req.LastValidBlockHeight {
			return nil, fmt.Errorf("%w: blockhash window still open", ErrNotCancellable)
		}
	}

	if err := o.store.MarkFailed(ctx, id, "cancelled by operator"); err != nil {
		return nil, err
	}
	o.log.Info("withdraw: cancelled", "request_id", id)
	return o.store.Get(ctx, id)
}

func (o *Orchestrator) fail(ctx context.Context, id uuid.UUID, reason string) {
	if err := o.store.MarkFailed(ctx, id, reason); err != nil {
		o.log.Error("withdraw: failed to release reservation", "request_id", id, "error", err)
	}
}
