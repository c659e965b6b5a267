// Package sol provides the settlement engine's view of the Solana
// network: blockhash acquisition, raw transaction submission, and
// signature status polling, behind an interface small enough to fake
// in tests.
package sol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/powersol/settlement/utils/pkg/retry"
)

// Blockhash carries the recent blockhash a transaction is anchored to
// together with the last block height at which that transaction is
// still eligible for inclusion.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// TxStatus is the coarse lifecycle state of a submitted transaction as
// reported by the cluster.
type TxStatus int

const (
	// TxStatusUnknown means the cluster has no record of the signature.
	TxStatusUnknown TxStatus = iota
	// TxStatusProcessed means the transaction landed in a block that has
	// not yet reached confirmed commitment.
	TxStatusProcessed
	// TxStatusConfirmed means the transaction reached confirmed commitment.
	TxStatusConfirmed
	// TxStatusFinalized means the transaction is rooted.
	TxStatusFinalized
	// TxStatusFailed means the transaction landed but its execution
	// returned an error. The signature is consumed and a retry requires a
	// new transaction.
	TxStatusFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxStatusUnknown:
		return "unknown"
	case TxStatusProcessed:
		return "processed"
	case TxStatusConfirmed:
		return "confirmed"
	case TxStatusFinalized:
		return "finalized"
	case TxStatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("TxStatus(%d)", int(s))
	}
}

// Settled reports whether the status counts as a durable success for
// settlement purposes.
func (s TxStatus) Settled() bool {
	return s == TxStatusConfirmed || s == TxStatusFinalized
}

// Network is the subset of cluster operations the withdrawal
// orchestrator needs.
type Network interface {
	// LatestBlockhash returns a recent blockhash and its expiry height.
	LatestBlockhash(ctx context.Context) (Blockhash, error)

	// SubmitTransaction broadcasts a fully signed, serialized
	// transaction and returns its signature. Re-submitting the same
	// signed bytes is safe: the signature dedupes on-chain.
	SubmitTransaction(ctx context.Context, raw []byte) (solana.Signature, error)

	// SignatureStatus reports the cluster's view of a signature.
	// TxStatusUnknown with a nil error means the signature is simply not
	// known to the cluster (yet, or anymore).
	SignatureStatus(ctx context.Context, sig solana.Signature) (TxStatus, error)

	// BlockHeight returns the current block height at confirmed
	// commitment, used to decide whether a pending transaction's
	// blockhash window has expired.
	BlockHeight(ctx context.Context) (uint64, error)
}

// RPCConfig configures an RPC-backed Network.
type RPCConfig struct {
	Logger   *slog.Logger
	Endpoint string

	// Retry bounds the retry loop around transient RPC failures. Zero
	// value falls back to retry.DefaultConfig.
	Retry retry.Config
}

func (cfg *RPCConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Endpoint == "" {
		return errors.New("rpc endpoint is required")
	}
	return nil
}

// RPCNetwork implements Network against a Solana JSON-RPC node.
type RPCNetwork struct {
	log      *slog.Logger
	client   *solanarpc.Client
	retryCfg retry.Config
}

func NewRPCNetwork(cfg RPCConfig) (*RPCNetwork, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	retryCfg := cfg.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	return &RPCNetwork{
		log:      cfg.Logger,
		client:   solanarpc.New(cfg.Endpoint),
		retryCfg: retryCfg,
	}, nil
}

func (n *RPCNetwork) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	var out Blockhash
	err := retry.Do(ctx, n.retryCfg, func() error {
		res, err := n.client.GetLatestBlockhash(ctx, solanarpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		out = Blockhash{
			Hash:                 res.Value.Blockhash,
			LastValidBlockHeight: res.Value.LastValidBlockHeight,
		}
		return nil
	})
	if err != nil {
		return Blockhash{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	return out, nil
}

func (n *RPCNetwork) SubmitTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	var sig solana.Signature
	// Re-broadcasting identical signed bytes is idempotent, so the whole
	// submission is retryable.
	err := retry.Do(ctx, n.retryCfg, func() error {
		var err error
		sig, err = n.client.SendRawTransactionWithOpts(ctx, raw, solanarpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: solanarpc.CommitmentConfirmed,
		})
		return err
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to submit transaction: %w", err)
	}
	n.log.Debug("sol: transaction submitted", "signature", sig.String())
	return sig, nil
}

func (n *RPCNetwork) SignatureStatus(ctx context.Context, sig solana.Signature) (TxStatus, error) {
	var status TxStatus
	err := retry.Do(ctx, n.retryCfg, func() error {
		res, err := n.client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return err
		}
		if len(res.Value) == 0 || res.Value[0] == nil {
			status = TxStatusUnknown
			return nil
		}
		status = statusFromRPC(res.Value[0])
		return nil
	})
	if err != nil {
		return TxStatusUnknown, fmt.Errorf("failed to get signature status: %w", err)
	}
	return status, nil
}

func (n *RPCNetwork) BlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := retry.Do(ctx, n.retryCfg, func() error {
		var err error
		height, err = n.client.GetBlockHeight(ctx, solanarpc.CommitmentConfirmed)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get block height: %w", err)
	}
	return height, nil
}

func statusFromRPC(res *solanarpc.SignatureStatusesResult) TxStatus {
	if res.Err != nil {
		return TxStatusFailed
	}
	switch res.ConfirmationStatus {
	case solanarpc.ConfirmationStatusFinalized:
		return TxStatusFinalized
	case solanarpc.ConfirmationStatusConfirmed:
		return TxStatusConfirmed
	case solanarpc.ConfirmationStatusProcessed:
		return TxStatusProcessed
	default:
		return TxStatusUnknown
	}
}
