package ledger

import "errors"

// Operation errors mirror the on-chain claim program's error codes. Callers
// match them with errors.Is; the HTTP layer maps them to response statuses.
var (
	ErrAlreadyExists              = errors.New("account already exists")
	ErrNotFound                   = errors.New("account not found")
	ErrInvalidTier                = errors.New("invalid tier")
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrInvalidLotteryType         = errors.New("invalid lottery type")
	ErrVrfNotCompleted            = errors.New("vrf not completed for this lottery round")
	ErrInsufficientFunds          = errors.New("insufficient pool funds")
	ErrInsufficientPendingRewards = errors.New("insufficient pending rewards")
	ErrUnauthorized               = errors.New("unauthorized")
	ErrLotteryNotDrawn            = errors.New("lottery has not been drawn yet")
	ErrClaimNotYetAvailable       = errors.New("claim not yet available")
	ErrArithmeticOverflow         = errors.New("arithmetic overflow")
)
