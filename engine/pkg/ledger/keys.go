package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Account addresses are program-derived: deterministic keys computed from
// stable seed inputs, so a claim for a given (claimant, pool, round) always
// lands on the same address. Address existence is what makes claim creation
// idempotency-safe.

func prizePoolAddress(programID solana.PublicKey, lt LotteryType) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{[]byte("prize_pool"), {byte(lt)}},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive prize pool address: %w", err)
	}
	return addr, bump, nil
}

func affiliatePoolAddress(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{[]byte("affiliate_pool")},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive affiliate pool address: %w", err)
	}
	return addr, bump, nil
}

func accumulatorAddress(programID, affiliate solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{[]byte("accumulator"), affiliate.Bytes()},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive accumulator address: %w", err)
	}
	return addr, bump, nil
}

func prizeClaimAddress(programID, claimant, pool solana.PublicKey, round uint64) (solana.PublicKey, uint8, error) {
	roundLE := make([]byte, 8)
	binary.LittleEndian.PutUint64(roundLE, round)
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{[]byte("prize_claim"), claimant.Bytes(), pool.Bytes(), roundLE},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive prize claim address: %w", err)
	}
	return addr, bump, nil
}

func affiliateClaimAddress(programID, affiliate solana.PublicKey, week uint64) (solana.PublicKey, uint8, error) {
	weekLE := make([]byte, 8)
	binary.LittleEndian.PutUint64(weekLE, week)
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{[]byte("affiliate_claim"), affiliate.Bytes(), weekLE},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive affiliate claim address: %w", err)
	}
	return addr, bump, nil
}
