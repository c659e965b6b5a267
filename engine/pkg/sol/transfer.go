package sol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// Withdrawal transactions are built half-signed: the treasury key signs
// its side server-side, the recipient pays the fee and countersigns in
// their wallet. The artifact travels to the client as base64.

// TransferArtifact is a treasury-to-recipient transfer that still needs
// the recipient's signature.
type TransferArtifact struct {
	Base64               string
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

var (
	// ErrArtifactMismatch means a returned transaction does not match
	// the withdrawal it claims to settle.
	ErrArtifactMismatch = errors.New("transaction does not match withdrawal request")

	// ErrBadSignature means a signature on the returned transaction does
	// not verify.
	ErrBadSignature = errors.New("transaction signature verification failed")
)

// transferInstructionIndex is the system program's enum value for
// Transfer.
const transferInstructionIndex = 2

// BuildUnsignedTransfer assembles a system transfer of lamports from
// the treasury to recipient, anchored to bh, with the recipient as fee
// payer, and partially signs it with the treasury key. The recipient's
// signature slot is left empty.
func BuildUnsignedTransfer(treasury solana.PrivateKey, recipient solana.PublicKey, lamports uint64, bh Blockhash) (*TransferArtifact, error) {
	if lamports == 0 {
		return nil, errors.New("transfer amount must be positive")
	}
	ix := system.NewTransferInstruction(lamports, treasury.PublicKey(), recipient).Build()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		bh.Hash,
		solana.TransactionPayer(recipient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer transaction: %w", err)
	}
	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(treasury.PublicKey()) {
			return &treasury
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign transfer as treasury: %w", err)
	}
	b64, err := tx.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transfer transaction: %w", err)
	}
	return &TransferArtifact{
		Base64:               b64,
		Blockhash:            bh.Hash,
		LastValidBlockHeight: bh.LastValidBlockHeight,
	}, nil
}

// DecodeSignedTransfer parses a base64 transaction returned by a
// client wallet.
func DecodeSignedTransfer(b64 string) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromBase64(b64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// VerifySignedTransfer checks that tx is exactly the transfer the
// server issued: one system transfer of lamports from treasury to
// recipient, anchored to blockhash, with every required signature
// present and valid. Wallets can rewrite anything before signing, so
// nothing about the returned bytes is trusted until this passes.
func VerifySignedTransfer(tx *solana.Transaction, treasury, recipient solana.PublicKey, lamports uint64, blockhash solana.Hash) error {
	msg := &tx.Message
	if !msg.RecentBlockhash.Equals(blockhash) {
		return fmt.Errorf("%w: blockhash changed", ErrArtifactMismatch)
	}
	if len(msg.Instructions) != 1 {
		return fmt.Errorf("%w: expected exactly one instruction, got %d", ErrArtifactMismatch, len(msg.Instructions))
	}
	ix := msg.Instructions[0]
	program, err := msg.Program(ix.ProgramIDIndex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArtifactMismatch, err)
	}
	if !program.Equals(system.ProgramID) {
		return fmt.Errorf("%w: instruction targets %s, not the system program", ErrArtifactMismatch, program)
	}
	if len(ix.Data) != 12 || binary.LittleEndian.Uint32(ix.Data[:4]) != transferInstructionIndex {
		return fmt.Errorf("%w: instruction is not a transfer", ErrArtifactMismatch)
	}
	if got := binary.LittleEndian.Uint64(ix.Data[4:12]); got != lamports {
		return fmt.Errorf("%w: transfer of %d lamports, expected %d", ErrArtifactMismatch, got, lamports)
	}
	if len(ix.Accounts) < 2 {
		return fmt.Errorf("%w: transfer instruction missing accounts", ErrArtifactMismatch)
	}
	from, err := msg.Account(ix.Accounts[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArtifactMismatch, err)
	}
	to, err := msg.Account(ix.Accounts[1])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArtifactMismatch, err)
	}
	if !from.Equals(treasury) {
		return fmt.Errorf("%w: funds leave %s, not the treasury", ErrArtifactMismatch, from)
	}
	if !to.Equals(recipient) {
		return fmt.Errorf("%w: funds arrive at %s, not the requesting wallet", ErrArtifactMismatch, to)
	}
	if err := tx.VerifySignatures(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}
