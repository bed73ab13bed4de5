// Package public builds signed public transactions.
package public

import (
	"crypto/ed25519"
	"fmt"

	"github.com/holiman/uint256"

	"shieldledger/internal/account"
	"shieldledger/internal/runtime"
	"shieldledger/internal/tx"
)

// Signer is a key authorizing its public account, with that account's current
// nonce.
type Signer struct {
	Key   ed25519.PrivateKey
	Nonce uint256.Int
}

// ID is the public account the signer controls.
func (s *Signer) ID() account.ID {
	return account.PublicID(s.Key.Public().(ed25519.PublicKey))
}

// Call builds a public transaction running programID over touched. Every
// signer's account must be in touched.
func Call(programID account.ProgramID, instruction []byte, touched []account.ID, signers ...Signer) (*tx.Transaction, error) {
	t := &tx.Transaction{
		Mode:            tx.ModePublic,
		ProgramID:       programID,
		InstructionData: instruction,
		AccountsTouched: touched,
	}
	for _, s := range signers {
		t.Nonces = append(t.Nonces, s.Nonce)
	}
	for _, s := range signers {
		if err := t.Sign(s.Key); err != nil {
			return nil, fmt.Errorf("public: signing: %w", err)
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Transfer moves amount from the signer's account to recipient with the
// authenticated-transfer program.
func Transfer(from Signer, recipient account.ID, amount *uint256.Int) (*tx.Transaction, error) {
	return Call(runtime.AuthTransferID, runtime.EncodeAmount(amount), []account.ID{from.ID(), recipient}, from)
}

// Initialize claims the signer's fresh account for the authenticated-transfer
// program.
func Initialize(owner Signer) (*tx.Transaction, error) {
	return Call(runtime.AuthTransferID, runtime.EncodeAmountUint64(0), []account.ID{owner.ID()}, owner)
}
