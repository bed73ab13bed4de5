package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"shieldledger/internal/ledgercore"
)

// Verifier checks a transition proof against its public statement. The ledger
// depends only on this side of the proof system.
type Verifier interface {
	Verify(stmt *Statement, proof []byte) error
}

// Prover produces a transition proof. Only the off-chain harness proves.
type Prover interface {
	Prove(stmt *Statement, w *Witness) ([]byte, error)
}

// ProofSystem is both sides of an oracle.
type ProofSystem interface {
	Prover
	Verifier
}

// DevOracle is a development proof system: a "proof" is an HMAC of the
// statement digest under a shared key. It checks the witness natively when
// proving, but it is neither zero-knowledge nor sound against key holders. Use
// it only for local networks and tests.
type DevOracle struct {
	key []byte
}

// NewDevOracle returns a DevOracle keyed by key.
func NewDevOracle(key []byte) *DevOracle {
	return &DevOracle{key: append([]byte(nil), key...)}
}

func (o *DevOracle) mac(stmt *Statement) ([]byte, error) {
	digest, err := stmt.Digest()
	if err != nil {
		return nil, err
	}
	m := hmac.New(sha256.New, o.key)
	m.Write(digest[:])
	return m.Sum(nil), nil
}

func (o *DevOracle) Prove(stmt *Statement, w *Witness) ([]byte, error) {
	if err := CheckWitness(stmt, w); err != nil {
		return nil, err
	}
	return o.mac(stmt)
}

func (o *DevOracle) Verify(stmt *Statement, proof []byte) error {
	if err := stmt.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ledgercore.ErrInvalidProof, err)
	}
	want, err := o.mac(stmt)
	if err != nil {
		return fmt.Errorf("%w: %v", ledgercore.ErrInvalidProof, err)
	}
	if !hmac.Equal(want, proof) {
		return fmt.Errorf("%w: dev proof mismatch", ledgercore.ErrInvalidProof)
	}
	return nil
}
