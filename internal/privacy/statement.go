package privacy

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"

	"shieldledger/internal/account"
)

const (
	// MaxPrivateAccounts is the number of private account slots per transition.
	MaxPrivateAccounts = 2
	// TreeDepth is the depth of the commitment accumulator.
	TreeDepth = 20
)

var detEncMode cbor.EncMode

func init() {
	var err error
	detEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// SlotMode says what a private slot does to its account.
type SlotMode uint8

const (
	SlotUnused SlotMode = iota
	// SlotUpdate consumes a prior commitment (publishing its nullifier) and
	// publishes the next version.
	SlotUpdate
	// SlotInit publishes the first version of an account that has no prior
	// commitment.
	SlotInit
)

func (m SlotMode) String() string {
	switch m {
	case SlotUnused:
		return "unused"
	case SlotUpdate:
		return "update"
	case SlotInit:
		return "init"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Output is the public face of one private slot.
type Output struct {
	_          struct{} `cbor:",toarray"`
	Mode       SlotMode
	Nullifier  Nullifier
	Commitment Commitment
}

// Statement is what a transition proof attests to. The verifier rebuilds it from
// the transaction and the current public state.
type Statement struct {
	_          struct{} `cbor:",toarray"`
	ProgramID  account.ProgramID
	Root       Hash
	Outputs    []Output
	PublicPre  []account.Account
	PublicPost []account.Account
	// Context binds the remaining transaction fields (touched ids, signer
	// nonces, encrypted hints) into the proof.
	Context [32]byte
}

// Digest is the SHA-256 of the canonical encoding.
func (s *Statement) Digest() ([32]byte, error) {
	b, err := detEncMode.Marshal(s)
	if err != nil {
		return [32]byte{}, fmt.Errorf("privacy: encoding statement: %w", err)
	}
	return sha256.Sum256(b), nil
}

// Validate checks the shape of the statement.
func (s *Statement) Validate() error {
	if len(s.Outputs) == 0 || len(s.Outputs) > MaxPrivateAccounts {
		return fmt.Errorf("privacy: %d private outputs, want 1..%d", len(s.Outputs), MaxPrivateAccounts)
	}
	if len(s.PublicPre) != len(s.PublicPost) {
		return errors.New("privacy: public pre and post states differ in length")
	}
	for i, out := range s.Outputs {
		switch out.Mode {
		case SlotUpdate:
			if out.Nullifier.IsZero() {
				return fmt.Errorf("privacy: output %d updates without a nullifier", i)
			}
		case SlotInit:
			if !out.Nullifier.IsZero() {
				return fmt.Errorf("privacy: output %d initializes with a nullifier", i)
			}
		default:
			return fmt.Errorf("privacy: output %d has mode %s", i, out.Mode)
		}
		if out.Commitment.IsZero() {
			return fmt.Errorf("privacy: output %d has no commitment", i)
		}
	}
	return nil
}

// Nullifiers lists the nullifiers the statement introduces.
func (s *Statement) Nullifiers() []Nullifier {
	var out []Nullifier
	for _, o := range s.Outputs {
		if o.Mode == SlotUpdate {
			out = append(out, o.Nullifier)
		}
	}
	return out
}

// PublicFlows sums the public balances before and after the transition.
func (s *Statement) PublicFlows() (in, out *big.Int) {
	in, out = new(big.Int), new(big.Int)
	for i := range s.PublicPre {
		in.Add(in, s.PublicPre[i].Balance.ToBig())
	}
	for i := range s.PublicPost {
		out.Add(out, s.PublicPost[i].Balance.ToBig())
	}
	return in, out
}

// SlotWitness is the private data behind one output.
type SlotWitness struct {
	Nsk            Hash
	Npk            Hash
	Pre            account.Account
	PreRandomness  Hash
	LeafIndex      uint64
	Siblings       []Hash
	Post           account.Account
	PostRandomness Hash
}

// Witness is the private input of a transition proof, slot-aligned with
// Statement.Outputs.
type Witness struct {
	Slots []SlotWitness
}

// RootFromPath folds a leaf and its siblings into a Merkle root. Bit i of index
// set means the node at level i is a right child.
func RootFromPath(leaf Hash, index uint64, siblings []Hash) Hash {
	cur := leaf
	for i, sib := range siblings {
		if (index>>uint(i))&1 == 1 {
			cur = HashPair(sib, cur)
		} else {
			cur = HashPair(cur, sib)
		}
	}
	return cur
}

// CheckWitness evaluates natively every constraint the transition circuit
// enforces. Provers call it before proving so inconsistencies surface as
// readable errors instead of unsatisfied constraints.
func CheckWitness(stmt *Statement, w *Witness) error {
	if err := stmt.Validate(); err != nil {
		return err
	}
	if len(w.Slots) != len(stmt.Outputs) {
		return fmt.Errorf("privacy: witness has %d slots for %d outputs", len(w.Slots), len(stmt.Outputs))
	}
	totalIn, totalOut := stmt.PublicFlows()
	for i := range w.Slots {
		sw := &w.Slots[i]
		out := stmt.Outputs[i]
		if err := sw.Post.Validate(); err != nil {
			return fmt.Errorf("privacy: slot %d: %w", i, err)
		}
		switch out.Mode {
		case SlotUpdate:
			if HashElements(sw.Nsk) != sw.Npk {
				return fmt.Errorf("privacy: slot %d: nullifier key does not match npk", i)
			}
			if len(sw.Siblings) != TreeDepth {
				return fmt.Errorf("privacy: slot %d: path has %d siblings, want %d", i, len(sw.Siblings), TreeDepth)
			}
			cmIn := Commit(sw.Npk, &sw.Pre, sw.PreRandomness)
			if RootFromPath(cmIn, sw.LeafIndex, sw.Siblings) != stmt.Root {
				return fmt.Errorf("privacy: slot %d: commitment is not a member of root %s", i, stmt.Root)
			}
			if DeriveNullifier(cmIn, sw.Nsk) != out.Nullifier {
				return fmt.Errorf("privacy: slot %d: nullifier mismatch", i)
			}
		case SlotInit:
			if !sw.Pre.IsDefault() {
				return fmt.Errorf("privacy: slot %d: initialized account has prior state", i)
			}
		}
		wantOwner := sw.Pre.ProgramOwner
		if wantOwner.IsUnclaimed() {
			wantOwner = stmt.ProgramID
		}
		if sw.Post.ProgramOwner != wantOwner {
			return fmt.Errorf("privacy: slot %d: owner changed", i)
		}
		nextNonce := new(big.Int).Add(sw.Pre.Nonce.ToBig(), big.NewInt(1))
		if sw.Post.Nonce.ToBig().Cmp(nextNonce) != 0 {
			return fmt.Errorf("privacy: slot %d: nonce must advance by one", i)
		}
		if sw.Post.Balance.Lt(&sw.Pre.Balance) && sw.Pre.ProgramOwner != stmt.ProgramID {
			return fmt.Errorf("privacy: slot %d: debit by non-owning program", i)
		}
		if DataElement(sw.Post.Data) != DataElement(sw.Pre.Data) &&
			!sw.Pre.ProgramOwner.IsUnclaimed() && sw.Pre.ProgramOwner != stmt.ProgramID {
			return fmt.Errorf("privacy: slot %d: data change by non-owning program", i)
		}
		if Commit(sw.Npk, &sw.Post, sw.PostRandomness) != out.Commitment {
			return fmt.Errorf("privacy: slot %d: output commitment mismatch", i)
		}
		totalIn.Add(totalIn, sw.Pre.Balance.ToBig())
		totalOut.Add(totalOut, sw.Post.Balance.ToBig())
	}
	if totalIn.Cmp(totalOut) != 0 {
		return fmt.Errorf("privacy: balance not conserved: in %s, out %s", totalIn, totalOut)
	}
	return nil
}
