// private.go - Off-chain proving harness for private transactions.
//
// Build runs the program with the same runtime adapter the sequencer uses,
// turns the private post-states into commitments (and nullifiers for the
// versions they supersede), seals a hint for each recipient, and proves the
// transition. The resulting transaction reveals only the public post-states.

package private

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/holiman/uint256"

	"shieldledger/internal/account"
	"shieldledger/internal/privacy"
	"shieldledger/internal/runtime"
	"shieldledger/internal/tx"
)

// PublicInput is a public account touched by the transaction. Key is set when
// the account authorizes the transaction.
type PublicInput struct {
	ID      account.ID
	Account account.Account
	Key     ed25519.PrivateKey
}

// PrivateInput is a private account touched by the transaction.
type PrivateInput struct {
	// Npk identifies the account; Viewing is where its hint is sealed.
	Npk     privacy.Hash
	Viewing *bls12377.G1Affine

	// Current is the latest version; nil for an account with no commitment
	// yet. Updating a version needs its nullifier secret key and membership
	// path under Request.Root.
	Current   *privacy.Note
	Nsk       privacy.Hash
	LeafIndex uint64
	Siblings  []privacy.Hash

	// Authorized is passed to the program as the account's authorization.
	Authorized bool
}

// Input is one touched account, public or private. Exactly one field is set.
type Input struct {
	Public  *PublicInput
	Private *PrivateInput
}

// Request describes a private transaction.
type Request struct {
	ProgramID   account.ProgramID
	Instruction []byte
	// Accounts are passed to the program in this order.
	Accounts []Input
	// Root is an accepted commitment root; every membership path must fold to
	// it.
	Root privacy.Hash
}

// Output is the new version of one private account.
type Output struct {
	Note       privacy.Note
	Commitment privacy.Commitment
	// Nullifier is zero for initialized accounts.
	Nullifier privacy.Nullifier
}

// Builder produces proven private transactions.
type Builder struct {
	runtime  *runtime.Adapter
	programs runtime.ProgramSource
	prover   privacy.Prover
}

// NewBuilder returns a builder running programs on rt and proving with prover.
func NewBuilder(rt *runtime.Adapter, programs runtime.ProgramSource, prover privacy.Prover) *Builder {
	return &Builder{runtime: rt, programs: programs, prover: prover}
}

// Build executes and proves req.
func (b *Builder) Build(req *Request) (*tx.Transaction, []Output, error) {
	if len(req.Accounts) == 0 {
		return nil, nil, errors.New("private: no accounts")
	}
	pre := make([]account.WithMetadata, len(req.Accounts))
	var (
		publicIdx, privateIdx []int
		publicPre             []account.Account
		signers               []ed25519.PrivateKey
	)
	t := &tx.Transaction{
		Mode:            tx.ModePrivate,
		ProgramID:       req.ProgramID,
		InstructionData: req.Instruction,
	}
	for i, in := range req.Accounts {
		switch {
		case in.Public != nil && in.Private == nil:
			p := in.Public
			pre[i] = account.WithMetadata{ID: p.ID, Account: p.Account.Clone(), IsAuthorized: p.Key != nil}
			publicIdx = append(publicIdx, i)
			publicPre = append(publicPre, p.Account.Clone())
			t.AccountsTouched = append(t.AccountsTouched, p.ID)
			if p.Key != nil {
				if account.PublicID(p.Key.Public().(ed25519.PublicKey)) != p.ID {
					return nil, nil, fmt.Errorf("private: key does not control %s", p.ID)
				}
				signers = append(signers, p.Key)
				t.Nonces = append(t.Nonces, p.Account.Nonce)
			}
		case in.Private != nil && in.Public == nil:
			p := in.Private
			var acc account.Account
			if p.Current != nil {
				if p.Current.Npk != p.Npk {
					return nil, nil, errors.New("private: note belongs to another account")
				}
				acc = p.Current.Account.Clone()
			}
			pre[i] = account.WithMetadata{ID: account.PrivateID(p.Npk[:]), Account: acc, IsAuthorized: p.Authorized}
			privateIdx = append(privateIdx, i)
		default:
			return nil, nil, fmt.Errorf("private: input %d must be exactly one of public or private", i)
		}
	}
	if len(privateIdx) == 0 || len(privateIdx) > privacy.MaxPrivateAccounts {
		return nil, nil, fmt.Errorf("private: %d private accounts, want 1..%d", len(privateIdx), privacy.MaxPrivateAccounts)
	}

	trace, err := b.runtime.Run(b.programs, req.ProgramID, pre, req.Instruction)
	if err != nil {
		return nil, nil, err
	}

	payload := &tx.PrivatePayload{Root: req.Root}
	for _, i := range publicIdx {
		payload.PublicPost = append(payload.PublicPost, trace.Post[i])
	}

	witness := &privacy.Witness{}
	outputs := make([]Output, 0, len(privateIdx))
	one := uint256.NewInt(1)
	for slot, i := range privateIdx {
		in := req.Accounts[i].Private
		post := trace.Post[i].Clone()
		post.Nonce.Add(&post.Nonce, one)

		rand, err := privacy.RandomElement()
		if err != nil {
			return nil, nil, err
		}
		note := privacy.Note{Npk: in.Npk, Account: post, Randomness: rand}
		out := Output{Note: note, Commitment: note.Commitment()}

		sw := privacy.SlotWitness{
			Npk:            in.Npk,
			Post:           post,
			PostRandomness: rand,
			Siblings:       make([]privacy.Hash, privacy.TreeDepth),
		}
		if in.Current != nil {
			out.Nullifier = privacy.DeriveNullifier(in.Current.Commitment(), in.Nsk)
			sw.Nsk = in.Nsk
			sw.Pre = in.Current.Account
			sw.PreRandomness = in.Current.Randomness
			sw.LeafIndex = in.LeafIndex
			sw.Siblings = in.Siblings
		}
		hint, err := privacy.EncryptNote(in.Viewing, &note, uint32(slot))
		if err != nil {
			return nil, nil, err
		}
		payload.Outputs = append(payload.Outputs, tx.PrivateOutput{
			Nullifier:  out.Nullifier,
			Commitment: out.Commitment,
			Hint:       hint,
		})
		witness.Slots = append(witness.Slots, sw)
		outputs = append(outputs, out)
	}
	t.Private = payload

	stmt, err := t.Statement(publicPre)
	if err != nil {
		return nil, nil, err
	}
	proof, err := b.prover.Prove(stmt, witness)
	if err != nil {
		return nil, nil, fmt.Errorf("private: proving: %w", err)
	}
	payload.Proof = proof

	for _, key := range signers {
		if err := t.Sign(key); err != nil {
			return nil, nil, err
		}
	}
	if err := t.Validate(); err != nil {
		return nil, nil, err
	}
	return t, outputs, nil
}
