// executor.go - Transaction validation and execution against a working ledger.
//
// Public transactions are executed here through the runtime adapter. Private
// transactions are never re-executed: their proof is verified against a
// statement rebuilt from the transaction and the current public state, and
// their effects are applied under the same ownership rules as the public path.
// Every transaction runs in a child overlay that is merged only on success.

package executor

import (
	"fmt"

	"github.com/holiman/uint256"

	"shieldledger/internal/account"
	"shieldledger/internal/ledger"
	"shieldledger/internal/ledgercore"
	"shieldledger/internal/privacy"
	"shieldledger/internal/runtime"
	"shieldledger/internal/tx"
)

// Result describes the effects of an accepted transaction.
type Result struct {
	Mode        tx.Mode
	ProgramID   account.ProgramID
	Touched     []account.ID
	Nullifiers  []privacy.Nullifier
	Commitments []uint64
}

// Executor validates and applies transactions.
type Executor struct {
	runtime  *runtime.Adapter
	verifier privacy.Verifier
}

// New returns an executor running programs on rt and checking proofs with v.
func New(rt *runtime.Adapter, v privacy.Verifier) *Executor {
	return &Executor{runtime: rt, verifier: v}
}

// Runtime returns the program runtime.
func (e *Executor) Runtime() *runtime.Adapter { return e.runtime }

// PreCheck is the admission check: structure, signatures, and the cheap state
// checks that do not need execution or proof verification.
func (e *Executor) PreCheck(t *tx.Transaction, s *ledger.State) error {
	if err := t.Validate(); err != nil {
		return err
	}
	// A nonce ahead of state may become valid within the block; one behind
	// never will.
	for i, id := range t.Signers() {
		acc := s.Account(id)
		if t.Nonces[i].Lt(&acc.Nonce) {
			return fmt.Errorf("%w: signer %s has nonce %s, transaction carries %s",
				ledgercore.ErrInvalidNonce, id, acc.Nonce.Dec(), t.Nonces[i].Dec())
		}
	}
	switch t.Mode {
	case tx.ModeDeploy:
		if _, ok := s.Program(t.ProgramID); ok || e.runtime.IsBuiltin(t.ProgramID) {
			return fmt.Errorf("%w: %s", ledgercore.ErrProgramExists, t.ProgramID)
		}
		_, err := runtime.Compile(t.Bytecode)
		return err
	case tx.ModePrivate:
		if !s.KnownRoot(t.Private.Root) {
			return fmt.Errorf("%w: %s", ledgercore.ErrStaleRoot, t.Private.Root)
		}
		for _, o := range t.Private.Outputs {
			if o.Mode() == privacy.SlotUpdate && s.HasNullifier(o.Nullifier) {
				return fmt.Errorf("%w: %s", ledgercore.ErrNullifierReused, o.Nullifier)
			}
		}
	}
	if !e.runtime.Known(t.ProgramID, s) {
		return fmt.Errorf("%w: %s", ledgercore.ErrUnknownProgram, t.ProgramID)
	}
	return nil
}

// ValidateAndExecute applies t to w or returns the rejection reason, leaving w
// untouched.
func (e *Executor) ValidateAndExecute(t *tx.Transaction, w *ledger.Working) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	child := w.Child()
	var (
		res *Result
		err error
	)
	switch t.Mode {
	case tx.ModePublic:
		res, err = e.executePublic(t, child)
	case tx.ModePrivate:
		res, err = e.executePrivate(t, child)
	case tx.ModeDeploy:
		res, err = e.deploy(t, child)
	default:
		err = ledgercore.Malformed("unknown mode %d", t.Mode)
	}
	if err != nil {
		return nil, err
	}
	child.CommitToParent()
	return res, nil
}

// loadTouched reads the touched accounts, marks signers authorized and checks
// signer nonces.
func loadTouched(t *tx.Transaction, w *ledger.Working) ([]account.WithMetadata, error) {
	signers := make(map[account.ID]int, len(t.Signatures))
	for i, id := range t.Signers() {
		signers[id] = i
	}
	pre := make([]account.WithMetadata, len(t.AccountsTouched))
	for i, id := range t.AccountsTouched {
		acc := w.Account(id)
		si, signed := signers[id]
		if signed && !acc.Nonce.Eq(&t.Nonces[si]) {
			return nil, fmt.Errorf("%w: signer %s has nonce %s, transaction carries %s",
				ledgercore.ErrInvalidNonce, id, acc.Nonce.Dec(), t.Nonces[si].Dec())
		}
		pre[i] = account.WithMetadata{ID: id, Account: acc, IsAuthorized: signed}
	}
	return pre, nil
}

// writePost stores post-states and advances every signer's nonce.
func writePost(t *tx.Transaction, w *ledger.Working, pre []account.WithMetadata, post []account.Account) error {
	one := uint256.NewInt(1)
	for i := range pre {
		acc := post[i]
		if pre[i].IsAuthorized {
			acc.Nonce.Add(&acc.Nonce, one)
			if acc.Nonce.Gt(account.MaxU128) {
				return fmt.Errorf("%w: nonce of %s overflows", ledgercore.ErrInvalidNonce, pre[i].ID)
			}
		}
		if err := w.SetAccount(pre[i].ID, acc); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) executePublic(t *tx.Transaction, w *ledger.Working) (*Result, error) {
	pre, err := loadTouched(t, w)
	if err != nil {
		return nil, err
	}
	trace, err := e.runtime.Run(w, t.ProgramID, pre, t.InstructionData)
	if err != nil {
		return nil, err
	}
	if err := writePost(t, w, pre, trace.Post); err != nil {
		return nil, err
	}
	return &Result{Mode: t.Mode, ProgramID: t.ProgramID, Touched: t.AccountsTouched}, nil
}

func (e *Executor) executePrivate(t *tx.Transaction, w *ledger.Working) (*Result, error) {
	p := t.Private
	if !e.runtime.Known(t.ProgramID, w) {
		return nil, fmt.Errorf("%w: %s", ledgercore.ErrUnknownProgram, t.ProgramID)
	}
	if !w.KnownRoot(p.Root) {
		return nil, fmt.Errorf("%w: %s", ledgercore.ErrStaleRoot, p.Root)
	}

	// Nullifiers are checked before the proof so a replayed update reports the
	// reuse rather than a proof failure.
	seen := make(map[privacy.Nullifier]bool, len(p.Outputs))
	var nullifiers []privacy.Nullifier
	for _, o := range p.Outputs {
		if o.Mode() != privacy.SlotUpdate {
			continue
		}
		if seen[o.Nullifier] || w.HasNullifier(o.Nullifier) {
			return nil, fmt.Errorf("%w: %s", ledgercore.ErrNullifierReused, o.Nullifier)
		}
		seen[o.Nullifier] = true
		nullifiers = append(nullifiers, o.Nullifier)
	}

	pre, err := loadTouched(t, w)
	if err != nil {
		return nil, err
	}
	preStates := make([]account.Account, len(pre))
	for i := range pre {
		preStates[i] = pre[i].Account
	}
	stmt, err := t.Statement(preStates)
	if err != nil {
		return nil, err
	}
	if err := e.verifier.Verify(stmt, p.Proof); err != nil {
		return nil, err
	}

	if err := runtime.CheckPublicDeltas(t.ProgramID, pre, p.PublicPost); err != nil {
		return nil, err
	}
	for i := range pre {
		if p.PublicPost[i].Balance.Lt(&pre[i].Account.Balance) && !pre[i].IsAuthorized {
			return nil, fmt.Errorf("%w: debit of %s without its signature", ledgercore.ErrUnauthorized, pre[i].ID)
		}
	}

	if err := writePost(t, w, pre, p.PublicPost); err != nil {
		return nil, err
	}
	for _, nf := range nullifiers {
		if err := w.InsertNullifier(nf); err != nil {
			return nil, err
		}
	}
	res := &Result{Mode: t.Mode, ProgramID: t.ProgramID, Touched: t.AccountsTouched, Nullifiers: nullifiers}
	for _, o := range p.Outputs {
		res.Commitments = append(res.Commitments, w.AppendCommitment(o.Commitment))
	}
	return res, nil
}

func (e *Executor) deploy(t *tx.Transaction, w *ledger.Working) (*Result, error) {
	if e.runtime.IsBuiltin(t.ProgramID) {
		return nil, fmt.Errorf("%w: %s is built in", ledgercore.ErrProgramExists, t.ProgramID)
	}
	if _, err := runtime.Compile(t.Bytecode); err != nil {
		return nil, err
	}
	if err := w.PutProgram(t.ProgramID, t.Bytecode); err != nil {
		return nil, err
	}
	return &Result{Mode: t.Mode, ProgramID: t.ProgramID}, nil
}
