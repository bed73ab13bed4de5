package ledger

import (
	"bytes"
	"fmt"
	"sort"

	"shieldledger/internal/account"
	"shieldledger/internal/ledgercore"
	"shieldledger/internal/privacy"
)

// Working is a copy-on-write view over a committed State. Block building
// executes every transaction in a child of the block's Working and merges it back
// only when the transaction succeeds, so a rejected transaction leaves nothing
// behind.
type Working struct {
	base   *State
	parent *Working

	accounts    map[account.ID]account.Account
	nullifiers  map[privacy.Nullifier]struct{}
	programs    map[account.ProgramID][]byte
	commitments []privacy.Commitment
}

func newWorking(base *State, parent *Working) *Working {
	return &Working{
		base:       base,
		parent:     parent,
		accounts:   make(map[account.ID]account.Account),
		nullifiers: make(map[privacy.Nullifier]struct{}),
		programs:   make(map[account.ProgramID][]byte),
	}
}

// NewWorking starts an empty overlay on top of s.
func (s *State) NewWorking() *Working {
	return newWorking(s, nil)
}

// Base is the committed version this overlay was started from.
func (w *Working) Base() *State { return w.base }

// Child returns an overlay on top of w.
func (w *Working) Child() *Working {
	return newWorking(w.base, w)
}

// CommitToParent merges the writes of a child into its parent.
func (w *Working) CommitToParent() {
	p := w.parent
	if p == nil {
		panic("ledger: CommitToParent on a root overlay")
	}
	for id, acc := range w.accounts {
		p.accounts[id] = acc
	}
	for nf := range w.nullifiers {
		p.nullifiers[nf] = struct{}{}
	}
	for id, code := range w.programs {
		p.programs[id] = code
	}
	p.commitments = append(p.commitments, w.commitments...)
	w.accounts, w.nullifiers, w.programs, w.commitments = nil, nil, nil, nil
}

// Account returns the current value of a public account.
func (w *Working) Account(id account.ID) account.Account {
	for cur := w; cur != nil; cur = cur.parent {
		if acc, ok := cur.accounts[id]; ok {
			return acc.Clone()
		}
	}
	return w.base.Account(id)
}

// SetAccount writes a public account.
func (w *Working) SetAccount(id account.ID, acc account.Account) error {
	if !id.IsPublic() {
		return ledgercore.Malformed("account %s is not public", id)
	}
	if err := acc.Validate(); err != nil {
		return ledgercore.Malformed("%v", err)
	}
	w.accounts[id] = acc.Clone()
	return nil
}

// HasNullifier reports whether nf is published or pending.
func (w *Working) HasNullifier(nf privacy.Nullifier) bool {
	for cur := w; cur != nil; cur = cur.parent {
		if _, ok := cur.nullifiers[nf]; ok {
			return true
		}
	}
	return w.base.HasNullifier(nf)
}

// InsertNullifier records nf, failing if it was already seen.
func (w *Working) InsertNullifier(nf privacy.Nullifier) error {
	if nf.IsZero() {
		return ledgercore.Malformed("zero nullifier")
	}
	if w.HasNullifier(nf) {
		return fmt.Errorf("%w: %s", ledgercore.ErrNullifierReused, nf)
	}
	w.nullifiers[nf] = struct{}{}
	return nil
}

// AppendCommitment queues cm and returns the leaf index it will receive.
func (w *Working) AppendCommitment(cm privacy.Commitment) uint64 {
	idx := w.pendingCommitments() + w.base.commitmentCount
	w.commitments = append(w.commitments, cm)
	return idx
}

func (w *Working) pendingCommitments() uint64 {
	var n uint64
	for cur := w; cur != nil; cur = cur.parent {
		n += uint64(len(cur.commitments))
	}
	return n
}

// KnownRoot reports whether root is accepted for membership proofs.
func (w *Working) KnownRoot(root privacy.Hash) bool {
	return w.base.KnownRoot(root)
}

// Program returns deployed bytecode, including deployments pending in w.
func (w *Working) Program(id account.ProgramID) ([]byte, bool) {
	for cur := w; cur != nil; cur = cur.parent {
		if code, ok := cur.programs[id]; ok {
			return code, true
		}
	}
	return w.base.Program(id)
}

// PutProgram records a deployment.
func (w *Working) PutProgram(id account.ProgramID, code []byte) error {
	if _, ok := w.Program(id); ok {
		return fmt.Errorf("%w: %s", ledgercore.ErrProgramExists, id)
	}
	w.programs[id] = append([]byte(nil), code...)
	return nil
}

// AccountEntry is a public account write.
type AccountEntry struct {
	_       struct{} `cbor:",toarray"`
	ID      account.ID
	Account account.Account
}

// ProgramEntry is a deployment.
type ProgramEntry struct {
	_        struct{} `cbor:",toarray"`
	ID       account.ProgramID
	Bytecode []byte
}

// Delta is everything one block changes, in a deterministic order.
type Delta struct {
	Accounts        []AccountEntry
	Nullifiers      []privacy.Nullifier
	Commitments     []privacy.Commitment
	CommitmentStart uint64
	Programs        []ProgramEntry
	// Root is the commitment root after the block.
	Root privacy.Hash
}

// Empty reports whether the delta writes nothing.
func (d *Delta) Empty() bool {
	return len(d.Accounts) == 0 && len(d.Nullifiers) == 0 && len(d.Commitments) == 0 && len(d.Programs) == 0
}

// Delta collects the writes of a root overlay. Root is filled in at commit.
func (w *Working) Delta() *Delta {
	d := &Delta{
		Commitments:     append([]privacy.Commitment(nil), w.commitments...),
		CommitmentStart: w.base.commitmentCount,
	}
	for id, acc := range w.accounts {
		d.Accounts = append(d.Accounts, AccountEntry{ID: id, Account: acc.Clone()})
	}
	sort.Slice(d.Accounts, func(i, j int) bool { return d.Accounts[i].ID.Compare(d.Accounts[j].ID) < 0 })
	for nf := range w.nullifiers {
		d.Nullifiers = append(d.Nullifiers, nf)
	}
	sort.Slice(d.Nullifiers, func(i, j int) bool { return bytes.Compare(d.Nullifiers[i][:], d.Nullifiers[j][:]) < 0 })
	for id, code := range w.programs {
		d.Programs = append(d.Programs, ProgramEntry{ID: id, Bytecode: code})
	}
	sort.Slice(d.Programs, func(i, j int) bool { return bytes.Compare(d.Programs[i].ID[:], d.Programs[j].ID[:]) < 0 })
	return d
}
