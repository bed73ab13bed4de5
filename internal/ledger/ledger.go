// ledger.go - Versioned ledger state: public accounts, nullifiers, programs and
// the commitment tree.
//
// The Ledger holds the last committed State behind an atomic pointer. Readers
// take a State and never lock. The sequencer is the single writer: it builds a
// block on a Working overlay and hands it to Commit, which appends the block's
// commitments to the tree, persists the delta, and publishes the new State
// before releasing the tree. A persistence failure undoes the tree append and leaves the published
// State untouched.

package ledger

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/algorand/go-deadlock"

	"shieldledger/internal/account"
	"shieldledger/internal/privacy"
)

// ErrStaleWorking is returned when a Working overlay was started from a State
// other than the current one.
var ErrStaleWorking = errors.New("ledger: working overlay is not based on the current state")

// BlockRef identifies the block a delta belongs to.
type BlockRef struct {
	ID   uint64
	Hash [32]byte
}

// PersistFunc durably writes a block's delta. It runs after the tree has been
// extended, so d.Root is final, and before the new State becomes visible. It
// may set ref.Hash once the block header is sealed.
type PersistFunc func(ref *BlockRef, d *Delta) error

// Ledger is the authoritative ledger state.
type Ledger struct {
	writeMu deadlock.Mutex

	tree    *Tree
	current atomic.Pointer[State]
	window  int
}

// New creates an empty ledger accepting the last window roots.
func New(window int) *Ledger {
	if window <= 0 {
		window = DefaultRootHistory
	}
	l := &Ledger{tree: NewTree(), window: window}
	l.current.Store(emptyState(window))
	return l
}

// Snapshot returns the last committed State.
func (l *Ledger) Snapshot() *State {
	return l.current.Load()
}

// NewWorking starts a block overlay on the last committed State.
func (l *Ledger) NewWorking() *Working {
	return l.Snapshot().NewWorking()
}

// MembershipProof returns the latest root and the sibling path of the
// commitment at index. The root is accepted by every State published after
// the call, until it leaves the root window.
func (l *Ledger) MembershipProof(index uint64) (privacy.Hash, []privacy.Hash, error) {
	return l.tree.MembershipProof(index)
}

// Commitment returns the commitment at index.
func (l *Ledger) Commitment(index uint64) (privacy.Commitment, error) {
	return l.tree.Leaf(index)
}

// Commit applies w as block ref. persist is called with the block's delta; if it
// fails nothing changes and its error is returned.
func (l *Ledger) Commit(w *Working, ref BlockRef, persist PersistFunc) (*State, error) {
	if w.parent != nil {
		return nil, errors.New("ledger: commit of a child overlay")
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	base := l.current.Load()
	if w.base != base {
		return nil, ErrStaleWorking
	}
	if ref.ID != base.NextBlockID() {
		return nil, fmt.Errorf("ledger: committing block %d, expected %d", ref.ID, base.NextBlockID())
	}

	delta := w.Delta()

	l.tree.mu.Lock()
	undo, err := l.tree.appendLocked(delta.Commitments)
	if err != nil {
		l.tree.mu.Unlock()
		return nil, err
	}
	delta.Root = l.tree.root
	size := l.tree.size

	if persist != nil {
		if err := persist(&ref, delta); err != nil {
			l.tree.rollback(undo)
			l.tree.mu.Unlock()
			return nil, err
		}
	}

	// Published under the tree lock: a tree reader never sees a root the
	// current State does not know.
	next := l.apply(base, delta, ref, size)
	l.current.Store(next)
	l.tree.mu.Unlock()
	return next, nil
}

// apply builds the State that follows base after delta.
func (l *Ledger) apply(base *State, d *Delta, ref BlockRef, size uint64) *State {
	top := newLayer(base.top)
	for _, e := range d.Accounts {
		top.accounts[e.ID] = e.Account
	}
	for _, nf := range d.Nullifiers {
		top.nullifiers[nf] = struct{}{}
	}
	for _, p := range d.Programs {
		top.programs[p.ID] = p.Bytecode
	}
	if top.depth >= maxLayers {
		top = top.flatten()
	}
	return &State{
		top:             top,
		blocks:          ref.ID + 1,
		headHash:        ref.Hash,
		commitmentCount: size,
		root:            d.Root,
		roots:           base.roots.With(d.Root),
	}
}

// Image is a full copy of persisted ledger state, used to rebuild a Ledger on
// restart.
type Image struct {
	Blocks      uint64
	HeadHash    [32]byte
	Accounts    []AccountEntry
	Nullifiers  []privacy.Nullifier
	Commitments []privacy.Commitment
	Programs    []ProgramEntry
	// Roots are the per-block roots, oldest first.
	Roots []privacy.Hash
}

// Restore rebuilds a ledger from img. The rebuilt tree must reproduce the last
// persisted root.
func Restore(img *Image, window int) (*Ledger, error) {
	l := New(window)
	if img == nil || img.Blocks == 0 {
		return l, nil
	}
	if _, err := l.tree.AppendBatch(img.Commitments); err != nil {
		return nil, err
	}
	base := l.Snapshot()
	top := newLayer(nil)
	for _, e := range img.Accounts {
		top.accounts[e.ID] = e.Account
	}
	for _, nf := range img.Nullifiers {
		top.nullifiers[nf] = struct{}{}
	}
	for _, p := range img.Programs {
		top.programs[p.ID] = p.Bytecode
	}
	roots := base.roots
	for _, r := range img.Roots {
		roots = roots.With(r)
	}
	root := l.tree.Root()
	if len(img.Roots) > 0 && img.Roots[len(img.Roots)-1] != root {
		return nil, fmt.Errorf("ledger: rebuilt root %s does not match persisted root %s", root, img.Roots[len(img.Roots)-1])
	}
	l.current.Store(&State{
		top:             top,
		blocks:          img.Blocks,
		headHash:        img.HeadHash,
		commitmentCount: l.tree.Size(),
		root:            root,
		roots:           roots,
	})
	return l, nil
}

// Genesis describes the initial state committed as block 0.
type Genesis struct {
	Accounts    []AccountEntry
	Commitments []privacy.Commitment
	Programs    []ProgramEntry
}

// Apply writes the genesis state into w.
func (g *Genesis) Apply(w *Working) error {
	for _, p := range g.Programs {
		if p.ID != account.ProgramIDFromBytecode(p.Bytecode) {
			return fmt.Errorf("ledger: genesis program %s does not match its bytecode", p.ID)
		}
		if err := w.PutProgram(p.ID, p.Bytecode); err != nil {
			return err
		}
	}
	for _, e := range g.Accounts {
		if err := w.SetAccount(e.ID, e.Account); err != nil {
			return fmt.Errorf("ledger: genesis account %s: %w", e.ID, err)
		}
	}
	for _, cm := range g.Commitments {
		w.AppendCommitment(cm)
	}
	return nil
}
