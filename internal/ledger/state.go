package ledger

import (
	"shieldledger/internal/account"
	"shieldledger/internal/privacy"
)

// maxLayers bounds the length of a State's layer chain; longer chains are
// flattened into a single base layer on publish.
const maxLayers = 32

// layer holds the public state written by one block. Layers are immutable once
// their State is published.
type layer struct {
	parent     *layer
	depth      int
	accounts   map[account.ID]account.Account
	nullifiers map[privacy.Nullifier]struct{}
	programs   map[account.ProgramID][]byte
}

func newLayer(parent *layer) *layer {
	l := &layer{
		parent:     parent,
		accounts:   make(map[account.ID]account.Account),
		nullifiers: make(map[privacy.Nullifier]struct{}),
		programs:   make(map[account.ProgramID][]byte),
	}
	if parent != nil {
		l.depth = parent.depth + 1
	}
	return l
}

func (l *layer) account(id account.ID) (account.Account, bool) {
	for cur := l; cur != nil; cur = cur.parent {
		if acc, ok := cur.accounts[id]; ok {
			return acc, true
		}
	}
	return account.Account{}, false
}

func (l *layer) hasNullifier(nf privacy.Nullifier) bool {
	for cur := l; cur != nil; cur = cur.parent {
		if _, ok := cur.nullifiers[nf]; ok {
			return true
		}
	}
	return false
}

func (l *layer) program(id account.ProgramID) ([]byte, bool) {
	for cur := l; cur != nil; cur = cur.parent {
		if code, ok := cur.programs[id]; ok {
			return code, true
		}
	}
	return nil, false
}

// flatten collapses the chain into one layer. Newer entries win.
func (l *layer) flatten() *layer {
	var chain []*layer
	for cur := l; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	flat := newLayer(nil)
	for i := len(chain) - 1; i >= 0; i-- {
		for id, acc := range chain[i].accounts {
			flat.accounts[id] = acc
		}
		for nf := range chain[i].nullifiers {
			flat.nullifiers[nf] = struct{}{}
		}
		for id, code := range chain[i].programs {
			flat.programs[id] = code
		}
	}
	return flat
}

// State is one committed version of the ledger. It is immutable and safe for
// concurrent readers.
type State struct {
	top *layer

	blocks          uint64
	headHash        [32]byte
	commitmentCount uint64
	root            privacy.Hash
	roots           *RootHistory
}

func emptyState(window int) *State {
	roots := NewRootHistory(window)
	roots = roots.With(EmptyRoot())
	return &State{
		top:   newLayer(nil),
		root:  EmptyRoot(),
		roots: roots,
	}
}

// Account returns the public account stored under id. Unknown ids return the
// default unclaimed account.
func (s *State) Account(id account.ID) account.Account {
	acc, _ := s.top.account(id)
	return acc.Clone()
}

// HasAccount reports whether id was ever written.
func (s *State) HasAccount(id account.ID) bool {
	_, ok := s.top.account(id)
	return ok
}

// HasNullifier reports whether nf has been published.
func (s *State) HasNullifier(nf privacy.Nullifier) bool {
	return s.top.hasNullifier(nf)
}

// Program returns the bytecode deployed under id.
func (s *State) Program(id account.ProgramID) ([]byte, bool) {
	return s.top.program(id)
}

// Blocks is the number of committed blocks, genesis included.
func (s *State) Blocks() uint64 { return s.blocks }

// Head returns the id and hash of the last committed block. ok is false before
// genesis.
func (s *State) Head() (id uint64, hash [32]byte, ok bool) {
	if s.blocks == 0 {
		return 0, [32]byte{}, false
	}
	return s.blocks - 1, s.headHash, true
}

// NextBlockID is the id the next committed block receives.
func (s *State) NextBlockID() uint64 { return s.blocks }

// CommitmentCount is the number of commitments in the tree at this version.
func (s *State) CommitmentCount() uint64 { return s.commitmentCount }

// Root is the commitment root at this version.
func (s *State) Root() privacy.Hash { return s.root }

// KnownRoot reports whether root is inside the accepted root-history window.
func (s *State) KnownRoot(root privacy.Hash) bool { return s.roots.Contains(root) }

// Roots lists the accepted roots, oldest first.
func (s *State) Roots() []privacy.Hash { return s.roots.List() }
