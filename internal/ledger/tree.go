package ledger

import (
	"fmt"

	"github.com/algorand/go-deadlock"

	"shieldledger/internal/privacy"
)

const (
	// TreeDepth is the depth of the commitment tree.
	TreeDepth = privacy.TreeDepth

	// MaxTreeSize is the maximum number of leaves.
	MaxTreeSize = 1 << TreeDepth
)

var zeroHashes = func() [TreeDepth + 1]privacy.Hash {
	var z [TreeDepth + 1]privacy.Hash
	for i := 1; i <= TreeDepth; i++ {
		z[i] = privacy.HashPair(z[i-1], z[i-1])
	}
	return z
}()

// EmptyRoot is the root of a tree with no leaves.
func EmptyRoot() privacy.Hash { return zeroHashes[TreeDepth] }

// Tree is an append-only incremental Merkle tree of commitments. Leaf indices
// are assigned in append order and never change.
type Tree struct {
	mu deadlock.RWMutex

	root privacy.Hash
	size uint64

	// nodes[level][index]; level 0 holds the leaves
	nodes [TreeDepth]map[uint64]privacy.Hash
}

// nodeEdit is one overwritten node, kept so a failed commit can be undone.
type nodeEdit struct {
	level   int
	index   uint64
	prev    privacy.Hash
	existed bool
}

// treeUndo restores a tree to its state before an append.
type treeUndo struct {
	root  privacy.Hash
	size  uint64
	edits []nodeEdit
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	t := &Tree{root: EmptyRoot()}
	for i := range t.nodes {
		t.nodes[i] = make(map[uint64]privacy.Hash)
	}
	return t
}

// Root returns the current root.
func (t *Tree) Root() privacy.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Size returns the number of leaves.
func (t *Tree) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Append adds a single commitment and returns its leaf index.
func (t *Tree) Append(cm privacy.Commitment) (uint64, error) {
	return t.AppendBatch([]privacy.Commitment{cm})
}

// AppendBatch adds commitments in order and returns the index of the first.
func (t *Tree) AppendBatch(cms []privacy.Commitment) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := t.size
	if _, err := t.appendLocked(cms); err != nil {
		return 0, err
	}
	return start, nil
}

func (t *Tree) appendLocked(cms []privacy.Commitment) (*treeUndo, error) {
	if t.size+uint64(len(cms)) > MaxTreeSize {
		return nil, fmt.Errorf("ledger: tree capacity exceeded: current=%d, adding=%d, max=%d",
			t.size, len(cms), MaxTreeSize)
	}
	undo := &treeUndo{root: t.root, size: t.size}
	for _, cm := range cms {
		t.updatePath(t.size, cm, undo)
		t.size++
	}
	return undo, nil
}

func (t *Tree) set(level int, index uint64, h privacy.Hash, undo *treeUndo) {
	prev, existed := t.nodes[level][index]
	if undo != nil {
		undo.edits = append(undo.edits, nodeEdit{level: level, index: index, prev: prev, existed: existed})
	}
	t.nodes[level][index] = h
}

// updatePath stores the leaf and recomputes its ancestors up to the root.
func (t *Tree) updatePath(index uint64, leaf privacy.Hash, undo *treeUndo) {
	cur := leaf
	idx := index
	for level := 0; level < TreeDepth; level++ {
		t.set(level, idx, cur, undo)
		if idx%2 == 0 {
			cur = privacy.HashPair(cur, t.nodeAt(level, idx+1))
		} else {
			cur = privacy.HashPair(t.nodeAt(level, idx-1), cur)
		}
		idx /= 2
	}
	t.root = cur
}

func (t *Tree) nodeAt(level int, index uint64) privacy.Hash {
	if h, ok := t.nodes[level][index]; ok {
		return h
	}
	return zeroHashes[level]
}

// rollback undoes an append in reverse order.
func (t *Tree) rollback(undo *treeUndo) {
	for i := len(undo.edits) - 1; i >= 0; i-- {
		e := undo.edits[i]
		if e.existed {
			t.nodes[e.level][e.index] = e.prev
		} else {
			delete(t.nodes[e.level], e.index)
		}
	}
	t.root = undo.root
	t.size = undo.size
}

// Leaf returns the commitment at index.
func (t *Tree) Leaf(index uint64) (privacy.Commitment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index >= t.size {
		return privacy.Hash{}, fmt.Errorf("ledger: leaf %d out of bounds (size=%d)", index, t.size)
	}
	return t.nodes[0][index], nil
}

// MembershipProof returns the current root and the sibling path of the leaf at
// index, ordered from the leaf level upwards.
func (t *Tree) MembershipProof(index uint64) (privacy.Hash, []privacy.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index >= t.size {
		return privacy.Hash{}, nil, fmt.Errorf("ledger: leaf %d out of bounds (size=%d)", index, t.size)
	}
	siblings := make([]privacy.Hash, TreeDepth)
	idx := index
	for level := 0; level < TreeDepth; level++ {
		siblings[level] = t.nodeAt(level, idx^1)
		idx /= 2
	}
	return t.root, siblings, nil
}
