package ledger

import "shieldledger/internal/privacy"

// DefaultRootHistory is the number of recent roots accepted by default.
const DefaultRootHistory = 100

// RootHistory is an immutable window of the most recent commitment roots.
type RootHistory struct {
	size  int
	roots []privacy.Hash
	index map[privacy.Hash]int
}

// NewRootHistory creates an empty window holding up to size roots.
func NewRootHistory(size int) *RootHistory {
	if size <= 0 {
		size = DefaultRootHistory
	}
	return &RootHistory{size: size, index: make(map[privacy.Hash]int)}
}

// With returns a window with root appended, dropping the oldest root once the
// window is full. Appending the latest root again is a no-op.
func (h *RootHistory) With(root privacy.Hash) *RootHistory {
	if n := len(h.roots); n > 0 && h.roots[n-1] == root {
		return h
	}
	roots := append(append(make([]privacy.Hash, 0, len(h.roots)+1), h.roots...), root)
	if len(roots) > h.size {
		roots = roots[len(roots)-h.size:]
	}
	next := &RootHistory{size: h.size, roots: roots, index: make(map[privacy.Hash]int, len(roots))}
	for _, r := range roots {
		next.index[r]++
	}
	return next
}

// Contains reports whether root is in the window.
func (h *RootHistory) Contains(root privacy.Hash) bool {
	return h.index[root] > 0
}

// Latest returns the newest root.
func (h *RootHistory) Latest() privacy.Hash {
	if len(h.roots) == 0 {
		return EmptyRoot()
	}
	return h.roots[len(h.roots)-1]
}

// List returns the roots oldest first.
func (h *RootHistory) List() []privacy.Hash {
	return append([]privacy.Hash(nil), h.roots...)
}

func (h *RootHistory) Len() int { return len(h.roots) }
