package ledger

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"shieldledger/internal/account"
	"shieldledger/internal/ledgercore"
	"shieldledger/internal/privacy"
)

var transferProgram = account.ProgramID{0x01}

func leaf(b byte) privacy.Commitment {
	return privacy.HashElements(privacy.Hash{b})
}

func publicID(t *testing.T, seed byte) account.ID {
	t.Helper()
	var s [ed25519.SeedSize]byte
	s[0] = seed
	return account.PublicID(ed25519.NewKeyFromSeed(s[:]).Public().(ed25519.PublicKey))
}

func TestTree(t *testing.T) {
	tree := NewTree()
	require.Equal(t, EmptyRoot(), tree.Root())

	t.Run("indices follow append order", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			idx, err := tree.Append(leaf(byte(i)))
			require.NoError(t, err)
			require.Equal(t, uint64(i), idx)
		}
		start, err := tree.AppendBatch([]privacy.Commitment{leaf(5), leaf(6)})
		require.NoError(t, err)
		require.Equal(t, uint64(5), start)
		require.Equal(t, uint64(7), tree.Size())
	})

	t.Run("membership proofs fold to the root", func(t *testing.T) {
		for i := uint64(0); i < tree.Size(); i++ {
			root, siblings, err := tree.MembershipProof(i)
			require.NoError(t, err)
			require.Len(t, siblings, TreeDepth)
			cm, err := tree.Leaf(i)
			require.NoError(t, err)
			require.Equal(t, root, privacy.RootFromPath(cm, i, siblings))
		}
		_, _, err := tree.MembershipProof(tree.Size())
		require.Error(t, err)
	})

	t.Run("root is order dependent", func(t *testing.T) {
		a, b := NewTree(), NewTree()
		_, _ = a.AppendBatch([]privacy.Commitment{leaf(1), leaf(2)})
		_, _ = b.AppendBatch([]privacy.Commitment{leaf(2), leaf(1)})
		require.NotEqual(t, a.Root(), b.Root())
	})

	t.Run("rollback restores the previous tree", func(t *testing.T) {
		before := tree.Root()
		size := tree.Size()
		_, siblingsBefore, err := tree.MembershipProof(size - 1)
		require.NoError(t, err)

		tree.mu.Lock()
		undo, err := tree.appendLocked([]privacy.Commitment{leaf(9), leaf(10), leaf(11)})
		require.NoError(t, err)
		require.NotEqual(t, before, tree.root)
		tree.rollback(undo)
		tree.mu.Unlock()

		require.Equal(t, before, tree.Root())
		require.Equal(t, size, tree.Size())
		_, siblingsAfter, err := tree.MembershipProof(size - 1)
		require.NoError(t, err)
		require.Equal(t, siblingsBefore, siblingsAfter)
	})
}

func TestRootHistory(t *testing.T) {
	h := NewRootHistory(3)
	for i := byte(1); i <= 4; i++ {
		h = h.With(leaf(i))
	}
	require.Equal(t, 3, h.Len())
	require.False(t, h.Contains(leaf(1)))
	require.True(t, h.Contains(leaf(2)))
	require.Equal(t, leaf(4), h.Latest())

	same := h.With(leaf(4))
	require.Equal(t, 3, same.Len())
	require.True(t, same.Contains(leaf(2)))
}

func TestWorking(t *testing.T) {
	l := New(10)
	alice := publicID(t, 1)

	t.Run("child writes merge only on commit", func(t *testing.T) {
		w := l.NewWorking()
		child := w.Child()
		require.NoError(t, child.SetAccount(alice, account.NewAccount(transferProgram, 10)))
		require.NoError(t, child.InsertNullifier(leaf(1)))
		require.Equal(t, uint64(0), child.AppendCommitment(leaf(2)))

		discarded := w.Child()
		require.NoError(t, discarded.SetAccount(alice, account.NewAccount(transferProgram, 99)))

		before := w.Account(alice)
		require.True(t, before.IsDefault())
		child.CommitToParent()
		got := w.Account(alice)
		require.Equal(t, uint64(10), got.Balance.Uint64())
		require.True(t, w.HasNullifier(leaf(1)))
		require.Equal(t, uint64(1), w.AppendCommitment(leaf(3)))
	})

	t.Run("nullifier reuse", func(t *testing.T) {
		w := l.NewWorking()
		require.NoError(t, w.InsertNullifier(leaf(7)))
		child := w.Child()
		require.ErrorIs(t, child.InsertNullifier(leaf(7)), ledgercore.ErrNullifierReused)
		require.ErrorIs(t, w.InsertNullifier(privacy.Hash{}), ledgercore.ErrMalformedTransaction)
	})

	t.Run("private accounts are never stored", func(t *testing.T) {
		w := l.NewWorking()
		require.Error(t, w.SetAccount(account.PrivateID([]byte("npk")), account.Account{}))
	})

	t.Run("program deployed once", func(t *testing.T) {
		w := l.NewWorking()
		code := []byte("function main() {}")
		id := account.ProgramIDFromBytecode(code)
		require.NoError(t, w.PutProgram(id, code))
		require.ErrorIs(t, w.Child().PutProgram(id, code), ledgercore.ErrProgramExists)
	})
}

func TestCommit(t *testing.T) {
	l := New(2)
	alice, bob := publicID(t, 1), publicID(t, 2)

	genesis := &Genesis{Accounts: []AccountEntry{{ID: alice, Account: account.NewAccount(transferProgram, 150)}}}
	w := l.NewWorking()
	require.NoError(t, genesis.Apply(w))
	var persisted []*Delta
	persist := func(ref *BlockRef, d *Delta) error {
		persisted = append(persisted, d)
		return nil
	}
	s0, err := l.Commit(w, BlockRef{ID: 0}, persist)
	require.NoError(t, err)
	id, _, ok := s0.Head()
	require.True(t, ok)
	require.Equal(t, uint64(0), id)

	t.Run("readers keep their version", func(t *testing.T) {
		w := l.NewWorking()
		require.NoError(t, w.SetAccount(alice, account.NewAccount(transferProgram, 113)))
		require.NoError(t, w.SetAccount(bob, account.NewAccount(transferProgram, 37)))
		require.NoError(t, w.InsertNullifier(leaf(1)))
		w.AppendCommitment(leaf(2))

		s1, err := l.Commit(w, BlockRef{ID: 1, Hash: [32]byte{1}}, persist)
		require.NoError(t, err)

		acc := s0.Account(alice)
		require.Equal(t, uint64(150), acc.Balance.Uint64())
		acc = s1.Account(bob)
		require.Equal(t, uint64(37), acc.Balance.Uint64())
		require.True(t, s1.HasNullifier(leaf(1)))
		require.False(t, s0.HasNullifier(leaf(1)))
		require.Equal(t, uint64(1), s1.CommitmentCount())
		require.True(t, s1.KnownRoot(s1.Root()))
		require.True(t, s1.KnownRoot(s0.Root()))
		require.Equal(t, s1.Root(), persisted[len(persisted)-1].Root)
	})

	t.Run("tree readers see published roots", func(t *testing.T) {
		w := l.NewWorking()
		w.AppendCommitment(leaf(9))
		known := make(chan bool, 1)
		s2, err := l.Commit(w, BlockRef{ID: 2}, func(*BlockRef, *Delta) error {
			go func() {
				root, _, err := l.MembershipProof(0)
				known <- err == nil && l.Snapshot().KnownRoot(root)
			}()
			return nil
		})
		require.NoError(t, err)
		require.True(t, <-known)
		root, _, err := l.MembershipProof(1)
		require.NoError(t, err)
		require.Equal(t, s2.Root(), root)
	})

	t.Run("failed persistence changes nothing", func(t *testing.T) {
		before := l.Snapshot()
		w := l.NewWorking()
		require.NoError(t, w.InsertNullifier(leaf(3)))
		w.AppendCommitment(leaf(4))
		boom := errors.New("disk gone")
		_, err := l.Commit(w, BlockRef{ID: before.NextBlockID()}, func(*BlockRef, *Delta) error { return boom })
		require.ErrorIs(t, err, boom)
		require.Same(t, before, l.Snapshot())
		require.Equal(t, before.Root(), l.tree.Root())
		require.False(t, l.Snapshot().HasNullifier(leaf(3)))
	})

	t.Run("stale overlay rejected", func(t *testing.T) {
		stale := l.NewWorking()
		fresh := l.NewWorking()
		next := l.Snapshot().NextBlockID()
		_, err := l.Commit(fresh, BlockRef{ID: next}, nil)
		require.NoError(t, err)
		_, err = l.Commit(stale, BlockRef{ID: next + 1}, nil)
		require.ErrorIs(t, err, ErrStaleWorking)
	})

	t.Run("root window evicts old roots", func(t *testing.T) {
		first := l.Snapshot().Root()
		for i := byte(0); i < 3; i++ {
			w := l.NewWorking()
			w.AppendCommitment(leaf(50 + i))
			_, err := l.Commit(w, BlockRef{ID: l.Snapshot().NextBlockID()}, nil)
			require.NoError(t, err)
		}
		require.False(t, l.Snapshot().KnownRoot(first))
	})
}

func TestLayerFlattening(t *testing.T) {
	l := New(DefaultRootHistory)
	alice := publicID(t, 1)
	for i := 0; i < maxLayers+5; i++ {
		w := l.NewWorking()
		require.NoError(t, w.SetAccount(alice, account.NewAccount(transferProgram, uint64(i+1))))
		require.NoError(t, w.InsertNullifier(leaf(byte(i+1))))
		_, err := l.Commit(w, BlockRef{ID: uint64(i)}, nil)
		require.NoError(t, err)
	}
	s := l.Snapshot()
	require.Less(t, s.top.depth, maxLayers)
	acc := s.Account(alice)
	require.Equal(t, uint64(maxLayers+5), acc.Balance.Uint64())
	require.True(t, s.HasNullifier(leaf(1)))
}

func TestRestore(t *testing.T) {
	l := New(10)
	alice := publicID(t, 1)
	var img Image
	persist := func(ref *BlockRef, d *Delta) error {
		img.Blocks = ref.ID + 1
		img.HeadHash = ref.Hash
		img.Accounts = append(img.Accounts, d.Accounts...)
		img.Nullifiers = append(img.Nullifiers, d.Nullifiers...)
		img.Commitments = append(img.Commitments, d.Commitments...)
		img.Roots = append(img.Roots, d.Root)
		return nil
	}
	for i := byte(0); i < 3; i++ {
		w := l.NewWorking()
		require.NoError(t, w.SetAccount(alice, account.NewAccount(transferProgram, uint64(i)+1)))
		w.AppendCommitment(leaf(i))
		_, err := l.Commit(w, BlockRef{ID: uint64(i), Hash: [32]byte{i}}, persist)
		require.NoError(t, err)
	}

	restored, err := Restore(&img, 10)
	require.NoError(t, err)
	s := restored.Snapshot()
	require.Equal(t, l.Snapshot().Root(), s.Root())
	require.Equal(t, uint64(3), s.NextBlockID())
	require.Equal(t, uint64(3), s.CommitmentCount())
	require.True(t, s.KnownRoot(img.Roots[0]))

	img.Roots[len(img.Roots)-1] = leaf(99)
	_, err = Restore(&img, 10)
	require.Error(t, err)
}
