package wallet

import (
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shieldledger/internal/account"
	"shieldledger/internal/block"
	"shieldledger/internal/ledger"
	"shieldledger/internal/privacy"
	"shieldledger/internal/runtime"
	"shieldledger/internal/transactions/private"
	"shieldledger/internal/tx"
)

type chain struct {
	key    ed25519.PrivateKey
	blocks []*block.Block
	fail   map[uint64]error
}

func (c *chain) Head(ctx context.Context) (uint64, error) {
	if len(c.blocks) == 0 {
		return 0, ErrNoBlocks
	}
	return uint64(len(c.blocks) - 1), nil
}

func (c *chain) Block(ctx context.Context, id uint64) (*block.Block, error) {
	if err := c.fail[id]; err != nil {
		return nil, err
	}
	if id >= uint64(len(c.blocks)) {
		return nil, errors.New("no such block")
	}
	return c.blocks[id], nil
}

func (c *chain) add(t *testing.T, cmStart uint64, txs ...*tx.Transaction) {
	t.Helper()
	b := &block.Block{Header: block.Header{ID: uint64(len(c.blocks)), CommitmentStart: cmStart}}
	if n := len(c.blocks); n > 0 {
		h, err := c.blocks[n-1].Header.Hash()
		require.NoError(t, err)
		b.Header.PrevHash = h
	}
	for _, x := range txs {
		b.Transactions = append(b.Transactions, *x)
	}
	require.NoError(t, b.Sign(c.key))
	c.blocks = append(c.blocks, b)
}

// fixture builds a chain: genesis, a shield of 17 to keys, then an update of
// that version sending 5 back to the public account.
type fixture struct {
	chain  *chain
	keys   *privacy.AccountKeys
	shield *tx.Transaction
	update *tx.Transaction
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rt, err := runtime.NewAdapter(4, time.Second)
	require.NoError(t, err)
	oracle := privacy.NewDevOracle([]byte("wallet"))
	l := ledger.New(10)

	var seed [ed25519.SeedSize]byte
	seed[0] = 5
	bobKey := ed25519.NewKeyFromSeed(seed[:])
	bob := account.PublicID(bobKey.Public().(ed25519.PublicKey))
	w := l.NewWorking()
	require.NoError(t, (&ledger.Genesis{Accounts: []ledger.AccountEntry{
		{ID: bob, Account: account.NewAccount(runtime.AuthTransferID, 37)},
	}}).Apply(w))
	_, err = l.Commit(w, ledger.BlockRef{ID: 0}, nil)
	require.NoError(t, err)

	keys, err := privacy.NewAccountKeys()
	require.NoError(t, err)
	shield, outs, err := private.NewBuilder(rt, l.Snapshot(), oracle).Build(&private.Request{
		ProgramID:   runtime.AuthTransferID,
		Instruction: runtime.EncodeAmountUint64(17),
		Accounts: []private.Input{
			{Public: &private.PublicInput{ID: bob, Account: l.Snapshot().Account(bob), Key: bobKey}},
			{Private: &private.PrivateInput{Npk: keys.Nullifier.Public, Viewing: keys.Viewing.Pk}},
		},
		Root: l.Snapshot().Root(),
	})
	require.NoError(t, err)

	tree := ledger.NewTree()
	_, err = tree.Append(outs[0].Commitment)
	require.NoError(t, err)
	root, siblings, err := tree.MembershipProof(0)
	require.NoError(t, err)
	note := outs[0].Note
	update, _, err := private.NewBuilder(rt, l.Snapshot(), oracle).Build(&private.Request{
		ProgramID:   runtime.AuthTransferID,
		Instruction: runtime.EncodeAmountUint64(5),
		Accounts: []private.Input{
			{Private: &private.PrivateInput{
				Npk: keys.Nullifier.Public, Viewing: keys.Viewing.Pk,
				Current: &note, Nsk: keys.Nullifier.Secret,
				LeafIndex: 0, Siblings: siblings, Authorized: true,
			}},
			{Public: &private.PublicInput{ID: bob, Account: l.Snapshot().Account(bob)}},
		},
		Root: root,
	})
	require.NoError(t, err)

	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	c := &chain{key: key}
	c.add(t, 0)
	c.add(t, 0, shield)
	c.add(t, 1, update)
	return &fixture{chain: c, keys: keys, shield: shield, update: update}
}

func TestSync(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "wallet", "wallet.json")
	s, err := Open(path, f.chain, Options{Proposer: f.chain.key.Public().(ed25519.PublicKey)})
	require.NoError(t, err)
	require.NoError(t, s.AddKeys(f.keys))

	_, ok := s.LastSyncedBlock()
	require.False(t, ok)

	require.NoError(t, s.SyncTo(context.Background(), 1))
	last, ok := s.LastSyncedBlock()
	require.True(t, ok)
	require.Equal(t, uint64(1), last)
	recs := s.Unspent()
	require.Len(t, recs, 1)
	require.Equal(t, uint64(17), recs[0].Note.Account.Balance.Uint64())
	require.Equal(t, uint64(0), recs[0].LeafIndex)
	require.Equal(t, f.keys.AccountID(), recs[0].AccountID)
	require.Equal(t, f.shield.Private.Outputs[0].Commitment, recs[0].Commitment)

	require.NoError(t, s.SyncHead(context.Background()))
	recs = s.Records()
	require.Len(t, recs, 2)
	require.True(t, recs[0].Spent)
	require.Equal(t, uint64(2), recs[0].SpentIn)
	unspent := s.Unspent()
	require.Len(t, unspent, 1)
	require.Equal(t, uint64(12), unspent[0].Note.Account.Balance.Uint64())
	require.Equal(t, uint64(1), unspent[0].LeafIndex)

	t.Run("reopen keeps progress", func(t *testing.T) {
		again, err := Open(path, f.chain, Options{})
		require.NoError(t, err)
		last, ok := again.LastSyncedBlock()
		require.True(t, ok)
		require.Equal(t, uint64(2), last)
		require.Len(t, again.Unspent(), 1)
		require.NoError(t, again.SyncHead(context.Background()))
		require.Len(t, again.Records(), 2)

		f.chain.fail = map[uint64]error{0: errors.New("offline"), 1: errors.New("offline"), 2: errors.New("offline")}
		defer func() { f.chain.fail = nil }()
		require.NoError(t, again.SyncTo(context.Background(), 1))
		require.NoError(t, again.SyncTo(context.Background(), 2))
		last, _ = again.LastSyncedBlock()
		require.Equal(t, uint64(2), last)
		require.Len(t, again.Records(), 2)
	})
}

func TestSyncStopsAtFailure(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "wallet.json")
	f.chain.fail = map[uint64]error{2: errors.New("connection reset")}
	s, err := Open(path, f.chain, Options{})
	require.NoError(t, err)
	require.NoError(t, s.AddKeys(f.keys))

	require.Error(t, s.SyncHead(context.Background()))
	last, ok := s.LastSyncedBlock()
	require.True(t, ok)
	require.Equal(t, uint64(1), last)

	onDisk, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(1), onDisk.LastSyncedBlock)
	require.Len(t, onDisk.Records, 1)

	delete(f.chain.fail, 2)
	require.NoError(t, s.SyncHead(context.Background()))
	require.Len(t, s.Unspent(), 1)
}

func TestSyncRejectsForeignBlocks(t *testing.T) {
	f := newFixture(t)
	_, other, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s, err := Open(filepath.Join(t.TempDir(), "w.json"), f.chain, Options{Proposer: other.Public().(ed25519.PublicKey)})
	require.NoError(t, err)
	require.Error(t, s.SyncTo(context.Background(), 0))
	_, ok := s.LastSyncedBlock()
	require.False(t, ok)
}

func TestSyncHonorsContext(t *testing.T) {
	f := newFixture(t)
	s, err := Open(filepath.Join(t.TempDir(), "w.json"), f.chain, Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.SyncTo(ctx, 2), context.Canceled)
}

func TestForeignKeysSeeNothing(t *testing.T) {
	f := newFixture(t)
	stranger, err := privacy.NewAccountKeys()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "w.json")
	s, err := Open(path, f.chain, Options{})
	require.NoError(t, err)
	require.NoError(t, s.AddKeys(stranger, stranger))
	require.NoError(t, s.SyncHead(context.Background()))
	require.Empty(t, s.Records())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"last_synced_block": 2`)
	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Keys, 1)
}
