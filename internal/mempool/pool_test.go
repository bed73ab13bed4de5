package mempool

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"shieldledger/internal/account"
	"shieldledger/internal/ledgercore"
	"shieldledger/internal/logging"
	"shieldledger/internal/transactions/public"
	"shieldledger/internal/tx"
)

type fakeIndex struct {
	mu  sync.Mutex
	ids map[tx.Fingerprint]uint64
	err error
}

func (f *fakeIndex) TxBlock(fp tx.Fingerprint) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, false, f.err
	}
	id, ok := f.ids[fp]
	return id, ok, nil
}

func transfer(t *testing.T, nonce uint64) *tx.Transaction {
	t.Helper()
	var seed [ed25519.SeedSize]byte
	seed[0] = 9
	key := ed25519.NewKeyFromSeed(seed[:])
	tr, err := public.Transfer(public.Signer{Key: key, Nonce: *uint256.NewInt(nonce)}, account.ID{Tag: account.TagPublic, Value: [32]byte{1}}, uint256.NewInt(1))
	require.NoError(t, err)
	return tr
}

func fingerprint(t *testing.T, x *tx.Transaction) tx.Fingerprint {
	fp, err := x.Fingerprint()
	require.NoError(t, err)
	return fp
}

func newPool(t *testing.T, cfg Config, index InclusionIndex, pre PreCheck) *Pool {
	t.Helper()
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 16
	}
	p, err := New(cfg, index, pre, logging.Discard(), nil)
	require.NoError(t, err)
	return p
}

func TestAdmit(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		p := newPool(t, Config{}, nil, nil)
		a, fp, err := p.Admit(transfer(t, 0))
		require.NoError(t, err)
		require.Equal(t, Accepted, a)

		a, fp2, err := p.Admit(transfer(t, 0))
		require.NoError(t, err)
		require.Equal(t, AlreadyPending, a)
		require.Equal(t, fp, fp2)
		require.Equal(t, 1, p.Len())

		drained := p.Drain(10)
		require.Len(t, drained, 1)
		a, _, err = p.Admit(transfer(t, 0))
		require.NoError(t, err)
		require.Equal(t, AlreadyPending, a)

		p.MarkIncluded([]tx.Fingerprint{fp}, 5)
		a, _, err = p.Admit(transfer(t, 0))
		require.NoError(t, err)
		require.Equal(t, AlreadyIncluded, a)
		require.Zero(t, p.Len())

		st, err := p.Status(fp)
		require.NoError(t, err)
		require.Equal(t, Status{State: Included, BlockID: 5}, st)
	})

	t.Run("included on chain", func(t *testing.T) {
		x := transfer(t, 1)
		idx := &fakeIndex{ids: map[tx.Fingerprint]uint64{fingerprint(t, x): 3}}
		p := newPool(t, Config{}, idx, func(*tx.Transaction) error {
			t.Fatal("precheck must not run for included transactions")
			return nil
		})
		a, _, err := p.Admit(x)
		require.NoError(t, err)
		require.Equal(t, AlreadyIncluded, a)
		st, err := p.Status(fingerprint(t, x))
		require.NoError(t, err)
		require.Equal(t, uint64(3), st.BlockID)
	})

	t.Run("index unavailable", func(t *testing.T) {
		idx := &fakeIndex{err: &ledgercore.StoreError{Op: "get", Err: errors.New("closed")}}
		p := newPool(t, Config{}, idx, nil)
		_, _, err := p.Admit(transfer(t, 1))
		require.ErrorIs(t, err, ledgercore.ErrStoreUnavailable)
	})

	t.Run("precheck rejection", func(t *testing.T) {
		p := newPool(t, Config{}, nil, func(*tx.Transaction) error { return ledgercore.ErrUnknownProgram })
		_, _, err := p.Admit(transfer(t, 0))
		require.ErrorIs(t, err, ledgercore.ErrUnknownProgram)
		require.Zero(t, p.Len())
	})

	t.Run("full", func(t *testing.T) {
		p := newPool(t, Config{MaxSize: 2}, nil, nil)
		for i := uint64(0); i < 2; i++ {
			_, _, err := p.Admit(transfer(t, i))
			require.NoError(t, err)
		}
		_, _, err := p.Admit(transfer(t, 2))
		require.ErrorIs(t, err, ledgercore.ErrPoolFull)
		// in-flight transactions still count
		p.Drain(2)
		_, _, err = p.Admit(transfer(t, 2))
		require.ErrorIs(t, err, ledgercore.ErrPoolFull)
	})

	t.Run("concurrent resubmission", func(t *testing.T) {
		p := newPool(t, Config{}, nil, nil)
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
		)
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a, _, err := p.Admit(transfer(t, 7))
				require.NoError(t, err)
				if a == Accepted {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, accepted)
		require.Equal(t, 1, p.Len())
	})
}

func TestDrainOrder(t *testing.T) {
	t.Run("fifo", func(t *testing.T) {
		p := newPool(t, Config{}, nil, nil)
		var fps []tx.Fingerprint
		for i := uint64(0); i < 4; i++ {
			_, fp, err := p.Admit(transfer(t, i))
			require.NoError(t, err)
			fps = append(fps, fp)
		}
		first := p.Drain(2)
		require.Equal(t, fps[0], fingerprint(t, first[0]))
		require.Equal(t, fps[1], fingerprint(t, first[1]))

		p.Requeue([]tx.Fingerprint{fps[1]})
		_, _, err := p.Admit(transfer(t, 9))
		require.NoError(t, err)
		next := p.Drain(10)
		require.Len(t, next, 4)
		require.Equal(t, fps[1], fingerprint(t, next[0]))
		require.Equal(t, fps[2], fingerprint(t, next[1]))
	})

	t.Run("priority", func(t *testing.T) {
		p := newPool(t, Config{Priority: func(x *tx.Transaction) int64 {
			return int64(x.Nonces[0].Uint64())
		}}, nil, nil)
		for _, n := range []uint64{1, 3, 2} {
			_, _, err := p.Admit(transfer(t, n))
			require.NoError(t, err)
		}
		out := p.Drain(3)
		require.Equal(t, uint64(3), out[0].Nonces[0].Uint64())
		require.Equal(t, uint64(2), out[1].Nonces[0].Uint64())
		require.Equal(t, uint64(1), out[2].Nonces[0].Uint64())
	})

	t.Run("fingerprint tie break", func(t *testing.T) {
		h := entryHeap{
			{fp: tx.Fingerprint{2}, seq: 1},
			{fp: tx.Fingerprint{1}, seq: 1},
		}
		require.True(t, h.Less(1, 0))
		require.True(t, bytes.Compare(h[1].fp[:], h[0].fp[:]) < 0)
	})
}

func TestMarkFailed(t *testing.T) {
	p := newPool(t, Config{}, nil, nil)
	_, fp, err := p.Admit(transfer(t, 0))
	require.NoError(t, err)
	p.Drain(1)
	p.MarkFailed(fp, ledgercore.ErrNullifierReused)
	st, err := p.Status(fp)
	require.NoError(t, err)
	require.Equal(t, Status{State: Failed, Reason: "nullifier_reused"}, st)
	require.Zero(t, p.Len())

	// a failed fingerprint may be admitted again
	a, _, err := p.Admit(transfer(t, 0))
	require.NoError(t, err)
	require.Equal(t, Accepted, a)
	st, err = p.Status(fp)
	require.NoError(t, err)
	require.Equal(t, Pending, st.State)

	st, err = p.Status(tx.Fingerprint{0xff})
	require.NoError(t, err)
	require.Equal(t, Unknown, st.State)
}
