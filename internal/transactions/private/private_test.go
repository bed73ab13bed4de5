package private

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"shieldledger/internal/account"
	"shieldledger/internal/ledger"
	"shieldledger/internal/privacy"
	"shieldledger/internal/runtime"
)

func key(seed byte) ed25519.PrivateKey {
	var s [ed25519.SeedSize]byte
	s[0] = seed
	return ed25519.NewKeyFromSeed(s[:])
}

func idOf(k ed25519.PrivateKey) account.ID {
	return account.PublicID(k.Public().(ed25519.PublicKey))
}

type harness struct {
	builder *Builder
	oracle  *privacy.DevOracle
	root    privacy.Hash
	keys    *privacy.AccountKeys
	bob     ed25519.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rt, err := runtime.NewAdapter(4, time.Second)
	require.NoError(t, err)
	keys, err := privacy.NewAccountKeys()
	require.NoError(t, err)
	oracle := privacy.NewDevOracle([]byte("builder test"))
	state := ledger.New(4).Snapshot()
	return &harness{
		builder: NewBuilder(rt, state, oracle),
		oracle:  oracle,
		root:    state.Root(),
		keys:    keys,
		bob:     key(2),
	}
}

// shieldRequest moves 17 of bob's 37 into the harness's private account.
func (h *harness) shieldRequest() *Request {
	return &Request{
		ProgramID:   runtime.AuthTransferID,
		Instruction: runtime.EncodeAmountUint64(17),
		Accounts: []Input{
			{Public: &PublicInput{ID: idOf(h.bob), Account: account.NewAccount(runtime.AuthTransferID, 37), Key: h.bob}},
			{Private: &PrivateInput{Npk: h.keys.Nullifier.Public, Viewing: h.keys.Viewing.Pk}},
		},
		Root: h.root,
	}
}

func TestBuildShield(t *testing.T) {
	h := newHarness(t)
	stx, outs, err := h.builder.Build(h.shieldRequest())
	require.NoError(t, err)
	require.NoError(t, stx.Validate())
	require.Equal(t, []account.ID{idOf(h.bob)}, stx.AccountsTouched)
	require.Equal(t, []account.ID{idOf(h.bob)}, stx.Signers())
	require.Equal(t, h.root, stx.Private.Root)
	require.Equal(t, uint64(20), stx.Private.PublicPost[0].Balance.Uint64())

	require.Len(t, outs, 1)
	out := outs[0]
	require.True(t, out.Nullifier.IsZero())
	require.Equal(t, uint64(17), out.Note.Account.Balance.Uint64())
	require.Equal(t, uint64(1), out.Note.Account.Nonce.Uint64())
	require.Equal(t, out.Note.Commitment(), out.Commitment)
	require.Equal(t, out.Commitment, stx.Private.Outputs[0].Commitment)

	stmt, err := stx.Statement([]account.Account{account.NewAccount(runtime.AuthTransferID, 37)})
	require.NoError(t, err)
	require.NoError(t, h.oracle.Verify(stmt, stx.Private.Proof))

	note, err := h.keys.Viewing.DecryptNote(stx.Private.Outputs[0].Hint, out.Commitment, 0)
	require.NoError(t, err)
	require.Equal(t, out.Note.Randomness, note.Randomness)
}

func TestBuildRejects(t *testing.T) {
	h := newHarness(t)

	t.Run("no accounts", func(t *testing.T) {
		_, _, err := h.builder.Build(&Request{ProgramID: runtime.AuthTransferID, Root: h.root})
		require.Error(t, err)
	})

	t.Run("wrong key", func(t *testing.T) {
		req := h.shieldRequest()
		req.Accounts[0].Public.Key = key(9)
		_, _, err := h.builder.Build(req)
		require.ErrorContains(t, err, "does not control")
	})

	t.Run("input both public and private", func(t *testing.T) {
		req := h.shieldRequest()
		req.Accounts[1].Public = &PublicInput{ID: idOf(key(3))}
		_, _, err := h.builder.Build(req)
		require.ErrorContains(t, err, "exactly one")
	})

	t.Run("no private account", func(t *testing.T) {
		req := h.shieldRequest()
		req.Accounts = req.Accounts[:1]
		_, _, err := h.builder.Build(req)
		require.ErrorContains(t, err, "private accounts")
	})

	t.Run("note of another account", func(t *testing.T) {
		req := h.shieldRequest()
		other, err := privacy.NewAccountKeys()
		require.NoError(t, err)
		req.Accounts[1].Private.Current = &privacy.Note{Npk: other.Nullifier.Public}
		_, _, err = h.builder.Build(req)
		require.ErrorContains(t, err, "another account")
	})

	t.Run("overdraft", func(t *testing.T) {
		req := h.shieldRequest()
		req.Instruction = runtime.EncodeAmountUint64(38)
		_, _, err := h.builder.Build(req)
		require.Error(t, err)
	})

	t.Run("path does not fold to root", func(t *testing.T) {
		held := account.NewAccount(runtime.AuthTransferID, 17)
		held.Nonce = *uint256.NewInt(1)
		rand, err := privacy.RandomElement()
		require.NoError(t, err)
		current := &privacy.Note{Npk: h.keys.Nullifier.Public, Account: held, Randomness: rand}
		_, _, err = h.builder.Build(&Request{
			ProgramID:   runtime.AuthTransferID,
			Instruction: runtime.EncodeAmountUint64(5),
			Accounts: []Input{
				{Private: &PrivateInput{
					Npk:        h.keys.Nullifier.Public,
					Viewing:    h.keys.Viewing.Pk,
					Current:    current,
					Nsk:        h.keys.Nullifier.Secret,
					LeafIndex:  3,
					Siblings:   make([]privacy.Hash, privacy.TreeDepth),
					Authorized: true,
				}},
				{Public: &PublicInput{ID: idOf(h.bob), Account: account.NewAccount(runtime.AuthTransferID, 37)}},
			},
			Root: h.root,
		})
		require.ErrorContains(t, err, "proving")
	})
}
