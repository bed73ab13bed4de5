package tx

import (
	"crypto/ed25519"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"shieldledger/internal/account"
	"shieldledger/internal/ledgercore"
	"shieldledger/internal/privacy"
)

func testKey(seed byte) ed25519.PrivateKey {
	var s [ed25519.SeedSize]byte
	s[0] = seed
	return ed25519.NewKeyFromSeed(s[:])
}

func pubID(k ed25519.PrivateKey) account.ID {
	return account.PublicID(k.Public().(ed25519.PublicKey))
}

func transfer(t *testing.T) *Transaction {
	t.Helper()
	alice, bob := testKey(1), testKey(2)
	tx := &Transaction{
		Mode:            ModePublic,
		ProgramID:       account.ProgramID{0x01},
		InstructionData: []byte{0, 37},
		AccountsTouched: []account.ID{pubID(alice), pubID(bob)},
		Nonces:          []uint256.Int{*uint256.NewInt(0)},
	}
	require.NoError(t, tx.Sign(alice))
	return tx
}

func TestEncodingAndFingerprint(t *testing.T) {
	tx := transfer(t)
	raw, err := tx.Encode()
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	fp1, err := tx.Fingerprint()
	require.NoError(t, err)
	fp2, err := decoded.Fingerprint()
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)

	parsed, err := ParseFingerprint(fp1.String())
	require.NoError(t, err)
	require.Equal(t, fp1, parsed)

	t.Run("different content different fingerprint", func(t *testing.T) {
		other := transfer(t)
		other.InstructionData = []byte{0, 38}
		fp, err := other.Fingerprint()
		require.NoError(t, err)
		require.NotEqual(t, fp1, fp)
	})

	t.Run("trailing bytes rejected", func(t *testing.T) {
		_, err := Decode(append(raw, 0x00))
		require.ErrorIs(t, err, ledgercore.ErrMalformedTransaction)
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := Decode([]byte{0xff, 0x01})
		require.ErrorIs(t, err, ledgercore.ErrMalformedTransaction)
	})
}

func TestValidate(t *testing.T) {
	require.NoError(t, transfer(t).Validate())

	cases := []struct {
		name   string
		mutate func(*Transaction)
	}{
		{"tampered after signing", func(tx *Transaction) { tx.InstructionData = []byte{9} }},
		{"missing nonce", func(tx *Transaction) { tx.Nonces = nil }},
		{"signer not touched", func(tx *Transaction) { tx.AccountsTouched = tx.AccountsTouched[1:] }},
		{"duplicate account", func(tx *Transaction) { tx.AccountsTouched[1] = tx.AccountsTouched[0] }},
		{"private account touched", func(tx *Transaction) {
			tx.AccountsTouched[1] = account.PrivateID([]byte("npk"))
		}},
		{"no program", func(tx *Transaction) { tx.ProgramID = account.Unclaimed }},
		{"unknown mode", func(tx *Transaction) { tx.Mode = 9 }},
		{"private without payload", func(tx *Transaction) { tx.Mode = ModePrivate }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := transfer(t)
			tc.mutate(tx)
			require.ErrorIs(t, tx.Validate(), ledgercore.ErrMalformedTransaction)
		})
	}
}

func TestDeployValidate(t *testing.T) {
	code := []byte("function main(ctx) { return ctx.accounts; }")
	tx := &Transaction{Mode: ModeDeploy, ProgramID: account.ProgramIDFromBytecode(code), Bytecode: code}
	require.NoError(t, tx.Validate())

	tx.ProgramID[0] ^= 1
	require.ErrorIs(t, tx.Validate(), ledgercore.ErrMalformedTransaction)
}

func TestStatementBindsContext(t *testing.T) {
	alice := testKey(1)
	post := account.NewAccount(account.ProgramID{0x01}, 20)
	tx := &Transaction{
		Mode:            ModePrivate,
		ProgramID:       account.ProgramID{0x01},
		AccountsTouched: []account.ID{pubID(alice)},
		Nonces:          []uint256.Int{*uint256.NewInt(1)},
		Private: &PrivatePayload{
			Outputs:    []PrivateOutput{{Commitment: privacy.HashElements(privacy.Hash{1})}},
			PublicPost: []account.Account{post},
			Proof:      []byte{1},
		},
	}
	require.NoError(t, tx.Sign(alice))
	require.NoError(t, tx.Validate())

	pre := []account.Account{account.NewAccount(account.ProgramID{0x01}, 37)}
	stmt, err := tx.Statement(pre)
	require.NoError(t, err)
	require.Equal(t, privacy.SlotInit, stmt.Outputs[0].Mode)
	require.NoError(t, stmt.Validate())

	tx.Private.Outputs[0].Hint.Ciphertext = []byte{1}
	other, err := tx.Statement(pre)
	require.NoError(t, err)
	require.NotEqual(t, stmt.Context, other.Context)

	_, err = tx.Statement(nil)
	require.ErrorIs(t, err, ledgercore.ErrMalformedTransaction)
}
