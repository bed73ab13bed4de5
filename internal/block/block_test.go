package block

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"shieldledger/internal/account"
	"shieldledger/internal/tx"
)

func TestSignAndVerify(t *testing.T) {
	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	code := []byte("function main() {}")
	b := &Block{
		Header: Header{ID: 3, Timestamp: 1700000000000, CommitmentStart: 5},
		Transactions: []tx.Transaction{{
			Mode:      tx.ModeDeploy,
			ProgramID: account.ProgramIDFromBytecode(code),
			Bytecode:  code,
		}},
	}
	require.NoError(t, b.Sign(key))
	require.NoError(t, b.Verify(key.Public().(ed25519.PublicKey)))

	raw, err := b.Encode()
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.NoError(t, decoded.Verify(nil))
	h1, err := b.Header.Hash()
	require.NoError(t, err)
	h2, err := decoded.Header.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	t.Run("other proposer", func(t *testing.T) {
		other, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		require.Error(t, decoded.Verify(other))
	})

	t.Run("tampered header", func(t *testing.T) {
		decoded.Header.CommitmentStart++
		require.Error(t, decoded.Verify(nil))
	})

	t.Run("dropped transaction", func(t *testing.T) {
		b.Transactions = nil
		require.Error(t, b.Verify(nil))
	})
}
