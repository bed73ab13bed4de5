package deploy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"shieldledger/internal/account"
	"shieldledger/internal/ledgercore"
	"shieldledger/internal/tx"
)

func TestNew(t *testing.T) {
	code := []byte(`function main(accounts) { return accounts; }`)
	d, err := New(code)
	require.NoError(t, err)
	require.Equal(t, tx.ModeDeploy, d.Mode)
	require.Equal(t, account.ProgramIDFromBytecode(code), d.ProgramID)
	require.Equal(t, code, d.Bytecode)

	code[0] = 'F'
	require.NotEqual(t, code, d.Bytecode)

	t.Run("does not compile", func(t *testing.T) {
		_, err := New([]byte(`function main(accounts) {`))
		require.ErrorIs(t, err, ledgercore.ErrMalformedTransaction)
	})
	t.Run("empty", func(t *testing.T) {
		_, err := New(nil)
		require.ErrorIs(t, err, ledgercore.ErrMalformedTransaction)
	})
	t.Run("oversized", func(t *testing.T) {
		big := "// " + strings.Repeat("x", tx.MaxBytecodeSize) + "\nfunction main(accounts) { return accounts; }"
		_, err := New([]byte(big))
		require.ErrorIs(t, err, ledgercore.ErrMalformedTransaction)
	})
}
