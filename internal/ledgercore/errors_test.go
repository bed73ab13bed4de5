package ledgercore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReason(t *testing.T) {
	require.Equal(t, "", Reason(nil))
	require.Equal(t, "internal", Reason(errors.New("boom")))
	require.Equal(t, "nullifier_reused", Reason(fmt.Errorf("block 3: %w", ErrNullifierReused)))
	require.Equal(t, "malformed_transaction", Reason(Malformed("%d outputs", 0)))
	require.Equal(t, "ownership_violation", Reason(Ownership("claimed account %s", "x")))

	for _, r := range reasons {
		require.Equal(t, r.code, Reason(r.err))
		require.Equal(t, r.err, FromReason(r.code))
	}
	require.Nil(t, FromReason("internal"))
	require.Nil(t, FromReason("rate_limited"))
}

func TestStoreError(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("commit: %w", &StoreError{Op: "write batch", Err: cause})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "store_unavailable", Reason(err))
	require.Contains(t, err.Error(), "write batch")
}
