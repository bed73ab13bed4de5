// Package runtime runs programs over account snapshots and enforces the rules
// every execution must obey, public or private.
package runtime

import (
	"bytes"
	"fmt"
	"math/big"

	"shieldledger/internal/account"
	"shieldledger/internal/ledgercore"
)

// Program is deterministic logic over a list of accounts.
type Program interface {
	ID() account.ProgramID
	// Execute returns one post-state per pre-state. Programs never see or set
	// nonces or ownership; the runtime handles both.
	Execute(pre []account.WithMetadata, instruction []byte) ([]account.Account, error)
}

// Trace is one validated execution.
type Trace struct {
	ProgramID       account.ProgramID
	InstructionData []byte
	Pre             []account.WithMetadata
	// Post has claims applied.
	Post []account.Account
}

// Deltas pairs each touched id with its post-state.
func (t *Trace) Deltas() map[account.ID]account.Account {
	out := make(map[account.ID]account.Account, len(t.Pre))
	for i := range t.Pre {
		out[t.Pre[i].ID] = t.Post[i]
	}
	return out
}

// checkDelta enforces the per-account rules. claimed says whether post already
// carries the owner set by a claim.
func checkDelta(programID account.ProgramID, id account.ID, pre, post *account.Account, claimed bool) error {
	if !post.Nonce.Eq(&pre.Nonce) {
		return ledgercore.Ownership("program changed the nonce of %s", id)
	}
	switch {
	case post.ProgramOwner == pre.ProgramOwner:
	case claimed && pre.IsUnclaimed() && post.ProgramOwner == programID:
	default:
		return ledgercore.Ownership("program changed the owner of %s", id)
	}
	owned := pre.ProgramOwner == programID
	if post.Balance.Lt(&pre.Balance) && !owned {
		return ledgercore.Ownership("debit of %s by non-owning program %s", id, programID)
	}
	if !bytes.Equal(post.Data, pre.Data) && !owned && !pre.IsUnclaimed() {
		return ledgercore.Ownership("data change of %s by non-owning program %s", id, programID)
	}
	if post.Balance.Gt(account.MaxU128) {
		return fmt.Errorf("%w: balance of %s overflows u128", ledgercore.ErrProgramFailed, id)
	}
	if len(post.Data) > account.MaxDataSize {
		return fmt.Errorf("%w: data of %s exceeds %d bytes", ledgercore.ErrProgramFailed, id, account.MaxDataSize)
	}
	return nil
}

func sumBalances(accs []account.Account) *big.Int {
	total := new(big.Int)
	for i := range accs {
		total.Add(total, accs[i].Balance.ToBig())
	}
	return total
}

// ValidateExecution checks a program's raw output against its input: one
// post-state per pre-state, no nonce or owner changes, debits and data changes
// only by the owner (data also on unclaimed accounts), and total balance
// preserved.
func ValidateExecution(programID account.ProgramID, pre []account.WithMetadata, post []account.Account) error {
	if len(post) != len(pre) {
		return fmt.Errorf("%w: program returned %d accounts for %d inputs", ledgercore.ErrProgramFailed, len(post), len(pre))
	}
	preStates := make([]account.Account, len(pre))
	for i := range pre {
		preStates[i] = pre[i].Account
		if err := checkDelta(programID, pre[i].ID, &pre[i].Account, &post[i], false); err != nil {
			return err
		}
	}
	if sumBalances(preStates).Cmp(sumBalances(post)) != 0 {
		return fmt.Errorf("%w: total balance not preserved", ledgercore.ErrProgramFailed)
	}
	return nil
}

// ApplyClaims gives every unclaimed post-state to programID.
func ApplyClaims(programID account.ProgramID, post []account.Account) {
	for i := range post {
		if post[i].IsUnclaimed() {
			post[i].ProgramOwner = programID
		}
	}
}

// CheckPublicDeltas validates the public side of a proven transition, whose
// post-states already include claims. Balance is conserved together with the
// private side, so it is not checked here.
func CheckPublicDeltas(programID account.ProgramID, pre []account.WithMetadata, post []account.Account) error {
	if len(post) != len(pre) {
		return ledgercore.Malformed("%d public post-states for %d accounts", len(post), len(pre))
	}
	for i := range pre {
		if err := checkDelta(programID, pre[i].ID, &pre[i].Account, &post[i], true); err != nil {
			return err
		}
		if pre[i].Account.IsUnclaimed() && post[i].ProgramOwner != programID {
			return ledgercore.Ownership("unclaimed account %s not claimed by %s", pre[i].ID, programID)
		}
	}
	return nil
}
