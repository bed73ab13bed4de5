// Package deploy builds program deployment transactions.
package deploy

import (
	"shieldledger/internal/account"
	"shieldledger/internal/runtime"
	"shieldledger/internal/tx"
)

// New builds a deployment of bytecode after checking that it compiles.
func New(bytecode []byte) (*tx.Transaction, error) {
	if _, err := runtime.Compile(bytecode); err != nil {
		return nil, err
	}
	t := &tx.Transaction{
		Mode:      tx.ModeDeploy,
		ProgramID: account.ProgramIDFromBytecode(bytecode),
		Bytecode:  append([]byte(nil), bytecode...),
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
