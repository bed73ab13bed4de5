package runtime

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"shieldledger/internal/account"
	"shieldledger/internal/ledgercore"
)

const (
	// DefaultScriptCacheSize is the number of compiled scripts kept in memory.
	DefaultScriptCacheSize = 256
	// DefaultScriptTimeout bounds one script execution.
	DefaultScriptTimeout = 2 * time.Second
)

// ProgramSource looks up deployed bytecode. ledger.State and ledger.Working
// both satisfy it.
type ProgramSource interface {
	Program(id account.ProgramID) ([]byte, bool)
}

// Adapter resolves program ids to built-in or deployed programs and runs them.
// The sequencer and the off-chain proving harness share it, so a program
// behaves the same whether its execution is public or private.
type Adapter struct {
	builtins map[account.ProgramID]Program
	scripts  *lru.Cache
	timeout  time.Duration
}

// NewAdapter returns an adapter with the built-in programs registered.
func NewAdapter(cacheSize int, timeout time.Duration) (*Adapter, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultScriptCacheSize
	}
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		builtins: make(map[account.ProgramID]Program),
		scripts:  cache,
		timeout:  timeout,
	}
	a.Register(AuthTransfer{})
	return a, nil
}

// Register adds a built-in program.
func (a *Adapter) Register(p Program) {
	a.builtins[p.ID()] = p
}

// IsBuiltin reports whether id names a built-in program.
func (a *Adapter) IsBuiltin(id account.ProgramID) bool {
	_, ok := a.builtins[id]
	return ok
}

// Known reports whether id resolves to a program.
func (a *Adapter) Known(id account.ProgramID, src ProgramSource) bool {
	if a.IsBuiltin(id) {
		return true
	}
	_, ok := src.Program(id)
	return ok
}

// Resolve returns the program for id.
func (a *Adapter) Resolve(id account.ProgramID, src ProgramSource) (Program, error) {
	if p, ok := a.builtins[id]; ok {
		return p, nil
	}
	code, ok := src.Program(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledgercore.ErrUnknownProgram, id)
	}
	if v, ok := a.scripts.Get(id); ok {
		return v.(*Script), nil
	}
	s, err := NewScript(code, a.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: deployed program %s: %v", ledgercore.ErrProgramFailed, id, err)
	}
	a.scripts.Add(id, s)
	return s, nil
}

// Run executes program id over pre, validates the output and applies claims.
func (a *Adapter) Run(src ProgramSource, id account.ProgramID, pre []account.WithMetadata, instruction []byte) (*Trace, error) {
	p, err := a.Resolve(id, src)
	if err != nil {
		return nil, err
	}
	input := make([]account.WithMetadata, len(pre))
	for i := range pre {
		input[i] = pre[i]
		input[i].Account = pre[i].Account.Clone()
	}
	post, err := p.Execute(input, instruction)
	if err != nil {
		return nil, err
	}
	if err := ValidateExecution(id, pre, post); err != nil {
		return nil, err
	}
	ApplyClaims(id, post)
	for i := range post {
		if err := post[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ledgercore.ErrProgramFailed, err)
		}
	}
	return &Trace{ProgramID: id, InstructionData: instruction, Pre: pre, Post: post}, nil
}
