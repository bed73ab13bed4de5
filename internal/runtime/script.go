package runtime

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"
	"github.com/holiman/uint256"

	"shieldledger/internal/account"
	"shieldledger/internal/ledgercore"
)

// scriptEntry is the function every deployable program defines:
//
//	function main(accounts, instruction) { ...; return accounts; }
//
// Each account is {id, owner, balance, data, nonce, authorized} with balance and
// nonce as decimal strings and data and instruction as hex strings. The
// returned array holds one account per input; only balance and data are read
// back. The u128 object offers add, sub, cmp and fromHex over decimal strings.
const scriptEntry = "main"

// epoch is the fixed clock scripts observe.
var epoch = time.Unix(0, 0).UTC()

// Compile parses script bytecode and checks that it defines main.
func Compile(code []byte) (*goja.Program, error) {
	prg, err := goja.Compile("program.js", string(code), true)
	if err != nil {
		return nil, ledgercore.Malformed("program does not compile: %v", err)
	}
	vm := newVM()
	timer := time.AfterFunc(DefaultScriptTimeout, func() { vm.Interrupt("initialization timeout") })
	defer timer.Stop()
	if _, err := vm.RunProgram(prg); err != nil {
		return nil, ledgercore.Malformed("program initialization failed: %v", err)
	}
	if _, ok := goja.AssertFunction(vm.Get(scriptEntry)); !ok {
		return nil, ledgercore.Malformed("program does not define %s", scriptEntry)
	}
	return prg, nil
}

// Script is a deployed JavaScript program.
type Script struct {
	id      account.ProgramID
	prg     *goja.Program
	timeout time.Duration
}

// NewScript compiles code into a program whose id is the hash of code.
func NewScript(code []byte, timeout time.Duration) (*Script, error) {
	prg, err := Compile(code)
	if err != nil {
		return nil, err
	}
	return &Script{id: account.ProgramIDFromBytecode(code), prg: prg, timeout: timeout}, nil
}

func (s *Script) ID() account.ProgramID { return s.id }

func newVM() *goja.Runtime {
	vm := goja.New()
	vm.SetRandSource(func() float64 { return 0 })
	vm.SetTimeSource(func() time.Time { return epoch })
	vm.Set("u128", map[string]interface{}{
		"add": func(a, b string) (string, error) {
			x, y, err := parsePair(a, b)
			if err != nil {
				return "", err
			}
			sum, overflow := new(uint256.Int).AddOverflow(x, y)
			if overflow || sum.Gt(account.MaxU128) {
				return "", errors.New("u128 overflow")
			}
			return sum.Dec(), nil
		},
		"sub": func(a, b string) (string, error) {
			x, y, err := parsePair(a, b)
			if err != nil {
				return "", err
			}
			if x.Lt(y) {
				return "", errors.New("u128 underflow")
			}
			return new(uint256.Int).Sub(x, y).Dec(), nil
		},
		"cmp": func(a, b string) (int, error) {
			x, y, err := parsePair(a, b)
			if err != nil {
				return 0, err
			}
			return x.Cmp(y), nil
		},
		"fromHex": func(h string) (string, error) {
			raw, err := hex.DecodeString(h)
			if err != nil || len(raw) > AmountSize {
				return "", fmt.Errorf("bad u128 hex %q", h)
			}
			return new(uint256.Int).SetBytes(raw).Dec(), nil
		},
	})
	return vm
}

func parsePair(a, b string) (*uint256.Int, *uint256.Int, error) {
	x, err := uint256.FromDecimal(a)
	if err != nil {
		return nil, nil, fmt.Errorf("bad u128 %q", a)
	}
	y, err := uint256.FromDecimal(b)
	if err != nil {
		return nil, nil, fmt.Errorf("bad u128 %q", b)
	}
	return x, y, nil
}

func (s *Script) Execute(pre []account.WithMetadata, instruction []byte) ([]account.Account, error) {
	vm := newVM()
	if s.timeout > 0 {
		timer := time.AfterFunc(s.timeout, func() { vm.Interrupt("execution timeout") })
		defer timer.Stop()
	}
	if _, err := vm.RunProgram(s.prg); err != nil {
		return nil, fmt.Errorf("%w: %v", ledgercore.ErrProgramFailed, err)
	}
	main, ok := goja.AssertFunction(vm.Get(scriptEntry))
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a function", ledgercore.ErrProgramFailed, scriptEntry)
	}

	input := make([]interface{}, len(pre))
	for i, a := range pre {
		input[i] = map[string]interface{}{
			"id":         a.ID.String(),
			"owner":      a.Account.ProgramOwner.String(),
			"balance":    a.Account.Balance.Dec(),
			"data":       hex.EncodeToString(a.Account.Data),
			"nonce":      a.Account.Nonce.Dec(),
			"authorized": a.IsAuthorized,
		}
	}
	res, err := main(goja.Undefined(), vm.ToValue(input), vm.ToValue(hex.EncodeToString(instruction)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledgercore.ErrProgramFailed, err)
	}

	exported, ok := res.Export().([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: main must return an array", ledgercore.ErrProgramFailed)
	}
	post := make([]account.Account, len(exported))
	for i, v := range exported {
		obj, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: output %d is not an object", ledgercore.ErrProgramFailed, i)
		}
		if i < len(pre) {
			post[i] = pre[i].Account.Clone()
		}
		if err := readAccount(obj, &post[i]); err != nil {
			return nil, fmt.Errorf("%w: output %d: %v", ledgercore.ErrProgramFailed, i, err)
		}
	}
	return post, nil
}

// readAccount overlays the balance and data fields of a script result on acc.
func readAccount(obj map[string]interface{}, acc *account.Account) error {
	if v, ok := obj["balance"]; ok {
		bal, err := toU128(v)
		if err != nil {
			return err
		}
		acc.Balance = *bal
	}
	if v, ok := obj["data"]; ok {
		s, ok := v.(string)
		if !ok {
			return errors.New("data must be a hex string")
		}
		raw, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("data: %v", err)
		}
		if len(raw) == 0 {
			raw = nil
		}
		acc.Data = raw
	}
	return nil
}

func toU128(v interface{}) (*uint256.Int, error) {
	switch x := v.(type) {
	case string:
		n, err := uint256.FromDecimal(x)
		if err != nil {
			return nil, fmt.Errorf("balance %q: %v", x, err)
		}
		return n, nil
	case int64:
		if x < 0 {
			return nil, errors.New("negative balance")
		}
		return uint256.NewInt(uint64(x)), nil
	case float64:
		if x < 0 || x != math.Trunc(x) || x > (1<<53) {
			return nil, fmt.Errorf("balance %v is not a safe integer", x)
		}
		return uint256.NewInt(uint64(x)), nil
	default:
		return nil, fmt.Errorf("balance has type %T", v)
	}
}
