package runtime

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"

	"shieldledger/internal/account"
	"shieldledger/internal/ledgercore"
)

// AuthTransferDescriptor is hashed into the id of the authenticated-transfer
// program.
const AuthTransferDescriptor = "shieldledger/builtin/authenticated-transfer/v1"

// AuthTransferID is the id of the built-in authenticated-transfer program.
var AuthTransferID = account.ProgramIDFromBytecode([]byte(AuthTransferDescriptor))

// AmountSize is the length of an encoded transfer amount.
const AmountSize = 16

// EncodeAmount encodes a u128 amount as 16 big-endian bytes.
func EncodeAmount(v *uint256.Int) []byte {
	b := v.Bytes32()
	return append([]byte(nil), b[32-AmountSize:]...)
}

// EncodeAmountUint64 encodes a small amount.
func EncodeAmountUint64(v uint64) []byte {
	b := make([]byte, AmountSize)
	binary.BigEndian.PutUint64(b[8:], v)
	return b
}

// DecodeAmount parses a 16 byte big-endian amount.
func DecodeAmount(b []byte) (*uint256.Int, error) {
	if len(b) != AmountSize {
		return nil, fmt.Errorf("%w: amount is %d bytes, want %d", ledgercore.ErrMalformedTransaction, len(b), AmountSize)
	}
	return new(uint256.Int).SetBytes(b), nil
}

// AuthTransfer moves native balance between two accounts with the sender's
// authorization. Called with one authorized account and a zero amount it only
// initializes that account, which the runtime then claims.
type AuthTransfer struct{}

func (AuthTransfer) ID() account.ProgramID { return AuthTransferID }

func (AuthTransfer) Execute(pre []account.WithMetadata, instruction []byte) ([]account.Account, error) {
	amount, err := DecodeAmount(instruction)
	if err != nil {
		return nil, err
	}
	switch len(pre) {
	case 1:
		acc := pre[0]
		if !amount.IsZero() {
			return nil, ledgercore.Malformed("initialization with a non-zero amount")
		}
		if !acc.IsAuthorized {
			return nil, fmt.Errorf("%w: %s did not sign", ledgercore.ErrUnauthorized, acc.ID)
		}
		if !acc.Account.IsDefault() {
			return nil, fmt.Errorf("%w: %s is already initialized", ledgercore.ErrProgramFailed, acc.ID)
		}
		return []account.Account{acc.Account.Clone()}, nil
	case 2:
		sender, recipient := pre[0], pre[1]
		if !sender.IsAuthorized {
			return nil, fmt.Errorf("%w: sender %s did not sign", ledgercore.ErrUnauthorized, sender.ID)
		}
		if sender.Account.Balance.Lt(amount) {
			return nil, fmt.Errorf("%w: %s holds %s, needs %s", ledgercore.ErrInsufficientBalance,
				sender.ID, sender.Account.Balance.Dec(), amount.Dec())
		}
		from := sender.Account.Clone()
		to := recipient.Account.Clone()
		from.Balance.Sub(&from.Balance, amount)
		to.Balance.Add(&to.Balance, amount)
		if to.Balance.Gt(account.MaxU128) {
			return nil, fmt.Errorf("%w: recipient balance overflows u128", ledgercore.ErrProgramFailed)
		}
		return []account.Account{from, to}, nil
	default:
		return nil, ledgercore.Malformed("authenticated transfer takes 1 or 2 accounts, got %d", len(pre))
	}
}
