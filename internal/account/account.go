// account.go - Account identifiers, program identifiers and account state.
//
// Accounts live either in the public region (stored in the clear, keyed by ID) or
// in the private region (represented on-chain only by commitments). The tag of an
// ID says which region it belongs to and never changes.

package account

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// MaxDataSize bounds the opaque data blob carried by an account.
const MaxDataSize = 100 * 1024

const (
	publicIDPrefix  = "/shieldledger/AccountId/Public/"
	privateIDPrefix = "/shieldledger/AccountId/Private/"
)

// MaxU128 is the largest balance or nonce an account can hold.
var MaxU128 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

var (
	errBadTag    = errors.New("account: unknown id tag")
	errBadFormat = errors.New("account: malformed id")
)

// Tag partitions the account id space.
type Tag uint8

const (
	TagPublic  Tag = 1
	TagPrivate Tag = 2
)

func (t Tag) String() string {
	switch t {
	case TagPublic:
		return "pub"
	case TagPrivate:
		return "priv"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// ID identifies an account. Public ids are derived from a signing key, private
// ids from a nullifier public key.
type ID struct {
	_     struct{} `cbor:",toarray"`
	Tag   Tag
	Value [32]byte
}

// PublicID derives the account id controlled by an ed25519 key.
func PublicID(pub ed25519.PublicKey) ID {
	return ID{Tag: TagPublic, Value: taggedHash(publicIDPrefix, pub)}
}

// PrivateID derives the account id of a private account from its nullifier
// public key bytes.
func PrivateID(npk []byte) ID {
	return ID{Tag: TagPrivate, Value: taggedHash(privateIDPrefix, npk)}
}

func taggedHash(prefix string, b []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(prefix))
	h.Write(b)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (id ID) IsPublic() bool  { return id.Tag == TagPublic }
func (id ID) IsPrivate() bool { return id.Tag == TagPrivate }

// Valid reports whether the tag is one of the known regions.
func (id ID) Valid() bool {
	return id.Tag == TagPublic || id.Tag == TagPrivate
}

// Key returns the 33 byte storage key: tag byte followed by the value.
func (id ID) Key() []byte {
	k := make([]byte, 0, 33)
	k = append(k, byte(id.Tag))
	return append(k, id.Value[:]...)
}

// Compare orders ids by tag then value.
func (id ID) Compare(other ID) int {
	if id.Tag != other.Tag {
		if id.Tag < other.Tag {
			return -1
		}
		return 1
	}
	return bytes.Compare(id.Value[:], other.Value[:])
}

func (id ID) String() string {
	return id.Tag.String() + ":" + hex.EncodeToString(id.Value[:])
}

// ParseID parses the text form produced by String.
func ParseID(s string) (ID, error) {
	prefix, rest, ok := strings.Cut(s, ":")
	if !ok {
		return ID{}, errBadFormat
	}
	var id ID
	switch prefix {
	case "pub":
		id.Tag = TagPublic
	case "priv":
		id.Tag = TagPrivate
	default:
		return ID{}, errBadTag
	}
	raw, err := hex.DecodeString(rest)
	if err != nil || len(raw) != len(id.Value) {
		return ID{}, errBadFormat
	}
	copy(id.Value[:], raw)
	return id, nil
}

func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ID) UnmarshalText(text []byte) error {
	v, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// IDFromKey is the inverse of Key.
func IDFromKey(k []byte) (ID, error) {
	if len(k) != 33 {
		return ID{}, errBadFormat
	}
	id := ID{Tag: Tag(k[0])}
	copy(id.Value[:], k[1:])
	if !id.Valid() {
		return ID{}, errBadTag
	}
	return id, nil
}

// ProgramID is the hash of a program's bytecode. The zero value marks an
// unclaimed account.
type ProgramID [32]byte

// Unclaimed is the owner of accounts no program has claimed yet.
var Unclaimed ProgramID

// ProgramIDFromBytecode hashes bytecode into its program id.
func ProgramIDFromBytecode(code []byte) ProgramID {
	return sha256.Sum256(code)
}

func (p ProgramID) IsUnclaimed() bool { return p == Unclaimed }

func (p ProgramID) String() string {
	if p.IsUnclaimed() {
		return "unclaimed"
	}
	return hex.EncodeToString(p[:])
}

// ParseProgramID parses a hex program id.
func ParseProgramID(s string) (ProgramID, error) {
	var p ProgramID
	if s == "unclaimed" {
		return p, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(p) {
		return p, fmt.Errorf("account: malformed program id %q", s)
	}
	copy(p[:], raw)
	return p, nil
}

func (p ProgramID) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *ProgramID) UnmarshalText(text []byte) error {
	v, err := ParseProgramID(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Account is the state of a single account.
type Account struct {
	_            struct{} `cbor:",toarray"`
	ProgramOwner ProgramID   `json:"program_owner"`
	Balance      uint256.Int `json:"balance"`
	Data         []byte      `json:"data"`
	Nonce        uint256.Int `json:"nonce"`
}

// IsUnclaimed reports whether no program owns the account.
func (a *Account) IsUnclaimed() bool {
	return a.ProgramOwner.IsUnclaimed()
}

// IsDefault reports whether the account is in the implicit initial state.
func (a *Account) IsDefault() bool {
	return a.ProgramOwner.IsUnclaimed() && a.Balance.IsZero() && len(a.Data) == 0 && a.Nonce.IsZero()
}

// Clone returns a deep copy.
func (a Account) Clone() Account {
	c := a
	if a.Data != nil {
		c.Data = append([]byte(nil), a.Data...)
	}
	return c
}

// Equal compares two accounts field by field.
func (a *Account) Equal(b *Account) bool {
	return a.ProgramOwner == b.ProgramOwner &&
		a.Balance.Eq(&b.Balance) &&
		a.Nonce.Eq(&b.Nonce) &&
		bytes.Equal(a.Data, b.Data)
}

// Validate checks the representational invariants of an account.
func (a *Account) Validate() error {
	if a.Balance.Gt(MaxU128) {
		return errors.New("account: balance exceeds u128")
	}
	if a.Nonce.Gt(MaxU128) {
		return errors.New("account: nonce exceeds u128")
	}
	if len(a.Data) > MaxDataSize {
		return fmt.Errorf("account: data size %d exceeds %d", len(a.Data), MaxDataSize)
	}
	if a.IsUnclaimed() && (!a.Balance.IsZero() || len(a.Data) != 0) {
		return errors.New("account: unclaimed account holds balance or data")
	}
	return nil
}

// NewAccount builds an account with a u64 balance, mostly for genesis and tests.
func NewAccount(owner ProgramID, balance uint64) Account {
	return Account{ProgramOwner: owner, Balance: *uint256.NewInt(balance)}
}

// WithMetadata is an account as presented to a program: its id, state and
// whether the transaction authorized it.
type WithMetadata struct {
	_            struct{} `cbor:",toarray"`
	ID           ID
	Account      Account
	IsAuthorized bool
}
