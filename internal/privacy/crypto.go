// crypto.go - Field hashing, commitments, nullifiers and private account keys.
//
// All digests are MiMC over the BW6-761 scalar field so that the native values
// match what the transition circuit recomputes in-circuit.

package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
	"github.com/fxamacker/cbor/v2"
	"github.com/holiman/uint256"

	"shieldledger/internal/account"
)

// HashSize is the byte length of a field element.
const HashSize = fr.Bytes

// Hash is a canonical big-endian field element. Commitments, nullifiers,
// nullifier public keys and Merkle nodes are all Hash values.
type Hash [HashSize]byte

// Commitment binds a private account version.
type Commitment = Hash

// Nullifier marks a commitment as superseded.
type Nullifier = Hash

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// BigInt returns the field element as an integer.
func (h Hash) BigInt() *big.Int { return new(big.Int).SetBytes(h[:]) }

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Check reports whether h is the canonical encoding of a field element. The
// circuit reduces its public inputs, so h and h+p would prove the same
// statement while differing as map keys.
func (h Hash) Check() error {
	var e fr.Element
	if err := e.SetBytesCanonical(h[:]); err != nil {
		return fmt.Errorf("privacy: hash is not a field element: %w", err)
	}
	return nil
}

// UnmarshalCBOR accepts only canonical field elements.
func (h *Hash) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != HashSize {
		return fmt.Errorf("privacy: hash has %d bytes, want %d", len(raw), HashSize)
	}
	var parsed Hash
	copy(parsed[:], raw)
	if err := parsed.Check(); err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a hex field element.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != HashSize {
		return h, fmt.Errorf("privacy: malformed hash %q", s)
	}
	copy(h[:], raw)
	if err := h.Check(); err != nil {
		return Hash{}, err
	}
	return h, nil
}

func fromElement(e *fr.Element) Hash {
	return Hash(e.Bytes())
}

// padded places b (at most 32 bytes) right-aligned in a field element.
func padded(b []byte) Hash {
	var h Hash
	copy(h[HashSize-len(b):], b)
	return h
}

// HashElements computes MiMC over the given field elements.
func HashElements(elems ...Hash) Hash {
	h := mimcNative.NewMiMC()
	for i := range elems {
		h.Write(elems[i][:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashPair hashes two Merkle children.
func HashPair(left, right Hash) Hash {
	return HashElements(left, right)
}

// RandomElement samples a uniformly random field element.
func RandomElement() (Hash, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return Hash{}, fmt.Errorf("privacy: sampling randomness: %w", err)
	}
	return fromElement(&e), nil
}

// ProgramElement embeds a program id into the field.
func ProgramElement(p account.ProgramID) Hash { return padded(p[:]) }

// DataElement commits to account data. Empty data maps to zero.
func DataElement(data []byte) Hash {
	if len(data) == 0 {
		return Hash{}
	}
	sum := sha256.Sum256(data)
	return padded(sum[:])
}

// U128Element embeds a balance or nonce into the field.
func U128Element(v *uint256.Int) Hash {
	b := v.Bytes32()
	return padded(b[:])
}

// Commit computes the commitment to a private account version:
// MiMC(npk, owner, balance, H(data), nonce, randomness).
func Commit(npk Hash, acc *account.Account, randomness Hash) Commitment {
	return HashElements(
		npk,
		ProgramElement(acc.ProgramOwner),
		U128Element(&acc.Balance),
		DataElement(acc.Data),
		U128Element(&acc.Nonce),
		randomness,
	)
}

// DeriveNullifier computes MiMC(commitment, nsk).
func DeriveNullifier(cm Commitment, nsk Hash) Nullifier {
	return HashElements(cm, nsk)
}

// NullifierKey lets its holder derive nullifiers for a private account.
type NullifierKey struct {
	Secret Hash `json:"nsk"`
	Public Hash `json:"npk"`
}

// NewNullifierKey samples a fresh nullifier secret key.
func NewNullifierKey() (*NullifierKey, error) {
	nsk, err := RandomElement()
	if err != nil {
		return nil, err
	}
	return NullifierKeyFromSecret(nsk), nil
}

// NullifierKeyFromSecret derives npk = MiMC(nsk).
func NullifierKeyFromSecret(nsk Hash) *NullifierKey {
	return &NullifierKey{Secret: nsk, Public: HashElements(nsk)}
}

// AccountID is the private account id owned by this key.
func (k *NullifierKey) AccountID() account.ID {
	return account.PrivateID(k.Public[:])
}

// Nullifier derives the nullifier that supersedes cm.
func (k *NullifierKey) Nullifier(cm Commitment) Nullifier {
	return DeriveNullifier(cm, k.Secret)
}
