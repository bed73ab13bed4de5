// hint.go - Viewing keys and encrypted note hints.
//
// A hint carries the plaintext of a new private account version to its
// recipient. The sender derives a shared point by Diffie-Hellman on BLS12-377
// (ephemeral scalar times the recipient's viewing public key), hashes it into a
// ChaCha20-Poly1305 key and seals the note. The commitment is the AEAD
// associated data, so a hint cannot be replayed against another output.

package privacy

import (
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"shieldledger/internal/account"
)

const hintKeyDomain = "shieldledger/hint/v1"

// ErrNotRecipient is returned when a hint was not sealed for the viewing key.
var ErrNotRecipient = errors.New("privacy: hint not addressed to this viewing key")

// ViewingKey is a BLS12-377 Diffie-Hellman key pair used to open hints.
type ViewingKey struct {
	Sk *bls12377_fr.Element
	Pk *bls12377.G1Affine
}

// NewViewingKey generates a random viewing key.
func NewViewingKey() (*ViewingKey, error) {
	var sk bls12377_fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, fmt.Errorf("privacy: sampling viewing key: %w", err)
	}
	return viewingKeyFromScalar(&sk), nil
}

func viewingKeyFromScalar(sk *bls12377_fr.Element) *ViewingKey {
	_, _, g1Aff, _ := bls12377.Generators()
	var pk bls12377.G1Affine
	pk.ScalarMultiplication(&g1Aff, sk.BigInt(new(big.Int)))
	return &ViewingKey{Sk: sk, Pk: &pk}
}

// PublicBytes is the compressed viewing public key.
func (k *ViewingKey) PublicBytes() []byte {
	b := k.Pk.Bytes()
	return b[:]
}

type viewingKeyJSON struct {
	Secret string `json:"sk"`
	Public string `json:"pk"`
}

func (k *ViewingKey) MarshalJSON() ([]byte, error) {
	sk := k.Sk.Bytes()
	return json.Marshal(viewingKeyJSON{
		Secret: base64.StdEncoding.EncodeToString(sk[:]),
		Public: base64.StdEncoding.EncodeToString(k.PublicBytes()),
	})
}

func (k *ViewingKey) UnmarshalJSON(data []byte) error {
	var raw viewingKeyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	skBytes, err := base64.StdEncoding.DecodeString(raw.Secret)
	if err != nil {
		return fmt.Errorf("privacy: viewing key: %w", err)
	}
	var sk bls12377_fr.Element
	if err := sk.SetBytesCanonical(skBytes); err != nil {
		return fmt.Errorf("privacy: viewing key: %w", err)
	}
	*k = *viewingKeyFromScalar(&sk)
	return nil
}

// ParseViewingPublicKey decodes a compressed viewing public key.
func ParseViewingPublicKey(b []byte) (*bls12377.G1Affine, error) {
	var pk bls12377.G1Affine
	if _, err := pk.SetBytes(b); err != nil {
		return nil, fmt.Errorf("privacy: viewing public key: %w", err)
	}
	return &pk, nil
}

// AccountKeys is everything a holder needs for one private account.
type AccountKeys struct {
	Nullifier *NullifierKey `json:"nullifier"`
	Viewing   *ViewingKey   `json:"viewing"`
}

// NewAccountKeys samples a nullifier key and a viewing key.
func NewAccountKeys() (*AccountKeys, error) {
	nk, err := NewNullifierKey()
	if err != nil {
		return nil, err
	}
	vk, err := NewViewingKey()
	if err != nil {
		return nil, err
	}
	return &AccountKeys{Nullifier: nk, Viewing: vk}, nil
}

// AccountID is the private account id these keys control.
func (k *AccountKeys) AccountID() account.ID {
	return k.Nullifier.AccountID()
}

// Note is the plaintext of a private account version.
type Note struct {
	_          struct{} `cbor:",toarray"`
	Npk        Hash
	Account    account.Account
	Randomness Hash
}

// Commitment recomputes the commitment the note opens.
func (n *Note) Commitment() Commitment {
	return Commit(n.Npk, &n.Account, n.Randomness)
}

// Hint is an encrypted Note.
type Hint struct {
	_            struct{} `cbor:",toarray"`
	EphemeralKey []byte
	Ciphertext   []byte
}

// ComputeDHShared computes the shared point sk * pk.
func ComputeDHShared(sk *bls12377_fr.Element, pk *bls12377.G1Affine) *bls12377.G1Affine {
	var shared bls12377.G1Affine
	shared.ScalarMultiplication(pk, sk.BigInt(new(big.Int)))
	return &shared
}

func hintCipher(shared *bls12377.G1Affine) (cipher.AEAD, error) {
	x := shared.X.Bytes()
	y := shared.Y.Bytes()
	h, err := blake2b.New256([]byte(hintKeyDomain))
	if err != nil {
		return nil, err
	}
	h.Write(x[:])
	h.Write(y[:])
	return chacha20poly1305.New(h.Sum(nil))
}

func hintNonce(index uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], index)
	return nonce
}

// EncryptNote seals note for the holder of viewing public key vpk. index is the
// position of the output inside its transaction.
func EncryptNote(vpk *bls12377.G1Affine, note *Note, index uint32) (Hint, error) {
	var eph bls12377_fr.Element
	if _, err := eph.SetRandom(); err != nil {
		return Hint{}, fmt.Errorf("privacy: sampling ephemeral key: %w", err)
	}
	ephKey := viewingKeyFromScalar(&eph)
	aead, err := hintCipher(ComputeDHShared(&eph, vpk))
	if err != nil {
		return Hint{}, err
	}
	plain, err := cbor.Marshal(note)
	if err != nil {
		return Hint{}, fmt.Errorf("privacy: encoding note: %w", err)
	}
	cm := note.Commitment()
	return Hint{
		EphemeralKey: ephKey.PublicBytes(),
		Ciphertext:   aead.Seal(nil, hintNonce(index), plain, cm[:]),
	}, nil
}

// DecryptNote opens a hint sealed for this key. The recovered note must open
// cm exactly.
func (k *ViewingKey) DecryptNote(h Hint, cm Commitment, index uint32) (*Note, error) {
	epk, err := ParseViewingPublicKey(h.EphemeralKey)
	if err != nil {
		return nil, err
	}
	aead, err := hintCipher(ComputeDHShared(k.Sk, epk))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, hintNonce(index), h.Ciphertext, cm[:])
	if err != nil {
		return nil, ErrNotRecipient
	}
	var note Note
	if err := cbor.Unmarshal(plain, &note); err != nil {
		return nil, fmt.Errorf("privacy: decoding note: %w", err)
	}
	if note.Commitment() != cm {
		return nil, errors.New("privacy: note does not open commitment")
	}
	return &note, nil
}
