// Package block defines the blocks produced by the sequencer.
package block

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/hdevalence/ed25519consensus"

	"shieldledger/internal/privacy"
	"shieldledger/internal/tx"
)

// Header commits to a block's position, contents and resulting commitment root.
type Header struct {
	_        struct{} `cbor:",toarray"`
	ID       uint64
	PrevHash [32]byte
	// Timestamp is unix milliseconds.
	Timestamp int64
	// CommitmentStart is the leaf index of the block's first commitment.
	CommitmentStart uint64
	CommitmentRoot  privacy.Hash
	TxRoot          [32]byte
	Proposer        []byte
}

// Hash is the SHA-256 of the canonical header encoding.
func (h *Header) Hash() ([32]byte, error) {
	b, err := tx.Marshal(h)
	if err != nil {
		return [32]byte{}, fmt.Errorf("block: encoding header: %w", err)
	}
	return sha256.Sum256(b), nil
}

// Block is a signed header plus its ordered transactions.
type Block struct {
	_            struct{} `cbor:",toarray"`
	Header       Header
	Transactions []tx.Transaction
	Signature    []byte
}

// TxRoot hashes the ordered fingerprints of txs.
func TxRoot(txs []tx.Transaction) ([32]byte, error) {
	h := sha256.New()
	for i := range txs {
		fp, err := txs[i].Fingerprint()
		if err != nil {
			return [32]byte{}, err
		}
		h.Write(fp[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Fingerprints lists the fingerprints of the block's transactions.
func (b *Block) Fingerprints() ([]tx.Fingerprint, error) {
	fps := make([]tx.Fingerprint, len(b.Transactions))
	for i := range b.Transactions {
		fp, err := b.Transactions[i].Fingerprint()
		if err != nil {
			return nil, err
		}
		fps[i] = fp
	}
	return fps, nil
}

// Sign fills the tx root and proposer and signs the header hash.
func (b *Block) Sign(key ed25519.PrivateKey) error {
	root, err := TxRoot(b.Transactions)
	if err != nil {
		return err
	}
	b.Header.TxRoot = root
	b.Header.Proposer = append([]byte(nil), key.Public().(ed25519.PublicKey)...)
	hash, err := b.Header.Hash()
	if err != nil {
		return err
	}
	b.Signature = ed25519.Sign(key, hash[:])
	return nil
}

// Verify checks the tx root and the proposer signature. A non-nil proposer pins
// the expected signer.
func (b *Block) Verify(proposer ed25519.PublicKey) error {
	if proposer != nil && !ed25519.PublicKey(b.Header.Proposer).Equal(proposer) {
		return errors.New("block: unexpected proposer")
	}
	if len(b.Header.Proposer) != ed25519.PublicKeySize {
		return errors.New("block: missing proposer")
	}
	root, err := TxRoot(b.Transactions)
	if err != nil {
		return err
	}
	if root != b.Header.TxRoot {
		return errors.New("block: tx root mismatch")
	}
	hash, err := b.Header.Hash()
	if err != nil {
		return err
	}
	if !ed25519consensus.Verify(b.Header.Proposer, hash[:], b.Signature) {
		return errors.New("block: bad signature")
	}
	return nil
}

// Encode returns the canonical encoding.
func (b *Block) Encode() ([]byte, error) {
	return tx.Marshal(b)
}

// Decode parses an encoded block.
func Decode(data []byte) (*Block, error) {
	var b Block
	if err := tx.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("block: decoding: %w", err)
	}
	return &b, nil
}
