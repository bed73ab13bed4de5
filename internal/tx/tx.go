// tx.go - Transaction model, canonical encoding and fingerprints.
//
// Transactions travel as canonical CBOR. The fingerprint is the SHA-256 of that
// encoding, so resubmitting the same transaction always yields the same
// fingerprint. Signers sign the message: the encoding with the witness set
// removed.

package tx

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/hdevalence/ed25519consensus"
	"github.com/holiman/uint256"

	"shieldledger/internal/account"
	"shieldledger/internal/ledgercore"
	"shieldledger/internal/privacy"
)

const (
	MaxTxSize           = 1 << 20
	MaxAccountsTouched  = 16
	MaxInstructionData  = 64 * 1024
	MaxBytecodeSize     = 256 * 1024
	MaxSigners          = MaxAccountsTouched
	maxNestedLevels     = 16
	maxContainerEntries = 4096
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  maxNestedLevels,
		MaxArrayElements: maxContainerEntries,
		MaxMapPairs:      maxContainerEntries,
		IndefLength:      cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v canonically.
func Marshal(v interface{}) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR with the transaction decoding limits.
func Unmarshal(data []byte, v interface{}) error { return decMode.Unmarshal(data, v) }

// Mode selects how a transaction is executed.
type Mode uint8

const (
	ModePublic Mode = iota + 1
	ModePrivate
	ModeDeploy
)

func (m Mode) String() string {
	switch m {
	case ModePublic:
		return "public"
	case ModePrivate:
		return "private"
	case ModeDeploy:
		return "deploy"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Fingerprint identifies a transaction.
type Fingerprint [32]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// ParseFingerprint decodes a hex fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(f) {
		return f, fmt.Errorf("tx: malformed fingerprint %q", s)
	}
	copy(f[:], raw)
	return f, nil
}

func (f Fingerprint) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Fingerprint) UnmarshalText(text []byte) error {
	v, err := ParseFingerprint(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Signature is one entry of the witness set.
type Signature struct {
	_         struct{} `cbor:",toarray"`
	PublicKey []byte
	Sig       []byte
}

// PrivateOutput is one private slot as published on chain. A zero nullifier
// marks the initialization of a fresh private account.
type PrivateOutput struct {
	_          struct{} `cbor:",toarray"`
	Nullifier  privacy.Nullifier
	Commitment privacy.Commitment
	Hint       privacy.Hint
}

// Mode reports what the output does to its account.
func (o *PrivateOutput) Mode() privacy.SlotMode {
	if o.Nullifier.IsZero() {
		return privacy.SlotInit
	}
	return privacy.SlotUpdate
}

// PrivatePayload carries the proven effects of a private transaction.
type PrivatePayload struct {
	_       struct{} `cbor:",toarray"`
	Root    privacy.Hash
	Outputs []PrivateOutput
	// PublicPost is aligned with AccountsTouched.
	PublicPost []account.Account
	Proof      []byte
}

// Transaction is a request to run a program over a set of accounts, or to deploy
// one.
type Transaction struct {
	_               struct{} `cbor:",toarray"`
	Mode            Mode
	ProgramID       account.ProgramID
	InstructionData []byte
	AccountsTouched []account.ID
	// Nonces is aligned with Signatures: the expected nonce of each signer.
	Nonces     []uint256.Int
	Private    *PrivatePayload
	Bytecode   []byte
	Signatures []Signature
}

// Encode returns the canonical encoding.
func (t *Transaction) Encode() ([]byte, error) {
	b, err := encMode.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("tx: encoding: %w", err)
	}
	return b, nil
}

// Decode parses a transaction and rejects encodings that are not canonical.
func Decode(data []byte) (*Transaction, error) {
	if len(data) > MaxTxSize {
		return nil, ledgercore.Malformed("transaction is %d bytes, limit %d", len(data), MaxTxSize)
	}
	var t Transaction
	if err := decMode.Unmarshal(data, &t); err != nil {
		return nil, ledgercore.Malformed("decoding: %v", err)
	}
	canonical, err := t.Encode()
	if err != nil {
		return nil, ledgercore.Malformed("%v", err)
	}
	if !bytes.Equal(canonical, data) {
		return nil, ledgercore.Malformed("non-canonical encoding")
	}
	return &t, nil
}

// Fingerprint is the SHA-256 of the canonical encoding.
func (t *Transaction) Fingerprint() (Fingerprint, error) {
	b, err := t.Encode()
	if err != nil {
		return Fingerprint{}, err
	}
	return sha256.Sum256(b), nil
}

// Message is the byte string signers sign: the encoding without signatures.
func (t *Transaction) Message() ([]byte, error) {
	unsigned := *t
	unsigned.Signatures = nil
	return unsigned.Encode()
}

// Sign appends a signature by key. Nonces must already be set.
func (t *Transaction) Sign(key ed25519.PrivateKey) error {
	msg, err := t.Message()
	if err != nil {
		return err
	}
	pub := key.Public().(ed25519.PublicKey)
	t.Signatures = append(t.Signatures, Signature{
		PublicKey: append([]byte(nil), pub...),
		Sig:       ed25519.Sign(key, msg),
	})
	return nil
}

// Signers returns the public account of every signer, in witness order.
func (t *Transaction) Signers() []account.ID {
	ids := make([]account.ID, len(t.Signatures))
	for i, s := range t.Signatures {
		ids[i] = account.PublicID(s.PublicKey)
	}
	return ids
}

// VerifySignatures checks every signature against the message.
func (t *Transaction) VerifySignatures() error {
	msg, err := t.Message()
	if err != nil {
		return ledgercore.Malformed("%v", err)
	}
	for i, s := range t.Signatures {
		if len(s.PublicKey) != ed25519.PublicKeySize {
			return ledgercore.Malformed("signature %d: bad public key length", i)
		}
		if !ed25519consensus.Verify(s.PublicKey, msg, s.Sig) {
			return ledgercore.Malformed("signature %d does not verify", i)
		}
	}
	return nil
}

// Validate checks the structure of the transaction and its signatures. It needs
// no ledger state.
func (t *Transaction) Validate() error {
	if len(t.InstructionData) > MaxInstructionData {
		return ledgercore.Malformed("instruction data is %d bytes, limit %d", len(t.InstructionData), MaxInstructionData)
	}
	if len(t.AccountsTouched) > MaxAccountsTouched {
		return ledgercore.Malformed("%d accounts touched, limit %d", len(t.AccountsTouched), MaxAccountsTouched)
	}
	seen := make(map[account.ID]bool, len(t.AccountsTouched))
	for _, id := range t.AccountsTouched {
		if !id.IsPublic() {
			return ledgercore.Malformed("touched account %s is not public", id)
		}
		if seen[id] {
			return ledgercore.Malformed("account %s touched twice", id)
		}
		seen[id] = true
	}

	switch t.Mode {
	case ModePublic:
		if t.Private != nil || len(t.Bytecode) != 0 {
			return ledgercore.Malformed("public transaction with private payload or bytecode")
		}
		if len(t.AccountsTouched) == 0 {
			return ledgercore.Malformed("public transaction touches no accounts")
		}
	case ModePrivate:
		if len(t.Bytecode) != 0 {
			return ledgercore.Malformed("private transaction with bytecode")
		}
		if err := t.validatePrivate(); err != nil {
			return err
		}
	case ModeDeploy:
		if len(t.Bytecode) == 0 || len(t.Bytecode) > MaxBytecodeSize {
			return ledgercore.Malformed("bytecode size %d outside 1..%d", len(t.Bytecode), MaxBytecodeSize)
		}
		if t.ProgramID != account.ProgramIDFromBytecode(t.Bytecode) {
			return ledgercore.Malformed("program id does not match bytecode")
		}
		if t.Private != nil || len(t.AccountsTouched) != 0 || len(t.Signatures) != 0 || len(t.InstructionData) != 0 {
			return ledgercore.Malformed("deployment carries execution fields")
		}
		return nil
	default:
		return ledgercore.Malformed("unknown mode %d", t.Mode)
	}

	if t.ProgramID.IsUnclaimed() {
		return ledgercore.Malformed("missing program id")
	}
	if len(t.Signatures) > MaxSigners {
		return ledgercore.Malformed("%d signatures, limit %d", len(t.Signatures), MaxSigners)
	}
	if len(t.Nonces) != len(t.Signatures) {
		return ledgercore.Malformed("%d nonces for %d signatures", len(t.Nonces), len(t.Signatures))
	}
	signers := make(map[account.ID]bool, len(t.Signatures))
	for i, id := range t.Signers() {
		if !seen[id] {
			return ledgercore.Malformed("signer %s is not a touched account", id)
		}
		if signers[id] {
			return ledgercore.Malformed("duplicate signer %s", id)
		}
		signers[id] = true
		if t.Nonces[i].Gt(account.MaxU128) {
			return ledgercore.Malformed("nonce of signer %s exceeds u128", id)
		}
	}
	return t.VerifySignatures()
}

func (t *Transaction) validatePrivate() error {
	p := t.Private
	if p == nil {
		return ledgercore.Malformed("private transaction without payload")
	}
	if len(p.Outputs) == 0 || len(p.Outputs) > privacy.MaxPrivateAccounts {
		return ledgercore.Malformed("%d private outputs, want 1..%d", len(p.Outputs), privacy.MaxPrivateAccounts)
	}
	if len(p.PublicPost) != len(t.AccountsTouched) {
		return ledgercore.Malformed("%d public post-states for %d touched accounts", len(p.PublicPost), len(t.AccountsTouched))
	}
	for i := range p.PublicPost {
		if err := p.PublicPost[i].Validate(); err != nil {
			return ledgercore.Malformed("public post-state %d: %v", i, err)
		}
	}
	if err := p.Root.Check(); err != nil {
		return ledgercore.Malformed("root: %v", err)
	}
	for i, o := range p.Outputs {
		if o.Commitment.IsZero() {
			return ledgercore.Malformed("output %d has no commitment", i)
		}
		if err := o.Commitment.Check(); err != nil {
			return ledgercore.Malformed("output %d commitment: %v", i, err)
		}
		if err := o.Nullifier.Check(); err != nil {
			return ledgercore.Malformed("output %d nullifier: %v", i, err)
		}
	}
	if len(p.Proof) == 0 {
		return ledgercore.Malformed("private transaction without proof")
	}
	return nil
}

// statementContext is the part of a private transaction the proof binds
// through Statement.Context. Signatures are excluded: they are made over a
// message that already contains the proof.
type statementContext struct {
	_               struct{} `cbor:",toarray"`
	InstructionData []byte
	AccountsTouched []account.ID
	Nonces          []uint256.Int
	Hints           []privacy.Hint
}

// Statement rebuilds the public statement of a private transaction from the
// public pre-states of its touched accounts.
func (t *Transaction) Statement(publicPre []account.Account) (*privacy.Statement, error) {
	p := t.Private
	if t.Mode != ModePrivate || p == nil {
		return nil, ledgercore.Malformed("statement of a non-private transaction")
	}
	if len(publicPre) != len(t.AccountsTouched) {
		return nil, ledgercore.Malformed("%d pre-states for %d touched accounts", len(publicPre), len(t.AccountsTouched))
	}
	ctx := statementContext{
		InstructionData: t.InstructionData,
		AccountsTouched: t.AccountsTouched,
		Nonces:          t.Nonces,
	}
	stmt := &privacy.Statement{
		ProgramID:  t.ProgramID,
		Root:       p.Root,
		PublicPre:  publicPre,
		PublicPost: p.PublicPost,
	}
	for _, o := range p.Outputs {
		stmt.Outputs = append(stmt.Outputs, privacy.Output{Mode: o.Mode(), Nullifier: o.Nullifier, Commitment: o.Commitment})
		ctx.Hints = append(ctx.Hints, o.Hint)
	}
	b, err := encMode.Marshal(&ctx)
	if err != nil {
		return nil, fmt.Errorf("tx: encoding statement context: %w", err)
	}
	stmt.Context = sha256.Sum256(b)
	return stmt, nil
}
