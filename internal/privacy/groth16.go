// groth16.go - Groth16 backend for the transition circuit.
//
// Keys are generated once per key directory and reused across restarts. A key
// directory produced by one circuit version cannot verify proofs of another.

package privacy

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"

	"shieldledger/internal/ledgercore"
)

const (
	provingKeyFile   = "transition_pk.bin"
	verifyingKeyFile = "transition_vk.bin"
)

// Groth16 proves and verifies transitions with gnark over BW6-761.
type Groth16 struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// CompileCircuit compiles TransitionCircuit to R1CS.
func CompileCircuit() (constraint.ConstraintSystem, error) {
	var circuit TransitionCircuit
	ccs, err := frontend.Compile(ecc.BW6_761.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("privacy: circuit compilation failed: %w", err)
	}
	return ccs, nil
}

// SetupGroth16 compiles the circuit and runs a fresh (insecure, single party)
// setup. Intended for tests and development networks.
func SetupGroth16() (*Groth16, error) {
	ccs, err := CompileCircuit()
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("privacy: setup failed: %w", err)
	}
	return &Groth16{ccs: ccs, pk: pk, vk: vk}, nil
}

// LoadOrSetupGroth16 loads keys from dir, generating and saving them when
// either is missing.
func LoadOrSetupGroth16(dir string) (*Groth16, error) {
	ccs, err := CompileCircuit()
	if err != nil {
		return nil, err
	}
	pkPath := filepath.Join(dir, provingKeyFile)
	vkPath := filepath.Join(dir, verifyingKeyFile)
	pk, pkErr := loadProvingKey(pkPath)
	vk, vkErr := loadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		return &Groth16{ccs: ccs, pk: pk, vk: vk}, nil
	}
	pk, vk, err = groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("privacy: setup failed: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("privacy: creating key dir: %w", err)
	}
	if err := writeKey(pkPath, pk); err != nil {
		return nil, err
	}
	if err := writeKey(vkPath, vk); err != nil {
		return nil, err
	}
	return &Groth16{ccs: ccs, pk: pk, vk: vk}, nil
}

func writeKey(path string, key io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("privacy: writing %s: %w", path, err)
	}
	defer f.Close()
	if _, err := key.WriteTo(f); err != nil {
		return fmt.Errorf("privacy: writing %s: %w", path, err)
	}
	return nil
}

func loadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BW6_761)
	if _, err := pk.ReadFrom(f); err != nil {
		return nil, err
	}
	return pk, nil
}

func loadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BW6_761)
	if _, err := vk.ReadFrom(f); err != nil {
		return nil, err
	}
	return vk, nil
}

// publicAssignment fills the public inputs of the circuit from a statement.
func publicAssignment(stmt *Statement) (*TransitionCircuit, error) {
	digest, err := stmt.Digest()
	if err != nil {
		return nil, err
	}
	in, out := stmt.PublicFlows()
	c := &TransitionCircuit{
		Binding:   new(big.Int).SetBytes(digest[:]),
		Program:   ProgramElement(stmt.ProgramID).BigInt(),
		Root:      stmt.Root.BigInt(),
		PublicIn:  in,
		PublicOut: out,
	}
	for i := range c.Slots {
		s := &c.Slots[i]
		s.Mode, s.Nullifier, s.Commitment = 0, 0, 0
		if i < len(stmt.Outputs) {
			o := stmt.Outputs[i]
			s.Mode = int(o.Mode)
			s.Nullifier = o.Nullifier.BigInt()
			s.Commitment = o.Commitment.BigInt()
		}
	}
	return c, nil
}

func fullAssignment(stmt *Statement, w *Witness) (*TransitionCircuit, error) {
	c, err := publicAssignment(stmt)
	if err != nil {
		return nil, err
	}
	for i := range c.Slots {
		s := &c.Slots[i]
		if i >= len(w.Slots) {
			s.Nsk, s.Npk, s.OwnerIn, s.BalanceIn, s.DataIn, s.NonceIn, s.RandIn = 0, 0, 0, 0, 0, 0, 0
			s.LeafIndex, s.BalanceOut, s.DataOut, s.RandOut = 0, 0, 0, 0
			for j := range s.Path {
				s.Path[j] = 0
			}
			continue
		}
		sw := &w.Slots[i]
		s.Nsk = sw.Nsk.BigInt()
		s.Npk = sw.Npk.BigInt()
		s.OwnerIn = ProgramElement(sw.Pre.ProgramOwner).BigInt()
		s.BalanceIn = sw.Pre.Balance.ToBig()
		s.DataIn = DataElement(sw.Pre.Data).BigInt()
		s.NonceIn = sw.Pre.Nonce.ToBig()
		s.RandIn = sw.PreRandomness.BigInt()
		s.LeafIndex = new(big.Int).SetUint64(sw.LeafIndex)
		for j := range s.Path {
			s.Path[j] = 0
			if j < len(sw.Siblings) {
				s.Path[j] = sw.Siblings[j].BigInt()
			}
		}
		s.BalanceOut = sw.Post.Balance.ToBig()
		s.DataOut = DataElement(sw.Post.Data).BigInt()
		s.RandOut = sw.PostRandomness.BigInt()
	}
	return c, nil
}

// Prove checks the witness natively and produces a serialized Groth16 proof.
func (g *Groth16) Prove(stmt *Statement, w *Witness) ([]byte, error) {
	if err := CheckWitness(stmt, w); err != nil {
		return nil, err
	}
	assignment, err := fullAssignment(stmt, w)
	if err != nil {
		return nil, err
	}
	fullWitness, err := frontend.NewWitness(assignment, ecc.BW6_761.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("privacy: witness creation failed: %w", err)
	}
	proof, err := groth16.Prove(g.ccs, g.pk, fullWitness)
	if err != nil {
		return nil, fmt.Errorf("privacy: proof generation failed: %w", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("privacy: proof marshaling failed: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify checks a serialized proof against the statement.
func (g *Groth16) Verify(stmt *Statement, proofBytes []byte) error {
	if err := stmt.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ledgercore.ErrInvalidProof, err)
	}
	assignment, err := publicAssignment(stmt)
	if err != nil {
		return fmt.Errorf("%w: %v", ledgercore.ErrInvalidProof, err)
	}
	publicWitness, err := frontend.NewWitness(assignment, ecc.BW6_761.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("%w: public witness: %v", ledgercore.ErrInvalidProof, err)
	}
	proof := groth16.NewProof(ecc.BW6_761)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return fmt.Errorf("%w: proof unmarshaling failed: %v", ledgercore.ErrInvalidProof, err)
	}
	if err := groth16.Verify(proof, g.vk, publicWitness); err != nil {
		return fmt.Errorf("%w: %v", ledgercore.ErrInvalidProof, err)
	}
	return nil
}
