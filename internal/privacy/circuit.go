package privacy

import (
	"math/big"

	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// u128Bound is 2^128, the offset used to read the sign of a balance delta.
var u128Bound = new(big.Int).Lsh(big.NewInt(1), 128)

// SlotCircuit is one private account slot of the transition circuit.
type SlotCircuit struct {
	// Public inputs
	Mode       frontend.Variable `gnark:",public"`
	Nullifier  frontend.Variable `gnark:",public"`
	Commitment frontend.Variable `gnark:",public"`

	// Private inputs
	Nsk       frontend.Variable
	Npk       frontend.Variable
	OwnerIn   frontend.Variable
	BalanceIn frontend.Variable
	DataIn    frontend.Variable
	NonceIn   frontend.Variable
	RandIn    frontend.Variable
	LeafIndex frontend.Variable
	Path      [TreeDepth]frontend.Variable

	BalanceOut frontend.Variable
	DataOut    frontend.Variable
	RandOut    frontend.Variable
}

// TransitionCircuit proves that the private side of a transition is consistent:
// the consumed versions are members of Root and owned by the prover, the
// nullifiers and new commitments are derived correctly, ownership rules hold for
// private accounts, and value is conserved across public and private accounts.
// Binding ties the proof to the full statement digest.
type TransitionCircuit struct {
	Binding   frontend.Variable `gnark:",public"`
	Program   frontend.Variable `gnark:",public"`
	Root      frontend.Variable `gnark:",public"`
	PublicIn  frontend.Variable `gnark:",public"`
	PublicOut frontend.Variable `gnark:",public"`

	Slots [MaxPrivateAccounts]SlotCircuit
}

func hashVars(api frontend.API, vars ...frontend.Variable) (frontend.Variable, error) {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return nil, err
	}
	h.Write(vars...)
	return h.Sum(), nil
}

func (c *TransitionCircuit) Define(api frontend.API) error {
	api.AssertIsDifferent(c.Binding, 0)

	totalIn := frontend.Variable(c.PublicIn)
	totalOut := frontend.Variable(c.PublicOut)

	for i := range c.Slots {
		s := &c.Slots[i]

		// mode in {unused, update, init}
		api.AssertIsEqual(api.Mul(s.Mode, api.Sub(s.Mode, 1), api.Sub(s.Mode, 2)), 0)
		isUpdate := api.IsZero(api.Sub(s.Mode, 1))
		isInit := api.IsZero(api.Sub(s.Mode, 2))
		isActive := api.Add(isUpdate, isInit)

		// key ownership: npk = H(nsk) for consumed versions
		npk, err := hashVars(api, s.Nsk)
		if err != nil {
			return err
		}
		api.AssertIsEqual(api.Mul(isUpdate, api.Sub(s.Npk, npk)), 0)

		// fresh accounts start from the default state
		api.AssertIsEqual(api.Mul(isInit, s.OwnerIn), 0)
		api.AssertIsEqual(api.Mul(isInit, s.BalanceIn), 0)
		api.AssertIsEqual(api.Mul(isInit, s.DataIn), 0)
		api.AssertIsEqual(api.Mul(isInit, s.NonceIn), 0)

		cmIn, err := hashVars(api, s.Npk, s.OwnerIn, s.BalanceIn, s.DataIn, s.NonceIn, s.RandIn)
		if err != nil {
			return err
		}

		// membership of the consumed version
		bits := api.ToBinary(s.LeafIndex, TreeDepth)
		node := cmIn
		for level := 0; level < TreeDepth; level++ {
			left := api.Select(bits[level], s.Path[level], node)
			right := api.Select(bits[level], node, s.Path[level])
			if node, err = hashVars(api, left, right); err != nil {
				return err
			}
		}
		api.AssertIsEqual(api.Mul(isUpdate, api.Sub(node, c.Root)), 0)

		// nullifier = H(cmIn, nsk) for updates, zero otherwise
		nf, err := hashVars(api, cmIn, s.Nsk)
		if err != nil {
			return err
		}
		api.AssertIsEqual(s.Nullifier, api.Mul(isUpdate, nf))

		// claim: an unclaimed account is taken by the executing program
		ownerOut := api.Select(api.IsZero(s.OwnerIn), c.Program, s.OwnerIn)

		// debits only by the owning program
		delta := api.Add(api.Sub(s.BalanceOut, s.BalanceIn), u128Bound)
		deltaBits := api.ToBinary(delta, 129)
		isDebit := api.Sub(1, deltaBits[128])
		api.AssertIsEqual(api.Mul(isUpdate, isDebit, api.Sub(s.OwnerIn, c.Program)), 0)

		// data changes only by the owner or on claim
		dataChanged := api.Sub(1, api.IsZero(api.Sub(s.DataOut, s.DataIn)))
		api.AssertIsEqual(api.Mul(isActive, dataChanged, s.OwnerIn, api.Sub(s.OwnerIn, c.Program)), 0)

		// balances stay within u128
		api.ToBinary(s.BalanceOut, 128)

		nonceOut := api.Add(s.NonceIn, 1)
		cmOut, err := hashVars(api, s.Npk, ownerOut, s.BalanceOut, s.DataOut, nonceOut, s.RandOut)
		if err != nil {
			return err
		}
		api.AssertIsEqual(s.Commitment, api.Mul(isActive, cmOut))

		totalIn = api.Add(totalIn, api.Mul(isActive, s.BalanceIn))
		totalOut = api.Add(totalOut, api.Mul(isActive, s.BalanceOut))
	}

	api.AssertIsEqual(totalIn, totalOut)
	return nil
}
