// Package privacy implements the cryptography of the private account region.
//
// Overview:
//   - A private account version is published only as a commitment
//     MiMC(npk, owner, balance, H(data), nonce, randomness)
//   - Superseding a version publishes its nullifier MiMC(commitment, nsk); the
//     ledger rejects any nullifier it has already seen
//   - New versions are announced to their holder through hints: notes sealed
//     with a BLS12-377 Diffie-Hellman secret and ChaCha20-Poly1305
//   - Transitions are attested by a proof over a public Statement; the ledger
//     only ever calls Verifier.Verify
//
// Proof systems:
//   - Groth16: gnark Groth16 over BW6-761 for TransitionCircuit
//   - DevOracle: HMAC "proofs" for local networks and tests
//
// Both provers run CheckWitness first, which evaluates the circuit constraints
// natively.
package privacy
