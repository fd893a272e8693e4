// Package proofs implements the proving side of the protocol: a Groth16
// circuit binding a published score vector to its signed digest, and KZG
// commitments over score vectors for light data-availability checks. Both
// ride inside an opinion's optional proof field.
package proofs

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"github.com/eigentrust/eigentrust/trust"
)

// OpinionCircuit proves that the public score vector is exactly the one
// bound by the opinion's signed message hash. The statement carries the full
// public inputs of the opinion-proof contract: epoch, iteration, the score
// slots (as key digests and values), the message hash, and the sender's key
// digest.
//
// The in-circuit MiMC absorbs the same field sequence as the native opinion
// hash, so the single equality constraint is the whole consistency argument.
type OpinionCircuit struct {
	Epoch        frontend.Variable                     `gnark:",public"`
	Iter         frontend.Variable                     `gnark:",public"`
	KeyDigests   [trust.NumNeighbors]frontend.Variable `gnark:",public"`
	Values       [trust.NumNeighbors]frontend.Variable `gnark:",public"`
	MessageHash  frontend.Variable                     `gnark:",public"`
	SenderDigest frontend.Variable                     `gnark:",public"`
}

// Define implements frontend.Circuit.
func (c *OpinionCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.Epoch, c.Iter)
	for i := 0; i < trust.NumNeighbors; i++ {
		h.Write(c.KeyDigests[i], c.Values[i])
	}
	api.AssertIsEqual(h.Sum(), c.MessageHash)
	return nil
}
