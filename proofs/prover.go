package proofs

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/eigentrust/eigentrust/crypto"
	"github.com/eigentrust/eigentrust/trust"
)

var (
	// ErrNoProof is returned when verifying an opinion that carries no
	// proof bytes.
	ErrNoProof = errors.New("proofs: opinion carries no proof")

	// ErrMalformedBundle is returned when proof bytes do not decode.
	ErrMalformedBundle = errors.New("proofs: malformed proof bundle")
)

// Bundle is the wire form of an opinion proof: the Groth16 consistency
// proof plus the KZG commitment and blob proof over the score values.
type Bundle struct {
	Groth16    []byte
	Commitment []byte
	BlobProof  []byte
}

// System holds the proving and verifying material produced by Setup. All
// fields are read-only after construction and may be shared freely across
// goroutines.
type System struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
	kzg *ScoreCommitment
}

// Setup compiles the opinion circuit, runs the Groth16 key generation and
// loads the KZG context. It is a one-time operation taking several seconds;
// the resulting System serves the whole process lifetime.
func Setup() (*System, error) {
	var circuit OpinionCircuit
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("proofs: compiling opinion circuit: %w", err)
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("proofs: groth16 setup: %w", err)
	}
	kzg, err := NewScoreCommitment()
	if err != nil {
		return nil, err
	}
	return &System{ccs: ccs, pk: pk, vk: vk, kzg: kzg}, nil
}

// assignment builds the witness values for an opinion. The absorption order
// must match crypto.HashOpinion exactly.
func assignment(op *trust.Opinion) *OpinionCircuit {
	var c OpinionCircuit
	c.Epoch = uint64(op.Epoch)
	c.Iter = uint64(op.Iter)
	for i := range op.Scores {
		c.KeyDigests[i] = crypto.KeyDigest(op.Scores[i].Key)
		c.Values[i] = op.Scores[i].Value
	}
	c.MessageHash = op.MessageHash
	c.SenderDigest = crypto.KeyDigest(op.From)
	return &c
}

// ProveOpinion produces the proof bundle for a freshly built opinion.
func (s *System) ProveOpinion(op *trust.Opinion) ([]byte, error) {
	w, err := frontend.NewWitness(assignment(op), ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("proofs: building witness: %w", err)
	}
	proof, err := groth16.Prove(s.ccs, s.pk, w)
	if err != nil {
		return nil, fmt.Errorf("proofs: groth16 prove: %w", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("proofs: serializing proof: %w", err)
	}

	comm, blobProof, err := s.kzg.Commit(&op.Scores)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(&Bundle{
		Groth16:    buf.Bytes(),
		Commitment: comm[:],
		BlobProof:  blobProof[:],
	})
}

// VerifyOpinionProof checks the bundle attached to an opinion against its
// public contents: the Groth16 consistency proof first, then the KZG blob
// proof over the score values. It implements trust.ProofVerifier.
func (s *System) VerifyOpinionProof(op *trust.Opinion) error {
	if len(op.Proof) == 0 {
		return ErrNoProof
	}
	var bundle Bundle
	if err := rlp.DecodeBytes(op.Proof, &bundle); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(bundle.Groth16)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	w, err := frontend.NewWitness(assignment(op), ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("proofs: building public witness: %w", err)
	}
	if err := groth16.Verify(proof, s.vk, w); err != nil {
		return fmt.Errorf("proofs: groth16 verify: %w", err)
	}

	return s.kzg.Verify(&op.Scores, bundle.Commitment, bundle.BlobProof)
}
