package proofs

import (
	"errors"
	"fmt"

	goethkzg "github.com/crate-crypto/go-eth-kzg"

	"github.com/eigentrust/eigentrust/trust"
)

var (
	// ErrBadCommitment is returned when a KZG commitment or blob proof has
	// the wrong size or does not verify against the score vector.
	ErrBadCommitment = errors.New("proofs: bad score commitment")
)

// commitmentSize is the compressed G1 size of KZG commitments and proofs.
const commitmentSize = 48

// scalarSize is the serialized size of one blob field element.
const scalarSize = 32

// ScoreCommitment wraps a go-eth-kzg context to commit to published score
// vectors. Score values are BN254 scalars, which are canonical BLS12-381
// scalars as well, so the vector embeds directly into a blob: value i at
// byte offset i*32, zero padding after. The context is read-only after
// construction.
type ScoreCommitment struct {
	ctx *goethkzg.Context
}

// NewScoreCommitment loads the embedded ceremony setup. This takes a few
// seconds on first use.
func NewScoreCommitment() (*ScoreCommitment, error) {
	ctx, err := goethkzg.NewContext4096Secure()
	if err != nil {
		return nil, fmt.Errorf("proofs: initializing kzg context: %w", err)
	}
	return &ScoreCommitment{ctx: ctx}, nil
}

// scoresToBlob lays the score values out as consecutive 32-byte big-endian
// scalars.
func scoresToBlob(scores *trust.ScoreVector) *goethkzg.Blob {
	var blob goethkzg.Blob
	for i := range scores {
		b := scores[i].Value.Bytes()
		copy(blob[i*scalarSize:(i+1)*scalarSize], b[:])
	}
	return &blob
}

// Commit computes the KZG commitment and blob proof for a score vector.
func (c *ScoreCommitment) Commit(scores *trust.ScoreVector) (goethkzg.KZGCommitment, goethkzg.KZGProof, error) {
	blob := scoresToBlob(scores)
	comm, err := c.ctx.BlobToKZGCommitment(blob, 0)
	if err != nil {
		return goethkzg.KZGCommitment{}, goethkzg.KZGProof{}, fmt.Errorf("proofs: kzg commit: %w", err)
	}
	proof, err := c.ctx.ComputeBlobKZGProof(blob, comm, 0)
	if err != nil {
		return goethkzg.KZGCommitment{}, goethkzg.KZGProof{}, fmt.Errorf("proofs: kzg blob proof: %w", err)
	}
	return comm, proof, nil
}

// Verify checks a commitment and blob proof against the score vector the
// verifier reconstructs locally.
func (c *ScoreCommitment) Verify(scores *trust.ScoreVector, commitment, proof []byte) error {
	if len(commitment) != commitmentSize || len(proof) != commitmentSize {
		return ErrBadCommitment
	}
	var comm goethkzg.KZGCommitment
	copy(comm[:], commitment)
	var p goethkzg.KZGProof
	copy(p[:], proof)

	if err := c.ctx.VerifyBlobKZGProof(scoresToBlob(scores), comm, p); err != nil {
		return fmt.Errorf("%w: %v", ErrBadCommitment, err)
	}
	return nil
}
