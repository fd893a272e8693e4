// Package trust implements the aggregation core of the eigentrust protocol:
// signed opinions, the fixed-capacity participant set with its validity
// filter, and the bounded power iteration that turns filtered opinions into
// the global trust vector. All score arithmetic happens in the BN254 scalar
// field; nothing in this package touches floating point.
package trust

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/eigentrust/eigentrust/crypto"
)

// Deployment constants. NumNeighbors is both the participant-set capacity and
// the fixed length of every published score vector; NumIterations bounds the
// power iteration so its cost (and the proof circuit size) is known up front.
const (
	NumNeighbors  = 256
	NumIterations = 20
	InitialScore  = uint64(1000)
)

// Opinion-validation errors. None of these is ever fatal: an opinion that
// fails validation is discarded and its sender treated as silent.
var (
	// ErrBadHash is returned when an opinion's message hash does not match
	// its contents.
	ErrBadHash = errors.New("trust: message hash mismatch")

	// ErrBadProof is returned when an attached proof does not verify.
	ErrBadProof = errors.New("trust: bad opinion proof")

	// ErrWrongRecipient names the case of an opinion slot whose key does not
	// live at that set index. No function in this package returns it:
	// Set.Filter zeroes such scores without reporting an error.
	ErrWrongRecipient = errors.New("trust: score addressed to wrong recipient")
)

// Score is one slot of a published score vector: the public key the sender
// believes lives at that set index, and the score assigned to it.
type Score struct {
	Key   crypto.PublicKey
	Value fr.Element
}

// ScoreVector is the fixed-length vector of scores published in an opinion.
// Index positions correspond to participant-set slots.
type ScoreVector [NumNeighbors]Score

// Opinion is a participant's signed score vector for one (epoch, iteration).
type Opinion struct {
	From        crypto.PublicKey
	Epoch       Epoch
	Iter        uint32
	Scores      ScoreVector
	MessageHash fr.Element
	Sig         crypto.Signature

	// Proof optionally attests that the scores are consistent with the
	// signed digest. Opinions for epoch 0 may omit it.
	Proof []byte
}

// ProofVerifier checks the proof attached to an opinion. The concrete
// implementation lives in the proofs package; this narrow contract keeps the
// core generic over the proving system.
type ProofVerifier interface {
	VerifyOpinionProof(op *Opinion) error
}

// OpinionProver produces the proof bytes for a freshly built opinion.
type OpinionProver interface {
	ProveOpinion(op *Opinion) ([]byte, error)
}

// hashScores computes the opinion digest for the given header and vector.
func hashScores(epoch Epoch, iter uint32, scores *ScoreVector) fr.Element {
	keys := make([]fr.Element, NumNeighbors)
	values := make([]fr.Element, NumNeighbors)
	for i := range scores {
		keys[i] = crypto.KeyDigest(scores[i].Key)
		values[i] = scores[i].Value
	}
	return crypto.HashOpinion(uint64(epoch), iter, keys, values)
}

// NewOpinion hashes and signs a score vector, producing a well-formed
// opinion from the given keypair.
func NewOpinion(sec crypto.SecretKey, from crypto.PublicKey, epoch Epoch, iter uint32, scores ScoreVector) (*Opinion, error) {
	op := &Opinion{
		From:   from,
		Epoch:  epoch,
		Iter:   iter,
		Scores: scores,
	}
	op.MessageHash = hashScores(epoch, iter, &op.Scores)
	digest := op.MessageHash.Bytes()
	sig, err := crypto.Sign(sec, digest[:])
	if err != nil {
		return nil, fmt.Errorf("trust: signing opinion: %w", err)
	}
	op.Sig = sig
	return op, nil
}

// Verify checks the opinion against the expected sender: the message hash is
// recomputed from the contents, the signature is checked against it, and an
// attached proof is checked when a verifier is supplied. The zero Opinion is
// the "absent" placeholder and never verifies.
func (op *Opinion) Verify(expected crypto.PublicKey, verifier ProofVerifier) error {
	want := hashScores(op.Epoch, op.Iter, &op.Scores)
	if !want.Equal(&op.MessageHash) {
		return ErrBadHash
	}
	if op.From != expected {
		return crypto.ErrBadSignature
	}
	digest := op.MessageHash.Bytes()
	if err := crypto.Verify(expected, digest[:], op.Sig); err != nil {
		return err
	}
	if len(op.Proof) > 0 && verifier != nil {
		if err := verifier.VerifyOpinionProof(op); err != nil {
			return fmt.Errorf("%w: %v", ErrBadProof, err)
		}
	}
	return nil
}

// IsEmpty reports whether the opinion is the zero placeholder used when a
// participant has published nothing.
func (op *Opinion) IsEmpty() bool {
	if !op.From.IsNull() || op.Epoch != 0 || op.Iter != 0 {
		return false
	}
	if !op.MessageHash.IsZero() {
		return false
	}
	for i := range op.Scores {
		if !op.Scores[i].Key.IsNull() || !op.Scores[i].Value.IsZero() {
			return false
		}
	}
	return true
}
