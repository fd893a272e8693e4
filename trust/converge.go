package trust

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Converge filters the set and runs the bounded power iteration, returning
// the global score vector after NumIterations rounds. The iteration reads
// only the filtered view: nullified slots hold no opinion and propagate
// nothing.
//
// Each round distributes the raw published values,
//
//	next[j] += op_i.scores[j].value * cur[i]
//
// entirely in the scalar field. The core performs no normalization;
// projecting scores onto rationals is the display layer's job.
//
// The result is a pure function of the set contents: bitwise identical
// across runs and platforms.
func (s *Set) Converge() [NumNeighbors]fr.Element {
	scores, _ := s.converge(NumIterations, false)
	return scores
}

// AggregateStep filters the set and runs a single distribution round. This
// is the per-iteration step a peer invokes when folding the previous
// iteration's opinions into its next local opinion.
func (s *Set) AggregateStep() [NumNeighbors]fr.Element {
	scores, _ := s.converge(1, false)
	return scores
}

// ConvergeDelta is the alternate bounded specialization: it stops as soon as
// a round leaves the vector unchanged (exact field equality; a prime field
// has no norm to threshold against), or after maxIterations rounds. It
// returns the vector and the number of rounds run.
func (s *Set) ConvergeDelta(maxIterations int) ([NumNeighbors]fr.Element, int) {
	return s.converge(maxIterations, true)
}

func (s *Set) converge(iterations int, stopOnFixedPoint bool) ([NumNeighbors]fr.Element, int) {
	s.Filter()

	var cur [NumNeighbors]fr.Element
	for i := range s.members {
		cur[i] = s.members[i].Score
	}

	rounds := 0
	for t := 0; t < iterations; t++ {
		var next [NumNeighbors]fr.Element
		for i := range s.members {
			if s.members[i].Key.IsNull() || cur[i].IsZero() {
				continue
			}
			op := s.ops[s.members[i].Key]
			for j := range next {
				if op.Scores[j].Value.IsZero() {
					continue
				}
				var term fr.Element
				term.Mul(&op.Scores[j].Value, &cur[i])
				next[j].Add(&next[j], &term)
			}
		}
		rounds++
		if stopOnFixedPoint && vectorsEqual(&cur, &next) {
			cur = next
			break
		}
		cur = next
	}
	return cur, rounds
}

func vectorsEqual(a, b *[NumNeighbors]fr.Element) bool {
	for i := range a {
		if !a[i].Equal(&b[i]) {
			return false
		}
	}
	return true
}
