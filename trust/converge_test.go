package trust

import (
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Two members, no opinions: everyone is nullified and the vector is zero.
func TestConvergeNoOpinions(t *testing.T) {
	s := NewSet()
	pk1, _ := testKeypair(t, 1)
	pk2, _ := testKeypair(t, 2)
	mustAdd(t, s, pk1, pk2)

	scores := s.Converge()

	members := s.Members()
	if !members[0].Key.IsNull() || !members[1].Key.IsNull() {
		t.Fatal("expected both slots nullified")
	}
	for i := range scores {
		if !scores[i].IsZero() {
			t.Fatalf("slot %d nonzero after converge", i)
		}
	}
}

// One-sided opinion: the silent member is nullified, which cascades to the
// publisher whose only score pointed at it. The vector is all zero.
func TestConvergeOneSidedOpinion(t *testing.T) {
	s := NewSet()
	pk1, sk1 := testKeypair(t, 1)
	pk2, _ := testKeypair(t, 2)
	mustAdd(t, s, pk1, pk2)

	var scores1 ScoreVector
	scores1[1] = Score{Key: pk2, Value: frVal(InitialScore)}
	mustUpdate(t, s, pk1, signedOp(t, sk1, pk1, 0, 0, scores1))

	out := s.Converge()
	for i := range out {
		if !out[i].IsZero() {
			t.Fatalf("slot %d nonzero", i)
		}
	}
}

// Symmetric pair: the raw scores swap every round, so both entries stay
// equal and everything else stays zero. After NumIterations rounds each
// entry is InitialScore^(NumIterations+1) in the field.
func TestConvergeSymmetricPair(t *testing.T) {
	s := NewSet()
	pk1, sk1 := testKeypair(t, 1)
	pk2, sk2 := testKeypair(t, 2)
	mustAdd(t, s, pk1, pk2)

	var scores1 ScoreVector
	scores1[1] = Score{Key: pk2, Value: frVal(InitialScore)}
	mustUpdate(t, s, pk1, signedOp(t, sk1, pk1, 0, 0, scores1))

	var scores2 ScoreVector
	scores2[0] = Score{Key: pk1, Value: frVal(InitialScore)}
	mustUpdate(t, s, pk2, signedOp(t, sk2, pk2, 0, 0, scores2))

	out := s.Converge()

	if !out[0].Equal(&out[1]) {
		t.Errorf("slots differ: %s vs %s", out[0].String(), out[1].String())
	}
	for i := 2; i < NumNeighbors; i++ {
		if !out[i].IsZero() {
			t.Fatalf("slot %d nonzero", i)
		}
	}

	r := fr.Modulus()
	want := new(big.Int).Exp(
		new(big.Int).SetUint64(InitialScore),
		big.NewInt(int64(NumIterations+1)), r)
	got := out[0].Bytes()
	if new(big.Int).SetBytes(got[:]).Cmp(want) != 0 {
		t.Errorf("slot 0 = %s, want %s", out[0].String(), want)
	}
}

// Three members with full opinions, checked bit-for-bit against an
// independent math/big power iteration of the raw 3x3 transition matrix.
func TestConvergeThreeMembersMatchesReference(t *testing.T) {
	s := NewSet()
	pk1, sk1 := testKeypair(t, 1)
	pk2, sk2 := testKeypair(t, 2)
	pk3, sk3 := testKeypair(t, 3)
	mustAdd(t, s, pk1, pk2, pk3)

	var scores1 ScoreVector
	scores1[1] = Score{Key: pk2, Value: frVal(300)}
	scores1[2] = Score{Key: pk3, Value: frVal(700)}
	mustUpdate(t, s, pk1, signedOp(t, sk1, pk1, 0, 0, scores1))

	var scores2 ScoreVector
	scores2[0] = Score{Key: pk1, Value: frVal(600)}
	scores2[2] = Score{Key: pk3, Value: frVal(400)}
	mustUpdate(t, s, pk2, signedOp(t, sk2, pk2, 0, 0, scores2))

	var scores3 ScoreVector
	scores3[0] = Score{Key: pk1, Value: frVal(600)}
	scores3[1] = Score{Key: pk2, Value: frVal(400)}
	mustUpdate(t, s, pk3, signedOp(t, sk3, pk3, 0, 0, scores3))

	out := s.Converge()

	want := referenceConverge([3][3]uint64{
		{0, 300, 700},
		{600, 0, 400},
		{600, 400, 0},
	}, [3]uint64{InitialScore, InitialScore, InitialScore}, NumIterations)

	for i := 0; i < 3; i++ {
		got := out[i].Bytes()
		if new(big.Int).SetBytes(got[:]).Cmp(want[i]) != 0 {
			t.Errorf("slot %d = %s, want %s", i, out[i].String(), want[i])
		}
	}
	for i := 3; i < NumNeighbors; i++ {
		if !out[i].IsZero() {
			t.Fatalf("slot %d nonzero", i)
		}
	}
}

// A nullified slot never accumulates score in any round.
func TestConvergeNullifiedSlotStaysZero(t *testing.T) {
	s := NewSet()
	pk1, sk1 := testKeypair(t, 1)
	pk2, sk2 := testKeypair(t, 2)
	pk3, _ := testKeypair(t, 3)
	mustAdd(t, s, pk1, pk2, pk3)

	var scores1 ScoreVector
	scores1[1] = Score{Key: pk2, Value: frVal(300)}
	scores1[2] = Score{Key: pk3, Value: frVal(700)}
	mustUpdate(t, s, pk1, signedOp(t, sk1, pk1, 0, 0, scores1))

	var scores2 ScoreVector
	scores2[0] = Score{Key: pk1, Value: frVal(600)}
	scores2[2] = Score{Key: pk3, Value: frVal(400)}
	mustUpdate(t, s, pk2, signedOp(t, sk2, pk2, 0, 0, scores2))

	for iters := 1; iters <= 5; iters++ {
		out, _ := s.ConvergeDelta(iters)
		if !out[2].IsZero() {
			t.Fatalf("nullified slot accumulated score after %d rounds", iters)
		}
	}
}

// Identical inputs produce bitwise identical outputs.
func TestConvergeDeterministic(t *testing.T) {
	build := func() *Set {
		s := NewSet()
		pk1, sk1 := testKeypair(t, 1)
		pk2, sk2 := testKeypair(t, 2)
		mustAdd(t, s, pk1, pk2)

		var scores1 ScoreVector
		scores1[1] = Score{Key: pk2, Value: frVal(123)}
		mustUpdate(t, s, pk1, signedOp(t, sk1, pk1, 0, 0, scores1))

		var scores2 ScoreVector
		scores2[0] = Score{Key: pk1, Value: frVal(456)}
		mustUpdate(t, s, pk2, signedOp(t, sk2, pk2, 0, 0, scores2))
		return s
	}

	a := build().Converge()
	b := build().Converge()
	for i := range a {
		ab, bb := a[i].Bytes(), b[i].Bytes()
		if ab != bb {
			t.Fatalf("slot %d differs between runs", i)
		}
	}
}

// AggregateStep is exactly one round of the same engine.
func TestAggregateStepIsOneRound(t *testing.T) {
	build := func() *Set {
		s := NewSet()
		pk1, sk1 := testKeypair(t, 1)
		pk2, sk2 := testKeypair(t, 2)
		mustAdd(t, s, pk1, pk2)

		var scores1 ScoreVector
		scores1[1] = Score{Key: pk2, Value: frVal(300)}
		mustUpdate(t, s, pk1, signedOp(t, sk1, pk1, 0, 0, scores1))

		var scores2 ScoreVector
		scores2[0] = Score{Key: pk1, Value: frVal(700)}
		mustUpdate(t, s, pk2, signedOp(t, sk2, pk2, 0, 0, scores2))
		return s
	}

	step := build().AggregateStep()
	one, rounds := build().ConvergeDelta(1)
	if rounds != 1 {
		t.Fatalf("ConvergeDelta(1) ran %d rounds", rounds)
	}
	for i := range step {
		if !step[i].Equal(&one[i]) {
			t.Fatalf("slot %d differs from a single ConvergeDelta round", i)
		}
	}

	// next[0] = 700 * 1000, next[1] = 300 * 1000.
	if want := frVal(700 * InitialScore); !step[0].Equal(&want) {
		t.Errorf("slot 0 = %s, want %d", step[0].String(), 700*InitialScore)
	}
	if want := frVal(300 * InitialScore); !step[1].Equal(&want) {
		t.Errorf("slot 1 = %s, want %d", step[1].String(), 300*InitialScore)
	}
}

// referenceConverge is an independent implementation of the filtered power
// iteration over the BN254 scalar field using math/big: the raw transition
// matrix is iterated as-is, with no normalization.
func referenceConverge(matrix [3][3]uint64, initial [3]uint64, rounds int) [3]*big.Int {
	r := fr.Modulus()

	var s [3]*big.Int
	for i := range s {
		s[i] = new(big.Int).SetUint64(initial[i])
	}
	for round := 0; round < rounds; round++ {
		var next [3]*big.Int
		for j := range next {
			next[j] = new(big.Int)
		}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				term := new(big.Int).Mul(s[i], new(big.Int).SetUint64(matrix[i][j]))
				next[j].Add(next[j], term)
				next[j].Mod(next[j], r)
			}
		}
		s = next
	}
	return s
}

func TestConvergeDeltaStopsAtFixedPoint(t *testing.T) {
	s := NewSet()
	pk1, sk1 := testKeypair(t, 1)
	pk2, sk2 := testKeypair(t, 2)
	mustAdd(t, s, pk1, pk2)

	// Unit scores make the symmetric swap a fixed point: each round maps
	// [x, y] to [y, x] with multiplier one, and the start vector is equal
	// on both slots.
	var scores1 ScoreVector
	scores1[1] = Score{Key: pk2, Value: frVal(1)}
	mustUpdate(t, s, pk1, signedOp(t, sk1, pk1, 0, 0, scores1))

	var scores2 ScoreVector
	scores2[0] = Score{Key: pk1, Value: frVal(1)}
	mustUpdate(t, s, pk2, signedOp(t, sk2, pk2, 0, 0, scores2))

	out, rounds := s.ConvergeDelta(NumIterations)
	if rounds >= NumIterations {
		t.Errorf("expected early stop, ran %d rounds", rounds)
	}
	if want := frVal(InitialScore); !out[0].Equal(&want) || !out[1].Equal(&want) {
		t.Errorf("unexpected fixed point: %s / %s", out[0].String(), out[1].String())
	}
}
