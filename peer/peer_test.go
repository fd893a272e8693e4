package peer

import (
	"encoding/binary"
	"errors"
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/eigentrust/eigentrust/crypto"
	"github.com/eigentrust/eigentrust/trust"
)

func testKeypair(t *testing.T, seed uint64) (crypto.PublicKey, crypto.SecretKey) {
	t.Helper()
	ikm := make([]byte, 32)
	binary.BigEndian.PutUint64(ikm, seed+1)
	pk, sk, err := crypto.GenerateKey(ikm)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return pk, sk
}

func testPeer(t *testing.T, seed uint64) *Peer {
	t.Helper()
	pk, sk := testKeypair(t, seed)
	p, err := New(Config{PubKey: pk, SecretKey: sk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func pidOf(pk crypto.PublicKey) crypto.PeerID {
	return crypto.DerivePeerID(pk)
}

func frVal(v uint64) fr.Element {
	var e fr.Element
	e.SetUint64(v)
	return e
}

func TestNewRejectsNullKey(t *testing.T) {
	if _, err := New(Config{}); err != crypto.ErrInvalidKeypair {
		t.Fatalf("got %v, want ErrInvalidKeypair", err)
	}
}

func TestAddRemoveNeighbor(t *testing.T) {
	p := testPeer(t, 0)
	pk1, _ := testKeypair(t, 1)
	pid := pidOf(pk1)

	if err := p.AddNeighbor(pid); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := p.AddNeighbor(pid); err != nil {
		t.Fatal(err)
	}
	if got := p.Neighbors(); len(got) != 1 || got[0] != pid {
		t.Fatalf("neighbors = %v", got)
	}

	p.RemoveNeighbor(pid)
	if got := p.Neighbors(); len(got) != 0 {
		t.Fatalf("neighbors after remove = %v", got)
	}
	// Removing an absent peer is a no-op.
	p.RemoveNeighbor(pid)
}

func TestAddNeighborFull(t *testing.T) {
	p := testPeer(t, 0)
	for i := 0; i < trust.NumNeighbors; i++ {
		pk, _ := testKeypair(t, uint64(100+i))
		if err := p.AddNeighbor(pidOf(pk)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	pk, _ := testKeypair(t, 9999)
	if err := p.AddNeighbor(pidOf(pk)); err != ErrMaxNeighborsReached {
		t.Fatalf("got %v, want ErrMaxNeighborsReached", err)
	}
}

func TestIdentifyNeighborLatestWins(t *testing.T) {
	p := testPeer(t, 0)
	pk1, _ := testKeypair(t, 1)
	pk2, _ := testKeypair(t, 2)
	pid := pidOf(pk1)

	p.IdentifyNeighbor(pid, pk1)
	p.IdentifyNeighbor(pid, pk2)
	got, ok := p.NeighborKey(pid)
	if !ok || got != pk2 {
		t.Fatal("latest identify should win")
	}
}

func TestOpinionCacheFallback(t *testing.T) {
	p := testPeer(t, 0)
	pk1, _ := testKeypair(t, 1)
	key := OpinionKey{Peer: pidOf(pk1), Epoch: 3, Iter: 1}

	if op := p.LocalOpinion(key); !op.IsEmpty() {
		t.Fatal("missing local opinion should be empty")
	}
	if op := p.NeighborOpinion(key); !op.IsEmpty() {
		t.Fatal("missing neighbor opinion should be empty")
	}
}

// neighborOpinionScoring builds a signed opinion from a neighbor keypair
// that assigns `score` to target at slot `slot`.
func neighborOpinionScoring(t *testing.T, sk crypto.SecretKey, from crypto.PublicKey, target crypto.PublicKey, slot int, score uint64, epoch trust.Epoch, iter uint32) *trust.Opinion {
	t.Helper()
	var scores trust.ScoreVector
	scores[slot] = trust.Score{Key: target, Value: frVal(score)}
	op, err := trust.NewOpinion(sk, from, epoch, iter, scores)
	if err != nil {
		t.Fatal(err)
	}
	return op
}

func TestCacheNeighborOpinion(t *testing.T) {
	p := testPeer(t, 0)
	npk, nsk := testKeypair(t, 1)
	pid := pidOf(npk)

	op := neighborOpinionScoring(t, nsk, npk, p.PubKey(), 0, 250, 5, 2)

	// Unidentified sender: discarded.
	if err := p.CacheNeighborOpinion(pid, op); !errors.Is(err, ErrUnknownNeighbor) {
		t.Fatalf("got %v, want ErrUnknownNeighbor", err)
	}

	p.IdentifyNeighbor(pid, npk)
	if err := p.CacheNeighborOpinion(pid, op); err != nil {
		t.Fatalf("CacheNeighborOpinion: %v", err)
	}
	key := OpinionKey{Peer: pid, Epoch: 5, Iter: 2}
	if got := p.NeighborOpinion(key); got.IsEmpty() {
		t.Fatal("opinion not cached")
	}

	// A tampered opinion is discarded, not stored.
	bad := neighborOpinionScoring(t, nsk, npk, p.PubKey(), 0, 300, 5, 3)
	bad.Scores[0].Value = frVal(999)
	if err := p.CacheNeighborOpinion(pid, bad); err == nil {
		t.Fatal("tampered opinion accepted")
	}
	if got := p.NeighborOpinion(OpinionKey{Peer: pid, Epoch: 5, Iter: 3}); !got.IsEmpty() {
		t.Fatal("tampered opinion cached")
	}
}

func TestGlobalTrustScoreSumsNeighborOpinions(t *testing.T) {
	p := testPeer(t, 0)

	want := frVal(0)
	for i := 0; i < 3; i++ {
		npk, nsk := testKeypair(t, uint64(10+i))
		pid := pidOf(npk)
		if err := p.AddNeighbor(pid); err != nil {
			t.Fatal(err)
		}
		p.IdentifyNeighbor(pid, npk)

		score := uint64(100 * (i + 1))
		op := neighborOpinionScoring(t, nsk, npk, p.PubKey(), 0, score, 4, 1)
		if err := p.CacheNeighborOpinion(pid, op); err != nil {
			t.Fatal(err)
		}
		s := frVal(score)
		want.Add(&want, &s)
	}

	got := p.GlobalTrustScoreAt(4, 1)
	if !got.Equal(&want) {
		t.Fatalf("global trust = %s, want %s", got.String(), want.String())
	}
	// A round nobody scored sums to zero.
	if got := p.GlobalTrustScoreAt(4, 2); !got.IsZero() {
		t.Fatal("unscored round should sum to zero")
	}
}

func TestCalculateLocalOpinionInitialRound(t *testing.T) {
	p := testPeer(t, 0)

	var pids []crypto.PeerID
	var pks []crypto.PublicKey
	for i := 0; i < 2; i++ {
		npk, _ := testKeypair(t, uint64(20+i))
		pid := pidOf(npk)
		pids = append(pids, pid)
		pks = append(pks, npk)
		if err := p.AddNeighbor(pid); err != nil {
			t.Fatal(err)
		}
		p.IdentifyNeighbor(pid, npk)
	}
	p.SetScore(pids[0], 30)
	p.SetScore(pids[1], 10)

	op, err := p.CalculateLocalOpinion(pids[0], 2, 0)
	if err != nil {
		t.Fatalf("CalculateLocalOpinion: %v", err)
	}
	if err := op.Verify(p.PubKey(), nil); err != nil {
		t.Fatalf("own opinion does not verify: %v", err)
	}
	if op.Epoch != 2 || op.Iter != 0 {
		t.Fatalf("wrong round: %d/%d", op.Epoch, op.Iter)
	}
	if op.Scores[0].Key != pks[0] || op.Scores[1].Key != pks[1] {
		t.Fatal("slot keys do not match the neighbor table")
	}

	// At iteration 0 the initial score is distributed 30:10.
	sum := op.Scores[0].Value
	sum.Add(&sum, &op.Scores[1].Value)
	if want := frVal(trust.InitialScore); !sum.Equal(&want) {
		t.Fatalf("distributed total = %s, want %d", sum.String(), trust.InitialScore)
	}
	three := frVal(3)
	var scaled fr.Element
	scaled.Mul(&op.Scores[1].Value, &three)
	if !scaled.Equal(&op.Scores[0].Value) {
		t.Fatal("scores not distributed proportionally to raw scores")
	}

	// Cached under the requesting peer, and memoized for the round.
	if got := p.LocalOpinion(OpinionKey{Peer: pids[0], Epoch: 2, Iter: 0}); got != op {
		t.Fatal("opinion not cached for the requester")
	}
	op2, err := p.CalculateLocalOpinion(pids[1], 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if op2 != op {
		t.Fatal("round opinion should be memoized across requesters")
	}
}

func TestCalculateLocalOpinionLaterRoundAggregatesPreviousIter(t *testing.T) {
	p := testPeer(t, 0)
	npk, nsk := testKeypair(t, 30)
	pid := pidOf(npk)
	if err := p.AddNeighbor(pid); err != nil {
		t.Fatal(err)
	}
	p.IdentifyNeighbor(pid, npk)
	p.SetScore(pid, 50)

	// Publish our own iteration-0 opinion so our slot survives the filter,
	// then cache the neighbor's: it scored us 400 at (6, 0).
	if _, err := p.CalculateLocalOpinion(pid, 6, 0); err != nil {
		t.Fatal(err)
	}
	in := neighborOpinionScoring(t, nsk, npk, p.PubKey(), 0, 400, 6, 0)
	if err := p.CacheNeighborOpinion(pid, in); err != nil {
		t.Fatal(err)
	}

	// One aggregation round over (6, 0): our standing is the neighbor's
	// raw score for us times its initial set score, and the sole neighbor
	// receives all of it.
	op, err := p.CalculateLocalOpinion(pid, 6, 1)
	if err != nil {
		t.Fatal(err)
	}
	if want := frVal(400 * trust.InitialScore); !op.Scores[0].Value.Equal(&want) {
		t.Fatalf("distributed %s, want %d", op.Scores[0].Value.String(), 400*trust.InitialScore)
	}
}

func TestConvergeEpochRunsFullIteration(t *testing.T) {
	p := testPeer(t, 0)

	n1pk, n1sk := testKeypair(t, 31)
	n2pk, n2sk := testKeypair(t, 32)
	pid1, pid2 := pidOf(n1pk), pidOf(n2pk)
	for _, pid := range []crypto.PeerID{pid1, pid2} {
		if err := p.AddNeighbor(pid); err != nil {
			t.Fatal(err)
		}
	}
	p.IdentifyNeighbor(pid1, n1pk)
	p.IdentifyNeighbor(pid2, n2pk)

	// Final-iteration opinions: the neighbors score each other at the
	// initial score (slot positions in their own layouts are irrelevant:
	// the peer re-indexes by key). We publish nothing, so our slot is
	// nullified and the convergence runs over the symmetric neighbor pair.
	const finalIter = trust.NumIterations - 1
	var s1 trust.ScoreVector
	s1[0] = trust.Score{Key: n2pk, Value: frVal(trust.InitialScore)}
	op1, err := trust.NewOpinion(n1sk, n1pk, 9, finalIter, s1)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.CacheNeighborOpinion(pid1, op1); err != nil {
		t.Fatal(err)
	}
	var s2 trust.ScoreVector
	s2[1] = trust.Score{Key: n1pk, Value: frVal(trust.InitialScore)}
	op2, err := trust.NewOpinion(n2sk, n2pk, 9, finalIter, s2)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.CacheNeighborOpinion(pid2, op2); err != nil {
		t.Fatal(err)
	}

	members, scores := p.ConvergeEpoch(9)

	if !members[0].Key.IsNull() || !scores[0].IsZero() {
		t.Fatal("our silent slot should be nullified with a zero score")
	}
	if members[1].Key != n1pk || members[2].Key != n2pk {
		t.Fatalf("unexpected slot layout: %v / %v", members[1].Key, members[2].Key)
	}
	if !scores[1].Equal(&scores[2]) {
		t.Fatalf("symmetric pair diverged: %s vs %s", scores[1].String(), scores[2].String())
	}

	r := fr.Modulus()
	want := new(big.Int).Exp(
		new(big.Int).SetUint64(trust.InitialScore),
		big.NewInt(int64(trust.NumIterations+1)), r)
	got := scores[1].Bytes()
	if new(big.Int).SetBytes(got[:]).Cmp(want) != 0 {
		t.Fatalf("slot 1 = %s, want %s", scores[1].String(), want)
	}
	for i := 3; i < trust.NumNeighbors; i++ {
		if !scores[i].IsZero() {
			t.Fatalf("slot %d nonzero", i)
		}
	}
}

func TestCalculateLocalOpinionZeroStanding(t *testing.T) {
	p := testPeer(t, 0)
	npk, _ := testKeypair(t, 40)
	pid := pidOf(npk)
	if err := p.AddNeighbor(pid); err != nil {
		t.Fatal(err)
	}
	p.IdentifyNeighbor(pid, npk)
	p.SetScore(pid, 50)

	// No neighbor opinions at (7, 0): iteration 1 has nothing to
	// distribute, but the opinion still names the slot assignment.
	op, err := p.CalculateLocalOpinion(pid, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !op.Scores[0].Value.IsZero() {
		t.Fatal("expected zero distribution")
	}
	if op.Scores[0].Key != npk {
		t.Fatal("slot key missing")
	}
}

func TestEvictBefore(t *testing.T) {
	p := testPeer(t, 0)
	npk, nsk := testKeypair(t, 50)
	pid := pidOf(npk)
	if err := p.AddNeighbor(pid); err != nil {
		t.Fatal(err)
	}
	p.IdentifyNeighbor(pid, npk)

	for _, epoch := range []trust.Epoch{1, 2, 3, 4} {
		op := neighborOpinionScoring(t, nsk, npk, p.PubKey(), 0, 100, epoch, 0)
		if err := p.CacheNeighborOpinion(pid, op); err != nil {
			t.Fatal(err)
		}
		if _, err := p.CalculateLocalOpinion(pid, epoch, 0); err != nil {
			t.Fatal(err)
		}
	}

	p.EvictBefore(4) // window of DefaultCacheEpochs=2 keeps epochs >= 2

	for _, tt := range []struct {
		epoch trust.Epoch
		kept  bool
	}{{1, false}, {2, true}, {3, true}, {4, true}} {
		key := OpinionKey{Peer: pid, Epoch: tt.epoch, Iter: 0}
		if got := !p.NeighborOpinion(key).IsEmpty(); got != tt.kept {
			t.Errorf("neighbor opinion epoch %d kept=%v, want %v", tt.epoch, got, tt.kept)
		}
		if got := !p.LocalOpinion(key).IsEmpty(); got != tt.kept {
			t.Errorf("local opinion epoch %d kept=%v, want %v", tt.epoch, got, tt.kept)
		}
	}
}
