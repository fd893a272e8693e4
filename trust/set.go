package trust

import (
	"errors"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/eigentrust/eigentrust/crypto"
)

// Membership errors.
var (
	// ErrAlreadyMember is returned when adding a key that is already in
	// the set.
	ErrAlreadyMember = errors.New("trust: already a member")

	// ErrNotMember is returned when recording an opinion for a key that is
	// not in the set.
	ErrNotMember = errors.New("trust: not a member")

	// ErrSetFull is returned when no vacant slot remains.
	ErrSetFull = errors.New("trust: set full")

	// ErrNullKey is returned when the vacant-slot sentinel is used as a
	// participant key.
	ErrNullKey = errors.New("trust: null public key")
)

// Member is one participant slot: a public key and its current aggregate
// score. A null key marks a vacant slot and carries a zero score.
type Member struct {
	Key   crypto.PublicKey
	Score fr.Element
}

// Set is the fixed-capacity participant set together with the latest opinion
// published by each member. Slot indices are stable: nullification zeroes a
// slot but never reshuffles, because the filter matches scores positionally.
//
// A Set is owned by a single goroutine; it is not safe for concurrent use.
type Set struct {
	members [NumNeighbors]Member
	ops     map[crypto.PublicKey]*Opinion
}

// NewSet creates an empty participant set.
func NewSet() *Set {
	return &Set{ops: make(map[crypto.PublicKey]*Opinion)}
}

// AddMember places pk in the first vacant slot with the initial score.
func (s *Set) AddMember(pk crypto.PublicKey) error {
	if pk.IsNull() {
		return ErrNullKey
	}
	vacant := -1
	for i := range s.members {
		if s.members[i].Key == pk {
			return ErrAlreadyMember
		}
		if vacant < 0 && s.members[i].Key.IsNull() {
			vacant = i
		}
	}
	if vacant < 0 {
		return ErrSetFull
	}
	s.members[vacant].Key = pk
	s.members[vacant].Score.SetUint64(InitialScore)
	return nil
}

// UpdateOp records the opinion published by from, replacing any previous
// one. The sender must be a current member; nothing may ever be keyed under
// the null key.
func (s *Set) UpdateOp(from crypto.PublicKey, op *Opinion) error {
	if from.IsNull() {
		return ErrNullKey
	}
	if s.indexOf(from) < 0 {
		return ErrNotMember
	}
	s.ops[from] = op
	return nil
}

// Members returns a copy of the slot array.
func (s *Set) Members() [NumNeighbors]Member {
	return s.members
}

// Opinion returns the recorded opinion for pk, or nil.
func (s *Set) Opinion(pk crypto.PublicKey) *Opinion {
	return s.ops[pk]
}

func (s *Set) indexOf(pk crypto.PublicKey) int {
	for i := range s.members {
		if s.members[i].Key == pk {
			return i
		}
	}
	return -1
}

// Filter applies the opinion-validity rules to every slot:
//
//  1. vacant slots are skipped (and can hold no opinion);
//  2. a member's own slot is zeroed — a participant may not score itself;
//  3. a score naming a key other than the one living at that index is
//     zeroed;
//  4. a member whose surviving scores sum to zero is nullified: its slot
//     reverts to vacant and its opinion is dropped.
//
// Nullifying a slot can invalidate scores other members directed at it, so
// the rules are re-applied until no further slot is nullified. The fixed
// point makes filtering idempotent: a second application is a no-op.
func (s *Set) Filter() {
	for s.filterPass() {
	}
}

// filterPass applies the validity rules once and reports whether any slot
// was nullified.
func (s *Set) filterPass() bool {
	changed := false
	for i := range s.members {
		pk := s.members[i].Key
		if pk.IsNull() {
			continue
		}
		op, ok := s.ops[pk]
		if !ok {
			// No published opinion: the member gives away nothing and
			// is dropped from this round.
			s.nullify(i, pk)
			changed = true
			continue
		}

		var sum fr.Element
		for j := range op.Scores {
			if j == i {
				op.Scores[j].Value.SetZero()
				continue
			}
			if op.Scores[j].Key != s.members[j].Key {
				op.Scores[j].Value.SetZero()
				continue
			}
			sum.Add(&sum, &op.Scores[j].Value)
		}
		if sum.IsZero() {
			s.nullify(i, pk)
			changed = true
		}
	}
	return changed
}

func (s *Set) nullify(i int, pk crypto.PublicKey) {
	s.members[i].Key = crypto.PKNull
	s.members[i].Score.SetZero()
	delete(s.ops, pk)
}
