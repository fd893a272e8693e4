package trust

import (
	"fmt"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/holiman/uint256"
)

// The display layer projects field scores onto 256-bit integers for
// reporting. It exists for logs and the CLI only; the core never leaves
// field arithmetic.

// ScoreToUint256 returns the canonical integer value of a field score.
// Every BN254 scalar fits in 254 bits, so the conversion is lossless.
func ScoreToUint256(v fr.Element) *uint256.Int {
	b := v.Bytes()
	return new(uint256.Int).SetBytes(b[:])
}

// FormatScore renders a field score as a decimal string.
func FormatScore(v fr.Element) string {
	return ScoreToUint256(v).Dec()
}

// ScoreShare renders v as a share of total in basis points ("2500bp" is a
// quarter). It returns "0bp" when total is zero.
func ScoreShare(v, total fr.Element) string {
	t := ScoreToUint256(total)
	if t.IsZero() {
		return "0bp"
	}
	scaled, overflow := new(uint256.Int).MulOverflow(ScoreToUint256(v), uint256.NewInt(10000))
	if overflow {
		// Degrade precision rather than wrap: divide first.
		share := new(uint256.Int).Div(ScoreToUint256(v), new(uint256.Int).Div(t, uint256.NewInt(10000)))
		return share.Dec() + "bp"
	}
	return new(uint256.Int).Div(scaled, t).Dec() + "bp"
}

// FormatScores renders the non-vacant slots of a score vector as one line
// per member, with each member's share of the total.
func FormatScores(members [NumNeighbors]Member, scores [NumNeighbors]fr.Element) string {
	var total fr.Element
	for i := range scores {
		total.Add(&total, &scores[i])
	}
	var b strings.Builder
	for i := range members {
		if members[i].Key.IsNull() {
			continue
		}
		fmt.Fprintf(&b, "slot %3d  %s  score=%s (%s)\n",
			i, members[i].Key, FormatScore(scores[i]), ScoreShare(scores[i], total))
	}
	if b.Len() == 0 {
		return "(no members)\n"
	}
	return b.String()
}
