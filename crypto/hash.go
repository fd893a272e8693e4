package crypto

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"golang.org/x/crypto/sha3"
)

// KeyDigest maps a compressed public key into the BN254 scalar field by
// reducing its Keccak-256 digest modulo the field order. Public keys are
// 48-byte group elements, not field elements, so this is how they enter the
// opinion hash and the proof circuit. The null key maps like any other value;
// consistency between signer and verifier is what matters.
func KeyDigest(pk PublicKey) fr.Element {
	h := sha3.NewLegacyKeccak256()
	h.Write(pk[:])
	var d fr.Element
	d.SetBytes(h.Sum(nil))
	return d
}

// HashOpinion computes the message digest of an opinion: a MiMC sponge over
// the field sequence
//
//	fr(epoch), fr(iter), keyDigest_0, value_0, ..., keyDigest_{N-1}, value_{N-1}
//
// where epoch and iter are absorbed at their big-endian integer values and
// keyDigest_i = KeyDigest(scores[i].key). Every element is absorbed as its
// 32-byte big-endian field encoding: epoch and iter carry the same integers
// as their 8- and 4-byte big-endian forms, and a public key enters through
// its digest rather than its 48-byte encoding.
// keys and values must have equal length.
func HashOpinion(epoch uint64, iter uint32, keys []fr.Element, values []fr.Element) fr.Element {
	if len(keys) != len(values) {
		panic("crypto: key/value length mismatch in opinion hash")
	}
	h := mimc.NewMiMC()

	var el fr.Element
	el.SetUint64(epoch)
	b := el.Bytes()
	h.Write(b[:])

	el.SetUint64(uint64(iter))
	b = el.Bytes()
	h.Write(b[:])

	for i := range keys {
		kb := keys[i].Bytes()
		h.Write(kb[:])
		vb := values[i].Bytes()
		h.Write(vb[:])
	}

	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}
