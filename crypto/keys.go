// Package crypto provides the signature, hashing and identity primitives of
// the eigentrust node: BLS12-381 MinPk signatures over opinion digests,
// the MiMC opinion hash over the BN254 scalar field, and keccak-derived
// peer identifiers.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	blst "github.com/supranational/blst/bindings/go"
)

// signatureDST is the domain separation tag for opinion signatures,
// following the MinPk scheme (public keys in G1, signatures in G2).
var signatureDST = []byte("EIGENTRUST_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

// Key and signature sizes for the MinPk scheme.
const (
	PublicKeySize = 48 // compressed G1
	SignatureSize = 96 // compressed G2
	SecretKeySize = 32 // scalar field element
	minIKMSize    = 32
)

var (
	// ErrInvalidKeypair is returned when key material cannot produce a
	// usable keypair.
	ErrInvalidKeypair = errors.New("crypto: invalid keypair material")

	// ErrBadSignature is returned when a signature does not verify against
	// the given public key and message.
	ErrBadSignature = errors.New("crypto: bad signature")
)

// PublicKey is a compressed BLS12-381 G1 point identifying a participant.
type PublicKey [PublicKeySize]byte

// PKNull is the sentinel public key marking a vacant participant slot.
// No opinion may ever be keyed under it.
var PKNull = PublicKey{}

// IsNull reports whether the key is the vacant-slot sentinel.
func (pk PublicKey) IsNull() bool {
	return pk == PKNull
}

// Bytes returns the compressed key encoding.
func (pk PublicKey) Bytes() []byte {
	return pk[:]
}

// String returns the hex encoding of the key, abbreviated for logs.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:6]) + ".." + hex.EncodeToString(pk[42:])
}

// SecretKey is a serialized BLS12-381 scalar.
type SecretKey [SecretKeySize]byte

// Signature is a compressed BLS12-381 G2 point.
type Signature [SignatureSize]byte

// GenerateKey derives a keypair from the given input key material, which
// must be at least 32 bytes. The same IKM always yields the same keypair.
func GenerateKey(ikm []byte) (PublicKey, SecretKey, error) {
	var pub PublicKey
	var sec SecretKey
	if len(ikm) < minIKMSize {
		return pub, sec, ErrInvalidKeypair
	}
	sk := blst.KeyGen(ikm)
	if sk == nil {
		return pub, sec, ErrInvalidKeypair
	}
	pk := new(blst.P1Affine).From(sk)
	copy(pub[:], pk.Compress())
	copy(sec[:], sk.Serialize())
	return pub, sec, nil
}

// NewKey generates a fresh random keypair.
func NewKey() (PublicKey, SecretKey, error) {
	ikm := make([]byte, minIKMSize)
	if _, err := rand.Read(ikm); err != nil {
		return PublicKey{}, SecretKey{}, ErrInvalidKeypair
	}
	return GenerateKey(ikm)
}

// PublicKeyOf recomputes the public key for a secret key.
func PublicKeyOf(sec SecretKey) (PublicKey, error) {
	var pub PublicKey
	sk := new(blst.SecretKey).Deserialize(sec[:])
	if sk == nil {
		return pub, ErrInvalidKeypair
	}
	copy(pub[:], new(blst.P1Affine).From(sk).Compress())
	return pub, nil
}

// Sign signs msg with the secret key and returns the compressed signature.
func Sign(sec SecretKey, msg []byte) (Signature, error) {
	var out Signature
	sk := new(blst.SecretKey).Deserialize(sec[:])
	if sk == nil {
		return out, ErrInvalidKeypair
	}
	sig := new(blst.P2Affine).Sign(sk, msg, signatureDST)
	if sig == nil {
		return out, ErrInvalidKeypair
	}
	copy(out[:], sig.Compress())
	return out, nil
}

// Verify checks that sig is a valid signature by pk over msg. It returns
// ErrBadSignature for any failure, including a null or malformed key.
func Verify(pk PublicKey, msg []byte, sig Signature) error {
	if pk.IsNull() {
		return ErrBadSignature
	}
	p := new(blst.P1Affine).Uncompress(pk[:])
	if p == nil {
		return ErrBadSignature
	}
	s := new(blst.P2Affine).Uncompress(sig[:])
	if s == nil {
		return ErrBadSignature
	}
	if !s.Verify(true, p, true, msg, signatureDST) {
		return ErrBadSignature
	}
	return nil
}
