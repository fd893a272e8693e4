package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// PeerIDSize is the byte length of a peer identifier.
const PeerIDSize = 32

// PeerID identifies a node on the overlay. It is the Keccak-256 digest of
// the node's compressed public key, so any party learning the key can derive
// the identifier without a directory lookup.
type PeerID [PeerIDSize]byte

// NullPeerID marks a vacant neighbor slot.
var NullPeerID = PeerID{}

// DerivePeerID computes the overlay identifier for a public key.
func DerivePeerID(pk PublicKey) PeerID {
	h := sha3.NewLegacyKeccak256()
	h.Write(pk[:])
	var id PeerID
	copy(id[:], h.Sum(nil))
	return id
}

// IsNull reports whether the identifier is the vacant-slot sentinel.
func (id PeerID) IsNull() bool {
	return id == NullPeerID
}

// String returns an abbreviated hex form for logs.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:8])
}
