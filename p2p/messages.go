// Package p2p implements the overlay transport of the eigentrust node: a
// request/response protocol over framed TCP connections, with RLP payloads
// and a single event stream consumed by the node's main loop.
package p2p

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/eigentrust/eigentrust/crypto"
	"github.com/eigentrust/eigentrust/trust"
)

// Protocol message codes. The hello is exchanged once per connection; all
// later traffic is requests and responses.
const (
	helloMsg byte = iota
	opinionRequestMsg
	identifyRequestMsg
	opinionResponseMsg
	identifyResponseMsg
)

// protocolVersion is bumped on wire-incompatible changes.
const protocolVersion = 1

var (
	// ErrDecode is returned when a payload does not decode into the
	// expected shape.
	ErrDecode = errors.New("p2p: decode error")

	// ErrUnknownMessage is returned for unrecognized message codes.
	ErrUnknownMessage = errors.New("p2p: unknown message code")
)

// Request is a protocol request addressed to one peer.
type Request interface{ isRequest() }

// OpinionRequest asks a peer for its local opinion at an epoch/iteration.
type OpinionRequest struct {
	Epoch trust.Epoch
	Iter  uint32
}

// IdentifyRequest announces the sender's public key and asks for the
// recipient's in return.
type IdentifyRequest struct {
	PubKey crypto.PublicKey
}

func (OpinionRequest) isRequest()  {}
func (IdentifyRequest) isRequest() {}

// Response answers a request, correlated by request ID.
type Response interface{ isResponse() }

// OpinionResponse carries the responder's opinion. An empty opinion means
// the responder has published nothing for that epoch/iteration.
type OpinionResponse struct {
	Op *trust.Opinion
}

// IdentifyResponse carries the responder's public key.
type IdentifyResponse struct {
	PubKey crypto.PublicKey
}

func (OpinionResponse) isResponse()  {}
func (IdentifyResponse) isResponse() {}

// Wire packet shapes. Field elements travel as fixed 32-byte big-endian
// scalars; RLP supplies the deterministic length prefixes for everything
// variable.

type helloPacket struct {
	Version uint64
	PubKey  []byte
}

func encodeHello(h *helloPacket) ([]byte, error) {
	return rlp.EncodeToBytes(h)
}

func decodeHello(payload []byte) (*helloPacket, error) {
	var h helloPacket
	if err := rlp.DecodeBytes(payload, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &h, nil
}

type opinionRequestPacket struct {
	ReqID uint64
	Epoch uint64
	Iter  uint32
}

type identifyRequestPacket struct {
	ReqID  uint64
	PubKey []byte
}

type opinionResponsePacket struct {
	ReqID uint64
	Op    wireOpinion
}

type identifyResponsePacket struct {
	ReqID  uint64
	PubKey []byte
}

type wireOpinion struct {
	From        []byte
	Epoch       uint64
	Iter        uint32
	Keys        [][]byte
	Values      [][]byte
	MessageHash []byte
	Sig         []byte
	Proof       []byte
}

func opinionToWire(op *trust.Opinion) wireOpinion {
	w := wireOpinion{
		From:   op.From.Bytes(),
		Epoch:  uint64(op.Epoch),
		Iter:   op.Iter,
		Keys:   make([][]byte, trust.NumNeighbors),
		Values: make([][]byte, trust.NumNeighbors),
		Sig:    op.Sig[:],
		Proof:  op.Proof,
	}
	mh := op.MessageHash.Bytes()
	w.MessageHash = mh[:]
	for i := range op.Scores {
		w.Keys[i] = op.Scores[i].Key.Bytes()
		vb := op.Scores[i].Value.Bytes()
		w.Values[i] = vb[:]
	}
	return w
}

func opinionFromWire(w *wireOpinion) (*trust.Opinion, error) {
	if len(w.From) != crypto.PublicKeySize ||
		len(w.MessageHash) != fr.Bytes ||
		len(w.Sig) != crypto.SignatureSize ||
		len(w.Keys) != trust.NumNeighbors ||
		len(w.Values) != trust.NumNeighbors {
		return nil, ErrDecode
	}
	op := &trust.Opinion{
		Epoch: trust.Epoch(w.Epoch),
		Iter:  w.Iter,
		Proof: w.Proof,
	}
	copy(op.From[:], w.From)
	op.MessageHash.SetBytes(w.MessageHash)
	copy(op.Sig[:], w.Sig)
	for i := range op.Scores {
		if len(w.Keys[i]) != crypto.PublicKeySize || len(w.Values[i]) != fr.Bytes {
			return nil, ErrDecode
		}
		copy(op.Scores[i].Key[:], w.Keys[i])
		op.Scores[i].Value.SetBytes(w.Values[i])
	}
	return op, nil
}

// encodeRequest encodes a request with its ID into a framed message.
func encodeRequest(reqID uint64, req Request) (Msg, error) {
	switch r := req.(type) {
	case OpinionRequest:
		payload, err := rlp.EncodeToBytes(&opinionRequestPacket{ReqID: reqID, Epoch: uint64(r.Epoch), Iter: r.Iter})
		if err != nil {
			return Msg{}, err
		}
		return Msg{Code: opinionRequestMsg, Payload: payload}, nil
	case IdentifyRequest:
		payload, err := rlp.EncodeToBytes(&identifyRequestPacket{ReqID: reqID, PubKey: r.PubKey.Bytes()})
		if err != nil {
			return Msg{}, err
		}
		return Msg{Code: identifyRequestMsg, Payload: payload}, nil
	default:
		return Msg{}, fmt.Errorf("%w: %T", ErrUnknownMessage, req)
	}
}

// encodeResponse encodes a response correlated to a request ID.
func encodeResponse(reqID uint64, resp Response) (Msg, error) {
	switch r := resp.(type) {
	case OpinionResponse:
		op := r.Op
		if op == nil {
			op = &trust.Opinion{}
		}
		payload, err := rlp.EncodeToBytes(&opinionResponsePacket{ReqID: reqID, Op: opinionToWire(op)})
		if err != nil {
			return Msg{}, err
		}
		return Msg{Code: opinionResponseMsg, Payload: payload}, nil
	case IdentifyResponse:
		payload, err := rlp.EncodeToBytes(&identifyResponsePacket{ReqID: reqID, PubKey: r.PubKey.Bytes()})
		if err != nil {
			return Msg{}, err
		}
		return Msg{Code: identifyResponseMsg, Payload: payload}, nil
	default:
		return Msg{}, fmt.Errorf("%w: %T", ErrUnknownMessage, resp)
	}
}

// decodeRequest decodes a request message, returning its ID and body.
func decodeRequest(msg Msg) (uint64, Request, error) {
	switch msg.Code {
	case opinionRequestMsg:
		var p opinionRequestPacket
		if err := rlp.DecodeBytes(msg.Payload, &p); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return p.ReqID, OpinionRequest{Epoch: trust.Epoch(p.Epoch), Iter: p.Iter}, nil
	case identifyRequestMsg:
		var p identifyRequestPacket
		if err := rlp.DecodeBytes(msg.Payload, &p); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if len(p.PubKey) != crypto.PublicKeySize {
			return 0, nil, ErrDecode
		}
		var pk crypto.PublicKey
		copy(pk[:], p.PubKey)
		return p.ReqID, IdentifyRequest{PubKey: pk}, nil
	default:
		return 0, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, msg.Code)
	}
}

// decodeResponse decodes a response message, returning its ID and body.
func decodeResponse(msg Msg) (uint64, Response, error) {
	switch msg.Code {
	case opinionResponseMsg:
		var p opinionResponsePacket
		if err := rlp.DecodeBytes(msg.Payload, &p); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		op, err := opinionFromWire(&p.Op)
		if err != nil {
			return 0, nil, err
		}
		return p.ReqID, OpinionResponse{Op: op}, nil
	case identifyResponseMsg:
		var p identifyResponsePacket
		if err := rlp.DecodeBytes(msg.Payload, &p); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if len(p.PubKey) != crypto.PublicKeySize {
			return 0, nil, ErrDecode
		}
		var pk crypto.PublicKey
		copy(pk[:], p.PubKey)
		return p.ReqID, IdentifyResponse{PubKey: pk}, nil
	default:
		return 0, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, msg.Code)
	}
}

func isRequestCode(code byte) bool {
	return code == opinionRequestMsg || code == identifyRequestMsg
}

func isResponseCode(code byte) bool {
	return code == opinionResponseMsg || code == identifyResponseMsg
}
