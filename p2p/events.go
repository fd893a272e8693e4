package p2p

import "github.com/eigentrust/eigentrust/crypto"

// EventKind classifies events on the transport stream.
type EventKind uint8

const (
	// EventConnected fires when a connection handshake completes.
	EventConnected EventKind = iota

	// EventDisconnected fires when a connection drops for any reason.
	EventDisconnected

	// EventIncomingRequest carries a peer's request and the channel to
	// answer it on.
	EventIncomingRequest

	// EventIncomingResponse carries a peer's response to one of our
	// requests.
	EventIncomingResponse

	// EventOutboundFailure reports a failed request send.
	EventOutboundFailure

	// EventInboundFailure reports a failure handling inbound traffic,
	// including a failed response send.
	EventInboundFailure

	// EventResponseSent confirms a response went out.
	EventResponseSent
)

// String returns a short name for logs.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventIncomingRequest:
		return "incoming-request"
	case EventIncomingResponse:
		return "incoming-response"
	case EventOutboundFailure:
		return "outbound-failure"
	case EventInboundFailure:
		return "inbound-failure"
	case EventResponseSent:
		return "response-sent"
	default:
		return "unknown"
	}
}

// Event is one occurrence on the transport stream. Peer is always set;
// the remaining fields depend on Kind.
type Event struct {
	Kind      EventKind
	Peer      crypto.PeerID
	PubKey    crypto.PublicKey // set on EventConnected
	RequestID uint64
	Request   Request          // set on EventIncomingRequest
	Channel   *ResponseChannel // set on EventIncomingRequest
	Response  Response         // set on EventIncomingResponse
	Err       error            // set on failures
}

// ResponseChannel is the reply path for one incoming request. It pins the
// peer and request ID so the response correlates on the requester's side.
type ResponseChannel struct {
	Peer      crypto.PeerID
	RequestID uint64
	send      func(Response) error
}

// NewResponseChannel builds a reply channel around a send function. The
// TCP server wires this to the peer's connection; test transports supply
// their own.
func NewResponseChannel(peer crypto.PeerID, requestID uint64, send func(Response) error) *ResponseChannel {
	return &ResponseChannel{Peer: peer, RequestID: requestID, send: send}
}

// Transport is the abstract overlay contract the node runs against: a
// connection-oriented carrier with a request/response exchange and a single
// event subscription.
type Transport interface {
	// Listen starts accepting inbound connections on addr.
	Listen(addr string) error

	// Connect dials a peer by address; the handshake completion surfaces
	// as an EventConnected.
	Connect(addr string) error

	// SendRequest sends a request to a connected peer, returning the
	// request ID used for response correlation.
	SendRequest(peer crypto.PeerID, req Request) (uint64, error)

	// SendResponse answers an incoming request on its reply channel.
	SendResponse(ch *ResponseChannel, resp Response) error

	// Events returns the stream the node's main loop consumes.
	Events() <-chan Event

	// Close shuts the transport down and ends the event stream.
	Close() error
}
