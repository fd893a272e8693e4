package p2p

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/eigentrust/eigentrust/crypto"
	"github.com/eigentrust/eigentrust/log"
)

// Setup errors.
var (
	// ErrListenFailed is returned when the listener cannot be bound.
	ErrListenFailed = errors.New("p2p: listen failed")

	// ErrDialFailed is returned when an outbound dial or handshake fails.
	ErrDialFailed = errors.New("p2p: dial failed")

	// ErrNotConnected is returned when sending to an unknown peer.
	ErrNotConnected = errors.New("p2p: peer not connected")

	// ErrServerClosed is returned when operating on a closed server.
	ErrServerClosed = errors.New("p2p: server closed")

	// errBadHello is the internal handshake rejection.
	errBadHello = errors.New("p2p: bad hello")
)

// Config configures the TCP transport server.
type Config struct {
	// PubKey is announced in the connection hello; the remote derives our
	// peer ID from it.
	PubKey crypto.PublicKey

	// MaxPeers caps concurrent connections. Zero means DefaultMaxPeers.
	MaxPeers int

	// EventBuffer is the event channel depth. Zero means
	// DefaultEventBuffer.
	EventBuffer int

	// Logger receives transport diagnostics. Nil means the default
	// module logger.
	Logger *log.Logger
}

// Defaults for Config zero values.
const (
	DefaultMaxPeers    = 64
	DefaultEventBuffer = 256
)

// Compile-time interface check.
var _ Transport = (*Server)(nil)

// Server is the concrete Transport over plain TCP. Connections are
// long-lived: no deadlines are set after the handshake, and an unanswered
// request simply never produces a response event.
type Server struct {
	cfg Config
	log *log.Logger

	mu     sync.Mutex
	conns  map[crypto.PeerID]*peerConn
	ln     net.Listener
	closed bool

	events  chan Event
	nextReq atomic.Uint64
	quit    chan struct{}
	wg      sync.WaitGroup
}

type peerConn struct {
	id crypto.PeerID
	pk crypto.PublicKey
	fc *frameConn
}

// NewServer creates a transport server around the given identity.
func NewServer(cfg Config) *Server {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default().Module("p2p")
	}
	return &Server{
		cfg:    cfg,
		log:    logger,
		conns:  make(map[crypto.PeerID]*peerConn),
		events: make(chan Event, cfg.EventBuffer),
		quit:   make(chan struct{}),
	}
}

// Listen binds the TCP listener and starts accepting connections.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListenFailed, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("listening", "addr", ln.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, or empty before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Connect dials addr, runs the hello exchange and registers the peer.
func (s *Server) Connect(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	fc := newFrameConn(conn)
	pk, err := s.helloExchange(fc, true)
	if err != nil {
		fc.Close()
		return fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	s.register(fc, pk)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
			default:
				s.log.Error("accept failed", "err", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			fc := newFrameConn(conn)
			pk, err := s.helloExchange(fc, false)
			if err != nil {
				s.log.Debug("inbound handshake failed", "remote", fc.RemoteAddr(), "err", err)
				fc.Close()
				return
			}
			s.register(fc, pk)
		}()
	}
}

// helloExchange swaps hello packets. The initiator writes first; the
// acceptor answers after validating.
func (s *Server) helloExchange(fc *frameConn, initiator bool) (crypto.PublicKey, error) {
	var zero crypto.PublicKey
	if initiator {
		if err := s.writeHello(fc); err != nil {
			return zero, err
		}
		return s.readHello(fc)
	}
	pk, err := s.readHello(fc)
	if err != nil {
		return zero, err
	}
	if err := s.writeHello(fc); err != nil {
		return zero, err
	}
	return pk, nil
}

func (s *Server) writeHello(fc *frameConn) error {
	payload, err := encodeHello(&helloPacket{Version: protocolVersion, PubKey: s.cfg.PubKey.Bytes()})
	if err != nil {
		return err
	}
	return fc.WriteMsg(Msg{Code: helloMsg, Payload: payload})
}

func (s *Server) readHello(fc *frameConn) (crypto.PublicKey, error) {
	var zero crypto.PublicKey
	msg, err := fc.ReadMsg()
	if err != nil {
		return zero, err
	}
	if msg.Code != helloMsg {
		return zero, errBadHello
	}
	hello, err := decodeHello(msg.Payload)
	if err != nil {
		return zero, err
	}
	if hello.Version != protocolVersion {
		return zero, fmt.Errorf("%w: version %d", errBadHello, hello.Version)
	}
	if len(hello.PubKey) != crypto.PublicKeySize {
		return zero, errBadHello
	}
	var pk crypto.PublicKey
	copy(pk[:], hello.PubKey)
	if pk.IsNull() {
		return zero, errBadHello
	}
	return pk, nil
}

// register adds the connection to the table and starts its read loop. A
// duplicate connection to an already-registered peer is dropped silently,
// which resolves simultaneous dials to one surviving link.
func (s *Server) register(fc *frameConn, pk crypto.PublicKey) {
	id := crypto.DerivePeerID(pk)
	pc := &peerConn{id: id, pk: pk, fc: fc}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fc.Close()
		return
	}
	if _, dup := s.conns[id]; dup || len(s.conns) >= s.cfg.MaxPeers {
		s.mu.Unlock()
		s.log.Debug("dropping duplicate or excess connection", "peer", id)
		fc.Close()
		return
	}
	s.conns[id] = pc
	s.mu.Unlock()

	s.emit(Event{Kind: EventConnected, Peer: id, PubKey: pk})
	s.wg.Add(1)
	go s.readLoop(pc)
}

func (s *Server) unregister(pc *peerConn) {
	s.mu.Lock()
	if cur, ok := s.conns[pc.id]; ok && cur == pc {
		delete(s.conns, pc.id)
	}
	s.mu.Unlock()
	pc.fc.Close()
	s.emit(Event{Kind: EventDisconnected, Peer: pc.id})
}

func (s *Server) readLoop(pc *peerConn) {
	defer s.wg.Done()
	for {
		msg, err := pc.fc.ReadMsg()
		if err != nil {
			s.unregister(pc)
			return
		}
		switch {
		case isRequestCode(msg.Code):
			reqID, req, err := decodeRequest(msg)
			if err != nil {
				s.emit(Event{Kind: EventInboundFailure, Peer: pc.id, Err: err})
				continue
			}
			ch := NewResponseChannel(pc.id, reqID, func(resp Response) error {
				out, err := encodeResponse(reqID, resp)
				if err != nil {
					return err
				}
				return pc.fc.WriteMsg(out)
			})
			s.emit(Event{Kind: EventIncomingRequest, Peer: pc.id, RequestID: reqID, Request: req, Channel: ch})
		case isResponseCode(msg.Code):
			reqID, resp, err := decodeResponse(msg)
			if err != nil {
				s.emit(Event{Kind: EventInboundFailure, Peer: pc.id, Err: err})
				continue
			}
			s.emit(Event{Kind: EventIncomingResponse, Peer: pc.id, RequestID: reqID, Response: resp})
		default:
			s.emit(Event{Kind: EventInboundFailure, Peer: pc.id, Err: fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, msg.Code)})
		}
	}
}

// SendRequest sends a request to a connected peer and returns its ID.
func (s *Server) SendRequest(peer crypto.PeerID, req Request) (uint64, error) {
	s.mu.Lock()
	pc, ok := s.conns[peer]
	s.mu.Unlock()
	if !ok {
		return 0, ErrNotConnected
	}
	reqID := s.nextReq.Add(1)
	msg, err := encodeRequest(reqID, req)
	if err != nil {
		return 0, err
	}
	if err := pc.fc.WriteMsg(msg); err != nil {
		s.emit(Event{Kind: EventOutboundFailure, Peer: peer, RequestID: reqID, Err: err})
		return reqID, err
	}
	return reqID, nil
}

// SendResponse answers an incoming request on its reply channel.
func (s *Server) SendResponse(ch *ResponseChannel, resp Response) error {
	if err := ch.send(resp); err != nil {
		s.emit(Event{Kind: EventInboundFailure, Peer: ch.Peer, RequestID: ch.RequestID, Err: err})
		return err
	}
	s.emit(Event{Kind: EventResponseSent, Peer: ch.Peer, RequestID: ch.RequestID})
	return nil
}

// Events returns the transport event stream.
func (s *Server) Events() <-chan Event {
	return s.events
}

// Close stops the listener, drops all connections and ends the event
// stream.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.quit)
	if s.ln != nil {
		s.ln.Close()
	}
	conns := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		conns = append(conns, pc)
	}
	s.conns = make(map[crypto.PeerID]*peerConn)
	s.mu.Unlock()

	for _, pc := range conns {
		pc.fc.Close()
	}
	s.wg.Wait()
	close(s.events)
	return nil
}

// emit delivers an event unless the server is shutting down and the
// consumer is gone.
func (s *Server) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}
