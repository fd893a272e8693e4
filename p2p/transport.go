package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxMessageSize.
	ErrFrameTooLarge = errors.New("p2p: frame too large")

	// ErrEmptyFrame is returned for a zero-length frame.
	ErrEmptyFrame = errors.New("p2p: empty frame")
)

// MaxMessageSize caps a single protocol message payload (1 MiB). A full
// opinion with proof bundle is well under 64 KiB.
const MaxMessageSize = 1 << 20

// Msg is one framed protocol message.
type Msg struct {
	Code    byte
	Payload []byte
}

// frameConn provides framed message I/O over a net.Conn. Wire format per
// message: [4-byte big-endian length][1-byte msg code][payload], where
// length = 1 + len(payload). Reads and writes are independently serialized.
type frameConn struct {
	conn net.Conn
	rmu  sync.Mutex
	wmu  sync.Mutex
}

func newFrameConn(conn net.Conn) *frameConn {
	return &frameConn{conn: conn}
}

// ReadMsg reads a single framed message from the connection.
func (t *frameConn) ReadMsg() (Msg, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	var lenBuf [4]byte
	if _, err := io.ReadFull(t.conn, lenBuf[:]); err != nil {
		return Msg{}, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen == 0 {
		return Msg{}, ErrEmptyFrame
	}
	if frameLen > MaxMessageSize+1 {
		return Msg{}, ErrFrameTooLarge
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(t.conn, frame); err != nil {
		return Msg{}, err
	}
	return Msg{Code: frame[0], Payload: frame[1:]}, nil
}

// WriteMsg writes a single framed message to the connection.
func (t *frameConn) WriteMsg(msg Msg) error {
	if len(msg.Payload) > MaxMessageSize {
		return ErrFrameTooLarge
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(1+len(msg.Payload)))
	if _, err := t.conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("p2p: writing frame header: %w", err)
	}
	if _, err := t.conn.Write([]byte{msg.Code}); err != nil {
		return fmt.Errorf("p2p: writing frame code: %w", err)
	}
	if len(msg.Payload) > 0 {
		if _, err := t.conn.Write(msg.Payload); err != nil {
			return fmt.Errorf("p2p: writing frame payload: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (t *frameConn) Close() error {
	return t.conn.Close()
}

// RemoteAddr returns the remote network address.
func (t *frameConn) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
