package transport

import (
	"io"
	"net"
	"sync"

	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
	"github.com/vigil-dev/vigil/pkg/wire"
)

// Conn is one established duplex connection carrying frames. Implementations
// must allow one concurrent reader and one concurrent writer; ReadFrame may
// return a protocol error (see errors.IsProtocol) without the connection
// becoming unusable.
type Conn interface {
	// ReadFrame returns the next frame. io.EOF signals a clean shutdown by
	// the peer; a TRANSPORT_LOST error signals an unclean one.
	ReadFrame() (wire.Frame, error)

	// WriteFrame sends one frame.
	WriteFrame(f wire.Frame) error

	// Close tears down the connection. Safe to call more than once.
	Close() error

	// RemoteAddr describes the peer, for logs.
	RemoteAddr() string
}

// StreamConn carries length-prefixed frames over a byte stream, typically a
// loopback TCP or unix socket connection.
type StreamConn struct {
	conn    net.Conn
	dec     *wire.Decoder
	readBuf []byte
	wmu     sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn wraps conn for framed use.
func NewStreamConn(conn net.Conn) *StreamConn {
	return &StreamConn{
		conn:    conn,
		dec:     wire.NewDecoder(),
		readBuf: make([]byte, 32*1024),
	}
}

// ReadFrame returns the next complete frame from the stream. A rejected frame
// (oversized, malformed) surfaces as a typed protocol error while the stream
// itself stays in sync; the caller may keep reading.
func (c *StreamConn) ReadFrame() (wire.Frame, error) {
	for {
		f, err := c.dec.Next()
		if err != nil {
			return wire.Frame{}, err
		}
		if f != nil {
			return *f, nil
		}

		n, err := c.conn.Read(c.readBuf)
		if n > 0 {
			_, _ = c.dec.Write(c.readBuf[:n])
			continue
		}
		if err == io.EOF {
			return wire.Frame{}, io.EOF
		}
		if err != nil {
			return wire.Frame{}, vigilerrors.Wrap(err, vigilerrors.ErrCodeTransportLost, "stream read failed").
				WithRetryable(true)
		}
	}
}

// WriteFrame encodes and sends one frame. Writes are serialized so frames
// from concurrent callers never interleave.
func (c *StreamConn) WriteFrame(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return vigilerrors.Wrap(err, vigilerrors.ErrCodeTransportLost, "stream write failed").
			WithRetryable(true)
	}
	return nil
}

// Close closes the underlying connection.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *StreamConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
