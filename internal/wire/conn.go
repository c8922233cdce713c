package wire

import "net"

// Sealer authenticates and encrypts individual frames on a connection after
// a handshake has established a shared key. internal/crypto provides the
// CURVE-style (NaCl box) implementation; a nil Sealer means frames cross the
// wire in the clear, which is the default when no certs are configured.
type Sealer interface {
	Seal(Frame) (Frame, error)
	Open(Frame) (Frame, error)
}

// Conn is one accepted connection, framed per ReadFrame/WriteFrame and
// optionally wrapped by a Sealer for CURVE-style authenticated encryption.
type Conn struct {
	net.Conn
	Sealer Sealer
}

func newConn(c net.Conn) *Conn {
	return &Conn{Conn: c}
}

// ReadFrame reads and, if a Sealer is set, opens the next frame.
func (c *Conn) ReadFrame() (Frame, error) {
	f, err := ReadFrame(c.Conn)
	if err != nil {
		return nil, err
	}
	if c.Sealer == nil {
		return f, nil
	}
	return c.Sealer.Open(f)
}

// WriteFrame seals, if a Sealer is set, and writes f.
func (c *Conn) WriteFrame(f Frame) error {
	if c.Sealer != nil {
		sealed, err := c.Sealer.Seal(f)
		if err != nil {
			return err
		}
		f = sealed
	}
	return WriteFrame(c.Conn, f)
}
