// Package wire implements the length-prefixed multipart-frame protocol the
// control and log sockets speak. It replaces the ZeroMQ ROUTER/PULL sockets
// of the source process with plain net.Listener connections, since no
// ZeroMQ binding is available in this module's dependency stack.
//
// A Frame is an ordered list of opaque byte parts, mirroring ZeroMQ
// multipart-message semantics: the first part is conventionally the sender's
// identity (a worker hostname) for control traffic, the remaining parts are
// protocol-specific payload.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is one multipart message: an ordered list of byte-slice parts.
type Frame [][]byte

// maxParts and maxPartLen bound a single frame read so a misbehaving or
// malicious peer cannot force an unbounded allocation.
const (
	maxParts   = 64
	maxPartLen = 64 << 20 // 64 MiB, generous enough for a compressed description_blob
)

// ReadFrame reads one length-prefixed multipart frame from r: a 4-byte
// big-endian part count, then per part a 4-byte big-endian length followed
// by that many bytes.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(hdr[:])
	if count == 0 {
		return Frame{}, nil
	}
	if count > maxParts {
		return nil, fmt.Errorf("wire: frame declares %d parts, max %d", count, maxParts)
	}

	parts := make(Frame, 0, count)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("wire: reading length of part %d: %w", i, err)
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxPartLen {
			return nil, fmt.Errorf("wire: part %d declares %d bytes, max %d", i, n, maxPartLen)
		}
		buf := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, fmt.Errorf("wire: reading body of part %d: %w", i, err)
			}
		}
		parts = append(parts, buf)
	}
	return parts, nil
}

// WriteFrame writes f to w in the same format ReadFrame expects. It writes
// the whole frame as a single buffer so a partial write cannot interleave
// with a concurrent writer sharing the same connection.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f) > maxParts {
		return fmt.Errorf("wire: refusing to write %d parts, max %d", len(f), maxParts)
	}

	size := 4
	for _, p := range f {
		size += 4 + len(p)
	}
	buf := make([]byte, 0, size)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(f)))
	buf = append(buf, hdr[:]...)
	for _, p := range f {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, p...)
	}

	_, err := w.Write(buf)
	return err
}
