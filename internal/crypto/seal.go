package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/lavasoft/dispatcher-master/internal/wire"
)

// Role tags which side of a connection a Sealer is acting as, so the two
// directions of a single shared-key connection never reuse a nonce.
type Role byte

const (
	RoleInitiator Role = 'C' // the worker, which dials the master
	RoleResponder Role = 'S' // the master, which accepts
)

// Sealer implements wire.Sealer using a NaCl box shared key precomputed
// once per connection from the local private key and the peer's public key
// (the CURVE-style handshake of SPEC_FULL §4). Each outgoing frame part is
// sealed with a fresh nonce built from a monotonically increasing counter
// and this side's Role; each incoming part's counter must strictly increase,
// rejecting any replayed or reordered frame.
type Sealer struct {
	shared     [32]byte
	localRole  Role
	peerRole   Role
	outCounter uint64
	inCounter  uint64
}

// NewSealer precomputes the shared key for a connection between a local key
// pair acting as localRole and a peer public key.
func NewSealer(localPrivate [32]byte, peerPublic [32]byte, localRole Role) *Sealer {
	s := &Sealer{localRole: localRole}
	if localRole == RoleInitiator {
		s.peerRole = RoleResponder
	} else {
		s.peerRole = RoleInitiator
	}
	box.Precompute(&s.shared, &peerPublic, &localPrivate)
	return s
}

func buildNonce(role Role, counter uint64) [24]byte {
	var nonce [24]byte
	nonce[0] = byte(role)
	binary.BigEndian.PutUint64(nonce[16:24], counter)
	return nonce
}

// Seal encrypts each part of f independently, prefixing each with its nonce.
func (s *Sealer) Seal(f wire.Frame) (wire.Frame, error) {
	out := make(wire.Frame, len(f))
	for i, part := range f {
		s.outCounter++
		nonce := buildNonce(s.localRole, s.outCounter)
		sealed := box.SealAfterPrecomputation(nonce[:], part, &nonce, &s.shared)
		out[i] = sealed
	}
	return out, nil
}

// Open decrypts each part of f, rejecting any part whose nonce counter does
// not strictly increase (replay/reorder) or whose role tag is wrong
// (mirrored traffic sent back to its own sender).
func (s *Sealer) Open(f wire.Frame) (wire.Frame, error) {
	out := make(wire.Frame, len(f))
	for i, part := range f {
		if len(part) < 24 {
			return nil, fmt.Errorf("crypto: part %d too short to contain a nonce", i)
		}
		var nonce [24]byte
		copy(nonce[:], part[:24])

		if Role(nonce[0]) != s.peerRole {
			return nil, errors.New("crypto: unexpected role tag in nonce, rejecting frame")
		}
		counter := binary.BigEndian.Uint64(nonce[16:24])
		if counter <= s.inCounter {
			return nil, fmt.Errorf("crypto: part %d nonce counter %d did not increase past %d, rejecting replay", i, counter, s.inCounter)
		}

		opened, ok := box.OpenAfterPrecomputation(nil, part[24:], &nonce, &s.shared)
		if !ok {
			return nil, fmt.Errorf("crypto: part %d failed authentication", i)
		}
		s.inCounter = counter
		out[i] = opened
	}
	return out, nil
}
