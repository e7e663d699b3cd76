// Package wire implements the bit-exact binary marshalling of Kadcast's five
// UDP message kinds: Ping, Pong, FindNodes, Nodes and Broadcast. All
// integers are little-endian.
package wire

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2s"
)

// IDLength is the size in bytes of a node id.
const IDLength = 16

// NonceLength is the size in bytes of a proof-of-work nonce.
const NonceLength = 4

// FixedHeaderLength is the fixed-size portion of a Header: id + nonce +
// port + 2 reserved bytes. Every header additionally carries a 1-byte
// length-prefixed version string (§4.10), so the wire size of a Header
// varies with len(Version).
const FixedHeaderLength = IDLength + NonceLength + 2 + 2

// MaxVersionLength is the largest semver string a Header can carry (its
// wire length prefix is a single byte).
const MaxVersionLength = 255

// ErrTruncated is returned when a buffer is too short to hold the data a
// decoder expects next.
var ErrTruncated = errors.New("wire: truncated buffer")

// ErrInvalidNonce is returned when a Header's nonce does not verify against
// its id.
var ErrInvalidNonce = errors.New("wire: invalid nonce")

// ErrVersionTooLong is returned when a Header's Version string exceeds
// MaxVersionLength.
var ErrVersionTooLong = errors.New("wire: version string too long")

// Header is the envelope carried by every message kind: the sender's id,
// its proof-of-work nonce, the sender's advertised source port, 2 reserved
// bytes (used to carry the optional KadcastID tag; see
// kadcast.Config.KadcastID), and the sender's semantic version string
// (§4.10: every outbound message is stamped with it, not just the
// discovery kinds).
type Header struct {
	ID       [IDLength]byte
	Nonce    [NonceLength]byte
	Port     uint16
	Reserved [2]byte
	Version  string
}

// VerifyNonce reports whether blake2s-256(id || nonce) ends in a zero byte.
func VerifyNonce(id [IDLength]byte, nonce [NonceLength]byte) bool {
	var buf [IDLength + NonceLength]byte
	copy(buf[:IDLength], id[:])
	copy(buf[IDLength:], nonce[:])
	sum := blake2s.Sum256(buf[:])
	return sum[len(sum)-1] == 0
}

// Marshal appends the header's wire encoding to dst and returns the result.
// The nonce is re-verified; an unverifiable header is a programmer error
// (headers are only ever built from an already-verified BinaryID) and is
// rejected rather than shipped onto the wire.
func (h Header) Marshal(dst []byte) ([]byte, error) {
	if !VerifyNonce(h.ID, h.Nonce) {
		return nil, ErrInvalidNonce
	}
	if len(h.Version) > MaxVersionLength {
		return nil, ErrVersionTooLong
	}
	dst = append(dst, h.ID[:]...)
	dst = append(dst, h.Nonce[:]...)
	var portBuf [2]byte
	binary.LittleEndian.PutUint16(portBuf[:], h.Port)
	dst = append(dst, portBuf[:]...)
	dst = append(dst, h.Reserved[:]...)
	dst = append(dst, byte(len(h.Version)))
	dst = append(dst, h.Version...)
	return dst, nil
}

// UnmarshalHeader reads a Header from the front of buf, returning the remaining
// bytes. Fails with ErrTruncated or ErrInvalidNonce.
func UnmarshalHeader(buf []byte) (Header, []byte, error) {
	if len(buf) < FixedHeaderLength+1 {
		return Header{}, nil, ErrTruncated
	}
	var h Header
	copy(h.ID[:], buf[0:IDLength])
	copy(h.Nonce[:], buf[IDLength:IDLength+NonceLength])
	h.Port = binary.LittleEndian.Uint16(buf[IDLength+NonceLength : IDLength+NonceLength+2])
	copy(h.Reserved[:], buf[IDLength+NonceLength+2:FixedHeaderLength])
	if !VerifyNonce(h.ID, h.Nonce) {
		return Header{}, nil, ErrInvalidNonce
	}
	versionLen := int(buf[FixedHeaderLength])
	rest := buf[FixedHeaderLength+1:]
	if len(rest) < versionLen {
		return Header{}, nil, ErrTruncated
	}
	h.Version = string(rest[:versionLen])
	return h, rest[versionLen:], nil
}
