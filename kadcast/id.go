package kadcast

import (
	"encoding/binary"
	"errors"
	"math/bits"
	"net/netip"

	"golang.org/x/crypto/blake2s"
)

// IDLength is the size in bytes of a BinaryID.
const IDLength = 16

// NonceLength is the size in bytes of the proof-of-work nonce attached to a
// BinaryID.
const NonceLength = 4

// NumBuckets is the number of XOR-distance buckets a Tree holds; one per bit
// of a BinaryID plus the impossible "distance zero" class, which is never
// assigned a bucket.
const NumBuckets = IDLength * 8

// ErrInvalidNonce is returned when a BinaryID's nonce fails verification.
var ErrInvalidNonce = errors.New("kadcast: invalid proof-of-work nonce")

// BinaryID is a 16-byte node identity bound to a 4-byte proof-of-work nonce
// such that hash(id || nonce) ends in a zero byte. IDs are derived from a
// peer's public socket address and are immutable once computed.
type BinaryID struct {
	ID    [IDLength]byte
	Nonce [NonceLength]byte
}

// ComputeID derives the 16-byte id for a socket address: the first 16 bytes
// of blake2s-256(port_le || ip_octets).
func ComputeID(addr netip.AddrPort) [IDLength]byte {
	var buf [2 + 16]byte
	binary.LittleEndian.PutUint16(buf[0:2], addr.Port())
	ip := addr.Addr()
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	octets := ip.AsSlice()
	n := 2 + copy(buf[2:], octets)
	sum := blake2s.Sum256(buf[:n])
	var id [IDLength]byte
	copy(id[:], sum[:IDLength])
	return id
}

// ComputeNonce searches for the smallest little-endian uint32 nonce such
// that blake2s-256(id || nonce) ends in a zero byte.
func ComputeNonce(id [IDLength]byte) [NonceLength]byte {
	var buf [IDLength + NonceLength]byte
	copy(buf[:IDLength], id[:])
	for n := uint32(0); ; n++ {
		binary.LittleEndian.PutUint32(buf[IDLength:], n)
		sum := blake2s.Sum256(buf[:])
		if sum[len(sum)-1] == 0 {
			var nonce [NonceLength]byte
			binary.LittleEndian.PutUint32(nonce[:], n)
			return nonce
		}
	}
}

// NewBinaryID computes a fresh, self-verifying BinaryID for addr.
func NewBinaryID(addr netip.AddrPort) BinaryID {
	id := ComputeID(addr)
	return BinaryID{ID: id, Nonce: ComputeNonce(id)}
}

// Verify reports whether the nonce attests to the id: hash(id || nonce) must
// end in a zero byte.
func (b BinaryID) Verify() bool {
	var buf [IDLength + NonceLength]byte
	copy(buf[:IDLength], b.ID[:])
	copy(buf[IDLength:], b.Nonce[:])
	sum := blake2s.Sum256(buf[:])
	return sum[len(sum)-1] == 0
}

// Equal reports whether two ids refer to the same identity (nonce ignored).
func (b BinaryID) Equal(other BinaryID) bool {
	return b.ID == other.ID
}

// Xor returns the bytewise XOR distance between two ids.
func (b BinaryID) Xor(other BinaryID) [IDLength]byte {
	var out [IDLength]byte
	for i := range out {
		out[i] = b.ID[i] ^ other.ID[i]
	}
	return out
}

// BucketIndex returns the bucket this distance maps to: 128 minus the
// position (MSB-first) of the highest set bit, minus one. The second return
// value is false when the distance is zero (self).
func BucketIndex(xor [IDLength]byte) (int, bool) {
	lz := leadingZeroBits(xor)
	if lz == IDLength*8 {
		return 0, false
	}
	return NumBuckets - lz - 1, true
}

// Distance computes the bucket index that other falls into relative to self,
// per §4.1: "128 − leading-zero-bits of XOR, minus one". Returns ok=false
// when other equals self (no valid bucket).
func (b BinaryID) Distance(other BinaryID) (index int, ok bool) {
	return BucketIndex(b.Xor(other))
}

func leadingZeroBits(buf [IDLength]byte) int {
	for i, byt := range buf {
		if byt != 0 {
			return i*8 + bits.LeadingZeros8(byt)
		}
	}
	return IDLength * 8
}
