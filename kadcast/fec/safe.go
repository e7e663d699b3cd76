package fec

import (
	"encoding/binary"
	"errors"
)

// UIDSize is the size in bytes of a chunk's payload fingerprint.
const UIDSize = 32

// TransmissionInfoSize is the fixed wire size of a serialized Metadata.
const TransmissionInfoSize = 12

// MinEncodingPacketSize is the minimum number of bytes a decoder accepts
// after a chunk's UID and metadata: the 2-byte shard index plus the encoded
// Reed-Solomon shard data.
const MinEncodingPacketSize = 5

// MinChunkedSize is the smallest a FEC-chunked broadcast gossip frame can
// legally be: UID + metadata + MinEncodingPacketSize bytes of shard index
// and encoded shard data.
const MinChunkedSize = UIDSize + TransmissionInfoSize + MinEncodingPacketSize

// MaxMTU bounds the configurable shard size (§4.8); ShardSize is a wire
// uint16, so this is its natural ceiling.
const MaxMTU = 65535

// MaxSourceSymbolsPerBlock bounds DataShards, mirroring RaptorQ's derived
// source-symbols-per-block ceiling so an attacker-supplied block count
// cannot force an unbounded-size decode buffer allocation.
const MaxSourceSymbolsPerBlock = 56403

// MaxTransferLength bounds Metadata.TransferLength.
const MaxTransferLength = 64 * 1024 * 1024

var (
	// ErrZeroDataShards rejects metadata claiming zero source shards.
	ErrZeroDataShards = errors.New("fec: zero data shards")
	// ErrBadShardSize rejects a zero or over-MTU shard size.
	ErrBadShardSize = errors.New("fec: invalid shard size")
	// ErrBadTransferLength rejects a zero or over-max transfer length.
	ErrBadTransferLength = errors.New("fec: invalid transfer length")
	// ErrTooManyDataShards rejects a data-shard count that would force an
	// unbounded decode allocation.
	ErrTooManyDataShards = errors.New("fec: too many data shards")
)

// Metadata is the fixed 12-byte transmission-information prefix carried
// after a chunk's UID: enough for a receiver to reconstruct the
// Reed-Solomon codec parameters independently of any side channel. It
// stands in for RaptorQ's ObjectTransmissionInformation (§4.8 EXPANDED).
type Metadata struct {
	TransferLength uint32
	ShardSize      uint16
	DataShards     uint16
	ParityShards   uint16
	_              uint16 // reserved, kept zero
}

// Marshal encodes m into exactly TransmissionInfoSize bytes.
func (m Metadata) Marshal() []byte {
	buf := make([]byte, TransmissionInfoSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.TransferLength)
	binary.LittleEndian.PutUint16(buf[4:6], m.ShardSize)
	binary.LittleEndian.PutUint16(buf[6:8], m.DataShards)
	binary.LittleEndian.PutUint16(buf[8:10], m.ParityShards)
	return buf
}

// UnmarshalMetadata decodes a Metadata from the front of buf.
func UnmarshalMetadata(buf []byte) (Metadata, error) {
	if len(buf) < TransmissionInfoSize {
		return Metadata{}, errors.New("fec: truncated metadata")
	}
	m := Metadata{
		TransferLength: binary.LittleEndian.Uint32(buf[0:4]),
		ShardSize:      binary.LittleEndian.Uint16(buf[4:6]),
		DataShards:     binary.LittleEndian.Uint16(buf[6:8]),
		ParityShards:   binary.LittleEndian.Uint16(buf[8:10]),
	}
	return m, nil
}

// Validate runs the safety checks of §4.8, adapted to Reed-Solomon: data
// shard count stands in for RaptorQ's source block count, and shard size
// stands in for symbol size. Rejecting unsafe metadata up front prevents a
// decoder from being built with parameters that would divide by zero or
// allocate unbounded memory.
func (m Metadata) Validate() error {
	if m.DataShards == 0 {
		return ErrZeroDataShards
	}
	if m.ShardSize == 0 || int(m.ShardSize) > MaxMTU {
		return ErrBadShardSize
	}
	if m.TransferLength == 0 || m.TransferLength > MaxTransferLength {
		return ErrBadTransferLength
	}
	if int(m.DataShards) > MaxSourceSymbolsPerBlock {
		return ErrTooManyDataShards
	}
	return nil
}
