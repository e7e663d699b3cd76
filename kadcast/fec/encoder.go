package fec

import (
	"encoding/binary"
	"math"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/blake2s"
)

// EncoderConfig holds the FEC encoder's knobs (§6).
type EncoderConfig struct {
	MinRepairPacketsPerBlock int
	MTU                      int
	Redundancy               float64
}

// DefaultEncoderConfig returns the defaults enumerated in §6.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		MinRepairPacketsPerBlock: 5,
		MTU:                      1300,
		Redundancy:               0.15,
	}
}

// maxTotalShards is the ceiling the klauspost/reedsolomon Vandermonde codec
// supports in a single matrix; beyond it we widen the shard size instead of
// adding more shards, trading a larger MTU per shard for staying inside one
// Reed-Solomon block (mirrors RaptorQ's own per-block symbol-count cap,
// §4.8, at a coarser granularity since RS has no further sub-blocking).
const maxTotalShards = 256

// maxParityShards bounds how much of the 256-shard budget a single block
// will spend on redundancy, leaving room for data shards on large frames.
const maxParityShards = 64

// UID computes the 32-byte fingerprint of a broadcast payload used for
// decoder duplicate-suppression (§4.7); it excludes the leading height
// byte, since forwarding nodes change height without changing the frame.
func UID(frame []byte) [UIDSize]byte {
	return blake2s.Sum256(frame)
}

func shardPlan(frameLen int, cfg EncoderConfig) (dataShards, parityShards, shardSize int) {
	dataShards = (frameLen + cfg.MTU - 1) / cfg.MTU
	if dataShards < 1 {
		dataShards = 1
	}
	parityShards = int(math.Ceil(float64(frameLen) * cfg.Redundancy / float64(cfg.MTU)))
	if parityShards < cfg.MinRepairPacketsPerBlock {
		parityShards = cfg.MinRepairPacketsPerBlock
	}

	if dataShards+parityShards > maxTotalShards {
		if parityShards > maxParityShards {
			parityShards = maxParityShards
		}
		dataShards = maxTotalShards - parityShards
		shardSize = (frameLen + dataShards - 1) / dataShards
	} else {
		shardSize = cfg.MTU
	}
	if shardSize < 1 {
		shardSize = 1
	}
	return dataShards, parityShards, shardSize
}

// Encode implements §4.6: chunk frame into dataShards-many MTU-sized
// shards (wider than MTU when shardPlan hits maxTotalShards) plus
// parityShards-many repair shards, each wrapped as
// UID || metadata || shard-index || encoded-shard. The caller is responsible for wrapping
// each returned gossip frame in a Broadcast message with the given height.
func Encode(frame []byte, cfg EncoderConfig) ([][]byte, error) {
	dataShards, parityShards, shardSize := shardPlan(len(frame), cfg)

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}

	shards := make([][]byte, dataShards+parityShards)
	for i := 0; i < dataShards; i++ {
		shard := make([]byte, shardSize)
		start := i * shardSize
		end := start + shardSize
		if start < len(frame) {
			if end > len(frame) {
				end = len(frame)
			}
			copy(shard, frame[start:end])
		}
		shards[i] = shard
	}
	for i := dataShards; i < len(shards); i++ {
		shards[i] = make([]byte, shardSize)
	}

	if err := enc.Encode(shards); err != nil {
		return nil, err
	}

	uid := UID(frame)
	meta := Metadata{
		TransferLength: uint32(len(frame)),
		ShardSize:      uint16(shardSize),
		DataShards:     uint16(dataShards),
		ParityShards:   uint16(parityShards),
	}
	metaBytes := meta.Marshal()

	out := make([][]byte, len(shards))
	for i, shard := range shards {
		var idx [2]byte
		binary.LittleEndian.PutUint16(idx[:], uint16(i))
		chunk := make([]byte, 0, UIDSize+TransmissionInfoSize+2+len(shard))
		chunk = append(chunk, uid[:]...)
		chunk = append(chunk, metaBytes...)
		chunk = append(chunk, idx[:]...)
		chunk = append(chunk, shard...)
		out[i] = chunk
	}
	return out, nil
}
