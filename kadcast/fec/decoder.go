package fec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/klauspost/reedsolomon"

	"github.com/kadcast/overlay/metrics"
)

// DecoderConfig holds the FEC decoder's knobs (§6).
type DecoderConfig struct {
	CacheTTL time.Duration
}

// DefaultDecoderConfig returns the defaults enumerated in §6.
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		CacheTTL: 60 * time.Second,
	}
}

// ErrTooShort is returned for a gossip frame shorter than MinChunkedSize.
var ErrTooShort = errors.New("fec: gossip frame too short")

// ErrUIDMismatch names the case where a reassembled payload's recomputed
// UID does not match the one advertised on the wire. Decode never returns
// it: on a mismatch it silently drops the payload (§4.7), returning an
// empty Result and a nil error.
var ErrUIDMismatch = errors.New("fec: reassembled UID mismatch")

type cacheState int

const (
	stateReceiving cacheState = iota
	stateProcessed
)

type cacheEntry struct {
	mu        sync.Mutex
	state     cacheState
	meta      Metadata
	shards    [][]byte
	present   []bool
	count     int
	attempted bool
	maxHeight byte
}

// Decoder holds the duplicate-suppression / reassembly cache described in
// §4.7: UID -> {Receiving(decoder-state, max_height), Processed}. Expiry is
// delegated to an expirable.LRU, whose background janitor prunes entries
// CacheTTL after their last Add — the same "evict idle state after a
// timeout" shape as the original's Receiving/Processed expiry windows,
// without a hand-rolled sweep goroutine.
type Decoder struct {
	mu    sync.Mutex
	cfg   DecoderConfig
	cache *expirable.LRU[[UIDSize]byte, *cacheEntry]
}

// NewDecoder returns an empty decoder cache, unbounded in entry count and
// bounded only by cfg.CacheTTL.
func NewDecoder(cfg DecoderConfig) *Decoder {
	return &Decoder{
		cfg:   cfg,
		cache: expirable.NewLRU[[UIDSize]byte, *cacheEntry](0, nil, cfg.CacheTTL),
	}
}

// Result is the outcome of decoding one chunk.
type Result struct {
	// Frame is non-nil exactly when a payload was freshly reassembled in
	// this call (state transitioned Receiving -> Processed).
	Frame []byte
	// MaxHeight is the retained maximum remaining hop budget across all
	// chunks seen for this UID, valid whenever Frame is non-nil.
	MaxHeight byte
	// Duplicate reports whether this UID had already been Processed.
	Duplicate bool
}

// Decode implements §4.7. gossipFrame is a Broadcast payload's frame bytes
// (UID || metadata || shard-index || encoded shard); height is the
// enclosing Broadcast message's height field.
func (d *Decoder) Decode(gossipFrame []byte, height byte, now time.Time) (Result, error) {
	if len(gossipFrame) < MinChunkedSize {
		return Result{}, ErrTooShort
	}
	var uid [UIDSize]byte
	copy(uid[:], gossipFrame[:UIDSize])

	meta, err := UnmarshalMetadata(gossipFrame[UIDSize : UIDSize+TransmissionInfoSize])
	if err != nil {
		return Result{}, err
	}
	if err := meta.Validate(); err != nil {
		return Result{}, err
	}

	rest := gossipFrame[UIDSize+TransmissionInfoSize:]
	if len(rest) < 2 {
		return Result{}, ErrTooShort
	}
	shardIdx := binary.LittleEndian.Uint16(rest[0:2])
	shardData := rest[2:]
	total := int(meta.DataShards) + int(meta.ParityShards)
	if int(shardIdx) >= total {
		return Result{}, errors.New("fec: shard index out of range")
	}

	d.mu.Lock()
	entry, exists := d.cache.Get(uid)
	if !exists {
		entry = &cacheEntry{
			state:     stateReceiving,
			meta:      meta,
			shards:    make([][]byte, total),
			present:   make([]bool, total),
			maxHeight: height,
		}
		d.cache.Add(uid, entry)
	}
	d.mu.Unlock()
	metrics.FECCacheSize.Update(int64(d.cache.Len()))

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.state == stateProcessed {
		return Result{Duplicate: true}, nil
	}
	if height > entry.maxHeight {
		entry.maxHeight = height
	}

	if !entry.present[shardIdx] {
		shard := make([]byte, meta.ShardSize)
		copy(shard, shardData)
		entry.shards[shardIdx] = shard
		entry.present[shardIdx] = true
		entry.count++
		entry.attempted = false
		metrics.FECChunksDecoded.Mark(1)
	}

	if entry.count < int(entry.meta.DataShards) || entry.attempted {
		return Result{}, nil
	}
	entry.attempted = true

	enc, err := reedsolomon.New(int(entry.meta.DataShards), int(entry.meta.ParityShards))
	if err != nil {
		return Result{}, err
	}
	working := make([][]byte, total)
	copy(working, entry.shards)
	if err := enc.ReconstructData(working); err != nil {
		return Result{}, nil
	}

	var buf bytes.Buffer
	for i := 0; i < int(entry.meta.DataShards); i++ {
		buf.Write(working[i])
	}
	frame := buf.Bytes()
	if uint32(len(frame)) < entry.meta.TransferLength {
		return Result{}, nil
	}
	frame = frame[:entry.meta.TransferLength]

	if UID(frame) != uid {
		metrics.FECUIDMismatch.Mark(1)
		return Result{}, nil
	}

	entry.state = stateProcessed
	entry.shards = nil
	entry.present = nil
	maxHeight := entry.maxHeight

	return Result{Frame: frame, MaxHeight: maxHeight}, nil
}

// Len reports the number of cache entries currently tracked, for metrics.
func (d *Decoder) Len() int {
	return d.cache.Len()
}
