package fec

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame := make([]byte, 5000)
	rand.New(rand.NewSource(1)).Read(frame)

	cfg := DefaultEncoderConfig()
	chunks, err := Encode(frame, cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}

	dec := NewDecoder(DefaultDecoderConfig())
	now := time.Now()
	var got []byte
	for _, c := range chunks {
		res, err := dec.Decode(c, 5, now)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if res.Frame != nil {
			got = res.Frame
			break
		}
	}
	if got == nil {
		t.Fatal("frame was never reassembled from the full chunk set")
	}
	if !bytes.Equal(got, frame) {
		t.Fatal("reassembled frame does not match original")
	}
}

func TestEncodeDecodeWithLoss(t *testing.T) {
	frame := make([]byte, 20000)
	rand.New(rand.NewSource(2)).Read(frame)

	cfg := DefaultEncoderConfig()
	chunks, err := Encode(frame, cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Drop every fifth chunk to simulate loss (5 of the 16 data + 5 parity
	// chunks); the repair shards should still let reassembly succeed as
	// long as >= dataShards remain.
	var kept [][]byte
	for i, c := range chunks {
		if i%5 == 0 {
			continue
		}
		kept = append(kept, c)
	}

	dec := NewDecoder(DefaultDecoderConfig())
	now := time.Now()
	var got []byte
	for _, c := range kept {
		res, err := dec.Decode(c, 3, now)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if res.Frame != nil {
			got = res.Frame
			break
		}
	}
	if got == nil {
		t.Fatal("expected reassembly to succeed despite loss")
	}
	if !bytes.Equal(got, frame) {
		t.Fatal("reassembled frame does not match original after loss")
	}
}

func TestDecodeDuplicateSuppression(t *testing.T) {
	frame := []byte("duplicate suppression payload")
	cfg := DefaultEncoderConfig()
	chunks, err := Encode(frame, cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec := NewDecoder(DefaultDecoderConfig())
	now := time.Now()
	delivered := 0
	for round := 0; round < 3; round++ {
		for _, c := range chunks {
			res, err := dec.Decode(c, 1, now)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if res.Frame != nil {
				delivered++
			}
		}
	}
	if delivered != 1 {
		t.Fatalf("delivered %d times within TTL, want exactly 1", delivered)
	}
}

func TestDecodeAdversarialJunkNeverDecodes(t *testing.T) {
	legit := []byte("the only real broadcast in this stream")
	cfg := DefaultEncoderConfig()
	chunks, err := Encode(legit, cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec := NewDecoder(DefaultDecoderConfig())
	now := time.Now()
	rng := rand.New(rand.NewSource(42))

	junk := func() []byte {
		n := MinChunkedSize + rng.Intn(200)
		b := make([]byte, n)
		rng.Read(b)
		return b
	}

	delivered := 0
	for i := 0; i < 2000; i++ {
		if res, err := dec.Decode(junk(), byte(rng.Intn(10)), now); err == nil {
			// junk that happens to pass metadata validation is fine, as
			// long as it never yields a reassembled Frame.
			if res.Frame != nil {
				t.Fatal("junk chunk yielded a reassembled frame")
			}
		}
	}
	for _, c := range chunks {
		res, err := dec.Decode(c, 2, now)
		if err != nil {
			t.Fatalf("Decode legitimate chunk: %v", err)
		}
		if res.Frame != nil {
			delivered++
			if !bytes.Equal(res.Frame, legit) {
				t.Fatal("decoded frame does not match legitimate payload")
			}
		}
	}
	if delivered != 1 {
		t.Fatalf("legitimate payload delivered %d times, want exactly 1", delivered)
	}
}

func TestMetadataValidateRejectsUnsafe(t *testing.T) {
	cases := []Metadata{
		{TransferLength: 10, ShardSize: 100, DataShards: 0, ParityShards: 1},
		{TransferLength: 10, ShardSize: 0, DataShards: 1, ParityShards: 1},
		{TransferLength: 0, ShardSize: 100, DataShards: 1, ParityShards: 1},
		{TransferLength: 10, ShardSize: 100, DataShards: MaxSourceSymbolsPerBlock + 1, ParityShards: 1},
	}
	for i, m := range cases {
		if err := m.Validate(); err == nil {
			t.Errorf("case %d: expected validation error, got nil", i)
		}
	}
}

func TestDecoderPruneExpiresEntries(t *testing.T) {
	frame := []byte("prune me")
	chunks, err := Encode(frame, DefaultEncoderConfig())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// expirable.LRU's janitor runs on a real wall clock, so this test
	// exercises actual expiry rather than an injected `now`.
	cfg := DecoderConfig{CacheTTL: 10 * time.Millisecond}
	dec := NewDecoder(cfg)

	now := time.Now()
	if _, err := dec.Decode(chunks[0], 1, now); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dec.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", dec.Len())
	}

	time.Sleep(200 * time.Millisecond)
	if dec.Len() != 0 {
		t.Fatalf("Len() after TTL elapsed = %d, want 0", dec.Len())
	}
}
