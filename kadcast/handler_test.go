package kadcast

import (
	"net/netip"
	"testing"
	"time"

	"github.com/kadcast/overlay/kadcast/fec"
	"github.com/kadcast/overlay/kadcast/wire"
)

func handlerTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Bucket = tableTestConfig()
	if err := cfg.Parse(); err != nil {
		panic(err)
	}
	return &cfg
}

func newTestHandler(t *testing.T, cfg *Config, listener Listener) (*Handler, BinaryID, *Tree[PeerInfo], chan OutboundMessage) {
	t.Helper()
	self := testID(t, 0)
	table := NewTree[PeerInfo](self, cfg.Bucket)
	outbound := make(chan OutboundMessage, 64)
	decoder := fec.NewDecoder(cfg.Decoder)
	h := NewHandler(self, table, cfg, decoder, outbound, listener)
	return h, self, table, outbound
}

func headerFor(id BinaryID, port uint16, kadcastID byte) wire.Header {
	return wire.Header{ID: id.ID, Nonce: id.Nonce, Port: port, Reserved: [2]byte{kadcastID, 0}, Version: "0.0.1"}
}

func TestHandlePingRepliesWithPongAndUpsertsSender(t *testing.T) {
	cfg := handlerTestConfig()
	h, _, table, outbound := newTestHandler(t, cfg, nil)

	sender := testID(t, 5)
	src := netip.MustParseAddrPort("198.51.100.1:40000")
	msg := wire.Message{Kind: wire.KindPing, Header: headerFor(sender, src.Port(), 0)}

	h.Handle(msg, src, 30000)

	select {
	case out := <-outbound:
		if out.Msg.Kind != wire.KindPong {
			t.Fatalf("reply Kind = %v, want KindPong", out.Msg.Kind)
		}
		if len(out.Destinations) != 1 || out.Destinations[0] != src {
			t.Fatalf("reply destination = %v, want [%v]", out.Destinations, src)
		}
	default:
		t.Fatal("expected a Pong reply on the outbound queue")
	}

	if table.Size() != 1 {
		t.Fatalf("table.Size() = %d, want 1", table.Size())
	}
}

func TestHandleRejectsMismatchedKadcastID(t *testing.T) {
	cfg := handlerTestConfig()
	cfg.KadcastID = 7
	h, _, table, outbound := newTestHandler(t, cfg, nil)

	sender := testID(t, 5)
	src := netip.MustParseAddrPort("198.51.100.1:40000")
	msg := wire.Message{Kind: wire.KindPing, Header: headerFor(sender, src.Port(), 9)}

	h.Handle(msg, src, 30000)

	select {
	case <-outbound:
		t.Fatal("expected no reply for a mismatched KadcastID tag")
	default:
	}
	if table.Size() != 0 {
		t.Fatal("sender should not be inserted when the KadcastID tag mismatches")
	}
}

func TestHandleRejectsIncompatibleVersionBeforeTableMutation(t *testing.T) {
	cfg := handlerTestConfig()
	cfg.VersionMatch = "1.x"
	if err := cfg.Parse(); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	h, _, table, outbound := newTestHandler(t, cfg, nil)

	sender := testID(t, 5)
	src := netip.MustParseAddrPort("198.51.100.1:40000")
	header := headerFor(sender, src.Port(), 0)
	header.Version = "0.0.1"
	msg := wire.Message{Kind: wire.KindPing, Header: header}

	h.Handle(msg, src, 30000)

	select {
	case <-outbound:
		t.Fatal("expected no reply for an incompatible sender version")
	default:
	}
	if table.Size() != 0 {
		t.Fatal("sender should not be inserted when its version is incompatible")
	}
}

func TestHandleRejectsSenderPastSubnetLimit(t *testing.T) {
	cfg := handlerTestConfig()
	cfg.Network.SubnetBits = 24
	cfg.Network.SubnetLimit = 1
	h, _, table, outbound := newTestHandler(t, cfg, nil)

	first := testID(t, 5)
	firstSrc := netip.MustParseAddrPort("198.51.100.1:40000")
	h.Handle(wire.Message{Kind: wire.KindPing, Header: headerFor(first, firstSrc.Port(), 0)}, firstSrc, 30000)
	if table.Size() != 1 {
		t.Fatalf("table.Size() after first sender = %d, want 1", table.Size())
	}

	second := testID(t, 6)
	secondSrc := netip.MustParseAddrPort("198.51.100.2:40000")
	h.Handle(wire.Message{Kind: wire.KindPing, Header: headerFor(second, secondSrc.Port(), 0)}, secondSrc, 30000)
	if table.Size() != 1 {
		t.Fatalf("table.Size() after second sender = %d, want 1 (subnet cap should reject it)", table.Size())
	}

	// Drain: only the first sender should have been Ponged.
	pongs := 0
	for {
		select {
		case out := <-outbound:
			if out.Msg.Kind == wire.KindPong {
				pongs++
			}
		default:
			if pongs != 1 {
				t.Fatalf("pongs sent = %d, want 1 (second sender rejected before reply)", pongs)
			}
			return
		}
	}
}

func TestHandleFindNodesRepliesWithClosestPeers(t *testing.T) {
	cfg := handlerTestConfig()
	h, self, table, outbound := newTestHandler(t, cfg, nil)
	now := time.Now()

	known := testID(t, 9)
	addr := netip.MustParseAddrPort("203.0.113.9:4000")
	if _, err := table.Insert(known, PeerInfo{Addr: addr, ID: known}, now); err != nil {
		t.Fatalf("seed Insert: %v", err)
	}

	sender := testID(t, 5)
	src := netip.MustParseAddrPort("198.51.100.1:40000")
	msg := wire.Message{Kind: wire.KindFindNodes, Header: headerFor(sender, src.Port(), 0), Target: self.ID}

	h.Handle(msg, src, 30000)

	select {
	case out := <-outbound:
		if out.Msg.Kind != wire.KindNodes {
			t.Fatalf("reply Kind = %v, want KindNodes", out.Msg.Kind)
		}
		found := false
		for _, p := range out.Msg.Peers {
			if p.ID == known.ID {
				found = true
			}
		}
		if !found {
			t.Fatal("reply did not include the previously known peer")
		}
	default:
		t.Fatal("expected a Nodes reply on the outbound queue")
	}
}

func TestHandleNodesPingsEveryAdvertisedPeerExceptSelf(t *testing.T) {
	cfg := handlerTestConfig()
	h, self, _, outbound := newTestHandler(t, cfg, nil)

	sender := testID(t, 5)
	src := netip.MustParseAddrPort("198.51.100.1:40000")
	peerA := testID(t, 11)
	// A public, non-special address: CheckRelayIP rejects documentation
	// ranges such as 203.0.113.0/24 before any Ping is sent.
	peerAAddr := netip.MustParseAddrPort("23.55.1.242:5000")
	msg := wire.Message{
		Kind:   wire.KindNodes,
		Header: headerFor(sender, src.Port(), 0),
		Peers: []wire.PeerInfo{
			{Addr: peerAAddr, ID: peerA.ID},
			{Addr: netip.MustParseAddrPort("203.0.113.12:5001"), ID: self.ID},
		},
	}

	h.Handle(msg, src, 30000)

	// Drain the sender's own Pong reply is not expected for a Nodes message;
	// only Ping messages to advertised peers (excluding self) should appear.
	pings := 0
	for {
		select {
		case out := <-outbound:
			if out.Msg.Kind == wire.KindPing {
				pings++
				if len(out.Destinations) != 1 || out.Destinations[0] != peerAAddr {
					t.Fatalf("ping destination = %v, want [%v]", out.Destinations, peerAAddr)
				}
			}
		default:
			if pings != 1 {
				t.Fatalf("pings sent = %d, want 1 (self excluded)", pings)
			}
			return
		}
	}
}

func TestHandleBroadcastDeliversOnceAndForwards(t *testing.T) {
	cfg := handlerTestConfig()
	cfg.AutoPropagate = true

	var delivered [][]byte
	listener := func(frame []byte, meta BroadcastMeta) {
		delivered = append(delivered, frame)
	}
	h, _, table, outbound := newTestHandler(t, cfg, listener)
	now := time.Now()

	// Seed a delegate so forwarding has somewhere to go.
	delegate := testID(t, 13)
	delegateAddr := netip.MustParseAddrPort("203.0.113.13:6000")
	if _, err := table.Insert(delegate, PeerInfo{Addr: delegateAddr, ID: delegate}, now); err != nil {
		t.Fatalf("seed Insert: %v", err)
	}

	frame := []byte("hello, kadcast")
	chunks, err := fec.Encode(frame, cfg.Encoder)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	sender := testID(t, 5)
	src := netip.MustParseAddrPort("198.51.100.1:40000")
	for _, c := range chunks {
		msg := wire.Message{Kind: wire.KindBroadcast, Header: headerFor(sender, src.Port(), 0), Height: byte(NumBuckets - 1), Frame: c}
		h.Handle(msg, src, 30000)
	}

	if len(delivered) != 1 {
		t.Fatalf("listener invoked %d times, want 1", len(delivered))
	}
	if string(delivered[0]) != string(frame) {
		t.Fatalf("delivered frame = %q, want %q", delivered[0], frame)
	}

	forwarded := false
	for {
		select {
		case out := <-outbound:
			if out.Msg.Kind == wire.KindBroadcast {
				forwarded = true
			}
		default:
			if !forwarded {
				t.Fatal("expected at least one forwarded Broadcast chunk")
			}
			return
		}
	}
}

func TestHandleBroadcastSuppressesDuplicateDelivery(t *testing.T) {
	cfg := handlerTestConfig()
	cfg.AutoPropagate = false

	deliveries := 0
	listener := func(frame []byte, meta BroadcastMeta) { deliveries++ }
	h, _, _, _ := newTestHandler(t, cfg, listener)

	frame := []byte("duplicate broadcast")
	chunks, err := fec.Encode(frame, cfg.Encoder)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	sender := testID(t, 5)
	src := netip.MustParseAddrPort("198.51.100.1:40000")
	for round := 0; round < 2; round++ {
		for _, c := range chunks {
			msg := wire.Message{Kind: wire.KindBroadcast, Header: headerFor(sender, src.Port(), 0), Height: 1, Frame: c}
			h.Handle(msg, src, 30000)
		}
	}

	if deliveries != 1 {
		t.Fatalf("deliveries = %d, want exactly 1", deliveries)
	}
}
