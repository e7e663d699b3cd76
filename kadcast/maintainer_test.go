package kadcast

import (
	"net/netip"
	"testing"
	"time"

	"github.com/kadcast/overlay/kadcast/fec"
	"github.com/kadcast/overlay/kadcast/wire"
)

func newTestMaintainer(t *testing.T, cfg *Config, resolve Resolver) (*Maintainer, BinaryID, *Tree[PeerInfo], chan OutboundMessage) {
	t.Helper()
	self := testID(t, 0)
	table := NewTree[PeerInfo](self, cfg.Bucket)
	outbound := make(chan OutboundMessage, 256)
	decoder := fec.NewDecoder(cfg.Decoder)
	handler := NewHandler(self, table, cfg, decoder, outbound, nil)
	m := NewMaintainer(self, table, cfg, handler, resolve, 30000)
	return m, self, table, outbound
}

func drainOutbound(outbound chan OutboundMessage) []OutboundMessage {
	var out []OutboundMessage
	for {
		select {
		case m := <-outbound:
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestMaintainerBootstrapUntilMinPeersSendsFindNodes(t *testing.T) {
	cfg := handlerTestConfig()
	cfg.Bucket.MinPeers = 1
	cfg.Network.BootstrappingNodes = []string{"bootstrap.example:9000"}
	bootAddr := netip.MustParseAddrPort("203.0.113.20:9000")
	resolve := func(hostport string) ([]netip.AddrPort, error) {
		return []netip.AddrPort{bootAddr}, nil
	}
	m, self, table, outbound := newTestMaintainer(t, cfg, resolve)

	sleeps := 0
	m.sleep = func(d time.Duration) {
		sleeps++
		if sleeps == 1 {
			// Satisfy the min-peers condition on the next loop check by
			// seeding ourselves a peer, as if a reply had arrived.
			peer := testID(t, 1)
			if _, err := table.Insert(peer, PeerInfo{Addr: bootAddr, ID: peer}, time.Now()); err != nil {
				t.Fatalf("seed Insert: %v", err)
			}
		}
	}

	m.bootstrapUntilMinPeers()

	if sleeps != 1 {
		t.Fatalf("sleeps = %d, want 1 (stop as soon as min peers is reached)", sleeps)
	}

	msgs := drainOutbound(outbound)
	if len(msgs) != 1 {
		t.Fatalf("outbound messages = %d, want 1", len(msgs))
	}
	if msgs[0].Msg.Kind != wire.KindFindNodes {
		t.Fatalf("Kind = %v, want KindFindNodes", msgs[0].Msg.Kind)
	}
	if msgs[0].Msg.Target != self.ID {
		t.Fatal("FindNodes target should be our own id")
	}
	if len(msgs[0].Destinations) != 1 || msgs[0].Destinations[0] != bootAddr {
		t.Fatalf("destinations = %v, want [%v]", msgs[0].Destinations, bootAddr)
	}
}

func TestMaintainerRefreshIdleBucketsTargetsEveryIdleHeight(t *testing.T) {
	cfg := handlerTestConfig()
	cfg.Network.BootstrappingNodes = nil
	m, _, table, outbound := newTestMaintainer(t, cfg, func(string) ([]netip.AddrPort, error) { return nil, nil })

	now := time.Now()
	peer := testID(t, 3)
	peerAddr := netip.MustParseAddrPort("203.0.113.3:3000")
	if _, err := table.Insert(peer, PeerInfo{Addr: peerAddr, ID: peer}, now); err != nil {
		t.Fatalf("seed Insert: %v", err)
	}
	m.now = func() time.Time { return now.Add(2 * cfg.Bucket.BucketTTL) }

	m.refreshIdleBuckets()

	msgs := drainOutbound(outbound)
	if len(msgs) == 0 {
		t.Fatal("expected at least one FindNodes refresh for idle buckets")
	}
	for _, msg := range msgs {
		if msg.Msg.Kind != wire.KindFindNodes {
			t.Fatalf("Kind = %v, want KindFindNodes", msg.Msg.Kind)
		}
		if len(msg.Destinations) == 0 {
			t.Fatal("refresh message has no destinations")
		}
	}
}

func TestMaintainerPingAndEvictIdlesRemovesStaleNodes(t *testing.T) {
	cfg := handlerTestConfig()
	m, _, table, outbound := newTestMaintainer(t, cfg, func(string) ([]netip.AddrPort, error) { return nil, nil })

	now := time.Now()
	peer := testID(t, 4)
	peerAddr := netip.MustParseAddrPort("203.0.113.4:4000")
	if _, err := table.Insert(peer, PeerInfo{Addr: peerAddr, ID: peer}, now); err != nil {
		t.Fatalf("seed Insert: %v", err)
	}
	m.now = func() time.Time { return now.Add(cfg.Bucket.NodeTTL + time.Millisecond) }

	m.pingAndEvictIdles()

	if table.Size() != 0 {
		t.Fatalf("table.Size() = %d, want 0 after evicting the stale peer", table.Size())
	}

	msgs := drainOutbound(outbound)
	found := false
	for _, msg := range msgs {
		if msg.Msg.Kind == wire.KindPing {
			found = true
			if len(msg.Destinations) != 1 || msg.Destinations[0] != peerAddr {
				t.Fatalf("ping destination = %v, want [%v]", msg.Destinations, peerAddr)
			}
		}
	}
	if !found {
		t.Fatal("expected a Ping to be sent to the stale peer before eviction")
	}
}

func TestMaintainerIdleTimeDerivesFromBucketTTL(t *testing.T) {
	cfg := handlerTestConfig()
	m, _, _, _ := newTestMaintainer(t, cfg, func(string) ([]netip.AddrPort, error) { return nil, nil })
	want := cfg.Bucket.BucketTTL / 60
	if got := m.idleTime(); got != want {
		t.Fatalf("idleTime() = %v, want %v", got, want)
	}
}

func TestMaintainerRunStopsOnStop(t *testing.T) {
	cfg := handlerTestConfig()
	cfg.Bucket.MinPeers = 0
	cfg.Network.BootstrappingNodes = nil
	m, _, _, _ := newTestMaintainer(t, cfg, func(string) ([]netip.AddrPort, error) { return nil, nil })
	m.sleep = func(time.Duration) {}

	done := make(chan struct{})
	go func() {
		m.Run()
		close(done)
	}()

	m.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
