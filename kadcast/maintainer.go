package kadcast

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/kadcast/overlay/kadcast/wire"
	"github.com/kadcast/overlay/logger/glog"
	"github.com/kadcast/overlay/metrics"
)

// Resolver turns a bootstrap "host:port" string into zero or more resolved
// socket addresses; bootstrap resolution failures are logged and the
// maintainer continues with whatever did resolve (§7).
type Resolver func(hostport string) ([]netip.AddrPort, error)

// Maintainer runs the periodic bootstrap/refresh/evict loop of §4.10.
type Maintainer struct {
	id       BinaryID
	table    *Tree[PeerInfo]
	cfg      *Config
	handler  *Handler
	resolve  Resolver
	now      func() time.Time
	sleep    func(time.Duration)
	stop     chan struct{}
	localPort uint16
}

// NewMaintainer builds a Maintainer for the given table/config, resolving
// bootstrap addresses with resolve and emitting messages through handler.
func NewMaintainer(id BinaryID, table *Tree[PeerInfo], cfg *Config, handler *Handler, resolve Resolver, localPort uint16) *Maintainer {
	return &Maintainer{
		id:        id,
		table:     table,
		cfg:       cfg,
		handler:   handler,
		resolve:   resolve,
		now:       time.Now,
		sleep:     time.Sleep,
		stop:      make(chan struct{}),
		localPort: localPort,
	}
}

// Stop terminates the maintainer's Run loop.
func (m *Maintainer) Stop() { close(m.stop) }

func (m *Maintainer) bootstrapAddrs() []netip.AddrPort {
	var out []netip.AddrPort
	for _, hp := range m.cfg.Network.BootstrappingNodes {
		addrs, err := m.resolve(hp)
		if err != nil {
			glog.Warningf("kadcast: maintainer: resolving bootstrap %q: %v", hp, err)
			continue
		}
		out = append(out, addrs...)
	}
	return out
}

func (m *Maintainer) findNodesHeader() wire.Header {
	return wire.Header{ID: m.id.ID, Nonce: m.id.Nonce, Port: m.localPort, Reserved: [2]byte{m.cfg.KadcastID, 0}, Version: m.cfg.Version}
}

// Run blocks, executing the infinite loop of §4.10 until Stop is called.
func (m *Maintainer) Run() {
	for {
		select {
		case <-m.stop:
			return
		default:
		}

		m.bootstrapUntilMinPeers()

		select {
		case <-m.stop:
			return
		default:
		}
		m.sleep(m.idleTime())

		m.refreshIdleBuckets()
		m.pingAndEvictIdles()
		metrics.TableSize.Update(int64(m.table.Size()))
	}
}

// bootstrapUntilMinPeers implements step 1: while alive-node count is below
// min_peers, FindNodes(self) to every resolved bootstrap address, sleep 30s,
// recheck.
func (m *Maintainer) bootstrapUntilMinPeers() {
	for m.table.Size() < m.cfg.Bucket.MinPeers {
		addrs := m.bootstrapAddrs()
		target := wire.Message{Kind: wire.KindFindNodes, Header: m.findNodesHeader(), Target: m.id.ID}
		for _, addr := range addrs {
			m.handler.enqueue(OutboundMessage{Msg: target, Destinations: []netip.AddrPort{addr}})
			metrics.MsgFindNodesOut.Mark(1)
		}
		select {
		case <-m.stop:
			return
		default:
		}
		m.sleep(30 * time.Second)
	}
}

// idleTime is the sleep between steady-state maintenance passes; it is not
// separately enumerated in the configuration surface, so it follows the
// bucket TTL at a finer grain the way the original maintainer ticks faster
// than the staleness window it is watching for.
func (m *Maintainer) idleTime() time.Duration {
	return m.cfg.Bucket.BucketTTL / 60
}

// refreshIdleBuckets implements step 3: for every idle or empty bucket h,
// flip the bit at distance h to build a synthetic target, and FindNodes it
// to up to Alpha alive peers plus the bootstrap set.
func (m *Maintainer) refreshIdleBuckets() {
	now := m.now()
	idle := m.table.IdleOrEmptyHeight(now, m.cfg.Bucket.BucketTTL)
	if len(idle) == 0 {
		return
	}
	alive := m.table.AliveNodes()
	bootstrap := m.bootstrapAddrs()

	for _, h := range idle {
		target := m.id.FlipBit(h)
		msg := wire.Message{Kind: wire.KindFindNodes, Header: m.findNodesHeader(), Target: target.ID}

		var dests []netip.AddrPort
		for i := 0; i < len(alive) && len(dests) < Alpha; i++ {
			dests = append(dests, alive[i].Value.Addr)
		}
		dests = append(dests, bootstrap...)
		if len(dests) == 0 {
			continue
		}
		m.handler.enqueue(OutboundMessage{Msg: msg, Destinations: dests})
		metrics.MsgFindNodesOut.Mark(1)
	}
}

// pingAndEvictIdles implements step 4: ping every node whose SeenAt exceeds
// node_ttl, then remove it from the table.
func (m *Maintainer) pingAndEvictIdles() {
	now := m.now()
	idle := m.table.IdleNodes(now, m.cfg.Bucket.NodeTTL)
	for _, n := range idle {
		m.handler.send(wire.Message{Kind: wire.KindPing, Header: m.findNodesHeader()}, n.Value.Addr)
		metrics.MsgPingOut.Mark(1)
		m.table.Remove(n.ID)
		m.handler.ReleaseSubnet(n.Value.Addr)
		metrics.TableEvictions.Mark(1)
		idx, _ := m.id.Distance(n.ID)
		mlogKadcast.Send(mlogNodeEvicted.SetDetailValues(fmt.Sprintf("%x", n.ID.ID), idx).String())
	}
}
