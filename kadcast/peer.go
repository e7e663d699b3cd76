package kadcast

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/kadcast/overlay/kadcast/fec"
	"github.com/kadcast/overlay/logger"
	"github.com/kadcast/overlay/logger/glog"
)

// Peer is the public entry point: it wires the routing table, the reactive
// handler, the periodic maintainer, and the UDP transport together into one
// running overlay participant (§3).
type Peer struct {
	id        BinaryID
	cfg       Config
	table     *Tree[PeerInfo]
	handler   *Handler
	maintainer *Maintainer
	transport *Transport
}

// NewPeer builds and starts a Peer bound to cfg.Network.PublicAddress. The
// listener callback is invoked once per successfully reassembled broadcast.
func NewPeer(cfg Config, listener Listener) (*Peer, error) {
	if err := cfg.Parse(); err != nil {
		return nil, fmt.Errorf("kadcast: parsing version: %w", err)
	}

	pub, err := netip.ParseAddrPort(cfg.Network.PublicAddress)
	if err != nil {
		return nil, fmt.Errorf("kadcast: parsing public address: %w", err)
	}
	self := NewBinaryID(pub)

	transport, err := NewTransport(&cfg)
	if err != nil {
		return nil, fmt.Errorf("kadcast: binding transport: %w", err)
	}

	table := NewTree[PeerInfo](self, cfg.Bucket)
	decoder := fec.NewDecoder(cfg.Decoder)
	handler := NewHandler(self, table, &cfg, decoder, transport.Outbound, listener)
	maintainer := NewMaintainer(self, table, &cfg, handler, resolveHostPort, transport.LocalPort())

	p := &Peer{
		id:         self,
		cfg:        cfg,
		table:      table,
		handler:    handler,
		maintainer: maintainer,
		transport:  transport,
	}

	go transport.ReadLoop()
	go transport.SendLoop()
	go p.dispatchLoop()
	go maintainer.Run()
	go transport.RefreshBlocklist(func() []net.IP { return nil })

	glog.V(logger.Info).Infof("kadcast: peer started, id=%x public=%s", self.ID, cfg.Network.PublicAddress)
	return p, nil
}

// dispatchLoop feeds every inbound datagram from the transport into the
// handler, decoupling socket reads from message processing (§4.9).
func (p *Peer) dispatchLoop() {
	localPort := p.transport.LocalPort()
	for in := range p.transport.Inbound {
		p.handler.Handle(in.Msg, in.Src, localPort)
	}
}

// Broadcast originates a new broadcast frame at the default origin height.
func (p *Peer) Broadcast(frame []byte) {
	p.handler.Broadcast(frame, DefaultOriginHeight, p.transport.LocalPort())
}

// BroadcastAt originates a new broadcast frame at an explicit height,
// bounding how far it propagates.
func (p *Peer) BroadcastAt(frame []byte, height byte) {
	p.handler.Broadcast(frame, height, p.transport.LocalPort())
}

// AliveNodes returns every peer currently stored in the routing table.
func (p *Peer) AliveNodes() []PeerInfo {
	nodes := p.table.AliveNodes()
	out := make([]PeerInfo, len(nodes))
	for i, n := range nodes {
		out[i] = n.Value
	}
	return out
}

// Self returns this peer's own id.
func (p *Peer) Self() BinaryID { return p.id }

// Report renders a human-readable dump of the routing table: a header line
// with the total node count, then one line per stored node (id and address).
func (p *Peer) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "kadcast peer %x (%d nodes)\n", p.id.ID, p.table.Size())
	for _, n := range p.table.AliveNodes() {
		fmt.Fprintf(&b, "  %x @ %s\n", n.ID.ID, n.Value.Addr)
	}
	return b.String()
}

// Close stops the maintainer, closes the transport's sockets (which ends
// ReadLoop) and stops the blocklist refresh. It does not close the Inbound
// or Outbound queues, so the SendLoop and dispatchLoop goroutines stay
// blocked on them after Close returns. It does not block waiting for any
// goroutine to finish.
func (p *Peer) Close() error {
	p.maintainer.Stop()
	return p.transport.Close()
}

// resolveHostPort resolves a bootstrap "host:port" string to its UDP socket
// addresses, used as the Maintainer's default Resolver.
func resolveHostPort(hostport string) ([]netip.AddrPort, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, err
	}
	ap, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return nil, fmt.Errorf("kadcast: unresolvable bootstrap address %q", hostport)
	}
	return []netip.AddrPort{netip.AddrPortFrom(ap.Unmap(), uint16(addr.Port))}, nil
}
