package kadcast

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/kadcast/overlay/kadcast/distip"
	"github.com/kadcast/overlay/kadcast/fec"
	"github.com/kadcast/overlay/kadcast/wire"
	"github.com/kadcast/overlay/logger"
	"github.com/kadcast/overlay/logger/glog"
	"github.com/kadcast/overlay/metrics"
)

// BroadcastMeta accompanies every payload delivered to the listener
// callback (§6): the sender's address and the broadcast's residual height
// at the point of reassembly.
type BroadcastMeta struct {
	From   netip.AddrPort
	Height byte
}

// Listener is invoked once per successfully decoded broadcast.
type Listener func(frame []byte, meta BroadcastMeta)

// OutboundMessage pairs a wire message with the destinations it should be
// sent to; the transport serializes it once and sends it to each
// destination over the socket matching that destination's address family
// (§4.9).
type OutboundMessage struct {
	Msg          wire.Message
	Destinations []netip.AddrPort
}

// Handler is the reactive core of §4.5: it consumes deserialized inbound
// messages, updates the routing table, and emits responses onto the
// outbound queue.
type Handler struct {
	id       BinaryID
	table    *Tree[PeerInfo]
	cfg      *Config
	decoder  *fec.Decoder
	outbound chan<- OutboundMessage
	listener Listener
	now      func() time.Time

	subnetsMu sync.Mutex
	subnets   distip.DistinctNetSet
}

// NewHandler builds a Handler bound to id/table/cfg, sending outbound
// responses to outbound and decoded broadcasts to listener.
func NewHandler(id BinaryID, table *Tree[PeerInfo], cfg *Config, decoder *fec.Decoder, outbound chan<- OutboundMessage, listener Listener) *Handler {
	return &Handler{
		id:       id,
		table:    table,
		cfg:      cfg,
		decoder:  decoder,
		outbound: outbound,
		listener: listener,
		now:      time.Now,
		subnets:  distip.DistinctNetSet{Subnet: cfg.Network.SubnetBits, Limit: cfg.Network.SubnetLimit},
	}
}

// admitSubnet reserves ip against the table-wide subnet cap (§6's
// SubnetLimit), rolling back cleanly if the caller later decides not to
// keep the reservation. LAN addresses and a disabled cap always admit.
func (h *Handler) admitSubnet(ip net.IP) bool {
	if h.cfg.Network.SubnetLimit == 0 || distip.IsLAN(ip) {
		return true
	}
	h.subnetsMu.Lock()
	defer h.subnetsMu.Unlock()
	return h.subnets.Add(ip)
}

func (h *Handler) releaseSubnetLocked(ip net.IP) {
	if h.cfg.Network.SubnetLimit == 0 || distip.IsLAN(ip) {
		return
	}
	h.subnetsMu.Lock()
	h.subnets.Remove(ip)
	h.subnetsMu.Unlock()
}

// ReleaseSubnet drops addr's IP from the subnet-admission tracker. The
// maintainer calls this after evicting the matching table entry so the
// subnet slot becomes available again.
func (h *Handler) ReleaseSubnet(addr netip.AddrPort) {
	h.releaseSubnetLocked(net.IP(addr.Addr().AsSlice()))
}

func (h *Handler) header(port uint16) wire.Header {
	return wire.Header{
		ID:       h.id.ID,
		Nonce:    h.id.Nonce,
		Port:     port,
		Reserved: [2]byte{h.cfg.KadcastID, 0},
		Version:  h.cfg.Version,
	}
}

func (h *Handler) send(msg wire.Message, dest netip.AddrPort) {
	h.enqueue(OutboundMessage{Msg: msg, Destinations: []netip.AddrPort{dest}})
}

func (h *Handler) enqueue(out OutboundMessage) {
	select {
	case h.outbound <- out:
	default:
		metrics.QueueOutboundDrops.Mark(1)
		glog.V(logger.Detail).Infof("kadcast: outbound queue full, dropping %v message", out.Msg.Kind)
	}
}

// Handle implements §4.5 for a single inbound (message, source) pair.
func (h *Handler) Handle(msg wire.Message, src netip.AddrPort, localPort uint16) {
	now := h.now()

	// Step 1: NAT-tolerant canonicalization using the header's advertised
	// source port.
	canonical := netip.AddrPortFrom(src.Addr(), msg.Header.Port)
	senderID := BinaryID{ID: msg.Header.ID, Nonce: msg.Header.Nonce}

	if h.cfg.KadcastID != 0 && msg.Header.Reserved[0] != h.cfg.KadcastID {
		return
	}

	// §4.10: every outbound message is stamped with the sender's semantic
	// version; a sender whose version our match expression rejects is
	// dropped before any table mutation.
	if !h.cfg.CompatibleWith(msg.Header.Version) {
		metrics.MsgVersionRejected.Mark(1)
		return
	}

	// Step 2: upsert the sender, gated by the table-wide subnet cap for
	// senders not already present (an update never changes subnet
	// occupancy, so the gate only applies to genuinely new entries).
	senderIPForSubnet := net.IP(canonical.Addr().AsSlice())
	isNewSender := !h.table.Contains(senderID)
	if isNewSender && !h.admitSubnet(senderIPForSubnet) {
		metrics.TableFullRejects.Mark(1)
		return
	}

	result, err := h.table.Insert(senderID, PeerInfo{Addr: canonical, ID: senderID}, now)
	switch err {
	case nil:
		metrics.TableInserts.Mark(1)
		if result.Outcome == Inserted {
			idx, _ := h.id.Distance(senderID)
			mlogKadcast.Send(mlogNodeInserted.SetDetailValues(fmt.Sprintf("%x", senderID.ID), idx).String())
		}
		if result.PendingEviction != nil {
			h.send(wire.Message{Kind: wire.KindPing, Header: h.header(localPort)}, result.PendingEviction.Value.Addr)
		}
	case ErrBucketFull:
		metrics.TableFullRejects.Mark(1)
		if isNewSender {
			h.releaseSubnetLocked(senderIPForSubnet)
		}
	case ErrInvalidNonce:
		metrics.MsgNonceRejected.Mark(1)
		if isNewSender {
			h.releaseSubnetLocked(senderIPForSubnet)
		}
		return
	case ErrSelf:
		// message from ourselves (e.g. loopback bootstrap); ignore table
		// mutation but still dispatch below.
		if isNewSender {
			h.releaseSubnetLocked(senderIPForSubnet)
		}
	}

	h.dispatch(msg, canonical, senderID, localPort, now)
}

func (h *Handler) dispatch(msg wire.Message, canonical netip.AddrPort, senderID BinaryID, localPort uint16, now time.Time) {
	switch msg.Kind {
	case wire.KindPing:
		metrics.MsgPingIn.Mark(1)
		mlogKadcast.Send(mlogPingReceived.SetDetailValues(canonical.String(), fmt.Sprintf("%x", senderID.ID)).String())
		h.send(wire.Message{Kind: wire.KindPong, Header: h.header(localPort)}, canonical)
		metrics.MsgPongOut.Mark(1)

	case wire.KindPong:
		metrics.MsgPongIn.Mark(1)
		// table upsert above suffices.

	case wire.KindFindNodes:
		metrics.MsgFindNodesIn.Mark(1)
		target := BinaryID{ID: msg.Target}
		closest := h.table.Closest(target, BucketSize, nil)
		if len(closest) == 0 {
			return
		}
		peers := make([]wire.PeerInfo, len(closest))
		for i, n := range closest {
			peers[i] = wire.PeerInfo{Addr: n.Value.Addr, ID: n.ID.ID}
		}
		reply := wire.Message{Kind: wire.KindNodes, Header: h.header(localPort), Peers: peers}
		h.send(reply, canonical)
		metrics.MsgNodesOut.Mark(1)

	case wire.KindNodes:
		metrics.MsgNodesIn.Mark(1)
		senderIP := net.IP(canonical.Addr().AsSlice())
		for _, p := range msg.Peers {
			if p.ID == h.id.ID {
				continue
			}
			// p.Addr was relayed by the sender on a peer's behalf, not
			// observed directly: reject LAN/loopback addresses relayed by a
			// WAN host, the same amplification guard the teacher's
			// discovery protocol applies to Neighbors packets.
			if err := distip.CheckRelayIP(senderIP, net.IP(p.Addr.Addr().AsSlice())); err != nil {
				metrics.MsgRelayRejected.Mark(1)
				continue
			}
			h.send(wire.Message{Kind: wire.KindPing, Header: h.header(localPort)}, p.Addr)
			metrics.MsgPingOut.Mark(1)
		}

	case wire.KindBroadcast:
		metrics.MsgBroadcastIn.Mark(1)
		h.handleBroadcast(msg, canonical, localPort, now)
	}
}

func (h *Handler) handleBroadcast(msg wire.Message, from netip.AddrPort, localPort uint16, now time.Time) {
	res, err := h.decoder.Decode(msg.Frame, msg.Height, now)
	if err != nil {
		metrics.FECUnsafeMeta.Mark(1)
		glog.V(logger.Detail).Infof("kadcast: dropping broadcast chunk: %v", err)
		mlogKadcast.Send(mlogBroadcastDropped.SetDetailValues("unsafe metadata: " + err.Error()).String())
		return
	}
	if res.Duplicate {
		metrics.FECDuplicates.Mark(1)
		mlogKadcast.Send(mlogBroadcastDropped.SetDetailValues("duplicate").String())
		return
	}
	if res.Frame == nil {
		// still accumulating shards
		return
	}

	metrics.FECReassembled.Mark(1)
	mlogKadcast.Send(mlogBroadcastDecoded.SetDetailValues(fmt.Sprintf("%x", fec.UID(res.Frame)), len(res.Frame)).String())
	if h.listener != nil {
		h.listener(res.Frame, BroadcastMeta{From: from, Height: res.MaxHeight})
	}

	if !h.cfg.AutoPropagate || res.MaxHeight == 0 {
		return
	}
	h.forward(res.Frame, res.MaxHeight-1, localPort)
}

// forward implements extract(height-1) fan-out: re-encode frame through
// FEC and send the resulting chunks, each Broadcast message stamped with
// height = bucket_index, to the delegates chosen from that bucket.
func (h *Handler) forward(frame []byte, height byte, localPort uint16) {
	delegates := h.table.Extract(int(height))
	if len(delegates) == 0 {
		return
	}
	chunks, err := fec.Encode(frame, h.cfg.Encoder)
	if err != nil {
		glog.Errorf("kadcast: FEC encode failed during forward: %v", err)
		return
	}
	for _, bd := range delegates {
		dests := make([]netip.AddrPort, len(bd.Peers))
		for i, p := range bd.Peers {
			dests[i] = p.Value.Addr
		}
		for _, chunk := range chunks {
			msg := wire.Message{
				Kind:   wire.KindBroadcast,
				Header: h.header(localPort),
				Height: byte(bd.BucketIndex),
				Frame:  chunk,
			}
			h.enqueue(OutboundMessage{Msg: msg, Destinations: dests})
			metrics.MsgBroadcastOut.Mark(1)
			metrics.FECChunksEncoded.Mark(1)
		}
	}
}

// Broadcast originates a new broadcast at the given height (§6). height=0
// means "do not propagate past the immediate recipients"; pass
// DefaultOriginHeight for the spec's default (bucket count - 1).
func (h *Handler) Broadcast(frame []byte, height byte, localPort uint16) {
	delegates := h.table.Extract(int(height))
	chunks, err := fec.Encode(frame, h.cfg.Encoder)
	if err != nil {
		glog.Errorf("kadcast: FEC encode failed during originate: %v", err)
		return
	}
	for _, bd := range delegates {
		dests := make([]netip.AddrPort, len(bd.Peers))
		for i, p := range bd.Peers {
			dests[i] = p.Value.Addr
		}
		for _, chunk := range chunks {
			msg := wire.Message{
				Kind:   wire.KindBroadcast,
				Header: h.header(localPort),
				Height: byte(bd.BucketIndex),
				Frame:  chunk,
			}
			h.enqueue(OutboundMessage{Msg: msg, Destinations: dests})
			metrics.MsgBroadcastOut.Mark(1)
			metrics.FECChunksEncoded.Mark(1)
		}
	}
}

// DefaultOriginHeight is the height an originating broadcast uses when the
// caller does not specify one: bucket count - 1, so the originator fans out
// to every bucket (§6).
const DefaultOriginHeight = NumBuckets - 1
