package kadcast

import "net/netip"

// PeerInfo is the value stored alongside a BinaryID in the routing table:
// the network address at which that peer is reachable.
type PeerInfo struct {
	Addr netip.AddrPort
	ID   BinaryID
}
