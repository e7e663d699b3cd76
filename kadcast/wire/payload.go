package wire

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// ErrZeroPeers is returned when a Nodes payload would encode (or was
// decoded with) a zero peer count.
var ErrZeroPeers = errors.New("wire: zero peer count")

// ErrInvalidIP is returned when a PeerInfo's address discriminator byte is
// neither ipv4Tag nor ipv6Tag.
var ErrInvalidIP = errors.New("wire: unrecognized address family tag")

// ipv4Tag/ipv6Tag are explicit discriminator bytes prefixed to every
// marshaled address, kept distinct from any real address octet so the
// decoder never has to infer the family from the payload itself.
const (
	ipv4Tag byte = 0x00
	ipv6Tag byte = 0x01
)

// PeerInfo is one entry of a Nodes payload: an address plus the id of the
// peer reachable there.
type PeerInfo struct {
	Addr netip.AddrPort
	ID   [IDLength]byte
}

func (p PeerInfo) marshal(dst []byte) ([]byte, error) {
	ip := p.Addr.Addr()
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	octets := ip.AsSlice()
	if ip.Is4() {
		dst = append(dst, ipv4Tag)
	} else {
		dst = append(dst, ipv6Tag)
	}
	dst = append(dst, octets...)
	var portBuf [2]byte
	binary.LittleEndian.PutUint16(portBuf[:], p.Addr.Port())
	dst = append(dst, portBuf[:]...)
	dst = append(dst, p.ID[:]...)
	return dst, nil
}

func unmarshalPeerInfo(buf []byte) (PeerInfo, []byte, error) {
	if len(buf) < 1 {
		return PeerInfo{}, nil, ErrTruncated
	}
	tag := buf[0]
	buf = buf[1:]

	var addr netip.Addr
	var rest []byte
	switch tag {
	case ipv4Tag:
		if len(buf) < 4 {
			return PeerInfo{}, nil, ErrTruncated
		}
		var b4 [4]byte
		copy(b4[:], buf[:4])
		addr = netip.AddrFrom4(b4)
		rest = buf[4:]
	case ipv6Tag:
		if len(buf) < 16 {
			return PeerInfo{}, nil, ErrTruncated
		}
		var b16 [16]byte
		copy(b16[:], buf[:16])
		addr = netip.AddrFrom16(b16)
		rest = buf[16:]
	default:
		return PeerInfo{}, nil, ErrInvalidIP
	}
	if len(rest) < 2+IDLength {
		return PeerInfo{}, nil, ErrTruncated
	}
	port := binary.LittleEndian.Uint16(rest[0:2])
	var id [IDLength]byte
	copy(id[:], rest[2:2+IDLength])
	return PeerInfo{Addr: netip.AddrPortFrom(addr, port), ID: id}, rest[2+IDLength:], nil
}

// MarshalNodes encodes a non-empty peer list: 2-byte count then each peer.
func MarshalNodes(dst []byte, peers []PeerInfo) ([]byte, error) {
	if len(peers) == 0 {
		return nil, ErrZeroPeers
	}
	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], uint16(len(peers)))
	dst = append(dst, countBuf[:]...)
	var err error
	for _, p := range peers {
		dst, err = p.marshal(dst)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// UnmarshalNodes decodes a Nodes payload, returning the remaining bytes.
func UnmarshalNodes(buf []byte) ([]PeerInfo, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, ErrTruncated
	}
	count := binary.LittleEndian.Uint16(buf[0:2])
	if count == 0 {
		return nil, nil, ErrZeroPeers
	}
	rest := buf[2:]
	peers := make([]PeerInfo, 0, count)
	for i := uint16(0); i < count; i++ {
		var p PeerInfo
		var err error
		p, rest, err = unmarshalPeerInfo(rest)
		if err != nil {
			return nil, nil, err
		}
		peers = append(peers, p)
	}
	return peers, rest, nil
}

// MarshalBroadcast encodes a height byte, a 4-byte frame length, then the
// raw frame.
func MarshalBroadcast(dst []byte, height byte, frame []byte) []byte {
	dst = append(dst, height)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, frame...)
	return dst
}

// UnmarshalBroadcast decodes a height + length-prefixed frame.
func UnmarshalBroadcast(buf []byte) (height byte, frame []byte, rest []byte, err error) {
	if len(buf) < 5 {
		return 0, nil, nil, ErrTruncated
	}
	height = buf[0]
	length := binary.LittleEndian.Uint32(buf[1:5])
	buf = buf[5:]
	if uint32(len(buf)) < length {
		return 0, nil, nil, ErrTruncated
	}
	frame = buf[:length]
	return height, frame, buf[length:], nil
}
