package wire

import "errors"

// Kind is the wire type byte identifying a message's payload shape.
type Kind byte

const (
	KindPing      Kind = 0x00
	KindPong      Kind = 0x01
	KindFindNodes Kind = 0x02
	KindNodes     Kind = 0x03
	KindBroadcast Kind = 0x0A
)

// ErrUnknownKind is returned when a datagram's leading type byte does not
// match any known message kind.
var ErrUnknownKind = errors.New("wire: unknown message kind")

// Message is the union of all five wire message shapes. Only the fields
// relevant to Kind are populated.
type Message struct {
	Kind   Kind
	Header Header

	// FindNodes
	Target [IDLength]byte
	// Nodes
	Peers []PeerInfo
	// Broadcast
	Height byte
	Frame  []byte
}

// Marshal encodes m as a complete datagram: type byte, header, payload.
func Marshal(m Message) ([]byte, error) {
	buf := make([]byte, 0, 1+FixedHeaderLength+1+len(m.Header.Version)+len(m.Frame)+16)
	buf = append(buf, byte(m.Kind))
	var err error
	buf, err = m.Header.Marshal(buf)
	if err != nil {
		return nil, err
	}
	switch m.Kind {
	case KindPing, KindPong:
		// header only
	case KindFindNodes:
		buf = append(buf, m.Target[:]...)
	case KindNodes:
		buf, err = MarshalNodes(buf, m.Peers)
		if err != nil {
			return nil, err
		}
	case KindBroadcast:
		buf = MarshalBroadcast(buf, m.Height, m.Frame)
	default:
		return nil, ErrUnknownKind
	}
	return buf, nil
}

// Unmarshal decodes a complete datagram into a Message.
func Unmarshal(buf []byte) (Message, error) {
	if len(buf) < 1 {
		return Message{}, ErrTruncated
	}
	kind := Kind(buf[0])
	header, rest, err := UnmarshalHeader(buf[1:])
	if err != nil {
		return Message{}, err
	}
	m := Message{Kind: kind, Header: header}
	switch kind {
	case KindPing, KindPong:
		// nothing more to read
	case KindFindNodes:
		if len(rest) < IDLength {
			return Message{}, ErrTruncated
		}
		copy(m.Target[:], rest[:IDLength])
	case KindNodes:
		peers, _, err := UnmarshalNodes(rest)
		if err != nil {
			return Message{}, err
		}
		m.Peers = peers
	case KindBroadcast:
		height, frame, _, err := UnmarshalBroadcast(rest)
		if err != nil {
			return Message{}, err
		}
		m.Height = height
		m.Frame = frame
	default:
		return Message{}, ErrUnknownKind
	}
	return m, nil
}
