package kadcast

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/kadcast/overlay/kadcast/distip"
	"github.com/kadcast/overlay/kadcast/wire"
	"github.com/kadcast/overlay/logger/glog"
	"github.com/kadcast/overlay/metrics"
	"golang.org/x/time/rate"
)

// MaxDatagramSize is the largest inbound UDP payload the transport will
// read (§6).
const MaxDatagramSize = 1500

// InboundMessage pairs a decoded wire message with the source address it
// arrived from.
type InboundMessage struct {
	Msg wire.Message
	Src netip.AddrPort
}

// Transport implements §4.9: a dual IPv4/IPv6 outbound socket pair, one
// inbound listener, optional receive-buffer sizing, optional send pacing,
// and a periodically refreshed address blocklist.
type Transport struct {
	cfg *Config

	in  *net.UDPConn
	out4 *net.UDPConn
	out6 *net.UDPConn

	blocklist *distip.Blocklist
	limiter   *rate.Limiter

	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	stop chan struct{}
}

// NewTransport binds the transport's sockets. A failure to bind the
// inbound listener is the one fatal error in this system (§7).
func NewTransport(cfg *Config) (*Transport, error) {
	listenAddr := cfg.Network.ListenAddress
	if listenAddr == "" {
		listenAddr = cfg.Network.PublicAddress
	}
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	in, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	if cfg.Network.UDPRecvBufferSize > 0 {
		if err := in.SetReadBuffer(cfg.Network.UDPRecvBufferSize); err != nil {
			glog.Warningf("kadcast: SetReadBuffer: %v", err)
		}
	}

	out4, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		in.Close()
		return nil, err
	}
	out6, err := net.ListenUDP("udp6", &net.UDPAddr{})
	if err != nil {
		// Dual-stack is not guaranteed on every host; IPv4-only
		// environments are expected to fail this bind. It is not fatal:
		// sends to IPv6 destinations are simply dropped (counted in
		// metrics.SendFailures by sendOne's nil-socket check).
		glog.Warningf("kadcast: failed to bind IPv6 outbound socket: %v", err)
		out6 = nil
	}

	var limiter *rate.Limiter
	if cfg.Network.UDPSendBackoffTimeout > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.Network.UDPSendBackoffTimeout), 1)
	}

	return &Transport{
		cfg:       cfg,
		in:        in,
		out4:      out4,
		out6:      out6,
		blocklist: distip.NewBlocklist(),
		limiter:   limiter,
		Inbound:   make(chan InboundMessage, cfg.ChannelSize),
		Outbound:  make(chan OutboundMessage, cfg.ChannelSize),
		stop:      make(chan struct{}),
	}, nil
}

// Close shuts down every socket, which terminates ReadLoop and causes
// SendLoop to drain and exit once Outbound is closed by the caller.
func (t *Transport) Close() error {
	close(t.stop)
	t.in.Close()
	t.out4.Close()
	if t.out6 != nil {
		t.out6.Close()
	}
	return nil
}

// ReadLoop reads datagrams until the inbound socket is closed, deserializes
// them, and enqueues (message, source) pairs to Inbound. Decode failures
// and blocklisted senders are dropped per §7; a full Inbound queue also
// drops the datagram (§5 backpressure).
func (t *Transport) ReadLoop() {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := t.in.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		if t.blocklist.Blocked(net.IP(addr.Addr().AsSlice())) {
			metrics.BlocklistRejections.Mark(1)
			continue
		}
		msg, err := wire.Unmarshal(buf[:n])
		if err != nil {
			metrics.MsgDecodeErrors.Mark(1)
			continue
		}
		metrics.MsgInBytes.Mark(int64(n))
		select {
		case t.Inbound <- InboundMessage{Msg: msg, Src: addr}:
		default:
			metrics.QueueInboundDrops.Mark(1)
		}
	}
}

// SendLoop drains Outbound until it is closed, sending each message to
// every listed destination.
func (t *Transport) SendLoop() {
	for out := range t.Outbound {
		t.sendOne(out)
	}
}

func (t *Transport) socketFor(addr netip.AddrPort) *net.UDPConn {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		return t.out4
	}
	return t.out6
}

func (t *Transport) sendOne(out OutboundMessage) {
	buf, err := wire.Marshal(out.Msg)
	if err != nil {
		glog.Errorf("kadcast: marshal outbound message: %v", err)
		return
	}
	for _, dest := range out.Destinations {
		if t.blocklist.Blocked(net.IP(dest.Addr().AsSlice())) {
			metrics.BlocklistRejections.Mark(1)
			continue
		}
		conn := t.socketFor(dest)
		if conn == nil {
			metrics.SendFailures.Mark(1)
			continue
		}
		t.sendWithRetry(conn, buf, dest)
		if t.limiter != nil {
			t.limiter.Wait(context.Background())
		}
	}
}

func (t *Transport) sendWithRetry(conn *net.UDPConn, buf []byte, dest netip.AddrPort) {
	udpAddr := net.UDPAddrFromAddrPort(dest)
	attempts := t.cfg.Network.UDPSendRetryCount + 1
	for i := 0; i < attempts; i++ {
		if _, err := conn.WriteToUDP(buf, udpAddr); err == nil {
			metrics.MsgOutBytes.Mark(int64(len(buf)))
			return
		}
		if i < attempts-1 {
			metrics.SendRetries.Mark(1)
			time.Sleep(t.cfg.Network.UDPSendRetryInterval)
		}
	}
	metrics.SendFailures.Mark(1)
}

// RefreshBlocklist starts the periodic blocklist refresh loop (§4.9),
// running fn every BlocklistRefreshInterval until the transport is closed.
func (t *Transport) RefreshBlocklist(fn func() []net.IP) {
	t.blocklist.RunRefresh(t.cfg.Network.BlocklistRefreshInterval, t.stop, fn)
}

// LocalPort returns the inbound socket's bound port, used to stamp outbound
// headers with our advertised source port.
func (t *Transport) LocalPort() uint16 {
	return uint16(t.in.LocalAddr().(*net.UDPAddr).Port)
}
