package kadcast

import (
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/kadcast/overlay/kadcast/fec"
)

// BucketConfig holds the routing table's timing knobs (§6).
type BucketConfig struct {
	// NodeTTL is how long a node is considered alive without being
	// refreshed.
	NodeTTL time.Duration
	// NodeEvictAfter is the probation window given to a stale head before
	// it is dropped.
	NodeEvictAfter time.Duration
	// BucketTTL marks a bucket idle once its newest node exceeds it.
	BucketTTL time.Duration
	// MinPeers is the number of alive nodes the maintainer bootstraps up
	// to before settling into steady-state refresh.
	MinPeers int
}

// DefaultBucketConfig returns the defaults enumerated in §6.
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{
		NodeTTL:        30 * time.Second,
		NodeEvictAfter: 5 * time.Second,
		BucketTTL:      time.Hour,
		MinPeers:       3,
	}
}

// NetworkConfig holds the UDP transport's knobs (§6).
type NetworkConfig struct {
	PublicAddress            string
	ListenAddress            string
	BootstrappingNodes       []string
	UDPRecvBufferSize        int
	UDPSendBackoffTimeout    time.Duration
	UDPSendRetryInterval     time.Duration
	UDPSendRetryCount        int
	BlocklistRefreshInterval time.Duration

	// SubnetBits/SubnetLimit cap how many table entries may come from the
	// same IP subnet (mirrors p2p/discover's tableSubnet/tableIPLimit),
	// guarding against a single address range flooding the routing table.
	// LAN addresses are exempt, same as the teacher's addIP. SubnetLimit
	// == 0 disables the cap.
	SubnetBits  uint
	SubnetLimit uint
}

// DefaultNetworkConfig returns the defaults enumerated in §6.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		UDPRecvBufferSize:        5 * 1024 * 1024,
		UDPSendBackoffTimeout:    0,
		UDPSendRetryInterval:     5 * time.Millisecond,
		UDPSendRetryCount:        3,
		BlocklistRefreshInterval: 10 * time.Second,
		SubnetBits:               24,
		SubnetLimit:              10,
	}
}

// Config is the complete configuration surface for a Peer (§6).
type Config struct {
	AutoPropagate      bool
	ChannelSize        int
	RecursiveDiscovery bool

	Bucket  BucketConfig
	Network NetworkConfig
	Encoder fec.EncoderConfig
	Decoder fec.DecoderConfig

	Version      string
	VersionMatch string

	// KadcastID optionally segregates independent overlays sharing the
	// same bootstrap infrastructure (§4.4.1 EXPANDED). Zero disables it.
	KadcastID byte

	version      *semver.Version
	versionMatch *semver.Constraints
}

// DefaultConfig returns a Config populated with every default from §6.
func DefaultConfig() Config {
	return Config{
		AutoPropagate:      true,
		ChannelSize:        1000,
		RecursiveDiscovery: true,
		Bucket:             DefaultBucketConfig(),
		Network:            DefaultNetworkConfig(),
		Encoder:            fec.DefaultEncoderConfig(),
		Decoder:            fec.DefaultDecoderConfig(),
		Version:            "0.0.1",
		VersionMatch:       "*",
	}
}

// Parse resolves the Version/VersionMatch strings into semver types, caching
// them on the Config. Call once during Peer construction; returns an error
// if either string fails to parse.
func (c *Config) Parse() error {
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return err
	}
	constraints, err := semver.NewConstraint(c.VersionMatch)
	if err != nil {
		return err
	}
	c.version = v
	c.versionMatch = constraints
	return nil
}

// CompatibleWith reports whether a remote-advertised version string
// satisfies this node's configured version-match constraint. An unparsable
// remote version is treated as incompatible.
func (c *Config) CompatibleWith(remoteVersion string) bool {
	if c.versionMatch == nil {
		return true
	}
	rv, err := semver.NewVersion(remoteVersion)
	if err != nil {
		return false
	}
	return c.versionMatch.Check(rv)
}
