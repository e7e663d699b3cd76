package kadcast

import "time"

// EvictionStatus tags whether a bucket's head node is on eviction probation.
// It is stored inline on the node, never in a side-table keyed by id.
type EvictionStatus int

const (
	// EvictionNone means the node is not being considered for eviction.
	EvictionNone EvictionStatus = iota
	// EvictionRequested means a Ping was sent to this node as a probation
	// check; RequestedAt records when.
	EvictionRequested
)

// Node is a routing-table entry: an identity, an application-defined value
// (typically PeerInfo), and the bookkeeping needed for LRU ordering and
// eviction probation.
type Node[V any] struct {
	ID             BinaryID
	Value          V
	SeenAt         time.Time
	EvictionStatus EvictionStatus
	RequestedAt    time.Time
}

// Refresh moves the node to "just seen": clears any eviction flag and stamps
// SeenAt. SeenAt must be monotonically non-decreasing across refreshes,
// which holds as long as callers pass time.Now().
func (n *Node[V]) Refresh(now time.Time) {
	n.SeenAt = now
	n.EvictionStatus = EvictionNone
	n.RequestedAt = time.Time{}
}

// RequestEviction flags the node as on probation as of now.
func (n *Node[V]) RequestEviction(now time.Time) {
	n.EvictionStatus = EvictionRequested
	n.RequestedAt = now
}

// Alive reports whether the node has been seen within ttl of now.
func (n *Node[V]) Alive(now time.Time, ttl time.Duration) bool {
	return now.Sub(n.SeenAt) < ttl
}
