package kadcast

import "github.com/kadcast/overlay/logger"

// mlogKadcast registers this package's structured log lines with the
// logger/mlog registry, the way p2p/discover/mlog.go registers the
// discovery protocol's lines.
var mlogKadcast = logger.MLogRegisterAvailable("kadcast", mlogLines)

var (
	mlogPingReceived = logger.MLogT{
		Description: `Emitted once per inbound Ping, before the Pong reply is queued.`,
		Receiver:    "KADCAST",
		Verb:        "RECEIVE",
		Subject:     "PING",
		Details: []logger.MLogDetailT{
			{Owner: "FROM", Key: "UDP_ADDRESS", Value: "STRING"},
			{Owner: "FROM", Key: "ID", Value: "STRING"},
		},
	}
	mlogNodeInserted = logger.MLogT{
		Description: `Emitted when a node is newly inserted into the routing table.`,
		Receiver:    "KADCAST",
		Verb:        "INSERT",
		Subject:     "NODE",
		Details: []logger.MLogDetailT{
			{Owner: "NODE", Key: "ID", Value: "STRING"},
			{Owner: "NODE", Key: "BUCKET", Value: "INT"},
		},
	}
	mlogNodeEvicted = logger.MLogT{
		Description: `Emitted when the maintainer removes a node idle past node_ttl from the routing table.`,
		Receiver:    "KADCAST",
		Verb:        "EVICT",
		Subject:     "NODE",
		Details: []logger.MLogDetailT{
			{Owner: "NODE", Key: "ID", Value: "STRING"},
			{Owner: "NODE", Key: "BUCKET", Value: "INT"},
		},
	}
	mlogBroadcastDecoded = logger.MLogT{
		Description: `Emitted once per UID when the FEC decoder completes reassembly.`,
		Receiver:    "KADCAST",
		Verb:        "DECODE",
		Subject:     "BROADCAST",
		Details: []logger.MLogDetailT{
			{Owner: "BROADCAST", Key: "UID", Value: "STRING"},
			{Owner: "BROADCAST", Key: "FRAME_BYTES", Value: "INT"},
		},
	}
	mlogBroadcastDropped = logger.MLogT{
		Description: `Emitted when a FEC chunk is discarded: duplicate UID, or a decode error such as unsafe metadata.`,
		Receiver:    "KADCAST",
		Verb:        "DROP",
		Subject:     "CHUNK",
		Details: []logger.MLogDetailT{
			{Owner: "CHUNK", Key: "REASON", Value: "STRING"},
		},
	}
)

var mlogLines = []logger.MLogT{
	mlogPingReceived,
	mlogNodeInserted,
	mlogNodeEvicted,
	mlogBroadcastDecoded,
	mlogBroadcastDropped,
}

// init keeps mlogKadcast referenced so the registration side effect above
// (package-level var initializer) is never considered dead by a linter.
func init() {
	_ = mlogKadcast
}
