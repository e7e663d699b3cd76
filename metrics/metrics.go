// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics centralizes the registration of the overlay's go-metrics
// meters and gauges.
package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/kadcast/overlay/logger/glog"
	"github.com/rcrowley/go-metrics"
)

// reg is the metrics destination.
var reg = metrics.NewRegistry()

var (
	MsgPingIn          = metrics.NewRegisteredMeter("msg/ping/in", reg)
	MsgPingOut         = metrics.NewRegisteredMeter("msg/ping/out", reg)
	MsgPongIn          = metrics.NewRegisteredMeter("msg/pong/in", reg)
	MsgPongOut         = metrics.NewRegisteredMeter("msg/pong/out", reg)
	MsgFindNodesIn     = metrics.NewRegisteredMeter("msg/findnodes/in", reg)
	MsgFindNodesOut    = metrics.NewRegisteredMeter("msg/findnodes/out", reg)
	MsgNodesIn         = metrics.NewRegisteredMeter("msg/nodes/in", reg)
	MsgNodesOut        = metrics.NewRegisteredMeter("msg/nodes/out", reg)
	MsgBroadcastIn     = metrics.NewRegisteredMeter("msg/broadcast/in", reg)
	MsgBroadcastOut    = metrics.NewRegisteredMeter("msg/broadcast/out", reg)
	MsgInBytes         = metrics.NewRegisteredMeter("msg/in/bytes", reg)
	MsgOutBytes        = metrics.NewRegisteredMeter("msg/out/bytes", reg)
	MsgDecodeErrors    = metrics.NewRegisteredMeter("msg/decode/errors", reg)
	MsgNonceRejected   = metrics.NewRegisteredMeter("msg/nonce/rejected", reg)
	MsgVersionRejected = metrics.NewRegisteredMeter("msg/version/rejected", reg)
	MsgRelayRejected   = metrics.NewRegisteredMeter("msg/relay/rejected", reg)
)

var (
	FECChunksEncoded  = metrics.NewRegisteredMeter("fec/encode/chunks", reg)
	FECChunksDecoded  = metrics.NewRegisteredMeter("fec/decode/chunks", reg)
	FECDuplicates     = metrics.NewRegisteredMeter("fec/decode/duplicates", reg)
	FECUnsafeMeta     = metrics.NewRegisteredMeter("fec/decode/unsafe_metadata", reg)
	FECUIDMismatch    = metrics.NewRegisteredMeter("fec/decode/uid_mismatch", reg)
	FECCacheSize      = metrics.GetOrRegisterGauge("fec/cache/size", reg)
	FECReassembled    = metrics.NewRegisteredMeter("fec/reassembled", reg)
)

var (
	TableSize        = metrics.GetOrRegisterGauge("table/size", reg)
	TableEvictions    = metrics.NewRegisteredMeter("table/evictions", reg)
	TableInserts      = metrics.NewRegisteredMeter("table/inserts", reg)
	TableFullRejects   = metrics.NewRegisteredMeter("table/full_rejects", reg)
)

var (
	QueueInboundDrops    = metrics.NewRegisteredMeter("queue/inbound/drops", reg)
	QueueOutboundDrops   = metrics.NewRegisteredMeter("queue/outbound/drops", reg)
	SendRetries          = metrics.NewRegisteredMeter("udp/send/retries", reg)
	SendFailures         = metrics.NewRegisteredMeter("udp/send/failures", reg)
	BlocklistRejections  = metrics.NewRegisteredMeter("udp/blocklist/rejections", reg)
)

var (
	MemAllocs = metrics.GetOrRegisterGauge("memory/allocs", reg)
	MemFrees  = metrics.GetOrRegisterGauge("memory/frees", reg)
	MemInuse  = metrics.GetOrRegisterGauge("memory/inuse", reg)
	MemPauses = metrics.GetOrRegisterGauge("memory/pauses", reg)
)

// Collect periodically writes the registry and runtime memory stats to the
// given file as newline-delimited JSON.
func Collect(file string) {
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
	if err != nil {
		glog.Fatal(err)
	}
	defer f.Close()

	encoder := json.NewEncoder(bufio.NewWriter(f))

	for range time.Tick(3 * time.Second) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		MemAllocs.Update(int64(mem.Mallocs))
		MemFrees.Update(int64(mem.Frees))
		MemInuse.Update(int64(mem.Alloc))
		MemPauses.Update(int64(mem.PauseTotalNs))

		if err := encoder.Encode(reg); err != nil {
			glog.Errorf("metrics: log to %q: %s", file, err)
		}
	}
}
