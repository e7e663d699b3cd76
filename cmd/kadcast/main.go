// kadcast runs a standalone Kadcast overlay peer: it joins the network
// through its configured bootstrap nodes and logs every broadcast it
// reassembles.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/kadcast/overlay/kadcast"
	"github.com/kadcast/overlay/logger"
	"github.com/kadcast/overlay/logger/glog"
)

var Version = "unknown"

var (
	listenAddr  = flag.String("addr", ":30501", "inbound listen address (host:port)")
	publicAddr  = flag.String("public", "", "publicly reachable address (host:port); defaults to -addr")
	bootnodes   = flag.String("bootnodes", "", "comma-separated list of bootstrap host:port addresses")
	kadcastID   = flag.Uint("kadcast-id", 0, "overlay segregation id (0 disables)")
	versionFlag = flag.Bool("version", false, "print the revision identifier and exit")
)

func main() {
	flag.Var(glog.GetVerbosity(), "verbosity", "log verbosity (0-9)")
	flag.Var(glog.GetVModule(), "vmodule", "log verbosity pattern")
	glog.SetToStderr(true)
	flag.Parse()

	if *versionFlag {
		fmt.Println("kadcast version", Version)
		os.Exit(0)
	}

	if *publicAddr == "" {
		*publicAddr = *listenAddr
	}

	cfg := kadcast.DefaultConfig()
	cfg.Network.ListenAddress = *listenAddr
	cfg.Network.PublicAddress = *publicAddr
	cfg.KadcastID = byte(*kadcastID)
	if *bootnodes != "" {
		cfg.Network.BootstrappingNodes = strings.Split(*bootnodes, ",")
	}

	peer, err := kadcast.NewPeer(cfg, onBroadcast)
	if err != nil {
		log.Fatalf("kadcast: %v", err)
	}
	defer peer.Close()

	glog.V(logger.Info).Infof("kadcast: listening on %s, id=%x", *listenAddr, peer.Self().ID)

	for {
		time.Sleep(time.Minute)
		glog.V(logger.Detail).Infoln(peer.Report())
	}
}

func onBroadcast(frame []byte, meta kadcast.BroadcastMeta) {
	glog.V(logger.Info).Infof("kadcast: received %d-byte broadcast from %s at height %d", len(frame), meta.From, meta.Height)
}
