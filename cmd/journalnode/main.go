// Command journalnode runs a single JournalNode server process: it
// accepts quorum-journal RPCs over TCP and serves finalized segment
// bytes over HTTP for recovery fetches.
package main

import (
	"flag"
	"log"
	"time"

	fuyaolog "github.com/fuyao-w/log"
	qjournal "github.com/qjournal/qjournal"
)

func main() {
	var (
		dataDir  = flag.String("data-dir", "/tmp/journalnode", "directory to store journal segments in")
		ipcAddr  = flag.String("ipc-addr", "127.0.0.1:8485", "TCP address to accept RPCs on")
		httpAddr = flag.String("http-addr", "127.0.0.1:8480", "HTTP address to serve /getimage on")
		maxPool  = flag.Int("max-pool", 8, "max pooled outbound connections per peer")
		timeout  = flag.Duration("rpc-timeout", 2*time.Second, "per-RPC deadline")
	)
	flag.Parse()

	conf := qjournal.DefaultJournalNodeConfig(*dataDir, *ipcAddr, *httpAddr)
	conf.Logger = fuyaolog.NewLogger()

	transport, err := qjournal.NewTCPTransport(*ipcAddr, *maxPool, *timeout)
	if err != nil {
		log.Fatalf("listen on %s: %s", *ipcAddr, err)
	}

	node := qjournal.NewJournalNode(conf, transport)
	if err := node.Start(); err != nil {
		log.Fatalf("start journal node: %s", err)
	}

	conf.Logger.Infof("journalnode listening ipc=%s http=%s data=%s", *ipcAddr, *httpAddr, *dataDir)

	node.WaitForShutDown()
}
