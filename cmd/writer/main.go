// Command writer drives a QuorumJournalManager against a fixed set of
// JournalNode peers: it recovers any unfinalized tail segment, opens a
// new segment, and appends whatever it reads from stdin as one
// transaction per line.
package main

import (
	"bufio"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	qjournal "github.com/qjournal/qjournal"
)

func main() {
	var (
		jid       = flag.String("jid", "default", "journal id to write to")
		peerList  = flag.String("peers", "", "comma-separated id=ipcAddr=httpAddr triples")
		startTxId = flag.Uint64("start-tx-id", 1, "transaction id to open the new segment at")
		timeout   = flag.Duration("rpc-timeout", 2*time.Second, "per-RPC deadline")
	)
	flag.Parse()

	peers, err := parsePeers(*peerList)
	if err != nil {
		log.Fatalf("parse -peers: %s", err)
	}

	conf := qjournal.DefaultConfig()
	conf.RpcTimeout = *timeout

	ns := qjournal.NamespaceInfo{
		NamespaceID:  1,
		ClusterID:    "cluster-writer-cli",
		BlockPoolID:  "bp-writer-cli",
		CreationTime: time.Now().Unix(),
	}

	qjm, err := qjournal.NewQuorumJournalManager(*jid, ns, peers, func(peer qjournal.JournalNodeInfo) qjournal.RpcInterface {
		t, err := qjournal.NewTCPTransport(peer.IpcAddr, 4, *timeout)
		if err != nil {
			log.Fatalf("dial %s: %s", peer.IpcAddr, err)
		}
		return t
	}, conf)
	if err != nil {
		log.Fatalf("new quorum journal manager: %s", err)
	}
	defer qjm.Close()

	if err := qjm.RecoverUnfinalizedSegments(); err != nil {
		log.Fatalf("recover unfinalized segments: %s", err)
	}
	if err := qjm.StartLogSegment(*startTxId); err != nil {
		log.Fatalf("start log segment: %s", err)
	}

	txId := *startTxId
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := qjm.Write(qjournal.Transaction{TxId: txId, Data: scanner.Bytes()}); err != nil {
			log.Fatalf("write: %s", err)
		}
		txId++
		if _, err := qjm.SetReadyToFlush(); err != nil {
			log.Fatalf("set ready to flush: %s", err)
		}
		if err := qjm.Flush(); err != nil {
			log.Fatalf("flush: %s", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("read stdin: %s", err)
	}

	if err := qjm.FinalizeLogSegment(*startTxId, txId-1); err != nil {
		log.Fatalf("finalize log segment: %s", err)
	}
}

// parsePeers reads "id=ipcAddr=httpAddr" triples separated by commas,
// the thin flag-only wiring this Non-goal-scoped binary is allowed.
func parsePeers(s string) (qjournal.Peers, error) {
	var peers qjournal.Peers
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, "=")
		if len(fields) != 3 {
			return peers, strconv.ErrSyntax
		}
		peers.Nodes = append(peers.Nodes, qjournal.JournalNodeInfo{
			ID:       qjournal.JournalNodeID(fields[0]),
			IpcAddr:  fields[1],
			HttpAddr: fields[2],
		})
	}
	return peers, peers.Validate()
}
