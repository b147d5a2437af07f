package qjournal

import (
	"os"
	"testing"
)

// testCluster wires three JournalNodes together over memRPC, with a
// real HTTP file server each, mirroring the shape a live quorum has
// minus the TCP transport — recovery still fetches segment bytes over
// a real socket, only the mutating RPCs are in-memory.
type testCluster struct {
	nodes []*JournalNode
	peers Peers
	rpcs  map[JournalNodeID]*memRPC
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	c := &testCluster{rpcs: map[JournalNodeID]*memRPC{}}

	var memPeers []*memRPC
	for i := 0; i < n; i++ {
		id := JournalNodeID(rune('A' + i))
		addr := string(id)
		m := NewMemRpc(addr)
		memPeers = append(memPeers, m)
		c.rpcs[id] = m
	}
	batchConn(memPeers...)

	for i := 0; i < n; i++ {
		id := JournalNodeID(rune('A' + i))
		dir, err := os.MkdirTemp("", "cluster-test-*")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { os.RemoveAll(dir) })

		conf := DefaultJournalNodeConfig(dir, string(id), "127.0.0.1:0")
		conf.NoSync = true

		node := NewJournalNode(conf, c.rpcs[id])
		if err := node.Start(); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { node.Close() })
		c.nodes = append(c.nodes, node)

		c.peers.Nodes = append(c.peers.Nodes, JournalNodeInfo{
			ID:      id,
			IpcAddr: string(id),
			// filled in after Start() below, once the real HTTP addr is known
		})
	}
	for i := range c.peers.Nodes {
		c.peers.Nodes[i].HttpAddr = c.nodes[i].conf.HttpAddr
	}
	return c
}

// writerRPC is the RpcInterface a QuorumJournalManager under test uses
// to reach every peer: a single memRPC endpoint, connected to all of
// the cluster's peer endpoints, dispatching to the right one per call
// via the *JournalNodeInfo argument (mirroring how a real NetTransport
// dials whichever address the call names).
func (c *testCluster) writerRPC(id string) *memRPC {
	m := NewMemRpc(id)
	for _, p := range c.peers.Nodes {
		m.Connect(p.IpcAddr, c.rpcs[p.ID])
	}
	return m
}

func (c *testCluster) rpcFactory(writer *memRPC) RpcFactory {
	return func(JournalNodeInfo) RpcInterface { return writer }
}
