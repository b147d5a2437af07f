package qjournal

import (
	"encoding/binary"
	"net"
	"net/http"

	"github.com/spf13/cast"
)

// httpServer answers /getimage?jid=...&filename=... requests: it looks
// up the exact segment file a peer's recovery coordinator asked for
// and streams it back prefixed with a 4-byte big-endian layout version,
// the on-wire contract acceptRecovery's HTTP fetch depends on.
type httpServer struct {
	addr     string
	listener net.Listener
	server   *http.Server
	node     *JournalNode
}

func newHTTPServer(addr string, node *JournalNode) *httpServer {
	h := &httpServer{addr: addr, node: node}
	mux := http.NewServeMux()
	mux.HandleFunc("/getimage", h.handleGetImage)
	h.server = &http.Server{Handler: mux}
	return h
}

func (h *httpServer) Start() error {
	l, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	h.listener = l
	go h.server.Serve(l)
	return nil
}

func (h *httpServer) Close() error {
	return h.server.Close()
}

func (h *httpServer) Addr() string {
	if h.listener == nil {
		return h.addr
	}
	return h.listener.Addr().String()
}

// handleGetImage implements the fixed HTTP contract acceptRecovery
// relies on: a missing file, a missing jid/filename, or an unformatted
// journal all answer 500 rather than distinguishing 404 vs 500.
func (h *httpServer) handleGetImage(w http.ResponseWriter, r *http.Request) {
	jid := cast.ToString(r.URL.Query().Get("jid"))
	filename := cast.ToString(r.URL.Query().Get("filename"))
	if jid == "" || filename == "" {
		http.Error(w, "jid and filename are required", http.StatusInternalServerError)
		return
	}

	store, err := h.node.segmentStoreFor(jid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	seg, ok := findSegmentByFileName(store, filename)
	if !ok {
		http.Error(w, "segment not found: "+filename, http.StatusInternalServerError)
		return
	}

	size, err := store.Size(seg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	f, err := store.Open(seg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], layoutVersionOf(h.node, jid))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", cast.ToString(int64(len(prefix))+size))
	if _, err := w.Write(prefix[:]); err != nil {
		return
	}

	reader := newCounterReader(f)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
		}
		if rerr != nil {
			return
		}
	}
}

// findSegmentByFileName resolves a /getimage filename. A finalized
// segment also answers to its former in-progress name, since a recovery
// source may finalize in place while other peers are still fetching it
// under the name it had when it was chosen.
func findSegmentByFileName(store SegmentStore, filename string) (SegmentInfo, bool) {
	segs, err := store.List()
	if err != nil {
		return SegmentInfo{}, false
	}
	for _, seg := range segs {
		name := seg.InProgressName()
		if seg.State == Finalized {
			name = seg.FinalizedName()
		}
		if name == filename || seg.InProgressName() == filename {
			return seg, true
		}
	}
	return SegmentInfo{}, false
}

func layoutVersionOf(node *JournalNode, jid string) uint32 {
	j, err := node.journal(jid, false)
	if err != nil || j.nsInfo == nil {
		return 0
	}
	return uint32(j.nsInfo.LayoutVersion)
}
