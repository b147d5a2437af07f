package qjournal

// RequestInfo is carried by every mutating RPC.
type RequestInfo struct {
	Jid             string
	NsInfo          NamespaceInfo
	Epoch           uint64
	IpcSerialNumber uint64
}

// ResponseHeader is embedded by every RPC response and carries the
// server's current lastPromisedEpoch. obtainNewEpoch adopts the highest
// value seen in newEpoch responses; no caller aborts on a value greater
// than its own epoch.
type ResponseHeader struct {
	ServerLastPromisedEpoch uint64
}

type (
	GetJournalStateRequest struct {
		Jid string
	}
	GetJournalStateResponse struct {
		*ResponseHeader
		LastPromisedEpoch uint64
	}

	NewEpochRequest struct {
		Jid           string
		NsInfo        NamespaceInfo
		ProposedEpoch uint64
	}
	NewEpochResponse struct {
		*ResponseHeader
		HasSegment      bool
		LastSegmentTxId uint64
	}

	StartLogSegmentRequest struct {
		Req  RequestInfo
		TxId uint64
	}
	StartLogSegmentResponse struct {
		*ResponseHeader
	}

	JournalRequest struct {
		Req       RequestInfo
		FirstTxId uint64
		NumTxns   uint32
		Payload   []byte
	}
	JournalResponse struct {
		*ResponseHeader
	}

	FinalizeLogSegmentRequest struct {
		Req       RequestInfo
		StartTxId uint64
		EndTxId   uint64
	}
	FinalizeLogSegmentResponse struct {
		*ResponseHeader
	}

	PrepareRecoveryRequest struct {
		Req         RequestInfo
		SegmentTxId uint64
	}
	PrepareRecoveryResponse struct {
		*ResponseHeader
		HasSegmentInfo  bool
		SegmentInfo     SegmentInfo
		HasAccepted     bool
		AcceptedInEpoch uint64
		AcceptedValue   SegmentInfo
		SourceUrl       string
		LastWriterEpoch uint64
	}

	AcceptRecoveryRequest struct {
		Req         RequestInfo
		SegmentInfo SegmentInfo
		FromUrl     string
	}
	AcceptRecoveryResponse struct {
		*ResponseHeader
	}
)

// rpcType identifies which of the seven operations a framed RPC carries;
// it is encoded as a single byte on the wire (net_protocol.go), so the
// type itself must stay byte-sized.
type rpcType byte

const (
	RpcGetJournalState rpcType = iota + 1
	RpcNewEpoch
	RpcStartLogSegment
	RpcJournal
	RpcFinalizeLogSegment
	RpcPrepareRecovery
	RpcAcceptRecovery
)

func (t rpcType) String() string {
	switch t {
	case RpcGetJournalState:
		return "GetJournalState"
	case RpcNewEpoch:
		return "NewEpoch"
	case RpcStartLogSegment:
		return "StartLogSegment"
	case RpcJournal:
		return "Journal"
	case RpcFinalizeLogSegment:
		return "FinalizeLogSegment"
	case RpcPrepareRecovery:
		return "PrepareRecovery"
	case RpcAcceptRecovery:
		return "AcceptRecovery"
	default:
		return "Unknown"
	}
}

// RPCResult carries either a response value or an error back through an
// RPC's Response channel.
type RPCResult struct {
	Response interface{}
	Err      error
}

// RPC is the server-side envelope handed from a transport's Consumer()
// channel to the journal dispatch loop, the journal equivalent of the
// teacher's *RPC in rpc.go, minus the io.Reader (no install-snapshot
// style streaming request exists in this protocol).
type RPC struct {
	RpcType  rpcType
	Request  interface{}
	Response chan RPCResult
}

// Respond delivers a response or error back to the waiting caller.
func (r *RPC) Respond(resp interface{}, err error) {
	r.Response <- RPCResult{Response: resp, Err: err}
}

// RpcInterface is implemented by a transport able to carry the seven
// journal operations to a peer — the client-side counterpart of the
// teacher's RpcInterface, generalized from Raft's
// VoteRequest/AppendEntries/InstallSnapShot set to the journal's seven
// calls; there is no pipeline variant since journal() is already
// serialized per peer by AsyncLogger.
type RpcInterface interface {
	Consumer() <-chan *RPC

	GetJournalState(*JournalNodeInfo, *GetJournalStateRequest) (*GetJournalStateResponse, error)
	NewEpoch(*JournalNodeInfo, *NewEpochRequest) (*NewEpochResponse, error)
	StartLogSegment(*JournalNodeInfo, *StartLogSegmentRequest) (*StartLogSegmentResponse, error)
	Journal(*JournalNodeInfo, *JournalRequest) (*JournalResponse, error)
	FinalizeLogSegment(*JournalNodeInfo, *FinalizeLogSegmentRequest) (*FinalizeLogSegmentResponse, error)
	PrepareRecovery(*JournalNodeInfo, *PrepareRecoveryRequest) (*PrepareRecoveryResponse, error)
	AcceptRecovery(*JournalNodeInfo, *AcceptRecoveryRequest) (*AcceptRecoveryResponse, error)

	LocalAddr() string
}
