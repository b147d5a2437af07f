package qjournal

import (
	"fmt"
)

// JournalNodeID names one peer in the quorum. It is also used as the map
// key inside QuorumException and AsyncLogger bookkeeping, mirroring the
// teacher's use of ServerID in raft/replication.
type JournalNodeID string

// JournalNodeInfo is the address record for one peer. Unlike a voting
// Raft peer, a journal node has no Suffrage (membership is fixed for
// the lifetime of a jid) but does need a distinct HTTP address, since
// recovery fetches segment bytes over HTTP rather than the RPC channel.
type JournalNodeInfo struct {
	ID       JournalNodeID
	IpcAddr  string // RPC (TCP) address
	HttpAddr string // HTTP file-server address
}

func (i JournalNodeInfo) String() string {
	return fmt.Sprintf("%s(%s)", i.ID, i.IpcAddr)
}

// HttpUrl builds the /getimage URL used by acceptRecovery to fetch a
// segment's bytes from the peer that has them. The filename must match
// whatever the source peer actually has on disk right now: a recovery
// winner still in progress on its source is named accordingly, only a
// finalized winner uses the finalized name.
func (i JournalNodeInfo) HttpUrl(jid string, seg SegmentInfo) string {
	name := seg.InProgressName()
	if seg.State == Finalized {
		name = seg.FinalizedName()
	}
	return fmt.Sprintf("http://%s/getimage?filename=%s&jid=%s", i.HttpAddr, name, jid)
}

// NamespaceInfo identifies the filesystem cluster a journal belongs to.
// It must match between the writer and every JournalNode for any request
// to be accepted and is immutable once a journal is formatted.
type NamespaceInfo struct {
	NamespaceID   uint64
	ClusterID     string
	BlockPoolID   string
	CreationTime  int64
	LayoutVersion int32
}

// Equal reports whether two NamespaceInfo values describe the same
// cluster; every mutating RPC rejects a mismatch outright.
func (n NamespaceInfo) Equal(o NamespaceInfo) bool {
	return n.NamespaceID == o.NamespaceID &&
		n.ClusterID == o.ClusterID &&
		n.BlockPoolID == o.BlockPoolID &&
		n.LayoutVersion == o.LayoutVersion
}

// SegmentState is the lifecycle state of one Segment.
type SegmentState uint8

const (
	InProgress SegmentState = iota
	Finalized
)

func (s SegmentState) String() string {
	switch s {
	case InProgress:
		return "InProgress"
	case Finalized:
		return "Finalized"
	default:
		return "Unknown"
	}
}

// SegmentInfo names a contiguous, gap-free run of transactions. While
// State == InProgress, EndTxId is zero in the segment index;
// PrepareRecovery fills in the last journaled txid, and recovery uses it.
type SegmentInfo struct {
	StartTxId uint64
	EndTxId   uint64
	State     SegmentState
	// WriterEpoch is the epoch under which startLogSegment created this
	// segment; used by the recovery coordinator's tie-breaking order.
	WriterEpoch uint64
}

// segmentIdWidth is the zero-padded width of a txId within a segment
// file name, fixed by the literal HTTP fetch example
// ("edits_0000000000000000001-0000000000000000003").
const segmentIdWidth = 19

// InProgressName is the on-disk file name of an in-progress segment
//: edits_inprogress_<startTxId>.
func (s SegmentInfo) InProgressName() string {
	return fmt.Sprintf("edits_inprogress_%0*d", segmentIdWidth, s.StartTxId)
}

// FinalizedName is the on-disk (and HTTP filename=) name of a finalized
// segment: edits_<startTxId>-<endTxId>.
func (s SegmentInfo) FinalizedName() string {
	return fmt.Sprintf("edits_%0*d-%0*d", segmentIdWidth, s.StartTxId, segmentIdWidth, s.EndTxId)
}

// AcceptedRecoveryRecord represents a value a prior Paxos proposer
// accepted for a given segment; it is replayed on every subsequent
// recovery for that segment.
type AcceptedRecoveryRecord struct {
	Segment        SegmentInfo
	AcceptedInEpoch uint64
	SourceUrl       string
}

// Transaction is one opaque, application-encoded edit-log record. The
// encoder/decoder for the payload is explicitly out of scope;
// the journal only ever treats Data as an opaque byte range.
type Transaction struct {
	TxId uint64
	Data []byte
}
