package qjournal

import (
	"fmt"
	"time"
)

// recoverUnfinalizedSegments runs the Paxos-restricted recovery
// protocol against a single tail segment. It is called once, right after newEpoch, before the new
// writer is allowed to call startLogSegment/journal.
//
// The sequence mirrors HDFS's RecoveryProtocol: prepare a quorum,
// pick a winning value by total order over (acceptedInEpoch,
// writerEpoch, length), then accept that value on a quorum. No separate
// finalizeLogSegment round is issued: each peer's acceptRecovery writes
// the winning segment locally as finalized.
func recoverUnfinalizedSegments(jid string, ns NamespaceInfo, epoch uint64, peers Peers, loggers map[JournalNodeID]*AsyncLogger, segmentTxId uint64, quorumTimeout time.Duration) error {
	prepared, err := QuorumCall("prepareRecovery", peers.Nodes, quorumTimeout, func(peer JournalNodeInfo) (*PrepareRecoveryResponse, error) {
		logger := loggers[peer.ID]
		if logger == nil {
			return nil, ErrIOError
		}
		return logger.PrepareRecovery(jid, ns, segmentTxId).Response()
	})
	if err != nil {
		return fmt.Errorf("recovery of segment %d: %w", segmentTxId, err)
	}

	winner, sourcePeer, hasWinner := pickRecoveryWinner(peers, prepared)
	if !hasWinner {
		// No peer has ever heard of this segment; nothing to recover.
		return nil
	}

	fromUrl := sourcePeer.HttpUrl(jid, winner)

	_, err = QuorumCall("acceptRecovery", peers.Nodes, quorumTimeout, func(peer JournalNodeInfo) (*AcceptRecoveryResponse, error) {
		logger := loggers[peer.ID]
		if logger == nil {
			return nil, ErrIOError
		}
		return logger.AcceptRecovery(jid, ns, winner, fromUrl).Response()
	})
	if err != nil {
		return fmt.Errorf("recovery of segment %d: %w", segmentTxId, err)
	}

	if winner.State == Finalized {
		return nil
	}
	// The winning value was still in-progress on its source; every
	// acceptRecovery call above already wrote it locally as finalized
	// (Journal.AcceptRecovery), so no further finalizeLogSegment fan-out
	// is required.
	return nil
}

// pickRecoveryWinner applies the total order the recovery protocol
// defines over what a prepareRecovery quorum reported: an already-accepted
// value beats anything merely observed in local segment state, and
// among candidates without an accepted value, the one from the
// highest writer epoch with the most transactions wins. It returns the
// winning segment plus the peer whose copy of it should be treated as
// authoritative for the HTTP fetch.
func pickRecoveryWinner(peers Peers, responses map[JournalNodeID]*PrepareRecoveryResponse) (SegmentInfo, JournalNodeInfo, bool) {
	byID := map[JournalNodeID]JournalNodeInfo{}
	for _, p := range peers.Nodes {
		byID[p.ID] = p
	}

	var (
		best       SegmentInfo
		bestSource JournalNodeInfo
		bestScore  recoveryScore
		found      bool
	)

	for id, resp := range responses {
		var (
			candidate SegmentInfo
			score     recoveryScore
		)
		switch {
		case resp.HasAccepted:
			candidate = resp.AcceptedValue
			score = recoveryScore{tier: 2, epoch: resp.AcceptedInEpoch, length: segmentLength(resp.AcceptedValue)}
		case resp.HasSegmentInfo:
			candidate = resp.SegmentInfo
			score = recoveryScore{tier: 1, epoch: resp.SegmentInfo.WriterEpoch, length: segmentLength(resp.SegmentInfo)}
		default:
			continue
		}
		if !found || bestScore.less(score) {
			best, bestSource, bestScore, found = candidate, byID[id], score, true
		}
	}

	return best, bestSource, found
}

// recoveryScore orders recovery candidates: an accepted value (tier 2)
// always beats a merely-observed one (tier 1); within a tier, the higher
// epoch wins (acceptedInEpoch for tier 2, the segment's writer epoch for
// tier 1), then the longer segment wins.
type recoveryScore struct {
	tier   int
	epoch  uint64
	length uint64
}

func (s recoveryScore) less(o recoveryScore) bool {
	if s.tier != o.tier {
		return s.tier < o.tier
	}
	if s.epoch != o.epoch {
		return s.epoch < o.epoch
	}
	return s.length < o.length
}

func segmentLength(seg SegmentInfo) uint64 {
	if seg.EndTxId < seg.StartTxId {
		return 0
	}
	return seg.EndTxId - seg.StartTxId + 1
}
