package qjournal

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fuyao-w/deepcopy"
	deadlock "github.com/sasha-s/go-deadlock"
)

const (
	fileLastPromisedEpoch = "last-promised-epoch"
	fileVersion           = "VERSION"
	paxosDir              = "paxos"
	tmpFileSuffix         = ".tmp"
)

// Journal is the per-jid server-side state machine a JournalNode
// hosts: the acceptor half of the quorum protocol. Every mutating call
// takes the same lock, serializing access to on-disk state through one
// exclusive section at a time; deadlock.Mutex is used in place of
// sync.Mutex because this lock is acquired around journal-state,
// paxos-state, and segment-file operations together, and a
// lock-ordering bug here corrupts a durability-critical file.
type Journal struct {
	mu deadlock.Mutex

	jid    string
	dir    string // "<DataDir>/<jid>/current"
	logger Logger
	noSync bool

	nsInfo            *NamespaceInfo
	lastPromisedEpoch uint64
	lastWriterEpoch   uint64

	curSegment       *SegmentInfo
	curSink          SegmentSink
	nextExpectedTxId uint64

	accepted map[uint64]*AcceptedRecoveryRecord

	store SegmentStore
	index *SegmentIndex

	httpAddr string
}

func NewJournal(jid, dataDir, httpAddr string, noSync bool, logger Logger) (*Journal, error) {
	dir := filepath.Join(dataDir, jid, "current")
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, err
	}
	store, err := NewFileSegmentStore(dir, noSync)
	if err != nil {
		return nil, err
	}
	index, err := NewSegmentIndex(filepath.Join(dir, "index.bolt"), store)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		jid:      jid,
		dir:      dir,
		logger:   logger,
		noSync:   noSync,
		httpAddr: httpAddr,
		accepted: map[uint64]*AcceptedRecoveryRecord{},
		store:    store,
		index:    index,
	}
	if err := j.loadPersistedState(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) loadPersistedState() error {
	if ns, ok, err := readVersionFile(filepath.Join(j.dir, fileVersion)); err != nil {
		return err
	} else if ok {
		j.nsInfo = &ns
	}
	epoch, ok, err := readUint64File(filepath.Join(j.dir, fileLastPromisedEpoch))
	if err != nil {
		return err
	}
	if ok {
		j.lastPromisedEpoch = epoch
	}
	epoch, ok, err = readUint64File(filepath.Join(j.dir, "last-writer-epoch"))
	if err != nil {
		return err
	}
	if ok {
		j.lastWriterEpoch = epoch
	}

	segs := j.index.List()
	for _, s := range segs {
		if s.State == InProgress {
			seg := s
			j.curSegment = &seg
			j.nextExpectedTxId = seg.StartTxId
			// nextExpectedTxId restarts at the segment's first txid: the
			// journal never replays the edit payload to recover a
			// transaction count, so after a restart it only reflects
			// journal() calls made in this run.
		}
	}

	entries, err := os.ReadDir(filepath.Join(j.dir, paxosDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		txId, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		rec, err := readAcceptedRecord(filepath.Join(j.dir, paxosDir, e.Name()))
		if err != nil {
			return err
		}
		j.accepted[txId] = rec
	}
	return nil
}

func (j *Journal) checkNamespace(ns NamespaceInfo) error {
	if j.nsInfo == nil {
		return ErrNotFormatted
	}
	if !j.nsInfo.Equal(ns) {
		return ErrNamespaceMismatch
	}
	return nil
}

func (j *Journal) checkEpochAtLeastPromised(epoch uint64) error {
	if j.lastPromisedEpoch == 0 && epoch == 0 {
		return &BadEpochError{Requested: epoch}
	}
	if epoch < j.lastPromisedEpoch {
		return &EpochTooLowError{Requested: epoch, Promised: j.lastPromisedEpoch}
	}
	return nil
}

// checkEpochEqualsPromised is the Paxos half's stricter fencing check:
// unlike the >= check above, which lets a higher epoch through without
// recording it, an epoch higher than what was promised is rejected.
// Before any epoch has been promised, every epoch is a bad epoch.
func (j *Journal) checkEpochEqualsPromised(epoch uint64) error {
	if j.lastPromisedEpoch == 0 {
		return &BadEpochError{Requested: epoch}
	}
	if epoch < j.lastPromisedEpoch {
		return &EpochTooLowError{Requested: epoch, Promised: j.lastPromisedEpoch}
	}
	if epoch > j.lastPromisedEpoch {
		return &EpochNotPromisedError{Requested: epoch, Promised: j.lastPromisedEpoch}
	}
	return nil
}

// GetJournalState reports the last epoch this JournalNode has promised,
// with no side effects.
func (j *Journal) GetJournalState() *GetJournalStateResponse {
	j.mu.Lock()
	defer j.mu.Unlock()
	return &GetJournalStateResponse{
		ResponseHeader:    &ResponseHeader{ServerLastPromisedEpoch: j.lastPromisedEpoch},
		LastPromisedEpoch: j.lastPromisedEpoch,
	}
}

// NewEpoch formats the journal on first use and fences out any writer
// with a lower epoch from now on.
func (j *Journal) NewEpoch(ns NamespaceInfo, proposedEpoch uint64) (*NewEpochResponse, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.nsInfo == nil {
		if err := j.writeVersion(ns); err != nil {
			return nil, ErrIOError
		}
		j.nsInfo = &ns
	} else if !j.nsInfo.Equal(ns) {
		return nil, ErrNamespaceMismatch
	}

	if proposedEpoch <= j.lastPromisedEpoch {
		return nil, &EpochTooLowError{Requested: proposedEpoch, Promised: j.lastPromisedEpoch}
	}
	if err := j.persistUint64(fileLastPromisedEpoch, proposedEpoch); err != nil {
		return nil, ErrIOError
	}
	j.lastPromisedEpoch = proposedEpoch

	resp := &NewEpochResponse{ResponseHeader: j.header()}
	if j.curSegment != nil {
		resp.HasSegment = true
		resp.LastSegmentTxId = j.curSegment.StartTxId
	}
	return resp, nil
}

func (j *Journal) header() *ResponseHeader {
	return &ResponseHeader{ServerLastPromisedEpoch: j.lastPromisedEpoch}
}

// StartLogSegment opens a new in-progress segment at txId under the
// calling writer's epoch. Retrying with identical
// parameters under the same epoch succeeds (property 5).
func (j *Journal) StartLogSegment(req RequestInfo, txId uint64) (*StartLogSegmentResponse, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkNamespace(req.NsInfo); err != nil {
		return nil, err
	}
	if err := j.checkEpochAtLeastPromised(req.Epoch); err != nil {
		return nil, err
	}

	if j.curSegment != nil {
		if j.curSegment.StartTxId == txId && j.curSegment.State == InProgress {
			return &StartLogSegmentResponse{ResponseHeader: j.header()}, nil
		}
		return nil, ErrSegmentState
	}

	if err := j.persistUint64("last-writer-epoch", req.Epoch); err != nil {
		return nil, ErrIOError
	}
	j.lastWriterEpoch = req.Epoch

	sink, err := j.store.CreateInProgress(txId, req.Epoch)
	if err != nil {
		return nil, ErrIOError
	}
	seg := SegmentInfo{StartTxId: txId, State: InProgress, WriterEpoch: req.Epoch}
	if err := j.index.Put(seg); err != nil {
		sink.Close()
		return nil, ErrIOError
	}
	j.curSegment = &seg
	j.curSink = sink
	j.nextExpectedTxId = txId

	return &StartLogSegmentResponse{ResponseHeader: j.header()}, nil
}

// Journal appends one edit-log record range to the current in-progress
// segment and fsyncs it before returning success (property 3's
// per-node half of quorum durability).
func (j *Journal) Journal(req RequestInfo, firstTxId uint64, numTxns uint32, payload []byte) (*JournalResponse, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkNamespace(req.NsInfo); err != nil {
		return nil, err
	}
	if err := j.checkEpochAtLeastPromised(req.Epoch); err != nil {
		return nil, err
	}
	if req.Epoch != j.lastWriterEpoch {
		return nil, &EpochMismatchError{Requested: req.Epoch, LastWriterEpoch: j.lastWriterEpoch}
	}
	if j.curSegment == nil || j.curSink == nil {
		return nil, ErrSegmentState
	}
	if firstTxId != j.nextExpectedTxId {
		return nil, &OutOfSyncError{FirstTxId: firstTxId, Expected: j.nextExpectedTxId}
	}

	if _, err := j.curSink.Write(payload); err != nil {
		return nil, ErrIOError
	}
	if err := j.curSink.Sync(); err != nil {
		return nil, ErrIOError
	}
	j.nextExpectedTxId += uint64(numTxns)

	return &JournalResponse{ResponseHeader: j.header()}, nil
}

// FinalizeLogSegment closes out the current in-progress segment,
// renaming it to its immutable canonical name.
func (j *Journal) FinalizeLogSegment(req RequestInfo, startTxId, endTxId uint64) (*FinalizeLogSegmentResponse, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkNamespace(req.NsInfo); err != nil {
		return nil, err
	}
	if err := j.checkEpochAtLeastPromised(req.Epoch); err != nil {
		return nil, err
	}

	if existing, ok := j.finalizedSegment(startTxId); ok {
		if existing.EndTxId == endTxId {
			return &FinalizeLogSegmentResponse{ResponseHeader: j.header()}, nil
		}
		return nil, ErrSegmentState
	}

	if req.Epoch != j.lastWriterEpoch {
		return nil, &EpochMismatchError{Requested: req.Epoch, LastWriterEpoch: j.lastWriterEpoch}
	}
	if j.curSegment == nil || j.curSegment.StartTxId != startTxId {
		return nil, ErrSegmentState
	}
	if j.nextExpectedTxId != endTxId+1 {
		return nil, ErrSegmentState
	}

	if err := j.curSink.Close(); err != nil {
		return nil, ErrIOError
	}
	if err := j.store.Finalize(startTxId, endTxId); err != nil {
		return nil, ErrIOError
	}
	finalized := SegmentInfo{StartTxId: startTxId, EndTxId: endTxId, State: Finalized, WriterEpoch: j.curSegment.WriterEpoch}
	if err := j.index.Put(finalized); err != nil {
		return nil, ErrIOError
	}
	j.curSegment = nil
	j.curSink = nil

	return &FinalizeLogSegmentResponse{ResponseHeader: j.header()}, nil
}

func (j *Journal) finalizedSegment(startTxId uint64) (SegmentInfo, bool) {
	for _, s := range j.index.List() {
		if s.StartTxId == startTxId && s.State == Finalized {
			return s, true
		}
	}
	return SegmentInfo{}, false
}

// PrepareRecovery is the Paxos "prepare" phase: it promises not to
// accept any value from an older epoch and reports whatever this node
// already knows about the segment.
func (j *Journal) PrepareRecovery(req RequestInfo, segmentTxId uint64) (*PrepareRecoveryResponse, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	// The epoch is checked first so that a prepare on a journal that has
	// never promised an epoch reports a bad epoch, not a missing format.
	if err := j.checkEpochEqualsPromised(req.Epoch); err != nil {
		return nil, err
	}
	if err := j.checkNamespace(req.NsInfo); err != nil {
		return nil, err
	}

	resp := &PrepareRecoveryResponse{ResponseHeader: j.header(), LastWriterEpoch: j.lastWriterEpoch}
	for _, s := range j.index.List() {
		if s.StartTxId == segmentTxId {
			resp.HasSegmentInfo = true
			resp.SegmentInfo = s
			if j.curSegment != nil && j.curSegment.StartTxId == segmentTxId && j.nextExpectedTxId > segmentTxId {
				// The index only records a segment's shape as of the last
				// startLogSegment/finalize call; a still-open tail's true
				// extent is whatever this node has actually journaled.
				resp.SegmentInfo.EndTxId = j.nextExpectedTxId - 1
			}
			break
		}
	}
	if rec, ok := j.accepted[segmentTxId]; ok {
		resp.HasAccepted = true
		resp.AcceptedInEpoch = rec.AcceptedInEpoch
		resp.AcceptedValue = rec.Segment
		resp.SourceUrl = rec.SourceUrl
	}
	return resp, nil
}

// AcceptRecovery is the Paxos "accept" phase: it durably records the
// coordinator's chosen value for this segment and, if its own local
// copy disagrees, fetches the authoritative bytes over HTTP from
// fromUrl before finalizing.
func (j *Journal) AcceptRecovery(req RequestInfo, seg SegmentInfo, fromUrl string) (*AcceptRecoveryResponse, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkNamespace(req.NsInfo); err != nil {
		return nil, err
	}
	if err := j.checkEpochEqualsPromised(req.Epoch); err != nil {
		return nil, err
	}

	rec := &AcceptedRecoveryRecord{Segment: deepcopy.Copy(seg).(SegmentInfo), AcceptedInEpoch: req.Epoch, SourceUrl: fromUrl}
	if err := j.persistAcceptedRecord(seg.StartTxId, rec); err != nil {
		return nil, ErrIOError
	}
	j.accepted[seg.StartTxId] = rec

	local, hasLocal := j.finalizedSegment(seg.StartTxId)
	if hasLocal && local.EndTxId == seg.EndTxId {
		return &AcceptRecoveryResponse{ResponseHeader: j.header()}, nil
	}

	// If this node's own copy already matches the winning value exactly
	// (most often because it *was* the winning source), finalize it in
	// place instead of removing it and fetching over HTTP from itself —
	// that would both destroy the very bytes other peers are concurrently
	// copying from this node, and fail immediately on the self-fetch.
	// The rename to the finalized name does not break those peers'
	// fetches: /getimage still answers the in-progress name.
	if j.curSegment != nil && j.curSegment.StartTxId == seg.StartTxId && j.nextExpectedTxId == seg.EndTxId+1 {
		if j.curSink != nil {
			if err := j.curSink.Close(); err != nil {
				return nil, ErrIOError
			}
			j.curSink = nil
		}
		if err := j.store.Finalize(seg.StartTxId, seg.EndTxId); err != nil {
			return nil, ErrIOError
		}
		finalized := SegmentInfo{StartTxId: seg.StartTxId, EndTxId: seg.EndTxId, State: Finalized, WriterEpoch: j.curSegment.WriterEpoch}
		if err := j.index.Put(finalized); err != nil {
			return nil, ErrIOError
		}
		j.curSegment = nil
		j.nextExpectedTxId = seg.EndTxId + 1
		return &AcceptRecoveryResponse{ResponseHeader: j.header()}, nil
	}

	if j.curSegment != nil && j.curSegment.StartTxId == seg.StartTxId {
		if j.curSink != nil {
			j.curSink.Close()
			j.curSink = nil
		}
		if err := j.store.Remove(*j.curSegment); err != nil && !os.IsNotExist(err) {
			return nil, ErrIOError
		}
		j.curSegment = nil
	}

	if err := j.fetchAndWriteSegment(seg, fromUrl); err != nil {
		return nil, ErrIOError
	}
	finalized := SegmentInfo{StartTxId: seg.StartTxId, EndTxId: seg.EndTxId, State: Finalized, WriterEpoch: seg.WriterEpoch}
	if err := j.index.Put(finalized); err != nil {
		return nil, ErrIOError
	}
	j.nextExpectedTxId = seg.EndTxId + 1

	return &AcceptRecoveryResponse{ResponseHeader: j.header()}, nil
}

// fetchAndWriteSegment retrieves the canonical bytes for seg over the
// getimage HTTP contract and writes them locally as an already-finalized
// segment.
func (j *Journal) fetchAndWriteSegment(seg SegmentInfo, fromUrl string) error {
	httpClient := http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Get(fromUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d", fromUrl, resp.StatusCode)
	}
	var versionPrefix [4]byte
	if _, err := io.ReadFull(resp.Body, versionPrefix[:]); err != nil {
		return err
	}

	sink, err := j.store.CreateInProgress(seg.StartTxId, seg.WriterEpoch)
	if err != nil {
		return err
	}
	counted := newCounterReader(resp.Body)
	if _, err := io.Copy(sink, counted); err != nil {
		sink.Close()
		return err
	}
	if wantBody := resp.ContentLength - int64(len(versionPrefix)); wantBody >= 0 && int64(counted.Count()) != wantBody {
		sink.Close()
		return fmt.Errorf("fetch %s: segment %d-%d: got %d bytes, expected %d", fromUrl, seg.StartTxId, seg.EndTxId, counted.Count(), wantBody)
	}
	if err := sink.Sync(); err != nil {
		sink.Close()
		return err
	}
	if err := sink.Close(); err != nil {
		return err
	}
	return j.store.Finalize(seg.StartTxId, seg.EndTxId)
}

func (j *Journal) persistUint64(name string, v uint64) error {
	return writeUint64File(filepath.Join(j.dir, name), v, j.noSync)
}

func (j *Journal) writeVersion(ns NamespaceInfo) error {
	return writeVersionFile(filepath.Join(j.dir, fileVersion), ns, j.noSync)
}

func (j *Journal) persistAcceptedRecord(segmentTxId uint64, rec *AcceptedRecoveryRecord) error {
	dir := filepath.Join(j.dir, paxosDir)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return err
	}
	return writeAcceptedRecord(filepath.Join(dir, strconv.FormatUint(segmentTxId, 10)), rec, j.noSync)
}

// --- flat-file persistence helpers: write, fsync the file, fsync the
// parent dir so the write itself is durable even across a crash right
// after rename/create.

func writeUint64File(path string, v uint64, noSync bool) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return atomicWriteFile(path, buf, noSync)
}

func readUint64File(path string) (uint64, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("%s: corrupt, want 8 bytes got %d", path, len(data))
	}
	return binary.BigEndian.Uint64(data), true, nil
}

func writeVersionFile(path string, ns NamespaceInfo, noSync bool) error {
	text := fmt.Sprintf("namespaceID=%d\nclusterID=%s\nblockPoolID=%s\ncTime=%d\nlayoutVersion=%d\n",
		ns.NamespaceID, ns.ClusterID, ns.BlockPoolID, ns.CreationTime, ns.LayoutVersion)
	return atomicWriteFile(path, []byte(text), noSync)
}

func readVersionFile(path string) (NamespaceInfo, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NamespaceInfo{}, false, nil
		}
		return NamespaceInfo{}, false, err
	}
	var ns NamespaceInfo
	if _, err := fmt.Sscanf(string(data), "namespaceID=%d\nclusterID=%s\nblockPoolID=%s\ncTime=%d\nlayoutVersion=%d\n",
		&ns.NamespaceID, &ns.ClusterID, &ns.BlockPoolID, &ns.CreationTime, &ns.LayoutVersion); err != nil {
		return NamespaceInfo{}, false, err
	}
	return ns, true, nil
}

func writeAcceptedRecord(path string, rec *AcceptedRecoveryRecord, noSync bool) error {
	buf := make([]byte, 33)
	binary.BigEndian.PutUint64(buf[0:8], rec.Segment.StartTxId)
	binary.BigEndian.PutUint64(buf[8:16], rec.Segment.EndTxId)
	binary.BigEndian.PutUint64(buf[16:24], rec.Segment.WriterEpoch)
	binary.BigEndian.PutUint64(buf[24:32], rec.AcceptedInEpoch)
	buf[32] = byte(len(rec.SourceUrl))
	buf = append(buf, []byte(rec.SourceUrl)...)
	return atomicWriteFile(path, buf, noSync)
}

func readAcceptedRecord(path string) (*AcceptedRecoveryRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 33 {
		return nil, fmt.Errorf("%s: corrupt accepted-recovery record", path)
	}
	urlLen := int(data[32])
	if len(data) < 33+urlLen {
		return nil, fmt.Errorf("%s: corrupt accepted-recovery record", path)
	}
	return &AcceptedRecoveryRecord{
		Segment: SegmentInfo{
			StartTxId:   binary.BigEndian.Uint64(data[0:8]),
			EndTxId:     binary.BigEndian.Uint64(data[8:16]),
			WriterEpoch: binary.BigEndian.Uint64(data[16:24]),
			State:       Finalized,
		},
		AcceptedInEpoch: binary.BigEndian.Uint64(data[24:32]),
		SourceUrl:       string(data[33 : 33+urlLen]),
	}, nil
}

// atomicWriteFile writes data to a temp file, fsyncs it, renames it
// into place, then fsyncs the containing directory, so the write is
// durable even if the process crashes right after the rename.
func atomicWriteFile(path string, data []byte, noSync bool) error {
	tmp := path + tmpFileSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if !noSync {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if noSync {
		return nil
	}
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
