package qjournal

import "io"

// SegmentStore abstracts the on-disk segment files of one journal
// directory, an Open/List/Create trio generalized from "one current
// snapshot" to "a list of finalized segments plus at most one
// in-progress segment".
type SegmentStore interface {
	// List returns every segment known to this journal, finalized and
	// in-progress, ordered by StartTxId.
	List() ([]SegmentInfo, error)
	// Open returns a reader over the raw bytes of the named segment, for
	// serving /getimage and for recovery's FetchDuringAccept path.
	Open(seg SegmentInfo) (io.ReadCloser, error)
	// Size reports the on-disk byte length of the named segment, so
	// /getimage can set Content-Length before it starts streaming.
	Size(seg SegmentInfo) (int64, error)
	// CreateInProgress begins a new in-progress segment starting at txId,
	// returned as a SegmentSink the caller appends to and finalizes.
	CreateInProgress(txId, writerEpoch uint64) (SegmentSink, error)
	// Finalize renames the in-progress segment starting at startTxId into
	// its immutable, canonical finalized name.
	Finalize(startTxId, endTxId uint64) error
	// Remove deletes a segment file, used only when overwriting an
	// in-progress segment during accepted-value recovery.
	Remove(seg SegmentInfo) error
}

// SegmentSink is the write side of an in-progress segment: bytes
// appended to it are visible to readers immediately but are not durable
// until Sync.
type SegmentSink interface {
	io.Writer
	// Sync fsyncs the segment file's contents, the durability point
	// flush() waits on before a quorum ack can count.
	Sync() error
	Close() error
}
