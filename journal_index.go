package qjournal

import (
	"encoding/binary"
	"sort"

	"github.com/boltdb/bolt"
	. "github.com/fuyao-w/common-util"
)

var segmentBucket = []byte("segments")

// SegmentIndex is a derived, rebuildable cache of one journal's segment
// listing, backed by a github.com/boltdb/bolt database living alongside
// the segment files. Reads come from an in-memory buffer kept
// write-through-consistent with every mutation,
// and the cache is never the source of truth — FileSegmentStore's
// on-disk layout is, so a corrupt or deleted index.bolt only
// costs a rebuild, never data.
type SegmentIndex struct {
	store  SegmentStore
	db     *bolt.DB
	buffer *LockItem[[]SegmentInfo]
}

func NewSegmentIndex(boltPath string, store SegmentStore) (*SegmentIndex, error) {
	db, err := bolt.Open(boltPath, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(segmentBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	idx := &SegmentIndex{store: store, db: db, buffer: NewLockItem([]SegmentInfo{})}
	if err := idx.rebuild(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// rebuild discards the bolt index and relists the authoritative segment
// files, the cache-miss-everything path this type must always be safe
// to take.
func (idx *SegmentIndex) rebuild() error {
	segs, err := idx.store.List()
	if err != nil {
		return err
	}
	if err := idx.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(segmentBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(segmentBucket)
		if err != nil {
			return err
		}
		for _, seg := range segs {
			if err := putSegment(b, seg); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	idx.buffer.Set(segs)
	return nil
}

func putSegment(b *bolt.Bucket, seg SegmentInfo) error {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seg.StartTxId)
	val, err := encodeSegmentInfo(seg)
	if err != nil {
		return err
	}
	return b.Put(key, val)
}

// List returns a snapshot of every known segment, ordered by
// StartTxId, without touching disk.
func (idx *SegmentIndex) List() []SegmentInfo {
	return append([]SegmentInfo(nil), idx.buffer.Get()...)
}

// Put records a newly created or finalized segment, write-through to
// both the bolt index and the in-memory buffer.
func (idx *SegmentIndex) Put(seg SegmentInfo) error {
	if err := idx.db.Update(func(tx *bolt.Tx) error {
		return putSegment(tx.Bucket(segmentBucket), seg)
	}); err != nil {
		return err
	}
	idx.buffer.Action(func(t *[]SegmentInfo) {
		for i := range *t {
			if (*t)[i].StartTxId == seg.StartTxId {
				(*t)[i] = seg
				return
			}
		}
		*t = append(*t, seg)
		sort.Slice(*t, func(i, j int) bool { return (*t)[i].StartTxId < (*t)[j].StartTxId })
	})
	return nil
}

// Remove drops a segment's entry. Nothing in the module calls it;
// AcceptRecovery replaces a discarded segment's entry with Put.
func (idx *SegmentIndex) Remove(startTxId uint64) error {
	if err := idx.db.Update(func(tx *bolt.Tx) error {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, startTxId)
		return tx.Bucket(segmentBucket).Delete(key)
	}); err != nil {
		return err
	}
	idx.buffer.Action(func(t *[]SegmentInfo) {
		out := (*t)[:0]
		for _, s := range *t {
			if s.StartTxId != startTxId {
				out = append(out, s)
			}
		}
		*t = out
	})
	return nil
}

func (idx *SegmentIndex) Close() error {
	return idx.db.Close()
}

func encodeSegmentInfo(seg SegmentInfo) ([]byte, error) {
	buf := make([]byte, 25)
	binary.BigEndian.PutUint64(buf[0:8], seg.StartTxId)
	binary.BigEndian.PutUint64(buf[8:16], seg.EndTxId)
	binary.BigEndian.PutUint64(buf[16:24], seg.WriterEpoch)
	buf[24] = byte(seg.State)
	return buf, nil
}
