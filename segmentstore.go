package qjournal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	dirMode           = 0755
	testFile          = "segmentStoreTest"
	inProgressPrefix  = "edits_inprogress_"
	finalizedPrefix   = "edits_"
)

// FileSegmentStore is a SegmentStore backed by the literal on-disk
// layout a journal directory must carry: edits_inprogress_<startTxId>
// while open, renamed atomically to edits_<startTxId>-<endTxId> on
// finalize, using the same create/fsync/rename/fsync-parent-dir
// discipline as the flat metadata files.
type FileSegmentStore struct {
	dir    string
	noSync bool
}

func NewFileSegmentStore(dir string, noSync bool) (*FileSegmentStore, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil && !os.IsExist(err) {
		return nil, err
	}
	s := &FileSegmentStore{dir: dir, noSync: noSync}
	if err := s.testCreatePermission(); err != nil {
		return nil, fmt.Errorf("test create permissions failed :%s", err)
	}
	return s, nil
}

func (s *FileSegmentStore) testCreatePermission() error {
	p := filepath.Join(s.dir, testFile)
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	_ = f.Close()
	return os.Remove(p)
}

func (s *FileSegmentStore) List() ([]SegmentInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []SegmentInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seg, ok := parseSegmentName(e.Name()); ok {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTxId < out[j].StartTxId })
	return out, nil
}

// parseSegmentName recovers a SegmentInfo from a file name produced by
// SegmentInfo.InProgressName/FinalizedName; WriterEpoch is not encoded
// in the file name and is left zero, so segments listed from the
// directory (as in the index rebuild at open) carry a zero WriterEpoch.
func parseSegmentName(name string) (SegmentInfo, bool) {
	switch {
	case strings.HasPrefix(name, inProgressPrefix):
		txId, err := strconv.ParseUint(strings.TrimPrefix(name, inProgressPrefix), 10, 64)
		if err != nil {
			return SegmentInfo{}, false
		}
		return SegmentInfo{StartTxId: txId, State: InProgress}, true
	case strings.HasPrefix(name, finalizedPrefix):
		rest := strings.TrimPrefix(name, finalizedPrefix)
		parts := strings.SplitN(rest, "-", 2)
		if len(parts) != 2 {
			return SegmentInfo{}, false
		}
		start, err1 := strconv.ParseUint(parts[0], 10, 64)
		end, err2 := strconv.ParseUint(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return SegmentInfo{}, false
		}
		return SegmentInfo{StartTxId: start, EndTxId: end, State: Finalized}, true
	default:
		return SegmentInfo{}, false
	}
}

func (s *FileSegmentStore) Open(seg SegmentInfo) (io.ReadCloser, error) {
	name := seg.InProgressName()
	if seg.State == Finalized {
		name = seg.FinalizedName()
	}
	return os.Open(filepath.Join(s.dir, name))
}

func (s *FileSegmentStore) Size(seg SegmentInfo) (int64, error) {
	name := seg.InProgressName()
	if seg.State == Finalized {
		name = seg.FinalizedName()
	}
	info, err := os.Stat(filepath.Join(s.dir, name))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *FileSegmentStore) CreateInProgress(txId, writerEpoch uint64) (SegmentSink, error) {
	seg := SegmentInfo{StartTxId: txId, State: InProgress, WriterEpoch: writerEpoch}
	path := filepath.Join(s.dir, seg.InProgressName())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &fileSegmentSink{file: f, noSync: s.noSync}, nil
}

func (s *FileSegmentStore) Finalize(startTxId, endTxId uint64) error {
	inProgress := SegmentInfo{StartTxId: startTxId, State: InProgress}
	finalized := SegmentInfo{StartTxId: startTxId, EndTxId: endTxId, State: Finalized}
	oldPath := filepath.Join(s.dir, inProgress.InProgressName())
	newPath := filepath.Join(s.dir, finalized.FinalizedName())
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	return s.fsyncDir()
}

func (s *FileSegmentStore) Remove(seg SegmentInfo) error {
	name := seg.InProgressName()
	if seg.State == Finalized {
		name = seg.FinalizedName()
	}
	return os.Remove(filepath.Join(s.dir, name))
}

// fsyncDir fsyncs the segment directory itself after a rename, since a
// rename is only durable once its containing directory entry is
// flushed (https://man7.org/linux/man-pages/man2/fsync.2.html). Uses
// Fdatasync directly rather than *os.File.Sync to skip flushing
// directory metadata this layer doesn't care about (mtime, etc).
func (s *FileSegmentStore) fsyncDir() error {
	if s.noSync {
		return nil
	}
	dir, err := os.Open(s.dir)
	if err != nil {
		return err
	}
	defer dir.Close()
	return unix.Fdatasync(int(dir.Fd()))
}

type fileSegmentSink struct {
	file   *os.File
	noSync bool
	closed bool
}

func (f *fileSegmentSink) Write(p []byte) (int, error) {
	return f.file.Write(p)
}

func (f *fileSegmentSink) Sync() error {
	if f.noSync {
		return nil
	}
	return f.file.Sync()
}

func (f *fileSegmentSink) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.file.Close()
}
