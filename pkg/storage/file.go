package storage

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	dtn "github.com/dtngo/node"
)

// ErrStripeDegraded marks a write refused because its stripe has been
// taken out of write service after repeated failures. It wraps
// dtn.ErrDiskIO, so callers that only care about the taxonomy still
// match.
var ErrStripeDegraded = fmt.Errorf("%w: stripe degraded", dtn.ErrDiskIO)

// maxConsecutiveWriteFailures is how many write failures in a row move
// a stripe to Degraded.
const maxConsecutiveWriteFailures = 3

// stripe is one store file. Concurrent WriteAt/ReadAt calls at disjoint
// offsets are safe without external locking (pwrite/pread semantics);
// the mutex serializes file growth and the health bookkeeping.
type stripe struct {
	mu            sync.Mutex
	f             *os.File
	path          string
	size          int64
	writeFailures int
	degraded      bool
}

func (s *stripe) ensureSize(minSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if minSize <= s.size {
		return nil
	}
	if err := s.f.Truncate(minSize); err != nil {
		return err
	}
	s.size = minSize
	return nil
}

func (s *stripe) isDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// noteWriteResult tracks consecutive write failures and reports whether
// this result tipped the stripe into Degraded.
func (s *stripe) noteWriteResult(err error) (tipped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.writeFailures = 0
		return false
	}
	s.writeFailures++
	if !s.degraded && s.writeFailures >= maxConsecutiveWriteFailures {
		s.degraded = true
		return true
	}
	return false
}

// SegmentStore is the striped store backing one Engine: N fixed-size
// record files with segment id i living in stripe i mod N. Within a
// stripe, records are packed densely (record index i div N), so each
// file's offsets advance by one segment per N ids handed out.
//
// A stripe that fails maxConsecutiveWriteFailures writes in a row is
// Degraded: further writes to it are refused without touching the
// disk, while reads are still attempted so already-stored bundles
// remain releasable.
type SegmentStore struct {
	stripes     []*stripe
	segmentSize int
	logger      *slog.Logger
}

// OpenSegmentStore opens (creating if necessary) one store file per
// path. At least one path is required.
func OpenSegmentStore(paths []string, segmentSize int, logger *slog.Logger) (*SegmentStore, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no store files configured", dtn.ErrIllegalArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	store := &SegmentStore{
		segmentSize: segmentSize,
		logger:      logger.With("component", "segment-store"),
	}
	for _, path := range paths {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			store.Close()
			return nil, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			store.Close()
			return nil, err
		}
		store.stripes = append(store.stripes, &stripe{f: f, path: path, size: info.Size()})
	}
	return store, nil
}

func (s *SegmentStore) stripeFor(id dtn.SegmentID) (*stripe, int64) {
	n := len(s.stripes)
	record := int64(id) / int64(n)
	return s.stripes[int(id)%n], record * int64(s.segmentSize)
}

// WriteSegment writes buf (exactly segmentSize bytes) at id's record,
// growing the stripe first if necessary. Writes to a Degraded stripe
// are refused with ErrStripeDegraded before any syscall.
func (s *SegmentStore) WriteSegment(id dtn.SegmentID, buf []byte) error {
	st, off := s.stripeFor(id)
	if st.isDegraded() {
		return fmt.Errorf("%w (%s)", ErrStripeDegraded, st.path)
	}
	err := st.ensureSize(off + int64(s.segmentSize))
	if err == nil {
		_, err = st.f.WriteAt(buf, off)
	}
	if st.noteWriteResult(err) {
		s.logger.Warn("stripe degraded after repeated write failures",
			"path", st.path, "error", err)
	}
	return err
}

// ReadSegment reads exactly segmentSize bytes from id's record into
// buf. Degraded stripes are still read; only their writes are avoided.
func (s *SegmentStore) ReadSegment(id dtn.SegmentID, buf []byte) error {
	st, off := s.stripeFor(id)
	_, err := st.f.ReadAt(buf, off)
	return err
}

// SegmentSize returns the fixed record size this store was opened with.
func (s *SegmentStore) SegmentSize() int { return s.segmentSize }

// NumStripes returns how many store files back this store.
func (s *SegmentStore) NumStripes() int { return len(s.stripes) }

// StripeDegraded reports whether the stripe owning id is out of write
// service.
func (s *SegmentStore) StripeDegraded(id dtn.SegmentID) bool {
	st, _ := s.stripeFor(id)
	return st.isDegraded()
}

// DegradedStripes lists the paths of stripes currently out of write
// service.
func (s *SegmentStore) DegradedStripes() []string {
	var paths []string
	for _, st := range s.stripes {
		if st.isDegraded() {
			paths = append(paths, st.path)
		}
	}
	return paths
}

// NumSegmentsOnDisk returns an upper bound on the segment ids the store
// files currently span, for use by restart recovery. Ids past a
// shorter stripe's end simply fail their read and are skipped.
func (s *SegmentStore) NumSegmentsOnDisk() int64 {
	var maxRecords int64
	for _, st := range s.stripes {
		st.mu.Lock()
		records := st.size / int64(s.segmentSize)
		st.mu.Unlock()
		if records > maxRecords {
			maxRecords = records
		}
	}
	return maxRecords * int64(len(s.stripes))
}

// Truncate resets every stripe to empty, for the "recovery disabled"
// startup path.
func (s *SegmentStore) Truncate() error {
	for _, st := range s.stripes {
		st.mu.Lock()
		err := st.f.Truncate(0)
		if err == nil {
			st.size = 0
		}
		st.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Paths returns the configured store file paths in stripe order.
func (s *SegmentStore) Paths() []string {
	paths := make([]string, len(s.stripes))
	for i, st := range s.stripes {
		paths[i] = st.path
	}
	return paths
}

func (s *SegmentStore) Close() error {
	var firstErr error
	for _, st := range s.stripes {
		if err := st.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
