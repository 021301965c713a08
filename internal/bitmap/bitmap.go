// Package bitmap implements the segment allocator: a four-level,
// fan-out-64 bitmap tree over a fixed universe of segment ids. Each
// level's bit means "this branch has at least one free descendant";
// allocation and free both walk exactly depth=4 levels, giving O(1)
// operations independent of how full the tree is.
package bitmap

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/dtngo/node"
)

const (
	fanOut    = 64
	level1Len = fanOut             // 64
	level2Len = fanOut * fanOut    // 4096
	leafLen   = level2Len * fanOut // 262144

	allOnes = ^uint64(0)
)

// Allocator is the C1 segment allocator. The zero value is not usable;
// construct with New.
type Allocator struct {
	mu     sync.Mutex
	root   uint64
	level1 [level1Len]uint64
	level2 [level2Len]uint64
	leaf   [leafLen]uint64
	free   int
}

// New returns an allocator with every one of dtn.NumSegmentIDs ids free.
func New() *Allocator {
	a := &Allocator{
		root: allOnes,
		free: dtn.NumSegmentIDs,
	}
	for i := range a.level1 {
		a.level1[i] = allOnes
	}
	for i := range a.level2 {
		a.level2[i] = allOnes
	}
	for i := range a.leaf {
		a.leaf[i] = allOnes
	}
	return a
}

// Allocate returns the lowest-numbered free segment id, or
// dtn.ErrCapacityExceeded if the tree is full.
func (a *Allocator) Allocate() (dtn.SegmentID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked()
}

func (a *Allocator) allocateLocked() (dtn.SegmentID, error) {
	if a.root == 0 {
		return dtn.NoSegment, dtn.ErrCapacityExceeded
	}
	i0 := bits.TrailingZeros64(a.root)

	i1 := bits.TrailingZeros64(a.level1[i0])
	idx1 := i0*fanOut + i1

	i2 := bits.TrailingZeros64(a.level2[idx1])
	idx2 := idx1*fanOut + i2

	i3 := bits.TrailingZeros64(a.leaf[idx2])

	a.leaf[idx2] &^= 1 << uint(i3)
	if a.leaf[idx2] == 0 {
		a.level2[idx1] &^= 1 << uint(i2)
		if a.level2[idx1] == 0 {
			a.level1[i0] &^= 1 << uint(i1)
			if a.level1[i0] == 0 {
				a.root &^= 1 << uint(i0)
			}
		}
	}
	a.free--
	return dtn.SegmentID(idx2*fanOut + i3), nil
}

// Free releases id back to the pool. Freeing an id that is already free
// returns dtn.ErrDoubleFree.
func (a *Allocator) Free(id dtn.SegmentID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked(id)
}

func (a *Allocator) freeLocked(id dtn.SegmentID) error {
	if uint32(id) >= dtn.NumSegmentIDs {
		return fmt.Errorf("%w: segment id %d out of range", dtn.ErrIllegalArgument, id)
	}
	n := uint32(id)
	i3 := n & (fanOut - 1)
	idx2 := n / fanOut
	i2 := idx2 & (fanOut - 1)
	idx1 := idx2 / fanOut
	i1 := idx1 & (fanOut - 1)
	i0 := idx1 / fanOut

	bit3 := uint64(1) << i3
	if a.leaf[idx2]&bit3 != 0 {
		return dtn.ErrDoubleFree
	}
	a.leaf[idx2] |= bit3
	a.level2[idx1] |= uint64(1) << i2
	a.level1[i0] |= uint64(1) << i1
	a.root |= uint64(1) << i0
	a.free++
	return nil
}

// AllocateN allocates count ids in one locked batch, to amortize the
// mutex cost across a segment chain write. On failure partway through,
// every id already allocated in the batch is rolled back and the error
// is returned.
func (a *Allocator) AllocateN(count int) ([]dtn.SegmentID, error) {
	if count <= 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]dtn.SegmentID, 0, count)
	for i := 0; i < count; i++ {
		id, err := a.allocateLocked()
		if err != nil {
			for _, rollback := range ids {
				_ = a.freeLocked(rollback)
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// FreeN frees every id in ids in one locked batch. It frees as many as
// possible and returns the first error encountered, if any.
func (a *Allocator) FreeN(ids []dtn.SegmentID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, id := range ids {
		if err := a.freeLocked(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reserve marks id as allocated regardless of allocation order. It is
// used only during restart recovery, to replay segment ids found valid
// on disk back into the bitmap before normal allocation resumes. It
// fails with dtn.ErrAlreadyExists if id is already allocated.
func (a *Allocator) Reserve(id dtn.SegmentID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint32(id) >= dtn.NumSegmentIDs {
		return fmt.Errorf("%w: segment id %d out of range", dtn.ErrIllegalArgument, id)
	}
	n := uint32(id)
	i3 := n & (fanOut - 1)
	idx2 := n / fanOut
	i2 := idx2 & (fanOut - 1)
	idx1 := idx2 / fanOut
	i1 := idx1 & (fanOut - 1)
	i0 := idx1 / fanOut

	bit3 := uint64(1) << i3
	if a.leaf[idx2]&bit3 == 0 {
		return fmt.Errorf("%w: segment id %d", dtn.ErrAlreadyExists, id)
	}
	a.leaf[idx2] &^= bit3
	if a.leaf[idx2] == 0 {
		a.level2[idx1] &^= 1 << i2
		if a.level2[idx1] == 0 {
			a.level1[i0] &^= 1 << i1
			if a.level1[i0] == 0 {
				a.root &^= 1 << i0
			}
		}
	}
	a.free--
	return nil
}

// NumFree returns the count of currently unallocated segment ids.
func (a *Allocator) NumFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free
}
