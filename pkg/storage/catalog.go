// Package storage implements the bundle storage catalog (C2) and the
// segment-chain storage engine (C3): the nested destination/priority/
// expiration FIFO index of stored bundles, and the on-disk segment I/O
// that backs it.
package storage

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"

	dtn "github.com/dtngo/node"
)

type catalogEntry struct {
	descriptor dtn.BundleDescriptor
	seq        uint64
}

type catalogLocator struct {
	dest     dtn.EID
	priority dtn.Priority
	elem     *list.Element
}

// destBuckets holds the per-priority FIFO lists for one destination.
type destBuckets [3]*list.List

// Catalog is the C2 bundle storage catalog: for each destination, three
// priority-ordered FIFO lists, each kept sorted by ascending
// absoluteExpiration with insertion order breaking ties. A side index
// maps custodyId to its list location for O(1) cancellation.
type Catalog struct {
	mu       sync.Mutex
	logger   *slog.Logger
	byDest   map[dtn.EID]*destBuckets
	byCustID map[uint64]catalogLocator
	seq      uint64
	size     int
}

// NewCatalog returns an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		logger:   logger.With("component", "catalog"),
		byDest:   make(map[dtn.EID]*destBuckets),
		byCustID: make(map[uint64]catalogLocator),
	}
}

// Size returns the number of descriptors currently held.
func (c *Catalog) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Enqueue inserts descriptor into the FIFO list for its (destination,
// priority), ordered ascending by AbsoluteExpiration with ties broken by
// insertion order. It fails with dtn.ErrAlreadyExists if the descriptor
// is custodial and its CustodyID is already tracked.
func (c *Catalog) Enqueue(desc dtn.BundleDescriptor) error {
	return c.insert(desc, false)
}

// Requeue re-inserts a descriptor that had already been in flight, at
// the head of its priority-expiration bucket rather than the tail, so
// the retransmission goes out before anything enqueued since.
func (c *Catalog) Requeue(desc dtn.BundleDescriptor) error {
	return c.insert(desc, true)
}

func (c *Catalog) insert(desc dtn.BundleDescriptor, front bool) error {
	if !desc.Priority.Valid() {
		return fmt.Errorf("%w: priority %d", dtn.ErrIllegalArgument, desc.Priority)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if desc.Custodial {
		if _, exists := c.byCustID[desc.CustodyID]; exists {
			return fmt.Errorf("%w: custody id %d", dtn.ErrAlreadyExists, desc.CustodyID)
		}
	}

	buckets, ok := c.byDest[desc.Destination]
	if !ok {
		buckets = &destBuckets{}
		c.byDest[desc.Destination] = buckets
	}
	l := buckets[desc.Priority]
	if l == nil {
		l = list.New()
		buckets[desc.Priority] = l
	}

	c.seq++
	entry := catalogEntry{descriptor: desc, seq: c.seq}

	// Tail insert keeps ascending expiration with FIFO ties; a front
	// requeue instead lands before every entry of equal expiration.
	var insertBefore *list.Element
	if front {
		for e := l.Front(); e != nil; e = e.Next() {
			if e.Value.(catalogEntry).descriptor.AbsoluteExpiration >= desc.AbsoluteExpiration {
				insertBefore = e
				break
			}
		}
	} else {
		for e := l.Back(); e != nil; e = e.Prev() {
			if e.Value.(catalogEntry).descriptor.AbsoluteExpiration <= desc.AbsoluteExpiration {
				break
			}
			insertBefore = e
		}
	}
	var elem *list.Element
	if insertBefore == nil {
		elem = l.PushBack(entry)
	} else {
		elem = l.InsertBefore(entry, insertBefore)
	}

	if desc.Custodial {
		c.byCustID[desc.CustodyID] = catalogLocator{
			dest:     desc.Destination,
			priority: desc.Priority,
			elem:     elem,
		}
	}
	c.size++
	return nil
}

// SelectNext returns the descriptor that should be sent next for dest:
// the FIFO head of the lowest-priority-index non-empty bucket, dropping
// any already-expired heads along the way (their callers are
// responsible for freeing the associated segments). expired lists every
// descriptor silently dropped during the scan.
func (c *Catalog) SelectNext(dest dtn.EID, nowMs int64) (selected *dtn.BundleDescriptor, expired []dtn.BundleDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buckets, ok := c.byDest[dest]
	if !ok {
		return nil, nil
	}
	for p := dtn.PriorityExpedited; p <= dtn.PriorityBulk; p++ {
		l := buckets[p]
		if l == nil || l.Len() == 0 {
			continue
		}
		for l.Len() > 0 {
			front := l.Front()
			entry := front.Value.(catalogEntry)
			if !entry.descriptor.Expired(nowMs) {
				l.Remove(front)
				c.removeFromIndex(entry.descriptor)
				c.size--
				d := entry.descriptor
				return &d, expired
			}
			l.Remove(front)
			c.removeFromIndex(entry.descriptor)
			c.size--
			expired = append(expired, entry.descriptor)
		}
	}
	return nil, expired
}

// Cancel removes the descriptor with the given custodyId, in O(1) via
// the side index.
func (c *Catalog) Cancel(custodyID uint64) (*dtn.BundleDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	loc, ok := c.byCustID[custodyID]
	if !ok {
		return nil, dtn.ErrNotFound
	}
	buckets := c.byDest[loc.dest]
	l := buckets[loc.priority]
	entry := loc.elem.Value.(catalogEntry)
	l.Remove(loc.elem)
	delete(c.byCustID, custodyID)
	c.size--
	d := entry.descriptor
	return &d, nil
}

// SweepExpired scans every destination bucket and drops expired
// descriptors, for use by a periodic maintenance loop rather than only
// on selection.
func (c *Catalog) SweepExpired(nowMs int64) []dtn.BundleDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []dtn.BundleDescriptor
	for _, buckets := range c.byDest {
		for p := dtn.PriorityExpedited; p <= dtn.PriorityBulk; p++ {
			l := buckets[p]
			if l == nil {
				continue
			}
			var next *list.Element
			for e := l.Front(); e != nil; e = next {
				next = e.Next()
				entry := e.Value.(catalogEntry)
				if entry.descriptor.Expired(nowMs) {
					l.Remove(e)
					c.removeFromIndex(entry.descriptor)
					c.size--
					expired = append(expired, entry.descriptor)
				}
			}
		}
	}
	return expired
}

// removeFromIndex must be called with c.mu held.
func (c *Catalog) removeFromIndex(desc dtn.BundleDescriptor) {
	if desc.Custodial {
		delete(c.byCustID, desc.CustodyID)
	}
}
