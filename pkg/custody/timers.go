// Package custody implements the C5 custody timer set: one FIFO list of
// pending retransmission deadlines per destination, plus a side index for
// O(1) cancellation.
package custody

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dtn "github.com/dtngo/node"
)

type entry struct {
	custodyID uint64
	dest      dtn.EID
	expiryMs  int64
}

type locator struct {
	dest dtn.EID
	elem *list.Element
}

// Timers is the C5 custody timer set. Every started timer shares one
// fixed timeout, so each destination's list is appended to in strictly
// increasing expiry order and never needs re-sorting.
type Timers struct {
	mu      sync.Mutex
	logger  *slog.Logger
	timeout time.Duration
	byDest  map[dtn.EID]*list.List
	index   map[uint64]locator
}

// New returns a custody timer set where every started entry expires
// after timeout has elapsed.
func New(timeout time.Duration, logger *slog.Logger) *Timers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timers{
		logger:  logger.With("component", "custody"),
		timeout: timeout,
		byDest:  make(map[dtn.EID]*list.List),
		index:   make(map[uint64]locator),
	}
}

// Start records a pending custody acknowledgement, due at nowMs+timeout.
// It fails with dtn.ErrAlreadyExists if custodyID is already tracked.
func (t *Timers) Start(dest dtn.EID, custodyID uint64, nowMs int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.index[custodyID]; exists {
		return fmt.Errorf("%w: custody id %d", dtn.ErrAlreadyExists, custodyID)
	}
	l, ok := t.byDest[dest]
	if !ok {
		l = list.New()
		t.byDest[dest] = l
	}
	elem := l.PushBack(entry{
		custodyID: custodyID,
		dest:      dest,
		expiryMs:  nowMs + t.timeout.Milliseconds(),
	})
	t.index[custodyID] = locator{dest: dest, elem: elem}
	return nil
}

// Cancel removes a pending entry in O(1) via the side index. It is a
// no-op, returning dtn.ErrNotFound, if custodyID is not tracked — the
// caller (the dispatcher, on receiving an ack) should treat that as
// harmless since the timer may have already fired and been re-enqueued.
func (t *Timers) Cancel(custodyID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelLocked(custodyID)
}

func (t *Timers) cancelLocked(custodyID uint64) error {
	loc, ok := t.index[custodyID]
	if !ok {
		return dtn.ErrNotFound
	}
	l := t.byDest[loc.dest]
	l.Remove(loc.elem)
	if l.Len() == 0 {
		delete(t.byDest, loc.dest)
	}
	delete(t.index, custodyID)
	return nil
}

// PollExpired examines only the destinations named in available — those
// with an open outduct right now — and returns the single
// earliest-expiring entry among their list heads if its expiry has
// passed. Destinations with no open contact are left untouched: their
// expired entries wait, because retransmission has nowhere to go yet.
func (t *Timers) PollExpired(nowMs int64, available []dtn.EID) (custodyID uint64, dest dtn.EID, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var bestExpiry int64
	var bestCustodyID uint64
	var bestDest dtn.EID
	found := false

	for _, d := range available {
		l, exists := t.byDest[d]
		if !exists || l.Len() == 0 {
			continue
		}
		head := l.Front().Value.(entry)
		if head.expiryMs > nowMs {
			continue
		}
		if !found || head.expiryMs < bestExpiry {
			found = true
			bestExpiry = head.expiryMs
			bestCustodyID = head.custodyID
			bestDest = d
		}
	}
	if !found {
		return 0, dtn.EID{}, false
	}
	t.cancelLocked(bestCustodyID)
	return bestCustodyID, bestDest, true
}

// PollAnyExpired is PollExpired without restricting to a set of
// currently-available destinations; it considers every destination that
// has pending entries.
func (t *Timers) PollAnyExpired(nowMs int64) (custodyID uint64, dest dtn.EID, ok bool) {
	t.mu.Lock()
	dests := make([]dtn.EID, 0, len(t.byDest))
	for d := range t.byDest {
		dests = append(dests, d)
	}
	t.mu.Unlock()
	return t.PollExpired(nowMs, dests)
}

// Len reports the total number of tracked entries across all destinations.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}
