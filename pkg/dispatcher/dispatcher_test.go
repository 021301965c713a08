package dispatcher

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/internal/bitmap"
	"github.com/dtngo/node/pkg/bpv6"
	"github.com/dtngo/node/pkg/cla/memcla"
	"github.com/dtngo/node/pkg/custody"
	"github.com/dtngo/node/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	creationSec  = 800000000
	testBaseMs   = int64(creationSec+bpv6.DTNEpochUnixSec) * 1000
	custodyMs    = 5000
	testLifetime = 3600
)

type harness struct {
	dispatcher *Dispatcher
	catalog    *storage.Catalog
	timers     *custody.Timers
	clock      *atomic.Int64
	cancel     context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.bin")
	file, err := storage.OpenSegmentStore([]string{path}, 256, nil)
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })

	catalog := storage.NewCatalog(nil)
	engine := storage.NewEngine(bitmap.New(), catalog, file, storage.Config{SegmentSize: 256}, dtn.NopObserver{}, nil)
	timers := custody.New(custodyMs*time.Millisecond, nil)

	clock := &atomic.Int64{}
	clock.Store(testBaseMs)
	cfg := Config{
		CustodySweepInterval: 10 * time.Millisecond,
		Clock:                clock.Load,
	}
	d := New(cfg, engine, timers, nil, dtn.NopObserver{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(cancel)
	return &harness{dispatcher: d, catalog: catalog, timers: timers, clock: clock, cancel: cancel}
}

func makeBundle(t *testing.T, dest dtn.EID, prio dtn.Priority, custodial bool, seq uint64, body []byte) []byte {
	t.Helper()
	p := bpv6.PrimaryBlock{
		ProcFlags:        bpv6.FlagSingletonDest,
		Destination:      dest,
		Source:           dtn.EID{Node: 1, Service: 1},
		CreationSeconds:  creationSec,
		CreationSequence: seq,
		LifetimeSeconds:  testLifetime,
	}
	p.SetCatalogPriority(prio)
	if custodial {
		p.ProcFlags |= bpv6.FlagCustodyRequested
	}
	b := bpv6.Bundle{
		Primary: p,
		Blocks: []bpv6.CanonicalBlock{
			{Type: bpv6.BlockTypePayload, Flags: bpv6.BlockFlagLast, Body: body},
		},
	}
	return b.Encode(nil)
}

// collector records bundles delivered by an induct.
type collector struct {
	mu      sync.Mutex
	bundles [][]byte
}

func (c *collector) add(b []byte) {
	c.mu.Lock()
	c.bundles = append(c.bundles, b)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bundles)
}

func (c *collector) get(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bundles[i]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// With an open outduct the bundle cuts through without
// touching the catalog; custody is tracked until released.
func TestCutThroughWithCustody(t *testing.T) {
	h := newHarness(t)
	dest := dtn.EID{Node: 2, Service: 1}
	out, in := memcla.Pair(16)
	var rx collector
	require.NoError(t, in.Start(context.Background(), rx.add))
	t.Cleanup(func() { in.Close() })
	h.dispatcher.OpenContact(dest, out)

	payload := makeBundle(t, dest, dtn.PriorityNormal, true, 1, []byte("cut-through"))
	require.NoError(t, h.dispatcher.Accept(payload))

	waitFor(t, func() bool { return rx.count() == 1 }, "bundle never reached outduct")
	assert.Equal(t, payload, rx.get(0))
	assert.Equal(t, 0, h.catalog.Size())
	waitFor(t, func() bool { return h.dispatcher.PendingCustody() == 1 }, "custody timer never started")

	// Custody release via ACS empties the timer set.
	var acs bpv6.AggregateCustodySignal
	acs.Succeeded = true
	acs.AddCustodyID(1)
	sig := bpv6.Bundle{
		Primary: bpv6.PrimaryBlock{
			ProcFlags:       bpv6.FlagAdminRecord,
			Destination:     dtn.EID{Node: 1, Service: 0},
			Source:          dest,
			CreationSeconds: creationSec,
			LifetimeSeconds: testLifetime,
		},
		Blocks: []bpv6.CanonicalBlock{
			{Type: bpv6.BlockTypePayload, Flags: bpv6.BlockFlagLast, Body: acs.Encode(nil)},
		},
	}
	require.NoError(t, h.dispatcher.Accept(sig.Encode(nil)))
	waitFor(t, func() bool { return h.dispatcher.PendingCustody() == 0 }, "custody never released")
}

// Contact closed, 100 bundles stored; on contact open all
// come out in insertion order and the catalog drains.
func TestStoreThenReleaseInOrder(t *testing.T) {
	h := newHarness(t)
	dest := dtn.EID{Node: 3, Service: 1}

	for i := 0; i < 100; i++ {
		body := []byte{byte(i)}
		require.NoError(t, h.dispatcher.Accept(makeBundle(t, dest, dtn.PriorityNormal, false, uint64(i), body)))
	}
	waitFor(t, func() bool { return h.catalog.Size() == 100 }, "bundles never stored")

	out, in := memcla.Pair(256)
	var rx collector
	require.NoError(t, in.Start(context.Background(), rx.add))
	t.Cleanup(func() { in.Close() })
	h.dispatcher.OpenContact(dest, out)

	waitFor(t, func() bool { return rx.count() == 100 }, "backlog never drained")
	assert.Equal(t, 0, h.catalog.Size())
	for i := 0; i < 100; i++ {
		decoded, err := bpv6.Decode(rx.get(i))
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, decoded.Payload())
	}
}

// An expedited bundle accepted after ten bulk ones is
// released first.
func TestPriorityPreemptionOnRelease(t *testing.T) {
	h := newHarness(t)
	dest := dtn.EID{Node: 4, Service: 1}

	for i := 0; i < 10; i++ {
		require.NoError(t, h.dispatcher.Accept(makeBundle(t, dest, dtn.PriorityBulk, false, uint64(i), []byte{byte(i)})))
	}
	require.NoError(t, h.dispatcher.Accept(makeBundle(t, dest, dtn.PriorityExpedited, false, 99, []byte("urgent"))))
	waitFor(t, func() bool { return h.catalog.Size() == 11 }, "bundles never stored")

	out, in := memcla.Pair(256)
	var rx collector
	require.NoError(t, in.Start(context.Background(), rx.add))
	t.Cleanup(func() { in.Close() })
	h.dispatcher.OpenContact(dest, out)

	waitFor(t, func() bool { return rx.count() == 11 }, "backlog never drained")
	first, err := bpv6.Decode(rx.get(0))
	require.NoError(t, err)
	assert.Equal(t, []byte("urgent"), first.Payload())
	for i := 0; i < 10; i++ {
		decoded, err := bpv6.Decode(rx.get(i + 1))
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, decoded.Payload())
	}
}

// A custodial bundle whose custody timer expires with no
// acknowledgement is re-enqueued; the catalog goes 0 -> 1.
func TestCustodyTimerExpiryReenqueues(t *testing.T) {
	h := newHarness(t)
	dest := dtn.EID{Node: 5, Service: 1}

	// Capacity-1 outduct with no consumer: the bundle cuts through and
	// then the pipe stays full, so the retransmission has to park in
	// the catalog.
	out, _ := memcla.Pair(1)
	h.dispatcher.OpenContact(dest, out)

	require.NoError(t, h.dispatcher.Accept(makeBundle(t, dest, dtn.PriorityNormal, true, 1, []byte("unacked"))))
	waitFor(t, func() bool { return h.dispatcher.PendingCustody() == 1 }, "custody timer never started")
	assert.Equal(t, 0, h.catalog.Size())

	h.clock.Add(custodyMs + 1)
	waitFor(t, func() bool { return h.catalog.Size() == 1 }, "expired custody bundle never re-enqueued")
	assert.Equal(t, 0, h.dispatcher.PendingCustody())
}

// A malformed byte-run is rejected at accept and never queued.
func TestAcceptRejectsMalformed(t *testing.T) {
	h := newHarness(t)
	err := h.dispatcher.Accept([]byte{0x06, 0xff})
	assert.ErrorIs(t, err, dtn.ErrMalformedBundle)
	assert.Equal(t, 0, h.catalog.Size())
}

// Masked destinations key the catalog, not the on-wire destination.
func TestMaskerRewritesCatalogKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.bin")
	file, err := storage.OpenSegmentStore([]string{path}, 256, nil)
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })

	catalog := storage.NewCatalog(nil)
	engine := storage.NewEngine(bitmap.New(), catalog, file, storage.Config{SegmentSize: 256}, dtn.NopObserver{}, nil)
	timers := custody.New(custodyMs*time.Millisecond, nil)
	d := New(Config{Clock: func() int64 { return testBaseMs }}, engine, timers, dtn.NewShiftingMasker(), dtn.NopObserver{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)

	wireDest := dtn.EID{Node: 6, Service: 1}
	logical := dtn.EID{Node: 106, Service: 1}
	require.NoError(t, d.Accept(makeBundle(t, wireDest, dtn.PriorityNormal, false, 1, []byte("masked"))))

	waitFor(t, func() bool { return catalog.Size() == 1 }, "bundle never stored")
	desc, _ := catalog.SelectNext(logical, 0)
	require.NotNil(t, desc)
	assert.Equal(t, logical, desc.Destination)
}
