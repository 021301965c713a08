package storage

import (
	"context"
	"path/filepath"
	"testing"

	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/internal/bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, segmentSize, reserved int) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.bin")
	file, err := OpenSegmentStore([]string{path}, segmentSize, nil)
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })

	alloc := bitmap.New()
	catalog := NewCatalog(nil)
	cfg := Config{SegmentSize: segmentSize, ReservedSegments: reserved, Workers: 4}
	return NewEngine(alloc, catalog, file, cfg, dtn.NopObserver{}, nil)
}

func TestAcceptThenReleaseRoundTrip(t *testing.T) {
	e := newTestEngine(t, 64, 0)
	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}
	meta := dtn.BundleDescriptor{
		CustodyID:          1,
		Destination:        dtn.EID{Node: 1, Service: 1},
		Priority:           dtn.PriorityNormal,
		AbsoluteExpiration: 1_000_000,
		Custodial:          true,
	}
	require.NoError(t, e.Accept(context.Background(), meta, payload))
	assert.Equal(t, 1, e.catalog.Size())

	desc, got, err := e.Release(context.Background(), meta.Destination, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, uint64(200), desc.TotalLength)
	assert.Equal(t, 0, e.catalog.Size())
}

func TestAcceptBackpressure(t *testing.T) {
	e := newTestEngine(t, 64, 5)
	// Drain the allocator directly down to fewer free segments than
	// reserved, rather than writing a multi-megabyte payload through
	// Accept just to exhaust it.
	_, err := e.alloc.AllocateN(dtn.NumSegmentIDs - 4)
	require.NoError(t, err)

	meta := dtn.BundleDescriptor{
		Destination:        dtn.EID{Node: 1, Service: 1},
		Priority:           dtn.PriorityNormal,
		AbsoluteExpiration: 1_000_000,
	}
	err = e.Accept(context.Background(), meta, []byte{1, 2, 3})
	assert.ErrorIs(t, err, dtn.ErrBackpressure)
}

func TestAcceptMultiSegmentChainOrder(t *testing.T) {
	e := newTestEngine(t, 32, 0)
	usable := usablePayload(32)
	payload := make([]byte, usable*3+5)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	meta := dtn.BundleDescriptor{
		CustodyID:          2,
		Destination:        dtn.EID{Node: 2, Service: 1},
		Priority:           dtn.PriorityBulk,
		AbsoluteExpiration: 1_000_000,
		Custodial:          true,
	}
	require.NoError(t, e.Accept(context.Background(), meta, payload))

	_, got, err := e.Release(context.Background(), meta.Destination, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCancelFreesSegments(t *testing.T) {
	e := newTestEngine(t, 64, 0)
	meta := dtn.BundleDescriptor{
		CustodyID:          5,
		Destination:        dtn.EID{Node: 3, Service: 1},
		Priority:           dtn.PriorityNormal,
		AbsoluteExpiration: 1_000_000,
		Custodial:          true,
	}
	require.NoError(t, e.Accept(context.Background(), meta, []byte("hello world")))
	before := e.alloc.NumFree()

	desc, err := e.Cancel(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), desc.CustodyID)
	assert.Greater(t, e.alloc.NumFree(), before)
}

func TestReleaseNothingPendingIsNotFound(t *testing.T) {
	e := newTestEngine(t, 64, 0)
	_, _, err := e.Release(context.Background(), dtn.EID{Node: 9, Service: 1}, 0)
	assert.ErrorIs(t, err, dtn.ErrNotFound)
}

func TestRecoverReconstructsChainsAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.bin")
	segmentSize := 32

	file, err := OpenSegmentStore([]string{path}, segmentSize, nil)
	require.NoError(t, err)
	alloc := bitmap.New()
	catalog := NewCatalog(nil)
	cfg := Config{SegmentSize: segmentSize, Workers: 2}
	e := NewEngine(alloc, catalog, file, cfg, dtn.NopObserver{}, nil)

	usable := usablePayload(segmentSize)
	payload := make([]byte, usable*2+3)
	for i := range payload {
		payload[i] = byte(i % 200)
	}
	meta := dtn.BundleDescriptor{
		CustodyID:          77,
		Destination:        dtn.EID{Node: 4, Service: 2},
		Priority:           dtn.PriorityExpedited,
		AbsoluteExpiration: 2_000_000,
		Custodial:          true,
	}
	require.NoError(t, e.Accept(context.Background(), meta, payload))
	require.NoError(t, file.Close())

	// Simulate a restart: fresh allocator, catalog, and engine over the
	// same store file.
	file2, err := OpenSegmentStore([]string{path}, segmentSize, nil)
	require.NoError(t, err)
	t.Cleanup(func() { file2.Close() })
	alloc2 := bitmap.New()
	catalog2 := NewCatalog(nil)
	e2 := NewEngine(alloc2, catalog2, file2, cfg, dtn.NopObserver{}, nil)

	parse := func(reassembled []byte) (dtn.EID, dtn.Priority, int64, uint64, bool, error) {
		assert.Equal(t, payload, reassembled)
		return meta.Destination, meta.Priority, meta.AbsoluteExpiration, meta.CustodyID, true, nil
	}
	require.NoError(t, e2.Recover(parse))
	assert.Equal(t, 1, catalog2.Size())

	desc, got, err := e2.Release(context.Background(), meta.Destination, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, uint64(77), desc.CustodyID)
}
