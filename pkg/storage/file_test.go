package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/internal/bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, stripes, segmentSize int) *SegmentStore {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, stripes)
	for i := range paths {
		paths[i] = filepath.Join(dir, "store-"+string(rune('a'+i))+".bin")
	}
	store, err := OpenSegmentStore(paths, segmentSize, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRoundRobinStriping(t *testing.T) {
	const segmentSize = 64
	store := openTestStore(t, 3, segmentSize)

	for i := 0; i < 9; i++ {
		buf := bytes.Repeat([]byte{byte(i + 1)}, segmentSize)
		require.NoError(t, store.WriteSegment(dtn.SegmentID(i), buf))
	}

	// Nine ids over three stripes: each file holds exactly three
	// densely packed records.
	for _, st := range store.stripes {
		st.mu.Lock()
		assert.Equal(t, int64(3*segmentSize), st.size, st.path)
		st.mu.Unlock()
	}

	got := make([]byte, segmentSize)
	for i := 0; i < 9; i++ {
		require.NoError(t, store.ReadSegment(dtn.SegmentID(i), got))
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, segmentSize), got)
	}
}

func TestStripeDegradesAfterRepeatedWriteFailures(t *testing.T) {
	const segmentSize = 64
	store := openTestStore(t, 2, segmentSize)
	buf := make([]byte, segmentSize)

	// Seed stripe 0 so reads keep working later, then break stripe 1
	// by closing its file out from under the store.
	require.NoError(t, store.WriteSegment(0, bytes.Repeat([]byte{0xAB}, segmentSize)))
	require.NoError(t, store.stripes[1].f.Close())

	for i := 0; i < maxConsecutiveWriteFailures; i++ {
		err := store.WriteSegment(1, buf)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrStripeDegraded, "failure %d is an I/O error, not a refusal", i)
	}
	assert.True(t, store.StripeDegraded(1))
	assert.Equal(t, []string{store.stripes[1].path}, store.DegradedStripes())

	// Further writes to the degraded stripe are refused up front.
	err := store.WriteSegment(1, buf)
	assert.ErrorIs(t, err, ErrStripeDegraded)
	assert.ErrorIs(t, err, dtn.ErrDiskIO)

	// The healthy stripe still takes writes, and reads against it are
	// unaffected.
	require.NoError(t, store.WriteSegment(2, buf))
	got := make([]byte, segmentSize)
	require.NoError(t, store.ReadSegment(0, got))
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, segmentSize), got)
}

func TestWriteSuccessResetsFailureCount(t *testing.T) {
	store := openTestStore(t, 1, 64)
	st := store.stripes[0]

	st.noteWriteResult(assert.AnError)
	st.noteWriteResult(assert.AnError)
	st.noteWriteResult(nil)
	st.noteWriteResult(assert.AnError)
	st.noteWriteResult(assert.AnError)
	assert.False(t, st.isDegraded(), "non-consecutive failures must not degrade")

	tipped := st.noteWriteResult(assert.AnError)
	assert.True(t, tipped)
	assert.True(t, st.isDegraded())
}

func TestAcceptRollsBackWhenStripeDegraded(t *testing.T) {
	const segmentSize = 64
	dir := t.TempDir()
	paths := []string{
		filepath.Join(dir, "store-a.bin"),
		filepath.Join(dir, "store-b.bin"),
	}
	store, err := OpenSegmentStore(paths, segmentSize, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	alloc := bitmap.New()
	catalog := NewCatalog(nil)
	e := NewEngine(alloc, catalog, store, Config{SegmentSize: segmentSize, Workers: 2}, dtn.NopObserver{}, nil)

	// Degrade stripe 1 directly; a multi-segment accept must then fail
	// atomically with no leaked segments or catalog entry.
	for i := 0; i < maxConsecutiveWriteFailures; i++ {
		store.stripes[1].noteWriteResult(assert.AnError)
	}
	require.True(t, store.StripeDegraded(1))

	freeBefore := alloc.NumFree()
	payload := make([]byte, usablePayload(segmentSize)*4)
	meta := dtn.BundleDescriptor{
		CustodyID:          1,
		Destination:        dtn.EID{Node: 1, Service: 1},
		Priority:           dtn.PriorityNormal,
		AbsoluteExpiration: 1_000_000,
	}
	err = e.Accept(context.Background(), meta, payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, dtn.ErrDiskIO)
	assert.Equal(t, freeBefore, alloc.NumFree())
	assert.Equal(t, 0, catalog.Size())
}

func TestRecoverAcrossStripes(t *testing.T) {
	const segmentSize = 48
	dir := t.TempDir()
	paths := []string{
		filepath.Join(dir, "store-a.bin"),
		filepath.Join(dir, "store-b.bin"),
		filepath.Join(dir, "store-c.bin"),
	}
	store, err := OpenSegmentStore(paths, segmentSize, nil)
	require.NoError(t, err)

	cfg := Config{SegmentSize: segmentSize, Workers: 2}
	e := NewEngine(bitmap.New(), NewCatalog(nil), store, cfg, dtn.NopObserver{}, nil)

	payload := make([]byte, usablePayload(segmentSize)*5+7)
	for i := range payload {
		payload[i] = byte(i % 113)
	}
	meta := dtn.BundleDescriptor{
		CustodyID:          9,
		Destination:        dtn.EID{Node: 6, Service: 1},
		Priority:           dtn.PriorityNormal,
		AbsoluteExpiration: 2_000_000,
		Custodial:          true,
	}
	require.NoError(t, e.Accept(context.Background(), meta, payload))
	require.NoError(t, store.Close())

	store2, err := OpenSegmentStore(paths, segmentSize, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })
	catalog2 := NewCatalog(nil)
	e2 := NewEngine(bitmap.New(), catalog2, store2, cfg, dtn.NopObserver{}, nil)

	parse := func(reassembled []byte) (dtn.EID, dtn.Priority, int64, uint64, bool, error) {
		assert.Equal(t, payload, reassembled)
		return meta.Destination, meta.Priority, meta.AbsoluteExpiration, meta.CustodyID, true, nil
	}
	require.NoError(t, e2.Recover(parse))
	require.Equal(t, 1, catalog2.Size())

	_, got, err := e2.Release(context.Background(), meta.Destination, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
