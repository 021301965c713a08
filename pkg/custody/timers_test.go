package custody

import (
	"testing"
	"time"

	dtn "github.com/dtngo/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundaryExpiryAtExactTimeout(t *testing.T) {
	const timeoutMs = 5000
	timers := New(timeoutMs*time.Millisecond, nil)
	dest := dtn.EID{Node: 1, Service: 1}

	require.NoError(t, timers.Start(dest, 42, 0))

	_, _, ok := timers.PollExpired(timeoutMs-1, []dtn.EID{dest})
	assert.False(t, ok, "must not fire one millisecond early")

	id, d, ok := timers.PollExpired(timeoutMs, []dtn.EID{dest})
	require.True(t, ok)
	assert.Equal(t, uint64(42), id)
	assert.Equal(t, dest, d)

	assert.Equal(t, 0, timers.Len())
}

func TestCancelRemovesEntry(t *testing.T) {
	timers := New(time.Second, nil)
	dest := dtn.EID{Node: 2, Service: 1}
	require.NoError(t, timers.Start(dest, 7, 0))
	require.NoError(t, timers.Cancel(7))
	assert.Equal(t, 0, timers.Len())

	_, _, ok := timers.PollExpired(10_000, []dtn.EID{dest})
	assert.False(t, ok)
}

func TestCancelUnknownIsNotFound(t *testing.T) {
	timers := New(time.Second, nil)
	err := timers.Cancel(999)
	assert.ErrorIs(t, err, dtn.ErrNotFound)
}

func TestStartDuplicateFails(t *testing.T) {
	timers := New(time.Second, nil)
	dest := dtn.EID{Node: 1, Service: 1}
	require.NoError(t, timers.Start(dest, 1, 0))
	err := timers.Start(dest, 1, 0)
	assert.ErrorIs(t, err, dtn.ErrAlreadyExists)
}

func TestPollExpiredOnlyConsidersAvailableDestinations(t *testing.T) {
	timers := New(time.Second, nil)
	closedDest := dtn.EID{Node: 1, Service: 1}
	openDest := dtn.EID{Node: 2, Service: 1}

	require.NoError(t, timers.Start(closedDest, 1, 0))
	require.NoError(t, timers.Start(openDest, 2, 0))

	nowMs := int64(10_000)
	id, d, ok := timers.PollExpired(nowMs, []dtn.EID{openDest})
	require.True(t, ok)
	assert.Equal(t, uint64(2), id)
	assert.Equal(t, openDest, d)

	// closedDest's entry is still pending, waiting for contact to open.
	assert.Equal(t, 1, timers.Len())
}

func TestPollExpiredPicksEarliestAcrossDestinations(t *testing.T) {
	timers := New(time.Second, nil)
	destA := dtn.EID{Node: 1, Service: 1}
	destB := dtn.EID{Node: 2, Service: 1}

	require.NoError(t, timers.Start(destA, 1, 500))
	require.NoError(t, timers.Start(destB, 2, 0))

	id, d, ok := timers.PollExpired(5000, []dtn.EID{destA, destB})
	require.True(t, ok)
	assert.Equal(t, uint64(2), id)
	assert.Equal(t, destB, d)
}

func TestPollAnyExpiredIgnoresAvailability(t *testing.T) {
	timers := New(time.Second, nil)
	dest := dtn.EID{Node: 9, Service: 1}
	require.NoError(t, timers.Start(dest, 11, 0))

	id, d, ok := timers.PollAnyExpired(5000)
	require.True(t, ok)
	assert.Equal(t, uint64(11), id)
	assert.Equal(t, dest, d)
}
