package ltp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// A receiver holding two disjoint ranges reports claims relative to
// the window's lower bound, and the complement of those claims is
// exactly what the sender must resend.
func TestReportClaimsAndResendSet(t *testing.T) {
	var fs FragmentSet
	fs.Insert(1000, 2999)
	fs.Insert(4000, 4499)

	claims := fs.Claims(1000, 6000)
	assert.Equal(t, []ReceptionClaim{
		{Offset: 0, Length: 2000},
		{Offset: 3000, Length: 500},
	}, claims)

	gaps := fs.Gaps(1000, 6000)
	assert.Equal(t, []Interval{
		{Begin: 3000, End: 3999},
		{Begin: 4500, End: 5999},
	}, gaps)
}

func TestInsertMergesOverlappingAndAbutting(t *testing.T) {
	var fs FragmentSet
	fs.Insert(0, 99)
	fs.Insert(100, 199) // abuts directly
	fs.Insert(50, 149)  // overlaps both
	assert.Equal(t, []Interval{{Begin: 0, End: 199}}, fs.Intervals())
}

func TestInsertKeepsDisjointRangesSeparate(t *testing.T) {
	var fs FragmentSet
	fs.Insert(0, 9)
	fs.Insert(20, 29)
	assert.Equal(t, []Interval{{Begin: 0, End: 9}, {Begin: 20, End: 29}}, fs.Intervals())
}

func TestCoversWholeRedPart(t *testing.T) {
	var fs FragmentSet
	fs.Insert(0, 999)
	assert.True(t, fs.Covers(0, 999))
	assert.False(t, fs.Covers(0, 1000))
}

func TestGapsWholeWindowEmptyWhenNothingReceived(t *testing.T) {
	var fs FragmentSet
	gaps := fs.Gaps(0, 100)
	assert.Equal(t, []Interval{{Begin: 0, End: 99}}, gaps)
}

func TestGapsEmptyWhenFullyCovered(t *testing.T) {
	var fs FragmentSet
	fs.Insert(0, 99)
	assert.Empty(t, fs.Gaps(0, 100))
}
