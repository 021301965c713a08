package ltp

import "sort"

// Interval is an inclusive byte range [Begin, End] within a red part.
type Interval struct {
	Begin uint64
	End   uint64
}

// ReceptionClaim is one (offset, length) pair relative to a report
// segment's lower bound, the wire form reception claims take in an LTP
// report segment.
type ReceptionClaim struct {
	Offset uint64
	Length uint64
}

// FragmentSet is the canonical, coalesced set of received-byte intervals
// for one receiver session. Overlapping or abutting intervals are
// merged on insertion so the set always holds the minimal number of
// disjoint ranges.
type FragmentSet struct {
	intervals []Interval // sorted ascending, disjoint, non-abutting
}

// Insert adds [begin, end] (inclusive) to the set, merging with any
// overlapping or directly-adjacent existing interval.
func (fs *FragmentSet) Insert(begin, end uint64) {
	if end < begin {
		return
	}
	merged := Interval{Begin: begin, End: end}
	out := fs.intervals[:0:0]

	i := 0
	for ; i < len(fs.intervals) && fs.intervals[i].End+1 < merged.Begin; i++ {
		out = append(out, fs.intervals[i])
	}
	for i < len(fs.intervals) && fs.intervals[i].Begin <= merged.End+1 {
		if fs.intervals[i].Begin < merged.Begin {
			merged.Begin = fs.intervals[i].Begin
		}
		if fs.intervals[i].End > merged.End {
			merged.End = fs.intervals[i].End
		}
		i++
	}
	out = append(out, merged)
	for ; i < len(fs.intervals); i++ {
		out = append(out, fs.intervals[i])
	}
	fs.intervals = out
}

// Covers reports whether every byte in [begin, end] is present in the set.
func (fs *FragmentSet) Covers(begin, end uint64) bool {
	if end < begin {
		return true
	}
	idx := sort.Search(len(fs.intervals), func(i int) bool {
		return fs.intervals[i].End >= begin
	})
	if idx == len(fs.intervals) {
		return false
	}
	return fs.intervals[idx].Begin <= begin && fs.intervals[idx].End >= end
}

// Intervals returns a copy of the coalesced interval list.
func (fs *FragmentSet) Intervals() []Interval {
	out := make([]Interval, len(fs.intervals))
	copy(out, fs.intervals)
	return out
}

// Claims produces the reception claims for the window [lower, upper),
// as an LTP report segment would carry them: offsets relative to lower,
// restricted to the window.
func (fs *FragmentSet) Claims(lower, upper uint64) []ReceptionClaim {
	if upper <= lower {
		return nil
	}
	var claims []ReceptionClaim
	for _, iv := range fs.intervals {
		if iv.End < lower || iv.Begin >= upper {
			continue
		}
		begin := iv.Begin
		if begin < lower {
			begin = lower
		}
		end := iv.End
		if end > upper-1 {
			end = upper - 1
		}
		claims = append(claims, ReceptionClaim{
			Offset: begin - lower,
			Length: end - begin + 1,
		})
	}
	return claims
}

// Gaps returns the byte ranges within [lower, upper) not yet covered —
// the set the sender must resend after receiving a report for this
// window.
func (fs *FragmentSet) Gaps(lower, upper uint64) []Interval {
	if upper <= lower {
		return nil
	}
	var gaps []Interval
	cursor := lower
	for _, iv := range fs.intervals {
		if iv.End < lower {
			continue
		}
		if iv.Begin >= upper {
			break
		}
		begin := iv.Begin
		if begin < lower {
			begin = lower
		}
		if begin > cursor {
			end := begin - 1
			if end > upper-1 {
				end = upper - 1
			}
			gaps = append(gaps, Interval{Begin: cursor, End: end})
		}
		end := iv.End
		if end > upper-1 {
			end = upper - 1
		}
		if end+1 > cursor {
			cursor = end + 1
		}
	}
	if cursor < upper {
		gaps = append(gaps, Interval{Begin: cursor, End: upper - 1})
	}
	return gaps
}
