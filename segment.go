package dtn

// SegmentID identifies one fixed-size disk segment. Segment zero is
// valid; NoSegment is the sentinel meaning "no successor" / "unallocated".
type SegmentID uint32

// NoSegment is the reserved id meaning "none" (2^32-1).
const NoSegment SegmentID = 1<<32 - 1

// NumSegmentIDs is the total address space of the C1 allocator: a
// four-level, fan-out-64 bitmap tree covers 64^4 leaves.
const NumSegmentIDs = 64 * 64 * 64 * 64

// DefaultSegmentSize is the default fixed segment size in bytes (4 KiB). It is
// overridable per-deployment via pkg/config, but every allocator and
// storage engine instance in a given node shares one value.
const DefaultSegmentSize = 4096
