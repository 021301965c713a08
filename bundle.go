package dtn

// Priority mirrors the three BP priority classes. Lower numeric value is
// higher priority: 0 strictly preempts 1 and 2 at selection time.
type Priority uint8

const (
	PriorityExpedited Priority = 0
	PriorityNormal    Priority = 1
	PriorityBulk      Priority = 2
)

func (p Priority) Valid() bool {
	return p <= PriorityBulk
}

// BundleDescriptor is the catalog's record of one stored bundle: enough
// to reconstruct and release it without re-parsing the bundle itself.
type BundleDescriptor struct {
	CustodyID          uint64
	Destination        EID
	Priority           Priority
	AbsoluteExpiration int64 // unix epoch milliseconds
	TotalLength        uint64
	SegmentChain       []SegmentID
	Custodial          bool
}

// Expired reports whether the descriptor's expiration has passed as of
// nowMs (unix epoch milliseconds).
func (d *BundleDescriptor) Expired(nowMs int64) bool {
	return d.AbsoluteExpiration <= nowMs
}
