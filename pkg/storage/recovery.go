package storage

import (
	dtn "github.com/dtngo/node"
)

// MetadataParser recovers catalog fields from a reassembled bundle
// byte-run (its primary block) during restart recovery. Storage has no
// notion of BP wire formats itself; the caller (typically the
// dispatcher, which does own a codec) supplies this.
type MetadataParser func(payload []byte) (dest dtn.EID, priority dtn.Priority, absoluteExpirationMs int64, custodyID uint64, custodial bool, err error)

// Recover walks the store files, validates every segment's footer,
// reserves the valid ones back into the allocator, reconstructs bundle
// chains by following next-segment pointers from head segments, and
// republishes a descriptor for each chain by handing its reassembled
// payload to parse. Segments that fail CRC validation, and chain
// fragments unreachable from any head, are left out of the catalog —
// best-effort recovery, not a guarantee of recovering every byte.
func (e *Engine) Recover(parse MetadataParser) error {
	total := e.file.NumSegmentsOnDisk()
	valid := make(map[dtn.SegmentID]decodedSegment, total)

	buf := make([]byte, e.cfg.SegmentSize)
	for i := int64(0); i < total; i++ {
		id := dtn.SegmentID(i)
		if err := e.file.ReadSegment(id, buf); err != nil {
			continue
		}
		seg, err := decodeSegment(buf, e.cfg.SegmentSize)
		if err != nil {
			continue // not a valid segment footer; treat the slot as free
		}
		cp := seg
		cp.payload = append([]byte(nil), seg.payload...)
		valid[id] = cp
		if reserveErr := e.alloc.Reserve(id); reserveErr != nil {
			e.logger.Warn("recovery found duplicate-claim segment", "segment", id, "error", reserveErr)
		}
	}

	visited := make(map[dtn.SegmentID]bool, len(valid))
	for id, seg := range valid {
		if !seg.isHead || visited[id] {
			continue
		}
		chain := []dtn.SegmentID{id}
		payload := append([]byte(nil), seg.payload...)
		visited[id] = true

		cur := seg.next
		ok := true
		for cur != dtn.NoSegment {
			next, present := valid[cur]
			if !present || visited[cur] {
				ok = false
				break
			}
			chain = append(chain, cur)
			payload = append(payload, next.payload...)
			visited[cur] = true
			cur = next.next
		}
		if !ok {
			e.logger.Warn("recovery dropped incomplete chain", "head", id)
			continue
		}

		dest, priority, expiration, custodyID, custodial, err := parse(payload)
		if err != nil {
			e.logger.Warn("recovery failed to parse reassembled bundle", "head", id, "error", err)
			continue
		}
		desc := dtn.BundleDescriptor{
			CustodyID:          custodyID,
			Destination:        dest,
			Priority:           priority,
			AbsoluteExpiration: expiration,
			TotalLength:        uint64(len(payload)),
			SegmentChain:       chain,
			Custodial:          custodial,
		}
		if err := e.catalog.Enqueue(desc); err != nil {
			e.logger.Warn("recovery failed to enqueue bundle", "head", id, "error", err)
		}
	}
	return nil
}
