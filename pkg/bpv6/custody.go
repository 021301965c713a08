package bpv6

import (
	"fmt"
	"sort"

	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/internal/sdnv"
)

// Administrative record type codes carried in the high nibble of an
// admin-record payload's first byte.
const (
	AdminRecordCustodySignal    = 0x02
	AdminRecordAggregateCustody = 0x04
)

// Custody signal status: bit 7 is the success flag, the low seven bits
// carry the reason code (RFC 5050 §6.3).
const (
	custodySucceededBit = 0x80

	CustodyReasonNone               = 0x00
	CustodyReasonRedundantReception = 0x03
	CustodyReasonDepletedStorage    = 0x04
)

// CustodySignal is the classic RFC 5050 custody signal, acknowledging
// (or refusing) custody of exactly one bundle identified by its
// creation timestamp and source EID.
type CustodySignal struct {
	Succeeded        bool
	Reason           byte
	SignalSeconds    uint64 // DTN time of signal, seconds
	SignalNanos      uint64
	CreationSeconds  uint64 // creation timestamp of the acknowledged bundle
	CreationSequence uint64
	SourceEID        string
}

// Encode appends the admin-record payload (type byte included) to dst.
func (cs *CustodySignal) Encode(dst []byte) []byte {
	dst = append(dst, AdminRecordCustodySignal<<4)
	status := cs.Reason & 0x7f
	if cs.Succeeded {
		status |= custodySucceededBit
	}
	dst = append(dst, status)
	dst = sdnv.Encode(dst, cs.SignalSeconds)
	dst = sdnv.Encode(dst, cs.SignalNanos)
	dst = sdnv.Encode(dst, cs.CreationSeconds)
	dst = sdnv.Encode(dst, cs.CreationSequence)
	dst = sdnv.Encode(dst, uint64(len(cs.SourceEID)))
	return append(dst, cs.SourceEID...)
}

func decodeCustodySignal(body []byte) (CustodySignal, error) {
	if len(body) < 1 {
		return CustodySignal{}, fmt.Errorf("%w: custody signal empty", dtn.ErrMalformedBundle)
	}
	cs := CustodySignal{
		Succeeded: body[0]&custodySucceededBit != 0,
		Reason:    body[0] & 0x7f,
	}
	body = body[1:]
	var err error
	var n int
	fields := []*uint64{&cs.SignalSeconds, &cs.SignalNanos, &cs.CreationSeconds, &cs.CreationSequence}
	for _, f := range fields {
		if *f, n, err = sdnv.Decode(body); err != nil {
			return CustodySignal{}, fmt.Errorf("%w: custody signal field: %v", dtn.ErrMalformedBundle, err)
		}
		body = body[n:]
	}
	eidLen, n, err := sdnv.Decode(body)
	if err != nil {
		return CustodySignal{}, fmt.Errorf("%w: custody signal eid length: %v", dtn.ErrMalformedBundle, err)
	}
	body = body[n:]
	if uint64(len(body)) < eidLen {
		return CustodySignal{}, fmt.Errorf("%w: custody signal eid truncated", dtn.ErrMalformedBundle)
	}
	cs.SourceEID = string(body[:eidLen])
	return cs, nil
}

// CustodyIDRange is one run of consecutive custody ids in an aggregate
// custody signal: ids Begin through Begin+Length-1 inclusive.
type CustodyIDRange struct {
	Begin  uint64
	Length uint64
}

// AggregateCustodySignal acknowledges many custody ids in one admin
// record. Fills are kept sorted and coalesced, the same canonical form
// the LTP fragment set uses for byte intervals.
type AggregateCustodySignal struct {
	Succeeded bool
	Reason    byte
	Fills     []CustodyIDRange
}

// AddCustodyID merges one id into the fill set, coalescing with
// adjacent or overlapping fills.
func (acs *AggregateCustodySignal) AddCustodyID(id uint64) {
	idx := sort.Search(len(acs.Fills), func(i int) bool {
		return acs.Fills[i].Begin+acs.Fills[i].Length >= id
	})
	if idx < len(acs.Fills) {
		f := &acs.Fills[idx]
		if id >= f.Begin && id < f.Begin+f.Length {
			return // already covered
		}
		if id+1 == f.Begin {
			f.Begin = id
			f.Length++
			acs.coalesce(idx)
			return
		}
		if id == f.Begin+f.Length {
			f.Length++
			acs.coalesce(idx)
			return
		}
	}
	acs.Fills = append(acs.Fills, CustodyIDRange{})
	copy(acs.Fills[idx+1:], acs.Fills[idx:])
	acs.Fills[idx] = CustodyIDRange{Begin: id, Length: 1}
}

func (acs *AggregateCustodySignal) coalesce(idx int) {
	for idx+1 < len(acs.Fills) {
		cur := acs.Fills[idx]
		next := acs.Fills[idx+1]
		if cur.Begin+cur.Length < next.Begin {
			return
		}
		end := next.Begin + next.Length
		if cur.Begin+cur.Length > end {
			end = cur.Begin + cur.Length
		}
		acs.Fills[idx].Length = end - cur.Begin
		acs.Fills = append(acs.Fills[:idx+1], acs.Fills[idx+2:]...)
	}
}

// CustodyIDs enumerates every id covered by the fill set, in order.
func (acs *AggregateCustodySignal) CustodyIDs() []uint64 {
	var ids []uint64
	for _, f := range acs.Fills {
		for i := uint64(0); i < f.Length; i++ {
			ids = append(ids, f.Begin+i)
		}
	}
	return ids
}

// Encode appends the admin-record payload (type byte included) to dst.
// The first fill's start is absolute; each subsequent start is encoded
// as the gap from the previous fill's end.
func (acs *AggregateCustodySignal) Encode(dst []byte) []byte {
	dst = append(dst, AdminRecordAggregateCustody<<4)
	status := acs.Reason & 0x7f
	if acs.Succeeded {
		status |= custodySucceededBit
	}
	dst = append(dst, status)
	prevEnd := uint64(0)
	for i, f := range acs.Fills {
		delta := f.Begin
		if i > 0 {
			delta = f.Begin - prevEnd
		}
		dst = sdnv.Encode(dst, delta)
		dst = sdnv.Encode(dst, f.Length)
		prevEnd = f.Begin + f.Length
	}
	return dst
}

func decodeAggregateCustodySignal(body []byte) (AggregateCustodySignal, error) {
	if len(body) < 1 {
		return AggregateCustodySignal{}, fmt.Errorf("%w: acs empty", dtn.ErrMalformedBundle)
	}
	acs := AggregateCustodySignal{
		Succeeded: body[0]&custodySucceededBit != 0,
		Reason:    body[0] & 0x7f,
	}
	body = body[1:]
	prevEnd := uint64(0)
	first := true
	for len(body) > 0 {
		delta, n, err := sdnv.Decode(body)
		if err != nil {
			return AggregateCustodySignal{}, fmt.Errorf("%w: acs fill start: %v", dtn.ErrMalformedBundle, err)
		}
		body = body[n:]
		length, n, err := sdnv.Decode(body)
		if err != nil {
			return AggregateCustodySignal{}, fmt.Errorf("%w: acs fill length: %v", dtn.ErrMalformedBundle, err)
		}
		body = body[n:]
		if length == 0 {
			return AggregateCustodySignal{}, fmt.Errorf("%w: acs zero-length fill", dtn.ErrMalformedBundle)
		}
		begin := delta
		if !first {
			begin = prevEnd + delta
		}
		first = false
		acs.Fills = append(acs.Fills, CustodyIDRange{Begin: begin, Length: length})
		prevEnd = begin + length
	}
	return acs, nil
}

// AdminRecord is the decoded form of an administrative-record payload:
// exactly one of the fields is non-nil.
type AdminRecord struct {
	CustodySignal *CustodySignal
	Aggregate     *AggregateCustodySignal
}

// ParseAdminRecord decodes the payload of a bundle whose primary block
// carries FlagAdminRecord.
func ParseAdminRecord(payload []byte) (AdminRecord, error) {
	if len(payload) < 1 {
		return AdminRecord{}, fmt.Errorf("%w: empty admin record", dtn.ErrMalformedBundle)
	}
	recordType := payload[0] >> 4
	body := payload[1:]
	switch recordType {
	case AdminRecordCustodySignal:
		cs, err := decodeCustodySignal(body)
		if err != nil {
			return AdminRecord{}, err
		}
		return AdminRecord{CustodySignal: &cs}, nil
	case AdminRecordAggregateCustody:
		acs, err := decodeAggregateCustodySignal(body)
		if err != nil {
			return AdminRecord{}, err
		}
		return AdminRecord{Aggregate: &acs}, nil
	default:
		return AdminRecord{}, fmt.Errorf("%w: unknown admin record type %d", dtn.ErrMalformedBundle, recordType)
	}
}
