package ltp

import (
	"fmt"

	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/internal/sdnv"
)

// SegmentType identifies the five LTP segment kinds this engine
// exchanges, modeled on the segment taxonomy of RFC 5326 §3 but
// collapsed to the fields this engine actually needs on the wire
// (red/green and checkpoint/EORP/EOB are flags on a data segment rather
// than distinct type codes).
type SegmentType byte

const (
	SegData SegmentType = iota
	SegReport
	SegReportAck
	SegCancel
	SegCancelAck
)

// CancelReason mirrors the RFC 5326 cancellation reason codes this
// engine generates.
type CancelReason byte

const (
	CancelReasonUserCancelled CancelReason = iota
	CancelReasonRetransmitLimitExceeded
	CancelReasonMiscolored
	CancelReasonSystemCancelled
)

// DataSegment is one LTP data segment: a chunk of red- or green-part
// client service data plus optional checkpoint/end-of-block flags.
type DataSegment struct {
	SessionOriginator uint64
	SessionNumber     uint64
	ClientServiceID   uint64
	Offset            uint64
	IsRed             bool
	IsCheckpoint      bool
	IsEndOfRedPart    bool
	IsEndOfBlock      bool
	CheckpointSerial  uint64 // valid iff IsCheckpoint
	ReportSerial      uint64 // report this checkpoint acknowledges, 0 if none
	ClientData        []byte
}

// ReportSegment enumerates reception claims over [LowerBound, UpperBound).
type ReportSegment struct {
	SessionOriginator    uint64
	SessionNumber        uint64
	ReportSerial         uint64
	CheckpointSerial     uint64 // the checkpoint this report answers, 0 if unsolicited
	LowerBound           uint64
	UpperBound           uint64
	Claims               []ReceptionClaim
}

// ReportAckSegment acknowledges receipt of a report segment.
type ReportAckSegment struct {
	SessionOriginator uint64
	SessionNumber     uint64
	ReportSerial      uint64
}

// CancelSegment terminates a session. FromSender is true when the
// sender initiated the cancellation, false when the receiver did.
type CancelSegment struct {
	SessionOriginator uint64
	SessionNumber     uint64
	FromSender        bool
	Reason            CancelReason
}

// CancelAckSegment acknowledges a CancelSegment.
type CancelAckSegment struct {
	SessionOriginator uint64
	SessionNumber     uint64
	FromSender        bool
}

func encodeSessionHeader(dst []byte, segType SegmentType, originator, number uint64) []byte {
	dst = append(dst, byte(segType))
	dst = sdnv.Encode(dst, originator)
	dst = sdnv.Encode(dst, number)
	return dst
}

func decodeSessionHeader(buf []byte) (segType SegmentType, originator, number uint64, rest []byte, err error) {
	if len(buf) < 1 {
		return 0, 0, 0, nil, fmt.Errorf("%w: ltp segment too short", dtn.ErrMalformedBundle)
	}
	segType = SegmentType(buf[0])
	buf = buf[1:]
	originator, n, err := sdnv.Decode(buf)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("%w: ltp session originator: %v", dtn.ErrMalformedBundle, err)
	}
	buf = buf[n:]
	number, n, err = sdnv.Decode(buf)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("%w: ltp session number: %v", dtn.ErrMalformedBundle, err)
	}
	return segType, originator, number, buf[n:], nil
}

// EncodeDataSegment serializes ds onto dst.
func EncodeDataSegment(dst []byte, ds DataSegment) []byte {
	dst = encodeSessionHeader(dst, SegData, ds.SessionOriginator, ds.SessionNumber)
	var flags byte
	if ds.IsRed {
		flags |= 1 << 0
	}
	if ds.IsCheckpoint {
		flags |= 1 << 1
	}
	if ds.IsEndOfRedPart {
		flags |= 1 << 2
	}
	if ds.IsEndOfBlock {
		flags |= 1 << 3
	}
	dst = append(dst, flags)
	dst = sdnv.Encode(dst, ds.ClientServiceID)
	dst = sdnv.Encode(dst, ds.Offset)
	dst = sdnv.Encode(dst, uint64(len(ds.ClientData)))
	if ds.IsCheckpoint {
		dst = sdnv.Encode(dst, ds.CheckpointSerial)
		dst = sdnv.Encode(dst, ds.ReportSerial)
	}
	dst = append(dst, ds.ClientData...)
	return dst
}

// DecodeDataSegment parses a data segment previously produced by
// EncodeDataSegment.
func DecodeDataSegment(buf []byte) (DataSegment, error) {
	segType, originator, number, rest, err := decodeSessionHeader(buf)
	if err != nil {
		return DataSegment{}, err
	}
	if segType != SegData {
		return DataSegment{}, fmt.Errorf("%w: expected data segment, got type %d", dtn.ErrMalformedBundle, segType)
	}
	if len(rest) < 1 {
		return DataSegment{}, fmt.Errorf("%w: data segment missing flags", dtn.ErrMalformedBundle)
	}
	flags := rest[0]
	rest = rest[1:]
	ds := DataSegment{
		SessionOriginator: originator,
		SessionNumber:     number,
		IsRed:             flags&(1<<0) != 0,
		IsCheckpoint:      flags&(1<<1) != 0,
		IsEndOfRedPart:    flags&(1<<2) != 0,
		IsEndOfBlock:      flags&(1<<3) != 0,
	}

	var n int
	ds.ClientServiceID, n, err = sdnv.Decode(rest)
	if err != nil {
		return DataSegment{}, fmt.Errorf("%w: client service id: %v", dtn.ErrMalformedBundle, err)
	}
	rest = rest[n:]
	ds.Offset, n, err = sdnv.Decode(rest)
	if err != nil {
		return DataSegment{}, fmt.Errorf("%w: offset: %v", dtn.ErrMalformedBundle, err)
	}
	rest = rest[n:]
	length, n, err := sdnv.Decode(rest)
	if err != nil {
		return DataSegment{}, fmt.Errorf("%w: length: %v", dtn.ErrMalformedBundle, err)
	}
	rest = rest[n:]
	if ds.IsCheckpoint {
		ds.CheckpointSerial, n, err = sdnv.Decode(rest)
		if err != nil {
			return DataSegment{}, fmt.Errorf("%w: checkpoint serial: %v", dtn.ErrMalformedBundle, err)
		}
		rest = rest[n:]
		ds.ReportSerial, n, err = sdnv.Decode(rest)
		if err != nil {
			return DataSegment{}, fmt.Errorf("%w: report serial: %v", dtn.ErrMalformedBundle, err)
		}
		rest = rest[n:]
	}
	if uint64(len(rest)) < length {
		return DataSegment{}, fmt.Errorf("%w: data segment payload shorter than declared length", dtn.ErrMalformedBundle)
	}
	ds.ClientData = append([]byte(nil), rest[:length]...)
	return ds, nil
}

// EncodeReportSegment serializes rs onto dst.
func EncodeReportSegment(dst []byte, rs ReportSegment) []byte {
	dst = encodeSessionHeader(dst, SegReport, rs.SessionOriginator, rs.SessionNumber)
	dst = sdnv.Encode(dst, rs.ReportSerial)
	dst = sdnv.Encode(dst, rs.CheckpointSerial)
	dst = sdnv.Encode(dst, rs.LowerBound)
	dst = sdnv.Encode(dst, rs.UpperBound)
	dst = sdnv.Encode(dst, uint64(len(rs.Claims)))
	for _, c := range rs.Claims {
		dst = sdnv.Encode(dst, c.Offset)
		dst = sdnv.Encode(dst, c.Length)
	}
	return dst
}

// DecodeReportSegment parses a report segment.
func DecodeReportSegment(buf []byte) (ReportSegment, error) {
	segType, originator, number, rest, err := decodeSessionHeader(buf)
	if err != nil {
		return ReportSegment{}, err
	}
	if segType != SegReport {
		return ReportSegment{}, fmt.Errorf("%w: expected report segment, got type %d", dtn.ErrMalformedBundle, segType)
	}
	rs := ReportSegment{SessionOriginator: originator, SessionNumber: number}
	var n int
	fields := []*uint64{&rs.ReportSerial, &rs.CheckpointSerial, &rs.LowerBound, &rs.UpperBound}
	for _, f := range fields {
		*f, n, err = sdnv.Decode(rest)
		if err != nil {
			return ReportSegment{}, fmt.Errorf("%w: report segment field: %v", dtn.ErrMalformedBundle, err)
		}
		rest = rest[n:]
	}
	numClaims, n, err := sdnv.Decode(rest)
	if err != nil {
		return ReportSegment{}, fmt.Errorf("%w: claim count: %v", dtn.ErrMalformedBundle, err)
	}
	rest = rest[n:]
	rs.Claims = make([]ReceptionClaim, 0, numClaims)
	for i := uint64(0); i < numClaims; i++ {
		var c ReceptionClaim
		c.Offset, n, err = sdnv.Decode(rest)
		if err != nil {
			return ReportSegment{}, fmt.Errorf("%w: claim offset: %v", dtn.ErrMalformedBundle, err)
		}
		rest = rest[n:]
		c.Length, n, err = sdnv.Decode(rest)
		if err != nil {
			return ReportSegment{}, fmt.Errorf("%w: claim length: %v", dtn.ErrMalformedBundle, err)
		}
		rest = rest[n:]
		rs.Claims = append(rs.Claims, c)
	}
	return rs, nil
}

// EncodeReportAckSegment serializes ra onto dst.
func EncodeReportAckSegment(dst []byte, ra ReportAckSegment) []byte {
	dst = encodeSessionHeader(dst, SegReportAck, ra.SessionOriginator, ra.SessionNumber)
	return sdnv.Encode(dst, ra.ReportSerial)
}

// DecodeReportAckSegment parses a report-ack segment.
func DecodeReportAckSegment(buf []byte) (ReportAckSegment, error) {
	segType, originator, number, rest, err := decodeSessionHeader(buf)
	if err != nil {
		return ReportAckSegment{}, err
	}
	if segType != SegReportAck {
		return ReportAckSegment{}, fmt.Errorf("%w: expected report-ack segment, got type %d", dtn.ErrMalformedBundle, segType)
	}
	serial, _, err := sdnv.Decode(rest)
	if err != nil {
		return ReportAckSegment{}, fmt.Errorf("%w: report serial: %v", dtn.ErrMalformedBundle, err)
	}
	return ReportAckSegment{SessionOriginator: originator, SessionNumber: number, ReportSerial: serial}, nil
}

// EncodeCancelSegment serializes cs onto dst.
func EncodeCancelSegment(dst []byte, cs CancelSegment) []byte {
	dst = encodeSessionHeader(dst, SegCancel, cs.SessionOriginator, cs.SessionNumber)
	var flags byte
	if cs.FromSender {
		flags |= 1
	}
	dst = append(dst, flags, byte(cs.Reason))
	return dst
}

// DecodeCancelSegment parses a cancel segment.
func DecodeCancelSegment(buf []byte) (CancelSegment, error) {
	segType, originator, number, rest, err := decodeSessionHeader(buf)
	if err != nil {
		return CancelSegment{}, err
	}
	if segType != SegCancel {
		return CancelSegment{}, fmt.Errorf("%w: expected cancel segment, got type %d", dtn.ErrMalformedBundle, segType)
	}
	if len(rest) < 2 {
		return CancelSegment{}, fmt.Errorf("%w: cancel segment too short", dtn.ErrMalformedBundle)
	}
	return CancelSegment{
		SessionOriginator: originator,
		SessionNumber:     number,
		FromSender:        rest[0]&1 != 0,
		Reason:            CancelReason(rest[1]),
	}, nil
}

// EncodeCancelAckSegment serializes ca onto dst.
func EncodeCancelAckSegment(dst []byte, ca CancelAckSegment) []byte {
	dst = encodeSessionHeader(dst, SegCancelAck, ca.SessionOriginator, ca.SessionNumber)
	var flags byte
	if ca.FromSender {
		flags |= 1
	}
	return append(dst, flags)
}

// DecodeCancelAckSegment parses a cancel-ack segment.
func DecodeCancelAckSegment(buf []byte) (CancelAckSegment, error) {
	segType, originator, number, rest, err := decodeSessionHeader(buf)
	if err != nil {
		return CancelAckSegment{}, err
	}
	if segType != SegCancelAck {
		return CancelAckSegment{}, fmt.Errorf("%w: expected cancel-ack segment, got type %d", dtn.ErrMalformedBundle, segType)
	}
	if len(rest) < 1 {
		return CancelAckSegment{}, fmt.Errorf("%w: cancel-ack segment too short", dtn.ErrMalformedBundle)
	}
	return CancelAckSegment{SessionOriginator: originator, SessionNumber: number, FromSender: rest[0]&1 != 0}, nil
}

// PeekSegmentType reads only the leading type byte of an encoded
// segment, for dispatch without a full decode.
func PeekSegmentType(buf []byte) (SegmentType, error) {
	if len(buf) < 1 {
		return 0, fmt.Errorf("%w: empty ltp segment", dtn.ErrMalformedBundle)
	}
	return SegmentType(buf[0]), nil
}
