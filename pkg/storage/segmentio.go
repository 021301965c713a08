package storage

import (
	"encoding/binary"
	"fmt"

	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/internal/crc"
)

// Each on-disk segment is a fixed-size record:
//
//	[0:4)   uint32 payload length in this segment
//	[4)     flags byte, bit0 = isHead (first segment of a chain)
//	[5:9)   uint32 next segment id, or noSegmentMarker if this is the tail
//	[9: )   payload bytes, zero-padded to segmentSize-footerSize
//	last 2  uint16 CRC16/CCITT-FALSE over everything before it
const (
	headerSize    = 9
	footerSize    = 2
	segmentOnDisk = headerSize + footerSize

	flagHead = 1 << 0

	noSegmentMarker = uint32(0xFFFFFFFF)
)

func usablePayload(segmentSize int) int {
	return segmentSize - segmentOnDisk
}

// encodeSegment writes one on-disk segment record into buf, which must
// have length exactly segmentSize. payload must fit in usablePayload
// bytes.
func encodeSegment(buf []byte, segmentSize int, payload []byte, isHead bool, next dtn.SegmentID) error {
	if len(buf) != segmentSize {
		return fmt.Errorf("%w: segment buffer size mismatch", dtn.ErrIllegalArgument)
	}
	if len(payload) > usablePayload(segmentSize) {
		return fmt.Errorf("%w: payload chunk exceeds segment capacity", dtn.ErrIllegalArgument)
	}
	for i := range buf {
		buf[i] = 0
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	var flags byte
	if isHead {
		flags |= flagHead
	}
	buf[4] = flags
	nextMarker := noSegmentMarker
	if next != dtn.NoSegment {
		nextMarker = uint32(next)
	}
	binary.BigEndian.PutUint32(buf[5:9], nextMarker)
	copy(buf[headerSize:], payload)

	var table crc.CRC16
	table.Block(buf[:segmentSize-footerSize])
	binary.BigEndian.PutUint16(buf[segmentSize-footerSize:], uint16(table))
	return nil
}

type decodedSegment struct {
	payload []byte
	isHead  bool
	next    dtn.SegmentID
}

// decodeSegment validates the CRC footer and unpacks one on-disk
// segment record. It returns an error wrapping dtn.ErrDiskIO if the
// footer does not match, which recovery treats as "not a valid segment".
func decodeSegment(buf []byte, segmentSize int) (decodedSegment, error) {
	if len(buf) != segmentSize {
		return decodedSegment{}, fmt.Errorf("%w: segment buffer size mismatch", dtn.ErrIllegalArgument)
	}
	var table crc.CRC16
	table.Block(buf[:segmentSize-footerSize])
	want := binary.BigEndian.Uint16(buf[segmentSize-footerSize:])
	if uint16(table) != want {
		return decodedSegment{}, fmt.Errorf("%w: segment footer CRC mismatch", dtn.ErrDiskIO)
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if int(length) > usablePayload(segmentSize) {
		return decodedSegment{}, fmt.Errorf("%w: segment length field out of range", dtn.ErrDiskIO)
	}
	flags := buf[4]
	nextMarker := binary.BigEndian.Uint32(buf[5:9])
	next := dtn.SegmentID(nextMarker)
	if nextMarker == noSegmentMarker {
		next = dtn.NoSegment
	}
	payload := make([]byte, length)
	copy(payload, buf[headerSize:headerSize+int(length)])
	return decodedSegment{
		payload: payload,
		isHead:  flags&flagHead != 0,
		next:    next,
	}, nil
}
