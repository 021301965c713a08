package tcpclv4

import (
	"encoding/binary"
	"fmt"
	"io"

	dtn "github.com/dtngo/node"
)

// RFC 9174 message type codes.
const (
	msgXferSegment = 0x01
	msgXferAck     = 0x02
	msgXferRefuse  = 0x03
	msgKeepalive   = 0x04
	msgSessTerm    = 0x05
	msgMsgReject   = 0x06
	msgSessInit    = 0x07
)

// XFER_SEGMENT flags.
const (
	segFlagEnd   = 0x01
	segFlagStart = 0x02
)

// Contact header: magic, protocol version, flags.
var contactMagic = [4]byte{'d', 't', 'n', '!'}

const (
	contactVersion = 4
	contactFlagTLS = 0x01
)

type contactHeader struct {
	UseTLS bool
}

func (h contactHeader) write(w io.Writer) error {
	buf := make([]byte, 0, 6)
	buf = append(buf, contactMagic[:]...)
	buf = append(buf, contactVersion)
	var flags byte
	if h.UseTLS {
		flags |= contactFlagTLS
	}
	buf = append(buf, flags)
	_, err := w.Write(buf)
	return err
}

func readContactHeader(r io.Reader) (contactHeader, error) {
	var buf [6]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return contactHeader{}, err
	}
	if [4]byte(buf[0:4]) != contactMagic {
		return contactHeader{}, fmt.Errorf("%w: bad tcpclv4 contact magic", dtn.ErrMalformedBundle)
	}
	if buf[4] != contactVersion {
		return contactHeader{}, fmt.Errorf("%w: tcpclv4 version %d", dtn.ErrMalformedBundle, buf[4])
	}
	return contactHeader{UseTLS: buf[5]&contactFlagTLS != 0}, nil
}

type sessInit struct {
	KeepaliveSec uint16
	SegmentMRU   uint64
	TransferMRU  uint64
	NodeID       string
}

func (s sessInit) write(w io.Writer) error {
	buf := []byte{msgSessInit}
	buf = binary.BigEndian.AppendUint16(buf, s.KeepaliveSec)
	buf = binary.BigEndian.AppendUint64(buf, s.SegmentMRU)
	buf = binary.BigEndian.AppendUint64(buf, s.TransferMRU)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s.NodeID)))
	buf = append(buf, s.NodeID...)
	buf = binary.BigEndian.AppendUint32(buf, 0) // no session extensions
	_, err := w.Write(buf)
	return err
}

// readSessInit assumes the type byte has already been consumed.
func readSessInit(r io.Reader) (sessInit, error) {
	var fixed [20]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return sessInit{}, err
	}
	s := sessInit{
		KeepaliveSec: binary.BigEndian.Uint16(fixed[0:2]),
		SegmentMRU:   binary.BigEndian.Uint64(fixed[2:10]),
		TransferMRU:  binary.BigEndian.Uint64(fixed[10:18]),
	}
	nodeIDLen := binary.BigEndian.Uint16(fixed[18:20])
	nodeID := make([]byte, nodeIDLen)
	if _, err := io.ReadFull(r, nodeID); err != nil {
		return sessInit{}, err
	}
	s.NodeID = string(nodeID)
	var extLenBuf [4]byte
	if _, err := io.ReadFull(r, extLenBuf[:]); err != nil {
		return sessInit{}, err
	}
	extLen := binary.BigEndian.Uint32(extLenBuf[:])
	if extLen > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extLen)); err != nil {
			return sessInit{}, err
		}
	}
	return s, nil
}

type xferSegment struct {
	Start      bool
	End        bool
	TransferID uint64
	Data       []byte
}

func (x xferSegment) write(w io.Writer) error {
	buf := []byte{msgXferSegment}
	var flags byte
	if x.End {
		flags |= segFlagEnd
	}
	if x.Start {
		flags |= segFlagStart
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint64(buf, x.TransferID)
	if x.Start {
		buf = binary.BigEndian.AppendUint32(buf, 0) // no transfer extensions
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(x.Data)))
	buf = append(buf, x.Data...)
	_, err := w.Write(buf)
	return err
}

// readXferSegment assumes the type byte has already been consumed.
func readXferSegment(r io.Reader, maxLen uint64) (xferSegment, error) {
	var head [9]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return xferSegment{}, err
	}
	x := xferSegment{
		Start:      head[0]&segFlagStart != 0,
		End:        head[0]&segFlagEnd != 0,
		TransferID: binary.BigEndian.Uint64(head[1:9]),
	}
	if x.Start {
		var extLenBuf [4]byte
		if _, err := io.ReadFull(r, extLenBuf[:]); err != nil {
			return xferSegment{}, err
		}
		if extLen := binary.BigEndian.Uint32(extLenBuf[:]); extLen > 0 {
			if _, err := io.CopyN(io.Discard, r, int64(extLen)); err != nil {
				return xferSegment{}, err
			}
		}
	}
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return xferSegment{}, err
	}
	length := binary.BigEndian.Uint64(lenBuf[:])
	if length > maxLen {
		return xferSegment{}, fmt.Errorf("%w: xfer segment of %d bytes exceeds mru", dtn.ErrMalformedBundle, length)
	}
	x.Data = make([]byte, length)
	if _, err := io.ReadFull(r, x.Data); err != nil {
		return xferSegment{}, err
	}
	return x, nil
}

type xferAck struct {
	Flags       byte
	TransferID  uint64
	AckedLength uint64
}

func (x xferAck) write(w io.Writer) error {
	buf := []byte{msgXferAck, x.Flags}
	buf = binary.BigEndian.AppendUint64(buf, x.TransferID)
	buf = binary.BigEndian.AppendUint64(buf, x.AckedLength)
	_, err := w.Write(buf)
	return err
}

// readXferAck assumes the type byte has already been consumed.
func readXferAck(r io.Reader) (xferAck, error) {
	var buf [17]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return xferAck{}, err
	}
	return xferAck{
		Flags:       buf[0],
		TransferID:  binary.BigEndian.Uint64(buf[1:9]),
		AckedLength: binary.BigEndian.Uint64(buf[9:17]),
	}, nil
}

func writeSessTerm(w io.Writer, reason byte) error {
	_, err := w.Write([]byte{msgSessTerm, 0, reason})
	return err
}

// readSessTerm assumes the type byte has already been consumed.
func readSessTerm(r io.Reader) error {
	var buf [2]byte
	_, err := io.ReadFull(r, buf[:])
	return err
}

func writeKeepalive(w io.Writer) error {
	_, err := w.Write([]byte{msgKeepalive})
	return err
}
