// Package bpv7 implements the RFC 9171 bundle wire format: CBOR-encoded
// primary and canonical blocks with ipn endpoint ids. Encoding goes
// through github.com/dtn7/cboring, the same codec the dtn7 node family
// uses, so blocks round-trip bit-exact.
package bpv7

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	dtn "github.com/dtngo/node"
)

// Version is the BP protocol version number in every primary block.
const Version = 7

// DTNEpochUnixMilli is the offset of the DTN time epoch (2000-01-01
// UTC) from the unix epoch, in milliseconds.
const DTNEpochUnixMilli = 946684800000

// Bundle processing control flags (RFC 9171 §4.2.3).
const (
	FlagIsFragment      = 1 << 0
	FlagAdminRecord     = 1 << 1
	FlagMustNotFragment = 1 << 2
	FlagStatusTime      = 1 << 6
)

// Block type codes.
const (
	BlockTypePayload     = 1
	BlockTypePreviousNode = 6
	BlockTypeBundleAge    = 7
	BlockTypeHopCount     = 10
)

const ipnSchemeCode = 2

func writeEID(e dtn.EID, w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(ipnSchemeCode, w); err != nil {
		return err
	}
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(e.Node, w); err != nil {
		return err
	}
	return cboring.WriteUInt(e.Service, w)
}

func readEID(r io.Reader) (dtn.EID, error) {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return dtn.EID{}, err
	} else if n != 2 {
		return dtn.EID{}, fmt.Errorf("eid array has %d elements", n)
	}
	scheme, err := cboring.ReadUInt(r)
	if err != nil {
		return dtn.EID{}, err
	}
	if scheme != ipnSchemeCode {
		return dtn.EID{}, fmt.Errorf("unsupported eid scheme %d", scheme)
	}
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return dtn.EID{}, err
	} else if n != 2 {
		return dtn.EID{}, fmt.Errorf("ipn ssp array has %d elements", n)
	}
	var e dtn.EID
	if e.Node, err = cboring.ReadUInt(r); err != nil {
		return dtn.EID{}, err
	}
	if e.Service, err = cboring.ReadUInt(r); err != nil {
		return dtn.EID{}, err
	}
	return e, nil
}

// PrimaryBlock is the RFC 9171 primary block, without a CRC (this node
// relies on the convergence layers' own integrity checks, the choice
// RFC 9171 allows with crc-type 0).
type PrimaryBlock struct {
	ProcFlags        uint64
	Destination      dtn.EID
	Source           dtn.EID
	ReportTo         dtn.EID
	CreationMillis   uint64 // DTN time, ms since 2000-01-01
	CreationSequence uint64
	LifetimeMillis   uint64
}

// IsAdminRecord reports the administrative-record flag.
func (p *PrimaryBlock) IsAdminRecord() bool { return p.ProcFlags&FlagAdminRecord != 0 }

// ExpirationUnixMilli converts creation time plus lifetime to an
// absolute unix-epoch-milliseconds expiration.
func (p *PrimaryBlock) ExpirationUnixMilli() int64 {
	return int64(p.CreationMillis + p.LifetimeMillis + DTNEpochUnixMilli)
}

// MarshalCbor implements cboring.CborMarshaler.
func (p *PrimaryBlock) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(8, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(Version, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(p.ProcFlags, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(0, w); err != nil { // crc type
		return err
	}
	for _, e := range []dtn.EID{p.Destination, p.Source, p.ReportTo} {
		if err := writeEID(e, w); err != nil {
			return err
		}
	}
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(p.CreationMillis, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(p.CreationSequence, w); err != nil {
		return err
	}
	return cboring.WriteUInt(p.LifetimeMillis, w)
}

// UnmarshalCbor implements cboring.CborMarshaler.
func (p *PrimaryBlock) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if n != 8 {
		return fmt.Errorf("primary block array has %d elements", n)
	}
	version, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	if version != Version {
		return fmt.Errorf("bundle protocol version %d, want %d", version, Version)
	}
	if p.ProcFlags, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	crcType, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	if crcType != 0 {
		return fmt.Errorf("unsupported primary block crc type %d", crcType)
	}
	for _, e := range []*dtn.EID{&p.Destination, &p.Source, &p.ReportTo} {
		if *e, err = readEID(r); err != nil {
			return err
		}
	}
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("creation timestamp array has %d elements", n)
	}
	if p.CreationMillis, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	if p.CreationSequence, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	if p.LifetimeMillis, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	return nil
}

// CanonicalBlock is one non-primary block. Data bytes of unknown block
// types are carried through storage unmodified.
type CanonicalBlock struct {
	Type      uint64
	Number    uint64
	ProcFlags uint64
	Data      []byte
}

// MarshalCbor implements cboring.CborMarshaler.
func (c *CanonicalBlock) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}
	for _, v := range []uint64{c.Type, c.Number, c.ProcFlags, 0} {
		if err := cboring.WriteUInt(v, w); err != nil {
			return err
		}
	}
	return cboring.WriteByteString(c.Data, w)
}

// UnmarshalCbor implements cboring.CborMarshaler.
func (c *CanonicalBlock) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if n != 5 {
		return fmt.Errorf("canonical block array has %d elements", n)
	}
	if c.Type, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	if c.Number, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	if c.ProcFlags, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	crcType, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	if crcType != 0 {
		return fmt.Errorf("unsupported canonical block crc type %d", crcType)
	}
	if c.Data, err = cboring.ReadByteString(r); err != nil {
		return err
	}
	return nil
}

// Bundle is one BPv7 bundle: the primary block plus canonical blocks
// in wire order, the payload (type 1, number 1) last per RFC 9171.
type Bundle struct {
	Primary PrimaryBlock
	Blocks  []CanonicalBlock
}

// Payload returns the payload block's data, or nil if absent.
func (b *Bundle) Payload() []byte {
	for i := range b.Blocks {
		if b.Blocks[i].Type == BlockTypePayload {
			return b.Blocks[i].Data
		}
	}
	return nil
}

// MarshalCbor implements cboring.CborMarshaler.
func (b *Bundle) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(uint64(1+len(b.Blocks)), w); err != nil {
		return err
	}
	if err := cboring.Marshal(&b.Primary, w); err != nil {
		return err
	}
	for i := range b.Blocks {
		if err := cboring.Marshal(&b.Blocks[i], w); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalCbor implements cboring.CborMarshaler.
func (b *Bundle) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if n < 2 {
		return fmt.Errorf("bundle array has %d blocks, want at least 2", n)
	}
	if err := cboring.Unmarshal(&b.Primary, r); err != nil {
		return err
	}
	b.Blocks = make([]CanonicalBlock, n-1)
	for i := range b.Blocks {
		if err := cboring.Unmarshal(&b.Blocks[i], r); err != nil {
			return err
		}
	}
	return nil
}

// Encode serializes the bundle to a fresh byte slice.
func (b *Bundle) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := cboring.Marshal(b, &buf); err != nil {
		return nil, fmt.Errorf("%w: %v", dtn.ErrMalformedBundle, err)
	}
	return buf.Bytes(), nil
}

// Decode parses one complete bundle from data.
func Decode(data []byte) (Bundle, error) {
	var b Bundle
	if err := cboring.Unmarshal(&b, bytes.NewReader(data)); err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", dtn.ErrMalformedBundle, err)
	}
	return b, nil
}

// DecodePrimaryBlock parses only the bundle's primary block, enough
// for the dispatcher to route without touching the rest.
func DecodePrimaryBlock(data []byte) (PrimaryBlock, error) {
	r := bytes.NewReader(data)
	if _, err := cboring.ReadArrayLength(r); err != nil {
		return PrimaryBlock{}, fmt.Errorf("%w: %v", dtn.ErrMalformedBundle, err)
	}
	var p PrimaryBlock
	if err := cboring.Unmarshal(&p, r); err != nil {
		return PrimaryBlock{}, fmt.Errorf("%w: %v", dtn.ErrMalformedBundle, err)
	}
	return p, nil
}
