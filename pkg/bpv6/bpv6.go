// Package bpv6 implements the RFC 5050 bundle wire format in its CBHE
// (RFC 6260) form: SDNV-encoded primary and canonical blocks with
// ipn:<node>.<service> endpoint ids carried as numeric pairs, plus the
// custody-transfer blocks layered on top of it (CTEB, custody signals,
// aggregate custody signals).
package bpv6

import (
	"fmt"

	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/internal/sdnv"
)

// Version is the protocol version byte leading every BPv6 bundle.
const Version = 0x06

// DTNEpochUnixSec is the offset of the DTN time epoch (2000-01-01 UTC)
// from the unix epoch, in seconds.
const DTNEpochUnixSec = 946684800

// Primary block processing flags (RFC 5050 §4.2).
const (
	FlagIsFragment       = 1 << 0
	FlagAdminRecord      = 1 << 1
	FlagMustNotFragment  = 1 << 2
	FlagCustodyRequested = 1 << 3
	FlagSingletonDest    = 1 << 4
	FlagAckRequested     = 1 << 5

	cosPriorityShift = 7
	cosPriorityMask  = 0x3 << cosPriorityShift
)

// Canonical block type codes this node understands. Unknown codes pass
// through storage byte-exact.
const (
	BlockTypePayload                    = 0x01
	BlockTypePreviousHopInsertion       = 0x05
	BlockTypeCustodyTransferEnhancement = 0x0a
)

// Canonical block processing flags (RFC 5050 §4.3).
const (
	BlockFlagMustBeReplicated = 1 << 0
	BlockFlagDiscardIfUnproc  = 1 << 4
	BlockFlagLast             = 1 << 3
)

// PrimaryBlock is the RFC 5050 primary block restricted to CBHE form:
// the dictionary is empty and every EID is a (node, service) pair
// carried in the scheme/SSP offset fields.
type PrimaryBlock struct {
	ProcFlags          uint64
	Destination        dtn.EID
	Source             dtn.EID
	ReportTo           dtn.EID
	Custodian          dtn.EID
	CreationSeconds    uint64 // DTN time, seconds since 2000-01-01
	CreationSequence   uint64
	LifetimeSeconds    uint64
	FragmentOffset     uint64 // valid iff FlagIsFragment
	TotalADULength     uint64 // valid iff FlagIsFragment
}

// IsFragment reports the fragment flag.
func (p *PrimaryBlock) IsFragment() bool { return p.ProcFlags&FlagIsFragment != 0 }

// IsAdminRecord reports the administrative-record flag.
func (p *PrimaryBlock) IsAdminRecord() bool { return p.ProcFlags&FlagAdminRecord != 0 }

// CustodyRequested reports the custody-transfer-requested flag.
func (p *PrimaryBlock) CustodyRequested() bool { return p.ProcFlags&FlagCustodyRequested != 0 }

// CatalogPriority maps the class-of-service bits to the catalog's
// priority index, where 0 is released first. On the wire expedited is
// the highest COS value (2), so the two scales run in opposite
// directions.
func (p *PrimaryBlock) CatalogPriority() dtn.Priority {
	cos := (p.ProcFlags & cosPriorityMask) >> cosPriorityShift
	if cos > 2 {
		cos = 2
	}
	return dtn.Priority(2 - cos)
}

// SetCatalogPriority stores the COS bits corresponding to the catalog
// priority index.
func (p *PrimaryBlock) SetCatalogPriority(prio dtn.Priority) {
	cos := uint64(2 - prio)
	p.ProcFlags = (p.ProcFlags &^ uint64(cosPriorityMask)) | (cos << cosPriorityShift)
}

// ExpirationUnixMilli converts creation time plus lifetime to an
// absolute unix-epoch-milliseconds expiration, the catalog's key.
func (p *PrimaryBlock) ExpirationUnixMilli() int64 {
	return int64(p.CreationSeconds+uint64(DTNEpochUnixSec)+p.LifetimeSeconds) * 1000
}

// Encode appends the serialized primary block to dst.
func (p *PrimaryBlock) Encode(dst []byte) []byte {
	var body []byte
	body = sdnv.Encode(body, p.Destination.Node)
	body = sdnv.Encode(body, p.Destination.Service)
	body = sdnv.Encode(body, p.Source.Node)
	body = sdnv.Encode(body, p.Source.Service)
	body = sdnv.Encode(body, p.ReportTo.Node)
	body = sdnv.Encode(body, p.ReportTo.Service)
	body = sdnv.Encode(body, p.Custodian.Node)
	body = sdnv.Encode(body, p.Custodian.Service)
	body = sdnv.Encode(body, p.CreationSeconds)
	body = sdnv.Encode(body, p.CreationSequence)
	body = sdnv.Encode(body, p.LifetimeSeconds)
	body = sdnv.Encode(body, 0) // dictionary length, always empty in CBHE
	if p.IsFragment() {
		body = sdnv.Encode(body, p.FragmentOffset)
		body = sdnv.Encode(body, p.TotalADULength)
	}

	dst = append(dst, Version)
	dst = sdnv.Encode(dst, p.ProcFlags)
	dst = sdnv.Encode(dst, uint64(len(body)))
	return append(dst, body...)
}

// DecodePrimaryBlock parses a primary block from the front of buf,
// returning the number of bytes consumed.
func DecodePrimaryBlock(buf []byte) (PrimaryBlock, int, error) {
	if len(buf) < 1 || buf[0] != Version {
		return PrimaryBlock{}, 0, fmt.Errorf("%w: not a bpv6 bundle", dtn.ErrMalformedBundle)
	}
	off := 1
	var p PrimaryBlock
	var err error
	var n int

	p.ProcFlags, n, err = sdnv.Decode(buf[off:])
	if err != nil {
		return PrimaryBlock{}, 0, fmt.Errorf("%w: primary proc flags: %v", dtn.ErrMalformedBundle, err)
	}
	off += n
	blockLength, n, err := sdnv.Decode(buf[off:])
	if err != nil {
		return PrimaryBlock{}, 0, fmt.Errorf("%w: primary block length: %v", dtn.ErrMalformedBundle, err)
	}
	off += n
	if uint64(len(buf)-off) < blockLength {
		return PrimaryBlock{}, 0, fmt.Errorf("%w: primary block truncated", dtn.ErrMalformedBundle)
	}
	body := buf[off : off+int(blockLength)]
	bodyOff := 0
	next := func() (uint64, error) {
		v, n, err := sdnv.Decode(body[bodyOff:])
		if err != nil {
			return 0, err
		}
		bodyOff += n
		return v, nil
	}

	fields := []*uint64{
		&p.Destination.Node, &p.Destination.Service,
		&p.Source.Node, &p.Source.Service,
		&p.ReportTo.Node, &p.ReportTo.Service,
		&p.Custodian.Node, &p.Custodian.Service,
		&p.CreationSeconds, &p.CreationSequence, &p.LifetimeSeconds,
	}
	for _, f := range fields {
		if *f, err = next(); err != nil {
			return PrimaryBlock{}, 0, fmt.Errorf("%w: primary field: %v", dtn.ErrMalformedBundle, err)
		}
	}
	dictLen, err := next()
	if err != nil {
		return PrimaryBlock{}, 0, fmt.Errorf("%w: dictionary length: %v", dtn.ErrMalformedBundle, err)
	}
	if dictLen != 0 {
		return PrimaryBlock{}, 0, fmt.Errorf("%w: non-CBHE dictionary not supported", dtn.ErrMalformedBundle)
	}
	if p.IsFragment() {
		if p.FragmentOffset, err = next(); err != nil {
			return PrimaryBlock{}, 0, fmt.Errorf("%w: fragment offset: %v", dtn.ErrMalformedBundle, err)
		}
		if p.TotalADULength, err = next(); err != nil {
			return PrimaryBlock{}, 0, fmt.Errorf("%w: total ADU length: %v", dtn.ErrMalformedBundle, err)
		}
	}
	return p, off + int(blockLength), nil
}

// CanonicalBlock is one non-primary block. Body bytes of types this
// node does not understand are carried through storage unmodified.
type CanonicalBlock struct {
	Type  byte
	Flags uint64
	Body  []byte
}

// IsLast reports the last-block processing flag.
func (c *CanonicalBlock) IsLast() bool { return c.Flags&BlockFlagLast != 0 }

// Encode appends the serialized canonical block to dst.
func (c *CanonicalBlock) Encode(dst []byte) []byte {
	dst = append(dst, c.Type)
	dst = sdnv.Encode(dst, c.Flags)
	dst = sdnv.Encode(dst, uint64(len(c.Body)))
	return append(dst, c.Body...)
}

// DecodeCanonicalBlock parses a canonical block from the front of buf,
// returning the number of bytes consumed.
func DecodeCanonicalBlock(buf []byte) (CanonicalBlock, int, error) {
	if len(buf) < 1 {
		return CanonicalBlock{}, 0, fmt.Errorf("%w: empty canonical block", dtn.ErrMalformedBundle)
	}
	c := CanonicalBlock{Type: buf[0]}
	off := 1
	var n int
	var err error
	c.Flags, n, err = sdnv.Decode(buf[off:])
	if err != nil {
		return CanonicalBlock{}, 0, fmt.Errorf("%w: canonical block flags: %v", dtn.ErrMalformedBundle, err)
	}
	off += n
	length, n, err := sdnv.Decode(buf[off:])
	if err != nil {
		return CanonicalBlock{}, 0, fmt.Errorf("%w: canonical block length: %v", dtn.ErrMalformedBundle, err)
	}
	off += n
	if uint64(len(buf)-off) < length {
		return CanonicalBlock{}, 0, fmt.Errorf("%w: canonical block truncated", dtn.ErrMalformedBundle)
	}
	c.Body = append([]byte(nil), buf[off:off+int(length)]...)
	return c, off + int(length), nil
}

// Bundle is one BPv6 bundle: the primary block plus its canonical
// blocks in wire order (the payload is the canonical block with
// BlockTypePayload).
type Bundle struct {
	Primary PrimaryBlock
	Blocks  []CanonicalBlock
}

// Payload returns the payload block's body, or nil if the bundle has
// no payload block.
func (b *Bundle) Payload() []byte {
	for i := range b.Blocks {
		if b.Blocks[i].Type == BlockTypePayload {
			return b.Blocks[i].Body
		}
	}
	return nil
}

// FindBlock returns the first canonical block of the given type.
func (b *Bundle) FindBlock(blockType byte) *CanonicalBlock {
	for i := range b.Blocks {
		if b.Blocks[i].Type == blockType {
			return &b.Blocks[i]
		}
	}
	return nil
}

// Encode appends the serialized bundle to dst. Block flags are emitted
// as stored, so a decoded bundle re-encodes byte-exact.
func (b *Bundle) Encode(dst []byte) []byte {
	dst = b.Primary.Encode(dst)
	for i := range b.Blocks {
		dst = b.Blocks[i].Encode(dst)
	}
	return dst
}

// Decode parses one complete bundle. Canonical blocks are read until
// one carries the last-block flag or buf is exhausted.
func Decode(buf []byte) (Bundle, error) {
	var b Bundle
	p, n, err := DecodePrimaryBlock(buf)
	if err != nil {
		return Bundle{}, err
	}
	b.Primary = p
	buf = buf[n:]
	for len(buf) > 0 {
		c, n, err := DecodeCanonicalBlock(buf)
		if err != nil {
			return Bundle{}, err
		}
		b.Blocks = append(b.Blocks, c)
		buf = buf[n:]
		if c.IsLast() {
			break
		}
	}
	return b, nil
}
