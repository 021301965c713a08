package bpv6

import (
	"fmt"

	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/internal/sdnv"
)

// CTEBMaxSerializationSize bounds a serialized CTEB canonical block in
// CBHE form: type byte, flags SDNV, one-byte length, a 10-byte custody
// id SDNV, and an ipn EID string of at most ~45 characters.
const CTEBMaxSerializationSize = 67

// CTEB is the Custody Transfer Enhancement Block: the BPv6 canonical
// block (type 0x0a) carrying the custodian-assigned custody id that
// aggregate custody signals acknowledge by number instead of by the
// full (source, timestamp) bundle key.
type CTEB struct {
	CustodyID           uint64
	CreatorCustodianEID string
}

// EncodeBody serializes the block-type-specific body: SDNV custody id
// followed by the creator custodian EID in ASCII.
func (c *CTEB) EncodeBody() []byte {
	body := sdnv.Encode(nil, c.CustodyID)
	return append(body, c.CreatorCustodianEID...)
}

// DecodeCTEBBody parses a CTEB body produced by EncodeBody.
func DecodeCTEBBody(body []byte) (CTEB, error) {
	id, n, err := sdnv.Decode(body)
	if err != nil {
		return CTEB{}, fmt.Errorf("%w: cteb custody id: %v", dtn.ErrMalformedBundle, err)
	}
	return CTEB{
		CustodyID:           id,
		CreatorCustodianEID: string(body[n:]),
	}, nil
}

// ToCanonical wraps the CTEB as a canonical block ready to append to a
// bundle. The block length must fit in one SDNV byte, same bound the
// block has always had.
func (c *CTEB) ToCanonical(flags uint64) (CanonicalBlock, error) {
	body := c.EncodeBody()
	if len(body) > 127 {
		return CanonicalBlock{}, fmt.Errorf("%w: cteb body exceeds 127 bytes", dtn.ErrIllegalArgument)
	}
	return CanonicalBlock{
		Type:  BlockTypeCustodyTransferEnhancement,
		Flags: flags,
		Body:  body,
	}, nil
}

// CTEBFromBundle extracts and parses the bundle's CTEB, if present.
func CTEBFromBundle(b *Bundle) (CTEB, bool) {
	blk := b.FindBlock(BlockTypeCustodyTransferEnhancement)
	if blk == nil {
		return CTEB{}, false
	}
	cteb, err := DecodeCTEBBody(blk.Body)
	if err != nil {
		return CTEB{}, false
	}
	return cteb, true
}
