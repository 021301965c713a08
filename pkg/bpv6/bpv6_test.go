package bpv6

import (
	"testing"

	dtn "github.com/dtngo/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePrimary() PrimaryBlock {
	p := PrimaryBlock{
		ProcFlags:        FlagSingletonDest | FlagCustodyRequested,
		Destination:      dtn.EID{Node: 2, Service: 1},
		Source:           dtn.EID{Node: 1, Service: 1},
		ReportTo:         dtn.EID{Node: 1, Service: 0},
		Custodian:        dtn.EID{Node: 1, Service: 0},
		CreationSeconds:  800000000,
		CreationSequence: 42,
		LifetimeSeconds:  3600,
	}
	p.SetCatalogPriority(dtn.PriorityNormal)
	return p
}

func TestPrimaryBlockRoundTrip(t *testing.T) {
	p := samplePrimary()
	encoded := p.Encode(nil)

	decoded, n, err := DecodePrimaryBlock(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, p, decoded)
	assert.True(t, decoded.CustodyRequested())
	assert.Equal(t, dtn.PriorityNormal, decoded.CatalogPriority())
}

func TestPrimaryBlockFragmentFields(t *testing.T) {
	p := samplePrimary()
	p.ProcFlags |= FlagIsFragment
	p.FragmentOffset = 1024
	p.TotalADULength = 8192

	decoded, _, err := DecodePrimaryBlock(p.Encode(nil))
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestBundleRoundTripPreservesUnknownBlocks(t *testing.T) {
	b := Bundle{
		Primary: samplePrimary(),
		Blocks: []CanonicalBlock{
			{Type: 0x77, Flags: BlockFlagMustBeReplicated, Body: []byte{0xde, 0xad, 0xbe, 0xef}},
			{Type: BlockTypePayload, Flags: BlockFlagLast, Body: []byte("hello dtn")},
		},
	}
	encoded := b.Encode(nil)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, b, decoded)
	assert.Equal(t, encoded, decoded.Encode(nil))
	assert.Equal(t, []byte("hello dtn"), decoded.Payload())
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	_, _, err := DecodePrimaryBlock([]byte{0x07, 0x00})
	assert.ErrorIs(t, err, dtn.ErrMalformedBundle)
}

func TestCatalogPriorityMapping(t *testing.T) {
	var p PrimaryBlock
	for _, prio := range []dtn.Priority{dtn.PriorityExpedited, dtn.PriorityNormal, dtn.PriorityBulk} {
		p.SetCatalogPriority(prio)
		assert.Equal(t, prio, p.CatalogPriority())
	}
}

func TestExpirationUnixMilli(t *testing.T) {
	p := PrimaryBlock{CreationSeconds: 0, LifetimeSeconds: 60}
	assert.Equal(t, int64(DTNEpochUnixSec+60)*1000, p.ExpirationUnixMilli())
}
