package bpv6

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCTEBRoundTripBoundaryIDs(t *testing.T) {
	for _, id := range []uint64{0, 1, 127, 128, math.MaxUint32, math.MaxUint64} {
		cteb := CTEB{CustodyID: id, CreatorCustodianEID: "ipn:1.0"}
		decoded, err := DecodeCTEBBody(cteb.EncodeBody())
		require.NoError(t, err)
		assert.Equal(t, cteb, decoded)
	}
}

func TestCTEBAsCanonicalBlock(t *testing.T) {
	cteb := CTEB{CustodyID: 99, CreatorCustodianEID: "ipn:7.0"}
	blk, err := cteb.ToCanonical(BlockFlagMustBeReplicated)
	require.NoError(t, err)
	assert.Equal(t, byte(BlockTypeCustodyTransferEnhancement), blk.Type)
	assert.LessOrEqual(t, len(blk.Encode(nil)), CTEBMaxSerializationSize)

	b := Bundle{
		Primary: samplePrimary(),
		Blocks:  []CanonicalBlock{blk, {Type: BlockTypePayload, Flags: BlockFlagLast, Body: []byte("x")}},
	}
	decoded, err := Decode(b.Encode(nil))
	require.NoError(t, err)
	got, ok := CTEBFromBundle(&decoded)
	require.True(t, ok)
	assert.Equal(t, cteb, got)
}

func TestCustodySignalRoundTrip(t *testing.T) {
	cs := CustodySignal{
		Succeeded:        true,
		Reason:           CustodyReasonNone,
		SignalSeconds:    800000123,
		SignalNanos:      456,
		CreationSeconds:  800000000,
		CreationSequence: 9,
		SourceEID:        "ipn:1.1",
	}
	rec, err := ParseAdminRecord(cs.Encode(nil))
	require.NoError(t, err)
	require.NotNil(t, rec.CustodySignal)
	assert.Equal(t, cs, *rec.CustodySignal)
}

func TestACSFillCoalescing(t *testing.T) {
	var acs AggregateCustodySignal
	for _, id := range []uint64{5, 7, 6, 1, 2, 10} {
		acs.AddCustodyID(id)
	}
	assert.Equal(t, []CustodyIDRange{{1, 2}, {5, 3}, {10, 1}}, acs.Fills)
	assert.Equal(t, []uint64{1, 2, 5, 6, 7, 10}, acs.CustodyIDs())

	// Duplicate inserts are idempotent.
	acs.AddCustodyID(6)
	assert.Equal(t, []CustodyIDRange{{1, 2}, {5, 3}, {10, 1}}, acs.Fills)

	// Bridging id merges neighbours.
	acs.AddCustodyID(8)
	acs.AddCustodyID(9)
	assert.Equal(t, []CustodyIDRange{{1, 2}, {5, 6}}, acs.Fills)
}

func TestACSRoundTrip(t *testing.T) {
	acs := AggregateCustodySignal{Succeeded: true}
	for _, id := range []uint64{1, 2, 3, 100, 101, 4000} {
		acs.AddCustodyID(id)
	}
	rec, err := ParseAdminRecord(acs.Encode(nil))
	require.NoError(t, err)
	require.NotNil(t, rec.Aggregate)
	assert.Equal(t, acs, *rec.Aggregate)
}
