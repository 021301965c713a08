package bpv7

import (
	"testing"

	dtn "github.com/dtngo/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBundle() Bundle {
	return Bundle{
		Primary: PrimaryBlock{
			ProcFlags:        FlagMustNotFragment,
			Destination:      dtn.EID{Node: 2, Service: 1},
			Source:           dtn.EID{Node: 1, Service: 1},
			ReportTo:         dtn.EID{Node: 1, Service: 0},
			CreationMillis:   800000000000,
			CreationSequence: 3,
			LifetimeMillis:   60000,
		},
		Blocks: []CanonicalBlock{
			{Type: BlockTypeHopCount, Number: 2, ProcFlags: 0, Data: []byte{0x82, 0x10, 0x00}},
			{Type: BlockTypePayload, Number: 1, ProcFlags: 0, Data: []byte("bpv7 payload")},
		},
	}
}

func TestBundleRoundTrip(t *testing.T) {
	b := sampleBundle()
	encoded, err := b.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, b, decoded)

	reencoded, err := decoded.Encode()
	require.NoError(t, err)
	assert.Equal(t, encoded, reencoded)
	assert.Equal(t, []byte("bpv7 payload"), decoded.Payload())
}

func TestDecodePrimaryBlockOnly(t *testing.T) {
	b := sampleBundle()
	encoded, err := b.Encode()
	require.NoError(t, err)

	p, err := DecodePrimaryBlock(encoded)
	require.NoError(t, err)
	assert.Equal(t, b.Primary, p)
	assert.Equal(t, int64(800000000000+60000+DTNEpochUnixMilli), p.ExpirationUnixMilli())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, dtn.ErrMalformedBundle)
}
