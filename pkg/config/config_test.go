package config

import (
	"testing"
	"time"

	dtn "github.com/dtngo/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[node]
engine_id = 7
eid = ipn:7.0

[storage]
implementation = stdio_multi_threaded
store_files = /tmp/store-a.dat, /tmp/store-b.dat
segment_size = 4096
capacity_bytes = 1048576
restore_from_disk = true

[ltp]
listen = :1113
one_way_light_time_ms = 2000
one_way_margin_time_ms = 500
checkpoint_every_nth = 10

[custody]
timeout_ms = 3000
use_acs = true

[outduct.ipn:8.0]
type = stcp
endpoint = 10.0.0.8:4556

[induct.main]
type = stcp
endpoint = :4556
`

func TestLoadSample(t *testing.T) {
	cfg, err := LoadBytes([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, uint64(7), cfg.Node.EngineID)
	assert.Equal(t, "ipn:7.0", cfg.Node.EID)
	assert.True(t, cfg.Storage.RestoreFromDisk)
	assert.Equal(t, []string{"/tmp/store-a.dat", "/tmp/store-b.dat"}, cfg.Storage.StoreFiles)
	assert.Equal(t, uint64(1048576), cfg.Storage.TotalCapacityBytes)
	assert.Equal(t, 10, cfg.LTP.CheckpointEveryNth)
	assert.Equal(t, 4500*time.Millisecond, cfg.LTP.RetransmitTimeout())
	assert.Equal(t, 3000, cfg.Custody.TimeoutMs)

	require.Len(t, cfg.Outducts, 1)
	assert.Equal(t, "ipn:8.0", cfg.Outducts[0].Destination)
	assert.Equal(t, "stcp", cfg.Outducts[0].Type)
	require.Len(t, cfg.Inducts, 1)
	assert.Equal(t, ":4556", cfg.Inducts[0].Endpoint)
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := LoadBytes([]byte("[storage]\nstore_files = /tmp/s.dat\ncapacity_bytes = 1024\n"))
	require.NoError(t, err)
	assert.Equal(t, "stdio_multi_threaded", cfg.Storage.Implementation)
	assert.Equal(t, dtn.DefaultSegmentSize, cfg.Storage.SegmentSize)
	assert.Equal(t, 1400, cfg.LTP.DataSegmentMTU)
	assert.Equal(t, 5, cfg.LTP.MaxRetriesPerSerialNumber)
	assert.Equal(t, 5000, cfg.Custody.TimeoutMs)
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]string{
		"missing store files":  "[storage]\ncapacity_bytes = 1\n",
		"zero capacity":        "[storage]\nstore_files = /tmp/s.dat\n",
		"bad implementation":   "[storage]\nstore_files = /tmp/s.dat\ncapacity_bytes = 1\nimplementation = exotic\n",
		"bad outduct dest":     "[storage]\nstore_files = /tmp/s.dat\ncapacity_bytes = 1\n[outduct.nonsense]\ntype = stcp\nendpoint = x:1\n",
		"bad node eid":         "[node]\neid = dtn://nope\n[storage]\nstore_files = /tmp/s.dat\ncapacity_bytes = 1\n",
		"outduct missing type": "[storage]\nstore_files = /tmp/s.dat\ncapacity_bytes = 1\n[outduct.ipn:9.0]\nendpoint = x:1\n",
	}
	for name, doc := range cases {
		_, err := LoadBytes([]byte(doc))
		assert.ErrorIs(t, err, dtn.ErrConfig, name)
	}
}
