// Package config loads the node's engine tuning file: an ini document
// with [node], [storage], [ltp] and [custody] sections plus one
// [outduct.<dest-eid>] / [induct.<name>] child section per configured
// convergence-layer endpoint. Validation failures are fatal at startup
// and wrap dtn.ErrConfig.
package config

import (
	"fmt"
	"strings"
	"time"

	dtn "github.com/dtngo/node"
	"gopkg.in/ini.v1"
)

// Node identifies this DTN node.
type Node struct {
	EngineID uint64 `ini:"engine_id"`
	EID      string `ini:"eid"`
}

// Storage tunes the segment store. StoreFiles is the disk-config
// vector: one path per stripe, striped round-robin by segment id.
type Storage struct {
	Implementation     string   `ini:"implementation"`
	StoreFiles         []string `ini:"store_files" delim:","`
	SegmentSize        int      `ini:"segment_size"`
	TotalCapacityBytes uint64   `ini:"capacity_bytes"`
	ReservedSegments   int      `ini:"reserved_segments"`
	RestoreFromDisk    bool     `ini:"restore_from_disk"`
	AutoDeleteOnExit   bool     `ini:"auto_delete_on_exit"`
	Workers            int      `ini:"workers"`
}

// LTP tunes the LTP engine.
type LTP struct {
	Listen                    string `ini:"listen"`
	DataSegmentMTU            int    `ini:"data_segment_mtu"`
	ReportSegmentMTU          int    `ini:"report_segment_mtu"`
	OneWayLightTimeMs         int    `ini:"one_way_light_time_ms"`
	OneWayMarginTimeMs        int    `ini:"one_way_margin_time_ms"`
	CheckpointEveryNth        int    `ini:"checkpoint_every_nth"`
	MaxRetriesPerSerialNumber int    `ini:"max_retries_per_serial_number"`
	MaxSendRateBitsPerSec     int64  `ini:"max_send_rate_bits_per_sec"`
	SessionRecreationWindow   int    `ini:"session_recreation_window"`
}

// RetransmitTimeout derives the checkpoint/report retransmit timer
// from the configured one-way light time and margin: owlt*2 + margin.
func (l LTP) RetransmitTimeout() time.Duration {
	return time.Duration(l.OneWayLightTimeMs*2+l.OneWayMarginTimeMs) * time.Millisecond
}

// Custody tunes the custody timer set.
type Custody struct {
	TimeoutMs int  `ini:"timeout_ms"`
	UseACS    bool `ini:"use_acs"`
}

// Duct names one convergence-layer endpoint.
type Duct struct {
	// Destination is the EID this outduct serves; empty for inducts.
	Destination string
	Type        string `ini:"type"`
	Endpoint    string `ini:"endpoint"`
}

// Config is the loaded engine tuning file.
type Config struct {
	Node     Node
	Storage  Storage
	LTP      LTP
	Custody  Custody
	Outducts []Duct
	Inducts  []Duct
}

func defaults() Config {
	return Config{
		Storage: Storage{
			Implementation: "stdio_multi_threaded",
			SegmentSize:    dtn.DefaultSegmentSize,
			Workers:        4,
		},
		LTP: LTP{
			DataSegmentMTU:            1400,
			ReportSegmentMTU:          1400,
			OneWayLightTimeMs:         1000,
			OneWayMarginTimeMs:        200,
			MaxRetriesPerSerialNumber: 5,
			SessionRecreationWindow:   1024,
		},
		Custody: Custody{TimeoutMs: 5000, UseACS: true},
	}
}

// Load reads and validates the tuning file at path.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dtn.ErrConfig, err)
	}
	return parse(f)
}

// LoadBytes parses an in-memory tuning document, for tests.
func LoadBytes(data []byte) (*Config, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dtn.ErrConfig, err)
	}
	return parse(f)
}

func parse(f *ini.File) (*Config, error) {
	cfg := defaults()
	if err := f.Section("node").MapTo(&cfg.Node); err != nil {
		return nil, fmt.Errorf("%w: [node]: %v", dtn.ErrConfig, err)
	}
	if err := f.Section("storage").MapTo(&cfg.Storage); err != nil {
		return nil, fmt.Errorf("%w: [storage]: %v", dtn.ErrConfig, err)
	}
	if err := f.Section("ltp").MapTo(&cfg.LTP); err != nil {
		return nil, fmt.Errorf("%w: [ltp]: %v", dtn.ErrConfig, err)
	}
	if err := f.Section("custody").MapTo(&cfg.Custody); err != nil {
		return nil, fmt.Errorf("%w: [custody]: %v", dtn.ErrConfig, err)
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		switch {
		case strings.HasPrefix(name, "outduct."):
			var d Duct
			if err := sec.MapTo(&d); err != nil {
				return nil, fmt.Errorf("%w: [%s]: %v", dtn.ErrConfig, name, err)
			}
			d.Destination = strings.TrimPrefix(name, "outduct.")
			cfg.Outducts = append(cfg.Outducts, d)
		case strings.HasPrefix(name, "induct."):
			var d Duct
			if err := sec.MapTo(&d); err != nil {
				return nil, fmt.Errorf("%w: [%s]: %v", dtn.ErrConfig, name, err)
			}
			cfg.Inducts = append(cfg.Inducts, d)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Node.EID != "" {
		if _, err := dtn.ParseEID(c.Node.EID); err != nil {
			return fmt.Errorf("%w: node eid: %v", dtn.ErrConfig, err)
		}
	}
	switch c.Storage.Implementation {
	case "stdio_multi_threaded", "asio_single_threaded":
	default:
		return fmt.Errorf("%w: unknown storage implementation %q", dtn.ErrConfig, c.Storage.Implementation)
	}
	if c.Storage.SegmentSize <= 0 {
		return fmt.Errorf("%w: segment_size must be positive", dtn.ErrConfig)
	}
	if len(c.Storage.StoreFiles) == 0 {
		return fmt.Errorf("%w: storage store_files is required", dtn.ErrConfig)
	}
	for _, path := range c.Storage.StoreFiles {
		if path == "" {
			return fmt.Errorf("%w: empty store file path", dtn.ErrConfig)
		}
	}
	if c.Storage.TotalCapacityBytes == 0 {
		return fmt.Errorf("%w: storage capacity_bytes must be positive", dtn.ErrConfig)
	}
	if c.Custody.TimeoutMs <= 0 {
		return fmt.Errorf("%w: custody timeout_ms must be positive", dtn.ErrConfig)
	}
	for _, d := range c.Outducts {
		if _, err := dtn.ParseEID(d.Destination); err != nil {
			return fmt.Errorf("%w: outduct destination %q: %v", dtn.ErrConfig, d.Destination, err)
		}
		if d.Type == "" || d.Endpoint == "" {
			return fmt.Errorf("%w: outduct %q needs type and endpoint", dtn.ErrConfig, d.Destination)
		}
	}
	for _, d := range c.Inducts {
		if d.Type == "" || d.Endpoint == "" {
			return fmt.Errorf("%w: every induct needs type and endpoint", dtn.ErrConfig)
		}
	}
	return nil
}
