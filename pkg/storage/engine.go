package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/internal/bitmap"
	"golang.org/x/sync/errgroup"
)

// Config tunes one Engine instance.
type Config struct {
	SegmentSize int
	// ReservedSegments is the free-segment floor: accepting a bundle
	// that would push free count below this fails with
	// dtn.ErrBackpressure rather than displacing existing bundles.
	ReservedSegments int
	// Workers bounds the concurrency of the multi-threaded
	// blocking-syscall segment I/O path.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.SegmentSize <= 0 {
		c.SegmentSize = dtn.DefaultSegmentSize
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Engine is the C3 storage engine: it splits accepted byte-runs into
// segments over the C1 allocator, writes them through a worker pool of
// blocking-syscall I/O goroutines (the multi-threaded contract-compatible
// variant described alongside the single-reactor one), and keeps the C2
// catalog in sync. Atomic-on-failure writes and capacity admission are
// enforced on every Accept call.
type Engine struct {
	alloc    *bitmap.Allocator
	catalog  *Catalog
	file     *SegmentStore
	cfg      Config
	logger   *slog.Logger
	observer dtn.Observer
	bufs     *dtn.BufPool
}

// NewEngine wires an allocator, catalog, and backing store into one
// engine.
func NewEngine(alloc *bitmap.Allocator, catalog *Catalog, file *SegmentStore, cfg Config, observer dtn.Observer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = dtn.NopObserver{}
	}
	cfg = cfg.withDefaults()
	return &Engine{
		alloc:    alloc,
		catalog:  catalog,
		file:     file,
		cfg:      cfg,
		logger:   logger.With("component", "storage-engine"),
		observer: observer,
		bufs:     dtn.NewBufPool(cfg.SegmentSize),
	}
}

func ceilDiv(a, b int) int {
	if a == 0 {
		return 1
	}
	return (a + b - 1) / b
}

// Accept splits payload into segments, writes them all, and publishes a
// descriptor to the catalog. meta carries every catalog field except
// SegmentChain/TotalLength, which Accept fills in. If any segment write
// fails, every segment already allocated for this bundle is freed and no
// descriptor is published.
func (e *Engine) Accept(ctx context.Context, meta dtn.BundleDescriptor, payload []byte) error {
	usable := usablePayload(e.cfg.SegmentSize)
	numSegments := ceilDiv(len(payload), usable)

	if e.alloc.NumFree()-numSegments < e.cfg.ReservedSegments {
		e.observer.Backpressure(meta.Destination)
		return dtn.ErrBackpressure
	}

	ids, err := e.alloc.AllocateN(numSegments)
	if err != nil {
		return err
	}

	if err := e.writeChain(ctx, ids, payload, usable); err != nil {
		if freeErr := e.alloc.FreeN(ids); freeErr != nil {
			e.logger.Warn("rollback free failed after write failure", "error", freeErr)
		}
		return err
	}

	desc := meta
	desc.SegmentChain = ids
	desc.TotalLength = uint64(len(payload))
	if err := e.catalog.Enqueue(desc); err != nil {
		if freeErr := e.alloc.FreeN(ids); freeErr != nil {
			e.logger.Warn("rollback free failed after catalog rejection", "error", freeErr)
		}
		return err
	}
	e.observer.BundleStored(meta.Destination, meta.Priority)
	return nil
}

func (e *Engine) writeChain(ctx context.Context, ids []dtn.SegmentID, payload []byte, usable int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for i, id := range ids {
		i, id := i, id
		start := i * usable
		end := start + usable
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]
		next := dtn.NoSegment
		if i+1 < len(ids) {
			next = ids[i+1]
		}
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			buf := e.bufs.Get()[:e.cfg.SegmentSize]
			defer e.bufs.Put(buf)
			if err := encodeSegment(buf, e.cfg.SegmentSize, chunk, i == 0, next); err != nil {
				return err
			}
			return e.writeSegmentWithRetry(ctx, id, buf)
		})
	}
	return g.Wait()
}

func (e *Engine) writeSegmentWithRetry(ctx context.Context, id dtn.SegmentID, buf []byte) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		if err := e.file.WriteSegment(id, buf); err != nil {
			if errors.Is(err, ErrStripeDegraded) {
				// The stripe is out of write service; retrying cannot
				// help and the accept must roll back now.
				return backoff.Permanent(err)
			}
			return fmt.Errorf("%w: %v", dtn.ErrDiskIO, err)
		}
		return nil
	}, policy)
}

// Release selects the next bundle due to this destination and reads its
// payload back from disk, freeing its segments as it goes. Any expired
// descriptors encountered during selection are dropped and their
// segments freed as well. Returns dtn.ErrNotFound if dest has nothing
// pending.
func (e *Engine) Release(ctx context.Context, dest dtn.EID, nowMs int64) (*dtn.BundleDescriptor, []byte, error) {
	desc, expired := e.catalog.SelectNext(dest, nowMs)
	for _, d := range expired {
		if err := e.alloc.FreeN(d.SegmentChain); err != nil {
			e.logger.Warn("free of expired bundle's segments failed", "error", err)
		}
	}
	if desc == nil {
		return nil, nil, dtn.ErrNotFound
	}

	payload, err := e.readChain(ctx, desc.SegmentChain, desc.TotalLength)
	if err != nil {
		return nil, nil, err
	}
	if err := e.alloc.FreeN(desc.SegmentChain); err != nil {
		e.logger.Warn("free after release failed", "error", err)
	}
	e.observer.BundleReleased(dest, desc.Priority)
	return desc, payload, nil
}

// ReleaseRetained is Release for custodial traffic: the selected
// bundle's segments stay allocated and its descriptor stays live (held
// by the caller, not the catalog) until custody is released via Free or
// the bundle is handed back via Requeue. Expired descriptors skipped
// during selection are still freed immediately.
func (e *Engine) ReleaseRetained(ctx context.Context, dest dtn.EID, nowMs int64) (*dtn.BundleDescriptor, []byte, error) {
	desc, expired := e.catalog.SelectNext(dest, nowMs)
	for _, d := range expired {
		if err := e.alloc.FreeN(d.SegmentChain); err != nil {
			e.logger.Warn("free of expired bundle's segments failed", "error", err)
		}
	}
	if desc == nil {
		return nil, nil, dtn.ErrNotFound
	}
	payload, err := e.readChain(ctx, desc.SegmentChain, desc.TotalLength)
	if err != nil {
		return nil, nil, err
	}
	e.observer.BundleReleased(dest, desc.Priority)
	return desc, payload, nil
}

// Free releases the segments of a descriptor previously handed out by
// ReleaseRetained, once custody (or the outduct's own ack, for
// non-custodial traffic) confirms the bytes are no longer ours.
func (e *Engine) Free(desc *dtn.BundleDescriptor) error {
	if len(desc.SegmentChain) == 0 {
		return nil
	}
	return e.alloc.FreeN(desc.SegmentChain)
}

// Requeue puts a retained descriptor back into the catalog at the head
// of its bucket; its segments are still allocated, so the bundle goes
// out again on the next contact without a rewrite.
func (e *Engine) Requeue(desc dtn.BundleDescriptor) error {
	return e.catalog.Requeue(desc)
}

// Cancel removes a tracked bundle by custody id and frees its segments.
func (e *Engine) Cancel(custodyID uint64) (*dtn.BundleDescriptor, error) {
	desc, err := e.catalog.Cancel(custodyID)
	if err != nil {
		return nil, err
	}
	if err := e.alloc.FreeN(desc.SegmentChain); err != nil {
		e.logger.Warn("free on cancel failed", "error", err)
	}
	return desc, nil
}

func (e *Engine) readChain(ctx context.Context, ids []dtn.SegmentID, totalLength uint64) ([]byte, error) {
	chunks := make([][]byte, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			buf := e.bufs.Get()[:e.cfg.SegmentSize]
			defer e.bufs.Put(buf)
			if err := e.file.ReadSegment(id, buf); err != nil {
				return fmt.Errorf("%w: %v", dtn.ErrDiskIO, err)
			}
			seg, err := decodeSegment(buf, e.cfg.SegmentSize)
			if err != nil {
				return err
			}
			chunks[i] = seg.payload
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, totalLength)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}

// now is a small seam so callers without their own clock source can ask
// the engine for a timestamp consistent with descriptor expirations.
func now() int64 { return time.Now().UnixMilli() }
