// Package dispatcher is the node's integrating loop: it accepts bundle
// byte-runs from ingress, applies the masker, chooses cut-through or
// storage, releases stored traffic when contacts open, and runs the
// custody retransmission bookkeeping that ties the catalog, the timer
// set and the outducts together.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/pkg/bpv6"
	"github.com/dtngo/node/pkg/bpv7"
	"github.com/dtngo/node/pkg/custody"
	"github.com/dtngo/node/pkg/storage"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
)

// Metadata is what the dispatcher needs from a bundle's primary block
// to route it, regardless of protocol version.
type Metadata struct {
	Version      int
	Destination  dtn.EID
	Priority     dtn.Priority
	ExpirationMs int64
	Custodial    bool
	AdminRecord  bool
	// CreationKey identifies the bundle by (source, creation timestamp)
	// for classic custody-signal matching; empty for BPv7.
	CreationKey string
}

func creationKey(source string, seconds, sequence uint64) string {
	return fmt.Sprintf("%s|%d|%d", source, seconds, sequence)
}

// ParseMetadata decodes just enough of a bundle to route it. The
// version is sniffed from the first byte: 0x06 is a BPv6 version byte,
// anything else must parse as BPv7 CBOR. BPv7 dropped the class of
// service, so v7 bundles ride at normal priority.
func ParseMetadata(payload []byte) (Metadata, error) {
	if len(payload) == 0 {
		return Metadata{}, fmt.Errorf("%w: empty bundle", dtn.ErrMalformedBundle)
	}
	if payload[0] == bpv6.Version {
		p, _, err := bpv6.DecodePrimaryBlock(payload)
		if err != nil {
			return Metadata{}, err
		}
		return Metadata{
			Version:      6,
			Destination:  p.Destination,
			Priority:     p.CatalogPriority(),
			ExpirationMs: p.ExpirationUnixMilli(),
			Custodial:    p.CustodyRequested(),
			AdminRecord:  p.IsAdminRecord(),
			CreationKey:  creationKey(p.Source.String(), p.CreationSeconds, p.CreationSequence),
		}, nil
	}
	p, err := bpv7.DecodePrimaryBlock(payload)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		Version:      7,
		Destination:  p.Destination,
		Priority:     dtn.PriorityNormal,
		ExpirationMs: p.ExpirationUnixMilli(),
		AdminRecord:  p.IsAdminRecord(),
	}, nil
}

// Config tunes one Dispatcher.
type Config struct {
	IngressQueueDepth     int
	MaxInflightPerOutduct int
	CustodySweepInterval  time.Duration
	// Clock returns unix epoch milliseconds; overridable in tests.
	Clock func() int64
}

func (c Config) withDefaults() Config {
	if c.IngressQueueDepth <= 0 {
		c.IngressQueueDepth = 2048
	}
	if c.MaxInflightPerOutduct <= 0 {
		c.MaxInflightPerOutduct = 32
	}
	if c.CustodySweepInterval <= 0 {
		c.CustodySweepInterval = 250 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = func() int64 { return time.Now().UnixMilli() }
	}
	return c
}

type ingressItem struct {
	payload []byte
	meta    Metadata
	corr    string
}

// ackToken travels with each forwarded bundle as the outduct's opaque
// user data and comes back through OnAck.
type ackToken struct {
	desc      dtn.BundleDescriptor
	logical   dtn.EID
	custodial bool
}

// retainedBundle is a custodial bundle released but not yet
// acknowledged: its descriptor (segments still allocated for the
// stored path) and, for cut-through traffic that never touched disk,
// the payload needed to store it on retransmission.
type retainedBundle struct {
	desc    dtn.BundleDescriptor
	payload []byte
}

// Dispatcher is the C6 component. One goroutine per role: ingress,
// release, custody sweep.
type Dispatcher struct {
	cfg      Config
	engine   *storage.Engine
	timers   *custody.Timers
	masker   dtn.Masker
	observer dtn.Observer
	logger   *slog.Logger

	ingress chan ingressItem
	kick    chan dtn.EID

	mu            sync.Mutex
	outducts      map[dtn.EID]dtn.Outduct
	inflight      map[dtn.EID]int
	retained      map[uint64]retainedBundle
	creationIndex map[string]uint64

	nextCustodyID atomic.Uint64
}

// New wires a dispatcher. masker may be nil (passthrough).
func New(cfg Config, engine *storage.Engine, timers *custody.Timers, masker dtn.Masker, observer dtn.Observer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = dtn.NopObserver{}
	}
	if masker == nil {
		masker = dtn.PassthroughMasker{}
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:           cfg,
		engine:        engine,
		timers:        timers,
		masker:        masker,
		observer:      observer,
		logger:        logger.With("component", "dispatcher"),
		ingress:       make(chan ingressItem, cfg.IngressQueueDepth),
		kick:          make(chan dtn.EID, cfg.IngressQueueDepth),
		outducts:      make(map[dtn.EID]dtn.Outduct),
		inflight:      make(map[dtn.EID]int),
		retained:      make(map[uint64]retainedBundle),
		creationIndex: make(map[string]uint64),
	}
}

// Accept hands one bundle byte-run to the dispatcher. Malformed
// bundles are counted and dropped (error returned for the caller's
// statistics, nothing propagates); a full ingress queue reports
// backpressure. Custody signals and ACS admin records are consumed
// here rather than queued.
func (d *Dispatcher) Accept(payload []byte) error {
	meta, err := ParseMetadata(payload)
	if err != nil {
		d.logger.Warn("dropped malformed bundle", "error", err)
		return err
	}
	if meta.AdminRecord && meta.Version == 6 {
		return d.handleAdminRecord(payload)
	}
	if meta.ExpirationMs <= d.cfg.Clock() {
		d.logger.Debug("dropped already-expired bundle", "destination", meta.Destination)
		return nil
	}
	item := ingressItem{
		payload: append([]byte(nil), payload...),
		meta:    meta,
		corr:    xid.New().String(),
	}
	select {
	case d.ingress <- item:
		d.observer.BundleAccepted(meta.Destination, meta.Priority, uint64(len(payload)))
		return nil
	default:
		d.observer.Backpressure(meta.Destination)
		return dtn.ErrBackpressure
	}
}

// OpenContact makes out the current outduct for dest and starts
// draining dest's catalog backlog through it.
func (d *Dispatcher) OpenContact(dest dtn.EID, out dtn.Outduct) {
	out.OnAck(d.handleAck)
	d.mu.Lock()
	d.outducts[dest] = out
	d.mu.Unlock()
	d.kickDest(dest)
}

// CloseContact detaches the outduct for dest. Pending traffic stays in
// the catalog; in-flight custody timers keep running and simply find
// no available destination until the next contact.
func (d *Dispatcher) CloseContact(dest dtn.EID) {
	d.mu.Lock()
	delete(d.outducts, dest)
	d.mu.Unlock()
}

// ReleaseCustody acknowledges custody of the given ids: timers are
// cancelled and the bundles' segments freed.
func (d *Dispatcher) ReleaseCustody(custodyIDs ...uint64) {
	for _, id := range custodyIDs {
		if err := d.timers.Cancel(id); err != nil && !errors.Is(err, dtn.ErrNotFound) {
			d.logger.Warn("custody timer cancel failed", "custody_id", id, "error", err)
		}
		d.mu.Lock()
		rb, ok := d.retained[id]
		if ok {
			delete(d.retained, id)
		}
		d.mu.Unlock()
		if ok {
			d.dropCreationKey(id)
			if err := d.engine.Free(&rb.desc); err != nil {
				d.logger.Warn("segment free on custody release failed", "custody_id", id, "error", err)
			}
			continue
		}
		// Not in flight: the bundle may still be queued in the catalog
		// (e.g. a duplicate forwarded by another route was acknowledged
		// first).
		if _, err := d.engine.Cancel(id); err != nil && !errors.Is(err, dtn.ErrNotFound) {
			d.logger.Warn("catalog cancel on custody release failed", "custody_id", id, "error", err)
		}
	}
}

func (d *Dispatcher) dropCreationKey(custodyID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, id := range d.creationIndex {
		if id == custodyID {
			delete(d.creationIndex, key)
			return
		}
	}
}

// handleAdminRecord consumes custody signals and aggregate custody
// signals addressed to this node.
func (d *Dispatcher) handleAdminRecord(payload []byte) error {
	b, err := bpv6.Decode(payload)
	if err != nil {
		return err
	}
	rec, err := bpv6.ParseAdminRecord(b.Payload())
	if err != nil {
		d.logger.Warn("dropped malformed admin record", "error", err)
		return err
	}
	switch {
	case rec.Aggregate != nil:
		if rec.Aggregate.Succeeded {
			d.ReleaseCustody(rec.Aggregate.CustodyIDs()...)
		}
	case rec.CustodySignal != nil:
		if !rec.CustodySignal.Succeeded {
			return nil
		}
		key := creationKey(rec.CustodySignal.SourceEID, rec.CustodySignal.CreationSeconds, rec.CustodySignal.CreationSequence)
		d.mu.Lock()
		id, ok := d.creationIndex[key]
		d.mu.Unlock()
		if ok {
			d.ReleaseCustody(id)
		}
	}
	return nil
}

// Run drives the dispatcher's role goroutines until ctx is cancelled,
// then flushes the ingress queue to storage best-effort.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.ingressLoop(ctx) })
	g.Go(func() error { return d.releaseLoop(ctx) })
	g.Go(func() error { return d.sweepLoop(ctx) })
	err := g.Wait()

	var result *multierror.Error
	if err != nil && !errors.Is(err, context.Canceled) {
		result = multierror.Append(result, err)
	}
	if err := d.flushIngress(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// flushIngress drains whatever is still queued into storage so a
// shutdown loses nothing that was already accepted.
func (d *Dispatcher) flushIngress() error {
	var result *multierror.Error
	for {
		select {
		case item := <-d.ingress:
			if err := d.store(context.Background(), item); err != nil {
				result = multierror.Append(result, err)
			}
		default:
			return result.ErrorOrNil()
		}
	}
}

func (d *Dispatcher) ingressLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-d.ingress:
			d.process(ctx, item)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, item ingressItem) {
	logical := d.masker.Query(item.meta.Destination)
	custodyID := d.nextCustodyID.Add(1)
	desc := dtn.BundleDescriptor{
		CustodyID:          custodyID,
		Destination:        logical,
		Priority:           item.meta.Priority,
		AbsoluteExpiration: item.meta.ExpirationMs,
		TotalLength:        uint64(len(item.payload)),
		Custodial:          item.meta.Custodial,
	}
	if item.meta.Custodial && item.meta.CreationKey != "" {
		d.mu.Lock()
		d.creationIndex[item.meta.CreationKey] = custodyID
		d.mu.Unlock()
	}

	if d.tryCutThrough(ctx, desc, item) {
		return
	}
	if err := d.engine.Accept(ctx, desc, item.payload); err != nil {
		d.logger.Warn("storage accept failed", "corr", item.corr, "error", err)
		return
	}
	d.kickDest(logical)
}

// tryCutThrough forwards directly when the destination has an open,
// ready outduct, skipping the disk entirely.
func (d *Dispatcher) tryCutThrough(ctx context.Context, desc dtn.BundleDescriptor, item ingressItem) bool {
	d.mu.Lock()
	out, ok := d.outducts[desc.Destination]
	if !ok || !out.ReadyToSend() || d.inflight[desc.Destination] >= d.cfg.MaxInflightPerOutduct {
		d.mu.Unlock()
		return false
	}
	d.inflight[desc.Destination]++
	d.mu.Unlock()

	res, err := out.Forward(ctx, item.payload, ackToken{desc: desc, logical: desc.Destination, custodial: desc.Custodial})
	if res != dtn.SendOK {
		d.mu.Lock()
		d.inflight[desc.Destination]--
		d.mu.Unlock()
		if err != nil && !errors.Is(err, dtn.ErrWouldBlock) {
			d.logger.Warn("cut-through forward failed", "corr", item.corr, "error", err)
		}
		return false
	}
	if desc.Custodial {
		now := d.cfg.Clock()
		if err := d.timers.Start(desc.Destination, desc.CustodyID, now); err != nil {
			d.logger.Warn("custody timer start failed", "corr", item.corr, "error", err)
		}
		d.mu.Lock()
		d.retained[desc.CustodyID] = retainedBundle{desc: desc, payload: item.payload}
		d.mu.Unlock()
	}
	return true
}

// store is the flush path: items drained at shutdown go straight to
// disk under a fresh custody id, no cut-through attempted.
func (d *Dispatcher) store(ctx context.Context, item ingressItem) error {
	desc := dtn.BundleDescriptor{
		CustodyID:          d.nextCustodyID.Add(1),
		Destination:        d.masker.Query(item.meta.Destination),
		Priority:           item.meta.Priority,
		AbsoluteExpiration: item.meta.ExpirationMs,
		Custodial:          item.meta.Custodial,
	}
	return d.engine.Accept(ctx, desc, item.payload)
}

func (d *Dispatcher) kickDest(dest dtn.EID) {
	select {
	case d.kick <- dest:
	default:
	}
}

func (d *Dispatcher) releaseLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.CustodySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case dest := <-d.kick:
			d.releaseFor(ctx, dest)
		case <-ticker.C:
			for _, dest := range d.openContacts() {
				d.releaseFor(ctx, dest)
			}
		}
	}
}

func (d *Dispatcher) openContacts() []dtn.EID {
	d.mu.Lock()
	defer d.mu.Unlock()
	dests := make([]dtn.EID, 0, len(d.outducts))
	for dest := range d.outducts {
		dests = append(dests, dest)
	}
	return dests
}

// releaseFor streams dest's catalog backlog to its outduct while the
// pipeline has capacity.
func (d *Dispatcher) releaseFor(ctx context.Context, dest dtn.EID) {
	for {
		d.mu.Lock()
		out, ok := d.outducts[dest]
		if !ok || !out.ReadyToSend() || d.inflight[dest] >= d.cfg.MaxInflightPerOutduct {
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		desc, payload, err := d.engine.ReleaseRetained(ctx, dest, d.cfg.Clock())
		if err != nil {
			if !errors.Is(err, dtn.ErrNotFound) {
				d.logger.Warn("release read failed", "destination", dest, "error", err)
			}
			return
		}

		res, ferr := out.Forward(ctx, payload, ackToken{desc: *desc, logical: dest, custodial: desc.Custodial})
		if res != dtn.SendOK {
			if ferr != nil && !errors.Is(ferr, dtn.ErrWouldBlock) {
				d.logger.Warn("release forward failed", "destination", dest, "error", ferr)
			}
			if err := d.engine.Requeue(*desc); err != nil {
				d.logger.Warn("requeue after forward failure failed", "error", err)
			}
			return
		}
		d.mu.Lock()
		d.inflight[dest]++
		d.mu.Unlock()

		if desc.Custodial {
			if err := d.timers.Start(dest, desc.CustodyID, d.cfg.Clock()); err != nil {
				d.logger.Warn("custody timer start failed", "custody_id", desc.CustodyID, "error", err)
			}
			d.mu.Lock()
			d.retained[desc.CustodyID] = retainedBundle{desc: *desc}
			d.mu.Unlock()
		}
	}
}

// handleAck runs on the outduct's completion path: non-custodial
// bundles free their segments now; custodial ones wait for the custody
// signal.
func (d *Dispatcher) handleAck(user dtn.UserData) {
	token, ok := user.(ackToken)
	if !ok {
		return
	}
	d.mu.Lock()
	if d.inflight[token.logical] > 0 {
		d.inflight[token.logical]--
	}
	d.mu.Unlock()
	if !token.custodial {
		if err := d.engine.Free(&token.desc); err != nil {
			d.logger.Warn("segment free on ack failed", "error", err)
		}
	}
	d.kickDest(token.logical)
}

// sweepLoop re-enqueues custodial bundles whose timers expired while a
// contact toward them is open; destinations with no contact keep their
// expired entries parked.
func (d *Dispatcher) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.CustodySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.sweepExpired(ctx)
		}
	}
}

func (d *Dispatcher) sweepExpired(ctx context.Context) {
	avail := d.openContacts()
	for {
		custodyID, dest, ok := d.timers.PollExpired(d.cfg.Clock(), avail)
		if !ok {
			return
		}
		d.observer.CustodyTimerExpired(dest, custodyID)
		d.mu.Lock()
		rb, found := d.retained[custodyID]
		if found {
			delete(d.retained, custodyID)
		}
		d.mu.Unlock()
		if !found {
			continue
		}
		if len(rb.desc.SegmentChain) > 0 {
			if err := d.engine.Requeue(rb.desc); err != nil {
				d.logger.Warn("requeue of expired custody bundle failed", "custody_id", custodyID, "error", err)
			}
		} else {
			// Cut-through bundle that never touched disk: store it now
			// so the retransmission survives further contact loss.
			meta := rb.desc
			meta.SegmentChain = nil
			if err := d.engine.Accept(ctx, meta, rb.payload); err != nil {
				d.logger.Warn("re-store of expired custody bundle failed", "custody_id", custodyID, "error", err)
			}
		}
		d.kickDest(dest)
	}
}

// PendingCustody reports the number of custodial bundles awaiting
// acknowledgement, for tests and telemetry.
func (d *Dispatcher) PendingCustody() int {
	return d.timers.Len()
}
