// Package observer implements the core's Observer telemetry interface
// on prometheus/client_golang, plus a periodic log snapshot of the
// running totals so a node without a scrape target still leaves a
// usable trace of what it did.
package observer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	dtn "github.com/dtngo/node"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus publishes the core's telemetry as prometheus metrics.
type Prometheus struct {
	logger *slog.Logger

	bundlesAccepted *prometheus.CounterVec
	bundlesStored   *prometheus.CounterVec
	bundlesReleased *prometheus.CounterVec
	backpressure    *prometheus.CounterVec
	custodyExpired  *prometheus.CounterVec
	ltpCompleted    prometheus.Counter
	ltpCancelled    *prometheus.CounterVec

	// running totals mirrored outside the prometheus registry for the
	// periodic snapshot log line
	totalAccepted     atomic.Uint64
	totalReleased     atomic.Uint64
	totalBackpressure atomic.Uint64
	totalExpired      atomic.Uint64
}

var _ dtn.Observer = (*Prometheus)(nil)

// NewPrometheus registers the core's metrics with reg and returns the
// observer.
func NewPrometheus(reg prometheus.Registerer, logger *slog.Logger) *Prometheus {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prometheus{
		logger: logger.With("component", "observer"),
		bundlesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dtn_bundles_accepted_total",
			Help: "Bundles accepted from ingress, by destination and priority.",
		}, []string{"destination", "priority"}),
		bundlesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dtn_bundles_stored_total",
			Help: "Bundles written to the segment store.",
		}, []string{"destination", "priority"}),
		bundlesReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dtn_bundles_released_total",
			Help: "Bundles released to an outduct.",
		}, []string{"destination", "priority"}),
		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dtn_backpressure_events_total",
			Help: "Accepts refused because the storage reserve would be breached.",
		}, []string{"destination"}),
		custodyExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dtn_custody_timer_expired_total",
			Help: "Custody timers that fired before the custodian acknowledged.",
		}, []string{"destination"}),
		ltpCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dtn_ltp_sessions_completed_total",
			Help: "LTP sessions that delivered their red part.",
		}),
		ltpCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dtn_ltp_sessions_cancelled_total",
			Help: "LTP sessions cancelled, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		p.bundlesAccepted, p.bundlesStored, p.bundlesReleased,
		p.backpressure, p.custodyExpired, p.ltpCompleted, p.ltpCancelled,
	)
	return p
}

func priorityLabel(p dtn.Priority) string {
	switch p {
	case dtn.PriorityExpedited:
		return "expedited"
	case dtn.PriorityNormal:
		return "normal"
	default:
		return "bulk"
	}
}

func (p *Prometheus) BundleAccepted(dest dtn.EID, priority dtn.Priority, length uint64) {
	p.bundlesAccepted.WithLabelValues(dest.String(), priorityLabel(priority)).Inc()
	p.totalAccepted.Add(1)
}

func (p *Prometheus) BundleStored(dest dtn.EID, priority dtn.Priority) {
	p.bundlesStored.WithLabelValues(dest.String(), priorityLabel(priority)).Inc()
}

func (p *Prometheus) BundleReleased(dest dtn.EID, priority dtn.Priority) {
	p.bundlesReleased.WithLabelValues(dest.String(), priorityLabel(priority)).Inc()
	p.totalReleased.Add(1)
}

func (p *Prometheus) Backpressure(dest dtn.EID) {
	p.backpressure.WithLabelValues(dest.String()).Inc()
	p.totalBackpressure.Add(1)
}

func (p *Prometheus) CustodyTimerExpired(dest dtn.EID, custodyID uint64) {
	p.custodyExpired.WithLabelValues(dest.String()).Inc()
	p.totalExpired.Add(1)
}

func (p *Prometheus) LTPSessionCompleted(engineID, sessionNumber uint64, red bool) {
	p.ltpCompleted.Inc()
}

func (p *Prometheus) LTPSessionCancelled(engineID, sessionNumber uint64, reason string) {
	p.ltpCancelled.WithLabelValues(reason).Inc()
}

// RunSnapshots logs the running totals every interval until ctx is
// cancelled, then logs one final snapshot.
func (p *Prometheus) RunSnapshots(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.snapshot()
			return
		case <-ticker.C:
			p.snapshot()
		}
	}
}

func (p *Prometheus) snapshot() {
	p.logger.Info("stats",
		"accepted", p.totalAccepted.Load(),
		"released", p.totalReleased.Load(),
		"backpressure", p.totalBackpressure.Load(),
		"custody_expired", p.totalExpired.Load(),
	)
}
