package ltp

import (
	"context"
	"log/slog"
	"time"

	dtn "github.com/dtngo/node"
)

// ReceiverSessionState enumerates the lifecycle of an inbound LTP
// session.
type ReceiverSessionState int

const (
	ReceiverReceiving ReceiverSessionState = iota
	ReceiverDone
	ReceiverCancelled
)

// DeliverFunc hands a fully reassembled block (red part, then green
// part appended as it arrives) to the client service above LTP.
type DeliverFunc func(sessionNumber uint64, clientServiceID uint64, data []byte)

// ReceiverSessionConfig bundles the parameters a receiver session is
// constructed with.
type ReceiverSessionConfig struct {
	EngineID          uint64
	SessionOriginator uint64
	SessionNumber     uint64
	ReportTimeout     time.Duration
	MaxReportRetries  int
	Send              SendSegmentFunc
	Deliver           DeliverFunc
	Observer          dtn.Observer
	Logger            *slog.Logger
}

// ReceiverSession reassembles the red and green parts of one inbound
// LTP session, emitting reports over the red part's reception claims,
// and delivers the data to its client service as soon as the whole
// block has arrived, whether or not its last report has been
// acknowledged.
type ReceiverSession struct {
	cfg ReceiverSessionConfig

	segments    chan DataSegment
	reportAcks  chan uint64
	cancel      chan CancelReason
	state       ReceiverSessionState
	logger      *slog.Logger
	reportSerial uint64
}

// NewReceiverSession constructs a receiver session ready to Run.
func NewReceiverSession(cfg ReceiverSessionConfig) *ReceiverSession {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 5 * time.Second
	}
	if cfg.MaxReportRetries <= 0 {
		cfg.MaxReportRetries = 5
	}
	if cfg.Observer == nil {
		cfg.Observer = dtn.NopObserver{}
	}
	return &ReceiverSession{
		cfg:        cfg,
		segments:   make(chan DataSegment, 64),
		reportAcks: make(chan uint64, 8),
		cancel:     make(chan CancelReason, 1),
		logger:     logger.With("session", cfg.SessionNumber, "role", "ltp-receiver"),
	}
}

// DeliverDataSegment feeds a received data segment to the session.
func (r *ReceiverSession) DeliverDataSegment(ds DataSegment) {
	select {
	case r.segments <- ds:
	default:
		r.logger.Warn("dropped data segment, receiver queue full")
	}
}

// DeliverReportAck notifies the session that its report with the given
// serial was acknowledged.
func (r *ReceiverSession) DeliverReportAck(reportSerial uint64) {
	select {
	case r.reportAcks <- reportSerial:
	default:
	}
}

// RequestCancel asks the session to abort with the given reason.
func (r *ReceiverSession) RequestCancel(reason CancelReason) {
	select {
	case r.cancel <- reason:
	default:
	}
}

// Run drives the session until the red part is fully received and
// acknowledged and the green part (if any) delivered, or the session
// is cancelled, or ctx is done.
func (r *ReceiverSession) Run(ctx context.Context) ReceiverSessionState {
	var red FragmentSet
	var redBuf []byte
	var greenBuf []byte
	redLength := uint64(0)
	redLengthKnown := false
	clientServiceID := uint64(0)
	pendingReportAck := false
	sawEndOfBlock := false
	delivered := false
	var lastReportSerial uint64
	reportRetries := 0

	// tryComplete delivers as soon as the fragment set equals
	// [0, redPartLength) and the end of the block has been seen; the
	// outstanding report-ack exchange continues independently, so a
	// lost ack can never hold hostage (or discard) a fully reassembled
	// block. The session itself winds down once the last report is
	// acknowledged.
	tryComplete := func() {
		if delivered || !sawEndOfBlock || !redLengthKnown {
			return
		}
		if redLength > 0 && !red.Covers(0, redLength-1) {
			return
		}
		delivered = true
		r.deliver(clientServiceID, redBuf, greenBuf)
		if !pendingReportAck {
			r.state = ReceiverDone
		}
	}

	r.state = ReceiverReceiving
	for r.state == ReceiverReceiving {
		var timeout <-chan time.Time
		if pendingReportAck {
			timeout = time.After(r.cfg.ReportTimeout)
		}

		select {
		case <-ctx.Done():
			return r.state
		case reason := <-r.cancel:
			r.finishCancelled(ctx, reason)
			return r.state
		case serial := <-r.reportAcks:
			if serial == lastReportSerial {
				pendingReportAck = false
				if delivered {
					r.state = ReceiverDone
				} else {
					tryComplete()
				}
			}
		case <-timeout:
			reportRetries++
			if reportRetries > r.cfg.MaxReportRetries {
				if delivered {
					// The block already reached the client; an unacked
					// report is the sender's loss, not ours.
					r.state = ReceiverDone
					return r.state
				}
				r.finishCancelled(ctx, CancelReasonRetransmitLimitExceeded)
				return r.state
			}
			r.sendReport(ctx, &lastReportSerial, red, redLength)
		case ds := <-r.segments:
			clientServiceID = ds.ClientServiceID
			if ds.IsEndOfBlock {
				sawEndOfBlock = true
			}
			if ds.IsRed {
				end := ds.Offset + uint64(len(ds.ClientData))
				redBuf = growTo(redBuf, end)
				copy(redBuf[ds.Offset:end], ds.ClientData)
				if len(ds.ClientData) > 0 {
					red.Insert(ds.Offset, end-1)
				}
				if ds.IsEndOfRedPart {
					redLength = end
					redLengthKnown = true
				}
				if ds.IsCheckpoint {
					reportRetries = 0
					r.sendReport(ctx, &lastReportSerial, red, redLength)
					pendingReportAck = true
				}
			} else {
				end := ds.Offset + uint64(len(ds.ClientData))
				greenBuf = growTo(greenBuf, end)
				copy(greenBuf[ds.Offset:end], ds.ClientData)
			}
			tryComplete()
		}
	}
	return r.state
}

func (r *ReceiverSession) sendReport(ctx context.Context, lastSerial *uint64, red FragmentSet, upperKnown uint64) {
	upper := upperKnown
	if upper == 0 {
		upper = redUpperBoundEstimate(red)
	}
	r.reportSerial++
	*lastSerial = r.reportSerial
	rs := ReportSegment{
		SessionOriginator: r.cfg.SessionOriginator,
		SessionNumber:     r.cfg.SessionNumber,
		ReportSerial:      r.reportSerial,
		LowerBound:        0,
		UpperBound:        upper,
		Claims:            red.Claims(0, upper),
	}
	if err := r.cfg.Send(ctx, EncodeReportSegment(nil, rs)); err != nil {
		r.logger.Warn("report send failed", "error", err)
	}
}

func (r *ReceiverSession) deliver(clientServiceID uint64, redBuf, greenBuf []byte) {
	combined := append(append([]byte(nil), redBuf...), greenBuf...)
	r.cfg.Deliver(r.cfg.SessionNumber, clientServiceID, combined)
	r.cfg.Observer.LTPSessionCompleted(r.cfg.EngineID, r.cfg.SessionNumber, true)
}

func (r *ReceiverSession) finishCancelled(ctx context.Context, reason CancelReason) {
	r.state = ReceiverCancelled
	r.cfg.Send(ctx, EncodeCancelSegment(nil, CancelSegment{
		SessionOriginator: r.cfg.SessionOriginator,
		SessionNumber:     r.cfg.SessionNumber,
		FromSender:        false,
		Reason:            reason,
	}))
	r.cfg.Observer.LTPSessionCancelled(r.cfg.EngineID, r.cfg.SessionNumber, "cancelled")
}

func growTo(buf []byte, size uint64) []byte {
	if uint64(len(buf)) >= size {
		return buf
	}
	grown := make([]byte, size)
	copy(grown, buf)
	return grown
}

// redUpperBoundEstimate reports the highest byte offset observed so
// far, for reports sent before the end-of-red-part flag has arrived.
func redUpperBoundEstimate(fs FragmentSet) uint64 {
	intervals := fs.Intervals()
	if len(intervals) == 0 {
		return 0
	}
	return intervals[len(intervals)-1].End + 1
}
