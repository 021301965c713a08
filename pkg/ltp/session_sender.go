package ltp

import (
	"context"
	"log/slog"
	"time"

	dtn "github.com/dtngo/node"
)

// SenderSessionState enumerates the lifecycle of an outbound LTP
// session, mirroring the reactor states pkg/sdo/server.go drives its
// transfer state machine through.
type SenderSessionState int

const (
	SenderTransmitting SenderSessionState = iota
	SenderAwaitingReport
	SenderDone
	SenderCancelled
)

// SendSegmentFunc transmits an already-encoded LTP segment to the
// session's peer.
type SendSegmentFunc func(ctx context.Context, encoded []byte) error

// SenderSessionConfig bundles the parameters a sender session is
// constructed with.
type SenderSessionConfig struct {
	EngineID          uint64
	SessionOriginator uint64
	SessionNumber     uint64
	ClientServiceID   uint64
	RedPart           []byte // data requiring end-to-end reliability
	GreenPart         []byte // best-effort data sent after the red part
	SegmentSize       int
	CheckpointEveryN  int // 0 disables discretionary checkpoints
	CheckpointTimeout time.Duration
	MaxRetries        int
	Send              SendSegmentFunc
	Observer          dtn.Observer
	Logger            *slog.Logger
}

// SenderSession drives one outbound LTP transmission: it emits the red
// part segmented with a trailing checkpoint, retransmits whatever a
// report claims is still missing, and emits the green part once the
// red part is fully acknowledged.
type SenderSession struct {
	cfg SenderSessionConfig

	acked         FragmentSet
	reports       chan ReportSegment
	cancel        chan CancelReason
	state         SenderSessionState
	checkpointNum uint64
	retries       map[uint64]int
	logger        *slog.Logger
}

// NewSenderSession constructs a sender session ready to Run.
func NewSenderSession(cfg SenderSessionConfig) *SenderSession {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.CheckpointTimeout <= 0 {
		cfg.CheckpointTimeout = 5 * time.Second
	}
	if cfg.Observer == nil {
		cfg.Observer = dtn.NopObserver{}
	}
	return &SenderSession{
		cfg:     cfg,
		reports: make(chan ReportSegment, 8),
		cancel:  make(chan CancelReason, 1),
		retries: make(map[uint64]int),
		logger:  logger.With("session", cfg.SessionNumber, "role", "ltp-sender"),
	}
}

// DeliverReport feeds a received report segment to the session.
// Non-blocking: a full queue drops the report, matching the
// best-effort RX handling pkg/sdo/server.go uses for its own frame
// queue.
func (s *SenderSession) DeliverReport(rs ReportSegment) {
	select {
	case s.reports <- rs:
	default:
		s.logger.Warn("dropped report segment, sender queue full")
	}
}

// RequestCancel asks the session to abort with the given reason.
func (s *SenderSession) RequestCancel(reason CancelReason) {
	select {
	case s.cancel <- reason:
	default:
	}
}

// Run drives the session to completion: it returns when the red part
// is fully acknowledged and the green part sent (SenderDone), the
// session is cancelled (SenderCancelled via RequestCancel, a failed
// red-part send or the retry limit), or ctx is done (the state at that
// moment is returned).
func (s *SenderSession) Run(ctx context.Context) SenderSessionState {
	if err := s.transmitRedPart(ctx); err != nil {
		s.finishCancelled(ctx, CancelReasonSystemCancelled)
		return s.state
	}

	s.state = SenderAwaitingReport
	for s.state == SenderAwaitingReport {
		select {
		case <-ctx.Done():
			return s.state
		case reason := <-s.cancel:
			s.finishCancelled(ctx, reason)
			return s.state
		case rs := <-s.reports:
			s.handleReport(ctx, rs)
		case <-time.After(s.cfg.CheckpointTimeout):
			attempts := s.retries[s.checkpointNum]
			if attempts >= s.cfg.MaxRetries {
				s.finishCancelled(ctx, CancelReasonRetransmitLimitExceeded)
				return s.state
			}
			s.retransmitGaps(ctx)
			// The retransmission carries a fresh checkpoint serial; its
			// attempt count continues from the checkpoint it replaces.
			s.retries[s.checkpointNum] = attempts + 1
		}
	}

	if s.state == SenderDone {
		s.transmitGreenPart(ctx)
	}
	return s.state
}

func (s *SenderSession) transmitRedPart(ctx context.Context) error {
	data := s.cfg.RedPart
	if len(data) == 0 {
		s.checkpointNum++
		seg := DataSegment{
			SessionOriginator: s.cfg.SessionOriginator,
			SessionNumber:     s.cfg.SessionNumber,
			ClientServiceID:   s.cfg.ClientServiceID,
			IsRed:             true,
			IsCheckpoint:      true,
			IsEndOfRedPart:    true,
			IsEndOfBlock:      len(s.cfg.GreenPart) == 0,
			CheckpointSerial:  s.checkpointNum,
		}
		return s.cfg.Send(ctx, EncodeDataSegment(nil, seg))
	}
	segIdx := 0
	for offset := 0; offset < len(data); offset += s.cfg.SegmentSize {
		segIdx++
		end := min(offset+s.cfg.SegmentSize, len(data))
		isLast := end == len(data)
		seg := DataSegment{
			SessionOriginator: s.cfg.SessionOriginator,
			SessionNumber:     s.cfg.SessionNumber,
			ClientServiceID:   s.cfg.ClientServiceID,
			Offset:            uint64(offset),
			IsRed:             true,
			IsEndOfRedPart:    isLast,
			IsEndOfBlock:      isLast && len(s.cfg.GreenPart) == 0,
			ClientData:        data[offset:end],
		}
		discretionary := s.cfg.CheckpointEveryN > 0 && segIdx%s.cfg.CheckpointEveryN == 0
		if isLast || discretionary {
			s.checkpointNum++
			seg.IsCheckpoint = true
			seg.CheckpointSerial = s.checkpointNum
		}
		if err := s.cfg.Send(ctx, EncodeDataSegment(nil, seg)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SenderSession) handleReport(ctx context.Context, rs ReportSegment) {
	for _, c := range rs.Claims {
		s.acked.Insert(rs.LowerBound+c.Offset, rs.LowerBound+c.Offset+c.Length-1)
	}
	s.cfg.Send(ctx, EncodeReportAckSegment(nil, ReportAckSegment{
		SessionOriginator: s.cfg.SessionOriginator,
		SessionNumber:     s.cfg.SessionNumber,
		ReportSerial:      rs.ReportSerial,
	}))
	if s.acked.Covers(0, uint64(max(len(s.cfg.RedPart)-1, 0))) {
		s.state = SenderDone
		s.cfg.Observer.LTPSessionCompleted(s.cfg.EngineID, s.cfg.SessionNumber, true)
		return
	}
	// The report told us exactly what is missing; resend it now rather
	// than waiting out the checkpoint timer.
	s.retransmitGaps(ctx)
}

func (s *SenderSession) retransmitGaps(ctx context.Context) {
	upper := uint64(len(s.cfg.RedPart))
	gaps := s.acked.Gaps(0, upper)
	for i, g := range gaps {
		isLastGap := i == len(gaps)-1
		s.checkpointNum++
		seg := DataSegment{
			SessionOriginator: s.cfg.SessionOriginator,
			SessionNumber:     s.cfg.SessionNumber,
			ClientServiceID:   s.cfg.ClientServiceID,
			Offset:            g.Begin,
			IsRed:             true,
			ClientData:        s.cfg.RedPart[g.Begin : g.End+1],
		}
		if g.End+1 == upper {
			// The original end-of-red-part segment may be the one that
			// was lost; the retransmission has to carry its flags.
			seg.IsEndOfRedPart = true
			seg.IsEndOfBlock = len(s.cfg.GreenPart) == 0
		}
		if isLastGap {
			seg.IsCheckpoint = true
			seg.CheckpointSerial = s.checkpointNum
		}
		if err := s.cfg.Send(ctx, EncodeDataSegment(nil, seg)); err != nil {
			s.logger.Warn("retransmit failed", "error", err)
			return
		}
	}
}

func (s *SenderSession) transmitGreenPart(ctx context.Context) {
	data := s.cfg.GreenPart
	if len(data) == 0 {
		return
	}
	for offset := 0; offset < len(data); offset += s.cfg.SegmentSize {
		end := min(offset+s.cfg.SegmentSize, len(data))
		seg := DataSegment{
			SessionOriginator: s.cfg.SessionOriginator,
			SessionNumber:     s.cfg.SessionNumber,
			ClientServiceID:   s.cfg.ClientServiceID,
			Offset:            uint64(offset),
			IsEndOfBlock:      end == len(data),
			ClientData:        data[offset:end],
		}
		if err := s.cfg.Send(ctx, EncodeDataSegment(nil, seg)); err != nil {
			s.logger.Warn("green part send failed", "error", err)
			return
		}
	}
}

func (s *SenderSession) finishCancelled(ctx context.Context, reason CancelReason) {
	s.state = SenderCancelled
	s.cfg.Send(ctx, EncodeCancelSegment(nil, CancelSegment{
		SessionOriginator: s.cfg.SessionOriginator,
		SessionNumber:     s.cfg.SessionNumber,
		FromSender:        true,
		Reason:            reason,
	}))
	reasonText := "cancelled"
	if reason == CancelReasonRetransmitLimitExceeded {
		reasonText = "retransmit limit exceeded"
	}
	s.cfg.Observer.LTPSessionCancelled(s.cfg.EngineID, s.cfg.SessionNumber, reasonText)
}
