package ltp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	dtn "github.com/dtngo/node"
)

// Config tunes one LTP engine instance.
type Config struct {
	EngineID         uint64
	LocalAddr        string // udp listen address, e.g. ":1113"
	SegmentSize      int
	MaxBitsPerSecond int64
	BurstBits        int64
	// RecreationWindow is the number of completed session numbers the
	// recreation preventer remembers; zero disables it.
	RecreationWindow int
	SendQueueDepth   int
	// CheckpointEveryN flags every N-th red data segment as a
	// discretionary checkpoint; 0 disables them. The end-of-red-part
	// checkpoint is mandatory regardless.
	CheckpointEveryN int
	// CheckpointTimeout is the retransmit timer for checkpoints and
	// reports, typically 2*owlt + margin.
	CheckpointTimeout time.Duration
	// MaxRetries bounds retransmissions of any one serial number before
	// the session is cancelled with RLEXC.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.SegmentSize <= 0 {
		c.SegmentSize = 1400
	}
	if c.SendQueueDepth <= 0 {
		c.SendQueueDepth = 256
	}
	return c
}

// Engine owns one UDP socket and the sender/receiver sessions
// multiplexed over it, rate-limited by a shared token bucket and
// protected from reincarnated old sessions by a recreation preventer.
type Engine struct {
	cfg        Config
	conn       *net.UDPConn
	limiter    *RateLimiter
	preventer  *RecreationPreventer
	observer   dtn.Observer
	logger     *slog.Logger
	deliver    DeliverFunc

	mu          sync.Mutex
	senders     map[uint64]*SenderSession
	receivers   map[uint64]*ReceiverSession
	nextSession uint64

	sendQueue chan outboundDatagram
	rxPool    *dtn.BufPool
}

type outboundDatagram struct {
	addr *net.UDPAddr
	data []byte
}

// NewEngine opens a UDP socket at cfg.LocalAddr and returns a ready
// Engine. Call Run to start its send/receive loops.
func NewEngine(cfg Config, observer dtn.Observer, deliver DeliverFunc, logger *slog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = dtn.NopObserver{}
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.LocalAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		conn:      conn,
		limiter:   NewRateLimiter(cfg.MaxBitsPerSecond, cfg.BurstBits),
		preventer: NewRecreationPreventer(cfg.RecreationWindow),
		observer:  observer,
		logger:    logger.With("component", "ltp-engine"),
		deliver:   deliver,
		senders:   make(map[uint64]*SenderSession),
		receivers: make(map[uint64]*ReceiverSession),
		sendQueue: make(chan outboundDatagram, cfg.SendQueueDepth),
		rxPool:    dtn.NewBufPool(maxDatagram),
	}, nil
}

// LocalAddr reports the engine's bound UDP address.
func (e *Engine) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// Close releases the underlying socket.
func (e *Engine) Close() error { return e.conn.Close() }

// Run drives the engine's receive loop and batched send loop until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	var recvErr error
	go func() {
		defer wg.Done()
		recvErr = e.recvLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.sendLoop(ctx)
	}()
	<-ctx.Done()
	e.conn.Close()
	wg.Wait()
	if recvErr != nil && !errors.Is(recvErr, net.ErrClosed) {
		return recvErr
	}
	return nil
}

// maxDatagram is the largest UDP payload a single LTP segment can ride
// in.
const maxDatagram = 65507

func (e *Engine) recvLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		// Decoders copy what they keep, so the pooled buffer is free
		// again as soon as dispatch returns.
		segment := append(e.rxPool.Get(), buf[:n]...)
		e.dispatch(ctx, addr, segment)
		e.rxPool.Put(segment)
	}
}

// sendLoop drains the outbound queue, consuming rate-limiter tokens
// per datagram and handing datagrams to the platform write path
// (batched via sendBatch on platforms that support it).
func (e *Engine) sendLoop(ctx context.Context) {
	const batchMax = 32
	batch := make([]outboundDatagram, 0, batchMax)
	for {
		select {
		case <-ctx.Done():
			return
		case dg := <-e.sendQueue:
			batch = batch[:0]
			batch = append(batch, dg)
		drain:
			for len(batch) < batchMax {
				select {
				case dg := <-e.sendQueue:
					batch = append(batch, dg)
				default:
					break drain
				}
			}
			for _, dg := range batch {
				if err := e.limiter.WaitN(ctx, len(dg.data)*8); err != nil {
					return
				}
			}
			if err := sendBatch(e.conn, batch); err != nil {
				e.logger.Warn("batched send failed", "error", err)
			}
		}
	}
}

func (e *Engine) enqueueSend(addr *net.UDPAddr, data []byte) {
	select {
	case e.sendQueue <- outboundDatagram{addr: addr, data: data}:
	default:
		e.logger.Warn("send queue full, dropping ltp segment")
	}
}

func (e *Engine) dispatch(ctx context.Context, addr *net.UDPAddr, segment []byte) {
	segType, err := PeekSegmentType(segment)
	if err != nil {
		e.logger.Warn("dropped malformed ltp segment", "error", err)
		return
	}
	switch segType {
	case SegData:
		ds, err := DecodeDataSegment(segment)
		if err != nil {
			e.logger.Warn("dropped malformed data segment", "error", err)
			return
		}
		if e.preventer.Contains(ds.SessionNumber) {
			return
		}
		e.receiverFor(ctx, ds.SessionOriginator, ds.SessionNumber, addr).DeliverDataSegment(ds)
	case SegReport:
		rs, err := DecodeReportSegment(segment)
		if err != nil {
			return
		}
		e.mu.Lock()
		s := e.senders[rs.SessionNumber]
		e.mu.Unlock()
		if s != nil {
			s.DeliverReport(rs)
		}
	case SegReportAck:
		ra, err := DecodeReportAckSegment(segment)
		if err != nil {
			return
		}
		e.mu.Lock()
		r := e.receivers[ra.SessionNumber]
		e.mu.Unlock()
		if r != nil {
			r.DeliverReportAck(ra.ReportSerial)
		}
	case SegCancel:
		cs, err := DecodeCancelSegment(segment)
		if err != nil {
			return
		}
		e.cancelSession(cs.SessionNumber, cs.FromSender, cs.Reason)
	case SegCancelAck:
		// No separate state beyond session teardown, already handled by cancel.
	}
}

func (e *Engine) cancelSession(sessionNumber uint64, fromSender bool, reason CancelReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fromSender {
		if r, ok := e.receivers[sessionNumber]; ok {
			r.RequestCancel(reason)
		}
	} else if s, ok := e.senders[sessionNumber]; ok {
		s.RequestCancel(reason)
	}
	e.preventer.Add(sessionNumber)
}

func (e *Engine) receiverFor(ctx context.Context, originator, sessionNumber uint64, addr *net.UDPAddr) *ReceiverSession {
	e.mu.Lock()
	r, ok := e.receivers[sessionNumber]
	if ok {
		e.mu.Unlock()
		return r
	}
	r = NewReceiverSession(ReceiverSessionConfig{
		EngineID:          e.cfg.EngineID,
		SessionOriginator: originator,
		SessionNumber:     sessionNumber,
		ReportTimeout:     e.cfg.CheckpointTimeout,
		MaxReportRetries:  e.cfg.MaxRetries,
		Send: func(ctx context.Context, encoded []byte) error {
			e.enqueueSend(addr, encoded)
			return nil
		},
		Deliver:  e.deliver,
		Observer: e.observer,
		Logger:   e.logger,
	})
	e.receivers[sessionNumber] = r
	e.mu.Unlock()

	go func() {
		r.Run(ctx)
		e.mu.Lock()
		delete(e.receivers, sessionNumber)
		e.preventer.Add(sessionNumber)
		e.mu.Unlock()
	}()
	return r
}

// StartSession begins transmitting redPart/greenPart as a new outbound
// session to addr, returning the session number assigned.
func (e *Engine) StartSession(ctx context.Context, addr *net.UDPAddr, clientServiceID uint64, redPart, greenPart []byte) uint64 {
	e.mu.Lock()
	e.nextSession++
	sessionNumber := e.nextSession
	e.mu.Unlock()

	s := NewSenderSession(SenderSessionConfig{
		EngineID:          e.cfg.EngineID,
		SessionOriginator: e.cfg.EngineID,
		SessionNumber:     sessionNumber,
		ClientServiceID:   clientServiceID,
		RedPart:           redPart,
		GreenPart:         greenPart,
		SegmentSize:       e.cfg.SegmentSize,
		CheckpointEveryN:  e.cfg.CheckpointEveryN,
		CheckpointTimeout: e.cfg.CheckpointTimeout,
		MaxRetries:        e.cfg.MaxRetries,
		Send: func(ctx context.Context, encoded []byte) error {
			e.enqueueSend(addr, encoded)
			return nil
		},
		Observer: e.observer,
		Logger:   e.logger,
	})
	e.mu.Lock()
	e.senders[sessionNumber] = s
	e.mu.Unlock()

	go func() {
		s.Run(ctx)
		e.mu.Lock()
		delete(e.senders, sessionNumber)
		e.preventer.Add(sessionNumber)
		e.mu.Unlock()
	}()
	return sessionNumber
}
