// Package ltpcla adapts the LTP session engine to the Outduct/Induct
// contract: each forwarded bundle becomes the red part of one LTP
// session, acked to the dispatcher when the peer's reports cover it;
// each completed inbound block surfaces as one received bundle.
package ltpcla

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/pkg/cla"
	"github.com/dtngo/node/pkg/ltp"
)

// defaultRecreationWindow is the session-quarantine size registry-built
// ducts run with; wiring an explicit zero through NewOutduct/NewInduct
// disables the preventer instead.
const defaultRecreationWindow = 1024

func init() {
	cla.RegisterOutduct("ltp", func(endpoint string, logger *slog.Logger) (dtn.Outduct, error) {
		return NewOutduct(endpoint, ltp.Config{RecreationWindow: defaultRecreationWindow}, nil, logger)
	})
	cla.RegisterInduct("ltp", func(endpoint string, logger *slog.Logger) (dtn.Induct, error) {
		cfg := ltp.Config{LocalAddr: endpoint, RecreationWindow: defaultRecreationWindow}
		return NewInduct(cfg, nil, logger)
	})
}

// bundleClientServiceID is the LTP client service number bundles ride
// on, the value IANA assigns to "Bundle Protocol" over LTP.
const bundleClientServiceID = 1

const defaultMaxSessions = 16

// Outduct drives outbound LTP sessions toward one remote engine. The
// endpoint string is "host:port" or "host:port/engineId".
type Outduct struct {
	engine *ltp.Engine
	remote *net.UDPAddr
	cancel context.CancelFunc
	logger *slog.Logger

	mu       sync.Mutex
	onAck    func(dtn.UserData)
	inflight map[uint64]dtn.UserData
	max      int
}

var _ dtn.Outduct = (*Outduct)(nil)

// completionTap forwards LTP session telemetry to the configured
// observer while letting the outduct ack the dispatcher on completion.
type completionTap struct {
	dtn.Observer
	out *Outduct
}

func (t completionTap) LTPSessionCompleted(engineID, sessionNumber uint64, red bool) {
	t.Observer.LTPSessionCompleted(engineID, sessionNumber, red)
	t.out.sessionDone(sessionNumber, true)
}

func (t completionTap) LTPSessionCancelled(engineID, sessionNumber uint64, reason string) {
	t.Observer.LTPSessionCancelled(engineID, sessionNumber, reason)
	t.out.sessionDone(sessionNumber, false)
}

// NewOutduct opens a local UDP socket (cfg.LocalAddr, ":0" when empty)
// and aims sessions at endpoint.
func NewOutduct(endpoint string, cfg ltp.Config, observer dtn.Observer, logger *slog.Logger) (*Outduct, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = dtn.NopObserver{}
	}
	host, engineID, err := splitEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if cfg.EngineID == 0 {
		cfg.EngineID = engineID
	}
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = ":0"
	}
	remote, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, err
	}
	o := &Outduct{
		remote:   remote,
		logger:   logger.With("component", "ltp-outduct", "endpoint", endpoint),
		inflight: make(map[uint64]dtn.UserData),
		max:      defaultMaxSessions,
	}
	engine, err := ltp.NewEngine(cfg, completionTap{Observer: observer, out: o}, func(uint64, uint64, []byte) {}, logger)
	if err != nil {
		return nil, err
	}
	o.engine = engine
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	go engine.Run(ctx)
	return o, nil
}

// splitEndpoint parses "host:port" with an optional "/engineId" tail.
func splitEndpoint(endpoint string) (host string, engineID uint64, err error) {
	host = endpoint
	if idx := strings.IndexByte(endpoint, '/'); idx >= 0 {
		host = endpoint[:idx]
		engineID, err = strconv.ParseUint(endpoint[idx+1:], 10, 64)
		if err != nil {
			return "", 0, fmt.Errorf("%w: ltp endpoint engine id: %v", dtn.ErrIllegalArgument, err)
		}
	}
	return host, engineID, nil
}

func (o *Outduct) Forward(ctx context.Context, payload []byte, user dtn.UserData) (dtn.SendResult, error) {
	o.mu.Lock()
	if len(o.inflight) >= o.max {
		o.mu.Unlock()
		return dtn.SendWouldBlock, dtn.ErrWouldBlock
	}
	o.mu.Unlock()

	session := o.engine.StartSession(ctx, o.remote, bundleClientServiceID, payload, nil)
	o.mu.Lock()
	o.inflight[session] = user
	o.mu.Unlock()
	return dtn.SendOK, nil
}

func (o *Outduct) ReadyToSend() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight) < o.max
}

func (o *Outduct) OnAck(fn func(dtn.UserData)) {
	o.mu.Lock()
	o.onAck = fn
	o.mu.Unlock()
}

// sessionDone resolves an in-flight session. Only completed sessions
// ack upward; a cancelled session's bundle is left to the bundle
// layer's custody retransmission.
func (o *Outduct) sessionDone(sessionNumber uint64, completed bool) {
	o.mu.Lock()
	user, ok := o.inflight[sessionNumber]
	if ok {
		delete(o.inflight, sessionNumber)
	}
	fn := o.onAck
	o.mu.Unlock()
	if ok && completed && fn != nil {
		fn(user)
	}
}

func (o *Outduct) Close() error {
	o.cancel()
	return o.engine.Close()
}

// Induct owns one inbound LTP engine; every fully received block is
// handed up as one bundle.
type Induct struct {
	engine   *ltp.Engine
	cancel   context.CancelFunc
	mu       sync.Mutex
	onBundle func([]byte)
}

var _ dtn.Induct = (*Induct)(nil)

// NewInduct binds cfg.LocalAddr immediately; blocks surface once Start
// runs.
func NewInduct(cfg ltp.Config, observer dtn.Observer, logger *slog.Logger) (*Induct, error) {
	in := &Induct{}
	engine, err := ltp.NewEngine(cfg, observer, in.deliver, logger)
	if err != nil {
		return nil, err
	}
	in.engine = engine
	return in, nil
}

// LocalAddr reports the engine's bound UDP address.
func (in *Induct) LocalAddr() net.Addr { return in.engine.LocalAddr() }

func (in *Induct) deliver(sessionNumber, clientServiceID uint64, data []byte) {
	in.mu.Lock()
	fn := in.onBundle
	in.mu.Unlock()
	if fn != nil && clientServiceID == bundleClientServiceID {
		fn(data)
	}
}

func (in *Induct) Start(ctx context.Context, onBundle func([]byte)) error {
	in.mu.Lock()
	in.onBundle = onBundle
	in.mu.Unlock()
	ctx, in.cancel = context.WithCancel(ctx)
	go in.engine.Run(ctx)
	return nil
}

func (in *Induct) Close() error {
	if in.cancel != nil {
		in.cancel()
	}
	return in.engine.Close()
}
