// Package stcp is the minimal "simple TCP" convergence layer: each
// bundle crosses the wire as a 4-byte big-endian length prefix followed
// by the bundle bytes, with a zero-length record as keepalive. It has
// no transport-level ack of its own, so an outduct acks a bundle as
// soon as the kernel accepts the final write.
package stcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/pkg/cla"
)

func init() {
	cla.RegisterOutduct("stcp", func(endpoint string, logger *slog.Logger) (dtn.Outduct, error) {
		return NewOutduct(endpoint, logger)
	})
	cla.RegisterInduct("stcp", func(endpoint string, logger *slog.Logger) (dtn.Induct, error) {
		return NewInduct(endpoint, logger)
	})
}

// MaxBundleSize bounds one received record, against hostile or corrupt
// length prefixes.
const MaxBundleSize = 1 << 26 // 64 MiB

const sendQueueDepth = 64

type outItem struct {
	payload []byte
	user    dtn.UserData
}

// Outduct is one STCP egress connection, reconnecting with exponential
// backoff when the peer goes away.
type Outduct struct {
	endpoint string
	logger   *slog.Logger
	queue    chan outItem
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.Mutex
	onAck func(dtn.UserData)
}

var _ dtn.Outduct = (*Outduct)(nil)

// NewOutduct starts the writer goroutine for endpoint; the connection
// itself is established lazily with backoff.
func NewOutduct(endpoint string, logger *slog.Logger) (*Outduct, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Outduct{
		endpoint: endpoint,
		logger:   logger.With("component", "stcp-outduct", "endpoint", endpoint),
		queue:    make(chan outItem, sendQueueDepth),
		cancel:   cancel,
	}
	o.wg.Add(1)
	go o.writeLoop(ctx)
	return o, nil
}

func (o *Outduct) Forward(ctx context.Context, payload []byte, user dtn.UserData) (dtn.SendResult, error) {
	cp := append([]byte(nil), payload...)
	select {
	case o.queue <- outItem{payload: cp, user: user}:
		return dtn.SendOK, nil
	case <-ctx.Done():
		return dtn.SendFailed, ctx.Err()
	default:
		return dtn.SendWouldBlock, dtn.ErrWouldBlock
	}
}

func (o *Outduct) ReadyToSend() bool { return len(o.queue) < cap(o.queue) }

func (o *Outduct) OnAck(fn func(dtn.UserData)) {
	o.mu.Lock()
	o.onAck = fn
	o.mu.Unlock()
}

func (o *Outduct) ack(user dtn.UserData) {
	o.mu.Lock()
	fn := o.onAck
	o.mu.Unlock()
	if fn != nil {
		fn(user)
	}
}

func (o *Outduct) Close() error {
	o.cancel()
	o.wg.Wait()
	return nil
}

func (o *Outduct) dial(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		var err error
		conn, err = (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, "tcp", o.endpoint)
		if err != nil {
			o.logger.Warn("dial failed, backing off", "error", err)
		}
		return err
	}, policy)
	return conn, err
}

func (o *Outduct) writeLoop(ctx context.Context) {
	defer o.wg.Done()
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	var lenBuf [4]byte
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-o.queue:
			for {
				if conn == nil {
					c, err := o.dial(ctx)
					if err != nil {
						return // ctx cancelled
					}
					conn = c
				}
				binary.BigEndian.PutUint32(lenBuf[:], uint32(len(item.payload)))
				if _, err := conn.Write(lenBuf[:]); err == nil {
					if _, err = conn.Write(item.payload); err == nil {
						o.ack(item.user)
						break
					}
				}
				o.logger.Warn("write failed, reconnecting")
				conn.Close()
				conn = nil
			}
		}
	}
}

// Induct is one STCP listener; every accepted connection gets its own
// reader goroutine.
type Induct struct {
	listener net.Listener
	logger   *slog.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ dtn.Induct = (*Induct)(nil)

// NewInduct binds the listen address immediately so the bound port is
// known (":0" works for tests) but accepts nothing until Start.
func NewInduct(listenAddr string, logger *slog.Logger) (*Induct, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	return &Induct{
		listener: ln,
		logger:   logger.With("component", "stcp-induct", "listen", ln.Addr().String()),
	}, nil
}

// Addr reports the bound listen address.
func (in *Induct) Addr() net.Addr { return in.listener.Addr() }

func (in *Induct) Start(ctx context.Context, onBundle func([]byte)) error {
	ctx, in.cancel = context.WithCancel(ctx)
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		<-ctx.Done()
		in.listener.Close()
	}()
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		for {
			conn, err := in.listener.Accept()
			if err != nil {
				return
			}
			in.wg.Add(1)
			go func() {
				defer in.wg.Done()
				defer conn.Close()
				if err := readRecords(conn, onBundle); err != nil && err != io.EOF {
					in.logger.Warn("connection closed with error", "error", err)
				}
			}()
		}
	}()
	return nil
}

func readRecords(conn net.Conn, onBundle func([]byte)) error {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return err
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length == 0 {
			continue // keepalive
		}
		if length > MaxBundleSize {
			return fmt.Errorf("%w: stcp record of %d bytes", dtn.ErrMalformedBundle, length)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return err
		}
		onBundle(payload)
	}
}

func (in *Induct) Close() error {
	if in.cancel != nil {
		in.cancel()
	}
	err := in.listener.Close()
	in.wg.Wait()
	return err
}
