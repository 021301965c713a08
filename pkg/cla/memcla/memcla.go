// Package memcla is an in-process loopback convergence layer used by
// tests and single-process demos: an outduct and an induct constructed
// with the same channel name are connected by a buffered queue, no
// sockets involved. It plays the role a virtual bus plays for CAN
// stacks: full dispatcher and storage integration without hardware.
package memcla

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/pkg/cla"
)

func init() {
	cla.RegisterOutduct("mem", func(endpoint string, logger *slog.Logger) (dtn.Outduct, error) {
		return broker.outduct(endpoint), nil
	})
	cla.RegisterInduct("mem", func(endpoint string, logger *slog.Logger) (dtn.Induct, error) {
		return broker.induct(endpoint), nil
	})
}

const defaultDepth = 64

type delivery struct {
	payload []byte
	user    dtn.UserData
	ack     func(dtn.UserData)
}

type channel struct {
	ch chan delivery
}

// The package-level broker connects outducts and inducts that name the
// same channel, mirroring how virtual CAN clients meet at a broker.
var broker = &brokerT{channels: make(map[string]*channel)}

type brokerT struct {
	mu       sync.Mutex
	channels map[string]*channel
}

func (b *brokerT) channelFor(name string) *channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.channels[name]
	if !ok {
		c = &channel{ch: make(chan delivery, defaultDepth)}
		b.channels[name] = c
	}
	return c
}

func (b *brokerT) outduct(name string) *Outduct {
	return &Outduct{ch: b.channelFor(name)}
}

func (b *brokerT) induct(name string) *Induct {
	return &Induct{ch: b.channelFor(name)}
}

// Pair returns a connected outduct/induct that bypass the broker, for
// tests that want isolation from other pairs.
func Pair(depth int) (*Outduct, *Induct) {
	if depth <= 0 {
		depth = defaultDepth
	}
	c := &channel{ch: make(chan delivery, depth)}
	return &Outduct{ch: c}, &Induct{ch: c}
}

// Outduct is the egress half of a loopback channel.
type Outduct struct {
	ch *channel

	mu    sync.Mutex
	onAck func(dtn.UserData)
}

var _ dtn.Outduct = (*Outduct)(nil)

func (o *Outduct) Forward(ctx context.Context, payload []byte, user dtn.UserData) (dtn.SendResult, error) {
	cp := append([]byte(nil), payload...)
	select {
	case o.ch.ch <- delivery{payload: cp, user: user, ack: o.ack}:
		return dtn.SendOK, nil
	case <-ctx.Done():
		return dtn.SendFailed, ctx.Err()
	default:
		return dtn.SendWouldBlock, dtn.ErrWouldBlock
	}
}

func (o *Outduct) ReadyToSend() bool {
	return len(o.ch.ch) < cap(o.ch.ch)
}

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

func (o *Outduct) Close() error { return nil }

// Induct is the ingress half of a loopback channel: Start drains the
// queue, hands each payload to the dispatcher, and acks the sender.
type Induct struct {
	ch     *channel
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ dtn.Induct = (*Induct)(nil)

func (in *Induct) Start(ctx context.Context, onBundle func([]byte)) error {
	if onBundle == nil {
		return fmt.Errorf("%w: nil bundle handler", dtn.ErrIllegalArgument)
	}
	ctx, in.cancel = context.WithCancel(ctx)
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-in.ch.ch:
				onBundle(d.payload)
				if d.ack != nil {
					d.ack(d.user)
				}
			}
		}
	}()
	return nil
}

func (in *Induct) Close() error {
	if in.cancel != nil {
		in.cancel()
	}
	in.wg.Wait()
	return nil
}
