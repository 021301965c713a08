package dtn

import "context"

// Masker rewrites a bundle's destination to a logical EID under which the
// catalog keys it. It never modifies the bundle itself. Masker is an
// external collaborator: the dispatcher calls it, but ownership and
// configuration of the mapping live outside the core.
type Masker interface {
	Query(destination EID) EID
}

// MaskerFunc adapts a function to a Masker.
type MaskerFunc func(EID) EID

func (f MaskerFunc) Query(destination EID) EID { return f(destination) }

// Scheduler answers contact-graph routing queries. Computing the graph
// (CGR) is explicitly out of scope; the core only ever asks "who is the
// next hop, right now".
type Scheduler interface {
	NextHop(ctx context.Context, src, dest EID, nowMs int64) (nodeID uint64, ok bool)
}

// SendResult is the outcome of a single Outduct.Forward call.
type SendResult uint8

const (
	SendOK SendResult = iota
	SendWouldBlock
	SendFailed
)

// UserData is an opaque handle the dispatcher attaches to an in-flight
// send so that Outduct.OnAck can report completion without the outduct
// needing to understand bundle or custody semantics.
type UserData any

// Outduct is the egress side of one convergence-layer contact.
type Outduct interface {
	// Forward attempts to hand bytes to the convergence layer. It must
	// not block the caller's goroutine on socket I/O; SendWouldBlock
	// signals backpressure.
	Forward(ctx context.Context, payload []byte, user UserData) (SendResult, error)
	// ReadyToSend reports whether the outduct currently has pipeline
	// capacity for another Forward call.
	ReadyToSend() bool
	// OnAck registers the callback invoked once a previously forwarded
	// payload has been acknowledged by the underlying transport (for
	// convergence layers, such as TCPCLv4, that have their own ack).
	OnAck(func(user UserData))
	Close() error
}

// Induct is the ingress side of one convergence-layer listener: it hands
// complete bundle byte-runs to the dispatcher as they arrive.
type Induct interface {
	Start(ctx context.Context, onBundle func([]byte)) error
	Close() error
}

// Observer publishes telemetry about the core's operation. It stands in
// for logging/metrics singletons that are deliberately kept outside the
// core; a no-op Observer is always a valid choice.
type Observer interface {
	BundleAccepted(dest EID, priority Priority, length uint64)
	BundleStored(dest EID, priority Priority)
	BundleReleased(dest EID, priority Priority)
	Backpressure(dest EID)
	CustodyTimerExpired(dest EID, custodyID uint64)
	LTPSessionCompleted(engineID uint64, sessionNumber uint64, red bool)
	LTPSessionCancelled(engineID uint64, sessionNumber uint64, reason string)
}

// NopObserver implements Observer with no-ops, for tests and for
// deployments that do not want telemetry.
type NopObserver struct{}

func (NopObserver) BundleAccepted(EID, Priority, uint64)         {}
func (NopObserver) BundleStored(EID, Priority)                   {}
func (NopObserver) BundleReleased(EID, Priority)                 {}
func (NopObserver) Backpressure(EID)                             {}
func (NopObserver) CustodyTimerExpired(EID, uint64)              {}
func (NopObserver) LTPSessionCompleted(uint64, uint64, bool)      {}
func (NopObserver) LTPSessionCancelled(uint64, uint64, string)    {}
