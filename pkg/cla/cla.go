// Package cla holds the convergence-layer registry: each concrete CL
// (ltpcla, tcpclv4, stcp, memcla) registers constructors for its
// outduct and induct sides from an init function, and the node wires
// endpoints by type name from configuration.
package cla

import (
	"fmt"
	"log/slog"

	dtn "github.com/dtngo/node"
)

// NewOutductFunc constructs the egress side of one convergence-layer
// endpoint, e.g. "10.0.0.2:4556".
type NewOutductFunc func(endpoint string, logger *slog.Logger) (dtn.Outduct, error)

// NewInductFunc constructs the ingress side of one convergence-layer
// listener, e.g. ":4556".
type NewInductFunc func(endpoint string, logger *slog.Logger) (dtn.Induct, error)

var AvailableOutducts = make(map[string]NewOutductFunc)
var AvailableInducts = make(map[string]NewInductFunc)

// RegisterOutduct registers a new convergence-layer outduct type.
// This should be called inside an init() function of the CL package.
func RegisterOutduct(claType string, newOutduct NewOutductFunc) {
	AvailableOutducts[claType] = newOutduct
}

// RegisterInduct registers a new convergence-layer induct type.
func RegisterInduct(claType string, newInduct NewInductFunc) {
	AvailableInducts[claType] = newInduct
}

// NewOutduct constructs an outduct of the given registered type.
func NewOutduct(claType, endpoint string, logger *slog.Logger) (dtn.Outduct, error) {
	fn, ok := AvailableOutducts[claType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown outduct type %q", dtn.ErrIllegalArgument, claType)
	}
	return fn(endpoint, logger)
}

// NewInduct constructs an induct of the given registered type.
func NewInduct(claType, endpoint string, logger *slog.Logger) (dtn.Induct, error) {
	fn, ok := AvailableInducts[claType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown induct type %q", dtn.ErrIllegalArgument, claType)
	}
	return fn(endpoint, logger)
}
