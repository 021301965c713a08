package dtn

import (
	"fmt"
	"strconv"
	"strings"
)

// EID is a Compressed Bundling Header Encoding (CBHE) endpoint identifier,
// the ipn:<node>.<service> scheme used by both BPv6 and BPv7 in this node.
type EID struct {
	Node    uint64
	Service uint64
}

func (e EID) String() string {
	return fmt.Sprintf("ipn:%d.%d", e.Node, e.Service)
}

func (e EID) IsZero() bool {
	return e.Node == 0 && e.Service == 0
}

// ParseEID parses the "ipn:<node>.<service>" form. Other URI schemes
// (dtn://, none) are out of scope for the core; the Masker and
// convergence layers operate purely on the CBHE numeric pair.
func ParseEID(s string) (EID, error) {
	const prefix = "ipn:"
	if !strings.HasPrefix(s, prefix) {
		return EID{}, fmt.Errorf("%w: eid %q missing ipn: scheme", ErrMalformedBundle, s)
	}
	rest := s[len(prefix):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return EID{}, fmt.Errorf("%w: eid %q missing service number", ErrMalformedBundle, s)
	}
	node, err := strconv.ParseUint(rest[:dot], 10, 64)
	if err != nil {
		return EID{}, fmt.Errorf("%w: eid %q has non-numeric node", ErrMalformedBundle, s)
	}
	service, err := strconv.ParseUint(rest[dot+1:], 10, 64)
	if err != nil {
		return EID{}, fmt.Errorf("%w: eid %q has non-numeric service", ErrMalformedBundle, s)
	}
	return EID{Node: node, Service: service}, nil
}
