package ltp

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// RecreationPreventer remembers the N most recently completed (or
// cancelled) session numbers so a data segment bearing an old session
// number that resurfaces — observed in practice under IP fragmentation
// of large UDP datagrams — is dropped rather than resurrecting a dead
// session.
type RecreationPreventer struct {
	cache *lru.Cache[uint64, struct{}] // nil when disabled
}

// NewRecreationPreventer returns a preventer remembering up to capacity
// session numbers, evicting least-recently-added on overflow. A
// capacity of zero (or less) disables the preventer: Add is a no-op
// and Contains always reports false.
func NewRecreationPreventer(capacity int) *RecreationPreventer {
	if capacity <= 0 {
		return &RecreationPreventer{}
	}
	cache, _ := lru.New[uint64, struct{}](capacity)
	return &RecreationPreventer{cache: cache}
}

// Add quarantines sessionNumber, evicting the oldest entry if the
// preventer is at capacity.
func (p *RecreationPreventer) Add(sessionNumber uint64) {
	if p.cache == nil {
		return
	}
	p.cache.Add(sessionNumber, struct{}{})
}

// Contains reports whether sessionNumber is currently quarantined.
func (p *RecreationPreventer) Contains(sessionNumber uint64) bool {
	if p.cache == nil {
		return false
	}
	return p.cache.Contains(sessionNumber)
}
