package ltp

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter shapes outbound UDP by a token bucket over bits per
// second, with a configurable burst window — the same SetRate(tokens,
// interval, window) shape the original token bucket exposed, built here
// on golang.org/x/time/rate's limiter instead of a hand-rolled bucket.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter returns a limiter admitting maxBitsPerSec sustained,
// with a burst allowance of burstBits (the "window" of accumulated
// tokens available at once), raised to maxBitsPerSec when burstBits is
// smaller. A maxBitsPerSec of zero or less disables limiting.
func NewRateLimiter(maxBitsPerSec, burstBits int64) *RateLimiter {
	if maxBitsPerSec <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	burst := int(burstBits)
	if burst < int(maxBitsPerSec) {
		burst = int(maxBitsPerSec)
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(maxBitsPerSec), burst)}
}

// WaitN blocks until n bits may be sent, or ctx is done. When limiting
// is enabled and n exceeds the burst allowance, it fails at once.
func (r *RateLimiter) WaitN(ctx context.Context, bits int) error {
	return r.limiter.WaitN(ctx, bits)
}

// AllowN reports whether n bits could be sent immediately without
// blocking, consuming the tokens if so.
func (r *RateLimiter) AllowN(bits int) bool {
	return r.limiter.AllowN(time.Now(), bits)
}
