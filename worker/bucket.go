package worker

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket meters broadcast throughput. Capacity C refills continuously at
// C per window, so a leading burst up to C is allowed and the sustained rate
// is C/window. The bucket is process-local.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket constructs a bucket with the given capacity and refill
// window. The bucket starts full.
func NewTokenBucket(capacity int, window time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 500
	}
	if window <= 0 {
		window = 3 * time.Second
	}
	refill := rate.Limit(float64(capacity) / window.Seconds())
	return &TokenBucket{limiter: rate.NewLimiter(refill, capacity)}
}

// Take blocks until n tokens are available or ctx is cancelled.
func (b *TokenBucket) Take(ctx context.Context, n int) error {
	return b.limiter.WaitN(ctx, n)
}
