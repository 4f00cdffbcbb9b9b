package clients

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket with wait statistics
type RateLimiter struct {
	limiter *rate.Limiter

	allowedRequests atomic.Int64
	blockedRequests atomic.Int64
	totalWaitTime   atomic.Int64
}

// RateLimiterStats provides statistics about rate limiter usage
type RateLimiterStats struct {
	Rate            float64       `json:"rate"`
	Burst           int           `json:"burst"`
	AllowedRequests int64         `json:"allowed_requests"`
	BlockedRequests int64         `json:"blocked_requests"`
	AverageWaitTime time.Duration `json:"average_wait_time"`
}

// NewRateLimiter creates a limiter allowing perSecond requests per second
// with the given burst (minimum 1).
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a request is allowed or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := rl.limiter.Wait(ctx); err != nil {
		rl.blockedRequests.Add(1)
		return err
	}
	rl.allowedRequests.Add(1)
	rl.totalWaitTime.Add(int64(time.Since(start)))
	return nil
}

// Allow reports whether a request may proceed now
func (rl *RateLimiter) Allow() bool {
	if rl.limiter.Allow() {
		rl.allowedRequests.Add(1)
		return true
	}
	rl.blockedRequests.Add(1)
	return false
}

// GetStats returns rate limiter statistics
func (rl *RateLimiter) GetStats() RateLimiterStats {
	allowed := rl.allowedRequests.Load()
	avgWait := time.Duration(0)
	if allowed > 0 {
		avgWait = time.Duration(rl.totalWaitTime.Load() / allowed)
	}
	return RateLimiterStats{
		Rate:            float64(rl.limiter.Limit()),
		Burst:           rl.limiter.Burst(),
		AllowedRequests: allowed,
		BlockedRequests: rl.blockedRequests.Load(),
		AverageWaitTime: avgWait,
	}
}
