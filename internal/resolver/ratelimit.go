package resolver

import (
	"time"

	rate "github.com/beefsack/go-rate"
	gocache "github.com/patrickmn/go-cache"
)

// defaultRatelimitQPS bounds how many UDP datagrams per second a single
// client address may submit before the transaction manager silently drops
// further ones (§4.4.1's companion ops concern, not answer caching — see
// DESIGN.md). defaultRatelimitBurst is not passed to the limiter, which is a
// plain qps-per-second window.
const (
	defaultRatelimitQPS   = 20
	defaultRatelimitBurst = 20
	bucketExpiry          = 10 * time.Minute
	bucketCleanupInterval = time.Minute
)

// ratelimiter tracks one token bucket per client IP, evicting idle buckets
// automatically. Adapted from the teacher's ratelimitBuckets field, which
// used the same gocache-backed-bucket-storage idea keyed by client address.
type ratelimiter struct {
	buckets *gocache.Cache
	qps     int
}

func newRatelimiter(qps int) *ratelimiter {
	if qps <= 0 {
		qps = defaultRatelimitQPS
	}

	return &ratelimiter{
		buckets: gocache.New(bucketExpiry, bucketCleanupInterval),
		qps:     qps,
	}
}

// allow reports whether a datagram from ip should be processed.
func (r *ratelimiter) allow(ip string) bool {
	v, ok := r.buckets.Get(ip)
	if !ok {
		rl := rate.New(r.qps, time.Second)
		r.buckets.SetDefault(ip, rl)

		ok2, _ := rl.Try()

		return ok2
	}

	rl, ok := v.(*rate.RateLimiter)
	if !ok {
		return true
	}

	ok2, _ := rl.Try()

	return ok2
}
