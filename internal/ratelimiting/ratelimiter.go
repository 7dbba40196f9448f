package ratelimiting

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

type RateLimiter interface {
	Consume(key string) bool
}

type tokenBucketRateLimiter struct {
	limiterByKey *ttlcache.Cache[string, *rate.Limiter]
	refillRate   rate.Limit
	burstSize    int
}

func (rateLimiter *tokenBucketRateLimiter) Consume(key string) bool {
	limiter, _ := rateLimiter.limiterByKey.GetOrSet(key, rate.NewLimiter(rateLimiter.refillRate, rateLimiter.burstSize))
	return limiter.Value().Allow()
}

type RefillInterval time.Duration
type BurstSize int

// NewTokenBucketRateLimiter returns a limiter with one bucket per key.
// Each bucket holds burstSize tokens and regains one token every refillInterval.
func NewTokenBucketRateLimiter(refillInterval RefillInterval, burstSize BurstSize) (RateLimiter, func()) {
	limiterTTLCache := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](30 * time.Minute),
	)
	go limiterTTLCache.Start()

	return &tokenBucketRateLimiter{
		limiterByKey: limiterTTLCache,
		refillRate:   rate.Every(time.Duration(refillInterval)),
		burstSize:    int(burstSize),
	}, limiterTTLCache.Stop
}

type unlimitedRateLimiter struct{}

func (unlimitedRateLimiter) Consume(key string) bool {
	return true
}

// NewUnlimitedRateLimiter returns a limiter that allows everything
func NewUnlimitedRateLimiter() RateLimiter {
	return unlimitedRateLimiter{}
}
