package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ByClientIP charges requests to the caller's address.
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// BySubject charges authenticated requests to the admin subject and falls
// back to the address.
func BySubject(c *gin.Context) string {
	if s := GetSubject(c); s != "" {
		return "sub:" + s
	}
	return c.ClientIP()
}

// RateLimit provides per-IP token-bucket rate limiting.
// r = requests per second, b = burst size.
func RateLimit(r rate.Limit, b int) gin.HandlerFunc {
	return RateLimitBy(r, b, ByClientIP)
}

// RateLimitBy is RateLimit with a custom bucket key. Rejected requests get a
// Retry-After header in whole seconds.
func RateLimitBy(r rate.Limit, b int, key KeyFunc) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*keyedLimiter)
		swept    = time.Now()
	)

	get := func(k string, now time.Time) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if now.Sub(swept) > 5*time.Minute {
			cutoff := now.Add(-10 * time.Minute)
			for id, l := range limiters {
				if l.lastSeen.Before(cutoff) {
					delete(limiters, id)
				}
			}
			swept = now
		}
		l, ok := limiters[k]
		if !ok {
			l = &keyedLimiter{limiter: rate.NewLimiter(r, b)}
			limiters[k] = l
		}
		l.lastSeen = now
		return l.limiter
	}

	return func(c *gin.Context) {
		now := time.Now()
		lim := get(key(c), now)
		res := lim.ReserveN(now, 1)
		if !res.OK() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		if d := res.DelayFrom(now); d > 0 {
			res.CancelAt(now)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
