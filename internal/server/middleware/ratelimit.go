package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit throttles requests per client host with a token bucket. A
// non-positive perSecond disables the limiter entirely.
func RateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	buckets := &sync.Map{} // host -> *hostBucket

	return func(next http.Handler) http.Handler {
		if perSecond <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bucket := bucketFor(buckets, clientHost(r), perSecond, burst, 5*time.Minute)
			if !bucket.Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hostBucket pairs a limiter with its expiry. An expired entry is replaced
// with a fresh bucket on next use.
type hostBucket struct {
	limiter *rate.Limiter
	staleAt time.Time
}

func bucketFor(buckets *sync.Map, host string, perSecond float64, burst int, ttl time.Duration) *rate.Limiter {
	if v, ok := buckets.Load(host); ok {
		if b := v.(*hostBucket); time.Now().Before(b.staleAt) {
			return b.limiter
		}
	}

	fresh := &hostBucket{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		staleAt: time.Now().Add(ttl),
	}
	buckets.Store(host, fresh)
	return fresh.limiter
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
