package api

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// clientLimiter holds one token bucket per client in a bounded LRU table.
type clientLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

func newClientLimiter(cfg RateLimitConfig) (*clientLimiter, error) {
	buckets, err := lru.New[string, *rate.Limiter](cfg.MaxClients)
	if err != nil {
		return nil, fmt.Errorf("creating limiter table: %w", err)
	}

	return &clientLimiter{
		buckets: buckets,
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
	}, nil
}

// Allow takes one token from the client's bucket.
func (l *clientLimiter) Allow(client string) bool {
	l.mu.Lock()

	bucket, ok := l.buckets.Get(client)
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(client, bucket)
	}

	l.mu.Unlock()

	return bucket.Allow()
}

// clientKey identifies the caller by remote IP.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
