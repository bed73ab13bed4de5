package api

import (
	"net"
	"net/http"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// ClientLimiter keeps one token bucket per client address. Buckets of clients
// not seen recently are evicted once maxClients is exceeded.
type ClientLimiter struct {
	limiters *lru.Cache
	rate     rate.Limit
	burst    int
}

// NewClientLimiter allows each client perSecond requests with the given burst.
func NewClientLimiter(perSecond float64, burst, maxClients int) (*ClientLimiter, error) {
	cache, err := lru.New(maxClients)
	if err != nil {
		return nil, err
	}
	return &ClientLimiter{limiters: cache, rate: rate.Limit(perSecond), burst: burst}, nil
}

// Allow consumes a token for client if one is available.
func (cl *ClientLimiter) Allow(client string) bool {
	return cl.limiter(client).Allow()
}

// Tokens returns the tokens currently available to client.
func (cl *ClientLimiter) Tokens(client string) float64 {
	if v, ok := cl.limiters.Peek(client); ok {
		return v.(*rate.Limiter).Tokens()
	}
	return float64(cl.burst)
}

func (cl *ClientLimiter) limiter(client string) *rate.Limiter {
	if v, ok := cl.limiters.Get(client); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(cl.rate, cl.burst)
	// Two first requests racing may both insert; the loser's bucket is dropped.
	if prev, ok, _ := cl.limiters.PeekOrAdd(client, l); ok {
		return prev.(*rate.Limiter)
	}
	return l
}

// Middleware rejects requests over the client's budget with 429.
func (cl *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cl.Allow(clientAddr(r)) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
