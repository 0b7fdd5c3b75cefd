// ABOUTME: Per-source token buckets that throttle webhook deliveries before signature work.
// ABOUTME: Idle buckets are swept by a background goroutine that stops when the limiter is closed.
package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type sourceBucket struct {
	tokens *rate.Limiter
	seen   time.Time
}

// deliveryLimiter throttles webhook deliveries per source address.
type deliveryLimiter struct {
	every   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*sourceBucket

	stop      chan struct{}
	swept     chan struct{}
	closeOnce sync.Once
}

// newDeliveryLimiter starts a limiter and its sweeper. Callers must Close it.
func newDeliveryLimiter(every rate.Limit, burst int, idleTTL time.Duration) *deliveryLimiter {
	l := &deliveryLimiter{
		every:   every,
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
		buckets: make(map[string]*sourceBucket),
		stop:    make(chan struct{}),
		swept:   make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// allow takes one token from source's bucket.
func (l *deliveryLimiter) allow(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[source]
	if !ok {
		b = &sourceBucket{tokens: rate.NewLimiter(l.every, l.burst)}
		l.buckets[source] = b
	}
	b.seen = l.now()
	return b.tokens.Allow()
}

// retryAfter is the whole number of seconds until source earns its next token.
func (l *deliveryLimiter) retryAfter(source string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[source]
	if !ok || l.every <= 0 {
		return 60
	}
	r := b.tokens.ReserveN(l.now(), 1)
	wait := r.DelayFrom(l.now())
	r.CancelAt(l.now())
	secs := int(wait.Round(time.Second) / time.Second)
	return max(secs, 1)
}

// sweep drops buckets idle for longer than idleTTL and returns how many remain.
func (l *deliveryLimiter) sweep() int {
	cutoff := l.now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for src, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, src)
		}
	}
	return len(l.buckets)
}

func (l *deliveryLimiter) sweepLoop() {
	defer close(l.swept)
	interval := l.idleTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.sweep()
		}
	}
}

// Close stops the sweeper and waits for it to exit. Safe to call more than once.
func (l *deliveryLimiter) Close() {
	l.closeOnce.Do(func() { close(l.stop) })
	<-l.swept
}

// webhookRateLimit throttles by r.RemoteAddr; chi's RealIP middleware must run
// first for X-Forwarded-For to count behind a reverse proxy.
func (srv *Server) webhookRateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			source := r.RemoteAddr
			if host, _, err := net.SplitHostPort(source); err == nil {
				source = host
			}
			if !srv.limiter.allow(source) {
				w.Header().Set("Retry-After", strconv.Itoa(srv.limiter.retryAfter(source)))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
