package guardrailhttp

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/guardrail-labs/guardrail-gateway/pkg/metrics"
)

// --- Ingress throttle: a per-IP token bucket that sheds load before
// any decision-pipeline work runs.

// ingressVisitor tracks one IP's limiter and last-seen time, so stale
// entries can be pruned without bounding the map by a fixed size.
type ingressVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IngressThrottle is a per-IP token-bucket limiter sitting ahead of the
// guard chain. Visitors idle past visitorTTL are pruned by a background
// sweep so long-running processes don't accumulate one limiter per
// client forever.
type IngressThrottle struct {
	mu       sync.Mutex
	visitors map[string]*ingressVisitor
	rps      rate.Limit
	burst    int
	reg      *metrics.Registry
}

const (
	visitorTTL          = 3 * time.Minute
	visitorSweepPeriod  = 1 * time.Minute
)

// NewIngressThrottle constructs a throttle allowing rps requests/second
// per source IP with the given burst, and starts its background
// visitor sweep. rps <= 0 disables limiting (Allow always true).
func NewIngressThrottle(rps float64, burst int, reg *metrics.Registry) *IngressThrottle {
	t := &IngressThrottle{
		visitors: make(map[string]*ingressVisitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		reg:      reg,
	}
	go t.sweep()
	return t
}

func (t *IngressThrottle) sweep() {
	for {
		time.Sleep(visitorSweepPeriod)
		t.mu.Lock()
		for ip, v := range t.visitors {
			if time.Since(v.lastSeen) > visitorTTL {
				delete(t.visitors, ip)
			}
		}
		t.mu.Unlock()
	}
}

func (t *IngressThrottle) limiterFor(ip string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.visitors[ip]
	if !ok {
		limiter := rate.NewLimiter(t.rps, t.burst)
		t.visitors[ip] = &ingressVisitor{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// Middleware rejects requests over the per-IP rate with 429, ahead of
// every other ingress guard stage.
func (t *IngressThrottle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.rps <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		limiter := t.limiterFor(clientIP(r))
		if !limiter.Allow() {
			if t.reg != nil {
				t.reg.ObserveThrottleBlocked()
			}
			w.Header().Set("Retry-After", "5")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too_many_requests","detail":"ingress rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
