package guardrailhttp

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// HealthHandler is an unconditional liveness probe: if the process can
// answer HTTP at all, it reports 200.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// ArmHealthHandler reports the live arm-runtime mode snapshot so
// operators can see at a glance whether the gateway has degraded to
// egress-only mode.
func ArmHealthHandler(arm *ArmRuntime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, arm.Snapshot())
	}
}

// ReadyHandler reports 503 until dependent stores are reachable. When
// Redis is configured for idempotency/quota, a ping failure fails
// readiness rather than liveness: the process is up, but it cannot
// serve traffic.
func ReadyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "reason": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// MetricsHandler exposes the Prometheus exposition endpoint for the
// gateway's own registry rather than the global default one, so
// metrics survive even when a process links in libraries that also
// register against prometheus.DefaultRegisterer.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
