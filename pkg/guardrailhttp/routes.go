package guardrailhttp

import (
	"net/http"

	"github.com/redis/go-redis/v9"
)

// chain composes middlewares left-to-right, so the first in the list
// runs outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// NewMux builds the complete HTTP surface: the public request-path
// endpoints wrapped in the five-stage ingress guard chain (applied
// ahead of the decision-pipeline stages that live inside Pipeline's
// own handlers), plus the unauthenticated health
// surface. The bearer/JWT-gated admin surface is built by NewAdminMux.
func NewMux(p *Pipeline) *http.ServeMux {
	mux := http.NewServeMux()

	guardChain := []func(http.Handler) http.Handler{}
	if p.Config.IngressThrottleEnabled {
		guardChain = append(guardChain, NewIngressThrottle(p.Config.IngressThrottleRPS, p.Config.IngressThrottleBurst, p.Metrics).Middleware)
	}
	guardChain = append(guardChain,
		PathGuard(p.Metrics),
		TraceGuard(p.Metrics),
		DuplicateHeaderGuard(DuplicateHeaderMode(p.Config.IngressDuplicateHeaderMode), DefaultUniqueHeaders, p.Metrics),
		HeaderLimits(p.Config.IngressHeaderLimitsEnabled, p.Config.IngressMaxHeaderCount, p.Config.IngressMaxHeaderValueBytes, p.Metrics),
		UnicodeSanitizer(unicodeBlockMode(p.Config.IngressUnicodeMode), blockedFlagSet(p.Config.IngressUnicodeBlockedFlags), p.Metrics),
	)

	register := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, chain(h, guardChain...))
	}

	register("/guardrail/evaluate", p.EvaluateHandler())
	register("/guardrail/egress_evaluate", p.EgressEvaluateHandler())
	register("/guardrail/batch_evaluate", p.BatchEvaluateHandler())
	register("/guardrail/egress_batch", p.EgressBatchHandler())
	register("/proxy/chat", p.ChatHandler())
	register("/demo/egress_stream", p.DemoEgressStreamHandler())

	mux.Handle("/health", HealthHandler())
	mux.Handle("/health/arms", ArmHealthHandler(p.Arm))

	return mux
}

// NewAdminMux builds the operator-only mux, expected to be served on a
// separate listener/port (Config.AdminPort) so it can sit behind a
// different network boundary than the public request path.
func NewAdminMux(p *Pipeline, admin *AdminServer, redisClient *redis.Client, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	auth := AdminAuth(p.Config.AdminUIToken, p.Config.AdminUISecret)

	registerAdmin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, auth(h))
	}

	registerAdmin("/admin/policy/packs", admin.UpsertPackHandler())
	registerAdmin("/admin/policy/bind", admin.BindHandler())
	registerAdmin("/admin/policy/unbind", admin.UnbindHandler())
	registerAdmin("/admin/policy/reload", admin.ReloadHandler())
	registerAdmin("/admin/webhook/dlq/stats", admin.WebhookDLQStatsHandler())
	registerAdmin("/admin/webhook/dlq/retry_all", admin.WebhookDLQRetryAllHandler())
	registerAdmin("/admin/webhook/dlq/purge_all", admin.WebhookDLQPurgeAllHandler())
	registerAdmin("/admin/idempotency/recent", admin.IdempotencyRecentHandler())
	registerAdmin("/admin/idempotency/purge", admin.IdempotencyPurgeHandler())
	registerAdmin("/admin/quota/peek", admin.QuotaPeekHandler())
	registerAdmin("/admin/quota/reset", admin.QuotaResetHandler())
	registerAdmin("/admin/risk/snapshot", admin.RiskSnapshotHandler())
	registerAdmin("/admin/bus/query", admin.BusQueryHandler())
	registerAdmin("/admin/bus/stream", admin.BusStreamHandler())

	mux.Handle("/readyz", ReadyHandler(redisClient))
	mux.Handle("/metrics", metricsHandler)

	return mux
}

func blockedFlagSet(flags []string) map[string]struct{} {
	out := make(map[string]struct{}, len(flags))
	for _, f := range flags {
		out[f] = struct{}{}
	}
	return out
}

