// Package metrics provides bounded-cardinality counter/gauge/histogram
// wrappers over the Prometheus client, so that a runaway label
// dimension (tenant, bot) cannot blow up memory or scrape size.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultLabelCardMax     = 1000
	defaultLabelPairCardMax = 1000
	overflowLabel           = "__overflow__"
)

// LabelGuard enforces a bounded, write-once-then-overflow cardinality
// cap on an arbitrary label value, or on a (tenant,bot) pair.
// Membership is monotone (write once, then overflow), so no CAS is
// needed.
type LabelGuard struct {
	mu            sync.Mutex
	seen          map[string]struct{}
	pairsSeen     map[string]struct{}
	labelCardMax     int
	pairCardMax      int
}

// NewLabelGuard constructs a LabelGuard with the given caps; 0 selects
// the default of 1000.
func NewLabelGuard(labelCardMax, pairCardMax int) *LabelGuard {
	if labelCardMax <= 0 {
		labelCardMax = defaultLabelCardMax
	}
	if pairCardMax <= 0 {
		pairCardMax = defaultLabelPairCardMax
	}
	return &LabelGuard{
		seen:         map[string]struct{}{},
		pairsSeen:    map[string]struct{}{},
		labelCardMax: labelCardMax,
		pairCardMax:  pairCardMax,
	}
}

// Label bounds a single label value (e.g. tenant) to labelCardMax
// distinct observed values; values beyond the cap collapse to
// __overflow__. Membership is monotone: once observed, a value is
// always admitted again without cost.
func (g *LabelGuard) Label(value string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[value]; ok {
		return value
	}
	if len(g.seen) >= g.labelCardMax {
		return overflowLabel
	}
	g.seen[value] = struct{}{}
	return value
}

// Pair bounds a (tenant, bot) pair to pairCardMax distinct observed
// combinations; overflow collapses bot to __overflow__ (tenant is kept,
// since it passed its own Label cap already).
func (g *LabelGuard) Pair(tenant, bot string) (string, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := tenant + "\x00" + bot
	if _, ok := g.pairsSeen[key]; ok {
		return tenant, bot
	}
	if len(g.pairsSeen) >= g.pairCardMax {
		return tenant, overflowLabel
	}
	g.pairsSeen[key] = struct{}{}
	return tenant, bot
}

// Registry bundles the guardrail gateway's Prometheus vectors behind
// best-effort, panic-free emission methods.
type Registry struct {
	guard *LabelGuard

	RequestsTotal            *prometheus.CounterVec
	DecisionsTotal           *prometheus.CounterVec
	DecisionsFamilyTotal     *prometheus.CounterVec
	DecisionsFamilyBotTotal  *prometheus.CounterVec
	IdempReplayCount         prometheus.Histogram
	IdempTouchesTotal        prometheus.Counter
	IdempStuckLocksTotal     prometheus.Counter
	WebhookDLQLength         prometheus.Gauge
	VerifierRouterRankTotal  *prometheus.CounterVec
	ArmMode                  *prometheus.GaugeVec
	ArmTransitionsTotal      *prometheus.CounterVec

	IngressPathViolations    *prometheus.CounterVec
	TraceGuardViolations     *prometheus.CounterVec
	DuplicateHeaderSeen      *prometheus.CounterVec
	DuplicateHeaderBlocked   *prometheus.CounterVec
	HeaderLimitBlocked       *prometheus.CounterVec
	IngressUnicodeFlags      *prometheus.CounterVec
	IngressThrottleBlocked   prometheus.Counter
}

var defaultLatencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// NewRegistry constructs and registers all guardrail gateway metrics
// against reg (main and the tests each pass a dedicated
// prometheus.NewRegistry()).
func NewRegistry(reg prometheus.Registerer, labelCardMax, pairCardMax int) *Registry {
	r := &Registry{
		guard: NewLabelGuard(labelCardMax, pairCardMax),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardrail_requests_total", Help: "Total HTTP requests by endpoint.",
		}, []string{"endpoint"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardrail_decisions_total", Help: "Total decisions by action.",
		}, []string{"action"}),
		DecisionsFamilyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardrail_decisions_family_total", Help: "Total decisions by family.",
		}, []string{"family"}),
		DecisionsFamilyBotTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardrail_decisions_family_bot_total", Help: "Total decisions by tenant, bot, family.",
		}, []string{"tenant", "bot", "family"}),
		IdempReplayCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "guardrail_idemp_replay_count", Help: "Distribution of idempotency replay counts.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),
		IdempTouchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardrail_idemp_touches_total", Help: "Total idempotency TTL touches on replay.",
		}),
		IdempStuckLocksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardrail_idemp_stuck_locks_total", Help: "Total idempotency locks observed expired without a stored value.",
		}),
		WebhookDLQLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardrail_webhook_dlq_length", Help: "Current webhook dead-letter queue length.",
		}),
		VerifierRouterRankTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_router_rank_total", Help: "Total adaptive verifier reranks performed.",
		}, []string{"tenant", "bot"}),
		ArmMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardrail_arm_mode", Help: "1 if mode is currently active, else 0.",
		}, []string{"mode"}),
		ArmTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardrail_arm_transitions_total", Help: "Total arm-runtime mode transitions.",
		}, []string{"from", "to"}),
		IngressPathViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingress_path_violation_report", Help: "Total path-guard rejections by reason.",
		}, []string{"reason"}),
		TraceGuardViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingress_trace_guard_violation_report", Help: "Total trace-guard anomalies by kind.",
		}, []string{"kind"}),
		DuplicateHeaderSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duplicate_header_seen", Help: "Total duplicated headers observed by mode and name.",
		}, []string{"mode", "name"}),
		DuplicateHeaderBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duplicate_header_blocked", Help: "Total requests blocked for a duplicated unique header.",
		}, []string{"name"}),
		HeaderLimitBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingress_header_limit_blocked", Help: "Total requests blocked by header limits, by reason.",
		}, []string{"reason"}),
		IngressUnicodeFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingress_unicode_flags_total", Help: "Total unicode sanitizer flags observed, by flag.",
		}, []string{"flag"}),
		IngressThrottleBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingress_throttle_blocked_total", Help: "Total requests rejected by the per-IP ingress throttle.",
		}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			r.RequestsTotal, r.DecisionsTotal, r.DecisionsFamilyTotal, r.DecisionsFamilyBotTotal,
			r.IdempReplayCount, r.IdempTouchesTotal, r.IdempStuckLocksTotal, r.WebhookDLQLength,
			r.VerifierRouterRankTotal, r.ArmMode, r.ArmTransitionsTotal,
			r.IngressPathViolations, r.TraceGuardViolations, r.DuplicateHeaderSeen,
			r.DuplicateHeaderBlocked, r.HeaderLimitBlocked, r.IngressUnicodeFlags,
			r.IngressThrottleBlocked,
		}
		for _, c := range collectors {
			_ = reg.Register(c) // best-effort: emission must never raise
		}
	}
	return r
}

// ObserveRequest increments the requests counter. Never panics.
func (r *Registry) ObserveRequest(endpoint string) {
	defer recoverMetric()
	r.RequestsTotal.WithLabelValues(endpoint).Inc()
}

// ObserveDecision increments the decision counters, applying the
// bounded-cardinality guard to tenant and bot. Never panics.
func (r *Registry) ObserveDecision(action, family, tenant, bot string) {
	defer recoverMetric()
	r.DecisionsTotal.WithLabelValues(action).Inc()
	r.DecisionsFamilyTotal.WithLabelValues(family).Inc()
	boundedTenant, boundedBot := r.guard.Pair(r.guard.Label(tenant), bot)
	r.DecisionsFamilyBotTotal.WithLabelValues(boundedTenant, boundedBot, family).Inc()
}

// ObserveReplayCount records one idempotency replay observation.
func (r *Registry) ObserveReplayCount(count int) {
	defer recoverMetric()
	r.IdempReplayCount.Observe(float64(count))
}

// IncTouches increments the idempotency TTL-touch counter.
func (r *Registry) IncTouches() {
	defer recoverMetric()
	r.IdempTouchesTotal.Inc()
}

// IncStuckLocks increments the stuck-lock counter.
func (r *Registry) IncStuckLocks() {
	defer recoverMetric()
	r.IdempStuckLocksTotal.Inc()
}

// SetDLQLength sets the webhook DLQ length gauge.
func (r *Registry) SetDLQLength(n int) {
	defer recoverMetric()
	r.WebhookDLQLength.Set(float64(n))
}

// ObserveRouterRank increments the verifier rerank counter for (tenant, bot).
func (r *Registry) ObserveRouterRank(tenant, bot string) {
	defer recoverMetric()
	boundedTenant, boundedBot := r.guard.Pair(r.guard.Label(tenant), bot)
	r.VerifierRouterRankTotal.WithLabelValues(boundedTenant, boundedBot).Inc()
}

// SetArmMode marks mode as the single active mode (all others 0).
func (r *Registry) SetArmMode(active string, allModes []string) {
	defer recoverMetric()
	for _, m := range allModes {
		val := 0.0
		if m == active {
			val = 1.0
		}
		r.ArmMode.WithLabelValues(m).Set(val)
	}
}

// ObserveArmTransition increments the mode-transition counter.
func (r *Registry) ObserveArmTransition(from, to string) {
	defer recoverMetric()
	r.ArmTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObservePathViolation increments the path-guard rejection counter.
func (r *Registry) ObservePathViolation(reason string) {
	defer recoverMetric()
	r.IngressPathViolations.WithLabelValues(reason).Inc()
}

// ObserveTraceGuardViolation increments the trace-guard anomaly counter.
func (r *Registry) ObserveTraceGuardViolation(kind string) {
	defer recoverMetric()
	r.TraceGuardViolations.WithLabelValues(kind).Inc()
}

// ObserveDuplicateHeaderSeen increments the duplicate-header-seen counter.
func (r *Registry) ObserveDuplicateHeaderSeen(mode, name string) {
	defer recoverMetric()
	r.DuplicateHeaderSeen.WithLabelValues(mode, name).Inc()
}

// ObserveDuplicateHeaderBlocked increments the duplicate-header-blocked counter.
func (r *Registry) ObserveDuplicateHeaderBlocked(name string) {
	defer recoverMetric()
	r.DuplicateHeaderBlocked.WithLabelValues(name).Inc()
}

// ObserveHeaderLimitBlocked increments the header-limit-blocked counter.
func (r *Registry) ObserveHeaderLimitBlocked(reason string) {
	defer recoverMetric()
	r.HeaderLimitBlocked.WithLabelValues(reason).Inc()
}

// ObserveUnicodeFlag increments the unicode-flag counter.
func (r *Registry) ObserveUnicodeFlag(flag string) {
	defer recoverMetric()
	r.IngressUnicodeFlags.WithLabelValues(flag).Inc()
}

// ObserveThrottleBlocked increments the per-IP throttle rejection counter.
func (r *Registry) ObserveThrottleBlocked() {
	defer recoverMetric()
	r.IngressThrottleBlocked.Inc()
}

func recoverMetric() {
	_ = recover() // metric emission is best-effort and must never raise
}

// NewLatencyHistogramVec constructs a histogram vector using the
// default latency buckets.
func NewLatencyHistogramVec(name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: name, Help: help, Buckets: defaultLatencyBuckets,
	}, labels)
}
