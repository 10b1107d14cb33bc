// Package guardrailhttp wires the policy store, idempotency engine,
// unicode/path/trace guards, detectors, risk/escalation, verifier
// pipeline, quota store, decision bus, and metrics registry into the
// ordered ingress/egress decision pipeline and the
// gateway's HTTP surface.
package guardrailhttp

import (
	"sync"
	"time"

	"github.com/guardrail-labs/guardrail-gateway/pkg/metrics"
)

// ArmState is one arm's coarse health reading.
type ArmState string

const (
	ArmUp       ArmState = "up"
	ArmDegraded ArmState = "degraded"
	ArmDown     ArmState = "down"
)

// ArmMode is the runtime's current mode of operation.
type ArmMode string

const (
	ArmModeNormal     ArmMode = "normal"
	ArmModeEgressOnly ArmMode = "egress_only"
)

// ArmStatus is a human-readable health snapshot for one arm.
type ArmStatus struct {
	State  ArmState `json:"state"`
	Reason string   `json:"reason"`
}

// ArmRuntime tracks ingress/egress health and arbitrates between
// normal and egress_only mode: forced states for
// tests/instrumentation, lag-threshold degradation, metrics on every
// transition.
type ArmRuntime struct {
	mu sync.RWMutex

	ingressEnabled bool
	egressEnabled  bool
	lagThreshold   time.Duration
	egressOnlyOnIngressDegraded bool

	forcedIngress       ArmState
	forcedIngressReason string
	queueLag            time.Duration
	hasQueueLag         bool

	mode              ArmMode
	ingressStatus     ArmStatus
	egressStatus      ArmStatus
	degradationReason string

	metrics *metrics.Registry
	clock   func() time.Time
}

// NewArmRuntime constructs a runtime with both arms enabled by default.
func NewArmRuntime(lagThreshold time.Duration, egressOnlyOnIngressDegraded bool, reg *metrics.Registry) *ArmRuntime {
	r := &ArmRuntime{
		ingressEnabled:              true,
		egressEnabled:               true,
		lagThreshold:                lagThreshold,
		egressOnlyOnIngressDegraded: egressOnlyOnIngressDegraded,
		mode:                        ArmModeNormal,
		ingressStatus:               ArmStatus{State: ArmUp, Reason: "healthy"},
		egressStatus:                ArmStatus{State: ArmUp, Reason: "enabled"},
		metrics:                     reg,
		clock:                       time.Now,
	}
	return r
}

// WithClock overrides the runtime's time source for deterministic tests.
func (r *ArmRuntime) WithClock(clock func() time.Time) *ArmRuntime {
	r.clock = clock
	return r
}

// SetIngressEnabled toggles the ingress arm; a disabled arm always
// reports down.
func (r *ArmRuntime) SetIngressEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ingressEnabled = enabled
}

// SetEgressEnabled toggles the egress arm.
func (r *ArmRuntime) SetEgressEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.egressEnabled = enabled
}

// ForceIngressState forces the ingress probe into a specific state for
// tests or operator instrumentation; pass "" to clear the override.
func (r *ArmRuntime) ForceIngressState(state ArmState, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forcedIngress = state
	r.forcedIngressReason = reason
}

// RecordQueueLag observes the current ingress queue lag; a lag beyond
// the configured threshold marks ingress degraded.
func (r *ArmRuntime) RecordQueueLag(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueLag = d
	r.hasQueueLag = true
}

// ClearQueueLag drops the last observed lag sample.
func (r *ArmRuntime) ClearQueueLag() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hasQueueLag = false
}

func (r *ArmRuntime) evaluateIngressLocked() (degraded bool, reason string, status ArmStatus) {
	if !r.ingressEnabled {
		return true, "ingress arm disabled", ArmStatus{State: ArmDown, Reason: "ingress arm disabled"}
	}
	if r.forcedIngress == ArmDown {
		reason := r.forcedIngressReason
		if reason == "" {
			reason = "ingress arm forced down"
		}
		return true, reason, ArmStatus{State: ArmDown, Reason: reason}
	}
	if r.forcedIngress == ArmDegraded {
		reason := r.forcedIngressReason
		if reason == "" {
			reason = "ingress arm forced degraded"
		}
		return true, reason, ArmStatus{State: ArmDegraded, Reason: reason}
	}
	if r.forcedIngress == ArmUp {
		return false, "", ArmStatus{State: ArmUp, Reason: "healthy"}
	}
	if r.hasQueueLag && r.queueLag > r.lagThreshold {
		reason := "ingress queue lag exceeds threshold"
		return true, reason, ArmStatus{State: ArmDegraded, Reason: reason}
	}
	return false, "", ArmStatus{State: ArmUp, Reason: "healthy"}
}

// IsIngressDegraded reports whether ingress is currently degraded or
// down, and refreshes the cached status snapshot.
func (r *ArmRuntime) IsIngressDegraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	degraded, reason, status := r.evaluateIngressLocked()
	r.ingressStatus = status
	r.degradationReason = reason
	return degraded
}

// EvaluateMode recomputes the arm mode from current health and returns
// it, emitting a transition metric whenever the mode actually changes.
func (r *ArmRuntime) EvaluateMode() ArmMode {
	r.mu.Lock()
	defer r.mu.Unlock()

	degraded, reason, ingressStatus := r.evaluateIngressLocked()
	r.ingressStatus = ingressStatus
	r.degradationReason = reason

	if r.egressEnabled {
		r.egressStatus = ArmStatus{State: ArmUp, Reason: "enabled"}
	} else {
		r.egressStatus = ArmStatus{State: ArmDown, Reason: "egress arm disabled"}
	}

	target := r.mode
	switch {
	case degraded && r.egressOnlyOnIngressDegraded && r.egressEnabled:
		target = ArmModeEgressOnly
	case !degraded:
		target = ArmModeNormal
	}

	if target != r.mode {
		if r.metrics != nil {
			r.metrics.ObserveArmTransition(string(r.mode), string(target))
		}
		r.mode = target
	}
	if r.metrics != nil {
		r.metrics.SetArmMode(string(r.mode), []string{string(ArmModeNormal), string(ArmModeEgressOnly)})
	}
	return r.mode
}

// Snapshot returns the arm runtime's current health for the
// /health/arms diagnostic endpoint.
type Snapshot struct {
	Mode                    ArmMode  `json:"mode"`
	Ingress                 ArmStatus `json:"ingress"`
	Egress                  ArmStatus `json:"egress"`
	IngressDegradationReason string   `json:"ingress_degradation_reason,omitempty"`
}

// Snapshot evaluates the mode and returns a diagnostic snapshot.
func (r *ArmRuntime) Snapshot() Snapshot {
	mode := r.EvaluateMode()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Mode:                     mode,
		Ingress:                  r.ingressStatus,
		Egress:                   r.egressStatus,
		IngressDegradationReason: r.degradationReason,
	}
}
