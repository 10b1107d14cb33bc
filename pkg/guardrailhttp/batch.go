package guardrailhttp

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/guardrail-labs/guardrail-gateway/pkg/apierr"
	"github.com/guardrail-labs/guardrail-gateway/pkg/policy"
	"github.com/guardrail-labs/guardrail-gateway/pkg/risk"
	"github.com/guardrail-labs/guardrail-gateway/pkg/streamguard"
	"github.com/guardrail-labs/guardrail-gateway/pkg/tenant"
)

// BatchEvaluateRequest is the body shape for /guardrail/batch_evaluate:
// an ordered list of items, each evaluated independently against the
// caller's (tenant, bot) binding.
type BatchEvaluateRequest struct {
	Items []EvaluateRequest `json:"items"`
}

// BatchEvaluateResponse pairs each input item with its decision, in
// the same order as the request.
type BatchEvaluateResponse struct {
	Results []EvaluateResponse `json:"results"`
}

// BatchEvaluateHandler runs the ingress detector+risk pass over every
// item in one request, sequentially, reusing the same binding and
// policy lookup. It intentionally sits above the single-item pipeline
// rather than duplicating it: per-item idempotency and verifier calls
// matter less in a batch context, so the batch endpoint runs
// detectors+escalation only.
func (p *Pipeline) BatchEvaluateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			apierr.WriteMethodNotAllowed(w)
			return
		}
		binding := tenant.ExtractBinding(r)

		var req BatchEvaluateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.WriteBadRequest(w, "invalid JSON body")
			return
		}

		pol, _ := p.Policy.GetFor(binding.Tenant, binding.Bot)
		results := make([]EvaluateResponse, 0, len(req.Items))

		for _, item := range req.Items {
			det := runDetectors(item.Text, &pol.Document, p.ScanTerms)
			fingerprint := risk.Fingerprint(binding.Tenant, binding.Bot, item.Text)
			family := familyFromAction(det.Action)
			if det.Action == policy.ActionDeny || det.Action == policy.ActionLock {
				p.Escalation.OnDeny(fingerprint)
			} else {
				p.Escalation.OnAllow(fingerprint)
			}
			results = append(results, EvaluateResponse{
				Action:          string(det.Action),
				Family:          string(family),
				Mode:            "normal",
				TransformedText: det.TransformedText,
				RedactionCount:  det.RedactionCount,
				RuleIDs:         det.RuleIDs,
				IncidentID:      uuid.New().String(),
				PolicyVersion:   pol.Version,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Guardrail-Policy-Version", pol.Version)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(BatchEvaluateResponse{Results: results})

		if p.Metrics != nil {
			for _, res := range results {
				p.Metrics.ObserveDecision(res.Action, res.Family, binding.Tenant, binding.Bot)
			}
		}
	}
}

// EgressBatchRequest/Response mirror BatchEvaluate for the egress path.
type EgressBatchRequest struct {
	Items []EgressRequest `json:"items"`
}

type EgressBatchResponse struct {
	Results []EgressResponse `json:"results"`
}

// EgressBatchHandler runs the non-streaming egress redaction pass over
// every item in one request.
func (p *Pipeline) EgressBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			apierr.WriteMethodNotAllowed(w)
			return
		}
		binding := tenant.ExtractBinding(r)

		var req EgressBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.WriteBadRequest(w, "invalid JSON body")
			return
		}

		pol, _ := p.Policy.GetFor(binding.Tenant, binding.Bot)
		patterns := redactPatternsForPolicy(&pol.Document)
		results := make([]EgressResponse, 0, len(req.Items))

		for _, item := range req.Items {
			guard := streamguard.New(p.Config.StreamLookbackChars, p.Config.StreamFlushMinBytes, p.Config.StreamDenyOnPrivateKey, patterns)
			emitted, _ := guard.Step(item.Text)
			out := emitted + guard.Close()

			action := "allow"
			if guard.Denied() {
				action = "deny"
			} else if guard.Redactions() > 0 {
				action = "redact"
			}
			results = append(results, EgressResponse{
				Action:          action,
				TransformedText: out,
				Redactions:      guard.Redactions(),
				Denied:          guard.Denied(),
				IncidentID:      uuid.New().String(),
				PolicyVersion:   pol.Version,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(EgressBatchResponse{Results: results})
	}
}
