package guardrailhttp

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guardrail-labs/guardrail-gateway/pkg/apierr"
	"github.com/guardrail-labs/guardrail-gateway/pkg/idempotency"
	"github.com/guardrail-labs/guardrail-gateway/pkg/policy"
	"github.com/guardrail-labs/guardrail-gateway/pkg/risk"
	"github.com/guardrail-labs/guardrail-gateway/pkg/streamguard"
	"github.com/guardrail-labs/guardrail-gateway/pkg/tenant"
	"github.com/guardrail-labs/guardrail-gateway/pkg/verifier"
)

// ChatRequest is the body shape accepted by /proxy/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is the guarded reply returned by /proxy/chat.
type ChatResponse struct {
	Reply          string `json:"reply"`
	Action         string `json:"action"`
	RedactionCount int    `json:"redaction_count"`
	IncidentID     string `json:"incident_id"`
	PolicyVersion  string `json:"policy_version"`
}

// upstreamEcho simulates a downstream LLM completion; the real system
// swaps this for a concrete provider SDK call behind the same seam.
func upstreamEcho(message string) string {
	return "you said: " + message
}

// ChatHandler implements /proxy/chat: a bearer-authenticated full round
// trip through ingress detection, a simulated upstream call, and
// egress redaction: the complete guarded-chat flow in one endpoint.
func (p *Pipeline) ChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			apierr.WriteMethodNotAllowed(w)
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			apierr.WriteUnauthorized(w, "missing bearer token")
			return
		}

		binding := tenant.ExtractBinding(r)
		requestID := tenant.GetRequestID(r.Context())

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.WriteBadRequest(w, "invalid JSON body")
			return
		}

		pol, _ := p.Policy.GetFor(binding.Tenant, binding.Bot)
		det := runDetectors(req.Message, &pol.Document, p.ScanTerms)
		fingerprint := risk.Fingerprint(binding.Tenant, binding.Bot, idempotency.BodySHA256([]byte(req.Message)))

		quarantine := p.Escalation.Check(fingerprint)
		if quarantine.Mode == risk.ModeFullQuarantine {
			apierr.WriteQuarantine(w, int(quarantine.RetryAfter.Seconds()), "tenant fingerprint is quarantined")
			return
		}

		switch det.Action {
		case policy.ActionDeny, policy.ActionLock:
			p.Risk.Bump(binding.Tenant, binding.Bot, binding.Session, 10, 24*time.Hour)
			esc := p.Escalation.OnDeny(fingerprint)
			incidentID := uuid.New().String()
			w.Header().Set("X-Guardrail-Decision", "block")
			w.Header().Set("X-Guardrail-Incident-ID", incidentID)
			w.Header().Set("X-Guardrail-Policy-Version", pol.Version)
			if esc.Mode == risk.ModeFullQuarantine {
				apierr.WriteQuarantine(w, int(esc.RetryAfter.Seconds()), "request denied by policy; fingerprint now quarantined")
				return
			}
			apierr.Write(w, http.StatusOK, apierr.CodePolicyViolation, "Policy Violation", "request denied by policy")
			return
		case policy.ActionClarify:
			p.Escalation.OnAllow(fingerprint)
			if p.Verifier != nil {
				vMeta := verifier.Meta{Tenant: binding.Tenant, Bot: binding.Bot, RequestID: requestID, PolicyVersion: pol.Version, Fingerprint: fingerprint}
				hardened := p.Verifier.HardenedAssess(r.Context(), req.Message, vMeta, p.Config.VerifierProviderTimeout*2)
				if hardened.Decision == verifier.DecisionDeny {
					apierr.Write(w, http.StatusOK, apierr.CodePolicyViolation, "Policy Violation", "request denied by verifier")
					return
				}
				if hardened.Decision != verifier.DecisionAllow {
					w.Header().Set("X-Guardrail-Mode", string(hardened.Mode))
					apierr.Write(w, http.StatusOK, apierr.CodePolicyViolation, "Clarification Required", "request requires clarification")
					return
				}
			}
		default:
			p.Escalation.OnAllow(fingerprint)
		}

		reply := upstreamEcho(det.TransformedText)

		guard := streamguard.New(p.Config.StreamLookbackChars, p.Config.StreamFlushMinBytes, p.Config.StreamDenyOnPrivateKey, redactPatternsForPolicy(&pol.Document))
		emitted, _ := guard.Step(reply)
		reply = emitted + guard.Close()

		action := "allow"
		if guard.Denied() {
			action = "deny"
			reply = "[STREAM BLOCKED]"
		} else if guard.Redactions() > 0 || det.RedactionCount > 0 {
			action = "redact"
		}

		incidentID := uuid.New().String()
		w.Header().Set("X-Guardrail-Decision", action)
		w.Header().Set("X-Guardrail-Incident-ID", incidentID)
		w.Header().Set("X-Guardrail-Policy-Version", pol.Version)
		if requestID != "" {
			w.Header().Set("X-Request-ID", requestID)
		}

		resp := ChatResponse{
			Reply:          reply,
			Action:         action,
			RedactionCount: det.RedactionCount + guard.Redactions(),
			IncidentID:     incidentID,
			PolicyVersion:  pol.Version,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)

		if p.Metrics != nil {
			p.Metrics.ObserveDecision(action, familyFromChatAction(action), binding.Tenant, binding.Bot)
		}
	}
}

func familyFromChatAction(action string) string {
	switch action {
	case "deny":
		return string(familyBlock)
	case "redact":
		return string(familySanitize)
	default:
		return string(familyAllow)
	}
}
