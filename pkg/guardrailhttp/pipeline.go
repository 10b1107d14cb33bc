package guardrailhttp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guardrail-labs/guardrail-gateway/pkg/apierr"
	"github.com/guardrail-labs/guardrail-gateway/pkg/audit"
	"github.com/guardrail-labs/guardrail-gateway/pkg/bus"
	"github.com/guardrail-labs/guardrail-gateway/pkg/config"
	"github.com/guardrail-labs/guardrail-gateway/pkg/idempotency"
	"github.com/guardrail-labs/guardrail-gateway/pkg/metrics"
	"github.com/guardrail-labs/guardrail-gateway/pkg/policy"
	"github.com/guardrail-labs/guardrail-gateway/pkg/quota"
	"github.com/guardrail-labs/guardrail-gateway/pkg/risk"
	"github.com/guardrail-labs/guardrail-gateway/pkg/tenant"
	"github.com/guardrail-labs/guardrail-gateway/pkg/verifier"
	"github.com/guardrail-labs/guardrail-gateway/pkg/webhook"
)

// Pipeline wires every gateway component into the ordered ingress
// decision flow (stages 6-14), picking up where the outer guard
// middlewares (stages 1-5) leave off.
type Pipeline struct {
	Config      *config.Config
	Policy      *policy.Store
	Idempotency *idempotency.Engine
	Risk        *risk.Store
	Escalation  *risk.Escalation
	Quota       quota.Store
	Verifier    *verifier.Pipeline
	Bus         *bus.Bus
	Metrics     *metrics.Registry
	Audit       *audit.Logger
	Arm         *ArmRuntime
	Logger      *slog.Logger

	Webhook *webhook.Delivery
	DLQ     *webhook.DLQ

	ScanTerms []string
	Clock     func() time.Time
}

// idempotencyKeyPattern bounds the accepted Idempotency-Key shape.
var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._\-:/]{1,200}$`)

// decisionFamily classifies the terminal outcome for bus/metrics/headers.
type decisionFamily string

const (
	familyAllow    decisionFamily = "allow"
	familyBlock    decisionFamily = "block"
	familyVerify   decisionFamily = "verify"
	familySanitize decisionFamily = "sanitize"
)

func (p *Pipeline) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

// EvaluateRequest is the request body shape accepted by
// /guardrail/evaluate and, per item, by the batch endpoint.
type EvaluateRequest struct {
	Text    string                 `json:"text"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// EvaluateResponse is returned on a non-short-circuited decision.
type EvaluateResponse struct {
	Action          string   `json:"action"`
	Family          string   `json:"family"`
	Mode            string   `json:"mode"`
	TransformedText string   `json:"transformed_text,omitempty"`
	RedactionCount  int      `json:"redaction_count"`
	RuleIDs         []string `json:"rule_ids,omitempty"`
	IncidentID      string   `json:"incident_id"`
	PolicyVersion   string   `json:"policy_version"`
}

// EvaluateHandler implements the core ingress decision pipeline
// for /guardrail/evaluate.
func (p *Pipeline) EvaluateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := p.now()
		binding := tenant.ExtractBinding(r)
		requestID := tenant.GetRequestID(r.Context())
		if requestID == "" {
			requestID = r.Header.Get("X-Request-ID")
		}

		if r.Method != http.MethodPost {
			apierr.WriteMethodNotAllowed(w)
			return
		}

		if p.Config.QuotaEnabled && p.Quota != nil {
			qr, err := p.Quota.CheckAndInc(r.Context(), binding.Tenant+":"+binding.Bot, p.Config.QuotaPerDay, p.Config.QuotaPerMonth, p.now())
			if err != nil {
				apierr.WriteStoreUnavailable(w, "quota store unavailable")
				return
			}
			stampQuotaHeaders(w, qr)
			if !qr.Allowed {
				apierr.WriteTooManyRequests(w, int(qr.RetryAfter.Seconds()), "quota exceeded: "+string(qr.Reason))
				return
			}
		}

		// Stage 6: body read + size cap, gating idempotency only.
		maxBody := p.Config.IdempotencyBodyMaxBytes
		bodyOversize := false
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			apierr.WriteBadRequest(w, "could not read request body")
			return
		}
		if int64(len(body)) > maxBody {
			bodyOversize = true
		}

		var reqDoc EvaluateRequest
		if len(body) > 0 && !bodyOversize {
			if err := json.Unmarshal(body, &reqDoc); err != nil {
				apierr.WriteBadRequest(w, "invalid JSON body")
				return
			}
		}

		pol, _ := p.Policy.GetFor(binding.Tenant, binding.Bot)

		// Stage 7: idempotency admission.
		idemKey := r.Header.Get("Idempotency-Key")
		var idemOwner, idemStoreKey string
		idemActive := p.Idempotency != nil && idemKey != "" && idempotencyKeyPattern.MatchString(idemKey) && !bodyOversize
		if idemActive {
			bodySHA := idempotency.BodySHA256(body)
			fp := idempotency.Fingerprint(r.Method, r.URL.Path, binding.Tenant, binding.Bot, bodySHA)
			// Store keys are tenant-scoped, matching the Redis key shape
			// idem:{tenant}:{key}; the raw client key is only echoed back.
			idemStoreKey = binding.Tenant + ":" + idemKey
			decision, err := p.Idempotency.Admit(r.Context(), idemStoreKey, fp)
			if err != nil && p.Logger != nil {
				p.Logger.Warn("idempotency admit error", "error", err)
			}
			switch decision.Outcome {
			case idempotency.OutcomeReplay:
				p.replayStored(w, idemKey, decision)
				return
			case idempotency.OutcomeConflict:
				w.Header().Set("Idempotency-Key", idemKey)
				w.Header().Set("X-Idempotency-Status", "conflict")
				apierr.WriteConflict(w, "a different request is already in flight for this idempotency key")
				return
			case idempotency.OutcomeStoreUnavailable:
				apierr.WriteStoreUnavailable(w, "idempotency store unavailable")
				return
			case idempotency.OutcomeLeader:
				idemOwner = decision.Owner
			}
		}

		// Mode arbitration: with ingress degraded and the egress-only
		// fallback enabled, stages 8-12 are skipped entirely while
		// egress enforcement stays live on the response path.
		egressOnly := p.Arm != nil && p.Arm.EvaluateMode() == ArmModeEgressOnly

		det := DetectionResult{Action: policy.ActionRedact, TransformedText: reqDoc.Text}
		family := familyAllow
		mode := string(bus.ModeNormal)

		if egressOnly {
			mode = string(bus.ModeEgressOnly)
		} else {
			// Stage 8: one safe decode layer over JSON string fields.
			var payload interface{} = reqDoc.Payload
			decodeJSONPass(payload)

			// Stage 9: archive peek, deriving extra plaintext for detectors.
			derived, _ := archivePeekPass(payload)

			text := reqDoc.Text
			for _, d := range derived {
				text += "\n" + d
			}

			// Stage 10: detectors.
			det = runDetectors(text, &pol.Document, p.ScanTerms)

			// Stage 11: risk + escalation.
			fingerprint := risk.Fingerprint(binding.Tenant, binding.Bot, idempotency.BodySHA256([]byte(text)))
			quarantine := p.Escalation.Check(fingerprint)

			var escResult risk.Result
			switch det.Action {
			case policy.ActionDeny, policy.ActionLock:
				p.Risk.Bump(binding.Tenant, binding.Bot, binding.Session, 10, 24*time.Hour)
				escResult = p.Escalation.OnDeny(fingerprint)
			default:
				p.Escalation.OnAllow(fingerprint)
			}
			if quarantine.Mode == risk.ModeFullQuarantine {
				escResult = quarantine
			}

			if escResult.Mode == risk.ModeFullQuarantine {
				p.publishAndRespond(w, r, binding, requestID, "", "", familyBlock, string(bus.ModeFullQuarantine), start, idemOwner, idemStoreKey)
				apierr.WriteQuarantine(w, int(escResult.RetryAfter.Seconds()), "tenant fingerprint is quarantined")
				return
			}

			// Stage 12: verifier invocation, if policy calls for it.
			family = familyFromAction(det.Action)
			forceUnclear := r.Header.Get("X-Force-Unclear") == "1"
			if p.Verifier != nil && (det.Action == policy.ActionClarify || forceUnclear) {
				vMeta := verifier.Meta{
					Tenant: binding.Tenant, Bot: binding.Bot, RequestID: requestID,
					PolicyVersion: pol.Version, Fingerprint: fingerprint,
				}
				hardened := p.Verifier.HardenedAssess(r.Context(), text, vMeta, p.Config.VerifierProviderTimeout*2)
				mode = string(hardened.Mode)
				switch hardened.Decision {
				case verifier.DecisionDeny:
					family = familyBlock
				case verifier.DecisionAllow:
					family = familyAllow
				case verifier.DecisionClarifyRequired, verifier.DecisionBlockInputOnly:
					family = familyVerify
				}
			}
		}

		// Stage 13: terminal decision + headers.
		incidentID := uuid.New().String()
		if family == familyBlock {
			if idemOwner != "" {
				_ = p.Idempotency.Abort(r.Context(), idemStoreKey, idemOwner)
				w.Header().Set("Idempotency-Key", idemKey)
			}
			p.stampDecisionHeaders(w, family, mode, incidentID, pol.Version, det.RuleIDs, requestID)
			apierr.Write(w, http.StatusOK, apierr.CodePolicyViolation, "Policy Violation", "request denied by policy")
			p.publish(r, binding, requestID, incidentID, family, mode, pol.Version, det.RuleIDs, start)
			return
		}

		resp := EvaluateResponse{
			Action:          string(det.Action),
			Family:          string(family),
			Mode:            mode,
			TransformedText: det.TransformedText,
			RedactionCount:  det.RedactionCount,
			RuleIDs:         det.RuleIDs,
			IncidentID:      incidentID,
			PolicyVersion:   pol.Version,
		}
		if det.RedactionCount > 0 {
			family = familySanitize
		}

		p.stampDecisionHeaders(w, family, mode, incidentID, pol.Version, det.RuleIDs, requestID)

		bodyBytes, _ := json.Marshal(resp)
		if idemOwner != "" {
			_ = p.Idempotency.Commit(r.Context(), idemStoreKey, idemOwner, idempotency.StoredResponse{
				StatusCode:  http.StatusOK,
				Body:        bodyBytes,
				ContentType: "application/json",
				BodySHA256:  idempotency.BodySHA256(bodyBytes),
			})
			w.Header().Set("Idempotency-Key", idemKey)
			w.Header().Set("Idempotency-Replayed", "false")
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(bodyBytes)

		p.publish(r, binding, requestID, incidentID, family, mode, pol.Version, det.RuleIDs, start)

		if p.Metrics != nil {
			p.Metrics.ObserveDecision(string(det.Action), string(family), binding.Tenant, binding.Bot)
		}
	}
}

func familyFromAction(a policy.Action) decisionFamily {
	switch a {
	case policy.ActionDeny, policy.ActionLock:
		return familyBlock
	case policy.ActionClarify:
		return familyVerify
	default:
		return familyAllow
	}
}

func (p *Pipeline) replayStored(w http.ResponseWriter, idemKey string, decision idempotency.Decision) {
	if p.Metrics != nil {
		p.Metrics.ObserveReplayCount(decision.ReplayCount)
	}
	if decision.Stored == nil {
		apierr.WriteInternal(w, errReplayMissingBody)
		return
	}
	for k, v := range decision.Stored.Headers {
		w.Header().Set(k, v)
	}
	if decision.Stored.ContentType != "" {
		w.Header().Set("Content-Type", decision.Stored.ContentType)
	}
	w.Header().Set("Idempotency-Key", idemKey)
	w.Header().Set("Idempotency-Replayed", "true")
	w.Header().Set("Idempotency-Replay-Count", strconv.Itoa(decision.ReplayCount))
	status := decision.Stored.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(decision.Stored.Body)
}

func (p *Pipeline) stampDecisionHeaders(w http.ResponseWriter, family decisionFamily, mode, incidentID, policyVersion string, ruleIDs []string, requestID string) {
	w.Header().Set("X-Guardrail-Decision", string(family))
	w.Header().Set("X-Guardrail-Mode", mode)
	w.Header().Set("X-Guardrail-Incident-ID", incidentID)
	w.Header().Set("X-Guardrail-Policy-Version", policyVersion)
	if len(ruleIDs) > 0 {
		w.Header().Set("X-Guardrail-Rule-IDs", dedupCSV(ruleIDs))
	}
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
}

// stampQuotaHeaders writes the quota headers stamped on every response
// once quota accounting has run, regardless of whether the request was
// allowed.
func stampQuotaHeaders(w http.ResponseWriter, qr quota.Result) {
	w.Header().Set("X-Quota-Limit-Day", strconv.FormatInt(qr.DayLimit, 10))
	w.Header().Set("X-Quota-Limit-Month", strconv.FormatInt(qr.MonthLimit, 10))
	w.Header().Set("X-Quota-Remaining-Day", strconv.FormatInt(qr.DayRemaining, 10))
	w.Header().Set("X-Quota-Remaining-Month", strconv.FormatInt(qr.MonthRemaining, 10))
	w.Header().Set("X-Quota-Reset", strconv.FormatInt(qr.ResetAt.Unix(), 10))
}

func dedupCSV(ids []string) string {
	seen := map[string]struct{}{}
	var out []string
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return strings.Join(out, ",")
}

func (p *Pipeline) publishAndRespond(w http.ResponseWriter, r *http.Request, binding tenant.Binding, requestID, incidentID, policyVersion string, family decisionFamily, mode string, start time.Time, idemOwner, idemStoreKey string) {
	if incidentID == "" {
		incidentID = uuid.New().String()
	}
	p.stampDecisionHeaders(w, family, mode, incidentID, policyVersion, nil, requestID)
	if idemOwner != "" {
		_ = p.Idempotency.Abort(r.Context(), idemStoreKey, idemOwner)
		w.Header().Set("Idempotency-Key", r.Header.Get("Idempotency-Key"))
	}
	p.publish(r, binding, requestID, incidentID, family, mode, policyVersion, nil, start)
}

func (p *Pipeline) publish(r *http.Request, binding tenant.Binding, requestID, incidentID string, family decisionFamily, mode, policyVersion string, ruleIDs []string, start time.Time) {
	now := p.now()
	event := bus.Event{
		TS:            now,
		IncidentID:    incidentID,
		RequestID:     requestID,
		Tenant:        binding.Tenant,
		Bot:           binding.Bot,
		Family:        bus.Family(family),
		Mode:          bus.Mode(mode),
		Endpoint:      r.URL.Path,
		RuleIDs:       sortedCopy(ruleIDs),
		PolicyVersion: policyVersion,
		LatencyMS:     float64(now.Sub(start).Microseconds()) / 1000.0,
	}
	if p.Bus != nil {
		p.Bus.Publish(event)
	}
	if p.Audit != nil {
		_ = p.Audit.Record(r.Context(), audit.DecisionEntry{
			TS: now, RequestID: requestID, IncidentID: incidentID,
			Tenant: binding.Tenant, Bot: binding.Bot,
			Family: string(family), Mode: mode, Endpoint: r.URL.Path,
			RuleIDs: event.RuleIDs, PolicyVersion: policyVersion,
		})
	}
}

func sortedCopy(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

var errReplayMissingBody = &replayError{}

type replayError struct{}

func (*replayError) Error() string { return "idempotency: stored replay missing body" }
