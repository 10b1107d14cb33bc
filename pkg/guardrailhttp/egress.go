package guardrailhttp

import (
	"bufio"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guardrail-labs/guardrail-gateway/pkg/apierr"
	"github.com/guardrail-labs/guardrail-gateway/pkg/policy"
	"github.com/guardrail-labs/guardrail-gateway/pkg/streamguard"
	"github.com/guardrail-labs/guardrail-gateway/pkg/tenant"
)

// defaultSecretPatterns are applied to every egress stream regardless
// of the bound rule pack, since secret leakage is an ambient concern
// rather than a per-tenant policy choice.
var defaultSecretPatterns = []streamguard.Pattern{
	{Regexp: regexp.MustCompile(`\bsk-[A-Za-z0-9]{16,}\b`), Tag: "openai_key", Replacement: "[REDACTED:OPENAI_KEY]"},
	{Regexp: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), Tag: "aws_access_key", Replacement: "[REDACTED:AWS_ACCESS_KEY]"},
	{Regexp: regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`), Tag: "github_token", Replacement: "[REDACTED:GITHUB_TOKEN]"},
}

// redactPatternsForPolicy converts a policy document's redact-action
// rules into streaming-guard patterns, so the egress path enforces the
// same rule pack the ingress path does, in addition to the ambient
// secret patterns.
func redactPatternsForPolicy(doc *policy.Document) []streamguard.Pattern {
	patterns := append([]streamguard.Pattern(nil), defaultSecretPatterns...)
	for _, rule := range doc.Rules {
		if rule.Action != policy.ActionRedact {
			continue
		}
		re := rule.Compiled()
		if re == nil {
			continue
		}
		patterns = append(patterns, streamguard.Pattern{
			Regexp:      re,
			Tag:         rule.ID,
			Replacement: "[REDACTED:" + strings.ToUpper(rule.ID) + "]",
		})
	}
	return patterns
}

// EgressRequest is the body shape accepted by /guardrail/egress_evaluate.
type EgressRequest struct {
	Text string `json:"text"`
}

// EgressResponse reports the transformed text and redaction accounting.
type EgressResponse struct {
	Action          string `json:"action"`
	TransformedText string `json:"transformed_text"`
	Redactions      int    `json:"redactions"`
	Denied          bool   `json:"denied"`
	IncidentID      string `json:"incident_id"`
	PolicyVersion   string `json:"policy_version"`
}

// EgressEvaluateHandler implements the non-streaming egress decision
// path: run the lookback guard over the whole response text in one
// Step+Close pass.
func (p *Pipeline) EgressEvaluateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			apierr.WriteMethodNotAllowed(w)
			return
		}
		binding := tenant.ExtractBinding(r)
		requestID := tenant.GetRequestID(r.Context())

		var body EgressRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			apierr.WriteBadRequest(w, "invalid JSON body")
			return
		}

		pol, _ := p.Policy.GetFor(binding.Tenant, binding.Bot)
		guard := streamguard.New(p.Config.StreamLookbackChars, p.Config.StreamFlushMinBytes, p.Config.StreamDenyOnPrivateKey, redactPatternsForPolicy(&pol.Document))

		var out strings.Builder
		emitted, _ := guard.Step(body.Text)
		out.WriteString(emitted)
		out.WriteString(guard.Close())

		incidentID := uuid.New().String()
		action := "allow"
		if guard.Denied() {
			action = "deny"
		} else if guard.Redactions() > 0 {
			action = "redact"
		}

		w.Header().Set("X-Guardrail-Egress-Action", action)
		w.Header().Set("X-Guardrail-Redactions", strconv.Itoa(guard.Redactions()))
		w.Header().Set("X-Guardrail-Incident-ID", incidentID)
		w.Header().Set("X-Guardrail-Policy-Version", pol.Version)
		if requestID != "" {
			w.Header().Set("X-Request-ID", requestID)
		}

		resp := EgressResponse{
			Action:          action,
			TransformedText: out.String(),
			Redactions:      guard.Redactions(),
			Denied:          guard.Denied(),
			IncidentID:      incidentID,
			PolicyVersion:   pol.Version,
		}

		if p.Metrics != nil {
			p.Metrics.ObserveDecision(action, "sanitize", binding.Tenant, binding.Bot)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// demoChunks is the canned response body split into arbitrary-sized
// pieces to exercise cross-chunk redaction at /demo/egress_stream.
var demoChunks = []string{
	"Here is your API key: sk-ABCDE", "FGHIJKLMNOPQRSTUV", " — keep it secret. ",
	"Everything else in this message ", "is perfectly ordinary text ", "with no secrets at all.",
}

// DemoEgressStreamHandler streams demoChunks through the streaming
// guard to a chunked HTTP response, demonstrating lookback-windowed
// cross-chunk redaction.
func (p *Pipeline) DemoEgressStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			apierr.WriteInternal(w, errNoFlusher)
			return
		}

		guard := streamguard.New(p.Config.StreamLookbackChars, p.Config.StreamFlushMinBytes, p.Config.StreamDenyOnPrivateKey, defaultSecretPatterns)

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Guardrail-Streaming", "true")
		w.Header().Set("Trailer", "X-Guardrail-Stream-Redactions, X-Guardrail-Stream-Denied")
		w.WriteHeader(http.StatusOK)

		bw := bufio.NewWriter(w)
		for _, chunk := range demoChunks {
			select {
			case <-r.Context().Done():
				w.Header().Set("X-Guardrail-Stream-Redactions", strconv.Itoa(guard.Redactions()))
				w.Header().Set("X-Guardrail-Stream-Denied", strconv.FormatBool(guard.Denied()))
				return
			default:
			}
			emit, ok := guard.Step(chunk)
			if !ok {
				break
			}
			_, _ = bw.WriteString(emit)
			_ = bw.Flush()
			flusher.Flush()
			if guard.Denied() {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		if !guard.Denied() {
			_, _ = bw.WriteString(guard.Close())
			_ = bw.Flush()
			flusher.Flush()
		}

		w.Header().Set("X-Guardrail-Stream-Redactions", strconv.Itoa(guard.Redactions()))
		w.Header().Set("X-Guardrail-Stream-Denied", strconv.FormatBool(guard.Denied()))
	}
}

type noFlusherError struct{}

func (*noFlusherError) Error() string { return "guardrailhttp: response writer does not support flushing" }

var errNoFlusher = &noFlusherError{}
