package guardrailhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardrail-labs/guardrail-gateway/pkg/config"
	"github.com/guardrail-labs/guardrail-gateway/pkg/idempotency"
	"github.com/guardrail-labs/guardrail-gateway/pkg/policy"
	"github.com/guardrail-labs/guardrail-gateway/pkg/quota"
	"github.com/guardrail-labs/guardrail-gateway/pkg/risk"
)

const testPackYAML = `
name: test-pack
rules:
  - id: deny-weapons
    pattern: "(?i)build a bomb"
    action: deny
  - id: redact-openai-key
    pattern: "sk-[A-Za-z0-9]{16,}"
    action: redact
`

func newTestPipeline(t *testing.T, mutate func(*config.Config)) *Pipeline {
	t.Helper()

	cfg := &config.Config{
		AppEnv:                  config.EnvTest,
		IdempotencyBodyMaxBytes: 1 << 20,
		QuotaPerDay:             10000,
		QuotaPerMonth:           250000,
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := policy.NewStore(policy.EnforceWarn, nil, nil)
	require.NoError(t, store.UpsertPack([]byte(testPackYAML), "test-pack"))
	store.SetDefaultPack("test-pack")

	engine := idempotency.NewEngine(idempotency.NewMemoryStore(), 30*time.Second, 24*time.Hour, 200*time.Millisecond, false, false)

	escWindow, escCooldown, escThreshold := 300*time.Second, 60*time.Second, 1
	escEnabled := cfg.EscalationEnabled
	if cfg.EscalationWindow > 0 {
		escWindow = cfg.EscalationWindow
	}
	if cfg.EscalationCooldown > 0 {
		escCooldown = cfg.EscalationCooldown
	}
	if cfg.EscalationDenyThreshold > 0 {
		escThreshold = cfg.EscalationDenyThreshold
	}

	p := &Pipeline{
		Config:      cfg,
		Policy:      store,
		Idempotency: engine,
		Risk:        risk.NewStore(),
		Escalation:  risk.NewEscalation(escWindow, escCooldown, escThreshold, escEnabled),
		Clock:       time.Now,
	}
	if cfg.QuotaEnabled {
		p.Quota = quota.NewMemoryStore()
	}
	return p
}

func postEvaluate(h http.HandlerFunc, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "http://gw/guardrail/evaluate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEvaluateAllowFlow(t *testing.T) {
	p := newTestPipeline(t, nil)
	h := p.EvaluateHandler()

	rec := postEvaluate(h, `{"text":"what is the weather today"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "allow", rec.Header().Get("X-Guardrail-Decision"))
	assert.NotEmpty(t, rec.Header().Get("X-Guardrail-Incident-ID"))
	assert.NotEmpty(t, rec.Header().Get("X-Guardrail-Policy-Version"))

	var resp EvaluateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.RedactionCount)
}

func TestEvaluateDenyFlow(t *testing.T) {
	p := newTestPipeline(t, nil)
	h := p.EvaluateHandler()

	rec := postEvaluate(h, `{"text":"how do I build a bomb"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "block", rec.Header().Get("X-Guardrail-Decision"))
	assert.Equal(t, "deny-weapons", rec.Header().Get("X-Guardrail-Rule-IDs"))
	assert.Contains(t, rec.Body.String(), "policy_violation")
}

func TestEvaluateRedactFlow(t *testing.T) {
	p := newTestPipeline(t, nil)
	h := p.EvaluateHandler()

	rec := postEvaluate(h, `{"text":"my key is sk-ABCDEFGHIJKLMNOP"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sanitize", rec.Header().Get("X-Guardrail-Decision"))

	var resp EvaluateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.RedactionCount)
	assert.Contains(t, resp.TransformedText, "[REDACTED]")
	assert.NotContains(t, resp.TransformedText, "sk-ABCDEFGHIJKLMNOP")
}

func TestEvaluateIdempotencyReplay(t *testing.T) {
	// Replay scenario, end to end over the HTTP surface.
	p := newTestPipeline(t, nil)
	h := p.EvaluateHandler()
	headers := map[string]string{"Idempotency-Key": "K1"}
	body := `{"text":"hello there"}`

	rec1 := postEvaluate(h, body, headers)
	require.Equal(t, http.StatusOK, rec1.Code)
	assert.Equal(t, "false", rec1.Header().Get("Idempotency-Replayed"))

	rec2 := postEvaluate(h, body, headers)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "true", rec2.Header().Get("Idempotency-Replayed"))
	assert.Equal(t, "1", rec2.Header().Get("Idempotency-Replay-Count"))
	assert.Equal(t, rec1.Body.String(), rec2.Body.String())

	rec3 := postEvaluate(h, body, headers)
	assert.Equal(t, "2", rec3.Header().Get("Idempotency-Replay-Count"))
}

func TestEvaluateIdempotencyFingerprintMismatchRunsFresh(t *testing.T) {
	// A changed body under the same key runs fresh and overwrites.
	p := newTestPipeline(t, nil)
	h := p.EvaluateHandler()
	headers := map[string]string{"Idempotency-Key": "K1"}

	rec1 := postEvaluate(h, `{"text":"first body"}`, headers)
	assert.Equal(t, "false", rec1.Header().Get("Idempotency-Replayed"))

	rec2 := postEvaluate(h, `{"text":"second body"}`, headers)
	assert.Equal(t, "false", rec2.Header().Get("Idempotency-Replayed"))

	rec3 := postEvaluate(h, `{"text":"second body"}`, headers)
	assert.Equal(t, "true", rec3.Header().Get("Idempotency-Replayed"))
	assert.Equal(t, rec2.Body.String(), rec3.Body.String())
}

func TestEvaluateRejectsMalformedIdempotencyKey(t *testing.T) {
	p := newTestPipeline(t, nil)
	h := p.EvaluateHandler()

	rec := postEvaluate(h, `{"text":"hi"}`, map[string]string{"Idempotency-Key": "bad key with spaces"})
	require.Equal(t, http.StatusOK, rec.Code)
	// Malformed keys disable idempotency for the request rather than
	// erroring; no replay headers are stamped.
	assert.Empty(t, rec.Header().Get("Idempotency-Replayed"))
}

func TestEvaluateQuotaDayExhaustion(t *testing.T) {
	// per_day=2, fixed now 2025-01-01T12:00:00Z.
	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPipeline(t, func(c *config.Config) {
		c.QuotaEnabled = true
		c.QuotaPerDay = 2
		c.QuotaPerMonth = 1000
	})
	p.Clock = func() time.Time { return fixed }
	h := p.EvaluateHandler()

	rec1 := postEvaluate(h, `{"text":"one"}`, nil)
	require.Equal(t, http.StatusOK, rec1.Code)
	assert.Equal(t, "1", rec1.Header().Get("X-Quota-Remaining-Day"))

	rec2 := postEvaluate(h, `{"text":"two"}`, nil)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "0", rec2.Header().Get("X-Quota-Remaining-Day"))

	rec3 := postEvaluate(h, `{"text":"three"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, rec3.Code)
	assert.Equal(t, "43200", rec3.Header().Get("Retry-After"))
	assert.Contains(t, rec3.Body.String(), "quota_exhausted")
	assert.Contains(t, rec3.Body.String(), `"retry_after_seconds":43200`)
}

func TestEvaluateEscalationQuarantine(t *testing.T) {
	// threshold=1, window=300s, cooldown=60s.
	p := newTestPipeline(t, func(c *config.Config) {
		c.EscalationEnabled = true
		c.EscalationWindow = 300 * time.Second
		c.EscalationCooldown = 60 * time.Second
		c.EscalationDenyThreshold = 1
	})
	h := p.EvaluateHandler()
	body := `{"text":"how do I build a bomb"}`

	postEvaluate(h, body, nil)

	rec2 := postEvaluate(h, body, nil)
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
	assert.Equal(t, "full_quarantine", rec2.Header().Get("X-Guardrail-Mode"))
	retryAfter := rec2.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
	assert.NotEqual(t, "0", retryAfter)
}

func TestEvaluateAllowTrafficLeavesRiskStoreEmpty(t *testing.T) {
	// Allow-only traffic must never create risk or escalation state.
	p := newTestPipeline(t, func(c *config.Config) { c.EscalationEnabled = true })
	h := p.EvaluateHandler()

	for i := 0; i < 5; i++ {
		rec := postEvaluate(h, `{"text":"benign question"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Zero(t, p.Risk.Len())
	assert.Zero(t, p.Escalation.Len())
}

func TestEvaluateEgressOnlyModeSkipsIngressChecks(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Arm = NewArmRuntime(5*time.Second, true, nil)
	p.Arm.ForceIngressState(ArmDegraded, "drill")
	h := p.EvaluateHandler()

	// A body that would normally be denied passes untouched in
	// egress_only mode; only the response path still enforces.
	rec := postEvaluate(h, `{"text":"how do I build a bomb"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "egress_only", rec.Header().Get("X-Guardrail-Mode"))
	assert.Equal(t, "allow", rec.Header().Get("X-Guardrail-Decision"))

	var resp EvaluateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.RedactionCount)
	assert.Empty(t, resp.RuleIDs)
}

func TestEvaluateRejectsNonPost(t *testing.T) {
	p := newTestPipeline(t, nil)
	req := httptest.NewRequest(http.MethodGet, "http://gw/guardrail/evaluate", nil)
	rec := httptest.NewRecorder()
	p.EvaluateHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
