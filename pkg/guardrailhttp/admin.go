package guardrailhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/guardrail-labs/guardrail-gateway/pkg/apierr"
	"github.com/guardrail-labs/guardrail-gateway/pkg/bus"
	"github.com/guardrail-labs/guardrail-gateway/pkg/policy"
	"github.com/guardrail-labs/guardrail-gateway/pkg/quota"
	"github.com/guardrail-labs/guardrail-gateway/pkg/webhook"
)

// AdminServer exposes the operator diagnostics surface: policy pack
// management, webhook DLQ
// inspection, idempotency bookkeeping, quota resets, risk/escalation
// snapshots, and the decision bus query/stream endpoints. It holds its
// own reference to the pipeline rather than embedding these handlers
// on Pipeline directly, keeping the request-path handlers separate
// from the operator-only ones.
type AdminServer struct {
	Pipeline *Pipeline
}

func NewAdminServer(p *Pipeline) *AdminServer { return &AdminServer{Pipeline: p} }

// --- policy pack management ---

type upsertPackRequest struct {
	Name string `json:"name"`
	YAML string `json:"yaml"`
}

func (a *AdminServer) UpsertPackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			apierr.WriteMethodNotAllowed(w)
			return
		}
		var req upsertPackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.WriteBadRequest(w, "invalid JSON body")
			return
		}
		result := policy.Validate(r.Context(), []byte(req.YAML))
		if result.Status == policy.StatusFail {
			apierr.WriteValidationFailed(w, fmt.Sprintf("%d issue(s) found", len(result.Issues)))
			return
		}
		if err := a.Pipeline.Policy.UpsertPack([]byte(req.YAML), req.Name); err != nil {
			apierr.WriteBadRequest(w, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type bindRequest struct {
	Tenant   string   `json:"tenant"`
	Bot      string   `json:"bot"`
	PackRefs []string `json:"pack_refs"`
}

func (a *AdminServer) BindHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			apierr.WriteMethodNotAllowed(w)
			return
		}
		var req bindRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.WriteBadRequest(w, "invalid JSON body")
			return
		}
		if req.Tenant == "" || req.Bot == "" {
			apierr.WriteBadRequest(w, "tenant and bot are required")
			return
		}
		a.Pipeline.Policy.Bind(req.Tenant, req.Bot, req.PackRefs)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *AdminServer) UnbindHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			apierr.WriteMethodNotAllowed(w)
			return
		}
		tenantParam := r.URL.Query().Get("tenant")
		botParam := r.URL.Query().Get("bot")
		if tenantParam == "" || botParam == "" {
			apierr.WriteBadRequest(w, "tenant and bot query params are required")
			return
		}
		a.Pipeline.Policy.Unbind(tenantParam, botParam)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *AdminServer) ReloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			apierr.WriteMethodNotAllowed(w)
			return
		}
		issues, err := a.Pipeline.Policy.Reload(r.Context())
		if err != nil {
			apierr.WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"issues": issues})
	}
}

// --- webhook DLQ ---

func (a *AdminServer) WebhookDLQStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.Pipeline.DLQ == nil {
			apierr.WriteNotFound(w, "webhook delivery is not configured")
			return
		}
		writeJSON(w, http.StatusOK, a.Pipeline.DLQ.StatsSnapshot())
	}
}

func (a *AdminServer) WebhookDLQRetryAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			apierr.WriteMethodNotAllowed(w)
			return
		}
		if a.Pipeline.DLQ == nil || a.Pipeline.Webhook == nil {
			apierr.WriteNotFound(w, "webhook delivery is not configured")
			return
		}
		retried, err := a.Pipeline.DLQ.RetryAll(func(event []byte) bool {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for _, dest := range a.Pipeline.Config.WebhookDestinations {
				host := dest
				if u, perr := url.Parse(dest); perr == nil && u.Host != "" {
					host = u.Host
				}
				outcome := a.Pipeline.Webhook.Deliver(ctx, dest, host, event)
				if outcome != webhook.OutcomeProcessed && outcome != webhook.OutcomeAbort {
					return false
				}
			}
			return true
		})
		if err != nil {
			apierr.WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"retried": retried})
	}
}

func (a *AdminServer) WebhookDLQPurgeAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			apierr.WriteMethodNotAllowed(w)
			return
		}
		if a.Pipeline.DLQ == nil {
			apierr.WriteNotFound(w, "webhook delivery is not configured")
			return
		}
		purged, err := a.Pipeline.DLQ.PurgeAll()
		if err != nil {
			apierr.WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"purged": purged})
	}
}

// --- idempotency ---

func (a *AdminServer) IdempotencyRecentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantParam := r.URL.Query().Get("tenant")
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		entries, err := a.Pipeline.Idempotency.Store.ListRecent(r.Context(), tenantParam, limit)
		if err != nil {
			apierr.WriteStoreUnavailable(w, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
	}
}

func (a *AdminServer) IdempotencyPurgeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			apierr.WriteMethodNotAllowed(w)
			return
		}
		key := r.URL.Query().Get("key")
		if key == "" {
			apierr.WriteBadRequest(w, "key query param is required")
			return
		}
		existed, err := a.Pipeline.Idempotency.Store.Purge(r.Context(), key)
		if err != nil {
			apierr.WriteStoreUnavailable(w, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"existed": existed})
	}
}

// --- quota ---

func (a *AdminServer) QuotaPeekHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			apierr.WriteBadRequest(w, "key query param is required")
			return
		}
		perDay, _ := strconv.ParseInt(r.URL.Query().Get("per_day"), 10, 64)
		perMonth, _ := strconv.ParseInt(r.URL.Query().Get("per_month"), 10, 64)
		now := time.Now()
		if a.Pipeline.Clock != nil {
			now = a.Pipeline.Clock()
		}
		result, err := a.Pipeline.Quota.Peek(r.Context(), key, perDay, perMonth, now)
		if err != nil {
			apierr.WriteStoreUnavailable(w, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (a *AdminServer) QuotaResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			apierr.WriteMethodNotAllowed(w)
			return
		}
		key := r.URL.Query().Get("key")
		if key == "" {
			apierr.WriteBadRequest(w, "key query param is required")
			return
		}
		which := quota.WhichBoth
		switch r.URL.Query().Get("which") {
		case "day":
			which = quota.WhichDay
		case "month":
			which = quota.WhichMonth
		}
		if err := a.Pipeline.Quota.ResetKey(r.Context(), key, which); err != nil {
			apierr.WriteStoreUnavailable(w, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- risk / escalation ---

func (a *AdminServer) RiskSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{
			"risk_entries":       a.Pipeline.Risk.Len(),
			"escalation_entries": a.Pipeline.Escalation.Len(),
		})
	}
}

// --- decision bus ---

func (a *AdminServer) BusQueryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := bus.Filter{
			Tenant:    q.Get("tenant"),
			Bot:       q.Get("bot"),
			Family:    bus.Family(q.Get("family")),
			RequestID: q.Get("request_id"),
		}
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Limit = n
			}
		}
		if q.Get("sort") == "desc" {
			filter.Sort = bus.SortTSDesc
		} else {
			filter.Sort = bus.SortTSAsc
		}
		events := a.Pipeline.Bus.Query(filter)
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
	}
}

func (a *AdminServer) BusStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := bus.Filter{
			Tenant: r.URL.Query().Get("tenant"),
			Bot:    r.URL.Query().Get("bot"),
		}
		a.Pipeline.Bus.ServeSSE(w, r, filter)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
