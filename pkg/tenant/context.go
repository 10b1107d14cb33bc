// Package tenant carries the (tenant, bot, session) binding identity
// through a request's context, and extracts it from inbound headers.
package tenant

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Binding identifies the multi-tenant scope a request is evaluated
// under. Every policy lookup, quota key, risk fingerprint, and metric
// label is keyed by (Tenant, Bot); Session narrows risk/escalation
// accounting further.
type Binding struct {
	Tenant  string
	Bot     string
	Session string
	APIKey  string
}

// DefaultTenant / DefaultBot are used when a caller omits binding
// headers; they resolve to the default rule pack, not an error.
const (
	DefaultTenant = "default"
	DefaultBot    = "default"
)

type contextKey string

const bindingKey contextKey = "guardrail.binding"

// WithBinding returns a context carrying b.
func WithBinding(ctx context.Context, b Binding) context.Context {
	return context.WithValue(ctx, bindingKey, b)
}

// ErrNoBinding is returned by GetBinding when none was injected.
var ErrNoBinding = errors.New("tenant: no binding in context")

// GetBinding returns the Binding stored in ctx.
func GetBinding(ctx context.Context) (Binding, error) {
	b, ok := ctx.Value(bindingKey).(Binding)
	if !ok {
		return Binding{}, ErrNoBinding
	}
	return b, nil
}

// MustGetBinding returns the Binding stored in ctx, or the zero-value
// default binding if none is present. Use only in contexts where a
// missing binding is not a programmer error (e.g. best-effort metrics).
func MustGetBinding(ctx context.Context) Binding {
	b, err := GetBinding(ctx)
	if err != nil {
		return Binding{Tenant: DefaultTenant, Bot: DefaultBot}
	}
	return b
}

// ExtractBinding reads the tenant/bot/session headers off an inbound
// request, falling back to the default binding when absent.
func ExtractBinding(r *http.Request) Binding {
	tenant := firstNonEmpty(r.Header.Get("X-Guardrail-Tenant"), r.Header.Get("X-Tenant-ID"))
	bot := firstNonEmpty(r.Header.Get("X-Guardrail-Bot"), r.Header.Get("X-Bot-ID"))
	if tenant == "" {
		tenant = DefaultTenant
	}
	if bot == "" {
		bot = DefaultBot
	}
	return Binding{
		Tenant:  tenant,
		Bot:     bot,
		Session: r.Header.Get("X-Guardrail-Session"),
		APIKey:  r.Header.Get("X-API-Key"),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// requestIDCtxKey is the context key used for the request ID extracted or
// generated by the trace-guard stage.
type requestIDCtxKey struct{}

// WithRequestID injects the resolved request ID into ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDCtxKey{}, id)
}

// GetRequestID returns the request ID stored in ctx, or "" if absent.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey{}).(string)
	return id
}

// NewRequestID mints a fresh 128-bit hex-ish request ID.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
