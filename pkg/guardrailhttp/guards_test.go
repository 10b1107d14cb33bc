package guardrailhttp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestPathGuardRejectsTraversal(t *testing.T) {
	h := PathGuard(nil)(okHandler())

	cases := []struct {
		path string
		want int
	}{
		{"/guardrail/evaluate", http.StatusOK},
		{"/a/../etc/passwd", http.StatusBadRequest},
		{"/a/%2e%2e/secret", http.StatusBadRequest},
		{"/a/%252e%252e/secret", http.StatusBadRequest},
		{"/a∕b", http.StatusBadRequest},
		{"/healthy-path/v1", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "http://gw"+tc.path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "path %q", tc.path)
	}
}

func TestTraceGuardDropsMalformedTraceparent(t *testing.T) {
	h := TraceGuard(nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "http://gw/x", nil)
	req.Header.Set("traceparent", "not-a-traceparent")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("traceparent"))
	assert.Regexp(t, `^[a-f0-9]{32}$`, rec.Header().Get("X-Request-ID"))
}

func TestTraceGuardEchoesValidTraceparentAndRequestID(t *testing.T) {
	h := TraceGuard(nil)(okHandler())

	tp := "00-0123456789abcdef0123456789abcdef-0123456789abcdef-01"
	rid := "0123456789abcdef0123456789abcdef"
	req := httptest.NewRequest(http.MethodGet, "http://gw/x", nil)
	req.Header.Set("traceparent", tp)
	req.Header.Set("X-Request-ID", rid)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, tp, rec.Header().Get("traceparent"))
	assert.Equal(t, rid, rec.Header().Get("X-Request-ID"))
}

func TestTraceGuardRegeneratesInvalidRequestID(t *testing.T) {
	h := TraceGuard(nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "http://gw/x", nil)
	req.Header.Set("X-Request-ID", "nope!")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	got := rec.Header().Get("X-Request-ID")
	assert.NotEqual(t, "nope!", got)
	assert.Regexp(t, `^[a-f0-9]{32}$`, got)
}

func TestDuplicateHeaderGuardBlockMode(t *testing.T) {
	h := DuplicateHeaderGuard(DuplicateHeaderBlock, DefaultUniqueHeaders, nil)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "http://gw/x", nil)
	req.Header["Idempotency-Key"] = []string{"k1", "k2"}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "idempotency-key", rec.Header().Get("X-Guardrail-Duplicate-Header-Blocked"))
	assert.Equal(t, "close", rec.Header().Get("Connection"))
}

func TestDuplicateHeaderGuardLogModeAnnotatesAndPasses(t *testing.T) {
	h := DuplicateHeaderGuard(DuplicateHeaderLog, DefaultUniqueHeaders, nil)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "http://gw/x", nil)
	req.Header["X-Custom"] = []string{"a", "b"}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "x-custom", rec.Header().Get("X-Guardrail-Duplicate-Header-Audit"))
}

func TestDuplicateHeaderGuardBlockModeIgnoresNonUniqueNames(t *testing.T) {
	h := DuplicateHeaderGuard(DuplicateHeaderBlock, DefaultUniqueHeaders, nil)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "http://gw/x", nil)
	req.Header["Accept-Encoding"] = []string{"gzip", "br"}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHeaderLimitsRejectsTooManyHeaders(t *testing.T) {
	h := HeaderLimits(true, 3, 0, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "http://gw/x", nil)
	req.Header.Set("A", "1")
	req.Header.Set("B", "2")
	req.Header.Set("C", "3")
	req.Header.Set("D", "4")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, rec.Code)
	assert.Equal(t, "count", rec.Header().Get("X-Guardrail-Header-Limit-Blocked"))
	assert.Equal(t, "close", rec.Header().Get("Connection"))
}

func TestHeaderLimitsRejectsOversizeValue(t *testing.T) {
	h := HeaderLimits(true, 0, 16, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "http://gw/x", nil)
	req.Header.Set("A", "this header value is much longer than sixteen bytes")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, rec.Code)
	assert.Equal(t, "value_len", rec.Header().Get("X-Guardrail-Header-Limit-Blocked"))
}

func TestHeaderLimitsDisabledPassesEverything(t *testing.T) {
	h := HeaderLimits(false, 1, 1, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "http://gw/x", nil)
	req.Header.Set("A", "a very long value that would otherwise trip the limit")
	req.Header.Set("B", "2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
