package guardrailhttp

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/guardrail-labs/guardrail-gateway/pkg/metrics"
	"github.com/guardrail-labs/guardrail-gateway/pkg/tenant"
)

// --- Stage 1: path guard. Reject obvious traversal after
// single+double URL-decoding, and homoglyph slashes.

var slashHomoglyphs = map[rune]struct{}{
	0x2215: {}, 0x2044: {}, 0x2216: {}, '\\': {},
}

var pathSeparators = regexp.MustCompile(`[\\/]+`)
var suspiciousRawPath = regexp.MustCompile(`(?i)(%2e){2}|%2f|%5c|%u2215|%u2044|%u2216`)

func containsHomoglyphSlash(s string) bool {
	for _, r := range s {
		if _, ok := slashHomoglyphs[r]; ok {
			return true
		}
	}
	return false
}

func looksLikeTraversal(decoded string) bool {
	norm := pathSeparators.ReplaceAllString(decoded, "/")
	if strings.Contains(norm, "/../") || strings.HasPrefix(norm, "../") || strings.HasSuffix(norm, "/..") {
		return true
	}
	for _, seg := range strings.Split(norm, "/") {
		if strings.TrimSpace(seg) == ".." {
			return true
		}
	}
	return false
}

// decodeOnceURL is a strict single-layer percent-decode; a malformed
// escape returns the input unchanged rather than erroring, matching
// keeping the raw value available for the later heuristics.
func decodeOnceURL(s string) string {
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

// pathGuardResult reports whether rawPath is suspicious and why.
type pathGuardResult struct {
	Suspicious bool
	Reason     string
}

// checkPathGuard runs the ordered heuristic checks:
// raw-path regex, homoglyph-slash, then traversal on a
// single and double percent-decode of the path.
func checkPathGuard(rawPath string) pathGuardResult {
	if suspiciousRawPath.MatchString(rawPath) {
		return pathGuardResult{Suspicious: true, Reason: "raw-encodings"}
	}
	once := decodeOnceURL(rawPath)
	twice := decodeOnceURL(once)
	if looksLikeTraversal(once) || looksLikeTraversal(twice) {
		return pathGuardResult{Suspicious: true, Reason: "traversal"}
	}
	if containsHomoglyphSlash(rawPath) || containsHomoglyphSlash(once) {
		return pathGuardResult{Suspicious: true, Reason: "homoglyph-slash"}
	}
	return pathGuardResult{}
}

// PathGuard rejects obvious traversal/homoglyph-slash paths before any
// other stage runs.
func PathGuard(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := checkPathGuard(r.URL.EscapedPath())
			if !result.Suspicious {
				next.ServeHTTP(w, r)
				return
			}
			if reg != nil {
				reg.ObservePathViolation(result.Reason)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad_request","detail":"invalid path"}`))
		})
	}
}

// --- Stage 2: trace guard.

var traceparentPattern = regexp.MustCompile(`^[0-9a-f]{2}-[0-9a-f]{32}-[0-9a-f]{16}-[0-9a-f]{2}$`)
var requestIDPattern = regexp.MustCompile(`(?i)^[a-f0-9]{16,64}$`)

func newTraceRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// TraceGuard validates/normalizes traceparent and X-Request-ID,
// rewriting the inbound request and echoing both on the response.
func TraceGuard(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tp := r.Header.Get("traceparent")
			tpValid := tp != "" && traceparentPattern.MatchString(tp)
			if tp != "" && !tpValid {
				r.Header.Del("traceparent")
				if reg != nil {
					reg.ObserveTraceGuardViolation("traceparent_invalid")
				}
			}

			rid := r.Header.Get("X-Request-ID")
			if rid == "" {
				rid = newTraceRequestID()
				r.Header.Set("X-Request-ID", rid)
				if reg != nil {
					reg.ObserveTraceGuardViolation("request_id_new")
				}
			} else if !requestIDPattern.MatchString(rid) {
				rid = newTraceRequestID()
				r.Header.Set("X-Request-ID", rid)
				if reg != nil {
					reg.ObserveTraceGuardViolation("request_id_invalid")
				}
			}

			ctx := tenant.WithRequestID(r.Context(), rid)
			r = r.WithContext(ctx)

			w.Header().Set("X-Request-ID", rid)
			if tpValid {
				w.Header().Set("traceparent", strings.TrimSpace(tp))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// --- Stage 3: duplicate-header guard.

// DuplicateHeaderMode selects how the guard reacts to duplicated
// unique headers.
type DuplicateHeaderMode string

const (
	DuplicateHeaderOff   DuplicateHeaderMode = "off"
	DuplicateHeaderLog   DuplicateHeaderMode = "log"
	DuplicateHeaderBlock DuplicateHeaderMode = "block"
)

// DefaultUniqueHeaders lists header names this guard treats as
// expected-single-valued; it doubles as the metric-name allowlist, and
// non-listed names collapse to `_other`.
var DefaultUniqueHeaders = map[string]struct{}{
	"content-length":    {},
	"content-type":      {},
	"authorization":     {},
	"idempotency-key":   {},
	"x-api-key":         {},
	"x-guardrail-tenant": {},
	"x-guardrail-bot":    {},
}

func metricHeaderLabel(name string, unique map[string]struct{}) string {
	if _, ok := unique[name]; ok {
		return name
	}
	return "_other"
}

// DuplicateHeaderGuard enforces mode over occurrences of headers in
// the unique set.
func DuplicateHeaderGuard(mode DuplicateHeaderMode, unique map[string]struct{}, reg *metrics.Registry) func(http.Handler) http.Handler {
	if unique == nil {
		unique = DefaultUniqueHeaders
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mode == DuplicateHeaderOff {
				next.ServeHTTP(w, r)
				return
			}

			var duplicates []string
			for name, values := range r.Header {
				if len(values) > 1 {
					duplicates = append(duplicates, strings.ToLower(name))
				}
			}
			if len(duplicates) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			sort.Strings(duplicates)

			if reg != nil {
				for _, name := range duplicates {
					reg.ObserveDuplicateHeaderSeen(string(mode), metricHeaderLabel(name, unique))
				}
			}

			var blocked []string
			for _, name := range duplicates {
				if _, ok := unique[name]; ok {
					blocked = append(blocked, name)
				}
			}

			if mode == DuplicateHeaderBlock && len(blocked) > 0 {
				if reg != nil {
					for _, name := range blocked {
						reg.ObserveDuplicateHeaderBlocked(name)
					}
				}
				w.Header().Set("X-Guardrail-Duplicate-Header-Blocked", strings.Join(blocked, ","))
				w.Header().Set("Connection", "close")
				w.WriteHeader(http.StatusBadRequest)
				return
			}

			if mode == DuplicateHeaderLog {
				w.Header().Set("X-Guardrail-Duplicate-Header-Audit", strings.Join(duplicates, ","))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- Stage 4: header limits.

// HeaderLimits enforces the maximum header count and per-value byte
// size; either breach returns 431.
func HeaderLimits(enabled bool, maxCount, maxValueBytes int, reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}

			count := 0
			for _, values := range r.Header {
				count += len(values)
			}
			if maxCount > 0 && count > maxCount {
				rejectHeaderLimit(w, reg, "count", "request header limit exceeded: too many headers")
				return
			}

			if maxValueBytes > 0 {
				for _, values := range r.Header {
					for _, v := range values {
						if len(v) > maxValueBytes {
							rejectHeaderLimit(w, reg, "value_len", "request header limit exceeded: header value too large")
							return
						}
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rejectHeaderLimit(w http.ResponseWriter, reg *metrics.Registry, reason, detail string) {
	if reg != nil {
		reg.ObserveHeaderLimitBlocked(reason)
	}
	w.Header().Set("Connection", "close")
	w.Header().Set("X-Guardrail-Header-Limit-Blocked", reason)
	w.WriteHeader(http.StatusRequestHeaderFieldsTooLarge)
	_, _ = w.Write([]byte(detail))
}
