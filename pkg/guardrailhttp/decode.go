package guardrailhttp

import (
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

// One safe decode layer over JSON string fields (stage 8): try base64,
// then hex, then URL-decode, in that priority order, counting but
// never gating on what was found.

const maxDecodeBytes = 64 * 1024

var base64Shape = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
var hexShape = regexp.MustCompile(`^[0-9A-Fa-f]+$`)
var urlHint = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)

// decodeStats tallies how many string fields were decoded by layer.
type decodeStats struct {
	Base64 int
	Hex    int
	URL    int
}

func (s *decodeStats) add(o decodeStats) {
	s.Base64 += o.Base64
	s.Hex += o.Hex
	s.URL += o.URL
}

// decodeStringOnce applies at most one decode layer to text, in
// priority order base64 -> hex -> url, returning the possibly-decoded
// string and which layer (if any) fired.
func decodeStringOnce(text string) (string, decodeStats) {
	if out, ok := maybeDecodeBase64(text); ok {
		return out, decodeStats{Base64: 1}
	}
	if out, ok := maybeDecodeHex(text); ok {
		return out, decodeStats{Hex: 1}
	}
	if out, ok := maybeDecodeURL(text); ok {
		return out, decodeStats{URL: 1}
	}
	return text, decodeStats{}
}

func maybeDecodeBase64(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if len(t) < 8 {
		return text, false
	}
	if len(t)%2 == 0 && hexShape.MatchString(t) {
		// Pure hex strings are decoded as hex, not base64, to avoid
		// false positives on the much larger base64 alphabet.
		return text, false
	}
	if len(t)%4 != 0 || !base64Shape.MatchString(t) {
		return text, false
	}
	data, err := base64.StdEncoding.DecodeString(t)
	if err != nil || len(data) == 0 || len(data) > maxDecodeBytes {
		return text, false
	}
	return string(data), true
}

func maybeDecodeHex(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if len(t) < 8 || len(t)%2 != 0 || !hexShape.MatchString(t) {
		return text, false
	}
	data, err := hex.DecodeString(t)
	if err != nil || len(data) == 0 || len(data) > maxDecodeBytes {
		return text, false
	}
	return string(data), true
}

func maybeDecodeURL(text string) (string, bool) {
	if !strings.Contains(text, "%2") && !strings.Contains(text, "%3") && !strings.Contains(text, "+") {
		if !urlHint.MatchString(text) {
			return text, false
		}
	}
	decoded, err := url.QueryUnescape(text)
	if err != nil || decoded == text {
		return text, false
	}
	if len(decoded) > maxDecodeBytes {
		return text, false
	}
	return decoded, true
}

// walkJSONStrings visits every string value reachable from v (through
// nested maps/slices), invoking fn with a setter that rewrites that
// value in place.
func walkJSONStrings(v interface{}, fn func(s string, set func(string))) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			key := k
			if s, ok := val.(string); ok {
				fn(s, func(newVal string) { t[key] = newVal })
			} else {
				walkJSONStrings(val, fn)
			}
		}
	case []interface{}:
		for i, val := range t {
			idx := i
			if s, ok := val.(string); ok {
				fn(s, func(newVal string) { t[idx] = newVal })
			} else {
				walkJSONStrings(val, fn)
			}
		}
	}
}

// decodeJSONPass runs decodeStringOnce over every string field of doc,
// mutating matches in place, and returns the aggregate stats.
func decodeJSONPass(doc interface{}) decodeStats {
	var total decodeStats
	walkJSONStrings(doc, func(s string, set func(string)) {
		out, stats := decodeStringOnce(s)
		if stats.Base64+stats.Hex+stats.URL > 0 {
			set(out)
		}
		total.add(stats)
	})
	return total
}
