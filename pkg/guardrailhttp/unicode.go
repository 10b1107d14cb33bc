package guardrailhttp

import (
	"net/http"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/guardrail-labs/guardrail-gateway/pkg/metrics"
)

// unicode sanitizer/normalizer (stage 5): NFKC-normalize sampled
// path/query/header text, compute a confusables-stripped skeleton, and
// flag zero-width/bidi/emoji/confusables/mixed-script content.

const (
	pathSampleChars   = 1024
	querySampleBytes  = 4096
	headerSampleBytes = 4096
)

var zeroWidthChars = map[rune]struct{}{
	0x200B: {}, 0x200C: {}, 0x200D: {}, 0xFEFF: {},
}

var bidiControlChars = map[rune]struct{}{
	0x202A: {}, 0x202B: {}, 0x202C: {}, 0x202D: {}, 0x202E: {},
	0x2066: {}, 0x2067: {}, 0x2068: {}, 0x2069: {},
}

// confusablesMap maps a small, fixed table of Cyrillic/Greek
// lookalikes onto their Latin skeleton.
var confusablesMap = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'у': 'y', 'х': 'x',
	'А': 'A', 'В': 'B', 'Е': 'E', 'К': 'K', 'М': 'M', 'Н': 'H', 'О': 'O',
	'Р': 'P', 'С': 'C', 'Т': 'T', 'Х': 'X',
	'α': 'a', 'β': 'b', 'ο': 'o', 'ρ': 'p', 'υ': 'u', 'χ': 'x',
	'Α': 'A', 'Β': 'B', 'Ο': 'O', 'Ρ': 'P', 'Χ': 'X',
}

var emojiRanges = [][2]rune{
	{0x1F300, 0x1FAFF}, {0x2600, 0x27BF}, {0x2190, 0x21FF}, {0x2B00, 0x2BFF},
}

func isEmoji(r rune) bool {
	for _, rng := range emojiRanges {
		if r >= rng[0] && r <= rng[1] {
			return true
		}
	}
	return false
}

// script classifies a letter rune into one of the tracked scripts for
// the "mixed" flag; unclassified runes are "Other".
func script(r rune) string {
	switch {
	case unicode.Is(unicode.Cyrillic, r):
		return "Cyrillic"
	case unicode.Is(unicode.Greek, r):
		return "Greek"
	case unicode.Is(unicode.Latin, r):
		return "Latin"
	default:
		return "Other"
	}
}

// skeleton strips combining marks and maps confusables onto their
// Latin equivalents, for change-detection against the normalized text.
func skeleton(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.Is(unicode.Mn, r) { // combining mark
			continue
		}
		if mapped, ok := confusablesMap[r]; ok {
			b.WriteRune(mapped)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UnicodeFlags is the sorted, deduplicated flag set produced by scan.
type UnicodeFlags []string

func (f UnicodeFlags) CSV() string { return strings.Join(f, ",") }

// scanUnicode compares raw text against its NFKC normalization and
// skeleton, returning the flags that fired.
func scanUnicode(raw string) UnicodeFlags {
	normalized := norm.NFKC.String(raw)
	skel := skeleton(normalized)

	flagSet := map[string]struct{}{}
	scriptsSeen := map[string]struct{}{}

	for _, r := range raw {
		if _, ok := zeroWidthChars[r]; ok {
			flagSet["zwc"] = struct{}{}
		}
		if _, ok := bidiControlChars[r]; ok {
			flagSet["bidi"] = struct{}{}
		}
		if isEmoji(r) {
			flagSet["emoji"] = struct{}{}
		}
		if unicode.IsLetter(r) {
			if s := script(r); s != "Other" {
				scriptsSeen[s] = struct{}{}
			}
		}
	}

	if skel != raw || normalized != raw {
		flagSet["confusables"] = struct{}{}
	}
	if len(scriptsSeen) >= 2 {
		flagSet["mixed"] = struct{}{}
	}

	out := make(UnicodeFlags, 0, len(flagSet))
	for f := range flagSet {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// sampleRunes caps s to at most n runes, for bounded-cost sampling of
// path/query/header text ahead of the scan.
func sampleRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// sampleBytes caps s to at most n bytes without splitting a rune.
func sampleBytes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// unicodeBlockMode controls enforcement of the unicode sanitizer.
type unicodeBlockMode string

const (
	unicodeOff   unicodeBlockMode = "off"
	unicodeLog   unicodeBlockMode = "log"
	unicodeBlock unicodeBlockMode = "block"
)

// intersectFlags returns the flags in observed that are also in blocked.
func intersectFlags(observed UnicodeFlags, blocked map[string]struct{}) []string {
	var out []string
	for _, f := range observed {
		if _, ok := blocked[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// recordUnicodeFlags emits one counter increment per observed flag.
func recordUnicodeFlags(reg *metrics.Registry, flags UnicodeFlags) {
	if reg == nil {
		return
	}
	for _, f := range flags {
		reg.ObserveUnicodeFlag(f)
	}
}

// sampledRequestText gathers the bounded samples of path, query, and
// header values that the scan runs over, each surface capped
// separately.
func sampledRequestText(r *http.Request) string {
	var b strings.Builder
	b.WriteString(sampleRunes(r.URL.Path, pathSampleChars))
	b.WriteByte(' ')
	b.WriteString(sampleBytes(r.URL.RawQuery, querySampleBytes))
	for _, values := range r.Header {
		for _, v := range values {
			b.WriteByte(' ')
			b.WriteString(sampleBytes(v, headerSampleBytes))
		}
	}
	return b.String()
}

// UnicodeSanitizer scans the sampled path/query/header text, stamps
// X-Guardrail-Ingress-Flags on the response, and in block mode rejects
// requests whose flags intersect the configured blocked set.
func UnicodeSanitizer(mode unicodeBlockMode, blocked map[string]struct{}, reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mode == unicodeOff {
				next.ServeHTTP(w, r)
				return
			}

			flags := scanUnicode(sampledRequestText(r))
			recordUnicodeFlags(reg, flags)

			if len(flags) > 0 {
				w.Header().Set("X-Guardrail-Ingress-Flags", flags.CSV())
			}

			if mode == unicodeBlock {
				if hit := intersectFlags(flags, blocked); len(hit) > 0 {
					w.Header().Set("X-Guardrail-Unicode-Blocked", strings.Join(hit, ","))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusBadRequest)
					_, _ = w.Write([]byte(`{"error":"bad_request","detail":"unicode policy violation"}`))
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
