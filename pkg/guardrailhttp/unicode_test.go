package guardrailhttp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanUnicodeFlagsZeroWidthAndBidi(t *testing.T) {
	flags := scanUnicode("hello​world")
	assert.Contains(t, []string(flags), "zwc")

	flags = scanUnicode("abc‮def")
	assert.Contains(t, []string(flags), "bidi")
}

func TestScanUnicodeFlagsMixedScript(t *testing.T) {
	// Latin "paypal" with a Cyrillic U+0430 in place of the 'a'.
	flags := scanUnicode("pаypal")
	assert.Contains(t, []string(flags), "mixed")
	assert.Contains(t, []string(flags), "confusables")
}

func TestScanUnicodeCleanTextProducesNoFlags(t *testing.T) {
	assert.Empty(t, scanUnicode("plain ascii text 123"))
}

func TestScanUnicodeFlagsAreSorted(t *testing.T) {
	flags := scanUnicode("pаy​‮")
	for i := 1; i < len(flags); i++ {
		assert.LessOrEqual(t, flags[i-1], flags[i])
	}
}

func TestUnicodeSanitizerBlockModeRejectsIntersection(t *testing.T) {
	blocked := map[string]struct{}{"zwc": {}}
	h := UnicodeSanitizer(unicodeBlock, blocked, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "http://gw/x", nil)
	req.Header.Set("X-Payload-Hint", "zero​width")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "zwc", rec.Header().Get("X-Guardrail-Unicode-Blocked"))
}

func TestUnicodeSanitizerLogModeAnnotatesAndPasses(t *testing.T) {
	blocked := map[string]struct{}{"zwc": {}}
	h := UnicodeSanitizer(unicodeLog, blocked, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "http://gw/x", nil)
	req.Header.Set("X-Payload-Hint", "zero​width")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("X-Guardrail-Ingress-Flags"), "zwc")
}

func TestUnicodeSanitizerBlockModePassesNonBlockedFlags(t *testing.T) {
	blocked := map[string]struct{}{"bidi": {}}
	h := UnicodeSanitizer(unicodeBlock, blocked, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "http://gw/x", nil)
	req.Header.Set("X-Payload-Hint", "zero​width")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSkeletonMapsConfusablesAndStripsCombining(t *testing.T) {
	assert.Equal(t, "apple", skeleton("аpple"))
	assert.Equal(t, "cafe", skeleton("café"))
}
