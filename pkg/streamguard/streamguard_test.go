package streamguard

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCrossChunkRedaction(t *testing.T) {
	// A pattern split across two chunks redacts exactly once.
	pattern := Pattern{
		Regexp:      regexp.MustCompile(`\bsk-[A-Za-z0-9]{16,}\b`),
		Tag:         "OPENAI_KEY",
		Replacement: "[REDACTED:OPENAI_KEY]",
	}
	g := New(64, 0, false, []Pattern{pattern})

	var out strings.Builder
	e1, _ := g.Step("sk-ABCDE")
	out.WriteString(e1)
	e2, _ := g.Step("FGHIJKLMNOP")
	out.WriteString(e2)
	out.WriteString(g.Close())

	assert.Equal(t, "[REDACTED:OPENAI_KEY]", out.String())
	assert.Equal(t, 1, g.Redactions())
}

func TestPrivateKeyDenial(t *testing.T) {
	// A private-key envelope split across chunks leaks nothing.
	g := New(64, 0, true, nil)

	var out strings.Builder
	e1, ok1 := g.Step("-----BEGIN PRIVATE")
	assert.True(t, ok1)
	out.WriteString(e1)

	e2, ok2 := g.Step(" KEY-----\nabc\n")
	assert.True(t, ok2)
	out.WriteString(e2)

	assert.Equal(t, "[STREAM BLOCKED]", out.String())
	assert.True(t, g.Denied())

	e3, ok3 := g.Step("more text")
	assert.False(t, ok3)
	assert.Empty(t, e3)
}

func TestZeroLookbackEmitsWholeTailEachStep(t *testing.T) {
	g := New(0, 0, false, nil)
	e1, _ := g.Step("hello ")
	e2, _ := g.Step("world")
	assert.Equal(t, "hello ", e1)
	assert.Equal(t, "world", e2)
}

func TestFlushMinBytesWithholdsUntilThreshold(t *testing.T) {
	g := New(4, 10, false, nil)
	e1, _ := g.Step("abcdefgh") // tail=8, lookback 4 -> candidate "abcd" (4 bytes) < flushMin(10)
	assert.Empty(t, e1)
	final := g.Close()
	assert.Equal(t, "abcdefgh", final)
}
