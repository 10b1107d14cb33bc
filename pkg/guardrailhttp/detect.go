package guardrailhttp

import (
	"strings"
	"unicode"

	"github.com/guardrail-labs/guardrail-gateway/pkg/policy"
)

// Detector stage (stage 10): regex rule matching over policy.Document
// plus a tokenizer-aware term scan, composed into one action +
// redaction count.

// tokenize splits text on non-alphanumeric boundaries.
func tokenize(text string) []string {
	var toks []string
	var buf strings.Builder
	flush := func() {
		if buf.Len() > 0 {
			toks = append(toks, buf.String())
			buf.Reset()
		}
	}
	for _, r := range text {
		if isAlnum(r) {
			buf.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return toks
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func normalizeTermToken(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if isAlnum(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// findTermsTokenized slides a window over tokenize(text), joining
// consecutive tokens without a separator, and counts exact matches
// (after casefold+alnum normalization) against terms. This catches
// sensitive terms split across token boundaries that a naive
// substring search on raw text would miss.
func findTermsTokenized(text string, terms []string) map[string]int {
	toks := tokenize(text)
	if len(toks) == 0 || len(terms) == 0 {
		return nil
	}

	normToOrig := map[string][]string{}
	maxLen := 0
	for _, term := range terms {
		norm := normalizeTermToken(term)
		if norm == "" {
			continue
		}
		normToOrig[norm] = append(normToOrig[norm], term)
		if len(norm) > maxLen {
			maxLen = len(norm)
		}
	}
	if len(normToOrig) == 0 {
		return nil
	}

	hits := map[string]int{}
	n := len(toks)
	for i := 0; i < n; i++ {
		var piece strings.Builder
		for j := i; j < n; j++ {
			piece.WriteString(toks[j])
			if piece.Len() > maxLen {
				break
			}
			normPiece := normalizeTermToken(piece.String())
			if origs, ok := normToOrig[normPiece]; ok {
				for _, orig := range origs {
					hits[orig]++
				}
			}
		}
	}
	return hits
}

// DetectionResult is the composed outcome of stage 10: the regex rule
// pass over the document plus the tokenizer term scan.
type DetectionResult struct {
	Action         policy.Action
	RedactionCount int
	RuleIDs        []string
	TermHits       map[string]int
	TransformedText string
}

// runDetectors evaluates text against doc's compiled rules (redact
// accumulates a transformed copy and a count; deny/clarify/lock
// short-circuit to the strongest action seen) and against the
// configured token-scan terms.
func runDetectors(text string, doc *policy.Document, scanTerms []string) DetectionResult {
	result := DetectionResult{Action: policy.ActionRedact, TransformedText: text}

	strongest := 0 // ordinal: redact < clarify < deny < lock
	rank := map[policy.Action]int{
		policy.ActionRedact:  0,
		policy.ActionClarify: 1,
		policy.ActionDeny:    2,
		policy.ActionLock:    3,
	}

	guardRequest := map[string]interface{}{"text": text, "length": len(text)}

	current := text
	for _, rule := range doc.Rules {
		re := rule.Compiled()
		if re == nil {
			continue
		}
		matches := re.FindAllStringIndex(current, -1)
		if len(matches) == 0 {
			continue
		}
		if prg := rule.GuardProgram(); prg != nil {
			ok, err := policy.EvalGuard(prg, guardRequest)
			if err != nil || !ok {
				continue
			}
		}
		result.RuleIDs = append(result.RuleIDs, rule.ID)

		switch rule.Action {
		case policy.ActionRedact:
			result.RedactionCount += len(matches)
			current = re.ReplaceAllString(current, "[REDACTED]")
		default:
			if rank[rule.Action] > strongest {
				strongest = rank[rule.Action]
				result.Action = rule.Action
			}
		}
	}
	result.TransformedText = current

	if len(scanTerms) > 0 {
		result.TermHits = findTermsTokenized(text, scanTerms)
	}

	return result
}
