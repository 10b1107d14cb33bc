// Package policy implements rule-pack loading, deterministic merged
// versioning, validation/lint, and binding lookup.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Action is a rule's effect when matched.
type Action string

const (
	ActionRedact  Action = "redact"
	ActionDeny    Action = "deny"
	ActionClarify Action = "clarify"
	ActionLock    Action = "lock"
)

// Rule is one entry of a rule pack. Guard is an optional per-rule CEL
// expression evaluated against the request attributes at detection
// time; a rule whose guard evaluates false is
// treated as a non-match even though its pattern matched.
type Rule struct {
	ID      string `yaml:"id" json:"id"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Action  Action `yaml:"action" json:"action"`
	Guard   string `yaml:"guard,omitempty" json:"guard,omitempty"`

	compiled  *regexp.Regexp
	guardProg cel.Program
}

// Pack is a named, versioned policy document fragment.
type Pack struct {
	Name  string `yaml:"name" json:"name"`
	Rules []Rule `yaml:"rules" json:"rules"`
}

// Document is the merged result of an ordered list of packs.
type Document struct {
	PackRefs []string `json:"pack_refs"`
	Rules    []Rule   `json:"rules"`
}

const maxPackBytes = 1 << 20 // 1 MB oversize threshold

// ParsePack parses a single YAML rule-pack document.
func ParsePack(name string, yamlText []byte) (Pack, error) {
	if len(yamlText) > maxPackBytes {
		return Pack{}, fmt.Errorf("policy: pack %q exceeds %d bytes", name, maxPackBytes)
	}
	var p Pack
	if err := yaml.Unmarshal(yamlText, &p); err != nil {
		return Pack{}, fmt.Errorf("policy: parse %q: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	return p, nil
}

// MergedPolicy deterministically merges an ordered list of packs into a
// single Document and computes its version hash. Identical input
// (same packs, same order) always produces identical output & version;
// changing order changes the version.
func MergedPolicy(packs []Pack) (Document, string, error) {
	doc := Document{}
	seen := map[string]string{} // rule id -> owning pack name
	for _, p := range packs {
		doc.PackRefs = append(doc.PackRefs, p.Name)
		for _, rule := range p.Rules {
			if owner, dup := seen[rule.ID]; dup {
				return Document{}, "", fmt.Errorf("policy: duplicate rule id %q (packs %q, %q)", rule.ID, owner, p.Name)
			}
			seen[rule.ID] = p.Name
			doc.Rules = append(doc.Rules, rule)
		}
	}
	version, err := Version(doc)
	if err != nil {
		return Document{}, "", err
	}
	return doc, version, nil
}

// Version computes the 64-hex SHA-256 of the document's canonical JSON
// encoding. canonicalJSON sorts map keys and fixes field order via the
// Document/Rule struct tags, so two equal documents always hash equal.
func Version(doc Document) (string, error) {
	canon, err := canonicalJSON(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals doc deterministically. Go's encoding/json
// already emits struct fields in declaration order and doesn't touch
// slice order, so canonicalization here is naturally stable as long as
// callers never canonicalize through a map type.
func canonicalJSON(doc Document) ([]byte, error) {
	return json.Marshal(doc)
}

// Compile compiles every rule's pattern and, if present, its CEL guard
// expression; returns the first compile error encountered, annotated
// with the rule id.
func Compile(doc *Document) error {
	for i := range doc.Rules {
		re, err := regexp.Compile(doc.Rules[i].Pattern)
		if err != nil {
			return fmt.Errorf("policy: rule %q: %w", doc.Rules[i].ID, err)
		}
		doc.Rules[i].compiled = re

		prg, err := CompileGuard(doc.Rules[i].Guard)
		if err != nil {
			return fmt.Errorf("policy: rule %q: %w", doc.Rules[i].ID, err)
		}
		doc.Rules[i].guardProg = prg
	}
	return nil
}

// Compiled returns the rule's compiled regexp, or nil if Compile has
// not been called.
func (r Rule) Compiled() *regexp.Regexp { return r.compiled }

// GuardProgram returns the rule's compiled CEL guard program, or nil
// if the rule has no guard expression or Compile has not been called.
func (r Rule) GuardProgram() cel.Program { return r.guardProg }

// SortedPackNames returns pack names sorted for diagnostic display
// (not used for versioning, which is order-sensitive).
func SortedPackNames(packs []Pack) []string {
	names := make([]string, len(packs))
	for i, p := range packs {
		names[i] = p.Name
	}
	sort.Strings(names)
	return names
}
