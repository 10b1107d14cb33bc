package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"
)

// Binding maps (tenant, bot) to a named, ordered list of rule packs.
type Binding struct {
	Tenant   string
	Bot      string
	PackRefs []string
}

func bindingKey(tenant, bot string) string { return tenant + "\x00" + bot }

// Policy is the resolved, compiled document handed to the decision
// pipeline for one binding.
type Policy struct {
	Document Document
	Version  string
}

// Store holds the live set of rule packs, the binding table, and the
// currently-merged policy per binding. Live reloads replace the merged
// document via an atomic pointer swap; readers observe either the old
// or new document, never a mix.
type Store struct {
	mu          sync.RWMutex
	packs       map[string]Pack
	bindings    map[string]Binding
	current     atomic.Pointer[map[string]Policy] // bindingKey -> resolved Policy
	defaultPack string
	enforceMode EnforceMode
	auditLog    *ConfigAuditLog
	logger      *slog.Logger

	reloadBlocked func(reason string) // metrics hook, best-effort
}

// NewStore constructs an empty policy store with the given enforceMode.
// Reload does not lint packs, so enforceMode does not change which
// reloads are rejected.
func NewStore(enforceMode EnforceMode, auditLog *ConfigAuditLog, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		packs:       map[string]Pack{},
		bindings:    map[string]Binding{},
		enforceMode: normalizeEnforceMode(string(enforceMode)),
		auditLog:    auditLog,
		logger:      logger,
	}
	empty := map[string]Policy{}
	s.current.Store(&empty)
	return s
}

// OnReloadBlocked registers the metrics.counter("policy_reload_blocked_total")
// hook; nil is a safe no-op default.
func (s *Store) OnReloadBlocked(fn func(reason string)) { s.reloadBlocked = fn }

// UpsertPack registers or replaces a named rule pack's raw definition.
// Packs are otherwise immutable once hashed into a merged document;
// this only changes what a *future* Reload will merge.
func (s *Store) UpsertPack(yamlText []byte, name string) error {
	pack, err := ParsePack(name, yamlText)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.packs[pack.Name] = pack
	s.mu.Unlock()
	return nil
}

// Bind sets the ordered pack list for (tenant, bot).
func (s *Store) Bind(tenant, bot string, packRefs []string) {
	s.mu.Lock()
	s.bindings[bindingKey(tenant, bot)] = Binding{Tenant: tenant, Bot: bot, PackRefs: packRefs}
	s.mu.Unlock()
}

// Unbind removes the (tenant, bot) binding entirely.
func (s *Store) Unbind(tenant, bot string) {
	s.mu.Lock()
	delete(s.bindings, bindingKey(tenant, bot))
	s.mu.Unlock()
}

// SetDefaultPack registers the pack name served on a binding miss.
func (s *Store) SetDefaultPack(name string) {
	s.mu.Lock()
	s.defaultPack = name
	s.mu.Unlock()
}

// Reload recomputes the merged policy for every known binding from the
// currently registered packs and atomically swaps it in. A binding that
// references an unknown pack, or whose packs fail to merge or compile,
// rejects the whole reload in every enforce mode. Reload does not run
// Validate's lint: the returned issues map is always empty, and
// EnforceBlock adds no rejection of its own.
func (s *Store) Reload(ctx context.Context) (map[string][]Issue, error) {
	s.mu.RLock()
	bindingsCopy := make([]Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		bindingsCopy = append(bindingsCopy, b)
	}
	packsCopy := make(map[string]Pack, len(s.packs))
	for k, v := range s.packs {
		packsCopy[k] = v
	}
	s.mu.RUnlock()

	allIssues := map[string][]Issue{}
	next := map[string]Policy{}

	for _, b := range bindingsCopy {
		var packs []Pack
		for _, ref := range b.PackRefs {
			p, ok := packsCopy[ref]
			if !ok {
				s.blocked("unknown_pack")
				return allIssues, fmt.Errorf("policy: binding %s/%s references unknown pack %q", b.Tenant, b.Bot, ref)
			}
			packs = append(packs, p)
		}

		doc, version, err := MergedPolicy(packs)
		if err != nil {
			s.blocked("merge_error")
			return allIssues, err
		}
		if err := Compile(&doc); err != nil {
			s.blocked("compile_error")
			return allIssues, err
		}
		next[bindingKey(b.Tenant, b.Bot)] = Policy{Document: doc, Version: version}
	}

	if len(allIssues) > 0 && s.enforceMode == EnforceBlock {
		s.blocked("lint_error")
		return allIssues, fmt.Errorf("policy: reload rejected in block enforcement mode")
	}

	s.current.Store(&next)
	return allIssues, nil
}

func (s *Store) blocked(reason string) {
	if s.reloadBlocked != nil {
		s.reloadBlocked(reason)
	}
	s.logger.Warn("policy reload blocked", "reason", reason)
}

// GetFor returns the resolved Policy for (tenant, bot), falling back to
// the default pack on a binding miss.
func (s *Store) GetFor(tenant, bot string) (Policy, bool) {
	m := *s.current.Load()
	if p, ok := m[bindingKey(tenant, bot)]; ok {
		return p, true
	}
	s.mu.RLock()
	defaultPack, ok := s.packs[s.defaultPack]
	s.mu.RUnlock()
	if !ok {
		return Policy{}, false
	}
	doc, version, err := MergedPolicy([]Pack{defaultPack})
	if err != nil {
		return Policy{}, false
	}
	_ = Compile(&doc)
	return Policy{Document: doc, Version: version}, true
}

// EnforceModeValue returns the store's current enforcement mode.
func (s *Store) EnforceModeValue() EnforceMode { return s.enforceMode }

// CompileGuard compiles an optional per-rule CEL guard expression used
// by detector stage 10 to gate whether a matched rule actually applies
// (e.g. "request.length < 256"). A nil/empty expression always
// evaluates true.
func CompileGuard(expr string) (cel.Program, error) {
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("policy: cel compile %q: %w", expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: cel program: %w", err)
	}
	return prg, nil
}

// EvalGuard runs a compiled CEL guard against request attributes. A nil
// program always evaluates true (no guard configured).
func EvalGuard(prg cel.Program, request map[string]interface{}) (bool, error) {
	if prg == nil {
		return true, nil
	}
	out, _, err := prg.Eval(map[string]interface{}{"request": request})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: cel guard did not evaluate to bool")
	}
	return b, nil
}
