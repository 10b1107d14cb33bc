package verifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Pipeline orchestrates the ordered provider chain: cache lookup,
// adaptive routing, per-provider breaker/quota gating, timeout+retry
// execution, and the all-exhausted harmful-fingerprint fallback.
type Pipeline struct {
	Providers map[string]Provider // name -> provider; unknown names are skipped
	Router    *Router
	Breakers  *BreakerRegistry
	Cache     ResultCache
	Harmful   *HarmfulFingerprintMemory

	ProviderTimeout  time.Duration
	MaxRetries       int
	CacheTTL         time.Duration
	DailyTokenBudget int64
	PerRequestTokenCap int64

	// Shadow, when set, runs the named non-primary providers after a
	// live outcome, detached from the request context; summaries go to
	// OnShadow and never influence the live decision.
	Shadow          *ShadowRunner
	ShadowProviders []string
	ShadowSync      bool // tests only: run shadow inline
	OnShadow        func(meta Meta, summaries []ShadowSummary)

	budgetMu    sync.Mutex
	dailyUsed   map[string]int64 // tenant -> tokens used today
	budgetDay   map[string]time.Time

	clock func() time.Time
}

// NewPipeline constructs a Pipeline; callers populate Providers after
// construction (unknown provider names configured elsewhere are
// simply skipped).
func NewPipeline(router *Router, breakers *BreakerRegistry, cache ResultCache, harmful *HarmfulFingerprintMemory) *Pipeline {
	return &Pipeline{
		Providers:        map[string]Provider{},
		Router:           router,
		Breakers:         breakers,
		Cache:            cache,
		Harmful:          harmful,
		ProviderTimeout:  5 * time.Second,
		MaxRetries:       2,
		CacheTTL:         5 * time.Minute,
		DailyTokenBudget: 1_000_000,
		PerRequestTokenCap: 4096,
		dailyUsed:        map[string]int64{},
		budgetDay:        map[string]time.Time{},
		clock:            time.Now,
	}
}

// WithClock overrides the pipeline's time source for deterministic tests.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// RegisterProvider adds or replaces a named provider.
func (p *Pipeline) RegisterProvider(pr Provider) { p.Providers[pr.Name()] = pr }

// precheckBudget reports whether tenant has daily token budget
// remaining, rolling the counter over at UTC midnight.
func (p *Pipeline) precheckBudget(tenant string) bool {
	p.budgetMu.Lock()
	defer p.budgetMu.Unlock()
	today := p.clock().UTC().Truncate(24 * time.Hour)
	if p.budgetDay[tenant] != today {
		p.budgetDay[tenant] = today
		p.dailyUsed[tenant] = 0
	}
	return p.dailyUsed[tenant] < p.DailyTokenBudget
}

// consumeBudget records token usage; if a race lets usage exceed
// budget, recording still succeeds. Overruns degrade gracefully
// rather than raise.
func (p *Pipeline) consumeBudget(tenant string, tokens int64) {
	p.budgetMu.Lock()
	defer p.budgetMu.Unlock()
	p.dailyUsed[tenant] += tokens
}

// Run executes the ordered provider chain for one piece of text.
func (p *Pipeline) Run(ctx context.Context, text string, meta Meta) Outcome {
	if p.Cache != nil {
		if cached, ok := p.Cache.Get(ctx, meta.Tenant, meta.Bot, meta.PolicyVersion, meta.Fingerprint); ok {
			return *cached
		}
	}

	if !p.precheckBudget(meta.Tenant) {
		return Outcome{Status: StatusAmbiguous, Provider: "unknown", Reason: "daily_token_budget_exhausted"}
	}

	order := p.Providers
	names := p.Router.Rank(meta.Tenant, meta.Bot)

	for _, name := range names {
		provider, ok := order[name]
		if !ok {
			continue // unknown provider name, skip
		}

		decision := p.Breakers.Allow(name)
		if decision.Skip {
			continue
		}

		outcome, err := p.callWithRetry(ctx, provider, text, meta)
		if err != nil {
			var rl *RateLimitedError
			if errors.As(err, &rl) {
				p.Breakers.SetSkipUntil(name, rl.RetryAfter)
			} else {
				p.Breakers.RecordFailure(name)
			}
			p.Router.Observe(meta.Tenant, meta.Bot, name, false, 0)
			continue
		}

		p.Breakers.RecordSuccess(name)
		p.Router.Observe(meta.Tenant, meta.Bot, name, true, 0)
		p.consumeBudget(meta.Tenant, outcome.TokensUsed)

		result := Outcome{Status: outcome.Status, Provider: name, Reason: outcome.Reason, TokensUsed: outcome.TokensUsed}
		if p.Cache != nil && result.Status != StatusAmbiguous {
			p.Cache.Set(ctx, meta.Tenant, meta.Bot, meta.PolicyVersion, meta.Fingerprint, result, p.CacheTTL)
		}
		if result.Status == StatusUnsafe && p.Harmful != nil {
			p.Harmful.MarkHarmful(ctx, meta.Fingerprint)
		}
		p.runShadow(name, text, meta)
		return result
	}

	// All providers exhausted.
	if p.Harmful != nil && p.Harmful.IsHarmful(ctx, meta.Fingerprint) {
		return Outcome{Status: StatusUnsafe, Provider: "unknown", Reason: "harmful_fingerprint_match"}
	}
	return Outcome{Status: StatusAmbiguous, Provider: "unknown"}
}

// runShadow fires the configured shadow providers, excluding the
// primary that produced the live outcome. Production runs detached
// from request cancellation (context.Background()); ShadowSync runs
// inline so tests can observe summaries deterministically.
func (p *Pipeline) runShadow(primary, text string, meta Meta) {
	if p.Shadow == nil || len(p.ShadowProviders) == 0 {
		return
	}
	var others []Provider
	for _, name := range p.ShadowProviders {
		if name == primary {
			continue
		}
		if pr, ok := p.Providers[name]; ok {
			others = append(others, pr)
		}
	}
	if len(others) == 0 {
		return
	}
	run := func() {
		summaries := p.Shadow.RunShadow(context.Background(), others, text, meta)
		if p.OnShadow != nil && len(summaries) > 0 {
			p.OnShadow(meta, summaries)
		}
	}
	if p.ShadowSync {
		run()
		return
	}
	go run()
}

func (p *Pipeline) callWithRetry(ctx context.Context, provider Provider, text string, meta Meta) (Assessment, error) {
	var lastErr error
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.ProviderTimeout)
		assessment, err := provider.Assess(callCtx, text, meta)
		cancel()
		if err == nil {
			return assessment, nil
		}
		lastErr = err

		var rl *RateLimitedError
		if errors.As(err, &rl) {
			return Assessment{}, err // no retry on rate-limit, handled by caller
		}
		if attempt < p.MaxRetries {
			delay := b.NextBackOff()
			if delay == backoff.Stop {
				break
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Assessment{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return Assessment{}, lastErr
}

// HardenedAssess runs Run under a total timeout and maps the outcome
// (or any internal failure) onto the deterministic fallback contract.
// It never panics and never returns an error.
func (p *Pipeline) HardenedAssess(ctx context.Context, text string, meta Meta, totalTimeout time.Duration) HardenedResult {
	done := make(chan Outcome, 1)
	runCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Outcome{Status: StatusAmbiguous, Provider: "unknown", Reason: "panic_recovered"}
			}
		}()
		done <- p.Run(runCtx, text, meta)
	}()

	select {
	case <-runCtx.Done():
		return HardenedResult{Decision: DecisionBlockInputOnly, Mode: ModeExecuteLocked, AuditEvent: "verifier_timeout"}
	case outcome := <-done:
		switch outcome.Status {
		case StatusSafe:
			return HardenedResult{Decision: DecisionAllow, Mode: ModeNormal, Outcome: outcome}
		case StatusUnsafe:
			return HardenedResult{Decision: DecisionDeny, Mode: ModeNormal, Outcome: outcome}
		case StatusAmbiguous:
			return HardenedResult{Decision: DecisionClarifyRequired, Mode: ModeExecuteLocked, Outcome: outcome, AuditEvent: "verifier_fallback"}
		default:
			return HardenedResult{Decision: DecisionBlockInputOnly, Mode: ModeExecuteLocked, AuditEvent: "verifier_error"}
		}
	}
}
