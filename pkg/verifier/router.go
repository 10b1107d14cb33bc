package verifier

import (
	"sync"
	"time"
)

// providerStats tracks a provider's exponentially weighted success
// rate and latency for a single (tenant, bot) pair.
type providerStats struct {
	emaSuccess float64
	emaLatency time.Duration
	samples    int
	lastRerank time.Time
}

// Router maintains the default provider order and an optional adaptive
// reranking keyed by (tenant, bot). Every rank taken is recorded in a
// bounded snapshot.
type Router struct {
	mu          sync.Mutex
	defaultOrder []string
	stats        map[string]map[string]*providerStats // "tenant\x00bot" -> provider -> stats
	snapshots    []RankSnapshot

	MinSamples   int
	StickyWindow time.Duration
	Alpha        float64 // EMA smoothing factor
	clock        func() time.Time

	onRank func(tenant, bot string) // metrics hook: verifier_router_rank_total
}

// RankSnapshot records one ranking decision, bounded to the last 200.
type RankSnapshot struct {
	Tenant, Bot string
	Order       []string
	At          time.Time
}

const maxSnapshots = 200

// NewRouter constructs a Router with the given default provider order.
func NewRouter(defaultOrder []string) *Router {
	return &Router{
		defaultOrder: defaultOrder,
		stats:        map[string]map[string]*providerStats{},
		MinSamples:   20,
		StickyWindow: 60 * time.Second,
		Alpha:        0.2,
		clock:        time.Now,
	}
}

// WithClock overrides the router's time source for deterministic tests.
func (r *Router) WithClock(clock func() time.Time) *Router {
	r.clock = clock
	return r
}

// OnRank registers the verifier_router_rank_total metrics hook.
func (r *Router) OnRank(fn func(tenant, bot string)) { r.onRank = fn }

func pairKey(tenant, bot string) string { return tenant + "\x00" + bot }

// Observe records a completed provider call's success/failure and
// latency, feeding the adaptive reranker.
func (r *Router) Observe(tenant, bot, provider string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pk := pairKey(tenant, bot)
	byProvider, ok := r.stats[pk]
	if !ok {
		byProvider = map[string]*providerStats{}
		r.stats[pk] = byProvider
	}
	st, ok := byProvider[provider]
	if !ok {
		st = &providerStats{}
		byProvider[provider] = st
	}

	successVal := 0.0
	if success {
		successVal = 1.0
	}
	if st.samples == 0 {
		st.emaSuccess = successVal
		st.emaLatency = latency
	} else {
		st.emaSuccess = r.Alpha*successVal + (1-r.Alpha)*st.emaSuccess
		st.emaLatency = time.Duration(r.Alpha*float64(latency) + (1-r.Alpha)*float64(st.emaLatency))
	}
	st.samples++
}

// Rank returns the provider order to try for (tenant, bot): the
// default order until every provider has MinSamples observations,
// after which every call sorts providers by descending success rate
// (ties broken by ascending latency). StickyWindow is not consulted:
// a rerank is not held back by the time since the previous one.
func (r *Router) Rank(tenant, bot string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	order := append([]string(nil), r.defaultOrder...)
	pk := pairKey(tenant, bot)
	byProvider, ok := r.stats[pk]
	if !ok {
		r.recordSnapshot(tenant, bot, order)
		return order
	}

	ready := true
	for _, p := range order {
		st, ok := byProvider[p]
		if !ok || st.samples < r.MinSamples {
			ready = false
			break
		}
	}
	if !ready {
		r.recordSnapshot(tenant, bot, order)
		return order
	}

	now := r.clock()
	last := now
	for _, st := range byProvider {
		if st.lastRerank.After(last) {
			last = st.lastRerank
		}
	}

	ranked := append([]string(nil), order...)
	sortBySuccessThenLatency(ranked, byProvider)
	for _, p := range order {
		byProvider[p].lastRerank = now
	}
	r.recordSnapshot(tenant, bot, ranked)
	return ranked
}

func sortBySuccessThenLatency(order []string, stats map[string]*providerStats) {
	for i := 1; i < len(order); i++ {
		for j := i; j > 0; j-- {
			a, b := stats[order[j-1]], stats[order[j]]
			if a.emaSuccess < b.emaSuccess || (a.emaSuccess == b.emaSuccess && a.emaLatency > b.emaLatency) {
				order[j-1], order[j] = order[j], order[j-1]
			} else {
				break
			}
		}
	}
}

func (r *Router) recordSnapshot(tenant, bot string, order []string) {
	r.snapshots = append(r.snapshots, RankSnapshot{Tenant: tenant, Bot: bot, Order: order, At: r.clock()})
	if len(r.snapshots) > maxSnapshots {
		r.snapshots = r.snapshots[len(r.snapshots)-maxSnapshots:]
	}
	if r.onRank != nil {
		r.onRank(tenant, bot)
	}
}

// Snapshots returns the bounded recent-ranks history (diagnostic use).
func (r *Router) Snapshots() []RankSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RankSnapshot(nil), r.snapshots...)
}
