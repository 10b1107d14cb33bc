// Command guardrail-gateway runs the multi-tenant guardrail gateway:
// the public ingress/egress decision API on Config.Port and the
// operator diagnostics/metrics surface on Config.AdminPort.
package main

import (
	"bufio"
	"context"
	"io"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/guardrail-labs/guardrail-gateway/pkg/audit"
	"github.com/guardrail-labs/guardrail-gateway/pkg/bus"
	"github.com/guardrail-labs/guardrail-gateway/pkg/config"
	"github.com/guardrail-labs/guardrail-gateway/pkg/guardrailhttp"
	"github.com/guardrail-labs/guardrail-gateway/pkg/idempotency"
	"github.com/guardrail-labs/guardrail-gateway/pkg/metrics"
	"github.com/guardrail-labs/guardrail-gateway/pkg/policy"
	"github.com/guardrail-labs/guardrail-gateway/pkg/quota"
	"github.com/guardrail-labs/guardrail-gateway/pkg/risk"
	"github.com/guardrail-labs/guardrail-gateway/pkg/verifier"
	"github.com/guardrail-labs/guardrail-gateway/pkg/webhook"
)

func main() {
	log.Println("[guardrail] gateway starting")
	cfg := config.Load()
	logger := slog.Default()
	ctx := context.Background()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("[guardrail] invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("[guardrail] redis ping failed: %v", err)
		}
		log.Println("[guardrail] redis: connected")
	}

	promReg := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(promReg, cfg.MetricsLabelCardMax, cfg.MetricsLabelPairCardMax)

	configAuditLog, err := policy.OpenConfigAuditLog(cfg.ConfigAuditPath)
	if err != nil {
		log.Fatalf("[guardrail] config audit log: %v", err)
	}
	policyStore := policy.NewStore(policy.EnforceMode(cfg.PolicyValidateEnforce), configAuditLog, logger)

	var idempStore idempotency.Store
	if cfg.IdempotencyBackend == config.BackendRedis && redisClient != nil {
		idempStore = idempotency.NewRedisStore(redisClient)
	} else {
		idempStore = idempotency.NewMemoryStore()
	}
	idempEngine := idempotency.NewEngine(
		idempStore,
		cfg.IdempotencyLockTTL,
		cfg.IdempotencyValueTTL,
		cfg.IdempotencyWaitBudget,
		cfg.IdempotencyTouchOnReplay,
		cfg.StrictFailClosed,
	)

	riskStore := risk.NewStore()
	escalation := risk.NewEscalation(cfg.EscalationWindow, cfg.EscalationCooldown, cfg.EscalationDenyThreshold, cfg.EscalationEnabled)

	var quotaStore quota.Store
	if redisClient != nil {
		quotaStore = quota.NewRedisStore(redisClient)
	} else {
		quotaStore = quota.NewMemoryStore()
	}

	router := verifier.NewRouter(cfg.VerifierProviderOrder)
	breakers := verifier.NewBreakerRegistry(cfg.VerifierBreakerFails, cfg.VerifierBreakerWindow, cfg.VerifierBreakerCooldown)
	var resultCache verifier.ResultCache
	if redisClient != nil {
		resultCache = verifier.NewRedisResultCache(redisClient)
	} else {
		resultCache = verifier.NewMemoryResultCache()
	}
	harmful := verifier.NewHarmfulFingerprintMemory(redisClient)
	if len(cfg.ThreatFeedURLs) > 0 {
		seedHarmfulFromFeeds(ctx, harmful, cfg.ThreatFeedURLs, logger)
	}
	verifierPipeline := verifier.NewPipeline(router, breakers, resultCache, harmful)
	verifierPipeline.ProviderTimeout = cfg.VerifierProviderTimeout
	verifierPipeline.MaxRetries = cfg.VerifierMaxRetries
	verifierPipeline.CacheTTL = cfg.VerifierCacheTTL
	verifierPipeline.DailyTokenBudget = cfg.VerifierDailyTokenBudget
	for _, name := range cfg.VerifierProviderOrder {
		verifierPipeline.Providers[name] = newHeuristicProvider(name)
	}
	for _, name := range cfg.VerifierShadowProviders {
		if _, ok := verifierPipeline.Providers[name]; !ok {
			verifierPipeline.Providers[name] = newHeuristicProvider(name)
		}
	}
	if cfg.VerifierShadowEnabled && len(cfg.VerifierShadowProviders) > 0 {
		verifierPipeline.Shadow = verifier.NewShadowRunner(4, cfg.VerifierProviderTimeout, cfg.VerifierShadowSampleRate, rand.Float64)
		verifierPipeline.ShadowProviders = cfg.VerifierShadowProviders
		verifierPipeline.OnShadow = func(meta verifier.Meta, summaries []verifier.ShadowSummary) {
			for _, s := range summaries {
				logger.Debug("verifier shadow result",
					"tenant", meta.Tenant, "bot", meta.Bot,
					"provider", s.Provider, "status", string(s.Status))
			}
		}
	}

	var dlq *webhook.DLQ
	var delivery *webhook.Delivery
	if cfg.WebhookEnabled {
		dlq, err = webhook.OpenDLQ(cfg.WebhookDLQPath)
		if err != nil {
			log.Fatalf("[guardrail] webhook dlq: %v", err)
		}
		webhookBreakers := webhook.NewBreakerRegistry(cfg.WebhookErrorThreshold, cfg.WebhookCooldown)
		delivery = webhook.NewDelivery(http.DefaultClient, webhookBreakers, dlq, cfg.WebhookSigningSecret, cfg.WebhookDualSign)
	}

	decisionBus, err := bus.New(cfg.BusRingSize, cfg.DecisionLogPath)
	if err != nil {
		log.Fatalf("[guardrail] decision bus: %v", err)
	}

	if delivery != nil && len(cfg.WebhookDestinations) > 0 {
		if ch, _, ok := decisionBus.Subscribe(1024); ok {
			go webhook.NewFanout(delivery, cfg.WebhookDestinations).Run(ctx, ch)
			log.Printf("[guardrail] webhook fan-out: %d destination(s)", len(cfg.WebhookDestinations))
		}
	}

	var forwarder *audit.Forwarder
	if cfg.AuditForwardEndpoint != "" {
		forwarder = audit.NewForwarder(http.DefaultClient, cfg.AuditForwardEndpoint, cfg.AuditForwardToken, cfg.AuditForwardSecret)
	}
	auditLogger, err := audit.NewLogger(cfg.AuditLogPath, forwarder, logger)
	if err != nil {
		log.Fatalf("[guardrail] audit logger: %v", err)
	}

	armRuntime := guardrailhttp.NewArmRuntime(cfg.ArmLagThreshold, cfg.EgressOnIngressDegraded, metricsRegistry)

	pipeline := &guardrailhttp.Pipeline{
		Config:      cfg,
		Policy:      policyStore,
		Idempotency: idempEngine,
		Risk:        riskStore,
		Escalation:  escalation,
		Quota:       quotaStore,
		Verifier:    verifierPipeline,
		Bus:         decisionBus,
		Metrics:     metricsRegistry,
		Audit:       auditLogger,
		Arm:         armRuntime,
		Logger:      logger,
		Webhook:     delivery,
		DLQ:         dlq,
		Clock:       time.Now,
	}
	adminServer := guardrailhttp.NewAdminServer(pipeline)

	publicMux := guardrailhttp.NewMux(pipeline)
	adminMux := guardrailhttp.NewAdminMux(pipeline, adminServer, redisClient, guardrailhttp.MetricsHandler(promReg))

	go func() {
		log.Printf("[guardrail] public api: :%s", cfg.Port)
		if err := http.ListenAndServe(":"+cfg.Port, publicMux); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[guardrail] public api failed: %v", err)
		}
	}()

	go func() {
		log.Printf("[guardrail] admin api: :%s", cfg.AdminPort)
		if err := http.ListenAndServe(":"+cfg.AdminPort, adminMux); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[guardrail] admin api failed: %v", err)
		}
	}()

	log.Println("[guardrail] ready")
	log.Println("[guardrail] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[guardrail] shutting down")

	_ = decisionBus.Close()
	_ = auditLogger.Close()
	_ = configAuditLog.Close()
	if dlq != nil {
		_ = dlq.Close()
	}
}

// seedHarmfulFromFeeds fetches each configured threat-feed URL (one
// hex fingerprint per line) and seeds the harmful-fingerprint memory.
// Best-effort: an unreachable feed logs and moves on.
func seedHarmfulFromFeeds(ctx context.Context, harmful *verifier.HarmfulFingerprintMemory, urls []string, logger *slog.Logger) {
	client := &http.Client{Timeout: 10 * time.Second}
	for _, feedURL := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
		if err != nil {
			logger.Warn("threat feed: bad url", "url", feedURL, "error", err)
			continue
		}
		resp, err := client.Do(req)
		if err != nil || resp.StatusCode != http.StatusOK {
			logger.Warn("threat feed: fetch failed", "url", feedURL)
			if resp != nil {
				resp.Body.Close()
			}
			continue
		}
		var fps []string
		scanner := bufio.NewScanner(io.LimitReader(resp.Body, 1<<20))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" && !strings.HasPrefix(line, "#") {
				fps = append(fps, line)
			}
		}
		resp.Body.Close()
		harmful.SeedFromThreatFeed(fps)
		logger.Info("threat feed: seeded", "url", feedURL, "fingerprints", len(fps))
	}
}

// heuristicProvider is a minimal, dependency-free verifier.Provider
// used when no concrete LLM-backed provider SDK is configured; it
// flags obvious prompt-injection phrasing and otherwise allows,
// existing mainly to exercise the verifier pipeline's routing,
// breaker, and cache plumbing end to end.
type heuristicProvider struct {
	name string
}

func newHeuristicProvider(name string) *heuristicProvider {
	return &heuristicProvider{name: name}
}

func (h *heuristicProvider) Name() string { return h.name }

var heuristicInjectionPhrases = []string{
	"ignore previous instructions",
	"disregard all prior",
	"system prompt:",
}

func (h *heuristicProvider) Assess(ctx context.Context, text string, meta verifier.Meta) (verifier.Assessment, error) {
	lower := strings.ToLower(text)
	for _, phrase := range heuristicInjectionPhrases {
		if strings.Contains(lower, phrase) {
			return verifier.Assessment{Status: verifier.StatusUnsafe, Reason: "heuristic prompt-injection phrase match"}, nil
		}
	}
	return verifier.Assessment{Status: verifier.StatusSafe}, nil
}
