// Package config loads the gateway's runtime configuration from the
// environment, following the typed-struct-with-defaults pattern used
// throughout this codebase's ancestors.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Env is the deployment environment. Several defaults (lock TTLs,
// fail-open/closed posture) are clamped per environment.
type Env string

const (
	EnvDev   Env = "dev"
	EnvStage Env = "stage"
	EnvProd  Env = "prod"
	EnvTest  Env = "test"
)

// IdempotencyBackend selects the idempotency store implementation.
type IdempotencyBackend string

const (
	BackendMemory IdempotencyBackend = "memory"
	BackendRedis  IdempotencyBackend = "redis"
)

// IdempotencyMode toggles whether the idempotency engine actually
// short-circuits the pipeline or merely records what it would have done.
type IdempotencyMode string

const (
	IdempotencyObserve IdempotencyMode = "observe"
	IdempotencyEnforce IdempotencyMode = "enforce"
)

// PolicyEnforceMode controls whether a policy reload with lint errors
// is rejected (block) or merely logged (warn).
type PolicyEnforceMode string

const (
	PolicyWarn  PolicyEnforceMode = "warn"
	PolicyBlock PolicyEnforceMode = "block"
)

// GuardMode is the shared off/log/block enforcement tri-state used by
// the duplicate-header guard and the unicode sanitizer.
type GuardMode string

const (
	GuardOff   GuardMode = "off"
	GuardLog   GuardMode = "log"
	GuardBlock GuardMode = "block"
)

// Config is the gateway's fully-resolved runtime configuration.
type Config struct {
	AppEnv Env

	Port       string
	AdminPort  string
	LogLevel   string

	RedisURL     string
	IdempRedisURL string

	IdempotencyBackend   IdempotencyBackend
	IdempotencyMode      IdempotencyMode
	IdempotencyLockTTL   time.Duration
	IdempotencyValueTTL  time.Duration
	IdempotencyTouchOnReplay bool
	IdempotencyBodyMaxBytes  int64
	IdempotencyWaitBudget    time.Duration
	StrictFailClosed        bool

	AdminUIToken  string
	AdminUIUser   string
	AdminUIPass   string
	AdminUISecret string

	MetricsLabelCardMax     int
	MetricsLabelPairCardMax int
	MetricsLabelOverflow    string

	VerifierProviderTimeout time.Duration
	VerifierMaxRetries      int
	VerifierCacheTTL        time.Duration
	VerifierDailyTokenBudget int64
	VerifierShadowEnabled    bool
	VerifierShadowSampleRate float64
	VerifierBreakerFails     int
	VerifierBreakerWindow    time.Duration
	VerifierBreakerCooldown  time.Duration

	WebhookErrorThreshold int
	WebhookCooldown       time.Duration
	WebhookBaseBackoff    time.Duration
	WebhookMaxBackoff     time.Duration
	WebhookMaxHorizon     time.Duration
	WebhookDLQPath        string
	WebhookSigningSecret  string
	WebhookDualSign       bool

	QuotaEnabled     bool
	QuotaPerDay      int64
	QuotaPerMonth    int64

	ThreatFeedURLs []string

	PolicyValidateEnforce PolicyEnforceMode

	EgressOnIngressDegraded bool

	DecisionLogPath string
	ConfigAuditPath string
	AuditLogPath    string

	IngressHeaderLimitsEnabled  bool
	IngressMaxHeaderCount       int
	IngressMaxHeaderValueBytes  int

	IngressDuplicateHeaderMode    GuardMode
	IngressDuplicateHeaderUnique  []string

	IngressUnicodeMode         GuardMode
	IngressUnicodeBlockedFlags []string

	IngressThrottleEnabled bool
	IngressThrottleRPS     float64
	IngressThrottleBurst   int

	StreamLookbackChars    int
	StreamFlushMinBytes    int
	StreamDenyOnPrivateKey bool

	WebhookEnabled      bool
	WebhookDestinations []string

	VerifierProviderOrder []string
	VerifierShadowProviders []string

	AuditForwardEndpoint string
	AuditForwardToken    string
	AuditForwardSecret   string

	ArmLagThreshold time.Duration

	EscalationEnabled       bool
	EscalationWindow        time.Duration
	EscalationCooldown      time.Duration
	EscalationDenyThreshold int

	BusRingSize int
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

// Load reads the environment and returns a validated Config.
func Load() *Config {
	env := Env(getenv("APP_ENV", string(EnvDev)))

	c := &Config{
		AppEnv:   env,
		Port:     getenv("PORT", "8080"),
		AdminPort: getenv("ADMIN_PORT", "8081"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		RedisURL:      getenv("REDIS_URL", ""),
		IdempRedisURL: getenv("IDEMP_REDIS_URL", ""),

		IdempotencyBackend: IdempotencyBackend(getenv("IDEMPOTENCY_BACKEND", string(BackendMemory))),
		IdempotencyMode:    IdempotencyMode(getenv("IDEMPOTENCY_MODE", string(IdempotencyEnforce))),
		IdempotencyLockTTL: getenvSeconds("IDEMPOTENCY_LOCK_TTL_S", 30*time.Second),
		IdempotencyValueTTL: getenvSeconds("IDEMPOTENCY_VALUE_TTL_S", 24*time.Hour),
		IdempotencyTouchOnReplay: getenvBool("IDEMP_TOUCH_ON_REPLAY", false),
		IdempotencyBodyMaxBytes:  getenvInt64("IDEMPOTENCY_BODY_MAX_BYTES", 1<<20),
		IdempotencyWaitBudget:    time.Duration(getenvInt("IDEMPOTENCY_WAIT_BUDGET_MS", 2000)) * time.Millisecond,
		StrictFailClosed:         getenvBool("IDEMPOTENCY_STRICT_FAIL_CLOSED", env == EnvProd),

		AdminUIToken:  getenv("ADMIN_UI_TOKEN", ""),
		AdminUIUser:   getenv("ADMIN_UI_USER", ""),
		AdminUIPass:   getenv("ADMIN_UI_PASS", ""),
		AdminUISecret: getenv("ADMIN_UI_SECRET", ""),

		MetricsLabelCardMax:     getenvInt("METRICS_LABEL_CARD_MAX", 1000),
		MetricsLabelPairCardMax: getenvInt("METRICS_LABEL_PAIR_CARD_MAX", 1000),
		MetricsLabelOverflow:    getenv("METRICS_LABEL_OVERFLOW", "__overflow__"),

		VerifierProviderTimeout:  getenvSeconds("VERIFIER_TIMEOUT_S", 5*time.Second),
		VerifierMaxRetries:       getenvInt("VERIFIER_MAX_RETRIES", 2),
		VerifierCacheTTL:         getenvSeconds("VERIFIER_CACHE_TTL_S", 300*time.Second),
		VerifierDailyTokenBudget: getenvInt64("VERIFIER_DAILY_TOKEN_BUDGET", 1_000_000),
		VerifierShadowEnabled:    getenvBool("VERIFIER_SHADOW_ENABLED", false),
		VerifierShadowSampleRate: getenvFloat("VERIFIER_SHADOW_SAMPLE_RATE", 0.0),
		VerifierBreakerFails:     getenvInt("VERIFIER_BREAKER_FAILS", 5),
		VerifierBreakerWindow:    getenvSeconds("VERIFIER_BREAKER_WINDOW_S", 30*time.Second),
		VerifierBreakerCooldown:  getenvSeconds("VERIFIER_BREAKER_COOLDOWN_S", 30*time.Second),

		WebhookErrorThreshold: getenvInt("WEBHOOK_ERROR_THRESHOLD", 5),
		WebhookCooldown:       getenvSeconds("WEBHOOK_COOLDOWN_S", 30*time.Second),
		WebhookBaseBackoff:    time.Duration(getenvInt("WEBHOOK_BASE_BACKOFF_MS", 200)) * time.Millisecond,
		WebhookMaxBackoff:     time.Duration(getenvInt("WEBHOOK_MAX_BACKOFF_MS", 30000)) * time.Millisecond,
		WebhookMaxHorizon:     time.Duration(getenvInt("WEBHOOK_MAX_HORIZON_MS", 900000)) * time.Millisecond,
		WebhookDLQPath:        getenv("WEBHOOK_DLQ_PATH", "data/webhook_dlq.ndjson"),
		WebhookSigningSecret:  getenv("WEBHOOK_SIGNING_SECRET", ""),
		WebhookDualSign:       getenvBool("WEBHOOK_DUAL_SIGN", true),

		QuotaEnabled:  getenvBool("QUOTA_ENABLED", false),
		QuotaPerDay:   getenvInt64("QUOTA_PER_DAY", 10000),
		QuotaPerMonth: getenvInt64("QUOTA_PER_MONTH", 250000),

		PolicyValidateEnforce: PolicyEnforceMode(getenv("POLICY_VALIDATE_ENFORCE", string(PolicyWarn))),

		EgressOnIngressDegraded: getenvBool("EGRESS_ONLY_ON_INGRESS_DEGRADED", true),

		DecisionLogPath: getenv("DECISION_LOG_PATH", "data/decisions.ndjson"),
		AuditLogPath:    getenv("AUDIT_LOG_PATH", "data/audit.ndjson"),
		ConfigAuditPath: getenv("CONFIG_AUDIT_PATH", "data/config_audit.ndjson"),

		IngressHeaderLimitsEnabled: getenvBool("INGRESS_HEADER_LIMITS_ENABLED", true),
		IngressMaxHeaderCount:      getenvInt("INGRESS_MAX_HEADER_COUNT", 100),
		IngressMaxHeaderValueBytes: getenvInt("INGRESS_MAX_HEADER_VALUE_BYTES", 8192),

		IngressDuplicateHeaderMode: GuardMode(getenv("INGRESS_DUPLICATE_HEADER_GUARD_MODE", string(GuardLog))),

		IngressUnicodeMode: GuardMode(getenv("INGRESS_UNICODE_MODE", string(GuardLog))),

		IngressThrottleEnabled: getenvBool("INGRESS_THROTTLE_ENABLED", true),
		IngressThrottleRPS:     getenvFloat("INGRESS_THROTTLE_RPS", 20.0),
		IngressThrottleBurst:   getenvInt("INGRESS_THROTTLE_BURST", 40),
	}

	if feeds := os.Getenv("THREAT_FEED_URLS"); feeds != "" {
		for _, u := range strings.Split(feeds, ",") {
			u = strings.TrimSpace(u)
			if u != "" {
				c.ThreatFeedURLs = append(c.ThreatFeedURLs, u)
			}
		}
	}

	if names := os.Getenv("INGRESS_DUPLICATE_HEADER_UNIQUE"); names != "" {
		for _, n := range strings.Split(names, ",") {
			n = strings.ToLower(strings.TrimSpace(n))
			if n != "" {
				c.IngressDuplicateHeaderUnique = append(c.IngressDuplicateHeaderUnique, n)
			}
		}
	}

	c.StreamLookbackChars = getenvInt("STREAM_LOOKBACK_CHARS", 64)
	c.StreamFlushMinBytes = getenvInt("STREAM_FLUSH_MIN_BYTES", 0)
	c.StreamDenyOnPrivateKey = getenvBool("STREAM_DENY_ON_PRIVATE_KEY", true)

	c.WebhookEnabled = getenvBool("WEBHOOK_ENABLED", false)
	if dests := os.Getenv("WEBHOOK_DESTINATIONS"); dests != "" {
		for _, d := range strings.Split(dests, ",") {
			d = strings.TrimSpace(d)
			if d != "" {
				c.WebhookDestinations = append(c.WebhookDestinations, d)
			}
		}
	}

	if order := os.Getenv("VERIFIER_PROVIDER_ORDER"); order != "" {
		for _, p := range strings.Split(order, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				c.VerifierProviderOrder = append(c.VerifierProviderOrder, p)
			}
		}
	}
	if shadow := os.Getenv("VERIFIER_SHADOW_PROVIDERS"); shadow != "" {
		for _, p := range strings.Split(shadow, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				c.VerifierShadowProviders = append(c.VerifierShadowProviders, p)
			}
		}
	}

	c.AuditForwardEndpoint = getenv("AUDIT_FORWARD_ENDPOINT", "")
	c.AuditForwardToken = getenv("AUDIT_FORWARD_TOKEN", "")
	c.AuditForwardSecret = getenv("AUDIT_FORWARD_SECRET", "")

	c.ArmLagThreshold = getenvSeconds("ARM_LAG_THRESHOLD_S", 5*time.Second)

	c.EscalationEnabled = getenvBool("ESCALATION_ENABLED", true)
	c.EscalationWindow = getenvSeconds("ESCALATION_WINDOW_S", 60*time.Second)
	c.EscalationCooldown = getenvSeconds("ESCALATION_COOLDOWN_S", 300*time.Second)
	c.EscalationDenyThreshold = getenvInt("ESCALATION_DENY_THRESHOLD", 5)

	c.BusRingSize = getenvInt("BUS_RING_SIZE", 10000)

	if flags := os.Getenv("INGRESS_UNICODE_BLOCKED_FLAGS"); flags != "" {
		for _, f := range strings.Split(flags, ",") {
			f = strings.TrimSpace(f)
			if f != "" {
				c.IngressUnicodeBlockedFlags = append(c.IngressUnicodeBlockedFlags, f)
			}
		}
	} else {
		c.IngressUnicodeBlockedFlags = []string{"zwc", "bidi"}
	}

	c.clampForEnv()
	return c
}

// clampForEnv enforces the per-environment minimums: a prod lock TTL
// below 30s is a misconfiguration, not a choice.
func (c *Config) clampForEnv() {
	switch c.AppEnv {
	case EnvProd:
		if c.IdempotencyLockTTL < 30*time.Second {
			c.IdempotencyLockTTL = 30 * time.Second
		}
		c.StrictFailClosed = true
	case EnvDev, EnvTest:
		if c.IdempotencyLockTTL < 1*time.Second {
			c.IdempotencyLockTTL = 1 * time.Second
		}
	}
}
