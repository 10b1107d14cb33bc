package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")

	c := Load()
	assert.Equal(t, EnvDev, c.AppEnv)
	assert.Equal(t, BackendMemory, c.IdempotencyBackend)
	assert.Equal(t, IdempotencyEnforce, c.IdempotencyMode)
	assert.False(t, c.StrictFailClosed)
	assert.Equal(t, []string{"zwc", "bidi"}, c.IngressUnicodeBlockedFlags)
	assert.Equal(t, 15*time.Minute, c.WebhookMaxHorizon)
}

func TestLoadClampsProdLockTTL(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("IDEMPOTENCY_LOCK_TTL_S", "5")

	c := Load()
	assert.Equal(t, 30*time.Second, c.IdempotencyLockTTL)
	assert.True(t, c.StrictFailClosed)
}

func TestLoadProdRespectsLargerLockTTL(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("IDEMPOTENCY_LOCK_TTL_S", "120")

	c := Load()
	assert.Equal(t, 120*time.Second, c.IdempotencyLockTTL)
}

func TestLoadParsesCommaSeparatedLists(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("WEBHOOK_DESTINATIONS", "https://a.example/hook, https://b.example/hook ,")
	t.Setenv("VERIFIER_PROVIDER_ORDER", "primary,fallback")
	t.Setenv("THREAT_FEED_URLS", "https://feed.example/bad-fps")

	c := Load()
	assert.Equal(t, []string{"https://a.example/hook", "https://b.example/hook"}, c.WebhookDestinations)
	assert.Equal(t, []string{"primary", "fallback"}, c.VerifierProviderOrder)
	assert.Equal(t, []string{"https://feed.example/bad-fps"}, c.ThreatFeedURLs)
}

func TestLoadIgnoresMalformedNumericEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("QUOTA_PER_DAY", "not-a-number")

	c := Load()
	assert.Equal(t, int64(10000), c.QuotaPerDay)
}
