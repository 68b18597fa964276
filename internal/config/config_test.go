package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RULES_DIR", "/etc/vaultize/alert-rules")
	t.Setenv("STORE_URL", "https://store.internal:9200")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/etc/vaultize/alert-rules", cfg.RulesDir)
	assert.Equal(t, "https://store.internal:9200", cfg.StoreURL)
	assert.True(t, cfg.StoreVerifyTLS)
	assert.Equal(t, 10*time.Second, cfg.StoreTimeout)
	assert.Equal(t, ".alerts-state", cfg.StateIndex)
	assert.Equal(t, ".alerts-history", cfg.HistoryIndex)
	assert.Equal(t, ":8001", cfg.ListenAddr)
	assert.Equal(t, ":9101", cfg.MetricsListenAddr)
	assert.Equal(t, 32, cfg.MaxConcurrentEvaluations)
	assert.Equal(t, 64, cfg.MaxConcurrentDeliveries)
	assert.Equal(t, 10*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "http://localhost:8001", cfg.PublicURL)
	assert.False(t, cfg.RulesWatch)
	assert.Empty(t, cfg.WebhookAllowedHosts)
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STORE_TLS_VERIFY", "false")
	t.Setenv("STORE_TIMEOUT", "30s")
	t.Setenv("STATE_INDEX", ".custom-state")
	t.Setenv("MGMT_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("MGMT_PUBLIC_URL", "https://alerting.example.com/")
	t.Setenv("MAX_CONCURRENT_EVALUATIONS", "8")
	t.Setenv("WEBHOOK_ALLOWED_HOSTS", "hooks.example.com, *.ops.example.com")
	t.Setenv("RULES_WATCH", "true")
	t.Setenv("METRICS_LISTEN_ADDR", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.StoreVerifyTLS)
	assert.Equal(t, 30*time.Second, cfg.StoreTimeout)
	assert.Equal(t, ".custom-state", cfg.StateIndex)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "https://alerting.example.com", cfg.PublicURL)
	assert.Equal(t, 8, cfg.MaxConcurrentEvaluations)
	assert.Equal(t, []string{"hooks.example.com", "*.ops.example.com"}, cfg.WebhookAllowedHosts)
	assert.True(t, cfg.RulesWatch)
	assert.Empty(t, cfg.MetricsListenAddr)
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("RULES_DIR", "")
	t.Setenv("STORE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RULES_DIR is required")
	assert.Contains(t, err.Error(), "STORE_URL is required")
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STORE_URL", "not-a-url")
	t.Setenv("STORE_TLS_VERIFY", "maybe")
	t.Setenv("STORE_TIMEOUT", "soon")
	t.Setenv("MAX_CONCURRENT_EVALUATIONS", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_URL")
	assert.Contains(t, err.Error(), "STORE_TLS_VERIFY")
	assert.Contains(t, err.Error(), "STORE_TIMEOUT")
	assert.Contains(t, err.Error(), "MAX_CONCURRENT_EVALUATIONS")
}

func TestLoadRejectsSameIndices(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STATE_INDEX", ".alerts")
	t.Setenv("HISTORY_INDEX", ".alerts")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestDerivePublicURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8001", derivePublicURL(":8001"))
	assert.Equal(t, "http://localhost:8001", derivePublicURL("0.0.0.0:8001"))
	assert.Equal(t, "http://alerting.internal:8001", derivePublicURL("alerting.internal:8001"))
}

func TestIsPasswordHashed(t *testing.T) {
	assert.True(t, IsPasswordHashed("$2a$12$abcdefghijklmnopqrstuv"))
	assert.True(t, IsPasswordHashed("$2b$10$abcdefghijklmnopqrstuv"))
	assert.False(t, IsPasswordHashed("plain-token"))
	assert.False(t, IsPasswordHashed(""))
}

func TestRulesWatcherDebounce(t *testing.T) {
	dir := t.TempDir()

	changes := make(chan struct{}, 8)
	watcher, err := NewRulesWatcher(dir, func() { changes <- struct{}{} })
	require.NoError(t, err)
	watcher.Start()
	defer watcher.Stop()

	// A burst of writes should collapse into one callback.
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, "rule.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"name":"r"}`), 0o644))
		time.Sleep(50 * time.Millisecond)
	}
	// Non-rule files are ignored entirely.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	select {
	case <-changes:
	case <-time.After(10 * time.Second):
		t.Fatal("expected a reload callback after rule file writes")
	}

	select {
	case <-changes:
		t.Fatal("burst of writes produced more than one callback")
	case <-time.After(3 * time.Second):
	}
}
