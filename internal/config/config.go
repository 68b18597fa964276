// Package config loads the engine configuration from the environment, with
// optional .env overrides for development deployments.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the full runtime configuration.
type Config struct {
	RulesDir   string
	RulesWatch bool

	StoreURL         string
	StoreUser        string
	StorePassword    string
	StoreVerifyTLS   bool
	StoreFingerprint string
	StoreTimeout     time.Duration

	StateIndex   string
	HistoryIndex string

	ListenAddr string
	AdminToken string
	PublicURL  string

	MetricsListenAddr string

	MaxConcurrentEvaluations int
	MaxConcurrentDeliveries  int
	WebhookTimeout           time.Duration
	WebhookAllowedHosts      []string

	ShutdownGrace time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads the configuration. A .env file in the working directory is
// applied first when present; real environment variables win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration overrides from .env")
	}

	cfg := &Config{
		StoreVerifyTLS:           true,
		StoreTimeout:             10 * time.Second,
		StateIndex:               ".alerts-state",
		HistoryIndex:             ".alerts-history",
		ListenAddr:               ":8001",
		MetricsListenAddr:        ":9101",
		MaxConcurrentEvaluations: 32,
		MaxConcurrentDeliveries:  64,
		WebhookTimeout:           10 * time.Second,
		ShutdownGrace:            5 * time.Second,
	}

	var problems []string

	cfg.RulesDir = strings.TrimSpace(os.Getenv("RULES_DIR"))
	if cfg.RulesDir == "" {
		problems = append(problems, "RULES_DIR is required")
	}

	cfg.StoreURL = strings.TrimSpace(os.Getenv("STORE_URL"))
	if cfg.StoreURL == "" {
		problems = append(problems, "STORE_URL is required")
	} else if u, err := url.Parse(cfg.StoreURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		problems = append(problems, fmt.Sprintf("STORE_URL %q must be an http(s) URL", cfg.StoreURL))
	}

	cfg.StoreUser = os.Getenv("STORE_USER")
	cfg.StorePassword = os.Getenv("STORE_PASSWORD")
	cfg.StoreFingerprint = strings.TrimSpace(os.Getenv("STORE_TLS_FINGERPRINT"))
	cfg.AdminToken = strings.TrimSpace(os.Getenv("MGMT_ADMIN_TOKEN"))
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	cfg.LogFormat = os.Getenv("LOG_FORMAT")

	setString(&cfg.StateIndex, "STATE_INDEX")
	setString(&cfg.HistoryIndex, "HISTORY_INDEX")
	setString(&cfg.ListenAddr, "MGMT_LISTEN_ADDR")
	setString(&cfg.PublicURL, "MGMT_PUBLIC_URL")
	if v, ok := os.LookupEnv("METRICS_LISTEN_ADDR"); ok {
		cfg.MetricsListenAddr = strings.TrimSpace(v)
	}

	setBool(&cfg.StoreVerifyTLS, "STORE_TLS_VERIFY", &problems)
	setBool(&cfg.RulesWatch, "RULES_WATCH", &problems)
	setDuration(&cfg.StoreTimeout, "STORE_TIMEOUT", &problems)
	setDuration(&cfg.WebhookTimeout, "WEBHOOK_TIMEOUT", &problems)
	setDuration(&cfg.ShutdownGrace, "SHUTDOWN_GRACE", &problems)
	setInt(&cfg.MaxConcurrentEvaluations, "MAX_CONCURRENT_EVALUATIONS", &problems)
	setInt(&cfg.MaxConcurrentDeliveries, "MAX_CONCURRENT_DELIVERIES", &problems)

	if hosts := strings.TrimSpace(os.Getenv("WEBHOOK_ALLOWED_HOSTS")); hosts != "" {
		for _, h := range strings.Split(hosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.WebhookAllowedHosts = append(cfg.WebhookAllowedHosts, h)
			}
		}
	}

	if cfg.MaxConcurrentEvaluations < 1 {
		problems = append(problems, "MAX_CONCURRENT_EVALUATIONS must be at least 1")
	}
	if cfg.MaxConcurrentDeliveries < 1 {
		problems = append(problems, "MAX_CONCURRENT_DELIVERIES must be at least 1")
	}
	if cfg.StateIndex == cfg.HistoryIndex {
		problems = append(problems, "STATE_INDEX and HISTORY_INDEX must differ")
	}

	if cfg.PublicURL == "" {
		cfg.PublicURL = derivePublicURL(cfg.ListenAddr)
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// IsPasswordHashed checks if a string looks like a bcrypt hash.
func IsPasswordHashed(password string) bool {
	return strings.HasPrefix(password, "$2a$") ||
		strings.HasPrefix(password, "$2b$") ||
		strings.HasPrefix(password, "$2y$")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string, problems *[]string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s %q is not a boolean", key, v))
		return
	}
	*dst = parsed
}

func setInt(dst *int, key string, problems *[]string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s %q is not an integer", key, v))
		return
	}
	*dst = parsed
}

func setDuration(dst *time.Duration, key string, problems *[]string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s %q is not a duration", key, v))
		return
	}
	if parsed <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be positive", key))
		return
	}
	*dst = parsed
}

// derivePublicURL builds a best-effort external URL from the listen address
// for use in notification links when MGMT_PUBLIC_URL is not set.
func derivePublicURL(listenAddr string) string {
	addr := listenAddr
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	if strings.HasPrefix(addr, "0.0.0.0:") {
		return "http://localhost:" + strings.TrimPrefix(addr, "0.0.0.0:")
	}
	return "http://" + addr
}
