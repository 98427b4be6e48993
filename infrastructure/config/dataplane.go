package config

import (
	"fmt"

	"github.com/R3E-Network/dataplane-ruleengine/domain/bundle"
)

// HealthThresholds mirrors spec.md §6's HEALTH_THRESHOLDS env group. The
// deployment package does not read it: PrepareDeployment gives every
// RolloutController fixed thresholds, and Config.AutoRollback is loaded
// but not consulted either. Its only consumer is ValidationConfig, which
// derives the bundle budget ceilings from MaxLatencyUs.
type HealthThresholds struct {
	MaxErrorRate float64
	MaxLatencyUs int64
	MaxTimeouts  int
}

// Config is the closed set of recognized configuration options for the
// dataplaned process, loaded once at startup from the environment.
type Config struct {
	ListenAddr          string
	DataPlaneURL        string
	HitlogDir           string
	MaxRulesPerBundle   int
	MaxPriority         int
	RequireSignatures   bool
	HealthThresholds    HealthThresholds
	AutoRollback        bool
	CacheTTLSeconds     int
	MaxCacheSize        int
	SamplingRateDefault float64
	LogLevel            string
}

// Load reads the process configuration from the environment, applying the
// same defaults documented for each option. It never fails on a missing
// variable, only on a value that's present but malformed.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:        GetEnv("LISTEN_ADDR", ":8443"),
		DataPlaneURL:      GetEnv("DATA_PLANE_URL", ""),
		HitlogDir:         GetEnv("HITLOG_DIR", ""),
		MaxRulesPerBundle: GetEnvInt("MAX_RULES_PER_BUNDLE", 500),
		MaxPriority:       GetEnvInt("MAX_PRIORITY", 1000),
		RequireSignatures: GetEnvBool("REQUIRE_SIGNATURES", false),
		AutoRollback:      GetEnvBool("AUTO_ROLLBACK", true),
		CacheTTLSeconds:   GetEnvInt("CACHE_TTL_SECONDS", 60),
		MaxCacheSize:      GetEnvInt("MAX_CACHE_SIZE", 10000),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),
	}

	if raw, ok := ParseEnvInt("MAX_RULES_PER_BUNDLE"); ok && raw <= 0 {
		return Config{}, fmt.Errorf("MAX_RULES_PER_BUNDLE must be positive, got %d", raw)
	}

	cfg.HealthThresholds = HealthThresholds{
		MaxErrorRate: parseFloatEnv("HEALTH_THRESHOLDS_MAX_ERROR_RATE", 0.05),
		MaxLatencyUs: int64(GetEnvInt("HEALTH_THRESHOLDS_MAX_LATENCY_US", 500000)),
		MaxTimeouts:  GetEnvInt("HEALTH_THRESHOLDS_MAX_TIMEOUTS", 10),
	}

	rate := parseFloatEnv("SAMPLING_RATE_DEFAULT", 1.0)
	if rate < 0 || rate > 1 {
		return Config{}, fmt.Errorf("SAMPLING_RATE_DEFAULT must be in [0,1], got %v", rate)
	}
	cfg.SamplingRateDefault = rate

	return cfg, nil
}

// ValidationConfig adapts the loaded process configuration into the shape
// bundle.Validate expects.
func (c Config) ValidationConfig() bundle.ValidationConfig {
	return bundle.ValidationConfig{
		MaxRules:         c.MaxRulesPerBundle,
		MaxPriority:      c.MaxPriority,
		MaxBudgetMs:      int64(c.HealthThresholds.MaxLatencyUs) / 1000,
		WarnBudgetMs:     int64(c.HealthThresholds.MaxLatencyUs) / 2000,
		RequireSignature: c.RequireSignatures,
	}
}

// MaxP99LatencyMs converts the configured microsecond threshold into the
// milliseconds the deployment package's HealthThreshold uses. Nothing in
// the module calls it.
func (t HealthThresholds) MaxP99LatencyMs() float64 {
	return float64(t.MaxLatencyUs) / 1000.0
}

func parseFloatEnv(key string, def float64) float64 {
	raw := GetEnv(key, "")
	if raw == "" {
		return def
	}
	var v float64
	if _, err := fmt.Sscanf(raw, "%g", &v); err != nil {
		return def
	}
	return v
}
