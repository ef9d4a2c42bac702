package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr    string
	PostgresDSN string
	LogLevel    string

	PolicyPath    string
	OPABundlePath string
	OPAQuery      string

	AnchorRootSecretHex string

	BatchMaxCount      int
	BatchMaxAgeSeconds int
	BatchSignerRoles   string
	BatchThreshold     int

	GateTimeoutSeconds        int
	EscalationTimeoutSeconds  int
	SigningRetries            int
	SigningBackoffMillis      int
	KeyValidityDays           int
	KeyRotationOverlapMinutes int

	RateLimitRequests      int
	RateLimitWindowSeconds int
	RateLimitFailClosed    bool
	RateLimitMaxKeys       int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		HTTPAddr:                  addr,
		PostgresDSN:               os.Getenv("POSTGRES_DSN"),
		LogLevel:                  envDefault("LOG_LEVEL", "info"),
		PolicyPath:                envDefault("POLICY_PATH", "policy.yaml"),
		OPABundlePath:             os.Getenv("OPA_BUNDLE_PATH"),
		OPAQuery:                  os.Getenv("OPA_QUERY"),
		AnchorRootSecretHex:       os.Getenv("ANCHOR_ROOT_SECRET_HEX"),
		BatchMaxCount:             envIntDefault("BATCH_MAX_COUNT", 64),
		BatchMaxAgeSeconds:        envIntDefault("BATCH_MAX_AGE_SECONDS", 300),
		BatchSignerRoles:          envDefault("BATCH_SIGNER_ROLES", "model_owner,auditor,platform_operator"),
		BatchThreshold:            envIntDefault("BATCH_THRESHOLD", 2),
		GateTimeoutSeconds:        envIntDefault("GATE_TIMEOUT_SECONDS", 30),
		EscalationTimeoutSeconds:  envIntDefault("ESCALATION_TIMEOUT_SECONDS", 86400),
		SigningRetries:            envIntDefault("SIGNING_RETRIES", 3),
		SigningBackoffMillis:      envIntDefault("SIGNING_BACKOFF_MILLIS", 100),
		KeyValidityDays:           envIntDefault("KEY_VALIDITY_DAYS", 90),
		KeyRotationOverlapMinutes: envIntDefault("KEY_ROTATION_OVERLAP_MINUTES", 60),
		RateLimitRequests:         envIntDefault("RATE_LIMIT_REQUESTS", 0),
		RateLimitWindowSeconds:    envIntDefault("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitFailClosed:       envBoolDefault("RATE_LIMIT_FAIL_CLOSED", false),
		RateLimitMaxKeys:          envIntDefault("RATE_LIMIT_MAX_KEYS", 10000),
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		RedisPassword:             os.Getenv("REDIS_PASSWORD"),
		RedisDB:                   envIntDefault("REDIS_DB", 0),
	}
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}

func (c Config) GateTimeout() time.Duration {
	return time.Duration(c.GateTimeoutSeconds) * time.Second
}

func (c Config) EscalationTimeout() time.Duration {
	return time.Duration(c.EscalationTimeoutSeconds) * time.Second
}

func (c Config) BatchMaxAge() time.Duration {
	return time.Duration(c.BatchMaxAgeSeconds) * time.Second
}

func (c Config) SigningBackoff() time.Duration {
	return time.Duration(c.SigningBackoffMillis) * time.Millisecond
}

func (c Config) KeyValidity() time.Duration {
	if c.KeyValidityDays <= 0 {
		return 0
	}
	return time.Duration(c.KeyValidityDays) * 24 * time.Hour
}

func (c Config) KeyRotationOverlap() time.Duration {
	return time.Duration(c.KeyRotationOverlapMinutes) * time.Minute
}

// SignerRoles splits the comma-separated roles that countersign batch
// roots.
func (c Config) SignerRoles() []string {
	parts := strings.Split(c.BatchSignerRoles, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}
