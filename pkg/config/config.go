// Package config loads the kernel's process configuration from the
// environment variables named in spec.md §6, plus the ambient variables
// a deployable service needs (port, log level, OTLP endpoint). Pattern
// grounded on the teacher's core/pkg/config/config.go env-driven Load().
package config

import (
	"os"
	"strconv"
	"strings"
)

// ReserveMode selects the external rail adapter implementation (§4.9).
type ReserveMode string

const (
	ReserveModeStub       ReserveMode = "stub"
	ReserveModeSandbox    ReserveMode = "sandbox"
	ReserveModeProduction ReserveMode = "production"
)

// Config holds every environment-driven setting the kernel consults.
type Config struct {
	Port     string
	LogLevel string
	LogJSON  bool

	DatabaseURL string

	// OpsTokens is the scoped ops-token list from PROXY_OPS_TOKENS (§6),
	// accepted on x-proxy-ops-token for ops-scope routes.
	OpsTokens []string

	ReserveMode            ReserveMode
	RequireExternalReserve bool
	RailBaseURL            string
	RailAPIKey             string
	RailTimeoutSeconds     int

	RedisURL string

	OTLPEndpoint   string
	OTLPInsecure   bool
	ServiceName    string
	ServiceVersion string
	Environment    string

	// JWTSigningKey is passed to opsauth.NewValidator to verify ops-scoped
	// bearer tokens minted out-of-band: a token that matches no entry of
	// OpsTokens is checked as a JWT against this key.
	JWTSigningKey string
}

// Load reads Config from the process environment, applying the same
// defaulting style as the teacher (empty env var -> a safe default).
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
		LogJSON:  getEnv("LOG_FORMAT", "json") == "json",

		DatabaseURL: getEnv("DATABASE_URL", ""),

		OpsTokens: splitNonEmpty(os.Getenv("PROXY_OPS_TOKENS")),

		ReserveMode:            ReserveMode(getEnv("X402_CIRCLE_RESERVE_MODE", string(ReserveModeStub))),
		RequireExternalReserve: getEnvBool("X402_REQUIRE_EXTERNAL_RESERVE", false),
		RailBaseURL:            os.Getenv("X402_RAIL_BASE_URL"),
		RailAPIKey:             os.Getenv("X402_RAIL_API_KEY"),
		RailTimeoutSeconds:     getEnvInt("X402_RAIL_TIMEOUT_SECONDS", 10),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		ServiceName:    getEnv("SERVICE_NAME", "settld-kernel"),
		ServiceVersion: getEnv("SERVICE_VERSION", "0.1.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),

		JWTSigningKey: os.Getenv("PROXY_OPS_JWT_SIGNING_KEY"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
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

func getEnvInt(key string, def int) int {
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

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
