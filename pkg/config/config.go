// Package config parses the shard's environment configuration, overlays an
// optional YAML profile, and computes the runtime readiness status.
package config

import (
	"os"
	"strconv"
	"strings"
)

// DefaultCORSPlaceholder marks an unconfigured CORS origin; warning only.
const DefaultCORSPlaceholder = "https://example.invalid"

// Config is the parsed shard configuration.
type Config struct {
	Port string

	AdminPassword     string
	AdminDemoPassword string

	PopSignerSecretKeyB64 string
	PopSignerPubkey       string
	EnforceOnchainPop     bool

	AuditImmutableMode    string
	IngestURL             string
	IngestToken           string
	IngestFetchTimeoutMS  int64

	CORSOrigin string

	RedisURL    string
	DatabaseURL string
	S3Bucket    string
	GCSBucket   string
}

// Load reads configuration from the environment. Unset values fall back to
// the documented defaults; ENFORCE_ONCHAIN_POP defaults to on.
func Load() *Config {
	cfg := &Config{
		Port:                  envOr("PORT", "8080"),
		AdminPassword:         os.Getenv("ADMIN_PASSWORD"),
		AdminDemoPassword:     os.Getenv("ADMIN_DEMO_PASSWORD"),
		PopSignerSecretKeyB64: os.Getenv("POP_SIGNER_SECRET_KEY_B64"),
		PopSignerPubkey:       os.Getenv("POP_SIGNER_PUBKEY"),
		EnforceOnchainPop:     parseBoolDefaultTrue(os.Getenv("ENFORCE_ONCHAIN_POP")),
		AuditImmutableMode:    os.Getenv("AUDIT_IMMUTABLE_MODE"),
		IngestURL:             os.Getenv("AUDIT_IMMUTABLE_INGEST_URL"),
		IngestToken:           os.Getenv("AUDIT_IMMUTABLE_INGEST_TOKEN"),
		IngestFetchTimeoutMS:  parseInt64(os.Getenv("AUDIT_IMMUTABLE_FETCH_TIMEOUT_MS")),
		CORSOrigin:            os.Getenv("CORS_ORIGIN"),
		RedisURL:              os.Getenv("REDIS_URL"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		S3Bucket:              os.Getenv("AUDIT_IMMUTABLE_S3_BUCKET"),
		GCSBucket:             os.Getenv("AUDIT_IMMUTABLE_GCS_BUCKET"),
	}
	return cfg
}

// CORSConfigured reports whether a real CORS origin is set.
func (c *Config) CORSConfigured() bool {
	return c.CORSOrigin != "" && c.CORSOrigin != DefaultCORSPlaceholder
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// parseBoolDefaultTrue treats only explicit negatives as false.
func parseBoolDefaultTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "off", "no":
		return false
	}
	return true
}

func parseInt64(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
