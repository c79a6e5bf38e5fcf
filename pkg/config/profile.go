package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is an optional deployment profile overlaying the environment
// configuration. Empty fields leave the environment value untouched.
type Profile struct {
	Name string `yaml:"name" json:"name"`

	Audit struct {
		ImmutableMode        string `yaml:"immutable_mode,omitempty" json:"immutable_mode,omitempty"`
		IngestURL            string `yaml:"ingest_url,omitempty" json:"ingest_url,omitempty"`
		IngestFetchTimeoutMS int64  `yaml:"ingest_fetch_timeout_ms,omitempty" json:"ingest_fetch_timeout_ms,omitempty"`
		S3Bucket             string `yaml:"s3_bucket,omitempty" json:"s3_bucket,omitempty"`
		GCSBucket            string `yaml:"gcs_bucket,omitempty" json:"gcs_bucket,omitempty"`
	} `yaml:"audit" json:"audit"`

	Server struct {
		Port       string `yaml:"port,omitempty" json:"port,omitempty"`
		CORSOrigin string `yaml:"cors_origin,omitempty" json:"cors_origin,omitempty"`
	} `yaml:"server" json:"server"`

	Storage struct {
		RedisURL    string `yaml:"redis_url,omitempty" json:"redis_url,omitempty"`
		DatabaseURL string `yaml:"database_url,omitempty" json:"database_url,omitempty"`
	} `yaml:"storage" json:"storage"`
}

// LoadProfile reads profile_<name>.yaml from dir. Missing profile is an error;
// callers decide whether a profile is mandatory.
func LoadProfile(dir, name string) (*Profile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("profile name is empty")
	}
	path := filepath.Join(dir, "profile_"+name+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &p, nil
}

// Apply overlays non-empty profile fields onto cfg.
func (p *Profile) Apply(cfg *Config) {
	if p == nil {
		return
	}
	if p.Audit.ImmutableMode != "" {
		cfg.AuditImmutableMode = p.Audit.ImmutableMode
	}
	if p.Audit.IngestURL != "" {
		cfg.IngestURL = p.Audit.IngestURL
	}
	if p.Audit.IngestFetchTimeoutMS > 0 {
		cfg.IngestFetchTimeoutMS = p.Audit.IngestFetchTimeoutMS
	}
	if p.Audit.S3Bucket != "" {
		cfg.S3Bucket = p.Audit.S3Bucket
	}
	if p.Audit.GCSBucket != "" {
		cfg.GCSBucket = p.Audit.GCSBucket
	}
	if p.Server.Port != "" {
		cfg.Port = p.Server.Port
	}
	if p.Server.CORSOrigin != "" {
		cfg.CORSOrigin = p.Server.CORSOrigin
	}
	if p.Storage.RedisURL != "" {
		cfg.RedisURL = p.Storage.RedisURL
	}
	if p.Storage.DatabaseURL != "" {
		cfg.DatabaseURL = p.Storage.DatabaseURL
	}
}
