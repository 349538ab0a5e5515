package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the YAML configuration of the relay binary. Every section
	// has working defaults: an empty file yields a scripted, SQLite-only
	// runtime with no external services.
	Config struct {
		Database     DatabaseConfig     `yaml:"database"`
		Roles        RolesConfig        `yaml:"roles"`
		AWS          AWSConfig          `yaml:"aws"`
		Consumer     ConsumerConfig     `yaml:"consumer"`
		Orchestrator OrchestratorConfig `yaml:"orchestrator"`
		Guidance     GuidanceConfig     `yaml:"guidance"`
		Audit        AuditConfig        `yaml:"audit"`
	}

	// DatabaseConfig locates the SQLite queue database.
	DatabaseConfig struct {
		Path string `yaml:"path"`
	}

	// RolesConfig selects and tunes the role backend.
	RolesConfig struct {
		// Provider is one of scripted, anthropic, openai, bedrock.
		Provider string `yaml:"provider"`
		// Model is the provider model identifier. Ignored by scripted.
		Model string `yaml:"model"`
		// APIKey authenticates anthropic and openai providers. Falls back
		// to the provider's usual environment variable when empty.
		APIKey      string  `yaml:"api_key"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float64 `yaml:"temperature"`
		// RateLimitTPM enables the adaptive rate limiter with this initial
		// tokens-per-minute budget when positive.
		RateLimitTPM    float64 `yaml:"rate_limit_tpm"`
		RateLimitMaxTPM float64 `yaml:"rate_limit_max_tpm"`
	}

	// AWSConfig configures the bedrock provider. Static credentials here
	// are demo convenience; leave them empty to fail fast instead of
	// silently using an unauthenticated client.
	AWSConfig struct {
		Region          string `yaml:"region"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
		SessionToken    string `yaml:"session_token"`
	}

	// ConsumerConfig tunes the queue consumers.
	ConsumerConfig struct {
		LeaseDuration Duration `yaml:"lease_duration"`
		MaxAttempts   int      `yaml:"max_attempts"`
	}

	// OrchestratorConfig tunes the polling loops.
	OrchestratorConfig struct {
		IdleInterval  Duration `yaml:"idle_interval"`
		SweepInterval Duration `yaml:"sweep_interval"`
	}

	// GuidanceConfig tunes the consult round trip.
	GuidanceConfig struct {
		ConsultTimeout Duration `yaml:"consult_timeout"`
	}

	// AuditConfig wires optional audit backends. Both are off unless
	// configured.
	AuditConfig struct {
		// RedisAddr enables the per-trace Pulse stream sink.
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		StreamMaxLen  int    `yaml:"stream_max_len"`
		// MongoURI enables the durable Mongo audit trail.
		MongoURI      string `yaml:"mongo_uri"`
		MongoDatabase string `yaml:"mongo_database"`
	}

	// Duration is a time.Duration that unmarshals from YAML strings such
	// as "30s" or "2m".
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{Path: "relay.db"},
		Roles:    RolesConfig{Provider: "scripted"},
	}
}

// LoadConfig reads and parses the YAML configuration file at path. An empty
// path returns DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "relay.db"
	}
	if cfg.Roles.Provider == "" {
		cfg.Roles.Provider = "scripted"
	}
	return cfg, nil
}
