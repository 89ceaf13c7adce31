// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the gateway configuration.
//
// Configuration is read from a YAML file in which ${VAR} and
// ${VAR:-default} references are expanded from the environment. A small set
// of environment variables then overrides the file:
//
//	PORT                  server.port
//	REDIS_URL             lock.redis_url (and selects the redis backend)
//	DATABASE_URL          usage.database_url
//	LOCK_TIMEOUT_SECONDS  lock.timeout_seconds
//	LOG_LEVEL             log_level
//
// Adapter credentials may be secret references, resolved by a Resolver:
//
//	env:OPENAI_API_KEY
//	aws-secret:arn:aws:secretsmanager:us-east-1:123456789012:secret:novel#api_key
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Lock backends.
const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// Config is the root configuration document.
type Config struct {
	Server   ServerConfig             `yaml:"server"`
	Lock     LockConfig               `yaml:"lock"`
	Upstream UpstreamConfig           `yaml:"upstream"`
	Usage    UsageConfig              `yaml:"usage"`
	Adapters map[string]AdapterConfig `yaml:"adapters"`
	Secrets  SecretsConfig            `yaml:"secrets"`
	LogLevel string                   `yaml:"log_level"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`

	// DefaultService is used when a request names no adapter.
	DefaultService string `yaml:"default_service"`

	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

// LockConfig configures the generation lock.
type LockConfig struct {
	Backend        string `yaml:"backend"`
	RedisURL       string `yaml:"redis_url"`
	KeyPrefix      string `yaml:"key_prefix"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// UpstreamConfig bounds calls to backends.
type UpstreamConfig struct {
	RequestTimeoutSeconds        int `yaml:"request_timeout_seconds"`
	DialTimeoutSeconds           int `yaml:"dial_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
}

// UsageConfig configures usage recording. An empty URL disables it.
type UsageConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// AdapterConfig holds server-side defaults for one adapter. Fields an
// adapter does not use are ignored.
type AdapterConfig struct {
	URL             string `yaml:"url"`
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// SecretsConfig configures secret reference resolution.
type SecretsConfig struct {
	AWSRegion       string `yaml:"aws_region"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                   8080,
			CORSOrigins:            []string{"*"},
			ShutdownTimeoutSeconds: 30,
		},
		Lock: LockConfig{
			Backend:        LockBackendMemory,
			KeyPrefix:      "genstream:lock",
			TimeoutSeconds: 20,
		},
		Upstream: UpstreamConfig{
			RequestTimeoutSeconds:        300,
			DialTimeoutSeconds:           10,
			ResponseHeaderTimeoutSeconds: 60,
		},
		Adapters: map[string]AdapterConfig{},
		Secrets:  SecretsConfig{CacheTTLSeconds: 300},
		LogLevel: "info",
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse expands environment references in data and decodes it over cfg.
func Parse(data []byte, cfg *Config) error {
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Adapters == nil {
		cfg.Adapters = map[string]AdapterConfig{}
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Lock.RedisURL = v
		c.Lock.Backend = LockBackendRedis
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Usage.DatabaseURL = v
	}
	if v := os.Getenv("LOCK_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LOCK_TIMEOUT_SECONDS %q: %w", v, err)
		}
		c.Lock.TimeoutSeconds = secs
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Lock.Backend {
	case LockBackendMemory:
	case LockBackendRedis:
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("lock.redis_url is required when lock.backend is %q", LockBackendRedis)
		}
	default:
		return fmt.Errorf("lock.backend must be %q or %q, got %q", LockBackendMemory, LockBackendRedis, c.Lock.Backend)
	}
	if c.Lock.TimeoutSeconds <= 0 {
		return fmt.Errorf("lock.timeout_seconds must be positive, got %d", c.Lock.TimeoutSeconds)
	}

	if c.Upstream.RequestTimeoutSeconds < 0 || c.Upstream.DialTimeoutSeconds < 0 || c.Upstream.ResponseHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("upstream timeouts must not be negative")
	}

	for name := range c.Adapters {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("adapters: empty adapter name")
		}
	}
	return nil
}

// Warnings lists valid settings the operator should know about.
func (c *Config) Warnings() []string {
	var out []string
	req := c.Upstream.RequestTimeoutSeconds
	if req == 0 {
		req = Default().Upstream.RequestTimeoutSeconds
	}
	if req > c.Lock.TimeoutSeconds {
		out = append(out, fmt.Sprintf(
			"upstream.request_timeout_seconds (%d) exceeds lock.timeout_seconds (%d): a generation running longer than the lock timeout no longer blocks a second one for the same identity",
			req, c.Lock.TimeoutSeconds))
	}
	return out
}

// LockTimeout is how long a generation lock is honoured without a release.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds one upstream call including a streamed body.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Upstream.RequestTimeoutSeconds) * time.Second
}

// DialTimeout bounds connection establishment.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Upstream.DialTimeoutSeconds) * time.Second
}

// ResponseHeaderTimeout bounds the wait for response headers.
func (c *Config) ResponseHeaderTimeout() time.Duration {
	return time.Duration(c.Upstream.ResponseHeaderTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands environment variable references in the string.
// Undefined variables without a default expand to the empty string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		// ${VAR_NAME:-default}
		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}

// Example returns a commented example configuration file.
func Example() string {
	return `# genstream gateway configuration
# Environment variables can be referenced using ${VAR_NAME} or ${VAR_NAME:-default}

server:
  port: ${PORT:-8080}
  cors_origins: ["*"]
  default_service: kobold

lock:
  backend: memory           # memory | redis
  redis_url: ${REDIS_URL:-}
  key_prefix: genstream:lock
  timeout_seconds: 20

upstream:
  request_timeout_seconds: 300
  dial_timeout_seconds: 10
  response_header_timeout_seconds: 60

usage:
  database_url: ${DATABASE_URL:-}

adapters:
  kobold:
    url: ${KOBOLD_URL:-http://localhost:5001}
  openai:
    api_key: env:OPENAI_API_KEY
    model: ${OPENAI_MODEL:-gpt-4o-mini}
  claude:
    api_key: env:ANTHROPIC_API_KEY
    model: claude-3-5-haiku-20241022
  bedrock:
    region: ${AWS_REGION:-us-east-1}
    model: anthropic.claude-3-haiku-20240307-v1:0

secrets:
  aws_region: ${AWS_REGION:-us-east-1}
  cache_ttl_seconds: 300

log_level: info
`
}
