package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"gitdone/internal/timelimit"
)

// Config models gitdone.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		BaseURL   string `yaml:"base_url"`
		RateLimit struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Tokens struct {
		Secret         string      `yaml:"secret"`
		Backend        string      `yaml:"backend"`
		Redis          RedisConfig `yaml:"redis"`
		StepDefaultTTL string      `yaml:"step_default_ttl"`
		ManagementTTL  string      `yaml:"management_ttl"`
	} `yaml:"tokens"`
	Evidence struct {
		Backend   string   `yaml:"backend"`
		Dir       string   `yaml:"dir"`
		MaxSizeMB int      `yaml:"max_size_mb"`
		MaxFiles  int      `yaml:"max_files"`
		S3        S3Config `yaml:"s3"`
	} `yaml:"evidence"`
	Notify struct {
		Backend string `yaml:"backend"`
		NATSURL string `yaml:"nats_url"`
		Subject string `yaml:"subject"`
		Workers int    `yaml:"workers"`
		Queue   int    `yaml:"queue"`
	} `yaml:"notify"`
	Chain struct {
		Backend string `yaml:"backend"`
		Dir     string `yaml:"dir"`
	} `yaml:"chain"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace. A missing file yields the defaults.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Tokens.Backend {
	case "sqlite", "memory":
	case "redis":
		if c.Tokens.Redis.Addr == "" {
			return fmt.Errorf("config.tokens.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.tokens.backend must be sqlite, redis or memory")
	}
	if _, err := parseTTL(c.Tokens.StepDefaultTTL); err != nil {
		return fmt.Errorf("config.tokens.step_default_ttl: %w", err)
	}
	if _, err := parseTTL(c.Tokens.ManagementTTL); err != nil {
		return fmt.Errorf("config.tokens.management_ttl: %w", err)
	}
	switch c.Evidence.Backend {
	case "local":
		if c.Evidence.Dir == "" {
			return fmt.Errorf("config.evidence.dir is required for the local backend")
		}
	case "s3":
		if c.Evidence.S3.Bucket == "" {
			return fmt.Errorf("config.evidence.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config.evidence.backend must be local or s3")
	}
	if c.Evidence.MaxSizeMB <= 0 || c.Evidence.MaxFiles <= 0 {
		return fmt.Errorf("config.evidence max_size_mb and max_files must be positive")
	}
	switch c.Notify.Backend {
	case "log":
	case "nats":
		if c.Notify.NATSURL == "" || c.Notify.Subject == "" {
			return fmt.Errorf("config.notify.nats_url and subject are required for the nats backend")
		}
	default:
		return fmt.Errorf("config.notify.backend must be log or nats")
	}
	switch c.Chain.Backend {
	case "none":
	case "git":
		if c.Chain.Dir == "" {
			return fmt.Errorf("config.chain.dir is required for the git backend")
		}
	default:
		return fmt.Errorf("config.chain.backend must be git or none")
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit values must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// StepDefaultTTL is the token lifetime for steps without a time limit.
func (c *Config) StepDefaultTTL() time.Duration {
	d, _ := parseTTL(c.Tokens.StepDefaultTTL)
	if d == 0 {
		return timelimit.DefaultTokenTTL
	}
	return d
}

// ManagementTTL is the lifetime of management links.
func (c *Config) ManagementTTL() time.Duration {
	d, _ := parseTTL(c.Tokens.ManagementTTL)
	if d == 0 {
		return 7 * 24 * time.Hour
	}
	return d
}

func parseTTL(s string) (time.Duration, error) {
	l, err := timelimit.Parse(s)
	if err != nil {
		return 0, err
	}
	if !l.Deadline.IsZero() {
		return 0, fmt.Errorf("%q is a deadline, not a duration", s)
	}
	return l.Duration, nil
}

// ApplyEnv overlays GITDONE_* settings bound in v onto c.
func (c *Config) ApplyEnv(v *viper.Viper) {
	set := func(dst *string, key string) {
		if val := strings.TrimSpace(v.GetString(key)); val != "" {
			*dst = val
		}
	}
	set(&c.Server.Addr, "addr")
	set(&c.Server.BaseURL, "base-url")
	set(&c.Tokens.Secret, "token-secret")
	set(&c.Tokens.Backend, "token-backend")
	set(&c.Tokens.Redis.Addr, "redis-addr")
	set(&c.Evidence.Backend, "evidence-backend")
	set(&c.Evidence.S3.Bucket, "s3-bucket")
	set(&c.Evidence.S3.Endpoint, "s3-endpoint")
	set(&c.Notify.Backend, "notify-backend")
	set(&c.Notify.NATSURL, "nats-url")
	set(&c.Chain.Backend, "chain-backend")
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gitdone.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from data keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  base_url: http://127.0.0.1:8080
  rate_limit:
    rps: 5
    burst: 20

tokens:
  # Override with GITDONE_TOKEN_SECRET in production.
  secret: change-me
  backend: sqlite
  redis:
    addr: 127.0.0.1:6379
  step_default_ttl: 30d
  management_ttl: 7d

evidence:
  backend: local
  dir: .gitdone/evidence
  max_size_mb: 25
  max_files: 10
  s3:
    region: us-east-1

notify:
  backend: log
  subject: gitdone.mail
  workers: 4
  queue: 256

chain:
  backend: git
  dir: .gitdone/chains
`
