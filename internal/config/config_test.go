package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.StepDefaultTTL() != 30*24*time.Hour {
		t.Fatalf("step ttl = %s", cfg.StepDefaultTTL())
	}
	if cfg.ManagementTTL() != 7*24*time.Hour {
		t.Fatalf("management ttl = %s", cfg.ManagementTTL())
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("tokens:\n  secret: s3cret\nnotify:\n  backend: nats\n  nats_url: nats://localhost:4222\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Tokens.Secret != "s3cret" || cfg.Tokens.Backend != "sqlite" {
		t.Fatalf("unexpected tokens config: %+v", cfg.Tokens)
	}
	if cfg.Notify.Subject != "gitdone.mail" {
		t.Fatalf("default subject lost: %q", cfg.Notify.Subject)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"tokens:\n  backend: etcd\n":                   "tokens.backend",
		"tokens:\n  step_default_ttl: forever\n":       "step_default_ttl",
		"tokens:\n  management_ttl: \"2030-01-01\"\n":  "management_ttl",
		"evidence:\n  backend: s3\n":                   "s3.bucket",
		"chain:\n  backend: svn\n":                     "chain.backend",
		"webhooks:\n  - secret: x\n":                   "webhooks[0].url",
		"server:\n  rate_limit:\n    rps: -1\n":        "rate_limit",
		"notify:\n  backend: nats\n  nats_url: \"\"\n": "nats_url",
	}
	for in, want := range cases {
		_, err := FromYAML([]byte(in))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%q: expected error containing %q, got %v", in, want, err)
		}
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("base path = %q", cfg.Server.BasePath)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "gitdone.yml"), []byte("chain:\n  backend: none\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.Backend != "none" {
		t.Fatalf("chain backend = %q", cfg.Chain.Backend)
	}
}

func TestApplyEnv(t *testing.T) {
	v := viper.New()
	v.Set("token-secret", "from-env")
	v.Set("nats-url", "nats://example:4222")
	cfg := Default()
	cfg.ApplyEnv(v)
	if cfg.Tokens.Secret != "from-env" || cfg.Notify.NATSURL != "nats://example:4222" {
		t.Fatalf("env not applied: %+v %+v", cfg.Tokens, cfg.Notify)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Fatalf("unset key overwritten: %q", cfg.Server.Addr)
	}
}
