package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maxd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  model: gpt-4o-mini
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Agent.Model != "gpt-4o-mini" {
		t.Errorf("model = %s", cfg.Agent.Model)
	}
	if cfg.Agent.MaxSteps != 15 {
		t.Errorf("max steps default = %d", cfg.Agent.MaxSteps)
	}
	if cfg.Approval.Mode != "strict" {
		t.Errorf("approval mode default = %s", cfg.Approval.Mode)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN == "" {
		t.Errorf("store defaults = %s %s", cfg.Store.Driver, cfg.Store.DSN)
	}
	if !strings.HasSuffix(cfg.Memory.Path, "memory.db") {
		t.Errorf("memory path = %s", cfg.Memory.Path)
	}
	if !cfg.Channels.CLI {
		t.Error("cli channel should default on")
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_TG_TOKEN", "tok-123")
	path := writeConfig(t, `
channels:
  telegram:
    enabled: true
    token: ${TEST_TG_TOKEN}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Channels.Telegram.Token != "tok-123" {
		t.Errorf("token = %s", cfg.Channels.Telegram.Token)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"approval mode", func(c *Config) { c.Approval.Mode = "yolo" }, "approval.mode"},
		{"store driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"queue mode", func(c *Config) { c.Scheduler.QueueMode = "stack" }, "queue_mode"},
		{"telegram token", func(c *Config) { c.Channels.Telegram.Enabled = true }, "telegram.token"},
		{"no channels", func(c *Config) { c.Channels.CLI = false }, "no channel"},
		{"email from", func(c *Config) { c.Email.Host = "smtp.example.com"; c.Email.Port = 587 }, "email.from"},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestFindConfigExplicitMustExist(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit path")
	}

	path := writeConfig(t, "agent:\n  model: x\n")
	got, err := FindConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Errorf("FindConfig = %s", got)
	}
}

func TestNormalizeSessionID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "default"},
		{"  ", "default"},
		{"Dev", "dev"},
		{"my session!", "my-session"},
		{"--weird--", "weird"},
		{strings.Repeat("a", 80), strings.Repeat("a", 64)},
	}
	for _, tc := range cases {
		if got := NormalizeSessionID(tc.in); got != tc.want {
			t.Errorf("NormalizeSessionID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
