package config

import (
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TICK_RATE", "30")
	t.Setenv("NETWORK_RATE", "10")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("ADMIN_CODE", "hunter2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.TickRate != 30 {
		t.Fatalf("TICK_RATE not applied: %d", cfg.TickRate)
	}
	if cfg.NetworkRate != 10 {
		t.Fatalf("NETWORK_RATE not applied: %d", cfg.NetworkRate)
	}
	if cfg.RedisAddr != "redis.internal:6380" {
		t.Fatalf("REDIS_ADDR not applied: %q", cfg.RedisAddr)
	}
	if cfg.AdminCode != "hunter2" {
		t.Fatalf("ADMIN_CODE not applied: %q", cfg.AdminCode)
	}
}

func TestValidateRejectsBadRates(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick rate", func(c *Config) { c.TickRate = 0 }},
		{"zero network rate", func(c *Config) { c.NetworkRate = 0 }},
		{"network above tick", func(c *Config) { c.NetworkRate = c.TickRate + 1 }},
		{"zero save interval", func(c *Config) { c.SaveInterval = 0 }},
		{"zero ping rate", func(c *Config) { c.PingRate = 0 }},
		{"zero upload cap", func(c *Config) { c.MaxUploadMB = 0 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation failure", tc.name)
		}
	}
}

func TestDerivedPeriods(t *testing.T) {
	cfg := Default()
	if cfg.FixedStep() != 1.0/50.0 {
		t.Fatalf("fixed step: %v", cfg.FixedStep())
	}
	if cfg.NetworkPeriod() != 1.0/8.0 {
		t.Fatalf("network period: %v", cfg.NetworkPeriod())
	}
	if cfg.SavePeriod() != 60*time.Second {
		t.Fatalf("save period: %v", cfg.SavePeriod())
	}
	if cfg.PingPeriod() != time.Second {
		t.Fatalf("ping period: %v", cfg.PingPeriod())
	}
}
