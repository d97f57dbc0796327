package poold

import (
	"strings"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Listen != DefaultListen {
		t.Fatalf("listen = %q, want %q", cfg.Listen, DefaultListen)
	}
	if cfg.MaxLeases != DefaultMaxLeases {
		t.Fatalf("maxleases = %d, want %d", cfg.MaxLeases, DefaultMaxLeases)
	}
	if cfg.CoreBudget < 1 {
		t.Fatalf("core budget = %d, want >= 1", cfg.CoreBudget)
	}
	if cfg.LeaseTTL != DefaultLeaseTTL {
		t.Fatalf("lease ttl = %s, want %s", cfg.LeaseTTL, DefaultLeaseTTL)
	}
	if cfg.SweepInterval != DefaultSweepInterval {
		t.Fatalf("sweep interval = %s, want %s", cfg.SweepInterval, DefaultSweepInterval)
	}
	if cfg.ObtainBlock != 0 {
		t.Fatalf("obtain block = %s, want 0", cfg.ObtainBlock)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults failed validation: %v", err)
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Listen:    "127.0.0.1:1234",
		MaxLeases: 3,
		LeaseTTL:  time.Minute,
	}
	cfg.ApplyDefaults()
	if cfg.Listen != "127.0.0.1:1234" {
		t.Fatalf("listen overwritten: %q", cfg.Listen)
	}
	if cfg.MaxLeases != 3 {
		t.Fatalf("maxleases overwritten: %d", cfg.MaxLeases)
	}
	if cfg.LeaseTTL != time.Minute {
		t.Fatalf("lease ttl overwritten: %s", cfg.LeaseTTL)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative maxleases", func(c *Config) { c.MaxLeases = -1 }, "maxleases"},
		{"negative core budget", func(c *Config) { c.CoreBudget = -1 }, "core budget"},
		{"negative ttl", func(c *Config) { c.LeaseTTL = -time.Second }, "lease ttl"},
		{"negative sweep", func(c *Config) { c.SweepInterval = -time.Second }, "sweep interval"},
		{"negative block", func(c *Config) { c.ObtainBlock = -time.Second }, "obtain block"},
		{"negative json max", func(c *Config) { c.JSONMaxBytes = -1 }, "json max bytes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var cfg Config
			cfg.ApplyDefaults()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestDetectCoreBudget(t *testing.T) {
	t.Parallel()
	if n := DetectCoreBudget(); n < 1 {
		t.Fatalf("detected core budget %d, want >= 1", n)
	}
}
