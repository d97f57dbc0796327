package main

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"pkt.systems/poold"
	"pkt.systems/poold/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestRootFlagsCoverServerConfig(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	for _, name := range []string{
		"listen", "metrics-listen", "pprof-listen",
		"maxleases", "core-budget",
		"lease-ttl", "sweep-interval", "obtain-block",
		"json-max", "shutdown-timeout", "log-level",
	} {
		if root.Flags().Lookup(name) == nil {
			t.Fatalf("root command is missing --%s", name)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatal("root command is missing persistent --config")
	}
}

func TestBindConfigAppliesFlagDefaults(t *testing.T) {
	_ = newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var cfg poold.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Listen != poold.DefaultListen {
		t.Fatalf("listen = %q, want %q", cfg.Listen, poold.DefaultListen)
	}
	if cfg.MaxLeases != poold.DefaultMaxLeases {
		t.Fatalf("maxleases = %d, want %d", cfg.MaxLeases, poold.DefaultMaxLeases)
	}
	if cfg.LeaseTTL != poold.DefaultLeaseTTL {
		t.Fatalf("lease ttl = %s, want %s", cfg.LeaseTTL, poold.DefaultLeaseTTL)
	}
	// The flag default round-trips through humanize's SI units, so check
	// magnitude rather than the exact byte count.
	if cfg.JSONMaxBytes < poold.DefaultJSONMaxBytes/2 {
		t.Fatalf("json max = %d, want at least %d", cfg.JSONMaxBytes, poold.DefaultJSONMaxBytes/2)
	}
	if cfg.ObtainBlock != 0 {
		t.Fatalf("obtain block = %s, want 0", cfg.ObtainBlock)
	}
	if cfg.ShutdownTimeout != poold.DefaultShutdownTimeout {
		t.Fatalf("shutdown timeout = %s, want %s", cfg.ShutdownTimeout, poold.DefaultShutdownTimeout)
	}
	if cfg.SweepInterval != time.Second {
		t.Fatalf("sweep interval = %s, want 1s", cfg.SweepInterval)
	}
}
