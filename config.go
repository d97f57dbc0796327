package poold

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9573"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultMaxLeases caps concurrently held file-access leases.
	DefaultMaxLeases = 16
	// DefaultLeaseTTL is the lease duration applied on every obtain.
	DefaultLeaseTTL = 10 * time.Second
	// DefaultSweepInterval sets the tick frequency for expiry sweeps.
	DefaultSweepInterval = 1 * time.Second
	// DefaultObtainBlock keeps the reference behavior: obtain waits for a
	// free permit until the process terminates.
	DefaultObtainBlock = 0 * time.Second
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes = 1 << 20
	// DefaultShutdownTimeout caps graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config
	// is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config holds everything needed to run a poold server.
type Config struct {
	// Listen is the server bind address (for example ":9573").
	Listen string
	// MetricsListen is the metrics endpoint bind address; empty disables
	// the Prometheus scrape listener.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// MaxLeases caps concurrently held file-access leases.
	MaxLeases int
	// CoreBudget is the fixed core count divided equally among registered
	// worker pools. Zero detects the machine's physical core count.
	CoreBudget int
	// LeaseTTL is the lease duration applied on every obtain.
	LeaseTTL time.Duration
	// SweepInterval controls expiry sweep cadence.
	SweepInterval time.Duration
	// ObtainBlock bounds how long an obtain waits for a free permit before
	// reporting denied. Zero waits forever.
	ObtainBlock time.Duration
	// JSONMaxBytes caps incoming JSON payload size.
	JSONMaxBytes int64
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
}

// ApplyDefaults fills unset fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.MaxLeases == 0 {
		c.MaxLeases = DefaultMaxLeases
	}
	if c.CoreBudget == 0 {
		c.CoreBudget = DetectCoreBudget()
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.JSONMaxBytes == 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate rejects configurations that cannot produce a working server.
func (c *Config) Validate() error {
	if c.MaxLeases < 1 {
		return fmt.Errorf("maxleases must be at least 1, got %d", c.MaxLeases)
	}
	if c.CoreBudget < 1 {
		return fmt.Errorf("core budget must be at least 1, got %d", c.CoreBudget)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease ttl must be positive, got %s", c.LeaseTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.ObtainBlock < 0 {
		return fmt.Errorf("obtain block must not be negative, got %s", c.ObtainBlock)
	}
	if c.JSONMaxBytes < 1 {
		return fmt.Errorf("json max bytes must be positive, got %d", c.JSONMaxBytes)
	}
	return nil
}

// DetectCoreBudget returns the machine's physical core count, falling back
// to the logical count when the platform hides physical topology.
func DetectCoreBudget() int {
	if n, err := cpu.Counts(false); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// DefaultConfigDir returns the per-user poold config directory.
func DefaultConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "poold"), nil
}
