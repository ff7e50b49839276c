package resvd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/resvd/internal/rebalance"
	"pkt.systems/resvd/internal/tasks"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9480"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultWorkers is the number of reserved workers, each owning one dedicated queue.
	DefaultWorkers = 4
	// DefaultReservedWorkerPrefix names reserved workers; the rebalancer only
	// reconciles queues of workers carrying this prefix.
	DefaultReservedWorkerPrefix = rebalance.DefaultPrefix
	// DefaultQueue receives tasks dispatched without a reservation.
	DefaultQueue = tasks.DefaultQueue
	// DefaultCoordinationQueue serialises reserve/release bookkeeping.
	DefaultCoordinationQueue = tasks.DefaultCoordinationQueue
	// DefaultBabysitInterval separates queue reconciliation passes.
	DefaultBabysitInterval = rebalance.DefaultInterval
	// DefaultBabysitMissingGrace is how long a vanished queue's load record
	// survives before deletion. Zero deletes on the first pass that misses it.
	DefaultBabysitMissingGrace = time.Duration(0)
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes = 1 << 20
	// DefaultShutdownTimeout caps the total shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultSQLiteBusyTimeout bounds how long SQLite waits on a locked database.
	DefaultSQLiteBusyTimeout = 5 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a resvd server.
type Config struct {
	Listen string
	Store  string

	// Workers is the number of reserved workers started in-process.
	Workers              int
	ReservedWorkerPrefix string
	DefaultQueue         string
	CoordinationQueue    string

	BabysitInterval     time.Duration
	BabysitMissingGrace time.Duration
	// DisableBabysit skips the periodic reconcile loop. A reconcile pass
	// still runs once at startup.
	DisableBabysit bool

	JSONMaxBytes    int64
	ShutdownTimeout time.Duration

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64
	SQLiteBusyTimeout       time.Duration

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string
	DisableHTTPTracing     bool
	DisableStorageTracing  bool
}

// DefaultConfig returns a Config populated with every default.
func DefaultConfig() Config {
	cfg := Config{}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "sqlite", "bolt":
	default:
		return fmt.Errorf("config: unsupported store scheme %q (options: mem, sqlite, bolt)", u.Scheme)
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must be >= 0")
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	c.ReservedWorkerPrefix = strings.TrimSpace(c.ReservedWorkerPrefix)
	if c.ReservedWorkerPrefix == "" {
		c.ReservedWorkerPrefix = DefaultReservedWorkerPrefix
	}
	c.DefaultQueue = strings.TrimSpace(c.DefaultQueue)
	if c.DefaultQueue == "" {
		c.DefaultQueue = DefaultQueue
	}
	c.CoordinationQueue = strings.TrimSpace(c.CoordinationQueue)
	if c.CoordinationQueue == "" {
		c.CoordinationQueue = DefaultCoordinationQueue
	}
	if c.CoordinationQueue == c.DefaultQueue {
		return fmt.Errorf("config: coordination queue must differ from default queue %q", c.DefaultQueue)
	}
	if strings.HasPrefix(c.DefaultQueue, c.ReservedWorkerPrefix) || strings.HasPrefix(c.CoordinationQueue, c.ReservedWorkerPrefix) {
		return fmt.Errorf("config: queue names must not start with reserved worker prefix %q", c.ReservedWorkerPrefix)
	}
	if c.BabysitInterval < 0 {
		return fmt.Errorf("config: babysit interval must be >= 0")
	}
	if c.BabysitInterval == 0 {
		c.BabysitInterval = DefaultBabysitInterval
	}
	if c.BabysitMissingGrace < 0 {
		return fmt.Errorf("config: babysit missing grace must be >= 0")
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.SQLiteBusyTimeout <= 0 {
		c.SQLiteBusyTimeout = DefaultSQLiteBusyTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// ReservedWorkerNames lists the reserved workers a server starts.
func (c Config) ReservedWorkerNames() []string {
	names := make([]string, 0, c.Workers)
	for i := 1; i <= c.Workers; i++ {
		names = append(names, fmt.Sprintf("%s%d", c.ReservedWorkerPrefix, i))
	}
	return names
}

// DefaultConfigDir returns the default configuration directory ($HOME/.resvd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("RESVD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".resvd"), nil
}

// DefaultConfigPath returns the config file location used when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
