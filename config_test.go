package resvd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default, got %q", cfg.Listen)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("expected store default, got %q", cfg.Store)
	}
	if cfg.Workers != DefaultWorkers {
		t.Fatalf("expected %d workers, got %d", DefaultWorkers, cfg.Workers)
	}
	if cfg.ReservedWorkerPrefix != "reserved_resource_worker-" {
		t.Fatalf("unexpected prefix %q", cfg.ReservedWorkerPrefix)
	}
	if cfg.DefaultQueue != "default" || cfg.CoordinationQueue != "resource_manager" {
		t.Fatalf("unexpected queues %q %q", cfg.DefaultQueue, cfg.CoordinationQueue)
	}
	if cfg.BabysitInterval != 90*time.Second {
		t.Fatalf("unexpected babysit interval %v", cfg.BabysitInterval)
	}
	if cfg.BabysitMissingGrace != 0 {
		t.Fatalf("expected zero grace, got %v", cfg.BabysitMissingGrace)
	}
	if cfg.StorageRetryMaxAttempts <= 0 || cfg.StorageRetryBaseDelay <= 0 || cfg.StorageRetryMultiplier <= 0 {
		t.Fatalf("expected storage retry defaults, got %+v", cfg)
	}
	if cfg.JSONMaxBytes != DefaultJSONMaxBytes || cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("unexpected limits %+v", cfg)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := map[string]Config{
		"bad scheme":        {Store: "s3://bucket"},
		"negative workers":  {Workers: -1},
		"same queues":       {DefaultQueue: "q", CoordinationQueue: "q"},
		"prefixed default":  {DefaultQueue: "reserved_resource_worker-x"},
		"negative interval": {BabysitInterval: -time.Second},
		"negative grace":    {BabysitMissingGrace: -time.Second},
		"retry delays":      {StorageRetryBaseDelay: time.Second, StorageRetryMaxDelay: time.Millisecond},
		"profiling":         {EnableProfilingMetrics: true},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestConfigReservedWorkerNames(t *testing.T) {
	cfg := Config{Workers: 3, ReservedWorkerPrefix: "reserved_worker_"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	got := strings.Join(cfg.ReservedWorkerNames(), ",")
	if got != "reserved_worker_1,reserved_worker_2,reserved_worker_3" {
		t.Fatalf("unexpected names %q", got)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RESVD_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join(dir, DefaultConfigFileName) {
		t.Fatalf("unexpected path %q", path)
	}
	t.Setenv("RESVD_CONFIG_DIR", "relative")
	got, err = DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	wd, _ := os.Getwd()
	if got != filepath.Join(wd, "relative") {
		t.Fatalf("expected absolute path, got %q", got)
	}
}
