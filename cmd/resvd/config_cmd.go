package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/resvd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage resvd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.resvd/" + resvd.DefaultConfigFileName
	if path, err := resvd.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default resvd configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := resvd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys must match the flag names
// so viper resolves them from the file.
type configDefaults struct {
	Listen                 string  `yaml:"listen"`
	Store                  string  `yaml:"store"`
	Workers                int     `yaml:"workers"`
	ReservedWorkerPrefix   string  `yaml:"reserved-worker-prefix"`
	DefaultQueue           string  `yaml:"default-queue"`
	CoordinationQueue      string  `yaml:"coordination-queue"`
	BabysitInterval        string  `yaml:"babysit-interval"`
	BabysitMissingGrace    string  `yaml:"babysit-missing-grace"`
	DisableBabysit         bool    `yaml:"disable-babysit"`
	JSONMax                string  `yaml:"json-max"`
	ShutdownTimeout        string  `yaml:"shutdown-timeout"`
	StorageRetryAttempts   int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64 `yaml:"storage-retry-multiplier"`
	SQLiteBusyTimeout      string  `yaml:"sqlite-busy-timeout"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	DisableHTTPTracing     bool    `yaml:"disable-http-tracing"`
	DisableStorageTracing  bool    `yaml:"disable-storage-tracing"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	cfg := resvd.DefaultConfig()
	defaults := configDefaults{
		Listen:                 cfg.Listen,
		Store:                  cfg.Store,
		Workers:                cfg.Workers,
		ReservedWorkerPrefix:   cfg.ReservedWorkerPrefix,
		DefaultQueue:           cfg.DefaultQueue,
		CoordinationQueue:      cfg.CoordinationQueue,
		BabysitInterval:        cfg.BabysitInterval.String(),
		BabysitMissingGrace:    cfg.BabysitMissingGrace.String(),
		JSONMax:                humanizeBytes(cfg.JSONMaxBytes),
		ShutdownTimeout:        cfg.ShutdownTimeout.String(),
		StorageRetryAttempts:   cfg.StorageRetryMaxAttempts,
		StorageRetryBaseDelay:  cfg.StorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   cfg.StorageRetryMaxDelay.String(),
		StorageRetryMultiplier: cfg.StorageRetryMultiplier,
		SQLiteBusyTimeout:      cfg.SQLiteBusyTimeout.String(),
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		OTLPEndpoint:           cfg.OTLPEndpoint,
		LogLevel:               "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
