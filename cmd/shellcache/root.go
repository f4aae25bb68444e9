package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/discochess/shellcache/internal/config"
)

var (
	// Global flags. Each overrides its SHELLCACHE_* variable when set.
	dataDir   string
	backend   string
	origin    string
	manifestF string
	logLevel  string
	logFormat string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "shellcache",
	Short: "Offline-capable caching proxy for a web application shell",
	Long: `Shellcache keeps a versioned copy of a web application's shell and
map tiles so the application keeps working when the network does not.

Tile requests are served cache-first; everything else goes to the network
first and falls back to the stored copy, then to the application root.

Configuration is read from SHELLCACHE_* environment variables; flags
override them.

Examples:
  # Run the proxy in front of the application
  shellcache serve --origin https://bus.example.com

  # Populate the store once without serving
  shellcache install --origin https://bus.example.com

  # Inspect stored generations
  shellcache generations`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&dataDir, "data-dir", "d", "./data", "directory for the disk and sqlite backends")
	flags.StringVar(&backend, "backend", config.BackendDisk, "storage backend: memory, disk, sqlite, redis, gcs or s3")
	flags.StringVar(&origin, "origin", "http://localhost:8080", "application origin")
	flags.StringVar(&manifestF, "manifest", "", "shell manifest JSON file (default: built-in manifest)")
	flags.StringVar(&logLevel, "log-level", "info", "log level")
	flags.StringVar(&logFormat, "log-format", "json", "log format: json or console")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// loadConfig reads the environment and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	overrides := []struct {
		name string
		dst  *string
		val  string
	}{
		{"data-dir", &cfg.DataDir, dataDir},
		{"backend", &cfg.Backend, backend},
		{"origin", &cfg.Origin, origin},
		{"manifest", &cfg.ManifestPath, manifestF},
		{"log-level", &cfg.LogLevel, logLevel},
		{"log-format", &cfg.LogFormat, logFormat},
	}
	for _, o := range overrides {
		if flags.Changed(o.name) {
			*o.dst = o.val
		}
	}
	if verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// setup loads the configuration and builds the logger.
func setup(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
