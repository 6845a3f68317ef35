package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flotilla-dev/flotilla/pkg/config"
	"github.com/flotilla-dev/flotilla/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flotilla",
	Short: "Flotilla - logical microservice fleet model",
	Long: `Flotilla models a microservice fleet in memory: named service
instances with virtual addresses, pluggable load balancing, fault injection
and recovery. It reproduces distributed-systems behavior deterministically,
without real network transport.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Flotilla version %s\nCommit: %s\n", Version, Commit,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (defaults to built-in plan)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(topologyCmd)
}

// loadConfig resolves the effective configuration and initializes logging
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}
