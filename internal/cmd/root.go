package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"restorable.io/cluster-restore/internal/config"
	"restorable.io/cluster-restore/internal/logutil"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "cluster-restore",
	Short: "Restore cluster backups onto any node-group topology",
	Long: `cluster-restore replays a distributed database backup into a live cluster.
It remaps table fragments onto the node groups the target has, applies the
backup's change log, records the apply status and produces signed restore reports.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads the config selected by --config and sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logCfg := logutil.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File}
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	if logFormat != "" {
		logCfg.Format = logFormat
	}
	if err := logutil.InitLogger(logCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.restorable/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")
}
