// Package cmd implements the nebulasend command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nebulasend/config"
	"nebulasend/storage"
)

var (
	logLevel string
	dataDir  string
)

var rootCmd = &cobra.Command{
	Use:           "nebulasend",
	Short:         "Peer-to-peer file transfer with PIN consent",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logrus.SetOutput(os.Stderr)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if logLevel == "" {
			return nil
		}
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		logrus.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides config")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory; overrides "+config.DataDirEnv)

	rootCmd.AddCommand(listenCmd, sendCmd, receivedCmd, peersCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app bundles what every subcommand loads at startup.
type app struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
}

func loadApp() (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate(dataDir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// The flag wins over the config file.
	if logLevel == "" {
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			logrus.SetLevel(level)
		}
	}

	return &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: filepath.Dir(cfgPath),
	}, nil
}

func (a *app) openStore() (*storage.Store, error) {
	store, dbPath, err := storage.Open(a.dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "openStore",
		"path":     dbPath,
	}).Debug("Opened transfer store")
	return store, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
