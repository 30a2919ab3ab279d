package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"warden/internal/config"
	"warden/internal/engine"
	"warden/internal/logging"
)

var (
	cfgPath string
	verbose bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "wardend",
	Short: "warden - autonomous system maintenance daemon",
	Long: `warden watches over a host: it takes maintenance intents, plans them
with local or cloud inference, rehearses every action inside a disposable
sandbox, snapshots the filesystem before anything risky touches the host,
and remembers what worked so the next similar task is cheaper.

Run without arguments to start the daemon.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logging.Initialize(logging.Options{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
			TailLines:  cfg.Telemetry.LogTailLines,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestration daemon (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func runDaemon() error {
	log := logging.Get(logging.CategoryBoot)
	log.Infof("warden %s starting", cfg.Version)

	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("boot failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config edits take effect on the fly where they safely can.
	watcher, err := config.NewWatcher(cfgPath, eng.ApplyConfig)
	if err != nil {
		log.Warnf("config hot reload disabled: %v", err)
	} else if err := watcher.Start(ctx); err != nil {
		log.Warnf("config hot reload disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	if err := eng.Run(ctx); err != nil {
		return fmt.Errorf("daemon exited: %w", err)
	}
	log.Info("warden stopped")
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath(), "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(skillsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
