// Package main is the spbsync daemon and operator CLI. The daemon serves
// the local REST/WebSocket API on loopback; the other subcommands operate
// directly on the data directory.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fieldops/spbsync/internal/config"
	"github.com/fieldops/spbsync/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

var (
	configPath string
	v          = viper.New()
	cfg        *config.Config
	logCloser  io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "spbsync",
	Short:         "Offline-first sync for delivery notes",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		level := logging.ParseLevel(cfg.Log.Level)
		if cfg.Log.File != "" {
			logCloser = logging.InitFile(logging.FileOptions{
				Path:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
			}, level)
		} else {
			logging.Init(os.Stderr, level)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default ./spbsync.yaml)")
	flags.String("data-dir", "", "directory holding the database and credentials")
	flags.String("api-url", "", "base URL of the remote API")
	flags.String("log-level", "", "debug, info, warn or error")

	_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("api.base_url", flags.Lookup("api-url"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))

	rootCmd.AddCommand(serveCmd, migrateCmd, syncCmd, statusCmd, loginCmd, logoutCmd, retryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
