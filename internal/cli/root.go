// Package cli provides the command-line interface for nodelab.
package cli

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/javanstorm/nodelab/internal/config"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "nodelab",
	Short: "nodelab - virtual network lab manager",
	Long: `nodelab manages a lab of QEMU virtual machines: numbered nodes and a
single router, each booting from its own copy-on-write overlay.

Consoles of running instances are published to an Apache Guacamole
gateway so they can be opened from a browser.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "version", "completion", "help":
			return nil
		}
		if err := config.Load(configFile); err != nil {
			return err
		}
		return setupLogging(config.Global)
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func setupLogging(cfg *config.Config) error {
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: search data and config dirs)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides log_level)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(wipeCmd)
	rootCmd.AddCommand(wipeAllCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sshCmd)
}
