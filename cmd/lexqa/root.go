package main

import (
	"fmt"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"github.com/xhad/lexqa/internal/logging"
	cfgPkg "github.com/xhad/lexqa/pkg/config"
)

var (
	version = "dev"

	configPath string
	logLevel   string

	// set by loadConfig before any subcommand runs
	config *cfgPkg.Config
	logger *log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "lexqa",
	Short: "Question answering over a statute",
	Long: `lexqa chunks and embeds a statute into a vector store, then answers
questions about it with cited, grounded responses and per-session history.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("lexqa version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd == versionCmd {
		return nil
	}

	cfg, err := cfgPkg.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Err(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	config = cfg
	logger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	return nil
}
