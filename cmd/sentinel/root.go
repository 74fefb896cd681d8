package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/sentinel/internal/app"
	"github.com/user/sentinel/internal/config"
	"github.com/user/sentinel/pkg/logger"
)

var (
	cfgFile  string
	logLevel string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Scheduled activity reports for GitHub repositories and Hacker News",
	Long: `Sentinel watches GitHub repositories on a daily, weekly or custom
schedule, turns their activity into reports and exports them as files.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(addCmd, listCmd, removeCmd, updateCmd)
	rootCmd.AddCommand(checkCmd, hnCmd, startCmd, versionCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	if cmd == versionCmd {
		return nil
	}
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return logger.Init(cfg.Log.Level, cfg.Log.File)
}

// openApp wires the services for one command. The caller closes it.
func openApp(ctx context.Context, withTelegram bool) (*app.App, error) {
	return app.New(ctx, cfg, app.Options{Telegram: withTelegram})
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sentinel %s\n", version)
	},
}
