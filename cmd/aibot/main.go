package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/aibot/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "aibot",
		Short:         "Telegram AI chat bot with per-user history and daily quotas",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().String("config", "", "Config file path (optional; config.json is read when present).")
	cmd.PersistentFlags().String("env-file", ".env", "Env file to preload (ignored when missing).")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newResetQuotasCmd())
	cmd.AddCommand(newEventsCmd())
	return cmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(config.LoadOptions{ConfigFile: cfgFile, EnvFile: envFile})
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
