package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/licita/config"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "licita",
		Short:         "licita -- resilient multi-source procurement search",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "YAML configuration file (defaults plus LICITA_* env when empty)")
	root.PersistentFlags().String("log-level", "", "Override log level: debug, info, warn, error")

	root.AddCommand(serveCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(checkConfigCmd())
	root.AddCommand(sourcesCmd())
	root.AddCommand(maintenanceCmd())
	return root
}

// loadConfig reads --config (or the built-in defaults), applies LICITA_*
// overrides and --log-level, and installs the JSON logger as default.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.Parse(strings.NewReader(""))
	}
	if err != nil {
		return nil, nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}
