package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/adwski/alertbox/backend/config"
)

var rootCmd = &cobra.Command{
	Use:           "alertbox",
	Short:         "Desk-to-desk alert client and relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	fs := rootCmd.PersistentFlags()
	fs.StringP("config", "c", "", "path to TOML config file")
	fs.StringP("log-level", "l", "", "log level (overrides config)")
	fs.String("log-file", "", "write logs to this file instead of stdout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the persistent flags on top.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	return cfg, nil
}

// newLogger builds the root logger. With quiet set and no log file, logs are
// discarded so they do not tear the terminal UI.
func newLogger(cmd *cobra.Command, level string, quiet bool) (zerolog.Logger, func(), error) {
	var (
		out     io.Writer = os.Stdout
		closeFn           = func() {}
	)
	path, _ := cmd.Flags().GetString("log-file")
	switch {
	case path != "":
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closeFn, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	case quiet:
		out = io.Discard
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		closeFn()
		return zerolog.Nop(), func() {}, fmt.Errorf("parse log level: %w", err)
	}
	return zerolog.New(out).With().Timestamp().Logger().Level(lvl), closeFn, nil
}
