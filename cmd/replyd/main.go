// Command replyd runs the e-mail auto-reply sessions and manages their
// configuration.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/reply-optimizer/internal/model"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "replyd",
		Short:         "Monitor mailboxes and answer incoming mail with AI-drafted replies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", model.DefaultConfigPath(), "path to the configuration file")

	load := func() (*model.AppConfig, *slog.Logger, error) {
		cfg, err := model.LoadConfig(configPath)
		if err != nil {
			return nil, nil, err
		}
		logger := newLogger(cfg.Logging.Level)
		slog.SetDefault(logger)
		return cfg, logger, nil
	}

	root.AddCommand(newRunCommand(load), newSessionCommand(load))
	return root
}

type configLoader func() (*model.AppConfig, *slog.Logger, error)

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}
