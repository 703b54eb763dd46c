// Package main provides the CLI entry point for the Quill plugin host.
//
// Quill installs, sandboxes, and runs JavaScript plugins from a plugin
// registry. Each plugin executes in an isolated runtime with a private
// directory and explicit permission grants.
//
// Basic usage:
//
//	quill plugins search scraper
//	quill plugins install acme/web-scraper
//	quill plugins enable acme/web-scraper
//	quill plugins run acme/web-scraper scrape '{"url":"https://example.com"}'
//
// Configuration is read from ~/.quill/quill.yaml by default; QUILL_CONFIG
// overrides the path.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quillhost/quill/internal/config"
	"github.com/quillhost/quill/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:           "quill",
		Short:         "Quill plugin host",
		Version:       buildVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildPluginsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildVersion() string {
	if version.GitCommit != "" {
		return fmt.Sprintf("%s (%s)", version.Version, version.GitCommit)
	}
	return version.Version
}

// defaultConfigPath returns ~/.quill/quill.yaml, overridable via QUILL_CONFIG.
func defaultConfigPath() string {
	if env := os.Getenv("QUILL_CONFIG"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "quill.yaml"
	}
	return filepath.Join(home, ".quill", "quill.yaml")
}

// setupLogger configures the process-wide logger from config.
func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
