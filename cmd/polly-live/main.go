// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

// Command polly-live is a terminal participant for the live voting channel.
package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/manfredsteger/polly/client"
)

const programName = "polly-live"

var globalFlags = struct {
	url         string
	debug       bool
	exponential bool
}{}

func commonRun() *slog.Logger {
	logLevel := slog.LevelWarn
	if globalFlags.debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

// sessionOptions fills the connection settings shared by every subcommand.
func sessionOptions(pollToken string, logger *slog.Logger) client.Options {
	opts := client.Options{
		URL:       globalFlags.url,
		PollToken: pollToken,
		Logger:    logger,
	}
	if globalFlags.exponential {
		opts.Backoff = client.ExponentialReconnect(500*time.Millisecond, 30*time.Second)
	}
	return opts
}

func interactive() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func defaultURL() string {
	if u := os.Getenv("POLLY_LIVE_URL"); u != "" {
		return u
	}
	return "ws://localhost:3318/live"
}

func main() {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Join a Polly poll's live channel from the terminal",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().
		StringVar(&globalFlags.url, "url", defaultURL(), "live endpoint URL (env POLLY_LIVE_URL)")
	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		BoolVar(&globalFlags.exponential, "exponential-backoff", false, "reconnect with exponential backoff instead of a fixed delay")

	rootCmd.AddCommand(watchCommand())
	rootCmd.AddCommand(voteCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
