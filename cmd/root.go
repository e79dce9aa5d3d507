// Package cmd holds the mail-to-pdf command line.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-pdf/config"
	"github.com/dhcgn/mail-to-pdf/logging"
)

var rootCmd = &cobra.Command{
	Use:           "mail-to-pdf",
	Short:         "Convert email archives into per-message and chronological combined PDFs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	config.RegisterRootFlags(rootCmd)
}

// Execute runs the command line until it finishes or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// setupLogger builds the console logger for cmd and makes it the default.
func setupLogger(cmd *cobra.Command) (*slog.Logger, func() error, error) {
	level, err := config.LoadLogLevel(cmd)
	if err != nil {
		return nil, nil, err
	}
	logFile, err := config.LoadLogFile(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, cleanup, err := logging.Setup(level, logFile)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, cleanup, nil
}
