package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-pdf/config"
	"github.com/dhcgn/mail-to-pdf/logging"
	"github.com/dhcgn/mail-to-pdf/progress"
	"github.com/dhcgn/mail-to-pdf/runner"
	"github.com/dhcgn/mail-to-pdf/stats"
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Render every message of an archive to PDF and build the chronological combined PDF",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cmd)
		if err != nil {
			return err
		}

		logger, cleanup, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()
		logger.Info("starting mail-to-pdf", "input", cfg.InputPath, "output", cfg.OutputDir, "workers", cfg.Workers)

		bar := progress.New(0, 0, cfg.LogLevel)
		r, err := runner.New(cfg, runner.Deps{Logger: logger, Progress: bar})
		if err != nil {
			return fmt.Errorf("runner.New: %w", err)
		}
		stats.NewReporter(r, logger)
		progress.NewProgressReporter(r, bar, logger)

		rep, err := r.Run(cmd.Context())
		if rep != nil {
			printReport(rep)
		}
		return err
	},
}

func init() {
	cobra.CheckErr(config.RegisterFlags(convertCmd))
	rootCmd.AddCommand(convertCmd)
}

func printReport(rep *runner.Report) {
	pterm.Println()
	pterm.DefaultSection.Println("Run report")
	pterm.Info.Printf("Run: %s (%s)\n", rep.RunID, rep.Status)
	pterm.Info.Printf("Messages: %d discovered, %d succeeded, %d failed\n", rep.Discovered, rep.Succeeded, rep.Failed)
	for _, f := range rep.Failures {
		pterm.Warning.Printf("  #%d %s [%s]: %s\n", f.Index, f.MessageID, f.Stage, f.Cause)
	}
	for _, ex := range rep.Excluded {
		pterm.Warning.Printf("  excluded %s: %s\n", ex.Document, ex.Cause)
	}
	switch {
	case rep.Cancelled:
		pterm.Warning.Println("Run cancelled; finished PDFs were kept, no combined PDF was written")
	case rep.Combined != "":
		pterm.Success.Printf("Combined PDF: %s (%d pages)\n", rep.Combined, rep.Pages)
	}
	pterm.Info.Printf("Elapsed: %s\n", rep.Elapsed)
}
