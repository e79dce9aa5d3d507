package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"github.com/dhcgn/mail-to-pdf/extract"
	"github.com/dhcgn/mail-to-pdf/filter"
	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/stats"
)

var (
	reportDir     string
	topN          int
	writeXLSX     bool
	includeHeader []string
	includeBody   []string
	excludeHeader []string
	excludeBody   []string
)

var headersToTrack = []string{"Delivered-To", "Subject", "From", "To"}

var statsCmd = &cobra.Command{
	Use:   "stats [archive]",
	Short: "Analyse an archive and show header statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archivePath := args[0]
		logger, cleanup, err := setupLogger(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = cleanup() }()

		fmt.Println("Analyzing archive:", archivePath)

		includeActive := len(includeHeader) > 0 || len(includeBody) > 0
		excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
		if includeActive && excludeActive {
			return fmt.Errorf("include and exclude flags are mutually exclusive")
		}

		f, err := filter.New(filter.Options{
			IncludeHeader: includeHeader,
			IncludeBody:   includeBody,
			ExcludeHeader: excludeHeader,
			ExcludeBody:   excludeBody,
		})
		if err != nil {
			return fmt.Errorf("create filter: %w", err)
		}

		counter := newHeaderCounter()
		printStats := func() {
			// ANSI escape code to clear screen and move cursor to top-left
			fmt.Print("\033[H\033[2J")
			fs := f.Stats()
			skipped := fs.Checked - fs.Allowed
			var filterPercent float64
			if fs.Checked > 0 {
				filterPercent = float64(skipped) / float64(fs.Checked) * 100
			}
			fmt.Printf("Processed %d messages (skipped %d by filters, %.2f%%, %d unreadable)...\n\n", counter.messages, skipped, filterPercent, counter.unreadable)

			if printFilterStats(fs) {
				fmt.Println("---")
				fmt.Println()
			}

			for _, header := range headersToTrack {
				fmt.Printf("Top %d %s:\n", topN, header)
				stats.PrettyPrintTop(counter.values[header], topN)
				fmt.Println()
			}
		}

		err = countArchive(cmd.Context(), archivePath, f, logger, counter, func() {
			if counter.messages%250 == 0 {
				printStats()
			}
		})
		if err != nil {
			return fmt.Errorf("error reading archive: %w", err)
		}

		// Final print
		printStats()

		if err := saveCSVReports(counter.values, headersToTrack, reportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}
		if writeXLSX {
			if err := saveXLSXReport(counter.values, headersToTrack, filepath.Join(reportDir, "report.xlsx"), 1000); err != nil {
				return fmt.Errorf("error saving XLSX report: %w", err)
			}
		}

		fmt.Printf("\nReports saved to directory: %s\n", reportDir)
		return nil
	},
}

func init() {
	statsCmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	statsCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	statsCmd.Flags().BoolVar(&writeXLSX, "xlsx", false, "Also write report.xlsx with one sheet per header")
	statsCmd.Flags().StringArrayVar(&includeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	statsCmd.Flags().StringArrayVar(&includeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	statsCmd.Flags().StringArrayVar(&excludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	statsCmd.Flags().StringArrayVar(&excludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	rootCmd.AddCommand(statsCmd)
}

type headerCounter struct {
	values     map[string]map[string]int
	messages   int
	unreadable int
}

func newHeaderCounter() *headerCounter {
	c := &headerCounter{values: make(map[string]map[string]int)}
	for _, h := range headersToTrack {
		c.values[h] = make(map[string]int)
	}
	return c
}

// add counts the decoded tracked headers of one raw message.
func (c *headerCounter) add(raw []byte) error {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		c.unreadable++
		return err
	}
	h := mail.Header{Header: entity.Header}
	c.messages++
	for _, name := range headersToTrack {
		value, err := h.Text(name)
		if err != nil {
			value = h.Get(name)
		}
		if value = strings.TrimSpace(value); value != "" {
			c.values[name][value]++
		}
	}
	return nil
}

// countArchive streams every message of path through f into c. tick runs after
// each counted message.
func countArchive(ctx context.Context, path string, f *filter.Filter, logger *slog.Logger, c *headerCounter, tick func()) error {
	ext, err := extract.Open(path, extract.Options{Filter: f, Logger: logger})
	if err != nil {
		return err
	}

	envelopes := make(chan model.Envelope, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(envelopes)
		errCh <- ext.Stream(ctx, envelopes)
	}()

	for env := range envelopes {
		if env.Err != nil {
			c.unreadable++
			logger.Warn("message unreadable", "index", env.Raw.Index, "err", env.Err)
			continue
		}
		if err := c.add(env.Raw.Data); err != nil {
			logger.Warn("message unreadable", "index", env.Raw.Index, "err", err)
			continue
		}
		tick()
	}
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// printFilterStats reports pattern hits and whether any pattern is configured.
func printFilterStats(fs filter.Stats) bool {
	groups := []struct {
		title    string
		patterns []string
		hits     map[string]int
	}{
		{"Include Header Filters:", fs.IncludeHeaderPatterns, fs.IncludeHeaderHits},
		{"Include Body Filters:", fs.IncludeBodyPatterns, fs.IncludeBodyHits},
		{"Exclude Header Filters:", fs.ExcludeHeaderPatterns, fs.ExcludeHeaderHits},
		{"Exclude Body Filters:", fs.ExcludeBodyPatterns, fs.ExcludeBodyHits},
	}
	found := false
	for _, g := range groups {
		if len(g.patterns) == 0 {
			continue
		}
		found = true
		fmt.Println(g.title)
		printFilterHits(g.patterns, g.hits)
		fmt.Println()
	}
	return found
}

func printFilterHits(patterns []string, hits map[string]int) {
	type pair struct {
		Pattern string
		Count   int
	}
	pairs := make([]pair, 0, len(patterns))
	for _, pattern := range patterns {
		pairs = append(pairs, pair{pattern, hits[pattern]})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		return pairs[i].Pattern < pairs[j].Pattern
	})

	for _, p := range pairs {
		if p.Count > 0 {
			fmt.Printf("  ✓ %s: %d hits\n", p.Pattern, p.Count)
		} else {
			fmt.Printf("  ✗ %s: 0 hits\n", p.Pattern)
		}
	}
}

func saveCSVReports(counter map[string]map[string]int, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range headers {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(header)))
		file, err := os.Create(filePath)
		if err != nil {
			return err
		}

		w := csv.NewWriter(file)
		if err := w.Write([]string{"Value", "Count"}); err != nil {
			file.Close()
			return err
		}
		for _, p := range stats.Top(counter[header], limit) {
			if err := w.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
				file.Close()
				return err
			}
		}

		w.Flush()
		file.Close()
		if err := w.Error(); err != nil {
			return err
		}
	}
	return nil
}

// saveXLSXReport writes one sheet per header with the same rows as the CSV reports.
func saveXLSXReport(counter map[string]map[string]int, headers []string, path string, limit int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f := excelize.NewFile()
	defer f.Close()

	for i, header := range headers {
		sheet := normalizeHeaderName(header)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return err
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, "A1", &[]any{"Value", "Count"}); err != nil {
			return err
		}
		for row, p := range stats.Top(counter[header], limit) {
			cell, err := excelize.CoordinatesToCellName(1, row+2)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(sheet, cell, &[]any{p.Key, p.Value}); err != nil {
				return err
			}
		}
	}
	return f.SaveAs(path)
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
