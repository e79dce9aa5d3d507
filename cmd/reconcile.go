package cmd

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-pdf/catalog"
	"github.com/dhcgn/mail-to-pdf/config"
	"github.com/dhcgn/mail-to-pdf/filter"
	"github.com/dhcgn/mail-to-pdf/reconcile"
)

var errNoPredicate = errors.New("no filter given: use --sender, --recipient, --subject, --since, --until or a regex flag")

var compareCmd = &cobra.Command{
	Use:   "compare [archive A] [archive B]",
	Short: "Write the messages only in A, only in B and in both",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, cleanup, err := setupLogger(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = cleanup() }()

		wcfg, err := config.LoadWriterConfig(cmd)
		if err != nil {
			return err
		}
		out, err := newOutput(wcfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = out.close() }()

		sets, err := loadSets(cmd.Context(), args, logger)
		if err != nil {
			return err
		}
		onlyA, onlyB, both, err := reconcile.Diff(sets[0], sets[1])
		if err != nil {
			return err
		}

		tableData := pterm.TableData{
			{"Set", "Messages"},
			{"only in " + args[0], fmt.Sprint(onlyA.Len())},
			{"only in " + args[1], fmt.Sprint(onlyB.Len())},
			{"in both", fmt.Sprint(both.Len())},
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(tableData).Render(); err != nil {
			return err
		}

		for _, part := range []struct {
			name string
			set  *reconcile.Set
		}{{"only_a", onlyA}, {"only_b", onlyB}, {"common", both}} {
			if _, err := out.write(cmd.Context(), part.set, part.name); err != nil {
				return fmt.Errorf("write %s: %w", part.name, err)
			}
		}
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge [archive]...",
	Short: "Union archives by fingerprint and write the merged set",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, cleanup, err := setupLogger(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = cleanup() }()

		wcfg, err := config.LoadWriterConfig(cmd)
		if err != nil {
			return err
		}
		priority, err := cmd.Flags().GetStringArray("priority")
		if err != nil {
			return err
		}
		catalogPath, err := cmd.Flags().GetString("catalog")
		if err != nil {
			return err
		}

		out, err := newOutput(wcfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = out.close() }()

		sets, err := loadSets(cmd.Context(), args, logger)
		if err != nil {
			return err
		}
		merged, err := reconcile.Merge(reconcile.MergeOptions{Priority: priority}, sets...)
		if err != nil {
			return err
		}
		pterm.Info.Printf("Merged %d archives: %d messages, %d duplicates\n", len(sets), merged.Len(), merged.DuplicateCount())

		if catalogPath != "" {
			c, err := catalog.Open(catalogPath)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Save(cmd.Context(), merged); err != nil {
				return err
			}
			pterm.Info.Printf("Catalog written: %s\n", catalogPath)
		}

		_, err = out.write(cmd.Context(), merged, "")
		return err
	},
}

var dedupeCmd = &cobra.Command{
	Use:   "dedupe [archive]",
	Short: "Write an archive with duplicate messages removed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, cleanup, err := setupLogger(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = cleanup() }()

		wcfg, err := config.LoadWriterConfig(cmd)
		if err != nil {
			return err
		}
		out, err := newOutput(wcfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = out.close() }()

		set, err := loadSet(cmd.Context(), args[0], logger)
		if err != nil {
			return err
		}
		pterm.Info.Printf("%d unique messages, %d duplicates removed\n", set.Len(), set.DuplicateCount())

		_, err = out.write(cmd.Context(), set, "")
		return err
	},
}

var filterCmd = &cobra.Command{
	Use:   "filter [archive]",
	Short: "Write the messages of an archive that match the given predicates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, cleanup, err := setupLogger(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = cleanup() }()

		fcfg, err := config.LoadFilterConfig(cmd)
		if err != nil {
			return err
		}
		keep, err := buildPredicate(fcfg)
		if err != nil {
			return err
		}
		wcfg, err := config.LoadWriterConfig(cmd)
		if err != nil {
			return err
		}
		out, err := newOutput(wcfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = out.close() }()

		set, err := loadSet(cmd.Context(), args[0], logger)
		if err != nil {
			return err
		}
		kept, err := reconcile.Filter(set, keep)
		if err != nil {
			return err
		}
		pterm.Info.Printf("%d of %d messages kept\n", kept.Len(), set.Len())

		_, err = out.write(cmd.Context(), kept, "")
		return err
	},
}

// buildPredicate combines the configured predicates with All or Any.
func buildPredicate(cfg config.FilterConfig) (reconcile.Predicate, error) {
	var preds []reconcile.Predicate
	fields := reconcile.RecipientFields{Cc: cfg.IncludeCc, Bcc: cfg.IncludeBcc}
	if len(cfg.Senders) > 0 {
		preds = append(preds, reconcile.SenderIn(cfg.Senders...))
	}
	if len(cfg.SenderDomains) > 0 {
		preds = append(preds, reconcile.SenderDomainIn(cfg.SenderDomains...))
	}
	if len(cfg.Recipients) > 0 {
		preds = append(preds, reconcile.RecipientIn(fields, cfg.Recipients...))
	}
	if len(cfg.RecipientDomains) > 0 {
		preds = append(preds, reconcile.RecipientDomainIn(fields, cfg.RecipientDomains...))
	}
	if cfg.Subject != "" {
		re, err := regexp.Compile(cfg.Subject)
		if err != nil {
			return nil, fmt.Errorf("invalid --subject: %w", err)
		}
		preds = append(preds, reconcile.SubjectMatches(re))
	}
	if !cfg.Since.IsZero() || !cfg.Until.IsZero() {
		preds = append(preds, reconcile.DateRange(cfg.Since, cfg.Until))
	}

	fopts := filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	}
	if fopts.Active() {
		f, err := filter.New(fopts)
		if err != nil {
			return nil, fmt.Errorf("create filter: %w", err)
		}
		preds = append(preds, reconcile.HeaderBody(f))
	}

	if len(preds) == 0 {
		return nil, errNoPredicate
	}
	if cfg.Match == config.MatchAny {
		return reconcile.Any(preds...), nil
	}
	return reconcile.All(preds...), nil
}

func init() {
	for _, c := range []*cobra.Command{compareCmd, mergeCmd, dedupeCmd, filterCmd} {
		cobra.CheckErr(config.RegisterWriterFlags(c, "mbox"))
		rootCmd.AddCommand(c)
	}
	mergeCmd.Flags().StringArray("priority", nil, "Source archive whose copy wins a collision, best first (repeatable; default is argument order)")
	mergeCmd.Flags().String("catalog", "", "Also write the merged set to this SQLite catalog")
	config.RegisterFilterFlags(filterCmd)
}
