package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-to-pdf/config"
	"github.com/dhcgn/mail-to-pdf/mailapi"
	"github.com/dhcgn/mail-to-pdf/reconcile"
	"github.com/dhcgn/mail-to-pdf/runner"
	"github.com/dhcgn/mail-to-pdf/state"
	"github.com/dhcgn/mail-to-pdf/writer"
)

// loadSet reads the archive at path into a fingerprinted set named after path.
func loadSet(ctx context.Context, path string, logger *slog.Logger) (*reconcile.Set, error) {
	col, err := runner.Collect(ctx, path, runner.CollectOptions{Logger: logger})
	if err != nil {
		return nil, err
	}
	for _, f := range col.Failures {
		pterm.Warning.Printf("%s #%d skipped (%s): %s\n", path, f.Index, f.Stage, f.Cause)
	}
	return reconcile.FromMessages(path, col.Messages)
}

func loadSets(ctx context.Context, paths []string, logger *slog.Logger) ([]*reconcile.Set, error) {
	sets := make([]*reconcile.Set, 0, len(paths))
	for _, p := range paths {
		s, err := loadSet(ctx, p, logger)
		if err != nil {
			return nil, err
		}
		sets = append(sets, s)
	}
	return sets, nil
}

// output writes reconciled sets in the format chosen by the writer flags.
type output struct {
	cfg    config.WriterConfig
	format writer.Format
	w      *writer.Writer
	close  func() error
}

func newOutput(cfg config.WriterConfig, logger *slog.Logger) (*output, error) {
	format, err := writer.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	opts := writer.Options{
		Logger: logger,
		IMAP: writer.IMAPOptions{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			TargetFolder:       cfg.TargetFolder,
			DryRun:             cfg.DryRun,
		},
	}
	closeFn := func() error { return nil }

	switch format {
	case writer.FormatPST:
		opts.MailAPI = mailapi.Detect(mailapi.DetectOptions{HelperPath: cfg.PSTHelper})
	case writer.FormatIMAP:
		tracker, err := state.NewFileTracker(cfg.StateDir, state.UploadedJournal, !cfg.DryRun)
		if err != nil {
			return nil, fmt.Errorf("open upload journal: %w", err)
		}
		opts.Uploaded = tracker
		closeFn = tracker.Close
	}

	w := writer.New(opts)
	if err := w.Available(format); err != nil {
		_ = closeFn()
		if errors.Is(err, writer.ErrWriterUnavailable) {
			return nil, fmt.Errorf("%w (choose --format eml or --format mbox instead)", err)
		}
		return nil, err
	}
	return &output{cfg: cfg, format: format, w: w, close: closeFn}, nil
}

// dest names the target for one result set. For imap the name becomes a
// subfolder of the target folder; otherwise a file or folder under --output.
func (o *output) dest(name string) string {
	if name == "" {
		if o.format == writer.FormatIMAP {
			return o.cfg.TargetFolder
		}
		return o.cfg.Output
	}
	switch o.format {
	case writer.FormatIMAP:
		return o.cfg.TargetFolder + "/" + name
	case writer.FormatEML:
		return filepath.Join(o.cfg.Output, name)
	default:
		return filepath.Join(o.cfg.Output, name+"."+string(o.format))
	}
}

func (o *output) write(ctx context.Context, set *reconcile.Set, name string) (writer.Result, error) {
	res, err := o.w.Write(ctx, set, o.format, o.dest(name))
	if err != nil {
		return res, err
	}
	printResult(res)
	return res, nil
}

func printResult(res writer.Result) {
	pterm.Success.Printf("%s: %d written, %d skipped, %d failed -> %s\n", res.Format, res.Written, res.Skipped, len(res.Failed), res.Dest)
	for _, f := range res.Failed {
		pterm.Warning.Printf("  %s: %s\n", f.MessageID, f.Err)
	}
}
