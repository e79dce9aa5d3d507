// Package writer re-emits a reconciled message set as an archive.
package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/dhcgn/mail-to-pdf/mailapi"
	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/reconcile"
	"github.com/dhcgn/mail-to-pdf/state"
)

type Format string

const (
	FormatEML  Format = "eml"
	FormatMbox Format = "mbox"
	FormatIMAP Format = "imap"
	FormatPST  Format = "pst"
)

// AllFormats lists every known format.
var AllFormats = []Format{FormatEML, FormatMbox, FormatIMAP, FormatPST}

var (
	// ErrWriterUnavailable is matched by every UnavailableError.
	ErrWriterUnavailable = errors.New("writer unavailable")
	// ErrAlreadySaved means an item was persisted before its times were set.
	ErrAlreadySaved = errors.New("item already saved")
	ErrUnknownFormat = errors.New("unknown format")
	ErrNoRawMessage  = errors.New("message has no raw bytes")
)

// UnavailableError tells the caller to pick another format.
type UnavailableError struct {
	Format Format
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s writer unavailable: %s", e.Format, e.Reason)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrWriterUnavailable
}

// ParseFormat accepts a case-insensitive format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllFormats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownFormat, s)
}

// Failure is one message that could not be written.
type Failure struct {
	MessageID string `yaml:"message_id"`
	Err       string `yaml:"err"`
}

type Result struct {
	Format  Format    `yaml:"format"`
	Dest    string    `yaml:"dest"`
	Written int       `yaml:"written"`
	Skipped int       `yaml:"skipped"`
	Failed  []Failure `yaml:"failed,omitempty"`
}

func (r *Result) fail(msg *model.Message, err error) {
	r.Failed = append(r.Failed, Failure{MessageID: msg.ID, Err: err.Error()})
}

type Options struct {
	MailAPI mailapi.Capability
	IMAP    IMAPOptions
	// Uploaded tracks fingerprints already appended over IMAP. Defaults to memory only.
	Uploaded state.Tracker
	Logger   *slog.Logger
}

type Writer struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Writer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Uploaded == nil {
		opts.Uploaded = state.NewMemoryTracker()
	}
	return &Writer{opts: opts, logger: logger}
}

// Available returns nil for a usable format, or the *UnavailableError explaining why not.
func (w *Writer) Available(format Format) error {
	switch format {
	case FormatEML, FormatMbox:
		return nil
	case FormatIMAP:
		if w.opts.IMAP.Host == "" {
			return &UnavailableError{Format: format, Reason: "no IMAP host configured"}
		}
		return nil
	case FormatPST:
		if !w.opts.MailAPI.Found {
			return &UnavailableError{Format: format, Reason: w.opts.MailAPI.Reason}
		}
		return nil
	}
	return fmt.Errorf("%w %q", ErrUnknownFormat, format)
}

// Write emits every canonical message of set in chronological order. Per-message
// failures are collected in the result; the error is reserved for failures of the
// whole target.
func (w *Writer) Write(ctx context.Context, set *reconcile.Set, format Format, dest string) (Result, error) {
	res := Result{Format: format, Dest: dest}
	if err := w.Available(format); err != nil {
		return res, err
	}
	if set == nil {
		return res, fmt.Errorf("write %s: %w", format, reconcile.ErrNilSet)
	}

	entries := chronological(set.Entries())
	var err error
	switch format {
	case FormatEML:
		err = w.writeEML(ctx, entries, dest, &res)
	case FormatMbox:
		err = w.writeMbox(ctx, entries, dest, &res)
	case FormatIMAP:
		err = w.writeIMAP(ctx, entries, dest, &res)
	case FormatPST:
		err = w.writePST(ctx, entries, dest, &res)
	}

	w.logger.Info("archive written", "format", format, "dest", dest, "written", res.Written, "skipped", res.Skipped, "failed", len(res.Failed))
	return res, err
}

func chronological(entries []reconcile.Entry) []reconcile.Entry {
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entries[i].Message.OrderTime(), entries[j].Message.OrderTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return entries[i].Message.Index < entries[j].Message.Index
	})
	return entries
}
