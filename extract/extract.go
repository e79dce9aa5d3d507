// Package extract turns an email container into a lazy stream of raw messages.
package extract

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhcgn/mail-to-pdf/filter"
	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/outlook"
)

var (
	// ErrUnpackerUnavailable is wrapped when a PST container is given but readpst cannot be found.
	ErrUnpackerUnavailable = errors.New("pst unpacker (readpst) not available")
	// ErrUnsupportedFormat is wrapped when the archive type cannot be detected.
	ErrUnsupportedFormat = errors.New("unsupported archive format")
)

// ExtractionError is an archive-level failure. It aborts the run.
type ExtractionError struct {
	Path string
	Op   string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Options configures an extractor.
type Options struct {
	// WorkDir receives a copy of every raw message when set.
	WorkDir string
	// TempDir is where PST containers are unpacked. Defaults to os.TempDir.
	TempDir string
	// Filter drops messages before they are emitted. Optional.
	Filter *filter.Filter
	// Readpst overrides the readpst binary path.
	Readpst string
	// UnpackTimeout bounds the readpst call.
	UnpackTimeout time.Duration
	Logger        *slog.Logger
}

// Extractor yields the messages of one archive in extraction order.
// Stream may be called once.
type Extractor interface {
	Archive() model.Archive
	Count(ctx context.Context) (int, error)
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

// Open detects the archive format at path and returns a matching extractor.
func Open(path string, opts Options) (Extractor, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, &ExtractionError{Path: path, Op: "open", Err: errors.New("archive path is empty")}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	base := baseExtractor{
		archive: model.Archive{Path: path, Format: format, Count: -1},
		opts:    opts,
	}

	switch format {
	case model.FormatFolder:
		return &folderExtractor{baseExtractor: base, dir: path}, nil
	case model.FormatEML:
		return &emlExtractor{baseExtractor: base}, nil
	case model.FormatMSG:
		return &msgExtractor{baseExtractor: base}, nil
	case model.FormatMbox:
		return &mboxExtractor{baseExtractor: base}, nil
	case model.FormatPST:
		return newPSTExtractor(base)
	}
	return nil, &ExtractionError{Path: path, Op: "open", Err: ErrUnsupportedFormat}
}

// SkipReporter is implemented by extractors that pass over unreadable or
// non-message entries.
type SkipReporter interface {
	Skipped() []string
}

// DetectFormat classifies path as a folder, PST, single EML or MSG item, or mbox container.
func DetectFormat(path string) (model.ArchiveFormat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", &ExtractionError{Path: path, Op: "stat", Err: err}
	}
	if info.IsDir() {
		return model.FormatFolder, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pst", ".ost":
		return model.FormatPST, nil
	case ".eml":
		return model.FormatEML, nil
	case ".msg":
		return model.FormatMSG, nil
	case ".mbox", ".mbx":
		return model.FormatMbox, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", &ExtractionError{Path: path, Op: "open", Err: err}
	}
	defer file.Close()

	br := bufio.NewReader(file)
	if head, _ := br.Peek(8); outlook.IsMsg(head) {
		return model.FormatMSG, nil
	}
	line, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", &ExtractionError{Path: path, Op: "sniff", Err: err}
	}
	switch {
	case strings.HasPrefix(line, "From "):
		return model.FormatMbox, nil
	case looksLikeHeader(line):
		return model.FormatEML, nil
	}
	return "", &ExtractionError{Path: path, Op: "detect", Err: ErrUnsupportedFormat}
}

func looksLikeHeader(line string) bool {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return false
	}
	return !strings.ContainsAny(line[:idx], " \t")
}

type baseExtractor struct {
	archive model.Archive
	opts    Options
}

func (b *baseExtractor) Archive() model.Archive {
	return b.archive
}

// emit filters, persists and sends one raw message. It returns false when the message was filtered out.
func (b *baseExtractor) emit(ctx context.Context, out chan<- model.Envelope, raw model.RawMessage) (bool, error) {
	if b.opts.Filter != nil && !b.opts.Filter.AllowsRaw(raw.Data) {
		b.opts.Logger.Debug("message filtered", "source", raw.Source, "index", raw.Index)
		return false, nil
	}

	if b.opts.WorkDir != "" {
		path := filepath.Join(b.opts.WorkDir, fmt.Sprintf("%06d.eml", raw.Index))
		if err := os.WriteFile(path, raw.Data, 0o644); err != nil {
			return false, &ExtractionError{Path: b.archive.Path, Op: "persist", Err: err}
		}
		raw.Path = path
	}

	return true, send(ctx, out, model.Envelope{Raw: raw})
}

func send(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}
