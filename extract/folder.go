package extract

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/outlook"
)

// folderExtractor treats every .eml or .msg file below dir as one message, in lexical path order.
type folderExtractor struct {
	baseExtractor
	dir     string
	files   []string
	skipped []string
}

func (f *folderExtractor) list() ([]string, error) {
	if f.files != nil {
		return f.files, nil
	}

	var files []string
	err := filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == f.dir {
				return err
			}
			f.opts.Logger.Warn("folder entry unreadable, skipped", "path", path, "err", err)
			f.skipped = append(f.skipped, path)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".eml", ".msg":
			files = append(files, path)
		default:
			f.opts.Logger.Warn("not a message file, skipped", "path", path)
			f.skipped = append(f.skipped, path)
		}
		return nil
	})
	if err != nil {
		return nil, &ExtractionError{Path: f.dir, Op: "scan folder", Err: err}
	}
	sort.Strings(files)
	sort.Strings(f.skipped)
	if files == nil {
		files = []string{}
	}
	f.files = files
	return files, nil
}

// Skipped lists the entries below the folder that were not read as messages.
func (f *folderExtractor) Skipped() []string {
	return f.skipped
}

func (f *folderExtractor) Count(ctx context.Context) (int, error) {
	files, err := f.list()
	if err != nil {
		return 0, err
	}
	f.archive.Count = len(files)
	return len(files), nil
}

func (f *folderExtractor) Stream(ctx context.Context, out chan<- model.Envelope) error {
	files, err := f.list()
	if err != nil {
		return err
	}
	f.archive.Count = len(files)

	for idx, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		format := model.FormatEML
		if strings.EqualFold(filepath.Ext(path), ".msg") {
			format = model.FormatMSG
		}
		data, err := readMessageFile(path, format)
		if err != nil {
			// A single unreadable file is a per-message failure, not a container failure.
			f.opts.Logger.Warn("read message file failed", "path", path, "err", err)
			env := model.Envelope{
				Raw: model.RawMessage{Index: idx, Source: f.archive.Path, Path: path, Format: format},
				Err: err,
			}
			if err := send(ctx, out, env); err != nil {
				return err
			}
			continue
		}

		if _, err := f.emit(ctx, out, model.RawMessage{
			Index:  idx,
			Source: f.archive.Path,
			Path:   path,
			Format: format,
			Data:   data,
		}); err != nil {
			return err
		}
	}

	f.opts.Logger.Info("folder extracted", "path", f.dir, "messages", len(files), "skipped", len(f.skipped))
	return nil
}

// emlExtractor yields a single message file.
type emlExtractor struct {
	baseExtractor
}

func (e *emlExtractor) Count(ctx context.Context) (int, error) {
	e.archive.Count = 1
	return 1, nil
}

func (e *emlExtractor) Stream(ctx context.Context, out chan<- model.Envelope) error {
	data, err := os.ReadFile(e.archive.Path)
	if err != nil {
		return &ExtractionError{Path: e.archive.Path, Op: "read eml", Err: err}
	}
	e.archive.Count = 1
	_, err = e.emit(ctx, out, model.RawMessage{
		Source: e.archive.Path,
		Path:   e.archive.Path,
		Format: model.FormatEML,
		Data:   data,
	})
	return err
}

// msgExtractor yields the single Outlook item at the archive path, converted to MIME.
type msgExtractor struct {
	baseExtractor
}

func (m *msgExtractor) Count(ctx context.Context) (int, error) {
	m.archive.Count = 1
	return 1, nil
}

func (m *msgExtractor) Stream(ctx context.Context, out chan<- model.Envelope) error {
	data, err := readMessageFile(m.archive.Path, model.FormatMSG)
	if err != nil {
		return &ExtractionError{Path: m.archive.Path, Op: "read msg", Err: err}
	}
	m.archive.Count = 1
	_, err = m.emit(ctx, out, model.RawMessage{
		Source: m.archive.Path,
		Path:   m.archive.Path,
		Format: model.FormatMSG,
		Data:   data,
	})
	return err
}

// readMessageFile returns the RFC 822 bytes of an .eml file, or of an Outlook
// item converted to MIME.
func readMessageFile(path string, format model.ArchiveFormat) ([]byte, error) {
	if format != model.FormatMSG {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return data, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer file.Close()
	data, err := outlook.ToMIME(file)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", path, err)
	}
	return data, nil
}
