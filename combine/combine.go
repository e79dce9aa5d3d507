// Package combine merges rendered message documents into one chronological PDF.
package combine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/pdfdoc"
)

// IndexFileName is written next to the combined PDF.
const IndexFileName = "combined_index.yaml"

// ErrNothingToCombine is returned when no document could be placed.
var ErrNothingToCombine = errors.New("nothing to combine")

// CombineError is run-fatal.
type CombineError struct {
	Path string
	Err  error
}

func (e *CombineError) Error() string {
	return fmt.Sprintf("combine %s: %v", e.Path, e.Err)
}

func (e *CombineError) Unwrap() error {
	return e.Err
}

type Options struct {
	// Bookmarks adds one outline entry per message.
	Bookmarks bool
	Logger    *slog.Logger
}

type Combiner struct {
	opts Options
}

func New(opts Options) *Combiner {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Combiner{opts: opts}
}

// Sort orders docs by timestamp, then extraction index. Undated documents sort first.
func Sort(docs []model.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		ti, tj := docs[i].Timestamp, docs[j].Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return docs[i].Index < docs[j].Index
	})
}

// Combine merges docs chronologically into outPath and writes the index file.
// Documents whose page count cannot be read are excluded and recorded.
func (c *Combiner) Combine(ctx context.Context, docs []model.Document, outPath string) (*model.CombinedArtifact, error) {
	sorted := append([]model.Document(nil), docs...)
	Sort(sorted)

	art := &model.CombinedArtifact{Path: outPath}
	var inputs []string
	page := 1
	for _, d := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, &CombineError{Path: outPath, Err: err}
		}
		n, err := pdfdoc.PageCount(d.Path)
		if err != nil {
			art.Excluded = append(art.Excluded, model.Exclusion{MessageID: d.MessageID, Document: d.Path, Cause: err.Error()})
			c.opts.Logger.Warn("document excluded from combined output", "messageID", d.MessageID, "path", d.Path, "err", err)
			continue
		}
		art.Entries = append(art.Entries, model.IndexEntry{
			Timestamp: d.Timestamp,
			MessageID: d.MessageID,
			Subject:   d.Subject,
			Document:  filepath.Base(d.Path),
			FirstPage: page,
			LastPage:  page + n - 1,
		})
		inputs = append(inputs, d.Path)
		page += n
	}
	art.Pages = page - 1

	if len(inputs) == 0 {
		return art, &CombineError{Path: outPath, Err: ErrNothingToCombine}
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return art, &CombineError{Path: outPath, Err: err}
	}
	if err := pdfdoc.Merge(inputs, outPath); err != nil {
		return art, &CombineError{Path: outPath, Err: err}
	}

	if c.opts.Bookmarks {
		if err := pdfdoc.AddBookmarks(outPath, bookmarks(art.Entries)); err != nil {
			c.opts.Logger.Warn("bookmarks not added", "path", outPath, "err", err)
		}
	}

	if err := WriteIndex(filepath.Join(filepath.Dir(outPath), IndexFileName), art); err != nil {
		return art, &CombineError{Path: outPath, Err: err}
	}

	c.opts.Logger.Info("combined output written", "path", outPath, "documents", len(art.Entries), "pages", art.Pages, "excluded", len(art.Excluded))
	return art, nil
}

func bookmarks(entries []model.IndexEntry) []pdfdoc.Bookmark {
	marks := make([]pdfdoc.Bookmark, 0, len(entries))
	for _, e := range entries {
		title := e.Subject
		if strings.TrimSpace(title) == "" {
			title = "(no subject)"
		}
		if !e.Timestamp.IsZero() {
			title = e.Timestamp.UTC().Format("2006-01-02 15:04") + "  " + title
		}
		marks = append(marks, pdfdoc.Bookmark{Title: title, Page: e.FirstPage})
	}
	return marks
}

// WriteIndex stores the artifact's page index as YAML.
func WriteIndex(path string, art *model.CombinedArtifact) error {
	data, err := yaml.Marshal(art)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write index %s: %w", path, err)
	}
	return nil
}

// ReadIndex loads an index written by WriteIndex.
func ReadIndex(path string) (*model.CombinedArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", path, err)
	}
	var art model.CombinedArtifact
	if err := yaml.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("parse index %s: %w", path, err)
	}
	return &art, nil
}
