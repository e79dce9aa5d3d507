package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhcgn/mail-to-pdf/extract"
	"github.com/dhcgn/mail-to-pdf/filter"
	"github.com/dhcgn/mail-to-pdf/logging"
	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/parse"
)

type CollectOptions struct {
	TempDir       string
	Readpst       string
	UnpackTimeout time.Duration
	MaxDepth      int
	Filter        *filter.Filter
	Parser        MessageParser
	Logger        *slog.Logger
}

// Collection is a fully parsed archive.
type Collection struct {
	Archive  model.Archive
	Messages []*model.Message
	Failures []Failure
}

// Collect extracts and parses a whole archive for the reconciliation commands.
// Unparseable messages are recorded and skipped.
func Collect(ctx context.Context, path string, opts CollectOptions) (*Collection, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	parser := opts.Parser
	if parser == nil {
		parser = parse.New(parse.Options{MaxDepth: opts.MaxDepth, Logger: opts.Logger})
	}

	ext, err := extract.Open(path, extract.Options{
		TempDir:       opts.TempDir,
		Filter:        opts.Filter,
		Readpst:       opts.Readpst,
		UnpackTimeout: opts.UnpackTimeout,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	col := &Collection{Archive: ext.Archive()}
	envelopes := make(chan model.Envelope, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(envelopes)
		errCh <- ext.Stream(ctx, envelopes)
	}()

	for env := range envelopes {
		if env.Err != nil {
			col.Failures = append(col.Failures, Failure{Index: env.Raw.Index, Stage: "extract", Cause: env.Err.Error()})
			continue
		}
		msg, err := parser.Parse(env.Raw)
		if err != nil {
			opts.Logger.Warn("message skipped", "archive", path, "index", env.Raw.Index, "err", err)
			col.Failures = append(col.Failures, Failure{Index: env.Raw.Index, Stage: "parse", Cause: err.Error()})
			continue
		}
		col.Messages = append(col.Messages, msg)
	}

	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("collect %s: %w", path, err)
	}
	col.Archive.Count = len(col.Messages) + len(col.Failures)
	opts.Logger.Info("archive loaded", "archive", path, "messages", len(col.Messages), "failed", len(col.Failures))
	return col, nil
}
