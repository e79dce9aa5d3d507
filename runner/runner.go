// Package runner orchestrates a conversion run: extract, parse, render, combine.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mail-to-pdf/combine"
	"github.com/dhcgn/mail-to-pdf/config"
	"github.com/dhcgn/mail-to-pdf/convert"
	"github.com/dhcgn/mail-to-pdf/extract"
	"github.com/dhcgn/mail-to-pdf/filter"
	"github.com/dhcgn/mail-to-pdf/logging"
	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/parse"
	"github.com/dhcgn/mail-to-pdf/progress"
	"github.com/dhcgn/mail-to-pdf/reconcile"
	"github.com/dhcgn/mail-to-pdf/render"
	"github.com/dhcgn/mail-to-pdf/state"
	"github.com/dhcgn/mail-to-pdf/stats"
)

type StageFunc func(context.Context) error

// MessageParser turns raw bytes into a message tree.
type MessageParser interface {
	Parse(raw model.RawMessage) (*model.Message, error)
}

// Deps are the collaborators of a run. Zero values are replaced by defaults.
type Deps struct {
	Logger    *slog.Logger
	Progress  progress.Sink
	Parser    MessageParser
	Converter *convert.Converter
}

type subscriber struct {
	name string
	fn   func(context.Context, <-chan stats.Event) error
	ch   chan stats.Event
}

type Runner struct {
	cfg  config.Config
	deps Deps

	logger   *slog.Logger
	layout   Layout
	runID    string
	progress *progress.Monotonic
	total    int

	collector   *stats.Collector
	subscribers []*subscriber
	statsWG     sync.WaitGroup
	workWG      sync.WaitGroup
	cancel      context.CancelFunc

	errMu sync.Mutex
	err   error

	mu       sync.Mutex
	docs     []model.Document
	failures []Failure

	tracker   *state.FileTracker
	converter *convert.Converter
	renderer  *render.Renderer
	parser    MessageParser
	filter    *filter.Filter
	keep      reconcile.Predicate
}

// job is one parsed message waiting for rendering.
type job struct {
	msg  *model.Message
	name string
	key  string
}

func New(cfg config.Config, deps Deps) (*Runner, error) {
	if cfg.InputPath == "" {
		return nil, fmt.Errorf("input path is empty")
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	if cfg.Workers <= 0 || cfg.Workers > runtime.NumCPU() {
		cfg.Workers = runtime.NumCPU()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}

	regex := filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	}
	var f *filter.Filter
	if regex.Active() {
		var err error
		if f, err = filter.New(regex); err != nil {
			return nil, fmt.Errorf("message filter: %w", err)
		}
	}

	var keep reconcile.Predicate
	if !cfg.Since.IsZero() || !cfg.Until.IsZero() {
		keep = reconcile.DateRange(cfg.Since, cfg.Until)
	}

	return &Runner{
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger,
		layout:    NewLayout(cfg.OutputDir),
		runID:     uuid.NewString(),
		progress:  progress.NewMonotonic(deps.Progress),
		collector: stats.NewCollector(),
		filter:    f,
		keep:      keep,
	}, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Layout() Layout {
	return r.layout
}

func (r *Runner) RunID() string {
	return r.runID
}

// SubscribeStats registers fn to receive every pipeline event of the next Run.
// Each subscriber gets its own channel, closed when the pipeline finishes.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, &subscriber{name: name, fn: fn, ch: make(chan stats.Event, 128)})
}

// EmitEvent records evt for the report, forwards it to subscribers and advances progress.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.collector.Apply(evt)
	for _, s := range r.subscribers {
		s.ch <- evt
	}
	r.progress.Update(r.collector.Snapshot().Done(), r.total)
}

// AddStage starts fn; its first error cancels the pipeline.
func (r *Runner) AddStage(ctx context.Context, name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

func (r *Runner) startSubscribers(ctx context.Context) {
	for _, s := range r.subscribers {
		r.statsWG.Add(1)
		go func(s *subscriber) {
			defer r.statsWG.Done()
			if err := s.fn(ctx, s.ch); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("stats subscriber failed", "subscriber", s.name, "err", err)
			}
			for range s.ch {
			}
		}(s)
	}
}

func (r *Runner) closeSubscribers() {
	for _, s := range r.subscribers {
		close(s.ch)
	}
	r.statsWG.Wait()
}

// Run converts the archive. The report is returned whenever the output directory
// could be claimed; the error is set only for run-fatal conditions. A cancelled
// run returns its report with Cancelled set and no error.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	rep := &Report{
		RunID:   r.runID,
		Input:   r.cfg.InputPath,
		Output:  r.cfg.OutputDir,
		Started: started,
	}

	unlock, stale, err := r.layout.lock()
	if err != nil {
		return nil, err
	}
	if stale > 0 {
		r.logger.Warn("removed stale lock file", "path", filepath.Join(r.layout.Root, LockFile), "pid", stale)
	}
	defer func() {
		if err := unlock(); err != nil {
			r.logger.Warn("could not remove lock file", "err", err)
		}
	}()

	if err := r.layout.create(); err != nil {
		return nil, err
	}

	runLog, err := logging.OpenRunLog(r.deps.Logger, r.layout.Root)
	if err != nil {
		return nil, err
	}
	defer runLog.Close()
	r.logger = runLog.Logger.With("run", r.runID)
	r.logger.Info("conversion started", "input", r.cfg.InputPath, "output", r.cfg.OutputDir, "workers", r.cfg.Workers)

	runErr := r.run(ctx, rep)
	r.finish(ctx, rep, started, runErr)

	if err := writeReport(r.layout.Report(), rep); err != nil {
		r.logger.Error("report not written", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	if !r.cfg.KeepTemp {
		if err := os.RemoveAll(r.layout.Temp); err != nil {
			r.logger.Warn("could not remove temp folder", "path", r.layout.Temp, "err", err)
		}
	}

	attrs := append(r.collector.Snapshot().LogAttrs(), "status", rep.Status, "duration", rep.Elapsed)
	if rep.Cancelled {
		r.logger.Warn("conversion cancelled, combined output skipped", attrs...)
		return rep, nil
	}
	if runErr != nil {
		r.logger.Error("conversion failed", append(attrs, "err", runErr)...)
		return rep, runErr
	}
	r.logger.Info("conversion finished", attrs...)
	return rep, nil
}

func (r *Runner) run(ctx context.Context, rep *Report) error {
	r.startSubscribers(ctx)
	defer r.closeSubscribers()

	ext, err := extract.Open(r.cfg.InputPath, extract.Options{
		WorkDir:       r.layout.Extracted,
		TempDir:       r.layout.Temp,
		Readpst:       r.cfg.Tools.Readpst,
		UnpackTimeout: r.cfg.Tools.UnpackTimeout,
		Logger:        r.logger,
	})
	if err != nil {
		return err
	}
	rep.Format = ext.Archive().Format

	total, err := ext.Count(ctx)
	if err != nil {
		return err
	}
	r.total = total
	if sr, ok := ext.(extract.SkipReporter); ok {
		rep.Skipped = sr.Skipped()
	}
	r.progress.Update(0, total)
	r.logger.Info("archive opened", "format", rep.Format, "messages", total)

	if err := r.setup(); err != nil {
		return err
	}
	defer func() {
		if err := r.tracker.Close(); err != nil {
			r.logger.Warn("closing render journal", "err", err)
		}
	}()

	pipeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	envelopes := make(chan model.Envelope, 32)
	jobs := make(chan job, 32)

	r.AddStage(pipeCtx, "extract", func(ctx context.Context) error {
		defer close(envelopes)
		return ext.Stream(ctx, envelopes)
	})
	r.AddStage(pipeCtx, "parse", func(ctx context.Context) error {
		defer close(jobs)
		return r.parseStage(ctx, envelopes, jobs)
	})
	r.AddStage(pipeCtx, "render", func(ctx context.Context) error {
		return r.renderStage(ctx, jobs)
	})

	r.workWG.Wait()

	if err := r.tracker.Flush(); err != nil {
		r.logger.Warn("flushing render journal", "err", err)
	}

	r.errMu.Lock()
	err = r.err
	r.errMu.Unlock()
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return r.combine(ctx, rep)
}

// setup builds the collaborators that depend on the output layout.
func (r *Runner) setup() error {
	tracker, err := state.NewFileTracker(r.layout.State, state.RenderedJournal, true)
	if err != nil {
		return fmt.Errorf("render journal: %w", err)
	}
	r.tracker = tracker

	if r.cfg.Resume {
		dropped, err := tracker.Prune(func(rec state.Record) bool {
			_, err := os.Stat(rec.Document)
			return err == nil
		})
		if err != nil {
			return fmt.Errorf("prune render journal: %w", err)
		}
		if dropped > 0 {
			r.logger.Info("render journal pruned", "missingDocuments", dropped)
		}
	}

	r.parser = r.deps.Parser
	if r.parser == nil {
		r.parser = parse.New(parse.Options{MaxDepth: r.cfg.MaxDepth, Logger: r.logger})
	}

	r.converter = r.deps.Converter
	if r.converter == nil {
		tools := convert.DetectTools(convert.Tools{
			Soffice:            r.cfg.Tools.Soffice,
			Tesseract:          r.cfg.Tools.Tesseract,
			OCR:                r.cfg.OCR,
			PageSize:           r.cfg.PageSize,
			TempDir:            r.layout.Temp,
			OfficeTimeout:      r.cfg.Tools.OfficeTimeout,
			SpreadsheetTimeout: r.cfg.Tools.SpreadsheetTimeout,
			OCRTimeout:         r.cfg.Tools.OCRTimeout,
		})
		r.logger.Info("external tools", "soffice", tools.Soffice, "tesseract", tools.Tesseract)
		r.converter = convert.New(convert.DefaultRegistry(tools), convert.Options{
			Timeout:       r.cfg.Timeout,
			MaxConcurrent: int64(r.cfg.Workers),
			Placeholder:   convert.NewPlaceholder(r.cfg.PageSize),
			Logger:        r.logger,
		})
	}

	r.renderer = render.New(render.Options{PageSize: r.cfg.PageSize, TempDir: r.layout.Temp, Logger: r.logger})
	return nil
}

// parseStage runs in producer order: parse, filter, dedupe, name and resume check.
func (r *Runner) parseStage(ctx context.Context, envelopes <-chan model.Envelope, jobs chan<- job) error {
	namer := render.NewNamer()
	seen := make(map[reconcile.Fingerprint]string)

	for {
		var (
			env model.Envelope
			ok  bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok = <-envelopes:
			if !ok {
				return nil
			}
		}

		raw := env.Raw
		r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeDiscovered, Detail: raw.Path})
		if env.Err != nil {
			r.recordFailure(stats.StageExtract, "", raw.Index, env.Err)
			continue
		}

		if r.filter != nil && !r.filter.AllowsRaw(raw.Data) {
			r.EmitEvent(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeFiltered})
			continue
		}

		msg, err := r.parser.Parse(raw)
		if err != nil {
			r.recordFailure(stats.StageParse, "", raw.Index, err)
			continue
		}
		r.EmitEvent(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeParsed, MessageID: msg.ID})

		if r.keep != nil && !r.keep(msg) {
			r.EmitEvent(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeFiltered, MessageID: msg.ID})
			continue
		}

		fp := reconcile.ComputeFingerprint(msg)
		if first, dup := seen[fp]; dup {
			if r.cfg.Dedupe {
				r.logger.Info("duplicate skipped", "message", msg.ID, "firstCopy", first, "fingerprint", fp.Short())
				r.EmitEvent(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeDuplicate, MessageID: msg.ID})
				continue
			}
			r.logger.Debug("duplicate rendered", "message", msg.ID, "firstCopy", first)
		} else {
			seen[fp] = msg.ID
		}

		name := namer.Next(msg)
		key := string(fp)
		if !r.cfg.Dedupe {
			key = fmt.Sprintf("%s#%d", fp, msg.Index)
		}

		if r.cfg.Resume {
			if rec, done := r.tracker.Lookup(key); done {
				r.addDocument(documentFor(msg, rec.Document))
				r.logger.Debug("already rendered", "message", msg.ID, "document", rec.Document)
				r.EmitEvent(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeResumed, MessageID: msg.ID})
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case jobs <- job{msg: msg, name: name, key: key}:
		}
	}
}

func (r *Runner) renderStage(ctx context.Context, jobs <-chan job) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

	for j := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r.renderOne(gctx, j)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// renderOne converts attachments and renders one message. Failures are recorded, never returned.
func (r *Runner) renderOne(ctx context.Context, j job) {
	msg := j.msg
	work := filepath.Join(r.layout.Temp, j.name)
	if err := os.MkdirAll(work, 0o755); err != nil {
		r.recordFailure(stats.StageRender, msg.ID, msg.Index, err)
		return
	}

	results := render.ConvertAttachments(ctx, r.converter, msg, work)
	for _, att := range msg.AllAttachments() {
		res := results[att.Key]
		r.logger.Info("conversion result",
			"message", msg.ID,
			"attachment", att.Filename,
			"status", res.Status,
			"strategy", res.Strategy,
			"attempts", len(res.Attempts),
			"cause", res.Cause,
		)
		r.EmitEvent(stats.Event{Stage: stats.StageRender, Type: stats.EventTypeConverted, MessageID: msg.ID, Detail: string(res.Status)})
		if res.OK() && len(res.Attempts) > 1 {
			r.logger.Info("fallback strategy selected", "message", msg.ID, "attachment", att.Filename, "strategy", res.Strategy)
			r.EmitEvent(stats.Event{Stage: stats.StageRender, Type: stats.EventTypeFallback, MessageID: msg.ID, Detail: res.Strategy})
		}
	}

	doc, err := r.renderer.Render(ctx, msg, results, filepath.Join(r.layout.Individual, j.name+".pdf"))
	if err != nil {
		if ctx.Err() != nil {
			r.logger.Info("render interrupted", "message", msg.ID)
			return
		}
		r.recordFailure(stats.StageRender, msg.ID, msg.Index, err)
		return
	}

	if err := r.tracker.MarkProcessed(state.Record{Key: j.key, MessageID: msg.ID, Document: doc.Path}); err != nil {
		r.logger.Warn("render journal write failed", "message", msg.ID, "err", err)
	}
	r.addDocument(doc)
	r.EmitEvent(stats.Event{Stage: stats.StageRender, Type: stats.EventTypeRendered, MessageID: msg.ID, Detail: doc.Path})
}

func (r *Runner) combine(ctx context.Context, rep *Report) error {
	r.mu.Lock()
	docs := append([]model.Document(nil), r.docs...)
	r.mu.Unlock()

	c := combine.New(combine.Options{Bookmarks: r.cfg.Bookmarks, Logger: r.logger})
	art, err := c.Combine(ctx, docs, r.layout.CombinedPDF())
	if art != nil {
		rep.Excluded = art.Excluded
		for _, ex := range art.Excluded {
			r.logger.Warn("excluded from combined output", "message", ex.MessageID, "document", ex.Document, "cause", ex.Cause)
		}
	}
	if err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageCombine, Type: stats.EventTypeError, Err: err})
		return err
	}
	rep.Combined = art.Path
	rep.CombinedIndex = filepath.Join(r.layout.Combined, combine.IndexFileName)
	rep.Pages = art.Pages
	return nil
}

func (r *Runner) finish(ctx context.Context, rep *Report, started time.Time, runErr error) {
	s := r.collector.Snapshot()
	rep.Discovered = s.Discovered
	rep.Rendered = s.Rendered
	rep.Resumed = s.Resumed
	rep.Succeeded = s.Rendered + s.Resumed
	rep.Failed = s.Failed
	rep.Duplicates = s.Duplicates
	rep.Filtered = s.Filtered
	rep.Attachments = s.Attachments
	rep.Converted = s.Converted
	rep.Embedded = s.Embedded
	rep.ConversionFailed = s.ConversionFailed
	rep.Fallbacks = s.Fallbacks

	r.mu.Lock()
	rep.Failures = append([]Failure(nil), r.failures...)
	r.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		rep.Status = StatusCancelled
		rep.Cancelled = true
	case runErr != nil:
		rep.Status = StatusFailed
		rep.Error = runErr.Error()
	default:
		rep.Status = StatusCompleted
	}

	rep.Finished = time.Now()
	rep.Elapsed = rep.Finished.Sub(started)
}

func (r *Runner) recordFailure(stage stats.Stage, messageID string, index int, err error) {
	r.logger.Error("message failed", "stage", stage, "message", messageID, "index", index, "err", err)
	r.mu.Lock()
	r.failures = append(r.failures, Failure{MessageID: messageID, Index: index, Stage: string(stage), Cause: err.Error()})
	r.mu.Unlock()
	r.EmitEvent(stats.Event{Stage: stage, Type: stats.EventTypeError, MessageID: messageID, Err: err})
}

func (r *Runner) addDocument(doc model.Document) {
	r.mu.Lock()
	r.docs = append(r.docs, doc)
	r.mu.Unlock()
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		if r.cancel != nil {
			r.cancel()
		}
	}
	r.errMu.Unlock()
}

func documentFor(msg *model.Message, path string) model.Document {
	return model.Document{
		Path:      path,
		MessageID: msg.ID,
		Subject:   msg.Subject,
		Timestamp: msg.OrderTime(),
		Index:     msg.Index,
	}
}
