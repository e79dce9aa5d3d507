package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dhcgn/mail-to-pdf/model"
)

type Stage string

const (
	StageExtract Stage = "extract"
	StageParse   Stage = "parse"
	StageRender  Stage = "render"
	StageCombine Stage = "combine"
)

type EventType string

const (
	EventTypeDiscovered EventType = "discovered"
	EventTypeParsed     EventType = "parsed"
	EventTypeDuplicate  EventType = "duplicate"
	EventTypeFiltered   EventType = "filtered"
	EventTypeResumed    EventType = "resumed"
	EventTypeRendered   EventType = "rendered"
	// EventTypeConverted carries the conversion status in Detail.
	EventTypeConverted EventType = "converted"
	EventTypeFallback  EventType = "fallback"
	EventTypeCombined  EventType = "combined"
	EventTypeError     EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
}

type Summary struct {
	Discovered int `yaml:"discovered"`
	Parsed     int `yaml:"parsed"`
	Duplicates int `yaml:"duplicates"`
	Filtered   int `yaml:"filtered"`
	Resumed    int `yaml:"resumed"`
	Rendered   int `yaml:"rendered"`
	Failed     int `yaml:"failed"`

	Attachments      int `yaml:"attachments"`
	Converted        int `yaml:"converted"`
	Embedded         int `yaml:"embedded"`
	ConversionFailed int `yaml:"conversion_failed"`
	Fallbacks        int `yaml:"fallbacks"`

	LastError error `yaml:"-"`
}

// Done is the number of messages that reached a final state.
func (s Summary) Done() int {
	return s.Rendered + s.Resumed + s.Failed + s.Duplicates + s.Filtered
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"discovered", s.Discovered,
		"rendered", s.Rendered,
		"resumed", s.Resumed,
		"failed", s.Failed,
		"duplicates", s.Duplicates,
		"filtered", s.Filtered,
		"attachments", s.Attachments,
		"embedded", s.Embedded,
		"fallbacks", s.Fallbacks,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeDiscovered:
		c.summary.Discovered++
	case EventTypeParsed:
		c.summary.Parsed++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeResumed:
		c.summary.Resumed++
	case EventTypeRendered:
		c.summary.Rendered++
	case EventTypeConverted:
		c.summary.Attachments++
		switch model.ConversionStatus(evt.Detail) {
		case model.StatusConverted:
			c.summary.Converted++
		case model.StatusEmbedded:
			c.summary.Embedded++
		case model.StatusFailed:
			c.summary.ConversionFailed++
		}
	case EventTypeFallback:
		c.summary.Fallbacks++
	case EventTypeError:
		// Combine errors are run-level; only message failures count here.
		if evt.Stage != StageCombine {
			c.summary.Failed++
		}
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Printf("%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys, ties broken alphabetically.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && limit < len(pairs) {
		pairs = pairs[:limit]
	}
	return pairs
}
