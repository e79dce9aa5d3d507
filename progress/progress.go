package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-to-pdf/stats"
)

// Sink receives completed/total counts.
type Sink interface {
	Update(done, total int)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(done, total int)

func (f SinkFunc) Update(done, total int) { f(done, total) }

// Monotonic serializes updates to a sink and never lets either count decrease.
type Monotonic struct {
	mu    sync.Mutex
	sink  Sink
	done  int
	total int
}

func NewMonotonic(sink Sink) *Monotonic {
	return &Monotonic{sink: sink}
}

func (m *Monotonic) Update(done, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if done < m.done {
		done = m.done
	}
	if total < m.total {
		total = m.total
	}
	if total < done {
		total = done
	}
	if done == m.done && total == m.total {
		return
	}
	m.done, m.total = done, total
	if m.sink != nil {
		m.sink.Update(done, total)
	}
}

// Last returns the most recent forwarded counts.
func (m *Monotonic) Last() (done, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done, m.total
}

// Bar manages a progress bar for tracking message processing.
type Bar struct {
	pb          *pterm.ProgressbarPrinter
	total       int
	alreadyDone int
	mu          sync.Mutex
	enabled     bool
}

// New creates a new progress bar if logLevel is "info".
func New(total int, alreadyDone int, logLevel string) *Bar {
	bar := &Bar{
		total:       total,
		alreadyDone: alreadyDone,
		enabled:     logLevel == "info",
	}

	if bar.enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(max(total, 1)).
			WithTitle("Rendering messages").
			Start()
		bar.pb = pb

		if total > 0 {
			pterm.Info.Printf("Messages in archive: %d\n", total)
		}
		if alreadyDone > 0 {
			pterm.Info.Printf("Already rendered: %d\n", alreadyDone)
		}
		pterm.Println()

		pb.Current = alreadyDone
	}

	return bar
}

// Update moves the bar to done out of total.
func (b *Bar) Update(done, total int) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if total > 0 && total != b.total {
		b.total = total
		b.pb.Total = total
	}
	if done > b.pb.Current {
		b.pb.Add(done - b.pb.Current)
	}
}

// Event shows failures above the bar and names the message in flight.
func (b *Bar) Event(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeParsed:
		if evt.MessageID != "" {
			displayID := evt.MessageID
			if len(displayID) > 40 {
				displayID = displayID[:37] + "..."
			}
			b.pb.UpdateTitle("Rendering: " + displayID)
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}

	_, _ = b.pb.Stop()
	pterm.Success.Println("Processing complete!")
}

// Subscriber feeds pipeline events to the bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Event(evt)
		}
	}
}

// ProgressReporter wraps the stats Reporter with progress bar functionality.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter creates a new progress reporter with optional progress bar.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	if pr.bar != nil {
		pr.bar.Stop()
	}

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	if pr.logger != nil {
		pterm.Println()
		pterm.DefaultSection.Println("Summary Statistics")
		pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
		pterm.Info.Printf("Discovered: %d\n", summary.Discovered)
		pterm.Info.Printf("Rendered: %d\n", summary.Rendered)
		pterm.Info.Printf("Resumed (skipped): %d\n", summary.Resumed)
		pterm.Info.Printf("Duplicates (skipped): %d\n", summary.Duplicates)
		pterm.Info.Printf("Filtered: %d\n", summary.Filtered)
		pterm.Info.Printf("Attachments: %d (converted %d, placeholder %d, fallbacks %d)\n",
			summary.Attachments, summary.Converted, summary.Embedded, summary.Fallbacks)
		pterm.Info.Printf("Failed: %d\n", summary.Failed)
		if summary.LastError != nil {
			pterm.Error.Printf("Last error: %v\n", summary.LastError)
		}
	}

	return nil
}
