// Package convert turns attachments into PDFs through ordered per-kind strategy chains.
package convert

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dhcgn/mail-to-pdf/model"
)

const defaultTimeout = 2 * time.Minute

// Strategy converts one attachment into a PDF at outPath.
type Strategy interface {
	Name() string
	// Available reports whether the strategy can run on this host.
	Available() bool
	// Exclusive strategies are never run concurrently with themselves.
	Exclusive() bool
	Convert(ctx context.Context, att *model.Attachment, outPath string) error
}

// TimeoutOverrider lets a strategy replace the converter's per-attempt timeout.
type TimeoutOverrider interface {
	Timeout() time.Duration
}

// Registry maps each kind to its ordered strategy chain.
type Registry map[Kind][]Strategy

type Options struct {
	// Timeout bounds each strategy attempt.
	Timeout time.Duration
	// MaxConcurrent bounds simultaneous conversions across all callers.
	MaxConcurrent int64
	// Placeholder terminates every chain. Defaults to a letter-size placeholder.
	Placeholder Strategy
	Logger      *slog.Logger
}

// Converter is safe for concurrent use.
type Converter struct {
	registry    Registry
	placeholder Strategy
	timeout     time.Duration
	sem         *semaphore.Weighted
	logger      *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(registry Registry, opts Options) *Converter {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Placeholder == nil {
		opts.Placeholder = NewPlaceholder("")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Converter{
		registry:    registry,
		placeholder: opts.Placeholder,
		timeout:     opts.Timeout,
		sem:         semaphore.NewWeighted(opts.MaxConcurrent),
		logger:      opts.Logger,
		locks:       make(map[string]*sync.Mutex),
	}
}

// Chain returns the strategies tried for kind, always ending with the placeholder.
func (c *Converter) Chain(kind Kind) []Strategy {
	chain := append([]Strategy(nil), c.registry[kind]...)
	if len(chain) == 0 || chain[len(chain)-1].Name() != c.placeholder.Name() {
		chain = append(chain, c.placeholder)
	}
	return chain
}

// Convert always returns exactly one result for att. It never returns an error:
// every failure is recorded in the result.
func (c *Converter) Convert(ctx context.Context, att *model.Attachment, outPath string) model.ConversionResult {
	res := model.ConversionResult{Key: att.Key, Filename: att.Filename, Status: model.StatusUnconverted}
	kind := KindOf(att)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return c.fail(att, res, &ConversionError{Strategy: "queue", Kind: model.ErrKindCancelled, Err: err})
	}
	defer c.sem.Release(1)

	var lastErr error
	for _, s := range c.Chain(kind) {
		if !s.Available() {
			res.Attempts = append(res.Attempts, model.Attempt{Strategy: s.Name(), Err: ErrUnavailable.Error()})
			c.logger.Debug("strategy skipped", "attachment", att.Filename, "kind", kind, "strategy", s.Name(), "reason", "unavailable")
			continue
		}

		started := time.Now()
		err := c.attempt(ctx, s, att, outPath)
		attempt := model.Attempt{Strategy: s.Name(), Elapsed: time.Since(started)}
		if err != nil {
			attempt.Err = err.Error()
		}
		res.Attempts = append(res.Attempts, attempt)

		if err == nil {
			res.Strategy = s.Name()
			res.OutputPath = outPath
			res.Status = model.StatusConverted
			if s.Name() == c.placeholder.Name() {
				res.Status = model.StatusEmbedded
			}
			att.Status = res.Status
			c.logger.Info("attachment converted", "attachment", att.Filename, "kind", kind, "strategy", s.Name(), "status", res.Status, "elapsed", attempt.Elapsed)
			return res
		}

		lastErr = err
		c.logger.Warn("strategy failed", "attachment", att.Filename, "kind", kind, "strategy", s.Name(), "err", err)
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = &ConversionError{Strategy: c.placeholder.Name(), Kind: model.ErrKindUnsupported, Err: ErrUnavailable}
	}
	return c.fail(att, res, lastErr)
}

func (c *Converter) fail(att *model.Attachment, res model.ConversionResult, err error) model.ConversionResult {
	res.Status = model.StatusFailed
	res.ErrKind = classify(err)
	res.Cause = err.Error()
	att.Status = model.StatusFailed
	c.logger.Error("attachment not converted", "attachment", att.Filename, "errKind", res.ErrKind, "err", err)
	return res
}

// attempt runs one strategy under its own timeout, recovering panics. The strategy writes
// to a private temporary file that is renamed into place only on success.
func (c *Converter) attempt(ctx context.Context, s Strategy, att *model.Attachment, outPath string) error {
	timeout := c.timeout
	if o, ok := s.(TimeoutOverrider); ok && o.Timeout() > 0 {
		timeout = o.Timeout()
	}

	if s.Exclusive() {
		mu := c.lock(s.Name())
		mu.Lock()
		defer mu.Unlock()
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tmp := fmt.Sprintf("%s.%s.tmp", outPath, s.Name())
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- s.Convert(actx, att, tmp)
	}()

	var err error
	select {
	case err = <-done:
	case <-actx.Done():
		err = actx.Err()
	}
	if err == nil && actx.Err() != nil {
		err = actx.Err()
	}
	if err != nil {
		_ = os.Remove(tmp)
		return &ConversionError{Strategy: s.Name(), Kind: classify(err), Err: err}
	}

	info, statErr := os.Stat(tmp)
	if statErr != nil || info.Size() == 0 {
		_ = os.Remove(tmp)
		return &ConversionError{Strategy: s.Name(), Kind: model.ErrKindIO, Err: ErrEmptyOutput}
	}
	if err := os.Rename(tmp, outPath); err != nil {
		_ = os.Remove(tmp)
		return &ConversionError{Strategy: s.Name(), Kind: model.ErrKindIO, Err: err}
	}
	return nil
}

func (c *Converter) lock(name string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	mu, ok := c.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[name] = mu
	}
	return mu
}
