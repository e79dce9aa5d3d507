package filter

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// ErrModeConflict is returned when include and exclude patterns are both configured.
var ErrModeConflict = errors.New("include and exclude filters are mutually exclusive")

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Active reports whether any pattern is configured.
func (o Options) Active() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody)+len(o.ExcludeHeader)+len(o.ExcludeBody) > 0
}

type pattern struct {
	src string
	re  *regexp.Regexp
}

// Filter holds compiled regex patterns for filtering messages.
// It is safe for concurrent use.
type Filter struct {
	includeMode    bool
	excludeMode    bool
	includeHeader  []pattern
	includeBody    []pattern
	excludeHeader  []pattern
	excludeBody    []pattern
	needHeaderText bool
	needBodyText   bool

	mu      sync.Mutex
	hits    map[string]int
	checked int
	allowed int
}

// Stats reports how often each pattern matched.
type Stats struct {
	Checked int
	Allowed int

	IncludeHeaderPatterns []string
	IncludeBodyPatterns   []string
	ExcludeHeaderPatterns []string
	ExcludeBodyPatterns   []string

	IncludeHeaderHits map[string]int
	IncludeBodyHits   map[string]int
	ExcludeHeaderHits map[string]int
	ExcludeBodyHits   map[string]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, ErrModeConflict
	}

	return &Filter{
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeHeader:  includeHeader,
		includeBody:    includeBody,
		excludeHeader:  excludeHeader,
		excludeBody:    excludeBody,
		needHeaderText: len(includeHeader) > 0 || len(excludeHeader) > 0,
		needBodyText:   len(includeBody) > 0 || len(excludeBody) > 0,
		hits:           make(map[string]int),
	}, nil
}

// Allows returns true if the message passes the filter criteria.
func (f *Filter) Allows(header, body []byte) bool {
	var headerText, bodyText string
	if f.needHeaderText {
		headerText = string(header)
	}
	if f.needBodyText {
		bodyText = string(body)
	}

	allowed := true
	var matched []string
	switch {
	case f.includeMode:
		matched = append(matchAll(f.includeHeader, headerText, "ih:"), matchAll(f.includeBody, bodyText, "ib:")...)
		allowed = len(matched) > 0
	case f.excludeMode:
		matched = append(matchAll(f.excludeHeader, headerText, "eh:"), matchAll(f.excludeBody, bodyText, "eb:")...)
		allowed = len(matched) == 0
	}

	f.mu.Lock()
	f.checked++
	if allowed {
		f.allowed++
	}
	for _, key := range matched {
		f.hits[key]++
	}
	f.mu.Unlock()

	return allowed
}

// AllowsRaw splits a raw RFC 5322 message and applies Allows.
func (f *Filter) AllowsRaw(raw []byte) bool {
	header, body := SplitRawMessage(raw)
	return f.Allows(header, body)
}

// Stats returns a snapshot of the pattern hit counters.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	collect := func(patterns []pattern, prefix string) ([]string, map[string]int) {
		srcs := make([]string, 0, len(patterns))
		hits := make(map[string]int, len(patterns))
		for _, p := range patterns {
			srcs = append(srcs, p.src)
			hits[p.src] = f.hits[prefix+p.src]
		}
		return srcs, hits
	}

	s := Stats{Checked: f.checked, Allowed: f.allowed}
	s.IncludeHeaderPatterns, s.IncludeHeaderHits = collect(f.includeHeader, "ih:")
	s.IncludeBodyPatterns, s.IncludeBodyHits = collect(f.includeBody, "ib:")
	s.ExcludeHeaderPatterns, s.ExcludeHeaderHits = collect(f.excludeHeader, "eh:")
	s.ExcludeBodyPatterns, s.ExcludeBodyHits = collect(f.excludeBody, "eb:")
	return s
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	// The first blank line ends the header, whichever line ending it uses.
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return raw[:crlf], raw[crlf+4:]
	case lf >= 0:
		return raw[:lf], raw[lf+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string) ([]pattern, error) {
	compiled := make([]pattern, 0, len(patterns))
	for _, src := range patterns {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", src, err)
		}
		compiled = append(compiled, pattern{src: src, re: re})
	}
	return compiled, nil
}

// matchAll returns the prefixed source of every pattern matching text.
func matchAll(patterns []pattern, text, prefix string) []string {
	var out []string
	for _, p := range patterns {
		if p.re.MatchString(text) {
			out = append(out, prefix+p.src)
		}
	}
	return out
}
