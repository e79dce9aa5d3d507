// Package state keeps JSONL journals of work finished by earlier runs.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Journal file names.
const (
	// RenderedJournal maps message fingerprints to their rendered PDF, for resume.
	RenderedJournal = "rendered.jsonl"
	// UploadedJournal holds fingerprints already appended to an IMAP folder.
	UploadedJournal = "uploaded.jsonl"
)

type Tracker interface {
	AlreadyProcessed(key string) bool
	Lookup(key string) (Record, bool)
	MarkProcessed(rec Record) error
	Snapshot() Snapshot
}

// Record is one journal line.
type Record struct {
	Key       string `json:"key"`
	MessageID string `json:"message_id"`
	Document  string `json:"document,omitempty"`
}

type Snapshot struct {
	Processed int
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]Record
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]Record)}
}

func (m *MemoryTracker) AlreadyProcessed(key string) bool {
	_, ok := m.Lookup(key)
	return ok
}

func (m *MemoryTracker) Lookup(key string) (Record, bool) {
	if key == "" {
		return Record{}, false
	}

	m.mu.RLock()
	rec, ok := m.processed[key]
	m.mu.RUnlock()
	return rec, ok
}

func (m *MemoryTracker) MarkProcessed(rec Record) error {
	if rec.Key == "" {
		return nil
	}

	m.mu.Lock()
	m.processed[rec.Key] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.processed)
	m.mu.RUnlock()
	return Snapshot{Processed: count}
}

// FileTracker persists records so future runs can skip them.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

func NewFileTracker(stateDir, name string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, name),
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 64*1024)
	}

	return tracker, nil
}

// Path is the journal file location.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.Key == "" {
			continue
		}

		f.mu.Lock()
		f.processed[record.Key] = record
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

// MarkProcessed records rec. A key already present keeps its first record.
func (f *FileTracker) MarkProcessed(rec Record) error {
	if rec.Key == "" {
		return nil
	}

	f.mu.Lock()
	if _, exists := f.processed[rec.Key]; exists {
		f.mu.Unlock()
		return nil
	}
	f.processed[rec.Key] = rec
	f.mu.Unlock()

	if !f.persist {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Flush writes any buffered data to the underlying file.
func (f *FileTracker) Flush() error {
	if !f.persist || f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}

// Prune drops every record for which keep returns false and rewrites the journal
// without them. It returns the number of dropped records. Call it before the
// tracker is shared with writers.
func (f *FileTracker) Prune(keep func(Record) bool) (int, error) {
	f.mu.Lock()
	var kept []Record
	dropped := 0
	for key, rec := range f.processed {
		if keep(rec) {
			kept = append(kept, rec)
			continue
		}
		delete(f.processed, key)
		dropped++
	}
	f.mu.Unlock()

	if dropped == 0 || !f.persist {
		return dropped, nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return dropped, fmt.Errorf("flush state file: %w", err)
	}

	tmp := f.path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return dropped, fmt.Errorf("create pruned state file: %w", err)
	}
	enc := json.NewEncoder(out)
	for _, rec := range kept {
		if err := enc.Encode(rec); err != nil {
			out.Close()
			return dropped, fmt.Errorf("write pruned state file: %w", err)
		}
	}
	if err := out.Close(); err != nil {
		return dropped, fmt.Errorf("close pruned state file: %w", err)
	}

	if err := f.file.Close(); err != nil {
		return dropped, fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return dropped, fmt.Errorf("replace state file: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return dropped, fmt.Errorf("reopen state file: %w", err)
	}
	f.file = file
	f.writer.Reset(file)
	return dropped, nil
}
