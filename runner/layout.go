package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrOutputLocked means another run owns the output directory.
var ErrOutputLocked = errors.New("output directory is in use by another run")

const (
	ExtractedDir    = "1_extracted_emls"
	IndividualDir   = "2_individual_pdfs"
	CombinedDir     = "3_combined_output"
	TempDir         = "_temp"
	StateDir        = ".state"
	LockFile        = ".lock"
	ReportFile      = "report.yaml"
	CombinedPDFName = "combined_chronological.pdf"
)

// Layout is the fixed structure of an output directory.
type Layout struct {
	Root       string
	Extracted  string
	Individual string
	Combined   string
	Temp       string
	State      string
}

func NewLayout(root string) Layout {
	return Layout{
		Root:       root,
		Extracted:  filepath.Join(root, ExtractedDir),
		Individual: filepath.Join(root, IndividualDir),
		Combined:   filepath.Join(root, CombinedDir),
		Temp:       filepath.Join(root, TempDir),
		State:      filepath.Join(root, StateDir),
	}
}

func (l Layout) CombinedPDF() string { return filepath.Join(l.Combined, CombinedPDFName) }
func (l Layout) Report() string      { return filepath.Join(l.Root, ReportFile) }

func (l Layout) create() error {
	for _, dir := range []string{l.Extracted, l.Individual, l.Combined, l.Temp, l.State} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// lock creates the lock file exclusively. A lock whose recorded process is
// gone is taken over and reported through stale. The returned func removes it.
func (l Layout) lock() (unlock func() error, stale int, err error) {
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		return nil, 0, fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(l.Root, LockFile)
	for attempt := 0; ; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = file.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			if err := file.Close(); err != nil {
				_ = os.Remove(path)
				return nil, 0, fmt.Errorf("lock output directory: %w", err)
			}
			return func() error { return os.Remove(path) }, stale, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, 0, fmt.Errorf("lock output directory: %w", err)
		}

		pid := lockOwner(path)
		if attempt == 0 && pid > 0 && pid != os.Getpid() && !processAlive(pid) {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, 0, fmt.Errorf("remove stale lock %s: %w", path, err)
			}
			stale = pid
			continue
		}
		if pid > 0 {
			return nil, 0, fmt.Errorf("%w: %s is held by pid %d; if that run is no longer active, delete the file and retry", ErrOutputLocked, path, pid)
		}
		return nil, 0, fmt.Errorf("%w: %s exists; if no run is active, delete the file and retry", ErrOutputLocked, path)
	}
}

// lockOwner returns the pid recorded in a lock file, or 0 when unreadable.
func lockOwner(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
