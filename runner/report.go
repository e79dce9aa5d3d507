package runner

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dhcgn/mail-to-pdf/model"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Failure is one message that produced no document.
type Failure struct {
	MessageID string `yaml:"message_id,omitempty"`
	Index     int    `yaml:"index"`
	Stage     string `yaml:"stage"`
	Cause     string `yaml:"cause"`
}

// Report is the outcome of a conversion run.
type Report struct {
	RunID     string              `yaml:"run_id"`
	Input     string              `yaml:"input"`
	Format    model.ArchiveFormat `yaml:"format"`
	Output    string              `yaml:"output"`
	Status    Status              `yaml:"status"`
	Cancelled bool                `yaml:"cancelled"`
	Error     string              `yaml:"error,omitempty"`

	Discovered int `yaml:"discovered"`
	Succeeded  int `yaml:"succeeded"`
	Rendered   int `yaml:"rendered"`
	Resumed    int `yaml:"resumed"`
	Failed     int `yaml:"failed"`
	Duplicates int `yaml:"duplicates"`
	Filtered   int `yaml:"filtered"`

	Attachments      int `yaml:"attachments"`
	Converted        int `yaml:"converted"`
	Embedded         int `yaml:"embedded"`
	ConversionFailed int `yaml:"conversion_failed"`
	Fallbacks        int `yaml:"fallbacks"`

	Failures []Failure `yaml:"failures,omitempty"`

	Combined      string            `yaml:"combined,omitempty"`
	CombinedIndex string            `yaml:"combined_index,omitempty"`
	Pages         int               `yaml:"pages,omitempty"`
	Excluded      []model.Exclusion `yaml:"excluded,omitempty"`

	// Skipped are input entries that were not read as messages.
	Skipped []string `yaml:"skipped,omitempty"`

	Started  time.Time     `yaml:"started"`
	Finished time.Time     `yaml:"finished"`
	Elapsed  time.Duration `yaml:"elapsed"`
}

func writeReport(path string, rep *Report) error {
	data, err := yaml.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadReport loads a report written by a previous run.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var rep Report
	if err := yaml.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", path, err)
	}
	return &rep, nil
}
