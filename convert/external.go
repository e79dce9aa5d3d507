package convert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dhcgn/mail-to-pdf/model"
)

// Tools holds the resolved external binaries. An empty path disables the strategy.
type Tools struct {
	Soffice   string
	Tesseract string
	// OCR enables the tesseract strategy for images.
	OCR      bool
	PageSize string
	// TempDir receives scratch directories for external tool runs.
	TempDir string

	OfficeTimeout      time.Duration
	SpreadsheetTimeout time.Duration
	OCRTimeout         time.Duration
}

// DetectTools fills empty tool paths from PATH.
func DetectTools(t Tools) Tools {
	if t.Soffice == "" {
		t.Soffice = lookPath("soffice", "libreoffice")
	}
	if t.Tesseract == "" && t.OCR {
		t.Tesseract = lookPath("tesseract")
	}
	if t.OfficeTimeout <= 0 {
		t.OfficeTimeout = 120 * time.Second
	}
	if t.SpreadsheetTimeout <= 0 {
		t.SpreadsheetTimeout = 180 * time.Second
	}
	if t.OCRTimeout <= 0 {
		t.OCRTimeout = 60 * time.Second
	}
	return t
}

func lookPath(names ...string) string {
	for _, n := range names {
		if p, err := exec.LookPath(n); err == nil {
			return p
		}
	}
	return ""
}

var unsafeNameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// stageInput writes the attachment into a fresh scratch directory under a safe name.
func stageInput(tempDir string, att *model.Attachment) (dir, path string, err error) {
	dir, err = os.MkdirTemp(tempDir, "conv-*")
	if err != nil {
		return "", "", err
	}
	stem := unsafeNameRe.ReplaceAllString(strings.TrimSuffix(filepath.Base(att.Filename), filepath.Ext(att.Filename)), "_")
	if stem == "" || stem == "." || stem == "_" {
		stem = "input"
	}
	path = filepath.Join(dir, stem+att.Ext())
	if err := os.WriteFile(path, att.Data, 0o600); err != nil {
		os.RemoveAll(dir)
		return "", "", err
	}
	return dir, path, nil
}

func run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return fmt.Errorf("%s %s: %w: %s", filepath.Base(bin), strings.Join(args, " "), err, msg)
	}
	return nil
}

// office converts through a headless LibreOffice process.
type office struct {
	tools   Tools
	timeout time.Duration
}

// NewOffice returns the LibreOffice strategy. spreadsheet selects the longer timeout.
func NewOffice(tools Tools, spreadsheet bool) Strategy {
	timeout := tools.OfficeTimeout
	if spreadsheet {
		timeout = tools.SpreadsheetTimeout
	}
	return &office{tools: tools, timeout: timeout}
}

func (s *office) Name() string           { return "libreoffice" }
func (s *office) Available() bool        { return s.tools.Soffice != "" }
func (s *office) Exclusive() bool        { return true }
func (s *office) Timeout() time.Duration { return s.timeout }

func (s *office) Convert(ctx context.Context, att *model.Attachment, outPath string) error {
	dir, in, err := stageInput(s.tools.TempDir, att)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	outDir := filepath.Join(dir, "out")
	profile := "file://" + filepath.ToSlash(filepath.Join(dir, "profile"))
	err = run(ctx, s.tools.Soffice,
		"-env:UserInstallation="+profile,
		"--headless", "--norestore", "--nologo",
		"--convert-to", "pdf", "--outdir", outDir, in)
	if err != nil {
		return err
	}

	produced := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))+".pdf")
	return os.Rename(produced, outPath)
}

// ocr runs tesseract and keeps its searchable PDF output.
type ocr struct {
	tools Tools
}

func NewOCR(tools Tools) Strategy {
	return &ocr{tools: tools}
}

func (s *ocr) Name() string           { return "tesseract" }
func (s *ocr) Available() bool        { return s.tools.OCR && s.tools.Tesseract != "" }
func (s *ocr) Exclusive() bool        { return false }
func (s *ocr) Timeout() time.Duration { return s.tools.OCRTimeout }

func (s *ocr) Convert(ctx context.Context, att *model.Attachment, outPath string) error {
	dir, in, err := stageInput(s.tools.TempDir, att)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	base := filepath.Join(dir, "ocr")
	if err := run(ctx, s.tools.Tesseract, in, base, "pdf"); err != nil {
		return err
	}
	return os.Rename(base+".pdf", outPath)
}
