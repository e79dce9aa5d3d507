package model

import (
	"path/filepath"
	"strings"
	"time"
)

// ConversionStatus is the lifecycle state of an attachment conversion.
type ConversionStatus string

const (
	StatusUnconverted ConversionStatus = "unconverted"
	StatusConverted   ConversionStatus = "converted"
	StatusEmbedded    ConversionStatus = "embedded"
	StatusFailed      ConversionStatus = "failed"
)

// Attachment is a file carried by a message. It belongs to exactly one message.
type Attachment struct {
	// Key addresses the attachment inside its message tree, e.g. "2" or "n0/1".
	Key         string
	Filename    string
	ContentType string
	ContentID   string
	Data        []byte
	Status      ConversionStatus
}

// Ext returns the lower-case extension from the filename, falling back to the content type.
func (a *Attachment) Ext() string {
	if ext := strings.ToLower(filepath.Ext(a.Filename)); ext != "" {
		return ext
	}
	if ext, ok := extByContentType[strings.ToLower(a.ContentType)]; ok {
		return ext
	}
	return ".bin"
}

// ExtForContentType maps a MIME type to a file extension, ".bin" when unknown.
func ExtForContentType(contentType string) string {
	if ext, ok := extByContentType[strings.ToLower(contentType)]; ok {
		return ext
	}
	return ".bin"
}

var extByContentType = map[string]string{
	"application/pdf":    ".pdf",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   ".docx",
	"application/vnd.ms-excel":                                                  ".xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         ".xlsx",
	"application/vnd.ms-powerpoint":                                             ".ppt",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",
	"application/vnd.oasis.opendocument.text":                                   ".odt",
	"application/vnd.oasis.opendocument.spreadsheet":                            ".ods",
	"image/jpeg":                 ".jpg",
	"image/png":                  ".png",
	"image/gif":                  ".gif",
	"image/bmp":                  ".bmp",
	"image/tiff":                 ".tiff",
	"text/plain":                 ".txt",
	"text/html":                  ".html",
	"text/csv":                   ".csv",
	"text/calendar":              ".ics",
	"message/rfc822":             ".eml",
	"application/vnd.ms-outlook": ".msg",
	"application/rtf":            ".rtf",
	"application/zip":            ".zip",
	"audio/mpeg":                 ".mp3",
	"audio/wav":                  ".wav",
	"video/mp4":                  ".mp4",
}

// Attempt records one strategy tried for an attachment.
type Attempt struct {
	Strategy string        `yaml:"strategy"`
	Err      string        `yaml:"err,omitempty"`
	Elapsed  time.Duration `yaml:"elapsed"`
}

// ErrorKind classifies why a conversion or render ended badly.
type ErrorKind string

const (
	ErrKindNone        ErrorKind = ""
	ErrKindUnsupported ErrorKind = "unsupported"
	ErrKindTimeout     ErrorKind = "timeout"
	ErrKindTool        ErrorKind = "tool"
	ErrKindIO          ErrorKind = "io"
	ErrKindCancelled   ErrorKind = "cancelled"
)

// ConversionResult is the single outcome recorded for one attachment.
type ConversionResult struct {
	Key        string           `yaml:"key"`
	Filename   string           `yaml:"filename"`
	Status     ConversionStatus `yaml:"status"`
	Strategy   string           `yaml:"strategy,omitempty"`
	OutputPath string           `yaml:"output,omitempty"`
	ErrKind    ErrorKind        `yaml:"err_kind,omitempty"`
	Cause      string           `yaml:"cause,omitempty"`
	Attempts   []Attempt        `yaml:"attempts,omitempty"`
}

// OK reports whether the result produced a renderable file.
func (r ConversionResult) OK() bool {
	return r.Status == StatusConverted || r.Status == StatusEmbedded
}
