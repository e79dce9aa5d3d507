package convert

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/dhcgn/mail-to-pdf/model"
)

var (
	// ErrUnavailable marks a strategy whose tool is missing on this host.
	ErrUnavailable = errors.New("strategy unavailable")
	// ErrUnsupportedInput is returned by a strategy that cannot handle the given file variant.
	ErrUnsupportedInput = errors.New("unsupported input")
	// ErrEmptyOutput is returned when a strategy reports success without producing a file.
	ErrEmptyOutput = errors.New("strategy produced no output")
)

// ConversionError describes one failed strategy attempt. It is recorded in the
// ConversionResult and never returned past the converter.
type ConversionError struct {
	Strategy string
	Kind     model.ErrorKind
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Strategy, e.Kind, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

func classify(err error) model.ErrorKind {
	var convErr *ConversionError
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return model.ErrKindNone
	case errors.As(err, &convErr):
		return convErr.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return model.ErrKindTimeout
	case errors.Is(err, context.Canceled):
		return model.ErrKindCancelled
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrUnsupportedInput):
		return model.ErrKindUnsupported
	case errors.As(err, &exitErr), errors.Is(err, exec.ErrNotFound):
		return model.ErrKindTool
	}
	return model.ErrKindIO
}
