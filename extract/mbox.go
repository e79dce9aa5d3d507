package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-to-pdf/model"
)

type mboxExtractor struct {
	baseExtractor
}

func (m *mboxExtractor) open() (*os.File, *mboxlib.Reader, error) {
	file, err := os.Open(m.archive.Path)
	if err != nil {
		return nil, nil, &ExtractionError{Path: m.archive.Path, Op: "open mbox", Err: err}
	}
	return file, mboxlib.NewReader(file), nil
}

// Count walks the container once without parsing messages.
func (m *mboxExtractor) Count(ctx context.Context) (int, error) {
	if m.archive.Count >= 0 {
		return m.archive.Count, nil
	}

	file, reader, err := m.open()
	if err != nil {
		return 0, err
	}
	defer file.Close()

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, &ExtractionError{Path: m.archive.Path, Op: fmt.Sprintf("count message %d", count), Err: err}
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return 0, &ExtractionError{Path: m.archive.Path, Op: fmt.Sprintf("count message %d", count), Err: err}
		}
		count++
	}

	m.archive.Count = count
	return count, nil
}

func (m *mboxExtractor) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, reader, err := m.open()
	if err != nil {
		return err
	}
	defer file.Close()

	emitted := 0
	idx := 0
	for ; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &ExtractionError{Path: m.archive.Path, Op: fmt.Sprintf("message %d", idx), Err: err}
		}

		data, err := io.ReadAll(msgReader)
		if err != nil {
			return &ExtractionError{Path: m.archive.Path, Op: fmt.Sprintf("message %d read", idx), Err: err}
		}

		ok, err := m.emit(ctx, out, model.RawMessage{
			Index:  idx,
			Source: m.archive.Path,
			Format: model.FormatMbox,
			Data:   data,
		})
		if err != nil {
			return err
		}
		if ok {
			emitted++
		}
	}

	if m.archive.Count < 0 {
		m.archive.Count = idx
	}
	m.opts.Logger.Info("mbox extracted", "path", m.archive.Path, "messages", idx, "emitted", emitted)
	return nil
}
