package writer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/reconcile"
	"github.com/dhcgn/mail-to-pdf/render"
)

// writeEML stores one file per message, named like the rendered PDFs, with the
// file time set to the message time.
func (w *Writer) writeEML(ctx context.Context, entries []reconcile.Entry, dir string, res *Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create eml folder: %w", err)
	}

	msgs := make([]*model.Message, 0, len(entries))
	for _, e := range entries {
		if len(e.Message.Raw) == 0 {
			res.fail(e.Message, ErrNoRawMessage)
			continue
		}
		msgs = append(msgs, e.Message)
	}

	for i, name := range render.Names(msgs) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := msgs[i]
		path := filepath.Join(dir, name+".eml")
		if err := os.WriteFile(path, msg.Raw, 0o644); err != nil {
			res.fail(msg, err)
			continue
		}
		if ts := msg.OrderTime(); !ts.IsZero() {
			if err := os.Chtimes(path, ts, ts); err != nil {
				w.logger.Warn("could not set file time", "path", path, "err", err)
			}
		}
		res.Written++
	}
	return nil
}

// writeMbox appends every message to a single mbox file. The From_ line carries
// the message time so date-based readers keep chronology.
func (w *Writer) writeMbox(ctx context.Context, entries []reconcile.Entry, path string, res *Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create mbox folder: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create mbox: %w", err)
	}
	defer file.Close()

	buf := bufio.NewWriter(file)
	mw := mbox.NewWriter(buf)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := e.Message
		if len(msg.Raw) == 0 {
			res.fail(msg, ErrNoRawMessage)
			continue
		}

		ts := msg.OrderTime()
		if ts.IsZero() {
			ts = time.Unix(0, 0).UTC()
		}
		sender := msg.From.Address
		if sender == "" {
			sender = "MAILER-DAEMON"
		}

		body, err := mw.CreateMessage(sender, ts)
		if err != nil {
			return fmt.Errorf("write mbox %s: %w", path, err)
		}
		if _, err := body.Write(msg.Raw); err != nil {
			return fmt.Errorf("write mbox %s: %w", path, err)
		}
		res.Written++
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("close mbox %s: %w", path, err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("flush mbox %s: %w", path, err)
	}
	return file.Close()
}
