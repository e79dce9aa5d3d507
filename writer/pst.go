package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dhcgn/mail-to-pdf/mailapi"
	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/reconcile"
)

// PSTFolder receives every written item.
const PSTFolder = "Imported"

func (w *Writer) writePST(ctx context.Context, entries []reconcile.Entry, path string, res *Result) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pst folder: %w", err)
	}
	store, err := w.opts.MailAPI.Stores.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close pst %s: %w", path, cerr))
		}
	}()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := e.Message
		if len(msg.Raw) == 0 {
			res.fail(msg, ErrNoRawMessage)
			continue
		}
		item, err := store.NewItem(PSTFolder)
		if err != nil {
			res.fail(msg, err)
			continue
		}
		if err := writeItem(item, msg); err != nil {
			res.fail(msg, err)
			continue
		}
		res.Written++
	}
	return nil
}

// writeItem sets the message times before the first save; the store ignores
// time properties set afterwards.
func writeItem(item mailapi.Item, msg *model.Message) error {
	if item.Saved() {
		return ErrAlreadySaved
	}
	if err := item.SetMIME(msg.Raw); err != nil {
		return fmt.Errorf("set mime: %w", err)
	}

	delivery := msg.Received
	if delivery.IsZero() {
		delivery = msg.OrderTime()
	}
	submit := msg.Sent
	if submit.IsZero() {
		submit = delivery
	}
	if err := item.SetTimes(delivery, submit); err != nil {
		return fmt.Errorf("set times: %w", err)
	}
	if err := item.Save(); err != nil {
		return fmt.Errorf("save item: %w", err)
	}
	return nil
}
