package writer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/reconcile"
	"github.com/dhcgn/mail-to-pdf/state"
)

type IMAPOptions struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
}

func (o IMAPOptions) folder(dest string) string {
	if dest != "" {
		return dest
	}
	if o.TargetFolder == "" {
		return "INBOX"
	}
	return o.TargetFolder
}

// writeIMAP appends every message not yet recorded in the uploaded journal to
// the target mailbox. The connection is opened lazily on the first message.
func (w *Writer) writeIMAP(ctx context.Context, entries []reconcile.Entry, dest string, res *Result) error {
	opts := w.opts.IMAP
	if opts.Port <= 0 {
		return fmt.Errorf("imap port must be positive")
	}
	target := opts.folder(dest)
	res.Dest = target

	var (
		client  *imapclient.Client
		cleanup func()
	)
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := e.Message
		key := string(e.Fingerprint)
		if w.opts.Uploaded.AlreadyProcessed(key) {
			res.Skipped++
			continue
		}
		if len(msg.Raw) == 0 {
			res.fail(msg, ErrNoRawMessage)
			continue
		}

		if opts.DryRun {
			w.logger.Debug("dry-run upload", "messageID", msg.ID, "target", target, "fingerprint", e.Fingerprint.Short())
			res.Written++
			continue
		}

		if client == nil {
			var err error
			client, cleanup, err = w.dial(ctx, target)
			if err != nil {
				return err
			}
		}

		if err := appendMessage(client, target, msg); err != nil {
			return fmt.Errorf("upload message %s: %w", msg.ID, err)
		}
		if err := w.opts.Uploaded.MarkProcessed(state.Record{Key: key, MessageID: msg.ID, Document: target}); err != nil {
			return err
		}
		res.Written++
		w.logger.Debug("uploaded message", "messageID", msg.ID, "target", target, "fingerprint", e.Fingerprint.Short())
	}
	return nil
}

func (w *Writer) dial(ctx context.Context, target string) (*imapclient.Client, func(), error) {
	opts := w.opts.IMAP
	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)
	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if err := w.ensureMailbox(client, target); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	w.logger.Debug("imap connection established", "address", address, "user", opts.Username, "target", target, "tls", opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				w.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			w.logger.Debug("imap connection closed", "err", err)
		}
	}
	return client, cleanup, nil
}

func appendMessage(client *imapclient.Client, target string, msg *model.Message) error {
	var opts *imapv2.AppendOptions
	if ts := msg.OrderTime(); !ts.IsZero() {
		opts = &imapv2.AppendOptions{Time: ts}
	}

	cmd := client.Append(target, int64(len(msg.Raw)), opts)

	remaining := msg.Raw
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append write: %w", err)
		}
		if n == 0 {
			_ = cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}
	return nil
}

func (w *Writer) ensureMailbox(client *imapclient.Client, target string) error {
	if err := client.Create(target, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			w.logger.Debug("imap mailbox already exists", "mailbox", target)
			return nil
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}
	w.logger.Info("imap mailbox created", "mailbox", target)
	return nil
}
