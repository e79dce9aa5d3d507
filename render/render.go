// Package render assembles one self-contained PDF per message.
package render

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhcgn/mail-to-pdf/convert"
	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/pdfdoc"
)

// RenderError reports a failed document assembly for one message.
type RenderError struct {
	MessageID string
	Op        string
	Err       error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %s: %v", e.MessageID, e.Op, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

type Options struct {
	PageSize string
	// TempDir holds intermediate page files; defaults to the system temp dir.
	TempDir string
	Logger  *slog.Logger
}

type Renderer struct {
	opts Options
}

func New(opts Options) *Renderer {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Renderer{opts: opts}
}

// Render writes msg to outPath: header and body, then every attachment's converted
// or placeholder PDF in attachment order, then nested messages the same way.
// results is keyed by attachment key; attachments without a usable result are
// listed on the body page instead.
func (r *Renderer) Render(ctx context.Context, msg *model.Message, results map[string]model.ConversionResult, outPath string) (model.Document, error) {
	doc := model.Document{
		Path:      outPath,
		MessageID: msg.ID,
		Subject:   msg.Subject,
		Timestamp: msg.OrderTime(),
		Index:     msg.Index,
	}

	work, err := os.MkdirTemp(r.opts.TempDir, "render-*")
	if err != nil {
		return doc, &RenderError{MessageID: msg.ID, Op: "temp dir", Err: err}
	}
	defer os.RemoveAll(work)

	a := &assembly{r: r, results: results, work: work}
	parts, err := a.collect(ctx, msg)
	if err != nil {
		return doc, err
	}
	if err := pdfdoc.Merge(parts, outPath); err != nil {
		return doc, &RenderError{MessageID: msg.ID, Op: "merge", Err: err}
	}

	r.opts.Logger.Debug("message rendered", "messageID", msg.ID, "parts", len(parts), "path", outPath)
	return doc, nil
}

// assembly collects the part files of one message tree.
type assembly struct {
	r       *Renderer
	results map[string]model.ConversionResult
	work    string
	bodies  int
}

func (a *assembly) collect(ctx context.Context, msg *model.Message) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &RenderError{MessageID: msg.ID, Op: "render", Err: err}
	}

	a.bodies++
	body := filepath.Join(a.work, fmt.Sprintf("body_%03d.pdf", a.bodies))
	if err := a.r.bodyPage(msg, a.results, body); err != nil {
		return nil, &RenderError{MessageID: msg.ID, Op: "body page", Err: err}
	}
	parts := []string{body}

	for _, att := range msg.Attachments {
		res, ok := a.results[att.Key]
		if !ok || !res.OK() || res.OutputPath == "" {
			continue
		}
		parts = append(parts, res.OutputPath)
	}

	for _, child := range msg.Nested {
		sub, err := a.collect(ctx, child)
		if err != nil {
			return nil, err
		}
		parts = append(parts, sub...)
	}
	return parts, nil
}

func (r *Renderer) bodyPage(msg *model.Message, results map[string]model.ConversionResult, path string) error {
	subject := msg.Subject
	if strings.TrimSpace(subject) == "" {
		subject = "(no subject)"
	}

	d := pdfdoc.New(r.opts.PageSize, subject)
	if msg.Depth > 0 {
		d.Note("Attached message")
	}
	d.Heading(subject)
	d.Field("From", msg.From.String())
	d.Field("To", joinAddresses(msg.To))
	d.Field("Cc", joinAddresses(msg.Cc))
	d.Field("Bcc", joinAddresses(msg.Bcc))
	if !msg.Sent.IsZero() {
		d.Field("Date", msg.Sent.Format("2006-01-02 15:04:05 -0700"))
	}
	if !msg.Received.IsZero() {
		d.Field("Received", msg.Received.Format("2006-01-02 15:04:05 -0700"))
	}
	d.Field("Message-ID", msg.ID)
	if len(msg.Attachments) > 0 {
		d.Field("Attachments", attachmentSummary(msg.Attachments, results))
	}
	d.Rule()

	switch {
	case strings.TrimSpace(msg.BodyText) != "":
		d.Paragraph(msg.BodyText)
	case strings.TrimSpace(msg.BodyHTML) != "":
		d.Paragraph(convert.HTMLToText(msg.BodyHTML))
	default:
		d.Note("(no message body)")
	}

	for _, att := range msg.Attachments {
		res, ok := results[att.Key]
		switch {
		case !ok:
			d.Note(fmt.Sprintf("Attachment %s was not converted.", att.Filename))
		case !res.OK():
			d.Note(fmt.Sprintf("Attachment %s could not be included (%s): %s", att.Filename, res.ErrKind, res.Cause))
		}
	}
	if missing := d.Missing(); len(missing) > 0 {
		r.opts.Logger.Warn("characters without glyph replaced", "message", msg.ID, "distinct", len(missing), "first", fmt.Sprintf("U+%04X", missing[0]))
	}
	return d.Save(path)
}

func attachmentSummary(atts []*model.Attachment, results map[string]model.ConversionResult) string {
	names := make([]string, 0, len(atts))
	for _, a := range atts {
		status := model.StatusUnconverted
		if res, ok := results[a.Key]; ok {
			status = res.Status
		}
		names = append(names, fmt.Sprintf("%s [%s]", a.Filename, status))
	}
	return strings.Join(names, ", ")
}

func joinAddresses(list []model.Address) string {
	parts := make([]string, 0, len(list))
	for _, a := range list {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// ConvertAttachments converts every attachment of msg and its nested messages into dir,
// returning exactly one result per attachment key.
func ConvertAttachments(ctx context.Context, c *convert.Converter, msg *model.Message, dir string) map[string]model.ConversionResult {
	atts := msg.AllAttachments()
	results := make(map[string]model.ConversionResult, len(atts))
	for i, att := range atts {
		out := filepath.Join(dir, fmt.Sprintf("att_%03d_%s.pdf", i, keyReplacer.Replace(att.Key)))
		results[att.Key] = c.Convert(ctx, att, out)
	}
	return results
}

var keyReplacer = strings.NewReplacer("/", "-", "\\", "-")
