package convert

import (
	"context"
	"fmt"

	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/pdfdoc"
)

// PlaceholderName is the strategy name recorded for embedded originals.
const PlaceholderName = "placeholder"

type placeholder struct {
	pageSize string
}

// NewPlaceholder returns the last-resort strategy: a single page describing the
// attachment with the original file embedded.
func NewPlaceholder(pageSize string) Strategy {
	return &placeholder{pageSize: pageSize}
}

func (p *placeholder) Name() string    { return PlaceholderName }
func (p *placeholder) Available() bool { return true }
func (p *placeholder) Exclusive() bool { return false }

func (p *placeholder) Convert(ctx context.Context, att *model.Attachment, outPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := pdfdoc.New(p.pageSize, att.Filename)
	doc.Heading("Attachment: " + att.Filename)
	doc.Field("Type", att.ContentType)
	doc.Field("Size", humanSize(len(att.Data)))
	doc.Rule()
	doc.Note("This attachment could not be rendered. The original file is embedded below.")
	doc.Attach(att.Filename, att.Data, fmt.Sprintf("Original attachment %s", att.Filename))
	return doc.Save(outPath)
}

func humanSize(n int) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := unit, 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
