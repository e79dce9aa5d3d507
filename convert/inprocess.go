package convert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/outlook"
	"github.com/dhcgn/mail-to-pdf/parse"
	"github.com/dhcgn/mail-to-pdf/pdfdoc"
)

// inProcess is embedded by strategies that need no external tool.
type inProcess struct {
	name     string
	pageSize string
}

func (s inProcess) Name() string    { return s.name }
func (s inProcess) Available() bool { return true }
func (s inProcess) Exclusive() bool { return false }

// passthrough copies attachments that already are valid PDFs.
type passthrough struct{ inProcess }

func NewPassthrough() Strategy {
	return &passthrough{inProcess{name: "pdf-passthrough"}}
}

func (s *passthrough) Convert(ctx context.Context, att *model.Attachment, outPath string) error {
	if !bytes.HasPrefix(bytes.TrimLeft(att.Data, "\x00\r\n\t "), []byte("%PDF-")) {
		return fmt.Errorf("%w: missing PDF signature", ErrUnsupportedInput)
	}
	if err := os.WriteFile(outPath, att.Data, 0o644); err != nil {
		return err
	}
	if _, err := pdfdoc.PageCount(outPath); err != nil {
		return err
	}
	return pdfdoc.Validate(outPath)
}

// imagePage places a decodable image on its own page.
type imagePage struct{ inProcess }

func NewImagePage(pageSize string) Strategy {
	return &imagePage{inProcess{name: "image-page", pageSize: pageSize}}
}

func (s *imagePage) Convert(ctx context.Context, att *model.Attachment, outPath string) error {
	format := strings.TrimPrefix(att.Ext(), ".")
	doc := pdfdoc.New(s.pageSize, att.Filename)
	doc.Note(att.Filename)
	if err := doc.Image(att.Data, format); err != nil {
		return err
	}
	return doc.Save(outPath)
}

// textPage renders decoded text in a fixed-width font. Used for plain text, CSV and calendar files.
type textPage struct{ inProcess }

func NewTextPage(pageSize string) Strategy {
	return &textPage{inProcess{name: "text-page", pageSize: pageSize}}
}

func (s *textPage) Convert(ctx context.Context, att *model.Attachment, outPath string) error {
	if bytes.IndexByte(att.Data, 0) >= 0 {
		return fmt.Errorf("%w: binary content", ErrUnsupportedInput)
	}
	return writeTextDoc(s.pageSize, att.Filename, parse.DecodeText(att.Data), true, outPath)
}

// htmlText flattens an HTML attachment to text.
type htmlText struct{ inProcess }

func NewHTMLText(pageSize string) Strategy {
	return &htmlText{inProcess{name: "html-text", pageSize: pageSize}}
}

func (s *htmlText) Convert(ctx context.Context, att *model.Attachment, outPath string) error {
	return writeTextDoc(s.pageSize, att.Filename, HTMLToText(parse.DecodeText(att.Data)), false, outPath)
}

// spreadsheetText lays out every sheet of an OOXML workbook as tab-aligned rows.
type spreadsheetText struct{ inProcess }

func NewSpreadsheetText(pageSize string) Strategy {
	return &spreadsheetText{inProcess{name: "xlsx-text", pageSize: pageSize}}
}

func (s *spreadsheetText) Convert(ctx context.Context, att *model.Attachment, outPath string) error {
	switch att.Ext() {
	case ".xlsx", ".xlsm":
	default:
		return fmt.Errorf("%w: %s is not an OOXML workbook", ErrUnsupportedInput, att.Ext())
	}

	wb, err := excelize.OpenReader(bytes.NewReader(att.Data))
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	defer wb.Close()

	var b strings.Builder
	for _, sheet := range wb.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := wb.GetRows(sheet)
		if err != nil {
			return fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		fmt.Fprintf(&b, "== %s ==\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return writeTextDoc(s.pageSize, att.Filename, b.String(), true, outPath)
}

// documentText extracts the running text of DOCX and ODT files.
type documentText struct{ inProcess }

func NewDocumentText(pageSize string) Strategy {
	return &documentText{inProcess{name: "document-text", pageSize: pageSize}}
}

func (s *documentText) Convert(ctx context.Context, att *model.Attachment, outPath string) error {
	text, err := extractDocumentText(att.Ext(), att.Data)
	if err != nil {
		return err
	}
	return writeTextDoc(s.pageSize, att.Filename, text, false, outPath)
}

// messageText renders an attached message's headers and body.
type messageText struct {
	inProcess
	parser *parse.Parser
}

func NewMessageText(pageSize string) Strategy {
	return &messageText{
		inProcess: inProcess{name: "message-text", pageSize: pageSize},
		parser:    parse.New(parse.Options{}),
	}
}

func (s *messageText) Convert(ctx context.Context, att *model.Attachment, outPath string) error {
	data := att.Data
	var omitted []string
	if att.Ext() == ".msg" || outlook.IsMsg(att.Data) {
		item, err := outlook.ReadMsg(bytes.NewReader(att.Data))
		if err != nil {
			return fmt.Errorf("%w: outlook item: %v", ErrUnsupportedInput, err)
		}
		if data, err = item.MIME(); err != nil {
			return fmt.Errorf("outlook item: %w", err)
		}
		omitted = item.Omitted()
	}
	msg, err := s.parser.Parse(model.RawMessage{Source: att.Filename, Data: data})
	if err != nil {
		return err
	}

	doc := pdfdoc.New(s.pageSize, msg.Subject)
	doc.Heading(msg.Subject)
	doc.Field("From", msg.From.String())
	doc.Field("To", joinAddresses(msg.To))
	doc.Field("Cc", joinAddresses(msg.Cc))
	if !msg.Sent.IsZero() {
		doc.Field("Date", msg.Sent.Format("2006-01-02 15:04:05 -0700"))
	}
	doc.Rule()
	body := msg.BodyText
	if strings.TrimSpace(body) == "" && msg.BodyHTML != "" {
		body = HTMLToText(msg.BodyHTML)
	}
	doc.Paragraph(body)
	for _, a := range msg.Attachments {
		doc.Note("Attachment: " + a.Filename)
	}
	for _, name := range omitted {
		doc.Note("Embedded item not shown: " + name)
	}
	return doc.Save(outPath)
}

func writeTextDoc(pageSize, title, text string, mono bool, outPath string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: no text content", ErrUnsupportedInput)
	}
	doc := pdfdoc.New(pageSize, title)
	doc.Note(title)
	doc.Rule()
	if mono {
		doc.Mono(text)
	} else {
		doc.Paragraph(text)
	}
	return doc.Save(outPath)
}

func joinAddresses(list []model.Address) string {
	parts := make([]string, 0, len(list))
	for _, a := range list {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}
