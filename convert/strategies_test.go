package convert

import (
	"archive/zip"
	"bytes"
	"context"
	_ "embed"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/pdfdoc"
)

//go:embed test_data/sample.msg
var sampleMsg []byte

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		img.Set(x, 10, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		filename    string
		contentType string
		want        Kind
	}{
		{"a.PDF", "", KindPDF},
		{"scan.tif", "", KindImage},
		{"", "image/webp", KindImage},
		{"letter.docx", "", KindDocument},
		{"deck.odp", "", KindPresentation},
		{"budget.xlsx", "", KindSpreadsheet},
		{"readme", "text/plain", KindText},
		{"data.tsv", "", KindCSV},
		{"", "text/html", KindHTML},
		{"meeting.ics", "", KindCalendar},
		{"fwd.eml", "", KindMessage},
		{"", "message/rfc822", KindMessage},
		{"tool.exe", "application/octet-stream", KindOther},
	}
	for _, tt := range tests {
		att := &model.Attachment{Filename: tt.filename, ContentType: tt.contentType}
		assert.Equal(t, tt.want, KindOf(att), "%s %s", tt.filename, tt.contentType)
	}
}

func TestHTMLToText(t *testing.T) {
	in := `<html><head><style>p{color:red}</style><script>alert(1)</script></head>
<body><h1>Invoice</h1><p>Dear   customer,<br>please pay.</p>
<ul><li>Item one</li><li>Item two</li></ul></body></html>`

	got := HTMLToText(in)

	assert.NotContains(t, got, "alert")
	assert.NotContains(t, got, "color:red")
	assert.Contains(t, got, "Invoice")
	assert.Contains(t, got, "Dear customer,\nplease pay.")
	assert.Contains(t, got, "- Item one")
	assert.Contains(t, got, "- Item two")
	assert.NotContains(t, got, "\n\n\n")
}

func TestExtractDocumentText(t *testing.T) {
	docx := zipBytes(t, map[string]string{
		"word/document.xml": `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>First</w:t></w:r><w:r><w:tab/><w:t>line</w:t></w:r></w:p>
<w:p><w:r><w:t>Second line</w:t></w:r></w:p>
</w:body></w:document>`,
	})
	text, err := extractDocumentText(".docx", docx)
	require.NoError(t, err)
	assert.Contains(t, text, "First\tline\n")
	assert.Contains(t, text, "Second line\n")

	odt := zipBytes(t, map[string]string{
		"content.xml": `<?xml version="1.0"?>
<office:document-content xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0" xmlns:text="urn:oasis:names:tc:opendocument:xmlns:text:1.0">
<office:body><office:text><text:h>Title</text:h><text:p>Body<text:s/>text</text:p></office:text></office:body></office:document-content>`,
	})
	text, err = extractDocumentText(".odt", odt)
	require.NoError(t, err)
	assert.Contains(t, text, "Title\n")
	assert.Contains(t, text, "Body text\n")

	_, err = extractDocumentText(".doc", []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedInput)

	_, err = extractDocumentText(".docx", []byte("not a zip"))
	assert.Error(t, err)
}

func TestSpreadsheetText(t *testing.T) {
	wb := excelize.NewFile()
	require.NoError(t, wb.SetCellValue("Sheet1", "A1", "Name"))
	require.NoError(t, wb.SetCellValue("Sheet1", "B1", "Amount"))
	require.NoError(t, wb.SetCellValue("Sheet1", "A2", "Rent"))
	require.NoError(t, wb.SetCellValue("Sheet1", "B2", 950))
	buf, err := wb.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, wb.Close())

	out := filepath.Join(t.TempDir(), "sheet.pdf")
	s := NewSpreadsheetText(pdfdoc.SizeLetter)
	require.NoError(t, s.Convert(context.Background(), newAttachment("costs.xlsx", "", buf.Bytes()), out))

	pages, err := pdfdoc.PageCount(out)
	require.NoError(t, err)
	assert.Equal(t, 1, pages)

	err = s.Convert(context.Background(), newAttachment("legacy.xls", "", []byte("x")), out)
	assert.ErrorIs(t, err, ErrUnsupportedInput)
}

func TestPassthrough(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.pdf")
	doc := pdfdoc.New(pdfdoc.SizeLetter, "src")
	doc.Paragraph("already a pdf")
	require.NoError(t, doc.Save(src))
	data, err := os.ReadFile(src)
	require.NoError(t, err)

	out := filepath.Join(dir, "out.pdf")
	s := NewPassthrough()
	require.NoError(t, s.Convert(context.Background(), newAttachment("src.pdf", "application/pdf", data), out))
	copied, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, copied)

	err = s.Convert(context.Background(), newAttachment("fake.pdf", "application/pdf", []byte("hello")), out)
	assert.ErrorIs(t, err, ErrUnsupportedInput)
}

func TestMessageText(t *testing.T) {
	raw := "From: Ana <ana@example.com>\r\nTo: bo@example.com\r\nSubject: Forwarded\r\nDate: Tue, 02 Jan 2024 10:00:00 +0000\r\n\r\nSee below.\r\n"
	out := filepath.Join(t.TempDir(), "msg.pdf")

	s := NewMessageText(pdfdoc.SizeLetter)
	require.NoError(t, s.Convert(context.Background(), newAttachment("fwd.eml", "message/rfc822", []byte(raw)), out))
	assert.FileExists(t, out)

	err := s.Convert(context.Background(), newAttachment("item.msg", "", []byte("x")), out)
	assert.ErrorIs(t, err, ErrUnsupportedInput)
}

func TestMessageText_OutlookItem(t *testing.T) {
	s := NewMessageText(pdfdoc.SizeLetter)
	for _, name := range []string{"review.msg", "review.bin"} {
		t.Run(name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "item.pdf")
			require.NoError(t, s.Convert(context.Background(), newAttachment(name, "application/vnd.ms-outlook", sampleMsg), out))
			pages, err := pdfdoc.PageCount(out)
			require.NoError(t, err)
			assert.Equal(t, 1, pages)
			assert.NoError(t, pdfdoc.Validate(out))
		})
	}
}

func TestExternalStrategiesUnavailableWithoutTools(t *testing.T) {
	assert.False(t, NewOffice(Tools{}, false).Available())
	assert.False(t, NewOCR(Tools{Tesseract: "/usr/bin/tesseract"}).Available(), "ocr is opt-in")
	assert.True(t, NewOCR(Tools{OCR: true, Tesseract: "/usr/bin/tesseract"}).Available())

	tools := DetectTools(Tools{})
	assert.Greater(t, tools.SpreadsheetTimeout, tools.OfficeTimeout)
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "1.5 KiB", humanSize(1536))
	assert.Equal(t, "2.0 MiB", humanSize(2*1024*1024))
}
