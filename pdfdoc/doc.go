// Package pdfdoc holds the PDF primitives shared by the converter, renderer and combiner.
package pdfdoc

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-pdf/fpdf"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/sfnt"
	_ "golang.org/x/image/tiff"
)

// Page sizes accepted by New.
const (
	SizeLetter = "Letter"
	SizeA4     = "A4"
)

// Embedded UTF-8 font families.
const (
	fontSans = "gosans"
	fontMono = "gomono"
)

// Replacement is drawn in place of a rune the embedded fonts have no glyph for.
const Replacement = '?'

var (
	coverageOnce sync.Once
	coverage     []*sfnt.Font
	coverageErr  error
)

// covered reports whether every embedded font has a glyph for r.
func covered(r rune) bool {
	coverageOnce.Do(func() {
		for _, ttf := range [][]byte{goregular.TTF, gomono.TTF} {
			f, err := sfnt.Parse(ttf)
			if err != nil {
				coverageErr = err
				return
			}
			coverage = append(coverage, f)
		}
	})
	if coverageErr != nil {
		return r < 0x80
	}
	var buf sfnt.Buffer
	for _, f := range coverage {
		idx, err := f.GlyphIndex(&buf, r)
		if err != nil || idx == 0 {
			return false
		}
	}
	return true
}

// epoch is stamped as creation and modification date of every generated document.
var epoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Doc is a single synthesized PDF built from text blocks, images and embedded files.
type Doc struct {
	f      *fpdf.Fpdf
	width   float64
	images  int
	missing map[rune]int
}

// New starts a portrait document with one page.
func New(size, title string) *Doc {
	if size != SizeA4 {
		size = SizeLetter
	}
	f := fpdf.New("P", "mm", size, "")
	f.SetCreationDate(epoch)
	f.SetModificationDate(epoch)
	f.SetCatalogSort(true)
	f.SetMargins(18, 18, 18)
	f.SetAutoPageBreak(true, 18)
	f.SetTitle(title, true)
	f.SetCreator("mail-to-pdf", true)
	f.AddUTF8FontFromBytes(fontSans, "", goregular.TTF)
	f.AddUTF8FontFromBytes(fontSans, "B", gobold.TTF)
	f.AddUTF8FontFromBytes(fontSans, "I", goitalic.TTF)
	f.AddUTF8FontFromBytes(fontMono, "", gomono.TTF)
	f.AddPage()

	pageW, _ := f.GetPageSize()
	left, _, right, _ := f.GetMargins()

	return &Doc{
		f:       f,
		width:   pageW - left - right,
		missing: make(map[rune]int),
	}
}

// Heading writes a bold title line.
func (d *Doc) Heading(text string) {
	d.f.SetFont(fontSans, "B", 14)
	d.f.MultiCell(0, 7, d.text(text), "", "L", false)
	d.f.Ln(2)
}

// Field writes a "label: value" header row.
func (d *Doc) Field(label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	d.f.SetFont(fontSans, "B", 10)
	labelW := 24.0
	d.f.CellFormat(labelW, 5, d.text(label+":"), "", 0, "L", false, 0, "")
	d.f.SetFont(fontSans, "", 10)
	d.f.MultiCell(d.width-labelW, 5, d.text(value), "", "L", false)
}

// Rule draws a horizontal separator.
func (d *Doc) Rule() {
	d.f.Ln(2)
	left, _, _, _ := d.f.GetMargins()
	y := d.f.GetY()
	d.f.SetDrawColor(160, 160, 160)
	d.f.Line(left, y, left+d.width, y)
	d.f.Ln(4)
}

// Paragraph writes wrapped proportional text.
func (d *Doc) Paragraph(text string) {
	d.f.SetFont(fontSans, "", 10)
	d.f.MultiCell(0, 5, d.text(normalizeText(text)), "", "L", false)
	d.f.Ln(2)
}

// Mono writes wrapped fixed-width text, used for plain-text and tabular attachments.
func (d *Doc) Mono(text string) {
	d.f.SetFont(fontMono, "", 8)
	d.f.MultiCell(0, 4, d.text(normalizeText(text)), "", "L", false)
}

// Note writes a short italic line.
func (d *Doc) Note(text string) {
	d.f.SetFont(fontSans, "I", 9)
	d.f.SetTextColor(90, 90, 90)
	d.f.MultiCell(0, 5, d.text(text), "", "L", false)
	d.f.SetTextColor(0, 0, 0)
}

// Image places a picture scaled to the text width, on a new page when it does not fit.
// JPEG, PNG and GIF are embedded as is; BMP and TIFF are re-encoded to PNG first.
func (d *Doc) Image(data []byte, format string) error {
	imageType := strings.ToUpper(format)
	switch imageType {
	case "JPG", "JPEG", "PNG", "GIF":
	case "BMP", "TIFF", "TIF":
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("decode %s: %w", format, err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return fmt.Errorf("encode png: %w", err)
		}
		data, imageType = buf.Bytes(), "PNG"
	default:
		return fmt.Errorf("unsupported image type %q", format)
	}

	d.images++
	name := fmt.Sprintf("img%d", d.images)
	info := d.f.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: imageType, ReadDpi: true}, bytes.NewReader(data))
	if err := d.f.Error(); err != nil {
		return fmt.Errorf("register image: %w", err)
	}

	w, h := info.Extent()
	if w > d.width {
		h = h * d.width / w
		w = d.width
	}
	_, pageH := d.f.GetPageSize()
	_, top, _, bottom := d.f.GetMargins()
	maxH := pageH - top - bottom
	if h > maxH {
		w = w * maxH / h
		h = maxH
	}
	if d.f.GetY()+h > pageH-bottom {
		d.f.AddPage()
	}
	d.f.ImageOptions(name, -1, -1, w, h, true, fpdf.ImageOptions{ImageType: imageType}, 0, "")
	return d.f.Error()
}

// Attach embeds a file as a page-level attachment annotation behind a visible label.
func (d *Doc) Attach(filename string, content []byte, description string) {
	a := &fpdf.Attachment{Content: content, Filename: filename, Description: description}
	label := d.text("Embedded original: " + filename)

	d.f.SetFont(fontSans, "U", 10)
	d.f.SetTextColor(0, 0, 160)
	w := d.f.GetStringWidth(label) + 2
	if w > d.width {
		w = d.width
	}
	x, y := d.f.GetX(), d.f.GetY()
	d.f.CellFormat(w, 6, label, "", 1, "L", false, 0, "")
	d.f.AddAttachmentAnnotation(a, x, y, w, 6)
	d.f.SetTextColor(0, 0, 0)
}

// text prepares s for drawing: runes without a glyph become Replacement and are
// counted, other control characters become spaces.
func (d *Doc) text(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteRune(r)
		case unicode.IsControl(r):
			b.WriteByte(' ')
		case !covered(r):
			d.missing[r]++
			b.WriteRune(Replacement)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Missing lists the runes that could not be drawn so far, in code point order.
func (d *Doc) Missing() []rune {
	out := make([]rune, 0, len(d.missing))
	for r := range d.missing {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// noteMissing appends a line naming the code points drawn as Replacement.
func (d *Doc) noteMissing() {
	runes := d.Missing()
	if len(runes) == 0 {
		return
	}
	codes := make([]string, 0, len(runes))
	for i, r := range runes {
		if i == 20 {
			codes = append(codes, fmt.Sprintf("and %d more", len(runes)-i))
			break
		}
		codes = append(codes, fmt.Sprintf("U+%04X", r))
	}
	d.Rule()
	d.Note(fmt.Sprintf("%d character(s) shown as %q have no glyph in the embedded font: %s",
		len(runes), Replacement, strings.Join(codes, ", ")))
}

// Save writes the document and reports any error accumulated while building it.
func (d *Doc) Save(path string) error {
	d.noteMissing()
	if err := d.f.Error(); err != nil {
		return fmt.Errorf("build pdf: %w", err)
	}
	if err := d.f.OutputFileAndClose(path); err != nil {
		return fmt.Errorf("write pdf %s: %w", path, err)
	}
	return nil
}

// Err exposes the first build error, if any.
func (d *Doc) Err() error {
	return d.f.Error()
}

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\t", "    ")
}
