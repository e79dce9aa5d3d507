package convert

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// breakMark stands in for a line break while the document is flattened to text.
const breakMark = "\uE000"

var (
	sanitizer    = bluemonday.UGCPolicy()
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText sanitizes an HTML body and flattens it to readable plain text,
// keeping paragraph and list structure.
func HTMLToText(body string) string {
	clean := sanitizer.Sanitize(body)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(clean))
	if err != nil {
		return strings.TrimSpace(clean)
	}

	doc.Find("br").ReplaceWithHtml(breakMark)
	doc.Find("li").PrependHtml("- ")
	doc.Find("td, th").AppendHtml(" ")
	doc.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6, blockquote, pre, table, ul, ol, hr").
		Each(func(_ int, s *goquery.Selection) {
			s.AppendHtml(breakMark)
		})

	text := strings.Join(strings.Fields(doc.Text()), " ")
	text = strings.ReplaceAll(text, breakMark, "\n")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text = strings.Join(lines, "\n")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
