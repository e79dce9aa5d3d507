package convert

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// documentParts maps a document extension to the zip member holding its text
// and the element names that end a line.
var documentParts = map[string]struct {
	member string
	lineEl map[string]bool
	textEl string
}{
	".docx": {member: "word/document.xml", lineEl: map[string]bool{"p": true, "br": true, "cr": true}, textEl: "t"},
	".docm": {member: "word/document.xml", lineEl: map[string]bool{"p": true, "br": true, "cr": true}, textEl: "t"},
	".odt":  {member: "content.xml", lineEl: map[string]bool{"p": true, "h": true, "line-break": true}},
}

func extractDocumentText(ext string, data []byte) (string, error) {
	part, ok := documentParts[ext]
	if !ok {
		return "", fmt.Errorf("%w: no text reader for %s", ErrUnsupportedInput, ext)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open %s container: %w", ext, err)
	}
	f, err := zr.Open(part.member)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", part.member, err)
	}
	defer f.Close()

	var b strings.Builder
	dec := xml.NewDecoder(f)
	inText := part.textEl == ""
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", part.member, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == part.textEl:
				inText = true
			case t.Name.Local == "tab":
				b.WriteByte('\t')
			case t.Name.Local == "s":
				b.WriteByte(' ')
			}
		case xml.EndElement:
			if part.textEl != "" && t.Name.Local == part.textEl {
				inText = false
			}
			if part.lineEl[t.Name.Local] {
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}
