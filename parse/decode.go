package parse

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// DecodeText turns body bytes into UTF-8. Parts with a recognised charset arrive already decoded;
// anything else walks utf-8, windows-1252, iso-8859-1 and finally replacement characters.
func DecodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	if out, err := charmap.Windows1252.NewDecoder().Bytes(b); err == nil && !bytes.ContainsRune(out, utf8.RuneError) {
		return string(out)
	}
	if out, err := charmap.ISO8859_1.NewDecoder().Bytes(b); err == nil {
		return string(out)
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

func decodeString(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return DecodeText([]byte(s))
}
