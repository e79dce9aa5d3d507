package outlook

import (
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// skippedDestinations hold formatting tables or binary payloads, never body text.
var skippedDestinations = map[string]bool{
	"fonttbl": true, "colortbl": true, "stylesheet": true, "info": true,
	"pict": true, "object": true, "header": true, "footer": true,
	"headerl": true, "headerr": true, "headerf": true, "footerl": true,
	"footerr": true, "footerf": true, "listtable": true, "listoverridetable": true,
	"rsidtbl": true, "generator": true, "xmlnstbl": true, "themedata": true,
	"colorschememapping": true, "latentstyles": true, "datastore": true,
	"fldinst": true, "filetbl": true, "revtbl": true, "mmathPr": true,
}

var symbolWords = map[string]string{
	"par": "\n", "line": "\n", "sect": "\n", "page": "\n", "row": "\n",
	"tab": "\t", "cell": "\t",
	"emdash": "—", "endash": "–", "bullet": "•",
	"lquote": "‘", "rquote": "’", "ldblquote": "“", "rdblquote": "”",
	"emspace": " ", "enspace": " ", "qmspace": " ",
}

var codepages = map[int]*charmap.Charmap{
	437: charmap.CodePage437, 850: charmap.CodePage850, 866: charmap.CodePage866,
	874: charmap.Windows874, 1250: charmap.Windows1250, 1251: charmap.Windows1251,
	1252: charmap.Windows1252, 1253: charmap.Windows1253, 1254: charmap.Windows1254,
	1255: charmap.Windows1255, 1256: charmap.Windows1256, 1257: charmap.Windows1257,
	1258: charmap.Windows1258, 10000: charmap.Macintosh,
}

type rtfGroup struct {
	skip     bool
	suppress bool
	uc       int
}

type rtfReader struct {
	src      []byte
	pos      int
	out      strings.Builder
	stack    []rtfGroup
	cur      rtfGroup
	cp       *charmap.Charmap
	pending  int
	starNext bool
}

// RTFText returns the readable text of an RTF document. Formatting, tables of
// fonts and colors, embedded pictures and HTML tags of encapsulated HTML are
// dropped. Paragraph and line breaks become newlines.
func RTFText(src []byte) string {
	r := &rtfReader{src: src, cur: rtfGroup{uc: 1}, cp: charmap.Windows1252}
	r.run()
	return tidy(r.out.String())
}

func (r *rtfReader) run() {
	for r.pos < len(r.src) {
		c := r.src[r.pos]
		r.pos++
		switch c {
		case '{':
			r.stack = append(r.stack, r.cur)
		case '}':
			if n := len(r.stack); n > 0 {
				r.cur = r.stack[n-1]
				r.stack = r.stack[:n-1]
			}
			r.starNext = false
		case '\\':
			r.control()
		case '\r', '\n':
		default:
			r.emitByte(c)
		}
	}
}

func (r *rtfReader) control() {
	if r.pos >= len(r.src) {
		return
	}
	c := r.src[r.pos]
	if !isLetter(c) {
		r.pos++
		switch c {
		case '\'':
			if r.pos+2 <= len(r.src) {
				if v, err := strconv.ParseUint(string(r.src[r.pos:r.pos+2]), 16, 8); err == nil {
					r.emitByte(byte(v))
				}
				r.pos += 2
			}
		case '*':
			r.starNext = true
		case '\\', '{', '}':
			r.emitRune(rune(c))
		case '~':
			r.emitRune(' ')
		case '_':
			r.emitRune('-')
		case '\r', '\n':
			r.emitText("\n")
		}
		return
	}

	start := r.pos
	for r.pos < len(r.src) && isLetter(r.src[r.pos]) {
		r.pos++
	}
	word := string(r.src[start:r.pos])

	param, hasParam := 0, false
	numStart := r.pos
	if r.pos < len(r.src) && r.src[r.pos] == '-' {
		r.pos++
	}
	for r.pos < len(r.src) && r.src[r.pos] >= '0' && r.src[r.pos] <= '9' {
		r.pos++
	}
	if r.pos > numStart && r.src[r.pos-1] != '-' {
		param, _ = strconv.Atoi(string(r.src[numStart:r.pos]))
		hasParam = true
	} else {
		r.pos = numStart
	}
	if r.pos < len(r.src) && r.src[r.pos] == ' ' {
		r.pos++
	}

	star := r.starNext
	r.starNext = false
	if star || skippedDestinations[word] {
		r.cur.skip = true
		return
	}

	switch word {
	case "bin":
		if hasParam && param > 0 {
			r.pos = min(r.pos+param, len(r.src))
		}
	case "u":
		if hasParam {
			if param < 0 {
				param += 0x10000
			}
			r.emitRune(rune(param))
			r.pending = r.cur.uc
		}
	case "uc":
		if hasParam && param >= 0 {
			r.cur.uc = param
		}
	case "ansicpg":
		if cm, ok := codepages[param]; ok {
			r.cp = cm
		}
	case "htmlrtf":
		r.cur.suppress = !hasParam || param != 0
	default:
		if s, ok := symbolWords[word]; ok {
			r.emitText(s)
		}
	}
}

func (r *rtfReader) emitByte(b byte) {
	if r.pending > 0 {
		r.pending--
		return
	}
	if b < 0x80 {
		r.emitRune(rune(b))
		return
	}
	r.emitRune(r.cp.DecodeByte(b))
}

func (r *rtfReader) emitRune(c rune) {
	if r.cur.skip || r.cur.suppress {
		return
	}
	r.out.WriteRune(c)
}

func (r *rtfReader) emitText(s string) {
	if r.cur.skip || r.cur.suppress {
		return
	}
	r.out.WriteString(s)
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// tidy trims trailing blanks and collapses runs of empty lines.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
