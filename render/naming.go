package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/mail-to-pdf/model"
)

const (
	maxSubjectLen = 50
	noSubject     = "No_Subject"
	noTimestamp   = "00000000_000000"
)

var (
	invalidNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	separatorRun     = regexp.MustCompile(`[_\s]+`)
)

// FileName is the deterministic base name (no extension) of a message's output:
// the UTC order timestamp followed by the sanitized subject.
func FileName(msg *model.Message) string {
	prefix := noTimestamp
	if ts := msg.OrderTime(); !ts.IsZero() {
		prefix = ts.UTC().Format("20060102_150405")
	}
	return prefix + "_" + SafeSubject(msg.Subject)
}

// SafeSubject turns a subject into a filesystem-safe fragment of at most 50 runes.
func SafeSubject(subject string) string {
	s := invalidNameChars.ReplaceAllString(subject, "_")
	s = separatorRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_. ")
	if r := []rune(s); len(r) > maxSubjectLen {
		s = strings.TrimRight(string(r[:maxSubjectLen]), "_. ")
	}
	if s == "" {
		return noSubject
	}
	return s
}

// Namer hands out unique file names in call order. Not safe for concurrent use.
type Namer struct {
	used map[string]bool
}

func NewNamer() *Namer {
	return &Namer{used: make(map[string]bool)}
}

// Next returns FileName(msg), suffixed with _1, _2, ... when already taken.
func (n *Namer) Next(msg *model.Message) string {
	return n.Reserve(FileName(msg))
}

// Reserve claims base or its first free suffixed variant.
func (n *Namer) Reserve(base string) string {
	name := base
	for i := 1; n.used[strings.ToLower(name)]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	n.used[strings.ToLower(name)] = true
	return name
}

// Names assigns unique names to msgs in slice order.
func Names(msgs []*model.Message) []string {
	n := NewNamer()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = n.Next(m)
	}
	return out
}
