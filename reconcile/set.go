package reconcile

import (
	"errors"
	"fmt"

	"github.com/dhcgn/mail-to-pdf/model"
)

var (
	ErrNilSet     = errors.New("nil set")
	ErrNilMessage = errors.New("nil message")
)

// ReconciliationError rejects one malformed input; other inputs are unaffected.
type ReconciliationError struct {
	Op  string
	Err error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s: %v", e.Op, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// Provenance names one copy of a message.
type Provenance struct {
	Source    string `yaml:"source"`
	MessageID string `yaml:"message_id"`
}

// Entry is the surviving message for one fingerprint.
type Entry struct {
	Fingerprint Fingerprint
	Message     *model.Message
	// Source holds the canonical copy.
	Source string
	// Sources lists every archive containing the message, in first-seen order.
	Sources []string
	// Duplicates lists the non-canonical copies.
	Duplicates []Provenance
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Sources = append([]string(nil), e.Sources...)
	c.Duplicates = append([]Provenance(nil), e.Duplicates...)
	return &c
}

func (e *Entry) addSource(src string) {
	for _, s := range e.Sources {
		if s == src {
			return
		}
	}
	e.Sources = append(e.Sources, src)
}

func (e *Entry) addDuplicate(p Provenance) {
	if p.Source == e.Source && p.MessageID == e.Message.ID {
		return
	}
	for _, d := range e.Duplicates {
		if d == p {
			return
		}
	}
	e.Duplicates = append(e.Duplicates, p)
}

// Set is an immutable fingerprint-keyed collection. Operations return new sets.
type Set struct {
	order   []Fingerprint
	entries map[Fingerprint]*Entry
}

func newSet() *Set {
	return &Set{entries: make(map[Fingerprint]*Entry)}
}

func (s *Set) put(e *Entry) {
	if _, ok := s.entries[e.Fingerprint]; !ok {
		s.order = append(s.order, e.Fingerprint)
	}
	s.entries[e.Fingerprint] = e
}

// FromMessages builds a set from one archive. Later copies of a fingerprint
// are recorded as duplicates of the first.
func FromMessages(source string, msgs []*model.Message) (*Set, error) {
	s := newSet()
	for i, m := range msgs {
		if m == nil {
			return nil, &ReconciliationError{Op: "build", Err: fmt.Errorf("%s message %d: %w", source, i, ErrNilMessage)}
		}
		fp := ComputeFingerprint(m)
		if e, ok := s.entries[fp]; ok {
			e.addDuplicate(Provenance{Source: source, MessageID: m.ID})
			continue
		}
		s.put(&Entry{Fingerprint: fp, Message: m, Source: source, Sources: []string{source}})
	}
	return s, nil
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

func (s *Set) Has(fp Fingerprint) bool {
	_, ok := s.entries[fp]
	return ok
}

// Get returns a copy of the entry for fp.
func (s *Set) Get(fp Fingerprint) (Entry, bool) {
	e, ok := s.entries[fp]
	if !ok {
		return Entry{}, false
	}
	return *e.clone(), true
}

// Entries returns copies of all entries in insertion order.
func (s *Set) Entries() []Entry {
	out := make([]Entry, 0, len(s.order))
	for _, fp := range s.order {
		out = append(out, *s.entries[fp].clone())
	}
	return out
}

// Messages returns the canonical messages in insertion order.
func (s *Set) Messages() []*model.Message {
	out := make([]*model.Message, 0, len(s.order))
	for _, fp := range s.order {
		out = append(out, s.entries[fp].Message)
	}
	return out
}

// DuplicateCount is the number of non-canonical copies across all entries.
func (s *Set) DuplicateCount() int {
	n := 0
	for _, e := range s.entries {
		n += len(e.Duplicates)
	}
	return n
}

// Equal reports whether a and b hold the same fingerprints with the same
// canonical message, sources and duplicates.
func Equal(a, b *Set) bool {
	if a.Len() != b.Len() {
		return false
	}
	for fp, ea := range a.entries {
		eb, ok := b.entries[fp]
		if !ok {
			return false
		}
		if ea.Source != eb.Source || ea.Message.ID != eb.Message.ID {
			return false
		}
		if !sameStrings(ea.Sources, eb.Sources) || !sameProvenance(ea.Duplicates, eb.Duplicates) {
			return false
		}
	}
	return true
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameProvenance(a, b []Provenance) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[Provenance]bool, len(a))
	for _, p := range a {
		seen[p] = true
	}
	for _, p := range b {
		if !seen[p] {
			return false
		}
	}
	return true
}
