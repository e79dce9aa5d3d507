package reconcile

import (
	"regexp"
	"strings"
	"time"

	"github.com/dhcgn/mail-to-pdf/filter"
	"github.com/dhcgn/mail-to-pdf/model"
)

// Predicate selects messages for Filter.
type Predicate func(*model.Message) bool

// DateRange keeps messages whose order time lies in [from, to). A zero bound is open.
// Undated messages are dropped once any bound is set.
func DateRange(from, to time.Time) Predicate {
	return func(m *model.Message) bool {
		ts := m.OrderTime()
		if from.IsZero() && to.IsZero() {
			return true
		}
		if ts.IsZero() {
			return false
		}
		if !from.IsZero() && ts.Before(from) {
			return false
		}
		if !to.IsZero() && !ts.Before(to) {
			return false
		}
		return true
	}
}

// SenderIn matches the From address case-insensitively.
func SenderIn(addresses ...string) Predicate {
	set := lowerSet(addresses)
	return func(m *model.Message) bool {
		return set[strings.ToLower(m.From.Address)]
	}
}

// SenderDomainIn matches the domain of the From address.
func SenderDomainIn(domains ...string) Predicate {
	set := lowerSet(trimAt(domains))
	return func(m *model.Message) bool {
		return set[domainOf(m.From.Address)]
	}
}

// RecipientFields selects which copy headers recipient predicates consult
// besides To.
type RecipientFields struct {
	Cc  bool
	Bcc bool
}

// AllRecipients consults To, Cc and Bcc.
var AllRecipients = RecipientFields{Cc: true, Bcc: true}

// RecipientIn matches any To address, plus Cc and Bcc as selected by fields.
func RecipientIn(fields RecipientFields, addresses ...string) Predicate {
	set := lowerSet(addresses)
	return func(m *model.Message) bool {
		for _, a := range fields.of(m) {
			if set[strings.ToLower(a.Address)] {
				return true
			}
		}
		return false
	}
}

// RecipientDomainIn matches the domain of any recipient selected by fields.
func RecipientDomainIn(fields RecipientFields, domains ...string) Predicate {
	set := lowerSet(trimAt(domains))
	return func(m *model.Message) bool {
		for _, a := range fields.of(m) {
			if set[domainOf(a.Address)] {
				return true
			}
		}
		return false
	}
}

func SubjectMatches(re *regexp.Regexp) Predicate {
	return func(m *model.Message) bool {
		return re.MatchString(m.Subject)
	}
}

// HeaderBody applies the regex include/exclude filter to the raw message,
// or to the parsed header block and text body when raw bytes are gone.
func HeaderBody(f *filter.Filter) Predicate {
	return func(m *model.Message) bool {
		if len(m.Raw) > 0 {
			return f.AllowsRaw(m.Raw)
		}
		return f.Allows([]byte(m.Headers), []byte(m.BodyText))
	}
}

func All(preds ...Predicate) Predicate {
	return func(m *model.Message) bool {
		for _, p := range preds {
			if !p(m) {
				return false
			}
		}
		return true
	}
}

func Any(preds ...Predicate) Predicate {
	return func(m *model.Message) bool {
		for _, p := range preds {
			if p(m) {
				return true
			}
		}
		return false
	}
}

func Not(p Predicate) Predicate {
	return func(m *model.Message) bool {
		return !p(m)
	}
}

func (f RecipientFields) of(m *model.Message) []model.Address {
	out := make([]model.Address, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	if f.Cc {
		out = append(out, m.Cc...)
	}
	if f.Bcc {
		out = append(out, m.Bcc...)
	}
	return out
}

func domainOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}

func trimAt(domains []string) []string {
	out := make([]string, len(domains))
	for i, d := range domains {
		out[i] = strings.TrimPrefix(strings.TrimSpace(d), "@")
	}
	return out
}

func lowerSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			set[v] = true
		}
	}
	return set
}
