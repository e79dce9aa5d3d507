package reconcile

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-to-pdf/filter"
	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/parse"
)

const rawInvoice = "From: Billing <billing@acme.example>\r\n" +
	"To: me@home.example\r\n" +
	"Subject: Invoice  March\r\n" +
	"Date: Fri, 01 Mar 2024 09:30:00 +0100\r\n" +
	"Message-ID: <inv-3@acme.example>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Amount due: 120 EUR\r\n"

func parseRaw(t *testing.T, source, raw string) *model.Message {
	t.Helper()
	m, err := parse.New(parse.Options{}).Parse(model.RawMessage{Source: source, Data: []byte(raw)})
	require.NoError(t, err)
	return m
}

func msg(id, from, subject string, day int, body string) *model.Message {
	return &model.Message{
		ID:       id,
		From:     model.Address{Address: from},
		To:       []model.Address{{Address: "team@corp.example"}},
		Subject:  subject,
		Sent:     time.Date(2024, 1, day, 10, 0, 0, 0, time.UTC),
		BodyText: body,
	}
}

func TestFingerprint_StableAcrossReparse(t *testing.T) {
	a := ComputeFingerprint(parseRaw(t, "a.mbox", rawInvoice))
	b := ComputeFingerprint(parseRaw(t, "b.mbox", rawInvoice))
	assert.Equal(t, a, b)
	assert.Len(t, string(a), 64)

	changed := strings.Replace(rawInvoice, "120 EUR", "121 EUR", 1)
	assert.NotEqual(t, a, ComputeFingerprint(parseRaw(t, "a.mbox", changed)))
}

func TestFingerprint_IgnoresTransportDifferences(t *testing.T) {
	base := parseRaw(t, "a", rawInvoice)

	relayed := "Received: from mx.example by mx2.example; Fri, 01 Mar 2024 09:31:00 +0100\r\n" +
		strings.Replace(rawInvoice, "<inv-3@acme.example>", "<other@relay.example>", 1)
	crlfFree := strings.ReplaceAll(rawInvoice, "\r\n", "\n")

	assert.Equal(t, ComputeFingerprint(base), ComputeFingerprint(parseRaw(t, "b", relayed)))
	assert.Equal(t, ComputeFingerprint(base), ComputeFingerprint(parseRaw(t, "c", crlfFree)))
}

func TestFingerprint_AttachmentContentCounts(t *testing.T) {
	m1 := msg("1", "a@x.example", "s", 1, "b")
	m1.Attachments = []*model.Attachment{{Key: "0", Filename: "a.txt", Data: []byte("one")}}
	m2 := msg("1", "a@x.example", "s", 1, "b")
	m2.Attachments = []*model.Attachment{{Key: "0", Filename: "a.txt", Data: []byte("two")}}

	assert.NotEqual(t, ComputeFingerprint(m1), ComputeFingerprint(m2))
}

func TestFromMessages(t *testing.T) {
	a := msg("a1", "x@corp.example", "Hello", 1, "body")
	dup := msg("a2", "X@corp.example", "Hello", 1, "body")
	other := msg("a3", "y@corp.example", "Other", 2, "body")

	s, err := FromMessages("inbox.mbox", []*model.Message{a, dup, other})
	require.NoError(t, err)

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1, s.DuplicateCount())
	e, ok := s.Get(ComputeFingerprint(a))
	require.True(t, ok)
	assert.Equal(t, "a1", e.Message.ID)
	assert.Equal(t, []Provenance{{Source: "inbox.mbox", MessageID: "a2"}}, e.Duplicates)

	_, err = FromMessages("bad", []*model.Message{a, nil})
	var rerr *ReconciliationError
	require.True(t, errors.As(err, &rerr))
	assert.ErrorIs(t, err, ErrNilMessage)
}

// Two archives holding the same message merge into one entry listing both sources.
func TestMerge_SameMessageInTwoArchives(t *testing.T) {
	sa, err := FromMessages("a.mbox", []*model.Message{parseRaw(t, "a.mbox", rawInvoice)})
	require.NoError(t, err)
	sb, err := FromMessages("b.mbox", []*model.Message{parseRaw(t, "b.mbox", rawInvoice)})
	require.NoError(t, err)

	merged, err := Merge(MergeOptions{}, sa, sb)
	require.NoError(t, err)

	require.Equal(t, 1, merged.Len())
	e := merged.Entries()[0]
	assert.Equal(t, []string{"a.mbox", "b.mbox"}, e.Sources)
	assert.Equal(t, "a.mbox", e.Source)
	assert.Equal(t, []Provenance{{Source: "b.mbox", MessageID: "inv-3@acme.example"}}, e.Duplicates)
}

func TestMerge_PriorityPicksCanonical(t *testing.T) {
	m := msg("x", "a@corp.example", "Report", 3, "same")
	mb := msg("y", "a@corp.example", "Report", 3, "same")
	sa, _ := FromMessages("archive-a", []*model.Message{m})
	sb, _ := FromMessages("archive-b", []*model.Message{mb})

	merged, err := Merge(MergeOptions{Priority: []string{"archive-b"}}, sa, sb)
	require.NoError(t, err)

	e := merged.Entries()[0]
	assert.Equal(t, "archive-b", e.Source)
	assert.Equal(t, "y", e.Message.ID)
	assert.Equal(t, []string{"archive-a", "archive-b"}, e.Sources)
	assert.Equal(t, []Provenance{{Source: "archive-a", MessageID: "x"}}, e.Duplicates)
}

func TestMerge_Idempotent(t *testing.T) {
	shared := msg("s1", "a@corp.example", "Shared", 1, "shared")
	sa, _ := FromMessages("A", []*model.Message{shared, msg("a1", "a@corp.example", "Only A", 2, "x")})
	sb, _ := FromMessages("B", []*model.Message{
		msg("s2", "a@corp.example", "Shared", 1, "shared"),
		msg("b1", "b@corp.example", "Only B", 4, "y"),
		msg("b2", "b@corp.example", "Only B", 4, "y"),
	})

	for _, opts := range []MergeOptions{{}, {Priority: []string{"B", "A"}}} {
		once, err := Merge(opts, sa, sb)
		require.NoError(t, err)
		twice, err := Merge(opts, once, sb)
		require.NoError(t, err)

		assert.Equal(t, 3, once.Len())
		assert.True(t, Equal(once, twice), "priority %v", opts.Priority)
	}

	// Inputs are untouched.
	assert.Equal(t, 2, sa.Len())
	assert.Equal(t, 0, sa.DuplicateCount())
	assert.Equal(t, 2, sb.Len())
	assert.Equal(t, 1, sb.DuplicateCount())
}

func TestMerge_NilSet(t *testing.T) {
	sa, _ := FromMessages("A", nil)
	_, err := Merge(MergeOptions{}, sa, nil)
	assert.ErrorIs(t, err, ErrNilSet)
}

func TestDiff(t *testing.T) {
	shared := msg("s", "a@corp.example", "Shared", 1, "shared")
	sa, _ := FromMessages("A", []*model.Message{shared, msg("a", "a@corp.example", "Only A", 2, "x")})
	sb, _ := FromMessages("B", []*model.Message{msg("s-b", "a@corp.example", "Shared", 1, "shared"), msg("b", "b@corp.example", "Only B", 3, "y")})

	onlyA, onlyB, both, err := Diff(sa, sb)
	require.NoError(t, err)

	assert.Equal(t, 1, onlyA.Len())
	assert.Equal(t, "a", onlyA.Messages()[0].ID)
	assert.Equal(t, 1, onlyB.Len())
	assert.Equal(t, "b", onlyB.Messages()[0].ID)
	require.Equal(t, 1, both.Len())
	assert.Equal(t, []string{"A", "B"}, both.Entries()[0].Sources)

	_, _, _, err = Diff(sa, nil)
	assert.ErrorIs(t, err, ErrNilSet)
}

func TestFilter_Predicates(t *testing.T) {
	m1 := msg("1", "alice@corp.example", "Budget 2024", 1, "numbers")
	m2 := msg("2", "bob@vendor.example", "Offer", 5, "prices")
	m2.Cc = []model.Address{{Address: "legal@corp.example"}}
	m3 := msg("3", "carol@corp.example", "Lunch", 10, "food")
	m3.To = []model.Address{{Address: "dave@other.example"}}
	undated := &model.Message{ID: "4", From: model.Address{Address: "eve@corp.example"}, Subject: "No date"}
	s, err := FromMessages("A", []*model.Message{m1, m2, m3, undated})
	require.NoError(t, err)

	ids := func(p Predicate) []string {
		out, err := Filter(s, p)
		require.NoError(t, err)
		var got []string
		for _, m := range out.Messages() {
			got = append(got, m.ID)
		}
		return got
	}

	jan := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	assert.Equal(t, []string{"1", "2"}, ids(DateRange(jan(1), jan(6))))
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(DateRange(time.Time{}, time.Time{})))
	assert.Equal(t, []string{"3"}, ids(DateRange(jan(6), time.Time{})))
	assert.Equal(t, []string{"2"}, ids(SenderIn("BOB@vendor.example")))
	assert.Equal(t, []string{"1", "3", "4"}, ids(SenderDomainIn("@corp.example")))
	assert.Equal(t, []string{"2"}, ids(RecipientIn(AllRecipients, "legal@corp.example")))
	assert.Equal(t, []string{"3"}, ids(RecipientDomainIn(AllRecipients, "other.example")))
	assert.Equal(t, []string{"1"}, ids(SubjectMatches(regexp.MustCompile(`(?i)budget`))))
	assert.Equal(t, []string{"3"}, ids(All(SenderDomainIn("corp.example"), Not(SubjectMatches(regexp.MustCompile("Budget|No date"))))))
	assert.Equal(t, []string{"1", "2"}, ids(Any(SenderIn("alice@corp.example"), SenderIn("bob@vendor.example"))))

	assert.Equal(t, 4, s.Len(), "source set unchanged")

	_, err = Filter(nil, All())
	assert.ErrorIs(t, err, ErrNilSet)
}

func TestFilter_HeaderBody(t *testing.T) {
	f, err := filter.New(filter.Options{ExcludeBody: []string{`120 EUR`}})
	require.NoError(t, err)

	keep := parseRaw(t, "a", strings.Replace(rawInvoice, "120 EUR", "0 EUR", 1))
	drop := parseRaw(t, "a", rawInvoice)
	s, err := FromMessages("a", []*model.Message{keep, drop})
	require.NoError(t, err)

	out, err := Filter(s, HeaderBody(f))
	require.NoError(t, err)
	require.Equal(t, 1, out.Len())
	assert.Equal(t, ComputeFingerprint(keep), out.Entries()[0].Fingerprint)
}

func TestHeaderBody_WithoutRawBytes(t *testing.T) {
	f, err := filter.New(filter.Options{IncludeHeader: []string{`(?m)^X-Mailer: Outlook`}, IncludeBody: []string{`approved`}})
	require.NoError(t, err)

	tests := []struct {
		name    string
		headers string
		body    string
		want    bool
	}{
		{name: "header match", headers: "X-Mailer: Outlook 16.0\r\nSubject: x", want: true},
		{name: "body match", headers: "Subject: x", body: "budget approved", want: true},
		{name: "header text in body does not count", headers: "Subject: x", body: "X-Mailer: Outlook", want: false},
	}
	pred := HeaderBody(f)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := msg("1", "a@corp.example", "x", 1, tt.body)
			m.Headers = tt.headers
			assert.Equal(t, tt.want, pred(m))
		})
	}
	assert.Equal(t, len(tests), f.Stats().Checked)
}

func TestRecipientFields(t *testing.T) {
	m := msg("1", "alice@corp.example", "Board", 1, "")
	m.To = []model.Address{{Address: "board@corp.example"}}
	m.Cc = []model.Address{{Address: "cc@audit.example"}}
	m.Bcc = []model.Address{{Address: "Archive@Vault.example"}}

	tests := []struct {
		name    string
		fields  RecipientFields
		address string
		domain  string
		want    bool
	}{
		{"to always", RecipientFields{}, "board@corp.example", "corp.example", true},
		{"cc excluded", RecipientFields{Bcc: true}, "cc@audit.example", "audit.example", false},
		{"cc included", RecipientFields{Cc: true}, "cc@audit.example", "audit.example", true},
		{"bcc excluded", RecipientFields{Cc: true}, "archive@vault.example", "vault.example", false},
		{"bcc included", AllRecipients, "archive@vault.example", "vault.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RecipientIn(tt.fields, tt.address)(m))
			assert.Equal(t, tt.want, RecipientDomainIn(tt.fields, tt.domain)(m))
		})
	}
}
