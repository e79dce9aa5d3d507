// Package reconcile compares, merges, deduplicates and filters message sets
// keyed by content fingerprint.
package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/dhcgn/mail-to-pdf/model"
)

// Fingerprint is the hex SHA-256 content identity of a message.
type Fingerprint string

// Short returns the first 12 hex digits, for logs and reports.
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

// ComputeFingerprint digests sender, subject, sent time, bodies and attachment
// contents. Message-ID, recipients and transport headers do not contribute.
func ComputeFingerprint(m *model.Message) Fingerprint {
	h := sha256.New()
	field(h, "from", strings.ToLower(strings.TrimSpace(m.From.Address)))
	field(h, "subject", strings.Join(strings.Fields(m.Subject), " "))

	sent := ""
	if !m.Sent.IsZero() {
		sent = m.Sent.UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	field(h, "sent", sent)
	field(h, "text", digest([]byte(normalizeNewlines(m.BodyText))))
	field(h, "html", digest([]byte(normalizeNewlines(m.BodyHTML))))

	for _, att := range m.AllAttachments() {
		field(h, "attachment", digest(att.Data))
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

func field(h hash.Hash, name, value string) {
	fmt.Fprintf(h, "%s:%d:%s\n", name, len(value), value)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
