package model

import (
	"time"
)

// ArchiveFormat identifies the container a set of messages was read from.
type ArchiveFormat string

const (
	FormatMbox   ArchiveFormat = "mbox"
	FormatPST    ArchiveFormat = "pst"
	FormatFolder ArchiveFormat = "folder"
	FormatEML    ArchiveFormat = "eml"
	FormatMSG    ArchiveFormat = "msg"
)

// Archive is a source container, or a folder treated as one. It is never mutated during a run.
type Archive struct {
	Path   string
	Format ArchiveFormat
	// Count is -1 until discovered.
	Count int
}

// RawMessage holds the undecoded bytes of one message produced by an extractor.
type RawMessage struct {
	Index  int
	Source string
	Path   string
	Format ArchiveFormat
	Data   []byte
}

// Envelope wraps a raw message alongside an optional error encountered while extracting it.
type Envelope struct {
	Raw RawMessage
	Err error
}

// TimestampSource records which header decided a message's position in the chronology.
type TimestampSource string

const (
	TimestampReceived TimestampSource = "received"
	TimestampSent     TimestampSource = "sent"
	TimestampOrder    TimestampSource = "order"
)

// Address is a single mailbox from an address header.
type Address struct {
	Name    string `yaml:"name,omitempty"`
	Address string `yaml:"address"`
}

// String renders the address the way it appears in a header block.
func (a Address) String() string {
	switch {
	case a.Name != "" && a.Address != "":
		return a.Name + " <" + a.Address + ">"
	case a.Address != "":
		return a.Address
	default:
		return a.Name
	}
}

// Message is the normalized record of one email.
type Message struct {
	ID      string
	Subject string
	From    Address
	To      []Address
	Cc      []Address
	Bcc     []Address

	Sent            time.Time
	Received        time.Time
	TimestampSource TimestampSource

	// Index is the extraction order inside the source archive.
	Index  int
	Source string

	BodyText string
	BodyHTML string

	Attachments []*Attachment
	Nested      []*Message
	Depth       int

	Headers string
	Raw     []byte
}

// OrderTime is the canonical chronology key: received, then sent, then zero.
func (m *Message) OrderTime() time.Time {
	if !m.Received.IsZero() {
		return m.Received
	}
	return m.Sent
}

// Walk visits m and every nested message depth first, parents before children.
func (m *Message) Walk(fn func(*Message)) {
	stack := []*Message{m}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(cur)
		for i := len(cur.Nested) - 1; i >= 0; i-- {
			stack = append(stack, cur.Nested[i])
		}
	}
}

// AllAttachments returns the attachments of m and of every nested message.
func (m *Message) AllAttachments() []*Attachment {
	var out []*Attachment
	m.Walk(func(cur *Message) {
		out = append(out, cur.Attachments...)
	})
	return out
}
