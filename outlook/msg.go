// Package outlook reads Outlook formats that arrive outside PST containers:
// .msg items and RTF bodies, compressed or plain.
package outlook

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/richardlehane/mscfb"
	"github.com/richardlehane/msoleps"
	"github.com/richardlehane/msoleps/types"
	"golang.org/x/text/encoding/charmap"
)

// ErrNotMsg is wrapped when the input is not an Outlook compound file.
var ErrNotMsg = errors.New("not an outlook .msg item")

var cfbSignature = []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}

// IsMsg reports whether head starts with the compound file signature.
func IsMsg(head []byte) bool {
	return bytes.HasPrefix(head, cfbSignature)
}

// MAPI property ids.
const (
	propSubject        = 0x0037
	propClientSubmit   = 0x0039
	propTransport      = 0x007d
	propRecipientType  = 0x0c15
	propSenderName     = 0x0c1a
	propSenderEmail    = 0x0c1f
	propDeliveryTime   = 0x0e06
	propBody           = 0x1000
	propRTFCompressed  = 0x1009
	propHTML           = 0x1013
	propMessageID      = 0x1035
	propDisplayName    = 0x3001
	propEmailAddress   = 0x3003
	propAttachData     = 0x3701
	propAttachFilename = 0x3704
	propAttachMime     = 0x370e
	propAttachLongName = 0x3707
	propAttachCID      = 0x3712
	propSMTPAddress    = 0x39fe
	propSenderSMTP     = 0x5d01
)

// MAPI property types.
const (
	typeLong    = 0x0003
	typeString8 = 0x001e
	typeUnicode = 0x001f
	typeSysTime = 0x0040
	typeBinary  = 0x0102
)

const (
	substgPrefix     = "__substg1.0_"
	propertiesStream = "__properties_version1.0"
	recipPrefix      = "__recip_version1.0_"
	attachPrefix     = "__attach_version1.0_"
	embeddedStorage  = "__substg1.0_3701000D"
	rootPropsHeader  = 32
	childPropsHeader = 8
	propEntrySize    = 16
)

// Recipient kinds as stored in PR_RECIPIENT_TYPE.
const (
	RecipientTo  = 1
	RecipientCc  = 2
	RecipientBcc = 3
)

type Recipient struct {
	Kind    int
	Name    string
	Address string
}

type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Data        []byte
	// Embedded marks an attached Outlook item. Its content is not carried over.
	Embedded bool
}

// Item is the content of one .msg file.
type Item struct {
	Subject          string
	SenderName       string
	SenderAddress    string
	Recipients       []Recipient
	Sent             time.Time
	Received         time.Time
	MessageID        string
	TransportHeaders string
	Body             string
	HTML             string
	RTF              []byte
	Attachments      []Attachment
}

// props collects the properties of one storage: the item, a recipient or an attachment.
type props struct {
	text   map[uint16]string
	binary map[uint16][]byte
	times  map[uint16]time.Time
	longs  map[uint16]int32
	nested bool
}

func newProps() *props {
	return &props{
		text:   make(map[uint16]string),
		binary: make(map[uint16][]byte),
		times:  make(map[uint16]time.Time),
		longs:  make(map[uint16]int32),
	}
}

// ReadMsg decodes an Outlook item.
func ReadMsg(r io.ReaderAt) (*Item, error) {
	doc, err := mscfb.New(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotMsg, err)
	}

	root := newProps()
	recips := make(map[string]*props)
	atts := make(map[string]*props)
	summary := make(map[string]string)
	found := false

	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		if entry.FileInfo().IsDir() {
			if len(entry.Path) == 1 && strings.HasPrefix(entry.Path[0], attachPrefix) && strings.EqualFold(entry.Name, embeddedStorage) {
				storage(atts, entry.Path[0]).nested = true
			}
			continue
		}

		target := root
		switch len(entry.Path) {
		case 0:
		case 1:
			switch owner := entry.Path[0]; {
			case strings.HasPrefix(owner, recipPrefix):
				target = storage(recips, owner)
			case strings.HasPrefix(owner, attachPrefix):
				target = storage(atts, owner)
			default:
				continue
			}
		default:
			continue
		}

		data, err := io.ReadAll(entry)
		if err != nil {
			return nil, fmt.Errorf("read stream %s: %w", entry.Name, err)
		}
		switch {
		case len(entry.Path) == 0 && msoleps.IsMSOLEPS(entry.Initial):
			readSummary(data, summary)
		case entry.Name == propertiesStream:
			header := childPropsHeader
			if target == root {
				header = rootPropsHeader
			}
			target.fixed(data, header)
			found = true
		case strings.HasPrefix(entry.Name, substgPrefix):
			target.variable(strings.TrimPrefix(entry.Name, substgPrefix), data)
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no message properties", ErrNotMsg)
	}

	item := &Item{
		Subject:          root.text[propSubject],
		SenderName:       root.text[propSenderName],
		SenderAddress:    smtpAddress(root.text[propSenderSMTP], root.text[propSenderEmail]),
		Sent:             root.times[propClientSubmit],
		Received:         root.times[propDeliveryTime],
		MessageID:        root.text[propMessageID],
		TransportHeaders: root.text[propTransport],
		Body:             root.text[propBody],
	}
	if item.Subject == "" {
		item.Subject = summary["Subject"]
	}
	if item.Subject == "" {
		item.Subject = summary["Title"]
	}
	if item.SenderName == "" {
		item.SenderName = summary["Author"]
	}

	if html, ok := root.binary[propHTML]; ok {
		item.HTML = decodeBytes(html)
	} else {
		item.HTML = root.text[propHTML]
	}
	if compressed, ok := root.binary[propRTFCompressed]; ok {
		if rtf, err := DecompressRTF(compressed); err == nil {
			item.RTF = rtf
		}
	}

	for _, key := range sortedKeys(recips) {
		p := recips[key]
		kind := int(p.longs[propRecipientType])
		if kind < RecipientTo || kind > RecipientBcc {
			kind = RecipientTo
		}
		item.Recipients = append(item.Recipients, Recipient{
			Kind:    kind,
			Name:    p.text[propDisplayName],
			Address: smtpAddress(p.text[propSMTPAddress], p.text[propEmailAddress]),
		})
	}

	for _, key := range sortedKeys(atts) {
		p := atts[key]
		name := firstNonEmpty(p.text[propAttachLongName], p.text[propAttachFilename], p.text[propDisplayName])
		att := Attachment{
			Filename:    name,
			ContentType: p.text[propAttachMime],
			ContentID:   strings.Trim(p.text[propAttachCID], "<> "),
			Data:        p.binary[propAttachData],
			Embedded:    p.nested,
		}
		if att.ContentType == "" {
			att.ContentType = mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
		}
		if att.ContentType == "" {
			att.ContentType = "application/octet-stream"
		}
		item.Attachments = append(item.Attachments, att)
	}
	return item, nil
}

// ToMIME converts an Outlook item into an RFC 822 message.
func ToMIME(r io.ReaderAt) ([]byte, error) {
	item, err := ReadMsg(r)
	if err != nil {
		return nil, err
	}
	return item.MIME()
}

// Text is the plain body, falling back to the text of the RTF body.
func (it *Item) Text() string {
	if strings.TrimSpace(it.Body) != "" || len(it.RTF) == 0 {
		return it.Body
	}
	return RTFText(it.RTF)
}

// MIME renders the item as a multipart/mixed message. Transport headers, when
// the item kept them, are reused for everything but the content fields.
// Embedded Outlook items are left out.
func (it *Item) MIME() ([]byte, error) {
	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, it.header())
	if err != nil {
		return nil, err
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	if text := it.Text(); text != "" || it.HTML == "" {
		if err := writePart(iw, "text/plain", text); err != nil {
			return nil, err
		}
	}
	if it.HTML != "" {
		if err := writePart(iw, "text/html", it.HTML); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}

	for i, a := range it.Attachments {
		if a.Embedded {
			continue
		}
		var ah mail.AttachmentHeader
		ah.SetContentType(a.ContentType, nil)
		name := a.Filename
		if name == "" {
			name = "attachment_" + strconv.Itoa(i)
		}
		ah.SetFilename(name)
		if a.ContentID != "" {
			ah.Set("Content-Id", "<"+a.ContentID+">")
		}
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(a.Data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Omitted lists the names of embedded items MIME leaves out.
func (it *Item) Omitted() []string {
	var names []string
	for _, a := range it.Attachments {
		if a.Embedded {
			names = append(names, firstNonEmpty(a.Filename, "embedded item"))
		}
	}
	return names
}

func (it *Item) header() mail.Header {
	var h mail.Header
	if th := strings.TrimSpace(it.TransportHeaders); th != "" {
		parsed, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(th + "\r\n\r\n")))
		if err == nil {
			h = mail.Header{Header: message.Header{Header: parsed}}
			for _, k := range []string{"Content-Type", "Content-Transfer-Encoding", "Content-Disposition", "Mime-Version"} {
				h.Del(k)
			}
		}
	}

	if !h.Has("Subject") && it.Subject != "" {
		h.SetSubject(it.Subject)
	}
	if !h.Has("From") && (it.SenderName != "" || it.SenderAddress != "") {
		h.SetAddressList("From", []*mail.Address{{Name: it.SenderName, Address: it.SenderAddress}})
	}
	for _, f := range []struct {
		kind int
		key  string
	}{{RecipientTo, "To"}, {RecipientCc, "Cc"}, {RecipientBcc, "Bcc"}} {
		kind, key := f.kind, f.key
		if h.Has(key) {
			continue
		}
		var list []*mail.Address
		for _, r := range it.Recipients {
			if r.Kind == kind && (r.Address != "" || r.Name != "") {
				list = append(list, &mail.Address{Name: r.Name, Address: r.Address})
			}
		}
		if len(list) > 0 {
			h.SetAddressList(key, list)
		}
	}
	if !h.Has("Date") && !it.Sent.IsZero() {
		h.SetDate(it.Sent)
	}
	if !h.Has("Message-Id") && it.MessageID != "" {
		h.SetMessageID(strings.Trim(it.MessageID, "<> "))
	}
	if !h.Has("Received") && !it.Received.IsZero() {
		h.Set("Received", "by outlook item; "+it.Received.Format(time.RFC1123Z))
	}
	return h
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var ih mail.InlineHeader
	ih.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(ih)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

// fixed reads the 16-byte entries of a __properties stream after its header.
func (p *props) fixed(data []byte, header int) {
	for off := header; off+propEntrySize <= len(data); off += propEntrySize {
		tag := binary.LittleEndian.Uint32(data[off:])
		id, typ := uint16(tag>>16), uint16(tag)
		value := data[off+8 : off+propEntrySize]
		switch typ {
		case typeSysTime:
			if t := types.MustFileTime(value).Time(); t.Unix() > 0 {
				p.times[id] = t.UTC()
			}
		case typeLong:
			p.longs[id] = int32(binary.LittleEndian.Uint32(value))
		}
	}
}

// variable stores a __substg1.0_IIIITTTT stream. Multi-valued streams are ignored.
func (p *props) variable(code string, data []byte) {
	if len(code) != 8 {
		return
	}
	v, err := strconv.ParseUint(code, 16, 32)
	if err != nil {
		return
	}
	id, typ := uint16(v>>16), uint16(v)
	switch typ {
	case typeUnicode:
		p.text[id] = decodeUTF16(data)
	case typeString8:
		p.text[id] = decode8(data)
	case typeBinary:
		p.binary[id] = data
	}
}

// readSummary keeps the string properties of a property set stream.
func readSummary(data []byte, into map[string]string) {
	ps, err := msoleps.NewFrom(bytes.NewReader(data))
	if err != nil {
		return
	}
	for _, prop := range ps.Property {
		var s string
		switch v := prop.T.(type) {
		case *types.CodeString:
			s = codeString(v.Chars)
		case types.UnicodeString:
			s = strings.TrimRight(string(utf16.Decode(v)), "\x00")
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			into[prop.Name] = s
		}
	}
}

func codeString(chars []byte) string {
	if len(chars) >= 2 && chars[1] == 0 && len(chars)%2 == 0 {
		return decodeUTF16(chars)
	}
	if i := bytes.IndexByte(chars, 0); i >= 0 {
		chars = chars[:i]
	}
	return decode8(chars)
}

func decodeUTF16(data []byte) string {
	u := make([]uint16, len(data)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return strings.TrimRight(string(utf16.Decode(u)), "\x00")
}

func decode8(data []byte) string {
	if utf8.Valid(data) {
		return strings.TrimRight(string(data), "\x00")
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return strings.TrimRight(string(data), "\x00")
	}
	return strings.TrimRight(string(out), "\x00")
}

func decodeBytes(data []byte) string {
	return decode8(bytes.TrimRight(data, "\x00"))
}

func smtpAddress(candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); strings.Contains(c, "@") {
			return c
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func storage(m map[string]*props, name string) *props {
	p, ok := m[name]
	if !ok {
		p = newProps()
		m[name] = p
	}
	return p
}

func sortedKeys(m map[string]*props) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
