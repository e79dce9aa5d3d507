// Package parse decodes raw RFC 5322 messages into model.Message values.
package parse

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	netmail "net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/charmap"

	"github.com/dhcgn/mail-to-pdf/filter"
	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/outlook"
)

func init() {
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

// DefaultMaxDepth bounds recursion into attached messages.
const DefaultMaxDepth = 10

// rtfBodyName is how readpst exports a body that only exists as RTF.
const rtfBodyName = "rtf-body.rtf"

var errNoHeaders = errors.New("message has no header fields")

// ParseError reports a message whose headers could not be read.
type ParseError struct {
	Source string
	Index  int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse message %d of %s: %v", e.Index, e.Source, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type Options struct {
	MaxDepth int
	Logger   *slog.Logger
}

// Parser is stateless and safe for concurrent use.
type Parser struct {
	maxDepth int
	logger   *slog.Logger
}

func New(opts Options) *Parser {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Parser{maxDepth: opts.MaxDepth, logger: opts.Logger}
}

// Parse decodes raw into a message tree. Body and attachment problems never fail the parse.
func (p *Parser) Parse(raw model.RawMessage) (*model.Message, error) {
	msg, err := p.parse(raw.Data, 0, "")
	if err != nil {
		return nil, &ParseError{Source: raw.Source, Index: raw.Index, Err: err}
	}
	msg.Walk(func(m *model.Message) {
		m.Index = raw.Index
		m.Source = raw.Source
	})

	switch msg.TimestampSource {
	case model.TimestampSent:
		p.logger.Debug("no received timestamp, ordering by sent date", "message", msg.ID)
	case model.TimestampOrder:
		p.logger.Warn("no usable timestamp, ordering by extraction position", "message", msg.ID, "index", raw.Index)
	}
	return msg, nil
}

func (p *Parser) parse(data []byte, depth int, keyPrefix string) (*model.Message, error) {
	entity, err := readEntity(data)
	if err != nil {
		return nil, err
	}

	h := mail.Header{Header: entity.Header}
	headerBlock, _ := filter.SplitRawMessage(data)

	msg := &model.Message{
		Raw:     data,
		Depth:   depth,
		Headers: DecodeText(headerBlock),
	}

	msg.ID = messageID(h, data)
	msg.Subject = headerText(h, "Subject")
	if from := addressList(h, "From"); len(from) > 0 {
		msg.From = from[0]
	}
	msg.To = addressList(h, "To")
	msg.Cc = addressList(h, "Cc")
	msg.Bcc = addressList(h, "Bcc")

	if sent, err := h.Date(); err == nil {
		msg.Sent = sent
	}
	msg.Received = receivedTime(h)

	switch {
	case !msg.Received.IsZero():
		msg.TimestampSource = model.TimestampReceived
	case !msg.Sent.IsZero():
		msg.TimestampSource = model.TimestampSent
	default:
		msg.TimestampSource = model.TimestampOrder
	}

	w := &walker{parser: p, msg: msg, depth: depth, prefix: keyPrefix}
	w.entity(entity)

	if strings.TrimSpace(msg.BodyText) == "" && strings.TrimSpace(msg.BodyHTML) == "" {
		p.rtfBody(msg)
	}

	return msg, nil
}

// rtfBody promotes the RTF body readpst writes as rtf-body.rtf to the text
// body. The attachment stays when it yields no text.
func (p *Parser) rtfBody(msg *model.Message) {
	for i, att := range msg.Attachments {
		if !strings.EqualFold(att.Filename, rtfBodyName) {
			continue
		}
		text := outlook.RTFText(att.Data)
		if text == "" {
			p.logger.Info("rtf body has no text, kept as attachment", "message", msg.ID, "attachment", att.Key)
			return
		}
		msg.BodyText = text
		msg.Attachments = append(msg.Attachments[:i], msg.Attachments[i+1:]...)
		p.logger.Debug("rtf body converted to text", "message", msg.ID, "chars", len(text))
		return
	}
}

func readEntity(data []byte) (*message.Entity, error) {
	entity, err := message.Read(bytes.NewReader(data))
	if errors.Is(err, io.EOF) {
		// header-only message without the terminating blank line
		entity, err = message.Read(io.MultiReader(bytes.NewReader(data), strings.NewReader("\r\n\r\n")))
	}
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if entity == nil || entity.Header.Len() == 0 {
		return nil, errNoHeaders
	}
	return entity, nil
}

type walker struct {
	parser *Parser
	msg    *model.Message
	depth  int
	prefix string
	attN   int
	nestN  int
}

func (w *walker) entity(e *message.Entity) {
	mr := e.MultipartReader()
	if mr == nil {
		w.leaf(e)
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil && part == nil {
			w.parser.logger.Warn("malformed multipart, remaining parts skipped", "message", w.msg.ID, "err", err)
			return
		}
		w.entity(part)
	}
}

func (w *walker) leaf(e *message.Entity) {
	mediaType, _, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)
	disposition, _, _ := e.Header.ContentDisposition()
	ah := mail.AttachmentHeader{Header: e.Header}
	filename, _ := ah.Filename()
	filename = strings.TrimSpace(filename)

	body, err := io.ReadAll(e.Body)
	if err != nil {
		w.parser.logger.Warn("part body truncated", "message", w.msg.ID, "type", mediaType, "err", err)
	}

	isAttachment := strings.EqualFold(disposition, "attachment") || filename != ""

	switch {
	case mediaType == "message/rfc822":
		w.nested(body, filename)
	case !isAttachment && mediaType == "text/plain":
		w.msg.BodyText += DecodeText(body)
	case !isAttachment && mediaType == "text/html":
		w.msg.BodyHTML += DecodeText(body)
	default:
		w.attachment(body, filename, mediaType, strings.Trim(e.Header.Get("Content-Id"), " <>"))
	}
}

func (w *walker) attachment(body []byte, filename, contentType, contentID string) {
	key := w.prefix + strconv.Itoa(w.attN)
	if filename == "" {
		filename = "attachment_" + strconv.Itoa(w.attN) + model.ExtForContentType(contentType)
	}
	w.attN++
	w.msg.Attachments = append(w.msg.Attachments, &model.Attachment{
		Key:         key,
		Filename:    filename,
		ContentType: contentType,
		ContentID:   contentID,
		Data:        body,
		Status:      model.StatusUnconverted,
	})
}

// nested parses an attached message, degrading to an opaque attachment past the depth bound or on failure.
func (w *walker) nested(body []byte, filename string) {
	if filename == "" {
		filename = "message_" + strconv.Itoa(w.nestN) + ".eml"
	}
	if w.depth+1 > w.parser.maxDepth {
		w.parser.logger.Warn("nested message depth exceeded, kept as attachment", "message", w.msg.ID, "depth", w.depth+1)
		w.attachment(body, filename, "message/rfc822", "")
		return
	}

	prefix := w.prefix + "n" + strconv.Itoa(w.nestN) + "/"
	child, err := w.parser.parse(body, w.depth+1, prefix)
	if err != nil {
		w.parser.logger.Warn("nested message unreadable, kept as attachment", "message", w.msg.ID, "err", err)
		w.attachment(body, filename, "message/rfc822", "")
		return
	}
	w.nestN++
	w.msg.Nested = append(w.msg.Nested, child)
}

func messageID(h mail.Header, data []byte) string {
	if id, err := h.MessageID(); err == nil && id != "" {
		return id
	}
	if raw := strings.Trim(h.Get("Message-Id"), " <>"); raw != "" {
		return raw
	}
	sum := sha256.Sum256(data)
	return "generated-" + hex.EncodeToString(sum[:8]) + "@local"
}

func headerText(h mail.Header, key string) string {
	text, err := h.Text(key)
	if err != nil {
		text = h.Get(key)
	}
	return strings.TrimSpace(decodeString(text))
}

func addressList(h mail.Header, key string) []model.Address {
	list, err := h.AddressList(key)
	if err != nil {
		// keep something readable for headers net/mail rejects
		raw := strings.TrimSpace(headerText(h, key))
		if raw == "" {
			return nil
		}
		if addr, perr := netmail.ParseAddress(raw); perr == nil {
			return []model.Address{{Name: addr.Name, Address: addr.Address}}
		}
		return []model.Address{{Address: raw}}
	}
	out := make([]model.Address, 0, len(list))
	for _, a := range list {
		out = append(out, model.Address{Name: decodeString(a.Name), Address: a.Address})
	}
	return out
}

// receivedTime reads the date of the topmost Received header, the last hop before delivery.
func receivedTime(h mail.Header) time.Time {
	v := h.Get("Received")
	if v == "" {
		return time.Time{}
	}
	idx := strings.LastIndexByte(v, ';')
	if idx < 0 {
		return time.Time{}
	}
	t, err := netmail.ParseDate(strings.TrimSpace(v[idx+1:]))
	if err != nil {
		return time.Time{}
	}
	return t
}
