package outlook

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//go:embed test_data/sample.msg
var sampleMsg []byte

//go:embed test_data/rtf-only.msg
var rtfOnlyMsg []byte

// helloWorldRTF is "{\rtf1\ansi\ansicpg1252\pard hello world}\r\n" in LZFu form.
var helloWorldRTF, _ = hex.DecodeString("2d0000002b0000004c5a4675f1c5c7a703000a0072637067313235423" +
	"20af32068656c090020627705b06c647d0a800fa0")

func TestDecompressRTF(t *testing.T) {
	out, err := DecompressRTF(helloWorldRTF)
	require.NoError(t, err)
	assert.Equal(t, "{\\rtf1\\ansi\\ansicpg1252\\pard hello world}\r\n", string(out))

	plain := append([]byte{0x12, 0, 0, 0, 0x06, 0, 0, 0, 'M', 'E', 'L', 'A', 0, 0, 0, 0}, "{\\rtf}"...)
	out, err = DecompressRTF(plain)
	require.NoError(t, err)
	assert.Equal(t, "{\\rtf}", string(out))

	corrupt := bytes.Clone(helloWorldRTF)
	corrupt[20] ^= 0xff
	_, err = DecompressRTF(corrupt)
	assert.ErrorIs(t, err, ErrCompressedRTF)

	unknown := bytes.Clone(helloWorldRTF)
	copy(unknown[8:12], "ABCD")
	_, err = DecompressRTF(unknown)
	assert.ErrorIs(t, err, ErrCompressedRTF)

	_, err = DecompressRTF([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCompressedRTF)
}

func TestRTFText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "tables skipped and codepage escapes",
			in:   `{\rtf1\ansi{\fonttbl{\f0 Arial;}}{\colortbl;\red0\green0\blue0;}\f0 Hello\par World\line Caf\'e9}`,
			want: "Hello\nWorld\nCafé",
		},
		{
			name: "unicode with fallback characters",
			in:   `{\rtf1 Gr\u252\'fc\u223?e \u8364?5}`,
			want: "Grüße €5",
		},
		{
			name: "cyrillic codepage",
			in:   `{\rtf1\ansi\ansicpg1251 \'cf\'f0\'e8\'e2\'e5\'f2}`,
			want: "Привет",
		},
		{
			name: "ignorable destinations and encapsulated html",
			in:   `{\rtf1{\*\generator Riched20;}{\*\htmltag64 <p>}Visible\htmlrtf hidden\htmlrtf0  text}`,
			want: "Visible text",
		},
		{
			name: "escapes and blank lines",
			in:   `{\rtf1 a\{b\}c\\d\tab e\par\par\par\par f}`,
			want: "a{b}c\\d\te\n\nf",
		},
		{
			name: "binary payload",
			in:   "{\\rtf1 before\\bin3 }}}after}",
			want: "beforeafter",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RTFText([]byte(tt.in)))
		})
	}
}

func TestIsMsg(t *testing.T) {
	assert.True(t, IsMsg(sampleMsg))
	assert.False(t, IsMsg([]byte("From: a@example.com\r\n")))
	assert.False(t, IsMsg(nil))
}

func TestReadMsg_Sample(t *testing.T) {
	item, err := ReadMsg(bytes.NewReader(sampleMsg))
	require.NoError(t, err)

	assert.Equal(t, "Quarterly review – Q3", item.Subject)
	assert.Equal(t, "Jürgen Weber", item.SenderName)
	assert.Equal(t, "juergen@example.com", item.SenderAddress, "exchange DN is not an address")
	assert.Equal(t, "<q3-review@example.com>", item.MessageID)
	assert.Equal(t, time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC), item.Sent)
	assert.Equal(t, time.Date(2024, 3, 5, 9, 31, 0, 0, time.UTC), item.Received)
	assert.Contains(t, item.Text(), "the Q3 numbers are attached.")
	assert.Equal(t, []Recipient{
		{Kind: RecipientTo, Name: "Team", Address: "team@example.com"},
		{Kind: RecipientCc, Name: "Legal", Address: "legal@example.com"},
	}, item.Recipients)

	require.Len(t, item.Attachments, 2)
	assert.Equal(t, "notes.txt", item.Attachments[0].Filename)
	assert.Equal(t, "text/plain", item.Attachments[0].ContentType)
	assert.Equal(t, "Agenda:\r\n1. Budget\r\n2. Hiring\r\n", string(item.Attachments[0].Data))
	assert.True(t, item.Attachments[1].Embedded)
	assert.Equal(t, []string{"Forwarded.msg"}, item.Omitted())
}

func TestToMIME_Sample(t *testing.T) {
	raw, err := ToMIME(bytes.NewReader(sampleMsg))
	require.NoError(t, err)

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Quarterly review – Q3", subject)
	from, err := mr.Header.AddressList("From")
	require.NoError(t, err)
	assert.Equal(t, []*mail.Address{{Name: "Jürgen Weber", Address: "juergen@example.com"}}, from)
	cc, err := mr.Header.AddressList("Cc")
	require.NoError(t, err)
	assert.Equal(t, []*mail.Address{{Name: "Legal", Address: "legal@example.com"}}, cc)
	date, err := mr.Header.Date()
	require.NoError(t, err)
	assert.True(t, date.Equal(time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)))
	id, err := mr.Header.MessageID()
	require.NoError(t, err)
	assert.Equal(t, "q3-review@example.com", id)
	assert.Contains(t, mr.Header.Get("Received"), "Tue, 05 Mar 2024 09:31:00 +0000")

	var text string
	var attachments []string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(p.Body)
		require.NoError(t, err)
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			text += string(body)
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			attachments = append(attachments, name)
			assert.Equal(t, "Agenda:\r\n1. Budget\r\n2. Hiring\r\n", string(body))
		}
	}
	assert.Contains(t, text, "Hello team,")
	assert.Equal(t, []string{"notes.txt"}, attachments)
}

func TestToMIME_RTFBodyAndTransportHeaders(t *testing.T) {
	item, err := ReadMsg(bytes.NewReader(rtfOnlyMsg))
	require.NoError(t, err)
	assert.Empty(t, item.Body)
	assert.Equal(t, "hello world", item.Text())

	raw, err := item.MIME()
	require.NoError(t, err)
	head, _, _ := strings.Cut(string(raw), "\r\n\r\n")
	assert.Contains(t, head, "From: Ana Silva <ana@example.org>")
	assert.Contains(t, strings.ToLower(head), "message-id: <rtf-only@example.org>")
	assert.Contains(t, head, "Received: from mx.example.com by mail.example.com; Tue, 5 Mar 2024 10:15:00 +0000")
	assert.Contains(t, head, "multipart/mixed")
	assert.NotContains(t, head, `boundary="gone"`)
	assert.Contains(t, string(raw), "hello world")
}

func TestReadMsg_NotAnItem(t *testing.T) {
	_, err := ReadMsg(strings.NewReader(strings.Repeat("not a compound file ", 64)))
	assert.ErrorIs(t, err, ErrNotMsg)
}
