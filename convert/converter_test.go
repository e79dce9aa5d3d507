package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/pdfdoc"
)

type fakeStrategy struct {
	name      string
	available bool
	exclusive bool
	run       func(ctx context.Context, outPath string) error
}

func (f *fakeStrategy) Name() string    { return f.name }
func (f *fakeStrategy) Available() bool { return f.available }
func (f *fakeStrategy) Exclusive() bool { return f.exclusive }

func (f *fakeStrategy) Convert(ctx context.Context, att *model.Attachment, outPath string) error {
	return f.run(ctx, outPath)
}

func writesPDF(ctx context.Context, outPath string) error {
	return os.WriteFile(outPath, []byte("%PDF-1.4 fake"), 0o644)
}

func failing(name string) *fakeStrategy {
	return &fakeStrategy{name: name, available: true, run: func(context.Context, string) error {
		return errors.New("boom")
	}}
}

func succeeding(name string) *fakeStrategy {
	return &fakeStrategy{name: name, available: true, run: writesPDF}
}

func newAttachment(name, contentType string, data []byte) *model.Attachment {
	return &model.Attachment{Key: name, Filename: name, ContentType: contentType, Data: data}
}

func TestConverter_FallsBackInOrder(t *testing.T) {
	panicking := &fakeStrategy{name: "panics", available: true, run: func(context.Context, string) error {
		panic("strategy bug")
	}}
	slow := &fakeStrategy{name: "slow", available: true, run: func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	missing := &fakeStrategy{name: "missing", available: false, run: writesPDF}

	reg := Registry{KindOther: {failing("fails"), panicking, slow, missing, succeeding("works")}}
	c := New(reg, Options{Timeout: 50 * time.Millisecond})

	out := filepath.Join(t.TempDir(), "out.pdf")
	res := c.Convert(context.Background(), newAttachment("blob.xyz", "application/x-thing", []byte{1, 2, 3}), out)

	assert.Equal(t, model.StatusConverted, res.Status)
	assert.Equal(t, "works", res.Strategy)
	assert.Equal(t, out, res.OutputPath)
	require.Len(t, res.Attempts, 5)
	assert.Contains(t, res.Attempts[0].Err, "boom")
	assert.Contains(t, res.Attempts[1].Err, "panic")
	assert.Contains(t, res.Attempts[2].Err, "timeout")
	assert.Equal(t, ErrUnavailable.Error(), res.Attempts[3].Err)
	assert.Empty(t, res.Attempts[4].Err)
	assert.FileExists(t, out)
}

func TestConverter_PlaceholderEmbedsWhenChainExhausted(t *testing.T) {
	reg := Registry{KindDocument: {failing("office"), failing("text")}}
	c := New(reg, Options{})

	att := newAttachment("report.doc", "application/msword", []byte("not really a doc"))
	out := filepath.Join(t.TempDir(), "report.pdf")
	res := c.Convert(context.Background(), att, out)

	require.Equal(t, model.StatusEmbedded, res.Status)
	assert.Equal(t, PlaceholderName, res.Strategy)
	assert.Equal(t, model.StatusEmbedded, att.Status)
	assert.Len(t, res.Attempts, 3)

	pages, err := pdfdoc.PageCount(out)
	require.NoError(t, err)
	assert.Equal(t, 1, pages)
}

func TestConverter_PlaceholderIOFailureIsRecorded(t *testing.T) {
	c := New(Registry{}, Options{})
	att := newAttachment("a.bin", "", []byte("x"))
	out := filepath.Join(t.TempDir(), "missing-dir", "a.pdf")

	res := c.Convert(context.Background(), att, out)

	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, model.ErrKindIO, res.ErrKind)
	assert.NotEmpty(t, res.Cause)
	assert.Equal(t, model.StatusFailed, att.Status)
}

func TestConverter_ExclusiveStrategiesAreSerialized(t *testing.T) {
	var active, peak int32
	exclusive := &fakeStrategy{name: "office", available: true, exclusive: true, run: func(ctx context.Context, out string) error {
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return writesPDF(ctx, out)
	}}
	c := New(Registry{KindDocument: {exclusive}}, Options{MaxConcurrent: 8})

	dir := t.TempDir()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			att := newAttachment(fmt.Sprintf("doc%d.docx", i), "", []byte("x"))
			res := c.Convert(context.Background(), att, filepath.Join(dir, fmt.Sprintf("%d.pdf", i)))
			assert.Equal(t, model.StatusConverted, res.Status)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak)
}

func TestConverter_ChainAlwaysEndsWithPlaceholder(t *testing.T) {
	c := New(DefaultRegistry(Tools{}), Options{})
	for _, k := range Kinds {
		chain := c.Chain(k)
		require.NotEmpty(t, chain, k)
		assert.Equal(t, PlaceholderName, chain[len(chain)-1].Name(), k)
	}
}

// Every attachment yields exactly one result that is either converted or embedded.
func TestConverter_NoSilentDrop(t *testing.T) {
	c := New(DefaultRegistry(Tools{PageSize: pdfdoc.SizeA4}), Options{})
	dir := t.TempDir()

	atts := []*model.Attachment{
		newAttachment("notes.txt", "text/plain", []byte("hello\nworld")),
		newAttachment("table.csv", "text/csv", []byte("a,b\n1,2\n")),
		newAttachment("page.html", "text/html", []byte("<p>Hi <b>there</b></p>")),
		newAttachment("invite.ics", "text/calendar", []byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n")),
		newAttachment("broken.pdf", "application/pdf", []byte("garbage")),
		newAttachment("photo.png", "image/png", pngBytes(t)),
		newAttachment("corrupt.jpg", "image/jpeg", []byte("nope")),
		newAttachment("slides.pptx", "", []byte("PK")),
		newAttachment("archive.zip", "application/zip", []byte("PK\x03\x04")),
		newAttachment("empty.txt", "text/plain", nil),
	}

	seen := map[string]bool{}
	for i, att := range atts {
		out := filepath.Join(dir, fmt.Sprintf("%02d.pdf", i))
		res := c.Convert(context.Background(), att, out)

		assert.Contains(t, []model.ConversionStatus{model.StatusConverted, model.StatusEmbedded}, res.Status, att.Filename)
		assert.False(t, seen[res.Key], "duplicate result for %s", att.Filename)
		seen[res.Key] = true
		assert.FileExists(t, out, att.Filename)
	}
	assert.Len(t, seen, len(atts))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want model.ErrorKind
	}{
		{nil, model.ErrKindNone},
		{context.DeadlineExceeded, model.ErrKindTimeout},
		{fmt.Errorf("wrap: %w", context.Canceled), model.ErrKindCancelled},
		{ErrUnsupportedInput, model.ErrKindUnsupported},
		{&ConversionError{Strategy: "x", Kind: model.ErrKindTool, Err: errors.New("exit 1")}, model.ErrKindTool},
		{os.ErrPermission, model.ErrKindIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.err), "%v", tt.err)
	}
}
