package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-to-pdf/mailapi"
	"github.com/dhcgn/mail-to-pdf/model"
	"github.com/dhcgn/mail-to-pdf/reconcile"
	"github.com/dhcgn/mail-to-pdf/state"
)

func testMessage(id, subject string, received time.Time, index int) *model.Message {
	raw := fmt.Sprintf("From: a@example.com\r\nSubject: %s\r\nMessage-ID: <%s>\r\n\r\nbody of %s\r\n", subject, id, id)
	return &model.Message{
		ID:       id,
		Subject:  subject,
		From:     model.Address{Address: "a@example.com"},
		Received: received,
		Sent:     received.Add(-time.Minute),
		Index:    index,
		BodyText: "body of " + id,
		Raw:      []byte(raw),
	}
}

func testSet(t *testing.T) *reconcile.Set {
	t.Helper()
	jan := func(d int) time.Time { return time.Date(2024, 1, d, 9, 0, 0, 0, time.UTC) }
	set, err := reconcile.FromMessages("a.mbox", []*model.Message{
		testMessage("c", "Third", jan(3), 0),
		testMessage("a", "First", jan(1), 1),
		testMessage("b", "Second", jan(2), 2),
	})
	require.NoError(t, err)
	return set
}

func TestWrite_EML(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	w := New(Options{})

	res, err := w.Write(context.Background(), testSet(t), FormatEML, dir)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)
	assert.Empty(t, res.Failed)

	path := filepath.Join(dir, "20240101_090000_First.eml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Subject: First")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))
}

func TestWrite_EMLCollidingNames(t *testing.T) {
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	set, err := reconcile.FromMessages("a.mbox", []*model.Message{
		testMessage("one", "Weekly report", at, 0),
		testMessage("two", "Weekly report", at, 1),
		testMessage("three", "weekly REPORT", at, 2),
	})
	require.NoError(t, err)
	dir := t.TempDir()

	res, err := New(Options{}).Write(context.Background(), set, FormatEML, dir)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)

	for name, id := range map[string]string{
		"20240301_080000_Weekly_report.eml":   "one",
		"20240301_080000_Weekly_report_1.eml": "two",
		"20240301_080000_weekly_REPORT_2.eml": "three",
	} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Contains(t, string(data), "<"+id+">", name)
	}
}

func TestWrite_MboxChronological(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mbox")
	w := New(Options{})

	res, err := w.Write(context.Background(), testSet(t), FormatMbox, path)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var subjects []string
	r := mbox.NewReader(f)
	for {
		msg, err := r.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(msg)
		require.NoError(t, err)
		entity, err := message.Read(bytes.NewReader(data))
		require.NoError(t, err)
		subjects = append(subjects, entity.Header.Get("Subject"))
	}
	assert.Equal(t, []string{"First", "Second", "Third"}, subjects)
}

func TestWrite_MissingRawIsRecorded(t *testing.T) {
	msg := testMessage("x", "Broken", time.Now(), 0)
	msg.Raw = nil
	set, err := reconcile.FromMessages("a", []*model.Message{msg})
	require.NoError(t, err)

	res, err := New(Options{}).Write(context.Background(), set, FormatEML, t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, res.Written)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "x", res.Failed[0].MessageID)
}

func TestWrite_PSTUnavailable(t *testing.T) {
	w := New(Options{MailAPI: mailapi.Capability{Reason: "mail api not supported on this platform (linux)"}})

	_, err := w.Write(context.Background(), testSet(t), FormatPST, filepath.Join(t.TempDir(), "out.pst"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriterUnavailable)

	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, FormatPST, unavailable.Format)
	assert.Contains(t, unavailable.Reason, "linux")
}

type fakeOpener struct {
	store *fakeStore
}

func (o *fakeOpener) Open(_ context.Context, path string) (mailapi.Store, error) {
	o.store = &fakeStore{path: path}
	return o.store, nil
}

type fakeStore struct {
	path   string
	items  []*fakeItem
	closed bool
}

func (s *fakeStore) NewItem(folder string) (mailapi.Item, error) {
	item := &fakeItem{folder: folder}
	s.items = append(s.items, item)
	return item, nil
}

func (s *fakeStore) Close() error {
	s.closed = true
	return nil
}

type fakeItem struct {
	folder         string
	calls          []string
	delivery       time.Time
	submit         time.Time
	saved          bool
	timesAfterSave bool
}

func (i *fakeItem) SetMIME([]byte) error {
	i.calls = append(i.calls, "mime")
	return nil
}

func (i *fakeItem) SetTimes(delivery, submit time.Time) error {
	i.calls = append(i.calls, "times")
	if i.saved {
		i.timesAfterSave = true
		return nil
	}
	i.delivery, i.submit = delivery, submit
	return nil
}

func (i *fakeItem) Save() error {
	i.calls = append(i.calls, "save")
	i.saved = true
	return nil
}

func (i *fakeItem) Saved() bool { return i.saved }

func TestWrite_PSTSetsTimesBeforeSave(t *testing.T) {
	opener := &fakeOpener{}
	w := New(Options{MailAPI: mailapi.Capability{Found: true, Stores: opener}})

	res, err := w.Write(context.Background(), testSet(t), FormatPST, filepath.Join(t.TempDir(), "out.pst"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)

	require.NotNil(t, opener.store)
	assert.True(t, opener.store.closed)
	require.Len(t, opener.store.items, 3)

	first := opener.store.items[0]
	assert.Equal(t, []string{"mime", "times", "save"}, first.calls)
	assert.False(t, first.timesAfterSave)
	assert.Equal(t, PSTFolder, first.folder)
	assert.True(t, first.delivery.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))
	assert.True(t, first.submit.Equal(time.Date(2024, 1, 1, 8, 59, 0, 0, time.UTC)))
}

func TestWriteItem_AlreadySaved(t *testing.T) {
	item := &fakeItem{saved: true}

	err := writeItem(item, testMessage("a", "First", time.Now(), 0))
	assert.ErrorIs(t, err, ErrAlreadySaved)
	assert.Empty(t, item.calls)
}

func TestWrite_IMAPRequiresHost(t *testing.T) {
	err := New(Options{}).Available(FormatIMAP)
	assert.ErrorIs(t, err, ErrWriterUnavailable)
}

func TestWrite_IMAPDryRunSkipsUploaded(t *testing.T) {
	set := testSet(t)
	uploaded := state.NewMemoryTracker()
	first := set.Entries()[0]
	require.NoError(t, uploaded.MarkProcessed(state.Record{Key: string(first.Fingerprint), MessageID: first.Message.ID}))

	w := New(Options{
		IMAP:     IMAPOptions{Host: "imap.example.com", Port: 993, DryRun: true},
		Uploaded: uploaded,
	})
	res, err := w.Write(context.Background(), set, FormatIMAP, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "INBOX", res.Dest)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" MBOX ")
	require.NoError(t, err)
	assert.Equal(t, FormatMbox, f)

	_, err = ParseFormat("maildir")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
