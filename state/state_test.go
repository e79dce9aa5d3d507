package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTracker_PersistsAcrossRuns(t *testing.T) {
	dir := t.TempDir()

	tr, err := NewFileTracker(dir, RenderedJournal, true)
	require.NoError(t, err)
	require.NoError(t, tr.MarkProcessed(Record{Key: "fp1", MessageID: "a@example.com", Document: "a.pdf"}))
	require.NoError(t, tr.MarkProcessed(Record{Key: "fp1", MessageID: "again", Document: "b.pdf"}))
	require.NoError(t, tr.MarkProcessed(Record{Key: ""}))
	require.NoError(t, tr.Close())

	reopened, err := NewFileTracker(dir, RenderedJournal, false)
	require.NoError(t, err)
	rec, ok := reopened.Lookup("fp1")
	require.True(t, ok)
	assert.Equal(t, "a.pdf", rec.Document)
	assert.Equal(t, 1, reopened.Snapshot().Processed)
	assert.False(t, reopened.AlreadyProcessed(""))
}

func TestFileTracker_CorruptLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, UploadedJournal), []byte("{\"key\":\"x\"}\nnot json\n"), 0o600))

	_, err := NewFileTracker(dir, UploadedJournal, false)
	assert.ErrorContains(t, err, "line 2")
}

func TestFileTracker_Prune(t *testing.T) {
	dir := t.TempDir()

	tr, err := NewFileTracker(dir, RenderedJournal, true)
	require.NoError(t, err)
	for _, k := range []string{"keep", "drop"} {
		require.NoError(t, tr.MarkProcessed(Record{Key: k, Document: k + ".pdf"}))
	}

	dropped, err := tr.Prune(func(r Record) bool { return r.Key == "keep" })
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	require.NoError(t, tr.MarkProcessed(Record{Key: "later", Document: "later.pdf"}))
	require.NoError(t, tr.Close())

	reopened, err := NewFileTracker(dir, RenderedJournal, false)
	require.NoError(t, err)
	assert.True(t, reopened.AlreadyProcessed("keep"))
	assert.True(t, reopened.AlreadyProcessed("later"))
	assert.False(t, reopened.AlreadyProcessed("drop"))
}

func TestNewFileTracker_EmptyDir(t *testing.T) {
	_, err := NewFileTracker(" ", RenderedJournal, true)
	assert.Error(t, err)
}

func TestFileTracker_ConcurrentWorkers(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewFileTracker(dir, RenderedJournal, true)
	require.NoError(t, err)

	// Workers race on overlapping keys, as duplicate messages in one archive do.
	const workers, keys = 6, 40
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for k := 0; k < keys; k++ {
				key := fmt.Sprintf("fp-%02d", k)
				assert.NoError(t, tr.MarkProcessed(Record{Key: key, Document: fmt.Sprintf("%s-w%d.pdf", key, w)}))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, tr.Close())

	data, err := os.ReadFile(filepath.Join(dir, RenderedJournal))
	require.NoError(t, err)
	assert.Equal(t, keys, strings.Count(string(data), "\n"), "one journal line per key")

	reopened, err := NewFileTracker(dir, RenderedJournal, false)
	require.NoError(t, err)
	assert.Equal(t, keys, reopened.Snapshot().Processed)
	for k := 0; k < keys; k++ {
		rec, ok := reopened.Lookup(fmt.Sprintf("fp-%02d", k))
		require.True(t, ok)
		assert.Regexp(t, `^fp-\d\d-w\d\.pdf$`, rec.Document)
	}
}
