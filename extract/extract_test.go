package extract

import (
	"context"
	_ "embed"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-to-pdf/filter"
	"github.com/dhcgn/mail-to-pdf/model"
)

//go:embed test_data/sample.mbox
var sampleMbox []byte

//go:embed test_data/single.eml
var singleEML []byte

//go:embed test_data/sample.msg
var sampleMsg []byte

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func collect(t *testing.T, ex Extractor) ([]model.Envelope, error) {
	t.Helper()
	out := make(chan model.Envelope, 16)
	done := make(chan error, 1)
	go func() {
		done <- ex.Stream(context.Background(), out)
		close(out)
	}()

	var envs []model.Envelope
	for env := range out {
		envs = append(envs, env)
	}
	return envs, <-done
}

func TestDetectFormat(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
		want model.ArchiveFormat
	}{
		{name: "directory", path: dir, want: model.FormatFolder},
		{name: "mbox extension", path: writeFile(t, dir, "a.mbox", []byte("x")), want: model.FormatMbox},
		{name: "pst extension", path: writeFile(t, dir, "a.PST", []byte("x")), want: model.FormatPST},
		{name: "eml extension", path: writeFile(t, dir, "a.eml", []byte("x")), want: model.FormatEML},
		{name: "sniffed mbox", path: writeFile(t, dir, "export", sampleMbox), want: model.FormatMbox},
		{name: "sniffed message", path: writeFile(t, dir, "message", singleEML), want: model.FormatEML},
		{name: "msg extension", path: writeFile(t, dir, "a.MSG", []byte("x")), want: model.FormatMSG},
		{name: "sniffed outlook item", path: writeFile(t, dir, "item", sampleMsg), want: model.FormatMSG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectFormat_Unsupported(t *testing.T) {
	path := writeFile(t, t.TempDir(), "blob.bin", []byte("\x00\x01\x02 binary"))
	_, err := DetectFormat(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	var exErr *ExtractionError
	assert.True(t, errors.As(err, &exErr))
}

func TestMbox_StreamAndCount(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "sample.mbox", sampleMbox)
	work := filepath.Join(dir, "1_extracted_emls")
	require.NoError(t, os.MkdirAll(work, 0o755))

	ex, err := Open(path, Options{WorkDir: work})
	require.NoError(t, err)
	assert.Equal(t, model.FormatMbox, ex.Archive().Format)
	assert.Equal(t, -1, ex.Archive().Count)

	n, err := ex.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	envs, err := collect(t, ex)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	for i, env := range envs {
		assert.NoError(t, env.Err)
		assert.Equal(t, i, env.Raw.Index)
		assert.Equal(t, path, env.Raw.Source)
		assert.FileExists(t, env.Raw.Path)
	}
	assert.Contains(t, string(envs[0].Raw.Data), "Subject: Quarterly report")
	assert.Contains(t, string(envs[2].Raw.Data), "Subject: Special offer")
}

func TestMbox_FilterDropsMessages(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sample.mbox", sampleMbox)
	f, err := filter.New(filter.Options{ExcludeHeader: []string{"@spam\\.example"}})
	require.NoError(t, err)

	ex, err := Open(path, Options{Filter: f})
	require.NoError(t, err)

	envs, err := collect(t, ex)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, 1, envs[1].Raw.Index)

	stats := f.Stats()
	assert.Equal(t, 3, stats.Checked)
	assert.Equal(t, 2, stats.Allowed)
}

func TestFolder_UnreadableFileIsPerMessageFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a/001.eml", singleEML)
	writeFile(t, dir, "b/002.eml", singleEML)
	writeFile(t, dir, "notes.txt", []byte("ignored"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "c"), 0o755))
	broken := writeFile(t, dir, "c/003.eml", singleEML)
	require.NoError(t, os.Chmod(broken, 0o000))
	t.Cleanup(func() { _ = os.Chmod(broken, 0o644) })

	ex, err := Open(dir, Options{})
	require.NoError(t, err)
	n, err := ex.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	envs, err := collect(t, ex)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	assert.NoError(t, envs[0].Err)
	assert.NoError(t, envs[1].Err)
	if os.Getuid() != 0 {
		assert.Error(t, envs[2].Err)
		assert.Equal(t, 2, envs[2].Raw.Index)
	}
}

func TestEML_Single(t *testing.T) {
	path := writeFile(t, t.TempDir(), "one.eml", singleEML)
	ex, err := Open(path, Options{})
	require.NoError(t, err)

	envs, err := collect(t, ex)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, singleEML, envs[0].Raw.Data)
}

func TestMSG_Single(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"item.msg", "item-without-extension"} {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, dir, name, sampleMsg)
			ex, err := Open(path, Options{})
			require.NoError(t, err)
			assert.Equal(t, model.FormatMSG, ex.Archive().Format)

			n, err := ex.Count(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			envs, err := collect(t, ex)
			require.NoError(t, err)
			require.Len(t, envs, 1)
			require.NoError(t, envs[0].Err)
			assert.Equal(t, model.FormatMSG, envs[0].Raw.Format)
			assert.Contains(t, string(envs[0].Raw.Data), "Message-Id: <q3-review@example.com>")
			assert.Contains(t, string(envs[0].Raw.Data), "Hello team,")
		})
	}
}

func TestMSG_Corrupt(t *testing.T) {
	path := writeFile(t, t.TempDir(), "broken.msg", []byte("not an outlook item"))
	ex, err := Open(path, Options{})
	require.NoError(t, err)

	_, err = collect(t, ex)
	var exErr *ExtractionError
	require.True(t, errors.As(err, &exErr))
	assert.Equal(t, path, exErr.Path)
}

func TestFolder_SkipsNonMessagesAndUnreadableDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a/001.eml", singleEML)
	writeFile(t, dir, "b/002.msg", sampleMsg)
	notes := writeFile(t, dir, "notes.txt", []byte("ignored"))
	writeFile(t, dir, "locked/003.eml", singleEML)
	locked := filepath.Join(dir, "locked")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	ex, err := Open(dir, Options{})
	require.NoError(t, err)
	n, err := ex.Count(context.Background())
	require.NoError(t, err)

	skipped := ex.(SkipReporter).Skipped()
	assert.Contains(t, skipped, notes)
	if os.Getuid() == 0 {
		assert.Equal(t, 3, n)
	} else {
		assert.Equal(t, 2, n)
		assert.Contains(t, skipped, locked)
	}

	envs, err := collect(t, ex)
	require.NoError(t, err)
	require.Len(t, envs, n)
	require.NoError(t, envs[1].Err)
	assert.Equal(t, model.FormatEML, envs[0].Raw.Format)
	assert.Equal(t, model.FormatMSG, envs[1].Raw.Format)
	assert.Contains(t, string(envs[1].Raw.Data), "Hello team,")
}

func TestPST_UnpackerMissing(t *testing.T) {
	path := writeFile(t, t.TempDir(), "archive.pst", []byte("!BDN"))
	_, err := Open(path, Options{Readpst: "readpst-does-not-exist-on-path"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnpackerUnavailable)

	var exErr *ExtractionError
	require.True(t, errors.As(err, &exErr))
	assert.Equal(t, path, exErr.Path)
}

func TestOpen_MissingPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.mbox"), Options{})
	var exErr *ExtractionError
	assert.True(t, errors.As(err, &exErr))
}

func TestStream_Cancelled(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sample.mbox", sampleMbox)
	ex, err := Open(path, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ex.Stream(ctx, make(chan model.Envelope))
	assert.ErrorIs(t, err, context.Canceled)
}
