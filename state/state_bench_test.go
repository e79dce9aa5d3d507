package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

// seedJournal writes n render records whose documents exist for every
// second record, the shape a resumed run finds after an interrupted one.
func seedJournal(b *testing.B, n int) string {
	b.Helper()
	dir := b.TempDir()
	docs := filepath.Join(dir, "individual_pdfs")
	if err := os.MkdirAll(docs, 0o755); err != nil {
		b.Fatal(err)
	}

	tr, err := NewFileTracker(dir, RenderedJournal, true)
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < n; i++ {
		doc := filepath.Join(docs, fmt.Sprintf("20240101_%06d_Message.pdf", i))
		if i%2 == 0 {
			if err := os.WriteFile(doc, nil, 0o644); err != nil {
				b.Fatal(err)
			}
		}
		if err := tr.MarkProcessed(Record{Key: fmt.Sprintf("%064x", i), MessageID: fmt.Sprintf("m%d@example.com", i), Document: doc}); err != nil {
			b.Fatal(err)
		}
	}
	if err := tr.Close(); err != nil {
		b.Fatal(err)
	}
	return dir
}

// BenchmarkFileTracker_ResumeLoadAndPrune measures opening a journal and
// dropping records whose PDF is gone without rewriting the file.
func BenchmarkFileTracker_ResumeLoadAndPrune(b *testing.B) {
	dir := seedJournal(b, 5000)
	keep := func(rec Record) bool {
		_, err := os.Stat(rec.Document)
		return err == nil
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tr, err := NewFileTracker(dir, RenderedJournal, false)
		if err != nil {
			b.Fatal(err)
		}
		if dropped, err := tr.Prune(keep); err != nil || dropped != 2500 {
			b.Fatalf("pruned %d records, err %v", dropped, err)
		}
	}
}

// BenchmarkFileTracker_ParallelRender mirrors render workers that each check
// the journal before rendering and record the result afterwards.
func BenchmarkFileTracker_ParallelRender(b *testing.B) {
	tr, err := NewFileTracker(b.TempDir(), RenderedJournal, true)
	if err != nil {
		b.Fatal(err)
	}
	defer tr.Close()
	var next atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			key := fmt.Sprintf("%064x", next.Add(1))
			if tr.AlreadyProcessed(key) {
				b.Error("fresh key reported as rendered")
				return
			}
			if err := tr.MarkProcessed(Record{Key: key, Document: key[:8] + ".pdf"}); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
