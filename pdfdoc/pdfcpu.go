package pdfdoc

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrNoInput is returned by Merge when called without documents.
var ErrNoInput = errors.New("no input documents")

func init() {
	// no config dir under $HOME
	api.DisableConfigDir()
}

func conf() *model.Configuration {
	c := model.NewDefaultConfiguration()
	c.ValidationMode = model.ValidationRelaxed
	return c
}

// PageCount reads the number of pages of the PDF at path.
func PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("page count %s: %w", path, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("page count %s: document has no pages", path)
	}
	return n, nil
}

// Validate checks that path holds a readable PDF.
func Validate(path string) error {
	if err := api.ValidateFile(path, conf()); err != nil {
		return fmt.Errorf("validate %s: %w", path, err)
	}
	return nil
}

// Merge concatenates inputs in order into out.
func Merge(inputs []string, out string) error {
	switch len(inputs) {
	case 0:
		return ErrNoInput
	case 1:
		return copyFile(inputs[0], out)
	}
	if err := api.MergeCreateFile(inputs, out, false, conf()); err != nil {
		return fmt.Errorf("merge into %s: %w", out, err)
	}
	return nil
}

// Bookmark is a top-level outline entry pointing at a 1-based page.
type Bookmark struct {
	Title string
	Page  int
}

// AddBookmarks replaces the outline of the PDF at path.
func AddBookmarks(path string, marks []Bookmark) error {
	if len(marks) == 0 {
		return nil
	}
	bms := make([]pdfcpu.Bookmark, 0, len(marks))
	for _, m := range marks {
		bms = append(bms, pdfcpu.Bookmark{Title: m.Title, PageFrom: m.Page})
	}
	if err := api.AddBookmarksFile(path, "", bms, true, conf()); err != nil {
		return fmt.Errorf("add bookmarks to %s: %w", path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
