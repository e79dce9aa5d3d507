package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/mail-to-pdf/model"
)

const defaultUnpackTimeout = 30 * time.Minute

// pstExtractor unpacks the container with readpst into a temporary folder and then reads it as a folder.
type pstExtractor struct {
	baseExtractor
	readpst string

	once     sync.Once
	unpacked *folderExtractor
	err      error
}

func newPSTExtractor(base baseExtractor) (*pstExtractor, error) {
	name := base.opts.Readpst
	if name == "" {
		name = "readpst"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, &ExtractionError{Path: base.archive.Path, Op: "find readpst", Err: fmt.Errorf("%w: %v", ErrUnpackerUnavailable, err)}
	}
	return &pstExtractor{baseExtractor: base, readpst: path}, nil
}

func (p *pstExtractor) unpack(ctx context.Context) (*folderExtractor, error) {
	p.once.Do(func() {
		dir, err := os.MkdirTemp(p.opts.TempDir, "pst-*")
		if err != nil {
			p.err = &ExtractionError{Path: p.archive.Path, Op: "create unpack dir", Err: err}
			return
		}

		timeout := p.opts.UnpackTimeout
		if timeout <= 0 {
			timeout = defaultUnpackTimeout
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		// -e one file per message with .eml extension, -D include deleted items, -M keep attachments inline.
		cmd := exec.CommandContext(runCtx, p.readpst, "-e", "-o", dir, "-D", "-M", p.archive.Path)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		started := time.Now()
		p.opts.Logger.Info("unpacking pst", "path", p.archive.Path, "dir", dir)
		if err := cmd.Run(); err != nil {
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("timed out after %s", timeout)
			} else if msg := strings.TrimSpace(stderr.String()); msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
			p.err = &ExtractionError{Path: p.archive.Path, Op: "readpst", Err: err}
			return
		}
		for _, line := range strings.Split(stderr.String(), "\n") {
			if strings.Contains(strings.ToLower(line), "warn") {
				p.opts.Logger.Warn("readpst", "path", p.archive.Path, "detail", strings.TrimSpace(line))
			}
		}
		p.opts.Logger.Info("pst unpacked", "path", p.archive.Path, "duration", time.Since(started))

		inner := baseExtractor{
			archive: model.Archive{Path: dir, Format: model.FormatFolder, Count: -1},
			opts:    p.opts,
		}
		p.unpacked = &folderExtractor{baseExtractor: inner, dir: dir}
	})
	return p.unpacked, p.err
}

func (p *pstExtractor) Count(ctx context.Context) (int, error) {
	folder, err := p.unpack(ctx)
	if err != nil {
		return 0, err
	}
	n, err := folder.Count(ctx)
	if err != nil {
		return 0, err
	}
	p.archive.Count = n
	return n, nil
}

func (p *pstExtractor) Stream(ctx context.Context, out chan<- model.Envelope) error {
	folder, err := p.unpack(ctx)
	if err != nil {
		return err
	}

	relay := make(chan model.Envelope)
	done := make(chan error, 1)
	go func() {
		done <- folder.Stream(ctx, relay)
		close(relay)
	}()

	for env := range relay {
		env.Raw.Source = p.archive.Path
		env.Raw.Format = model.FormatPST
		if err := send(ctx, out, env); err != nil {
			// drain so the folder goroutine can exit
			for range relay {
			}
			<-done
			return err
		}
	}
	return <-done
}
