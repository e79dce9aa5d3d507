// Package mailapi detects the platform mail API used to write PST stores
// and wraps it behind a small item/store interface.
package mailapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// DefaultHelper is the helper executable looked up on PATH.
const DefaultHelper = "pst-helper"

var ErrNotSupported = errors.New("mail api not supported on this platform")

// Capability is the outcome of Detect.
type Capability struct {
	Found  bool
	Name   string
	Path   string
	Reason string
	Stores StoreOpener
}

// StoreOpener opens or creates a PST store at path.
type StoreOpener interface {
	Open(ctx context.Context, path string) (Store, error)
}

type Store interface {
	// NewItem creates an unsaved message item in folder.
	NewItem(folder string) (Item, error)
	Close() error
}

// Item is one message inside a store. Properties set after the first Save are
// ignored by the underlying API.
type Item interface {
	SetMIME(raw []byte) error
	SetTimes(delivery, submit time.Time) error
	Save() error
	Saved() bool
}

type DetectOptions struct {
	// HelperPath overrides the PATH lookup.
	HelperPath string
	// GOOS overrides runtime.GOOS.
	GOOS    string
	Timeout time.Duration
}

// Detect reports whether PST writing is possible on this host.
func Detect(opts DetectOptions) Capability {
	goos := opts.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos != "windows" {
		return Capability{Name: DefaultHelper, Reason: fmt.Sprintf("%v (%s)", ErrNotSupported, goos)}
	}

	path := opts.HelperPath
	if path == "" {
		p, err := exec.LookPath(DefaultHelper)
		if err != nil {
			return Capability{Name: DefaultHelper, Reason: fmt.Sprintf("%s not found: %v", DefaultHelper, err)}
		}
		path = p
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return Capability{
		Found:  true,
		Name:   DefaultHelper,
		Path:   path,
		Stores: &helperOpener{bin: path, timeout: timeout},
	}
}

// helperOpener drives the helper executable, one process per saved item.
type helperOpener struct {
	bin     string
	timeout time.Duration
}

func (h *helperOpener) Open(ctx context.Context, path string) (Store, error) {
	if err := h.run(ctx, nil, "open", "--store", path); err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &helperStore{ctx: ctx, opener: h, path: path}, nil
}

func (h *helperOpener) run(ctx context.Context, stdin []byte, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.bin, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", DefaultHelper, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

type helperStore struct {
	ctx    context.Context
	opener *helperOpener
	path   string
}

func (s *helperStore) NewItem(folder string) (Item, error) {
	return &helperItem{store: s, folder: folder}, nil
}

func (s *helperStore) Close() error {
	return s.opener.run(s.ctx, nil, "close", "--store", s.path)
}

type helperItem struct {
	store    *helperStore
	folder   string
	raw      []byte
	delivery time.Time
	submit   time.Time
	saved    bool
}

func (i *helperItem) SetMIME(raw []byte) error {
	i.raw = raw
	return nil
}

func (i *helperItem) SetTimes(delivery, submit time.Time) error {
	i.delivery, i.submit = delivery, submit
	return nil
}

func (i *helperItem) Save() error {
	args := []string{"add", "--store", i.store.path, "--folder", i.folder}
	if !i.delivery.IsZero() {
		args = append(args, "--delivery-time", i.delivery.UTC().Format(time.RFC3339))
	}
	if !i.submit.IsZero() {
		args = append(args, "--submit-time", i.submit.UTC().Format(time.RFC3339))
	}
	if err := i.store.opener.run(i.store.ctx, i.raw, args...); err != nil {
		return err
	}
	i.saved = true
	return nil
}

func (i *helperItem) Saved() bool {
	return i.saved
}
