// Package watcher reloads a document whenever it changes on disk and
// suppresses the change notifications caused by the process's own writes.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/controlroom/internal/errors"
	"github.com/Iron-Ham/controlroom/internal/logging"
	"github.com/Iron-Ham/controlroom/internal/plan"
)

const (
	defaultDebounce = 100 * time.Millisecond
	defaultSettle   = 250 * time.Millisecond
)

// ParseFunc turns document bytes into a value.
type ParseFunc[T any] func(path string, data []byte) (T, error)

// Options configures a watch.
type Options struct {
	// Debounce collapses bursts of filesystem events into one reload.
	Debounce time.Duration
	// Settle is how long after a Window ends that a reload of the
	// self-written content is still treated as an echo.
	Settle time.Duration
	// OnError receives read and parse failures. Nil discards them.
	OnError func(error)
	Logger  *logging.Logger
}

// Handle is a running watch on one file.
type Handle[T any] struct {
	path     string
	name     string
	parse    ParseFunc[T]
	onChange func(T)
	opts     Options
	fsw      *fsnotify.Watcher
	logger   *logging.Logger

	mu       sync.Mutex
	current  T
	baseline string
	open     int
	deferred bool
	expected map[string]time.Time

	kick     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Start parses path once and then watches it. onChange is invoked from the
// watch goroutine with each externally changed value, in order. A file that
// cannot be read fails Start; a file that cannot be parsed is reported to
// OnError and watching continues.
func Start[T any](path string, parse ParseFunc[T], onChange func(T), opts Options) (*Handle[T], error) {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Settle <= 0 {
		opts.Settle = defaultSettle
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so atomic replaces (rename over the file) are seen.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	h := &Handle[T]{
		path:     path,
		name:     filepath.Base(path),
		parse:    parse,
		onChange: onChange,
		opts:     opts,
		fsw:      fsw,
		logger:   opts.Logger.WithComponent("watcher").With("path", path),
		expected: make(map[string]time.Time),
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	h.baseline = plan.HashBytes(data)
	if v, err := parse(path, data); err != nil {
		h.report(err)
	} else {
		h.current = v
	}

	go h.watchLoop()
	return h, nil
}

// Current returns the most recently parsed value, including values loaded
// from self-writes.
func (h *Handle[T]) Current() T {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Hash returns the content hash of the last successfully parsed bytes.
func (h *Handle[T]) Hash() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.baseline
}

// Path returns the watched file.
func (h *Handle[T]) Path() string {
	return h.path
}

// Stop ends the watch and waits for the watch goroutine to exit. It is safe
// to call more than once.
func (h *Handle[T]) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.fsw.Close()
	})
	<-h.doneCh
}

func (h *Handle[T]) watchLoop() {
	defer close(h.doneCh)

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	for {
		select {
		case <-h.stopCh:
			debounceTimer.Stop()
			return

		case event, ok := <-h.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != h.name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debounceTimer.Reset(h.opts.Debounce)

		case <-debounceTimer.C:
			h.reload()

		case <-h.kick:
			h.reload()

		case err, ok := <-h.fsw.Errors:
			if !ok {
				return
			}
			h.report(fmt.Errorf("watch %s: %w", h.path, err))
		}
	}
}

// reload reads the file and classifies the change. While any Window is open
// the reload is deferred until the last one ends.
func (h *Handle[T]) reload() {
	h.mu.Lock()
	if h.open > 0 {
		h.deferred = true
		h.mu.Unlock()
		return
	}
	h.deferred = false
	h.mu.Unlock()

	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			// Mid-replace; the Create that follows triggers another reload.
			h.logger.Debug("watched file missing")
			return
		}
		h.report(fmt.Errorf("failed to read %s: %w", h.path, err))
		return
	}
	hash := plan.HashBytes(data)

	h.mu.Lock()
	now := time.Now()
	for k, until := range h.expected {
		if now.After(until) {
			delete(h.expected, k)
		}
	}
	// Each self-write suppresses exactly one reload.
	_, echo := h.expected[hash]
	delete(h.expected, hash)
	h.mu.Unlock()

	v, err := h.parse(h.path, data)
	if err != nil {
		h.report(err)
		return
	}

	h.mu.Lock()
	h.current = v
	h.baseline = hash
	h.mu.Unlock()

	if echo {
		h.logger.Debug("suppressed self-write", "hash", hash)
		return
	}
	if h.onChange != nil {
		h.onChange(v)
	}
}

func (h *Handle[T]) report(err error) {
	if !errors.Is(err, errors.ErrMalformedPlan) {
		h.logger.Warn("watch error", "error", err)
	}
	if h.opts.OnError != nil {
		h.opts.OnError(err)
	}
}

// Window marks an in-progress self-write.
type Window struct {
	end  func(hash string)
	once sync.Once
}

// End closes the window. hash is the content hash of the bytes that were
// written, or empty when nothing was written, including edits that left the
// file unchanged.
func (w *Window) End(hash string) {
	w.once.Do(func() { w.end(hash) })
}

// ExpectWrite opens a Window around a write the caller is about to make.
// Reloads are held while it is open; once it ends, a reload whose content
// hash equals the written hash updates Current without calling onChange.
func (h *Handle[T]) ExpectWrite() *Window {
	h.mu.Lock()
	h.open++
	h.mu.Unlock()
	return &Window{end: h.endWrite}
}

func (h *Handle[T]) endWrite(hash string) {
	h.mu.Lock()
	h.open--
	if hash != "" {
		// The echo can still be waiting on the debounce timer.
		h.expected[hash] = time.Now().Add(h.opts.Settle + h.opts.Debounce)
	}
	resume := h.open == 0 && h.deferred
	h.mu.Unlock()

	if resume {
		select {
		case h.kick <- struct{}{}:
		default:
		}
	}
}
