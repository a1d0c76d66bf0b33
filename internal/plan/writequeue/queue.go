// Package writequeue serializes read-modify-write edits to plan documents.
//
// Each path gets its own FIFO of operations drained by a single goroutine,
// so at most one edit per file is in flight while edits to different files
// proceed independently. Every operation sees the file's current bytes at
// the moment it runs, which means a user edit that lands between two queued
// operations is preserved rather than overwritten.
package writequeue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/controlroom/internal/errors"
	"github.com/Iron-Ham/controlroom/internal/logging"
	"github.com/Iron-Ham/controlroom/internal/plan"
)

// Op transforms the current contents of a document into its new contents.
// Returning the input unchanged skips the write.
type Op func(current []byte) ([]byte, error)

// Queue runs Ops against files one at a time per path.
type Queue struct {
	fs     afero.Fs
	logger *logging.Logger

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

type job struct {
	path   string
	op     Op
	future *Future
}

type worker struct {
	key     string
	pending []job
}

// Option configures a Queue.
type Option func(*Queue)

// WithFs sets the filesystem the queue reads and writes through.
func WithFs(fs afero.Fs) Option {
	return func(q *Queue) { q.fs = fs }
}

// WithLogger sets the queue logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a Queue backed by the OS filesystem unless WithFs is given.
func New(opts ...Option) *Queue {
	q := &Queue{
		fs:      afero.NewOsFs(),
		logger:  logging.NopLogger(),
		workers: make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.WithComponent("writequeue")
	return q
}

// Enqueue schedules op against path and returns a Future for its outcome.
// After Close the Future resolves immediately with ErrQueueClosed.
func (q *Queue) Enqueue(path string, op Op) *Future {
	f := newFuture(path)
	key := canonicalPath(path)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		f.resolve(nil, errors.ErrQueueClosed)
		return f
	}

	w, ok := q.workers[key]
	if !ok {
		w = &worker{key: key}
		q.workers[key] = w
		q.wg.Add(1)
		go q.drain(w)
	}
	w.pending = append(w.pending, job{path: path, op: op, future: f})
	return f
}

// canonicalPath maps every spelling of a file (relative, absolute or via a
// symlink) to one worker key.
func canonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	// The file may not exist yet; resolve the directory instead.
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs))
	}
	return abs
}

// drain runs queued jobs for one path until none remain, then retires the
// worker. A later Enqueue for the same path starts a fresh worker.
func (q *Queue) drain(w *worker) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(w.pending) == 0 {
			delete(q.workers, w.key)
			q.mu.Unlock()
			return
		}
		j := w.pending[0]
		w.pending = w.pending[1:]
		q.mu.Unlock()

		data, written, err := q.apply(j.path, j.op)
		if err != nil {
			q.logger.Warn("plan edit failed", "path", j.path, "error", err)
		}
		j.future.written = written
		j.future.resolve(data, err)
	}
}

// apply reads path, runs op and writes the result atomically. The returned
// bytes are the document as it stands after the job; written reports whether
// the file was replaced.
func (q *Queue) apply(path string, op Op) (data []byte, written bool, err error) {
	current, err := afero.ReadFile(q.fs, path)
	if err != nil {
		return nil, false, errors.NewWriteFailure(path, fmt.Errorf("failed to read: %w", err))
	}

	next, err := runOp(op, current)
	if err != nil {
		return current, false, err
	}
	if string(next) == string(current) {
		return current, false, nil
	}

	perm := os.FileMode(0o644)
	if info, err := q.fs.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	if err := atomicWrite(q.fs, path, next, perm); err != nil {
		return current, false, errors.NewWriteFailure(path, err)
	}
	q.logger.Debug("plan document written", "path", path, "bytes", len(next))
	return next, true, nil
}

// runOp converts a panicking Op into an error so one bad edit cannot stall
// the path's worker.
func runOp(op Op, current []byte) (next []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("edit panicked: %v", r)
		}
	}()
	return op(current)
}

// atomicWrite replaces path with data by writing a temp file in the same
// directory and renaming it over the original.
func atomicWrite(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = fs.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := fs.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Close stops accepting new operations and waits for queued ones to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}

// Future is the pending outcome of an enqueued Op.
type Future struct {
	path    string
	done    chan struct{}
	data    []byte
	err     error
	written bool
}

func newFuture(path string) *Future {
	return &Future{path: path, done: make(chan struct{})}
}

func (f *Future) resolve(data []byte, err error) {
	f.data = data
	f.err = err
	close(f.done)
}

// Done is closed once the operation has completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the operation completes and returns the document bytes
// after it ran.
func (f *Future) Result() ([]byte, error) {
	<-f.done
	return f.data, f.err
}

// Written blocks until the operation completes and reports whether it changed
// the file on disk. Ops that return their input unchanged never write.
func (f *Future) Written() bool {
	<-f.done
	return f.written
}

func (f *Future) wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until the operation completes and parses the resulting
// document as a plan. Cancelling ctx abandons the wait, not the write.
func (f *Future) Wait(ctx context.Context) (*plan.Plan, error) {
	data, err := f.wait(ctx)
	if err != nil {
		return nil, err
	}
	return plan.Parse(f.path, data)
}

// WaitTestPlan is Wait for test plan documents.
func (f *Future) WaitTestPlan(ctx context.Context) (*plan.TestPlan, error) {
	data, err := f.wait(ctx)
	if err != nil {
		return nil, err
	}
	return plan.ParseTestPlan(f.path, data)
}

// UpdateTaskStatusInFile sets the status of task id in the plan at path and
// returns the reparsed plan.
func UpdateTaskStatusInFile(ctx context.Context, q *Queue, path, id string, status plan.TaskStatus) (*plan.Plan, error) {
	return q.Enqueue(path, func(current []byte) ([]byte, error) {
		return plan.SetTaskStatus(current, id, status)
	}).Wait(ctx)
}

// ToggleTaskStatusInFile advances task id along the toggle cycle.
func ToggleTaskStatusInFile(ctx context.Context, q *Queue, path, id string) (*plan.Plan, error) {
	return q.Enqueue(path, func(current []byte) ([]byte, error) {
		return plan.ToggleTaskStatus(current, id)
	}).Wait(ctx)
}

// UpdateStepStatusInFile sets the status of test step id in the test plan at path.
func UpdateStepStatusInFile(ctx context.Context, q *Queue, path, id string, status plan.StepStatus) (*plan.TestPlan, error) {
	return q.Enqueue(path, func(current []byte) ([]byte, error) {
		return plan.SetStepStatus(current, id, status)
	}).WaitTestPlan(ctx)
}
