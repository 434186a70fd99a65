package store

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"
)

// Writer streams an artifact into a temporary file. Nothing becomes visible
// at the destination until Commit succeeds. Exactly one of Commit or Abort
// should be called; calling Abort after Commit is a no-op, which makes
// `defer w.Abort()` safe.
type Writer struct {
	s       *Store
	ns      Namespace
	name    string
	tmp     string
	file    core.File
	written int64

	mu   sync.Mutex
	done bool
}

// Create starts an atomic write of name in ns.
func (s *Store) Create(ctx context.Context, ns Namespace, name string) (*Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	tmp := s.tempPath()
	f, err := s.fs.Create(tmp)
	if err != nil {
		return nil, artifact.StorageIOFailed(err, "create temp file", tmp)
	}
	return &Writer{s: s, ns: ns, name: name, tmp: tmp, file: f}, nil
}

// Write appends p to the temporary file.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.written += int64(n)
	if err != nil {
		return n, artifact.StorageIOFailed(err, "write", w.tmp)
	}
	return n, nil
}

// Written returns the number of bytes written so far.
func (w *Writer) Written() int64 {
	return w.written
}

// Commit closes the temporary file and renames it over the destination.
func (w *Writer) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return errors.New(errors.CodeConflict, "writer already finished")
	}
	w.done = true

	if s, ok := w.file.(core.Syncer); ok {
		_ = s.Sync()
	}
	if err := w.file.Close(); err != nil {
		_ = w.s.fs.Remove(w.tmp)
		return artifact.StorageIOFailed(err, "close temp file", w.tmp)
	}

	dst := w.s.Path(w.ns, w.name)
	if err := w.s.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		_ = w.s.fs.Remove(w.tmp)
		return artifact.StorageIOFailed(err, "create directory", filepath.Dir(dst))
	}

	unlock := w.s.lock(dst)
	err := w.s.rename(w.tmp, dst)
	unlock()
	if err != nil {
		_ = w.s.fs.Remove(w.tmp)
		return artifact.StorageIOFailed(err, "rename temp file", dst)
	}
	return nil
}

// Abort discards the temporary file.
func (w *Writer) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	_ = w.file.Close()
	_ = w.s.fs.Remove(w.tmp)
}
