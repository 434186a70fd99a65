// Package store provides atomic filesystem storage for datasheet artifacts.
//
// Artifacts live in three namespaces under a single storage root:
//
//	<root>/
//	├── .temp/                # In-progress writes, removed on startup
//	├── Cache/
//	│   ├── Datasheets/       # Evictable document cache (<id>.pdf)
//	│   └── Images/           # Image cache (<file name>)
//	└── SavedDatasheets/      # Persistent saved documents (<id>.pdf)
//
// Every write goes to a temporary file first and is renamed into place only
// once complete, so readers never observe a partially written artifact.
// The store is backed by core.FS, which allows tests to run against an
// in-memory filesystem.
package store

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/datasheet/internal/keylock"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"
)

// Namespace selects one of the storage areas.
type Namespace int

const (
	// SavedDocuments holds documents the user chose to keep. Never evicted.
	SavedDocuments Namespace = iota
	// CachedDocuments holds documents fetched for viewing. Subject to eviction.
	CachedDocuments
	// CachedImages holds downloaded images.
	CachedImages
)

// Dir returns the namespace directory relative to the storage root.
func (n Namespace) Dir() string {
	switch n {
	case SavedDocuments:
		return "SavedDatasheets"
	case CachedDocuments:
		return filepath.Join("Cache", "Datasheets")
	case CachedImages:
		return filepath.Join("Cache", "Images")
	default:
		return ""
	}
}

func (n Namespace) String() string {
	switch n {
	case SavedDocuments:
		return "saved"
	case CachedDocuments:
		return "cached"
	case CachedImages:
		return "images"
	default:
		return "unknown"
	}
}

// Namespaces lists every namespace managed by the store.
var Namespaces = []Namespace{SavedDocuments, CachedDocuments, CachedImages}

// DocumentExt is the extension of stored documents.
const DocumentExt = ".pdf"

// DocumentFile returns the file name of the document with the given ID.
func DocumentFile(id artifact.ID) string {
	return string(id) + DocumentExt
}

// ErrTouchUnsupported is returned by Touch when the filesystem cannot update
// timestamps.
var ErrTouchUnsupported = errors.New(errors.CodeNotImplemented, "filesystem does not support timestamp updates")

// Entry describes a stored file.
type Entry struct {
	Namespace  Namespace
	Name       string
	Size       int64
	ModTime    time.Time
	AccessTime time.Time // later of last access and last modification
	ExactATime bool      // false when AccessTime fell back to ModTime
}

// Store provides artifact storage on a core.FS.
type Store struct {
	fs        core.FS
	root      string
	tempDir   string
	fileLocks keylock.Map[string] // keyed by full path
}

// New creates a store rooted at root, creating the namespace directories.
func New(fsys core.FS, root string) (*Store, error) {
	if fsys == nil {
		return nil, errors.New(errors.CodeInvalidInput, "filesystem cannot be nil")
	}
	if root == "" {
		return nil, errors.New(errors.CodeInvalidInput, "storage root cannot be empty")
	}

	s := &Store{
		fs:      fsys,
		root:    root,
		tempDir: filepath.Join(root, ".temp"),
	}

	dirs := []string{root, s.tempDir}
	for _, ns := range Namespaces {
		dirs = append(dirs, filepath.Join(root, ns.Dir()))
	}
	for _, dir := range dirs {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, artifact.StorageIOFailed(err, "create directory", dir)
		}
	}
	return s, nil
}

// Root returns the storage root.
func (s *Store) Root() string {
	return s.root
}

// FS returns the underlying filesystem.
func (s *Store) FS() core.FS {
	return s.fs
}

// Path returns the full path of name in ns. On a local filesystem this is the
// path handed to external viewers.
func (s *Store) Path(ns Namespace, name string) string {
	return filepath.Join(s.root, ns.Dir(), name)
}

func (s *Store) lock(path string) (unlock func()) {
	return s.fileLocks.Lock(path)
}

func validName(name string) error {
	if err := artifact.ID(name).Validate(); err != nil {
		return errors.Wrapf(err, errors.CodeInvalidInput, "invalid file name %q", name)
	}
	return nil
}

// Exists reports whether name exists in ns.
func (s *Store) Exists(ns Namespace, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	path := s.Path(ns, name)
	ok, err := s.fs.Exists(path)
	if err != nil {
		return false, artifact.StorageIOFailed(err, "stat", path)
	}
	return ok, nil
}

// Stat returns the entry for name in ns. A missing file yields a NOT_FOUND
// error.
func (s *Store) Stat(ns Namespace, name string) (Entry, error) {
	if err := validName(name); err != nil {
		return Entry{}, err
	}
	path := s.Path(ns, name)
	info, err := s.fs.Stat(path)
	if err != nil {
		return Entry{}, statError(err, path)
	}
	return newEntry(ns, info), nil
}

func statError(err error, path string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errors.WrapWithContext(err, errors.CodeNotFound, "file not found", map[string]interface{}{
			"path": path,
		})
	}
	return artifact.StorageIOFailed(err, "stat", path)
}

func newEntry(ns Namespace, info fs.FileInfo) Entry {
	atime, exact := accessTime(info)
	if atime.Before(info.ModTime()) {
		atime = info.ModTime()
	}
	return Entry{
		Namespace:  ns,
		Name:       info.Name(),
		Size:       info.Size(),
		ModTime:    info.ModTime(),
		AccessTime: atime,
		ExactATime: exact,
	}
}

// Open opens name in ns for reading.
func (s *Store) Open(ns Namespace, name string) (fs.File, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	path := s.Path(ns, name)
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, statError(err, path)
	}
	return f, nil
}

// ReadFile returns the contents of name in ns.
func (s *Store) ReadFile(ns Namespace, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	path := s.Path(ns, name)
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, statError(err, path)
	}
	return data, nil
}

// Write stores the contents of r as name in ns atomically. It returns the
// number of bytes written. Cancelling ctx aborts the copy and leaves any
// existing file untouched.
func (s *Store) Write(ctx context.Context, ns Namespace, name string, r io.Reader) (int64, error) {
	w, err := s.Create(ctx, ns, name)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		w.Abort()
		return n, err
	}
	if err := w.Commit(); err != nil {
		return n, err
	}
	return n, nil
}

// Delete removes name from ns. Deleting a missing file is not an error.
func (s *Store) Delete(ns Namespace, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	path := s.Path(ns, name)

	unlock := s.lock(path)
	defer unlock()

	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return artifact.StorageIOFailed(err, "remove", path)
	}
	return nil
}

// Move relocates name from one namespace to another, replacing any file at
// the destination. A rename is attempted first; if it fails the file is
// copied and the source removed.
func (s *Store) Move(ctx context.Context, from, to Namespace, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	src := s.Path(from, name)
	dst := s.Path(to, name)

	ok, err := s.fs.Exists(src)
	if err != nil {
		return artifact.StorageIOFailed(err, "stat", src)
	}
	if !ok {
		return errors.WithContext(errors.New(errors.CodeNotFound, "source file not found"), "path", src)
	}

	unlock := s.lock(dst)
	err = s.rename(src, dst)
	unlock()
	if err == nil {
		return nil
	}

	f, err := s.fs.Open(src)
	if err != nil {
		return statError(err, src)
	}
	_, err = s.Write(ctx, to, name, f)
	_ = f.Close()
	if err != nil {
		return err
	}
	return s.Delete(from, name)
}

// rename moves src over dst, clearing dst first on filesystems that refuse to
// overwrite.
func (s *Store) rename(src, dst string) error {
	err := s.fs.Rename(src, dst)
	if err == nil {
		return nil
	}
	if ok, _ := s.fs.Exists(dst); !ok {
		return err
	}
	if rmErr := s.fs.Remove(dst); rmErr != nil {
		return err
	}
	return s.fs.Rename(src, dst)
}

// Touch sets the access time of name in ns to t, keeping the modification
// time. It returns ErrTouchUnsupported when the filesystem has no way to
// change timestamps.
func (s *Store) Touch(ns Namespace, name string, t time.Time) error {
	if err := validName(name); err != nil {
		return err
	}
	path := s.Path(ns, name)
	info, err := s.fs.Stat(path)
	if err != nil {
		return statError(err, path)
	}
	mtime := info.ModTime()

	switch {
	case asMetadataFS(s.fs) != nil:
		err = asMetadataFS(s.fs).Chtimes(path, t, mtime)
	case asBillyChange(s.fs) != nil:
		err = asBillyChange(s.fs).Chtimes(path, t, mtime)
	case s.fs.Type() == core.FSTypeLocal:
		err = os.Chtimes(path, t, mtime)
	default:
		return ErrTouchUnsupported
	}
	if err != nil {
		return artifact.StorageIOFailed(err, "update access time", path)
	}
	return nil
}

func asMetadataFS(fsys core.FS) core.MetadataFS {
	m, _ := fsys.(core.MetadataFS)
	return m
}

func asBillyChange(fsys core.FS) billy.Change {
	u, ok := fsys.(interface{ Unwrap() billy.Filesystem })
	if !ok {
		return nil
	}
	c, _ := u.Unwrap().(billy.Change)
	return c
}

// List returns the files in ns sorted by name. Directories and anything that
// fails to stat are skipped.
func (s *Store) List(ns Namespace) ([]Entry, error) {
	dir := filepath.Join(s.root, ns.Dir())
	ok, err := s.fs.Exists(dir)
	if err != nil {
		return nil, artifact.StorageIOFailed(err, "stat", dir)
	}
	if !ok {
		return []Entry{}, nil
	}

	dirEntries, err := s.fs.ReadDir(dir)
	if err != nil {
		return nil, artifact.StorageIOFailed(err, "read directory", dir)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, newEntry(ns, info))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Size returns the total size of all files in ns.
func (s *Store) Size(ns Namespace) (int64, error) {
	entries, err := s.List(ns)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, nil
}

// CleanupTemp removes leftovers of interrupted writes. It returns the number
// of files removed.
func (s *Store) CleanupTemp() (int, error) {
	entries, err := s.fs.ReadDir(s.tempDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, artifact.StorageIOFailed(err, "read directory", s.tempDir)
	}
	removed := 0
	for _, e := range entries {
		if err := s.fs.RemoveAll(filepath.Join(s.tempDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) tempPath() string {
	return filepath.Join(s.tempDir, uuid.NewString())
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
