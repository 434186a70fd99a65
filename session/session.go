// Package session assembles the datasheet cache components into one
// explicitly owned service object.
//
// A Session owns the download registry and the saved list for as long as it
// is open. Nothing in this module keeps process-wide state; callers create a
// session at startup, pass it (or the components it exposes) to whatever
// needs it, and close it on shutdown:
//
//	cfg, err := config.NewLoader(billy.NewLocal()).WithPath(path).Load()
//	if err != nil {
//	    return err
//	}
//	s, err := session.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	path, err := s.Coordinator().Open(ctx, d)
//
// On a local filesystem the storage root is locked for the lifetime of the
// session so two processes never coordinate downloads over the same files
// independently.
package session

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/jmgilman/go/datasheet/config"
	"github.com/jmgilman/go/datasheet/coordinator"
	"github.com/jmgilman/go/datasheet/evict"
	"github.com/jmgilman/go/datasheet/imagecache"
	"github.com/jmgilman/go/datasheet/internal/logging"
	"github.com/jmgilman/go/datasheet/internal/metrics"
	"github.com/jmgilman/go/datasheet/opener"
	"github.com/jmgilman/go/datasheet/registry"
	"github.com/jmgilman/go/datasheet/remote"
	"github.com/jmgilman/go/datasheet/savedlist"
	"github.com/jmgilman/go/datasheet/store"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
)

// LockFileName is the lock file created in the storage root.
const LockFileName = ".lock"

type options struct {
	fs      core.FS
	source  remote.Source
	opener  opener.Opener
	logger  *logging.Logger
	metrics *metrics.Collector
}

// Option configures a Session.
type Option func(*options)

// WithFS replaces the local filesystem. Sessions on other filesystems skip
// the storage root lock.
func WithFS(fsys core.FS) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithSource replaces the HTTP remote source.
func WithSource(src remote.Source) Option {
	return func(o *options) {
		o.source = src
	}
}

// WithOpener replaces the system viewer.
func WithOpener(op opener.Opener) Option {
	return func(o *options) {
		o.opener = op
	}
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics replaces the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// Session owns the components of one application session.
type Session struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Collector

	lock     *flock.Flock
	store    *store.Store
	registry *registry.Registry
	saved    *savedlist.List
	coord    *coordinator.Coordinator
	images   *imagecache.Cache
	evictor  *evict.Evictor
	startup  evict.Report
	stopGC   func()

	closeOnce sync.Once
	closeErr  error
}

// New opens a session. It locks the storage root, removes leftovers of
// interrupted writes, loads the saved list, deletes saved documents without a
// record, runs one eviction pass and, when configured, starts periodic
// eviction.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Session, err error) {
	if cfg == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "config cannot be nil")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.fs == nil {
		o.fs = billy.NewLocal()
	}
	if o.logger == nil {
		if o.logger, err = cfg.Logger(); err != nil {
			return nil, err
		}
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	root := cfg.StorageRoot
	if o.fs.Type() == core.FSTypeLocal {
		if root, err = filepath.Abs(root); err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidConfig, "invalid storage root")
		}
	}

	s := &Session{
		cfg:      cfg,
		logger:   o.logger,
		metrics:  o.metrics,
		registry: registry.New(),
		stopGC:   func() {},
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if o.fs.Type() == core.FSTypeLocal {
		if err := s.acquireLock(o.fs, root); err != nil {
			return nil, err
		}
	}

	if s.store, err = store.New(o.fs, root); err != nil {
		return nil, err
	}
	if n, err := s.store.CleanupTemp(); err != nil {
		s.logger.Warn(ctx, "failed to clean temporary files", "error", err.Error())
	} else if n > 0 {
		s.logger.Info(ctx, "removed interrupted writes", "count", n)
	}

	backend, err := openBackend(ctx, cfg, o.fs, s.store)
	if err != nil {
		return nil, err
	}
	s.saved = savedlist.New(backend, savedlist.WithLogger(s.logger))
	if err := s.saved.Load(ctx); err != nil {
		return nil, err
	}
	s.metrics.SetSavedArtifacts(s.saved.Len())

	src := o.source
	if src == nil {
		src = remote.NewHTTPSource(remote.HTTPOptions{
			UserAgent: cfg.UserAgent,
			Retries:   cfg.FetchRetries,
		})
	}
	op := o.opener
	if op == nil {
		op = opener.NewSystem(opener.WithCommand(cfg.Viewer))
	}

	s.coord = coordinator.New(s.store, s.registry, s.saved, src,
		coordinator.WithOpener(op),
		coordinator.WithLogger(s.logger),
		coordinator.WithMetrics(s.metrics),
		coordinator.WithDefaultFetchTimeout(cfg.FetchTimeout.Std()),
		coordinator.WithDefaultWaitTimeout(cfg.WaitTimeout.Std()),
	)
	s.images = imagecache.New(s.store, src,
		imagecache.WithLogger(s.logger),
		imagecache.WithMetrics(s.metrics),
		imagecache.WithTimeout(cfg.ImageTimeout.Std()),
	)
	s.evictor = evict.New(s.store, cfg.MaxDocumentCacheBytes,
		evict.WithSaved(s.saved),
		evict.WithLogger(s.logger),
		evict.WithMetrics(s.metrics),
	)

	if _, err := s.coord.Reconcile(ctx); err != nil {
		s.logger.Warn(ctx, "failed to reconcile saved documents", "error", err.Error())
	}

	// A failed pass leaves the cache over budget but usable.
	s.startup, _ = s.evictor.Run(ctx)

	if interval := cfg.EvictInterval.Std(); interval > 0 {
		s.stopGC = s.evictor.StartGC(interval)
	}

	s.logger.Info(ctx, "session opened",
		"storage_root", root,
		"saved", s.saved.Len(),
		"cache_bytes", s.startup.Remaining,
		"budget", cfg.MaxDocumentCacheBytes)
	return s, nil
}

func (s *Session) acquireLock(fsys core.FS, root string) error {
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return errors.WrapWithContext(err, errors.CodeInvalidConfig, "failed to create storage root", map[string]interface{}{
			"path": root,
		})
	}

	path := filepath.Join(root, LockFileName)
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return errors.WrapWithContext(err, errors.CodeInternal, "failed to lock storage root", map[string]interface{}{
			"path": path,
		})
	}
	if !ok {
		return errors.WithContext(
			errors.New(errors.CodeConflict, "storage root is in use by another session"),
			"path", path,
		)
	}
	s.lock = lock
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config, fsys core.FS, st *store.Store) (savedlist.Backend, error) {
	switch cfg.SavedListBackend {
	case config.BackendSQLite:
		if fsys.Type() != core.FSTypeLocal {
			return nil, errors.New(errors.CodeInvalidConfig, "sqlite saved list requires a local filesystem")
		}
		return savedlist.OpenSQLite(ctx, st.Path(store.SavedDocuments, savedlist.DefaultDatabaseName))
	default:
		return savedlist.NewJSONFile(fsys, st.Path(store.SavedDocuments, savedlist.DefaultFileName)), nil
	}
}

// Config returns the resolved configuration.
func (s *Session) Config() *config.Config {
	return s.cfg
}

// Logger returns the session logger.
func (s *Session) Logger() *logging.Logger {
	return s.logger
}

// Coordinator returns the document state machine.
func (s *Session) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// Images returns the image cache.
func (s *Session) Images() *imagecache.Cache {
	return s.images
}

// Evictor returns the document cache evictor.
func (s *Session) Evictor() *evict.Evictor {
	return s.evictor
}

// StartupEviction returns the report of the eviction pass run by New.
func (s *Session) StartupEviction() evict.Report {
	return s.startup
}

// Registry returns the download registry.
func (s *Session) Registry() *registry.Registry {
	return s.registry
}

// Store returns the artifact store.
func (s *Session) Store() *store.Store {
	return s.store
}

// Saved returns the saved list.
func (s *Session) Saved() *savedlist.List {
	return s.saved
}

// Metrics returns the metrics collector.
func (s *Session) Metrics() *metrics.Collector {
	return s.metrics
}

// Close stops periodic eviction, persists the saved list if it has unsaved
// changes, closes its backend and releases the storage root. It is safe to
// call more than once; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stopGC()

		if s.saved != nil {
			if s.saved.Dirty() {
				if err := s.saved.Save(context.Background()); err != nil {
					s.closeErr = err
				}
			}
			if err := s.saved.Close(); err != nil && s.closeErr == nil {
				s.closeErr = errors.Wrap(err, errors.CodeDatabase, "failed to close saved list")
			}
		}

		if s.lock != nil {
			if err := s.lock.Unlock(); err != nil && s.closeErr == nil {
				s.closeErr = errors.Wrap(err, errors.CodeInternal, "failed to unlock storage root")
			}
		}
	})
	return s.closeErr
}
