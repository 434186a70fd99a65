package coordinator

import (
	"context"
	"io/fs"
	"time"

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/datasheet/internal/keylock"
	"github.com/jmgilman/go/datasheet/internal/logging"
	"github.com/jmgilman/go/datasheet/internal/metrics"
	"github.com/jmgilman/go/datasheet/opener"
	"github.com/jmgilman/go/datasheet/registry"
	"github.com/jmgilman/go/datasheet/remote"
	"github.com/jmgilman/go/datasheet/savedlist"
	"github.com/jmgilman/go/datasheet/store"
	"github.com/jmgilman/go/errors"
)

// maxAttempts bounds how often an operation re-derives the state after the
// filesystem changed underneath it.
const maxAttempts = 5

// Default timeouts applied when no call option overrides them.
const (
	DefaultFetchTimeout = 60 * time.Second
	DefaultWaitTimeout  = 2 * time.Minute
)

// Coordinator runs the open, save and remove transitions for documents.
type Coordinator struct {
	store    *store.Store
	registry *registry.Registry
	saved    *savedlist.List
	source   remote.Source
	opener   opener.Opener
	logger   *logging.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	fetchTimeout time.Duration
	waitTimeout  time.Duration

	// idLocks serializes filesystem mutations of a single artifact
	// (promotion, removal).
	idLocks keylock.Map[artifact.ID]
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOpener sets the collaborator that displays opened documents.
func WithOpener(o opener.Opener) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.opener = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithDefaultFetchTimeout sets the fetch timeout used when a call does not
// pass WithFetchTimeout. Zero disables the timeout.
func WithDefaultFetchTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.fetchTimeout = d
	}
}

// WithDefaultWaitTimeout sets how long callers wait on a fetch owned by
// someone else when a call does not pass WithWaitTimeout. Zero waits until
// the caller's context ends.
func WithDefaultWaitTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.waitTimeout = d
	}
}

// WithClock overrides the time source used for last-use timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a coordinator. The registry and saved list are owned by the
// caller and may be shared with other components.
func New(st *store.Store, reg *registry.Registry, saved *savedlist.List, src remote.Source, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        st,
		registry:     reg,
		saved:        saved,
		source:       src,
		opener:       opener.Nop,
		logger:       logging.NewNopLogger(),
		now:          time.Now,
		fetchTimeout: DefaultFetchTimeout,
		waitTimeout:  DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("coordinator")
	return c
}

// CallOption adjusts a single Open or Save call.
type CallOption func(*callOptions)

type callOptions struct {
	fetchTimeout time.Duration
	waitTimeout  time.Duration
}

// WithFetchTimeout bounds the remote fetch started by this call. Zero
// disables the timeout.
func WithFetchTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.fetchTimeout = d
	}
}

// WithWaitTimeout bounds how long this call waits on a fetch owned by another
// caller before failing with a concurrent fetch timeout. Zero waits until the
// context ends.
func WithWaitTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.waitTimeout = d
	}
}

func (c *Coordinator) callOptions(opts []CallOption) callOptions {
	o := callOptions{fetchTimeout: c.fetchTimeout, waitTimeout: c.waitTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Registry returns the download registry the coordinator publishes to.
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// Store returns the artifact store.
func (c *Coordinator) Store() *store.Store {
	return c.store
}

// Saved returns the saved list.
func (c *Coordinator) Saved() *savedlist.List {
	return c.saved
}

func (c *Coordinator) lockID(id artifact.ID) func() {
	return c.idLocks.Lock(id)
}

// State returns the current state of id.
func (c *Coordinator) State(ctx context.Context, id artifact.ID) (artifact.State, error) {
	if err := id.Validate(); err != nil {
		return artifact.NotDownloaded, err
	}
	if err := ctx.Err(); err != nil {
		return artifact.NotDownloaded, err
	}
	if state, ok := c.registry.Observe(id); ok {
		return state, nil
	}
	return c.localState(id)
}

// localState derives the state from the saved list and the filesystem only.
func (c *Coordinator) localState(id artifact.ID) (artifact.State, error) {
	if _, ok, err := c.customCopy(id); err != nil {
		return artifact.NotDownloaded, err
	} else if ok {
		return artifact.Saved, nil
	}

	name := store.DocumentFile(id)
	saved, err := c.store.Exists(store.SavedDocuments, name)
	if err != nil {
		return artifact.NotDownloaded, err
	}
	if saved {
		return artifact.Saved, nil
	}

	cached, err := c.store.Exists(store.CachedDocuments, name)
	if err != nil {
		return artifact.NotDownloaded, err
	}
	if cached {
		return artifact.Cached, nil
	}
	return artifact.NotDownloaded, nil
}

// SavedPath returns the location of the saved copy of id. A custom record
// whose file still exists points outside the saved area.
func (c *Coordinator) SavedPath(id artifact.ID) string {
	if path, ok, err := c.customCopy(id); err == nil && ok {
		return path
	}
	return c.store.Path(store.SavedDocuments, store.DocumentFile(id))
}

// customCopy returns the user supplied file recorded for id and whether it
// still exists.
func (c *Coordinator) customCopy(id artifact.ID) (string, bool, error) {
	rec, ok := c.saved.Find(id)
	if !ok || !rec.IsCustom() {
		return "", false, nil
	}
	exists, err := c.store.FS().Exists(rec.CustomPath)
	if err != nil {
		return "", false, artifact.StorageIOFailed(err, "stat", rec.CustomPath)
	}
	return rec.CustomPath, exists, nil
}

// CachedPath returns the location of the cached copy of id.
func (c *Coordinator) CachedPath(id artifact.ID) string {
	return c.store.Path(store.CachedDocuments, store.DocumentFile(id))
}

// wait blocks until the fetch of id owned by another caller has ended.
func (c *Coordinator) wait(ctx context.Context, id artifact.ID, op string, o callOptions) error {
	c.metrics.RecordJoin(op)
	c.logger.Debug(ctx, "waiting for in-flight fetch", "id", string(id), "operation", op)

	if o.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.waitTimeout)
		defer cancel()
	}
	return c.registry.WaitDone(ctx, id)
}

func unstable(id artifact.ID, op string) error {
	return errors.WithClassification(
		errors.WithContextMap(
			errors.Newf(errors.CodeConflict, "state of artifact kept changing during %s", op),
			map[string]interface{}{"id": string(id)},
		),
		errors.ClassificationRetryable,
	)
}

func isNotFound(err error) bool {
	return errors.GetCode(err) == errors.CodeNotFound || errors.Is(err, fs.ErrNotExist)
}
