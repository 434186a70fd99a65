package coordinator

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/datasheet/internal/metrics"
	"github.com/jmgilman/go/datasheet/registry"
	"github.com/jmgilman/go/datasheet/remote"
	"github.com/jmgilman/go/datasheet/remote/remotetest"
	"github.com/jmgilman/go/datasheet/savedlist"
	"github.com/jmgilman/go/datasheet/store"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) Open(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return nil
}

func (r *recorder) Opened() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

// flakyBackend fails every Store while fail is set.
type flakyBackend struct {
	savedlist.Backend
	fail atomic.Bool
}

func (b *flakyBackend) Store(ctx context.Context, records []savedlist.Record) error {
	if b.fail.Load() {
		return errors.New(errors.CodeInternal, "disk full")
	}
	return b.Backend.Store(ctx, records)
}

type fixture struct {
	c       *Coordinator
	st      *store.Store
	reg     *registry.Registry
	list    *savedlist.List
	backend *flakyBackend
	src     *remotetest.Source
	opened  *recorder
	root    string
}

// newFixture builds a coordinator on the local filesystem below a temporary
// directory so concurrent tests exercise a goroutine safe filesystem.
func newFixture(t *testing.T, src remote.Source, opts ...Option) *fixture {
	t.Helper()
	return newFixtureOn(t, billy.NewLocal(), t.TempDir(), src, opts...)
}

func newFixtureOn(t require.TestingT, fsys core.FS, root string, src remote.Source, opts ...Option) *fixture {
	st, err := store.New(fsys, root)
	require.NoError(t, err)

	backend := &flakyBackend{Backend: savedlist.NewJSONFile(fsys, listPath(root))}
	list := savedlist.New(backend)
	require.NoError(t, list.Load(context.Background()))

	fake := remotetest.New()
	if src == nil {
		src = fake
	}
	rec := &recorder{}
	reg := registry.New()
	opts = append([]Option{WithOpener(rec)}, opts...)

	return &fixture{
		c:       New(st, reg, list, src, opts...),
		st:      st,
		reg:     reg,
		list:    list,
		backend: backend,
		src:     fake,
		opened:  rec,
		root:    root,
	}
}

func listPath(root string) string {
	return filepath.Join(root, "SavedDatasheets", savedlist.DefaultFileName)
}

func (f *fixture) descriptor(name string) artifact.Descriptor {
	d := artifact.NewDescriptor(name, "TI", "regulator", "https://example.com/ds/"+name+".pdf", "")
	f.src.Set(d.DatasheetLink, []byte("%PDF-"+name))
	return d
}

func (f *fixture) exists(t *testing.T, ns store.Namespace, id artifact.ID) bool {
	t.Helper()
	ok, err := f.st.Exists(ns, store.DocumentFile(id))
	require.NoError(t, err)
	return ok
}

func (f *fixture) state(t *testing.T, id artifact.ID) artifact.State {
	t.Helper()
	s, err := f.c.State(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) tempFiles(t *testing.T) int {
	t.Helper()
	entries, err := f.st.FS().ReadDir(filepath.Join(f.root, ".temp"))
	require.NoError(t, err)
	return len(entries)
}

// counterValue sums every series of the named counter.
func counterValue(t *testing.T, m *metrics.Collector, name string) int {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return int(total)
}

type sourceFunc func(ctx context.Context, d artifact.Descriptor) (*remote.Payload, error)

func (fn sourceFunc) FetchDocument(ctx context.Context, d artifact.Descriptor) (*remote.Payload, error) {
	return fn(ctx, d)
}

func (fn sourceFunc) FetchImage(ctx context.Context, d artifact.Descriptor) (*remote.Payload, error) {
	return fn(ctx, d)
}

func TestState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	d := f.descriptor("lm317")

	assert.Equal(t, artifact.NotDownloaded, f.state(t, d.ID))

	_, err := f.st.Write(ctx, store.CachedDocuments, store.DocumentFile(d.ID), strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, artifact.Cached, f.state(t, d.ID))

	_, err = f.st.Write(ctx, store.SavedDocuments, store.DocumentFile(d.ID), strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, artifact.Saved, f.state(t, d.ID), "saved takes precedence over cached")

	fetch, ok := f.reg.TryBegin(d.ID)
	require.True(t, ok)
	assert.Equal(t, artifact.Downloading, f.state(t, d.ID), "active fetch takes precedence")
	fetch.End()

	_, err = f.c.State(ctx, "bad/id")
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("fetches into cache then opens", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")

		path, err := f.c.Open(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, f.c.CachedPath(d.ID), path)
		assert.Equal(t, []string{path}, f.opened.Opened())
		assert.Equal(t, artifact.Cached, f.state(t, d.ID))
		assert.Equal(t, 0, f.reg.Len())

		data, err := f.st.ReadFile(store.CachedDocuments, store.DocumentFile(d.ID))
		require.NoError(t, err)
		assert.Equal(t, "%PDF-lm317", string(data))
	})

	t.Run("cached copy is not fetched again", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")

		_, err := f.c.Open(ctx, d)
		require.NoError(t, err)
		_, err = f.c.Open(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, int64(1), f.src.DocumentFetches())
		assert.Len(t, f.opened.Opened(), 2)
	})

	t.Run("saved copy updates last use", func(t *testing.T) {
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		clock := now
		f := newFixture(t, nil, WithClock(func() time.Time { return clock }))
		d := f.descriptor("lm317")
		require.NoError(t, f.c.Save(ctx, d))

		clock = now.Add(time.Hour)
		path, err := f.c.Open(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, f.c.SavedPath(d.ID), path)

		rec, ok := f.list.Find(d.ID)
		require.True(t, ok)
		assert.Equal(t, now, rec.SavedAt)
		assert.Equal(t, now.Add(time.Hour), rec.LastUsedAt)
	})

	t.Run("concurrent opens share one fetch", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		f.src.Hold()

		const callers = 16
		paths := make([]string, callers)
		var g errgroup.Group
		for i := 0; i < callers; i++ {
			g.Go(func() error {
				p, err := f.c.Open(ctx, d)
				paths[i] = p
				return err
			})
		}

		<-f.src.Started()
		f.src.Release()
		require.NoError(t, g.Wait())

		assert.Equal(t, int64(1), f.src.DocumentFetches())
		for _, p := range paths {
			assert.Equal(t, f.c.CachedPath(d.ID), p)
		}
		assert.Len(t, f.opened.Opened(), callers)
		assert.Equal(t, 0, f.reg.Len())
	})

	t.Run("joins a save in progress", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		f.src.Hold()

		saveErr := make(chan error, 1)
		go func() { saveErr <- f.c.Save(ctx, d) }()
		<-f.src.Started()

		state, active := f.reg.Observe(d.ID)
		require.True(t, active)
		assert.Equal(t, artifact.Downloading, state)

		type result struct {
			path string
			err  error
		}
		openRes := make(chan result, 1)
		go func() {
			p, err := f.c.Open(ctx, d)
			openRes <- result{p, err}
		}()

		require.Eventually(t, func() bool {
			s, _ := f.reg.Observe(d.ID)
			return s == artifact.DownloadingAndOpening
		}, time.Second, time.Millisecond)

		f.src.Release()
		require.NoError(t, <-saveErr)
		res := <-openRes
		require.NoError(t, res.err)

		assert.Equal(t, f.c.SavedPath(d.ID), res.path)
		assert.Equal(t, int64(1), f.src.DocumentFetches())
		assert.Equal(t, artifact.Saved, f.state(t, d.ID))
	})

	t.Run("waiters share the owner's failure", func(t *testing.T) {
		m := metrics.New()
		f := newFixture(t, nil, WithMetrics(m))
		d := f.descriptor("lm317")
		f.src.Fail(d.DatasheetLink, errors.New(errors.CodeNetwork, "connection reset"))
		f.src.Hold()

		const callers = 8
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = f.c.Open(ctx, d)
			}()
		}

		<-f.src.Started()
		require.Eventually(t, func() bool {
			return counterValue(t, m, "datasheet_fetch_joins_total") == callers-1
		}, 5*time.Second, time.Millisecond)
		f.src.Release()
		wg.Wait()

		for _, err := range errs {
			require.Error(t, err)
			assert.True(t, artifact.IsFetchFailed(err))
		}
		assert.Equal(t, int64(1), f.src.DocumentFetches())
		assert.Empty(t, f.opened.Opened())
		assert.Equal(t, 0, f.reg.Len())
	})

	t.Run("wait timeout", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		f.src.Hold()

		first := make(chan error, 1)
		go func() {
			_, err := f.c.Open(ctx, d)
			first <- err
		}()
		<-f.src.Started()

		_, err := f.c.Open(ctx, d, WithWaitTimeout(20*time.Millisecond))
		require.Error(t, err)
		assert.True(t, artifact.IsConcurrentFetchTimeout(err))
		assert.True(t, errors.IsRetryable(err))

		f.src.Release()
		require.NoError(t, <-first)
		assert.Equal(t, int64(1), f.src.DocumentFetches())
	})
}

func TestSave(t *testing.T) {
	ctx := context.Background()

	t.Run("promotes cached copy by moving it", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")

		_, err := f.c.Open(ctx, d)
		require.NoError(t, err)
		require.NoError(t, f.c.Save(ctx, d))

		assert.True(t, f.exists(t, store.SavedDocuments, d.ID))
		assert.False(t, f.exists(t, store.CachedDocuments, d.ID))
		assert.True(t, f.list.Has(d.ID))
		assert.Equal(t, artifact.Saved, f.state(t, d.ID))
		assert.Equal(t, int64(1), f.src.DocumentFetches())
	})

	t.Run("fetches directly into saved area", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")

		require.NoError(t, f.c.Save(ctx, d))
		assert.True(t, f.exists(t, store.SavedDocuments, d.ID))
		assert.False(t, f.exists(t, store.CachedDocuments, d.ID))
		assert.Empty(t, f.opened.Opened())

		rec, ok := f.list.Find(d.ID)
		require.True(t, ok)
		assert.Equal(t, d.Name, rec.Name)
		assert.Equal(t, d.DatasheetLink, rec.DatasheetLink)
	})

	t.Run("idempotent", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")

		require.NoError(t, f.c.Save(ctx, d))
		require.NoError(t, f.c.Save(ctx, d))
		assert.Equal(t, 1, f.list.Len())
		assert.Equal(t, int64(1), f.src.DocumentFetches())
	})

	t.Run("restores missing record", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		_, err := f.st.Write(ctx, store.SavedDocuments, store.DocumentFile(d.ID), strings.NewReader("x"))
		require.NoError(t, err)

		require.NoError(t, f.c.Save(ctx, d))
		assert.True(t, f.list.Has(d.ID))
		assert.Equal(t, int64(0), f.src.DocumentFetches())
	})

	t.Run("persists the saved list", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		require.NoError(t, f.c.Save(ctx, d))

		reloaded := savedlist.New(savedlist.NewJSONFile(f.st.FS(), listPath(f.root)))
		require.NoError(t, reloaded.Load(ctx))
		assert.True(t, reloaded.Has(d.ID))
	})

	t.Run("waits for open in progress then promotes", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		f.src.Hold()

		openErr := make(chan error, 1)
		go func() {
			_, err := f.c.Open(ctx, d)
			openErr <- err
		}()
		<-f.src.Started()

		saveErr := make(chan error, 1)
		go func() { saveErr <- f.c.Save(ctx, d) }()

		f.src.Release()
		require.NoError(t, <-saveErr)
		require.NoError(t, <-openErr)

		assert.Equal(t, int64(1), f.src.DocumentFetches())
		assert.True(t, f.exists(t, store.SavedDocuments, d.ID))
		assert.False(t, f.exists(t, store.CachedDocuments, d.ID))
		assert.Equal(t, 1, f.list.Len())
	})

	t.Run("concurrent saves converge", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")

		var g errgroup.Group
		for i := 0; i < 8; i++ {
			g.Go(func() error { return f.c.Save(ctx, d) })
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(1), f.src.DocumentFetches())
		assert.Equal(t, 1, f.list.Len())
		assert.Equal(t, 0, f.c.idLocks.Len())
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("removes saved copy and record", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		require.NoError(t, f.c.Save(ctx, d))

		require.NoError(t, f.c.Remove(ctx, d.ID))
		assert.False(t, f.exists(t, store.SavedDocuments, d.ID))
		assert.False(t, f.list.Has(d.ID))
		assert.Equal(t, artifact.NotDownloaded, f.state(t, d.ID))

		err := f.c.Remove(ctx, d.ID)
		require.Error(t, err)
		assert.True(t, artifact.IsInvalidStateTransition(err))
	})

	t.Run("rejects states other than saved", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")

		err := f.c.Remove(ctx, d.ID)
		assert.True(t, artifact.IsInvalidStateTransition(err))

		_, err = f.c.Open(ctx, d)
		require.NoError(t, err)
		err = f.c.Remove(ctx, d.ID)
		assert.True(t, artifact.IsInvalidStateTransition(err))
		assert.True(t, f.exists(t, store.CachedDocuments, d.ID))

		fetch, ok := f.reg.TryBegin("other")
		require.True(t, ok)
		defer fetch.End()
		err = f.c.Remove(ctx, "other")
		assert.True(t, artifact.IsInvalidStateTransition(err))
	})
}

func TestSavedListFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("promotion is undone", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		_, err := f.c.Open(ctx, d)
		require.NoError(t, err)

		f.backend.fail.Store(true)
		err = f.c.Save(ctx, d)
		require.Error(t, err)
		assert.True(t, artifact.IsStorageIOFailed(err))

		assert.True(t, f.exists(t, store.CachedDocuments, d.ID))
		assert.False(t, f.exists(t, store.SavedDocuments, d.ID))
		assert.False(t, f.list.Has(d.ID))
		assert.Equal(t, artifact.Cached, f.state(t, d.ID))

		f.backend.fail.Store(false)
		require.NoError(t, f.c.Save(ctx, d))
		assert.Equal(t, artifact.Saved, f.state(t, d.ID))
		assert.Equal(t, int64(1), f.src.DocumentFetches())
	})

	t.Run("direct fetch is undone", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")

		f.backend.fail.Store(true)
		err := f.c.Save(ctx, d)
		require.Error(t, err)
		assert.True(t, artifact.IsStorageIOFailed(err))

		assert.False(t, f.exists(t, store.SavedDocuments, d.ID))
		assert.False(t, f.list.Has(d.ID))
		assert.Equal(t, 0, f.reg.Len())
		assert.Equal(t, 0, f.tempFiles(t))
		assert.Equal(t, artifact.NotDownloaded, f.state(t, d.ID))
	})

	t.Run("remove keeps file and record", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		require.NoError(t, f.c.Save(ctx, d))

		f.backend.fail.Store(true)
		err := f.c.Remove(ctx, d.ID)
		require.Error(t, err)
		assert.True(t, artifact.IsStorageIOFailed(err))
		assert.True(t, f.exists(t, store.SavedDocuments, d.ID))
		assert.True(t, f.list.Has(d.ID))
		assert.Equal(t, artifact.Saved, f.state(t, d.ID))

		f.backend.fail.Store(false)
		require.NoError(t, f.c.Remove(ctx, d.ID))
		assert.Equal(t, artifact.NotDownloaded, f.state(t, d.ID))
		assert.Equal(t, 0, f.c.idLocks.Len())
	})
}

func TestFetchFailure(t *testing.T) {
	ctx := context.Background()

	assertClean := func(t *testing.T, f *fixture, id artifact.ID) {
		t.Helper()
		assert.False(t, f.exists(t, store.CachedDocuments, id))
		assert.False(t, f.exists(t, store.SavedDocuments, id))
		assert.Equal(t, 0, f.tempFiles(t))
		_, active := f.reg.Observe(id)
		assert.False(t, active)
		assert.Equal(t, artifact.NotDownloaded, f.state(t, id))
	}

	t.Run("remote error", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		f.src.Fail(d.DatasheetLink, errors.New(errors.CodeNetwork, "connection reset"))

		_, err := f.c.Open(ctx, d)
		require.Error(t, err)
		assert.True(t, artifact.IsFetchFailed(err))
		assert.True(t, errors.IsRetryable(err))
		assertClean(t, f, d.ID)
		assert.Empty(t, f.opened.Opened())

		err = f.c.Save(ctx, d)
		assert.True(t, artifact.IsFetchFailed(err))
		assert.False(t, f.list.Has(d.ID))
		assertClean(t, f, d.ID)
	})

	t.Run("body breaks mid transfer", func(t *testing.T) {
		src := sourceFunc(func(context.Context, artifact.Descriptor) (*remote.Payload, error) {
			body := io.MultiReader(strings.NewReader("%PDF-partial"), iotest.ErrReader(errors.New(errors.CodeNetwork, "reset")))
			return &remote.Payload{Body: io.NopCloser(body), Size: -1}, nil
		})
		f := newFixture(t, src)
		d := f.descriptor("lm317")

		err := f.c.Save(ctx, d)
		require.Error(t, err)
		assert.True(t, artifact.IsFetchFailed(err))
		assertClean(t, f, d.ID)
	})

	t.Run("short body", func(t *testing.T) {
		src := sourceFunc(func(context.Context, artifact.Descriptor) (*remote.Payload, error) {
			return &remote.Payload{Body: io.NopCloser(strings.NewReader("short")), Size: 1024}, nil
		})
		f := newFixture(t, src)
		d := f.descriptor("lm317")

		_, err := f.c.Open(ctx, d)
		assert.True(t, artifact.IsFetchFailed(err))
		assertClean(t, f, d.ID)
	})

	t.Run("cancelled caller", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		f.src.Hold()
		defer f.src.Release()

		cctx, cancel := context.WithCancel(ctx)
		errc := make(chan error, 1)
		go func() {
			_, err := f.c.Open(cctx, d)
			errc <- err
		}()
		<-f.src.Started()
		cancel()

		require.Error(t, <-errc)
		assertClean(t, f, d.ID)
	})

	t.Run("fetch timeout", func(t *testing.T) {
		f := newFixture(t, nil, WithDefaultFetchTimeout(time.Hour))
		d := f.descriptor("lm317")
		f.src.Hold()
		defer f.src.Release()

		_, err := f.c.Open(ctx, d, WithFetchTimeout(20*time.Millisecond))
		require.Error(t, err)
		assert.True(t, artifact.IsFetchFailed(err))
		assertClean(t, f, d.ID)
	})

	t.Run("next attempt succeeds", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		f.src.Fail(d.DatasheetLink, errors.New(errors.CodeUnavailable, "busy"))

		_, err := f.c.Open(ctx, d)
		require.Error(t, err)

		f.src.Set(d.DatasheetLink, []byte("%PDF"))
		_, err = f.c.Open(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, int64(2), f.src.DocumentFetches())
	})
}

func TestAddCustom(t *testing.T) {
	ctx := context.Background()

	t.Run("registers user file in place", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		user := filepath.Join(t.TempDir(), "lm317.pdf")

		err := f.c.AddCustom(ctx, d, user)
		assert.Equal(t, errors.CodeNotFound, errors.GetCode(err))

		require.NoError(t, f.st.FS().WriteFile(user, []byte("%PDF"), 0o644))
		require.NoError(t, f.c.AddCustom(ctx, d, user))
		assert.Equal(t, artifact.Saved, f.state(t, d.ID))

		err = f.c.AddCustom(ctx, d, user)
		assert.True(t, artifact.IsInvalidStateTransition(err))

		path, err := f.c.Open(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, user, path)
		assert.Equal(t, int64(0), f.src.DocumentFetches())

		require.NoError(t, f.c.Remove(ctx, d.ID))
		ok, err := f.st.FS().Exists(user)
		require.NoError(t, err)
		assert.True(t, ok, "user file must be kept")
		assert.Equal(t, artifact.NotDownloaded, f.state(t, d.ID))
	})

	t.Run("saved copy replaces missing user file", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		user := filepath.Join(t.TempDir(), "lm317.pdf")
		require.NoError(t, f.st.FS().WriteFile(user, []byte("%PDF"), 0o644))
		require.NoError(t, f.c.AddCustom(ctx, d, user))

		require.NoError(t, f.st.FS().Remove(user))
		assert.Equal(t, artifact.NotDownloaded, f.state(t, d.ID))

		require.NoError(t, f.c.Save(ctx, d))
		assert.Equal(t, int64(1), f.src.DocumentFetches())
		assert.True(t, f.exists(t, store.SavedDocuments, d.ID))
		rec, ok := f.list.Find(d.ID)
		require.True(t, ok)
		assert.False(t, rec.IsCustom())
		assert.Equal(t, 1, f.list.Len())

		path, err := f.c.Open(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, f.st.Path(store.SavedDocuments, store.DocumentFile(d.ID)), path)

		require.NoError(t, f.c.Remove(ctx, d.ID))
		assert.False(t, f.exists(t, store.SavedDocuments, d.ID))
		assert.False(t, f.list.Has(d.ID))
		assert.Equal(t, artifact.NotDownloaded, f.state(t, d.ID))
	})

	t.Run("cached copy promoted over missing user file", func(t *testing.T) {
		f := newFixture(t, nil)
		d := f.descriptor("lm317")
		user := filepath.Join(t.TempDir(), "lm317.pdf")
		require.NoError(t, f.st.FS().WriteFile(user, []byte("%PDF"), 0o644))
		require.NoError(t, f.c.AddCustom(ctx, d, user))
		require.NoError(t, f.st.FS().Remove(user))

		_, err := f.c.Open(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, artifact.Cached, f.state(t, d.ID))

		require.NoError(t, f.c.Save(ctx, d))
		rec, ok := f.list.Find(d.ID)
		require.True(t, ok)
		assert.False(t, rec.IsCustom())
		assert.Equal(t, f.c.SavedPath(d.ID), f.st.Path(store.SavedDocuments, store.DocumentFile(d.ID)))
	})
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	kept := f.descriptor("lm317")
	require.NoError(t, f.c.Save(ctx, kept))

	orphan := f.descriptor("ne555")
	_, err := f.st.Write(ctx, store.SavedDocuments, store.DocumentFile(orphan.ID), strings.NewReader("x"))
	require.NoError(t, err)

	busy := f.descriptor("lm741")
	_, err = f.st.Write(ctx, store.SavedDocuments, store.DocumentFile(busy.ID), strings.NewReader("x"))
	require.NoError(t, err)
	fetch, ok := f.reg.TryBegin(busy.ID)
	require.True(t, ok)
	defer fetch.End()

	n, err := f.c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, f.exists(t, store.SavedDocuments, kept.ID))
	assert.False(t, f.exists(t, store.SavedDocuments, orphan.ID))
	assert.True(t, f.exists(t, store.SavedDocuments, busy.ID))

	ok, err = f.st.FS().Exists(listPath(f.root))
	require.NoError(t, err)
	assert.True(t, ok, "saved list file is not a document")
}
