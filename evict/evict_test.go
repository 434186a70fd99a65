package evict

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/datasheet/store"
	"github.com/jmgilman/go/fs/billy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type savedSet map[artifact.ID]bool

func (s savedSet) Has(id artifact.ID) bool { return s[id] }

func newLocalStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(billy.NewLocal(), t.TempDir())
	require.NoError(t, err)
	return st
}

// put writes a cached document of size bytes last accessed age ago.
func put(t *testing.T, st *store.Store, id string, size int, age time.Duration) {
	t.Helper()
	name := store.DocumentFile(artifact.ID(id))
	_, err := st.Write(context.Background(), store.CachedDocuments, name, bytes.NewReader(make([]byte, size)))
	require.NoError(t, err)
	at := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(st.Path(store.CachedDocuments, name), at, at))
}

func names(entries []store.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("under budget is a no-op", func(t *testing.T) {
		st := newLocalStore(t)
		put(t, st, "a", 10, time.Hour)
		put(t, st, "b", 10, time.Minute)

		report, err := New(st, 100).Run(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.Evicted)
		assert.Equal(t, 2, report.Scanned)
		assert.Equal(t, int64(20), report.TotalBytes)
	})

	t.Run("exactly at budget is a no-op", func(t *testing.T) {
		st := newLocalStore(t)
		put(t, st, "a", 10, time.Hour)
		put(t, st, "b", 10, time.Minute)

		report, err := New(st, 20).Run(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.Evicted)
	})

	t.Run("evicts least recently accessed first", func(t *testing.T) {
		st := newLocalStore(t)
		put(t, st, "oldest", 10, 3*time.Hour)
		put(t, st, "middle", 20, 2*time.Hour)
		put(t, st, "newest", 30, time.Hour)

		report, err := New(st, 35).Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"oldest.pdf", "middle.pdf"}, names(report.Evicted))
		assert.Equal(t, int64(30), report.FreedBytes)
		assert.Equal(t, int64(30), report.Remaining)

		left, err := st.List(store.CachedDocuments)
		require.NoError(t, err)
		assert.Equal(t, []string{"newest.pdf"}, names(left))
	})

	t.Run("never evicts saved artifacts", func(t *testing.T) {
		st := newLocalStore(t)
		put(t, st, "kept", 10, 3*time.Hour)
		put(t, st, "b", 20, 2*time.Hour)
		put(t, st, "c", 30, time.Hour)

		report, err := New(st, 35, WithSaved(savedSet{"kept": true})).Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Protected)
		assert.Equal(t, []string{"b.pdf", "c.pdf"}, names(report.Evicted))

		ok, err := st.Exists(store.CachedDocuments, "kept.pdf")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("zero budget empties the cache", func(t *testing.T) {
		st := newLocalStore(t)
		put(t, st, "a", 1, time.Hour)
		put(t, st, "b", 1, time.Minute)

		report, err := New(st, 0).Run(ctx)
		require.NoError(t, err)
		assert.Len(t, report.Evicted, 2)
		assert.Equal(t, int64(0), report.Remaining)
	})

	t.Run("ignores other namespaces", func(t *testing.T) {
		st := newLocalStore(t)
		_, err := st.Write(ctx, store.SavedDocuments, "s.pdf", bytes.NewReader(make([]byte, 100)))
		require.NoError(t, err)
		_, err = st.Write(ctx, store.CachedImages, "i.png", bytes.NewReader(make([]byte, 100)))
		require.NoError(t, err)

		report, err := New(st, 10).Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Scanned)
	})

	t.Run("cancelled context stops the pass", func(t *testing.T) {
		st := newLocalStore(t)
		put(t, st, "a", 10, time.Hour)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := New(st, 1).Run(cctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestStartGC(t *testing.T) {
	st := newLocalStore(t)
	put(t, st, "a", 10, 2*time.Hour)
	put(t, st, "b", 10, time.Hour)

	ev := New(st, 15)
	stop := ev.StartGC(10 * time.Millisecond)

	require.Eventually(t, func() bool {
		size, err := st.Size(store.CachedDocuments)
		return err == nil && size < 15
	}, 2*time.Second, 10*time.Millisecond)

	stop()
	stop()

	ok, err := st.Exists(store.CachedDocuments, "b.pdf")
	require.NoError(t, err)
	assert.True(t, ok, "newest entry should survive")
}

// TestRunProperties checks the eviction invariants over random caches: saved
// entries survive, the remaining size is under budget unless only protected
// entries remain, and every evicted entry is older than every surviving
// unprotected one.
func TestRunProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		st, err := store.New(billy.NewMemory(), "/data")
		if err != nil {
			t.Fatal(err)
		}

		n := rapid.IntRange(0, 12).Draw(t, "files")
		saved := savedSet{}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("f%02d", i)
			size := rapid.IntRange(0, 50).Draw(t, "size")
			if _, err := st.Write(ctx, store.CachedDocuments, store.DocumentFile(artifact.ID(id)), bytes.NewReader(make([]byte, size))); err != nil {
				t.Fatal(err)
			}
			if rapid.Bool().Draw(t, "saved") {
				saved[artifact.ID(id)] = true
			}
		}
		budget := rapid.Int64Range(0, 300).Draw(t, "budget")

		before, err := st.List(store.CachedDocuments)
		if err != nil {
			t.Fatal(err)
		}
		report, err := New(st, budget, WithSaved(saved)).Run(ctx)
		if err != nil {
			t.Fatal(err)
		}

		after, err := st.List(store.CachedDocuments)
		if err != nil {
			t.Fatal(err)
		}
		survivors := map[string]store.Entry{}
		var total, unprotected int64
		for _, e := range after {
			survivors[e.Name] = e
			total += e.Size
		}

		evicted := map[string]bool{}
		for _, e := range report.Evicted {
			evicted[e.Name] = true
			if saved[artifact.ID(e.Name[:len(e.Name)-len(store.DocumentExt)])] {
				t.Fatalf("saved entry %s was evicted", e.Name)
			}
		}
		for _, e := range before {
			id := artifact.ID(e.Name[:len(e.Name)-len(store.DocumentExt)])
			if !saved[id] && !evicted[e.Name] {
				unprotected++
			}
		}
		if total != report.Remaining {
			t.Fatalf("remaining %d, actual %d", report.Remaining, total)
		}
		sum := int64(0)
		for _, e := range before {
			sum += e.Size
		}
		if sum > budget && total >= budget && unprotected > 0 {
			t.Fatalf("cache still %d >= budget %d with %d evictable entries", total, budget, unprotected)
		}

		for _, old := range report.Evicted {
			for name, s := range survivors {
				id := artifact.ID(name[:len(name)-len(store.DocumentExt)])
				if saved[id] {
					continue
				}
				if s.AccessTime.Before(old.AccessTime) {
					t.Fatalf("evicted %s while older %s survived", old.Name, name)
				}
			}
		}
	})
}
