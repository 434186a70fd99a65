// Package evict keeps the document cache within its size budget.
//
// An eviction pass enumerates the cached documents, sums their sizes and, if
// the sum exceeds the budget, deletes files in order of least recent access
// until the total drops below the budget. Files belonging to saved artifacts
// are never deleted. Access times come from the filesystem; where the
// platform does not expose them the modification time is used instead.
//
// Passes run at startup and, optionally, periodically:
//
//	ev := evict.New(st, 100<<20, evict.WithSaved(list))
//	if _, err := ev.Run(ctx); err != nil {
//	    return err
//	}
//	stop := ev.StartGC(10 * time.Minute)
//	defer stop()
package evict

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/datasheet/internal/logging"
	"github.com/jmgilman/go/datasheet/internal/metrics"
	"github.com/jmgilman/go/datasheet/store"
	"github.com/jmgilman/go/errors"
)

// SavedSet reports whether an artifact is saved. *savedlist.List satisfies
// it.
type SavedSet interface {
	Has(id artifact.ID) bool
}

type noneSaved struct{}

func (noneSaved) Has(artifact.ID) bool { return false }

// Report summarizes an eviction pass.
type Report struct {
	Scanned    int           // cached documents found
	TotalBytes int64         // their combined size before eviction
	Remaining  int64         // combined size after eviction
	Evicted    []store.Entry // deleted entries, oldest first
	FreedBytes int64
	Protected  int // entries skipped because they are saved
	Failed     int // entries whose deletion failed
	Duration   time.Duration
}

// Evictor enforces the document cache budget.
type Evictor struct {
	store   *store.Store
	budget  int64
	saved   SavedSet
	logger  *logging.Logger
	metrics *metrics.Collector

	runMu        sync.Mutex // one pass at a time
	fallbackOnce sync.Once
}

// Option configures an Evictor.
type Option func(*Evictor)

// WithSaved sets the set of protected artifacts.
func WithSaved(s SavedSet) Option {
	return func(e *Evictor) {
		if s != nil {
			e.saved = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Evictor) {
		e.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Evictor) {
		e.metrics = m
	}
}

// New returns an evictor for the cached documents in st with a budget of
// budget bytes.
func New(st *store.Store, budget int64, opts ...Option) *Evictor {
	e := &Evictor{
		store:  st,
		budget: budget,
		saved:  noneSaved{},
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("evict")
	return e
}

// Budget returns the configured budget in bytes.
func (e *Evictor) Budget() int64 {
	return e.budget
}

// Run performs one eviction pass. Failing to delete an individual file is
// logged and counted in the report but does not fail the pass. Cancelling ctx
// stops the pass between deletions.
func (e *Evictor) Run(ctx context.Context) (Report, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	report, err := e.run(ctx)
	report.Duration = time.Since(start)

	e.metrics.RecordEvictionRun(report.Remaining, err)
	if err != nil {
		e.logger.Warn(ctx, "eviction pass failed", "error", err.Error())
		return report, err
	}
	if len(report.Evicted) > 0 {
		logging.LogCleanup(ctx, e.logger, "evict", len(report.Evicted), report.FreedBytes, report.Duration)
	}
	return report, nil
}

func (e *Evictor) run(ctx context.Context) (Report, error) {
	var report Report

	entries, err := e.store.List(store.CachedDocuments)
	if err != nil {
		return report, err
	}

	report.Scanned = len(entries)
	for _, entry := range entries {
		report.TotalBytes += entry.Size
		if !entry.ExactATime {
			e.fallbackOnce.Do(func() {
				e.logger.Warn(ctx, "access times unavailable, ordering by modification time")
			})
		}
	}
	report.Remaining = report.TotalBytes

	if report.TotalBytes <= e.budget {
		return report, nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].AccessTime.Equal(entries[j].AccessTime) {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].AccessTime.Before(entries[j].AccessTime)
	})

	for _, entry := range entries {
		if report.Remaining < e.budget {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, errors.Wrap(err, errors.CodeTimeout, "eviction pass cancelled")
		}

		id := artifact.ID(strings.TrimSuffix(entry.Name, store.DocumentExt))
		if e.saved.Has(id) {
			report.Protected++
			continue
		}

		if err := e.store.Delete(store.CachedDocuments, entry.Name); err != nil {
			report.Failed++
			e.logger.Warn(ctx, "failed to evict cache entry",
				"name", entry.Name,
				"error", err.Error())
			continue
		}

		report.Remaining -= entry.Size
		report.FreedBytes += entry.Size
		report.Evicted = append(report.Evicted, entry)
		e.metrics.RecordEviction(entry.Size)
		logging.LogEviction(ctx, e.logger, entry.Name, entry.Size, entry.AccessTime)
	}
	return report, nil
}

// StartGC runs an eviction pass every interval in the background.
//
// Returns a function to stop the collector. It is safe to call more than once
// and blocks until the background goroutine has exited.
func (e *Evictor) StartGC(interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = e.Run(ctx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}
