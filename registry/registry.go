// Package registry tracks in-flight artifact fetches.
//
// The registry guarantees at most one active fetch per artifact ID within a
// process and publishes each fetch's progress so other callers can observe it
// or block until it ends. Waiting is notification based: every publish closes
// the entry's broadcast channel and installs a fresh one, so waiters wake
// exactly when something changes.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/errors"
)

// Progress is the published view of an in-flight fetch.
type Progress struct {
	State    artifact.State
	Received int64
	Total    int64 // -1 when unknown
}

type entry struct {
	progress Progress
	changed  chan struct{}
	owner    *Fetch
	failure  error // set by Fail, read by WaitDone after End
}

// Registry is the process-wide table of in-flight fetches.
type Registry struct {
	mu      sync.Mutex
	entries map[artifact.ID]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[artifact.ID]*entry)}
}

// Fetch is the ownership handle returned by TryBegin. Only the owner
// publishes progress; End must be called exactly once the fetch finishes,
// however it finishes.
type Fetch struct {
	r    *Registry
	id   artifact.ID
	once sync.Once
}

// TryBegin claims the fetch slot for id. It returns false when another fetch
// for id is already active.
func (r *Registry) TryBegin(id artifact.ID) (*Fetch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return nil, false
	}
	f := &Fetch{r: r, id: id}
	r.entries[id] = &entry{
		progress: Progress{State: artifact.Downloading, Total: -1},
		changed:  make(chan struct{}),
		owner:    f,
	}
	return f, true
}

// ID returns the artifact being fetched.
func (f *Fetch) ID() artifact.ID {
	return f.id
}

// SetState publishes a new state for the fetch. Moving backwards along the
// lifecycle is rejected.
func (f *Fetch) SetState(state artifact.State) error {
	return f.r.update(f, func(p *Progress) error {
		if !p.State.Precedes(state) {
			return errors.WithContext(
				artifact.InvalidStateTransition(f.id, "publish "+state.String(), p.State),
				"requested", state.String(),
			)
		}
		p.State = state
		return nil
	})
}

// Progress publishes byte counts for the fetch. total is -1 when unknown.
func (f *Fetch) Progress(received, total int64) {
	_ = f.r.update(f, func(p *Progress) error {
		p.Received = received
		p.Total = total
		return nil
	})
}

// Fail records err as the outcome of the fetch. Callers blocked in WaitDone
// on this fetch receive err once End runs. The last call wins.
func (f *Fetch) Fail(err error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()

	if e, ok := f.r.entries[f.id]; ok && e.owner == f {
		e.failure = err
	}
}

// End removes the fetch from the registry and wakes all waiters. It is safe
// to call more than once.
func (f *Fetch) End() {
	f.once.Do(func() {
		f.r.mu.Lock()
		defer f.r.mu.Unlock()

		e, ok := f.r.entries[f.id]
		if !ok || e.owner != f {
			return
		}
		delete(f.r.entries, f.id)
		close(e.changed)
	})
}

func (r *Registry) update(f *Fetch, fn func(*Progress) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[f.id]
	if !ok || e.owner != f {
		return errors.Newf(errors.CodeConflict, "fetch for %s is no longer active", f.id)
	}
	if err := fn(&e.progress); err != nil {
		return err
	}
	e.broadcast()
	return nil
}

func (e *entry) broadcast() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Observe returns the published state for id and whether a fetch is active.
func (r *Registry) Observe(id artifact.ID) (artifact.State, bool) {
	p, ok := r.Snapshot(id)
	return p.State, ok
}

// Snapshot returns the full published progress for id.
func (r *Registry) Snapshot(id artifact.ID) (Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Progress{}, false
	}
	return e.progress, true
}

// Promote advances an active fetch for id to state on behalf of a caller that
// joined it. It reports whether the fetch is active; the state never moves
// backwards.
func (r *Registry) Promote(id artifact.ID, state artifact.State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if e.progress.State != state && e.progress.State.Precedes(state) {
		e.progress.State = state
		e.broadcast()
	}
	return true
}

// Active returns the IDs of all in-flight fetches, sorted.
func (r *Registry) Active() []artifact.ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]artifact.ID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of in-flight fetches.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Wait blocks until until returns true for the published progress of id, or
// ctx ends. until is called with active=false once no fetch for id is
// running. It returns the last observed progress and whether the fetch was
// still active at that point.
func (r *Registry) Wait(ctx context.Context, id artifact.ID, until func(p Progress, active bool) bool) (Progress, bool, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[id]
		var p Progress
		var changed chan struct{}
		if ok {
			p = e.progress
			changed = e.changed
		}
		r.mu.Unlock()

		if until(p, ok) {
			return p, ok, nil
		}
		if !ok {
			// The predicate refused a terminal observation; nothing more
			// will be published for this fetch.
			return p, false, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return p, true, artifact.ConcurrentFetchTimeout(ctx.Err(), id)
		}
	}
}

// WaitDone blocks until the fetch for id that is active when it is called
// has ended. It returns the error the owner reported with Fail, nil when the
// fetch succeeded or none was active, and a concurrent fetch timeout when ctx
// ends first.
func (r *Registry) WaitDone(ctx context.Context, id artifact.ID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	for {
		r.mu.Lock()
		ended := r.entries[id] != e
		changed := e.changed
		failure := e.failure
		r.mu.Unlock()

		if ended {
			return failure
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return artifact.ConcurrentFetchTimeout(ctx.Err(), id)
		}
	}
}
