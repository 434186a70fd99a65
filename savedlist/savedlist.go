// Package savedlist persists the list of artifacts the user chose to keep.
//
// The list is held in memory and written back to a Backend on Save. Two
// backends are provided: a versioned JSON file and a SQLite database. A
// corrupt JSON file is moved aside and the list starts empty.
package savedlist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/datasheet/internal/logging"
	"github.com/jmgilman/go/errors"
)

// Record is a saved artifact.
type Record struct {
	ID            artifact.ID `json:"id"`
	Name          string      `json:"name"`
	Manufacturer  string      `json:"manufacturer"`
	Description   string      `json:"description,omitempty"`
	DatasheetLink string      `json:"datasheet_link"`
	ImageLink     string      `json:"image_link,omitempty"`
	CustomPath    string      `json:"custom_path,omitempty"` // user supplied file outside the saved area
	SavedAt       time.Time   `json:"saved_at"`
	LastUsedAt    time.Time   `json:"last_used_at"`
}

// FromDescriptor builds a record for d saved at now.
func FromDescriptor(d artifact.Descriptor, now time.Time) Record {
	return Record{
		ID:            d.ID,
		Name:          d.Name,
		Manufacturer:  d.Manufacturer,
		Description:   d.Description,
		DatasheetLink: d.DatasheetLink,
		ImageLink:     d.ImageLink,
		SavedAt:       now,
		LastUsedAt:    now,
	}
}

// IsCustom reports whether the record points at a user supplied file.
func (r Record) IsCustom() bool {
	return r.CustomPath != ""
}

// Descriptor returns the descriptor the record was saved from.
func (r Record) Descriptor() artifact.Descriptor {
	return artifact.Descriptor{
		ID:            r.ID,
		Name:          r.Name,
		Manufacturer:  r.Manufacturer,
		Description:   r.Description,
		DatasheetLink: r.DatasheetLink,
		ImageLink:     r.ImageLink,
	}
}

// Backend loads and stores the full record set.
type Backend interface {
	// Load returns all stored records. A missing store yields no records.
	Load(ctx context.Context) ([]Record, error)
	// Store replaces the stored records with records.
	Store(ctx context.Context, records []Record) error
	// Close releases backend resources.
	Close() error
}

// IsCorrupt reports whether err is a backend's report of an unreadable store.
// The error context carries the store "path" and the "backup" the unreadable
// data was moved to, empty when it could not be kept.
func IsCorrupt(err error) bool {
	return errors.GetCode(err) == errors.CodeSchemaFailed
}

// corruptContext returns the context of a corruption error.
func corruptContext(err error) map[string]interface{} {
	var pe errors.PlatformError
	if !errors.As(err, &pe) {
		return nil
	}
	return pe.Context()
}

// List is the in-memory saved list. It is safe for concurrent use.
type List struct {
	backend Backend
	logger  *logging.Logger

	saveMu sync.Mutex // serializes backend writes

	mu      sync.RWMutex
	records []Record
	index   map[artifact.ID]int
	dirty   bool
	gen     uint64 // bumped on every mutation
}

// Option configures a List.
type Option func(*List)

// WithLogger sets the logger used to report recovered corruption.
func WithLogger(l *logging.Logger) Option {
	return func(list *List) {
		list.logger = l
	}
}

// New creates an empty list over backend. Call Load to populate it.
func New(backend Backend, opts ...Option) *List {
	l := &List{
		backend: backend,
		logger:  logging.NewNopLogger(),
		index:   make(map[artifact.ID]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load replaces the in-memory records with the backend contents. A corrupt
// store is logged and treated as empty.
func (l *List) Load(ctx context.Context) error {
	records, err := l.backend.Load(ctx)
	if err != nil {
		if !IsCorrupt(err) {
			return err
		}
		info := corruptContext(err)
		l.logger.Warn(ctx, "saved list corrupt, starting empty",
			"path", info["path"],
			"backup", info["backup"],
			"error", err.Error())
		records = nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = l.records[:0]
	l.index = make(map[artifact.ID]int, len(records))
	for _, r := range records {
		if _, dup := l.index[r.ID]; dup || r.ID.Validate() != nil {
			continue
		}
		l.index[r.ID] = len(l.records)
		l.records = append(l.records, r)
	}
	l.dirty = err != nil
	return nil
}

// Append adds r unless a record with the same ID exists. It reports whether
// the record was added.
func (l *List) Append(r Record) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[r.ID]; ok {
		return false
	}
	l.index[r.ID] = len(l.records)
	l.records = append(l.records, r)
	l.dirty = true
	l.gen++
	return true
}

// RemoveWhere deletes every record matching pred and returns how many were
// removed.
func (l *List) RemoveWhere(pred func(Record) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.records[:0]
	removed := 0
	for _, r := range l.records {
		if pred(r) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	if removed == 0 {
		return 0
	}
	l.records = kept
	l.reindex()
	l.dirty = true
	l.gen++
	return removed
}

// Remove deletes the record for id. It reports whether one existed.
func (l *List) Remove(id artifact.ID) bool {
	return l.RemoveWhere(func(r Record) bool { return r.ID == id }) > 0
}

func (l *List) reindex() {
	l.index = make(map[artifact.ID]int, len(l.records))
	for i, r := range l.records {
		l.index[r.ID] = i
	}
}

// Find returns the record for id.
func (l *List) Find(id artifact.ID) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.index[id]
	if !ok {
		return Record{}, false
	}
	return l.records[i], true
}

// Has reports whether a record for id exists.
func (l *List) Has(id artifact.ID) bool {
	_, ok := l.Find(id)
	return ok
}

// Touch sets the last use time of id. It reports whether the record exists.
func (l *List) Touch(id artifact.ID, t time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.index[id]
	if !ok {
		return false
	}
	l.records[i].LastUsedAt = t
	l.dirty = true
	l.gen++
	return true
}

// Records returns a copy of all records in insertion order.
func (l *List) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// RecentlyUsed returns a copy of all records, most recently used first.
func (l *List) RecentlyUsed() []Record {
	out := l.Records()
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out
}

// IDs returns the set of saved IDs.
func (l *List) IDs() map[artifact.ID]struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make(map[artifact.ID]struct{}, len(l.records))
	for id := range l.index {
		ids[id] = struct{}{}
	}
	return ids
}

// Len returns the number of records.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Dirty reports whether the list changed since the last Load or Save.
func (l *List) Dirty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dirty
}

// Save writes all records to the backend.
func (l *List) Save(ctx context.Context) error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	l.mu.RLock()
	snapshot := make([]Record, len(l.records))
	copy(snapshot, l.records)
	gen := l.gen
	l.mu.RUnlock()

	if err := l.backend.Store(ctx, snapshot); err != nil {
		return err
	}

	l.mu.Lock()
	if l.gen == gen {
		l.dirty = false
	}
	l.mu.Unlock()
	return nil
}

// Close releases the backend.
func (l *List) Close() error {
	return l.backend.Close()
}
