package coordinator

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/datasheet/savedlist"
	"github.com/jmgilman/go/datasheet/store"
	"github.com/jmgilman/go/errors"
)

// Open makes a local copy of d available and hands it to the opener. It
// returns the path that was opened.
//
// A saved copy is preferred and has its last-use time updated. A cached copy
// has its access time refreshed so eviction sees the use even where the
// filesystem does not track reads. Without a local copy the document is
// fetched into the cache first. When another caller is already fetching d
// the fetch is marked as to be opened and Open waits for it instead of
// starting a second one.
func (c *Coordinator) Open(ctx context.Context, d artifact.Descriptor, opts ...CallOption) (string, error) {
	if err := d.ID.Validate(); err != nil {
		return "", err
	}
	o := c.callOptions(opts)
	logger := c.logger.WithOperation("open").WithArtifact(string(d.ID))

	for attempt := 0; attempt < maxAttempts; attempt++ {
		state, err := c.State(ctx, d.ID)
		if err != nil {
			return "", err
		}
		c.metrics.RecordLookup("open", state.String())

		switch state {
		case artifact.Downloading, artifact.DownloadingAndOpening:
			c.registry.Promote(d.ID, artifact.DownloadingAndOpening)
			if err := c.wait(ctx, d.ID, "open", o); err != nil {
				return "", err
			}

		case artifact.Saved:
			path, ok, err := c.openSaved(ctx, d.ID)
			if err != nil || ok {
				return path, err
			}

		case artifact.Cached:
			path, ok, err := c.openCached(ctx, d.ID)
			if err != nil || ok {
				return path, err
			}

		case artifact.NotDownloaded:
			if err := d.Validate(); err != nil {
				return "", err
			}
			res, err := c.fetch(ctx, d, store.CachedDocuments, artifact.DownloadingAndOpening, nil, o)
			if err != nil {
				return "", err
			}
			if res == fetched {
				logger.Debug(ctx, "document fetched for opening")
			}
			// The fetched copy may have been promoted by a concurrent save
			// before it could be opened; the next pass finds it wherever it is.
		}
	}
	return "", unstable(d.ID, "open")
}

func (c *Coordinator) openSaved(ctx context.Context, id artifact.ID) (string, bool, error) {
	path, custom, err := c.customCopy(id)
	if err != nil {
		return "", false, err
	}
	if !custom {
		if _, err := c.store.Stat(store.SavedDocuments, store.DocumentFile(id)); err != nil {
			if isNotFound(err) {
				return "", false, nil
			}
			return "", false, err
		}
		path = c.store.Path(store.SavedDocuments, store.DocumentFile(id))
	}

	if c.saved.Touch(id, c.now()) {
		if err := c.saved.Save(ctx); err != nil {
			c.logger.Warn(ctx, "failed to persist last use time", "id", string(id), "error", err.Error())
		}
	}
	if err := c.opener.Open(ctx, path); err != nil {
		return "", false, err
	}
	return path, true, nil
}

func (c *Coordinator) openCached(ctx context.Context, id artifact.ID) (string, bool, error) {
	name := store.DocumentFile(id)
	if err := c.store.Touch(store.CachedDocuments, name, c.now()); err != nil {
		switch {
		case isNotFound(err):
			// Evicted or promoted since the state was derived.
			return "", false, nil
		case errors.Is(err, store.ErrTouchUnsupported):
		default:
			c.logger.Warn(ctx, "failed to refresh access time", "id", string(id), "error", err.Error())
		}
	}

	path := c.CachedPath(id)
	if err := c.opener.Open(ctx, path); err != nil {
		return "", false, err
	}
	return path, true, nil
}

// Save puts d into the saved area and records it in the saved list.
//
// Saving a saved artifact changes nothing; a missing record is restored
// without creating a duplicate. A cached copy is moved, not copied. Without a
// local copy the document is fetched directly into the saved area. When
// another caller is fetching d, Save waits for that fetch to land and then
// promotes its result.
func (c *Coordinator) Save(ctx context.Context, d artifact.Descriptor, opts ...CallOption) error {
	if err := d.ID.Validate(); err != nil {
		return err
	}
	o := c.callOptions(opts)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		state, err := c.State(ctx, d.ID)
		if err != nil {
			return err
		}
		c.metrics.RecordLookup("save", state.String())

		switch state {
		case artifact.Downloading, artifact.DownloadingAndOpening:
			if err := c.wait(ctx, d.ID, "save", o); err != nil {
				return err
			}

		case artifact.Saved:
			return c.ensureRecord(ctx, d)

		case artifact.Cached:
			done, err := c.promote(ctx, d)
			if err != nil || done {
				return err
			}

		case artifact.NotDownloaded:
			if err := d.Validate(); err != nil {
				return err
			}
			res, err := c.fetch(ctx, d, store.SavedDocuments, artifact.Downloading, func() error {
				return c.ensureRecord(ctx, d)
			}, o)
			if err != nil || res == fetched {
				return err
			}
		}
	}
	return unstable(d.ID, "save")
}

// promote moves the cached copy of d into the saved area. It reports false
// when the cached copy disappeared before it could be moved. If the record
// cannot be persisted the copy is moved back into the cache.
func (c *Coordinator) promote(ctx context.Context, d artifact.Descriptor) (bool, error) {
	unlock := c.lockID(d.ID)
	defer unlock()

	name := store.DocumentFile(d.ID)
	if err := c.store.Move(ctx, store.CachedDocuments, store.SavedDocuments, name); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if err := c.ensureRecord(ctx, d); err != nil {
		if merr := c.store.Move(ctx, store.SavedDocuments, store.CachedDocuments, name); merr != nil {
			c.logger.Warn(ctx, "failed to return promoted document to the cache",
				"id", string(d.ID), "error", merr.Error())
		}
		return true, err
	}
	c.logger.Info(ctx, "cached document promoted", "id", string(d.ID))
	return true, nil
}

// ensureRecord makes sure the saved list describes the copy of d in the saved
// area. A custom record whose file is gone is replaced, otherwise it would
// keep pointing away from the copy that now exists.
func (c *Coordinator) ensureRecord(ctx context.Context, d artifact.Descriptor) error {
	old, ok := c.saved.Find(d.ID)
	if !ok {
		return c.appendRecord(ctx, savedlist.FromDescriptor(d, c.now()))
	}
	if !old.IsCustom() {
		return nil
	}
	if _, exists, err := c.customCopy(d.ID); err != nil || exists {
		return err
	}

	c.saved.Remove(d.ID)
	if err := c.appendRecord(ctx, savedlist.FromDescriptor(d, c.now())); err != nil {
		c.saved.Append(old)
		c.metrics.SetSavedArtifacts(c.saved.Len())
		return err
	}
	c.logger.Info(ctx, "custom document missing, saved copy takes over",
		"id", string(d.ID), "custom_path", old.CustomPath)
	return nil
}

// appendRecord adds rec and persists the list. The record is dropped again
// when persisting fails.
func (c *Coordinator) appendRecord(ctx context.Context, rec savedlist.Record) error {
	if !c.saved.Append(rec) {
		return nil
	}
	if err := c.persist(ctx); err != nil {
		c.saved.Remove(rec.ID)
		c.metrics.SetSavedArtifacts(c.saved.Len())
		return err
	}
	return nil
}

func (c *Coordinator) persist(ctx context.Context) error {
	c.metrics.SetSavedArtifacts(c.saved.Len())
	if err := c.saved.Save(ctx); err != nil {
		return errors.Wrap(err, artifact.CodeStorageIOFailed, "failed to persist saved list")
	}
	return nil
}

// Remove deletes the saved copy of id and its record. It fails with an
// invalid state transition unless id is saved. A user supplied file
// registered with AddCustom is left in place; only its record goes.
//
// The record is dropped and persisted before the file is deleted. When
// persisting fails nothing changes; when the delete fails the file is left
// without a record for Reconcile to collect.
func (c *Coordinator) Remove(ctx context.Context, id artifact.ID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	unlock := c.lockID(id)
	defer unlock()

	state, err := c.State(ctx, id)
	if err != nil {
		return err
	}
	if state != artifact.Saved {
		return artifact.InvalidStateTransition(id, "remove", state)
	}

	name := store.DocumentFile(id)
	rec, hasRec := c.saved.Find(id)
	// The saved-area file is deleted whenever it exists, unless it is itself
	// the user supplied file.
	deleteFile := !hasRec || !rec.IsCustom() ||
		filepath.Clean(rec.CustomPath) != c.store.Path(store.SavedDocuments, name)

	if hasRec {
		c.saved.Remove(id)
		if err := c.persist(ctx); err != nil {
			c.saved.Append(rec)
			c.metrics.SetSavedArtifacts(c.saved.Len())
			return err
		}
	}
	if deleteFile {
		if err := c.store.Delete(store.SavedDocuments, name); err != nil {
			return err
		}
	}
	c.logger.Info(ctx, "saved document removed", "id", string(id))
	return nil
}

// AddCustom records a user supplied document at path as the saved copy of d.
// The file stays where it is. It is only valid while d has no local copy or
// only a cached one.
func (c *Coordinator) AddCustom(ctx context.Context, d artifact.Descriptor, path string) error {
	if err := d.ID.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(path) == "" {
		return errors.New(errors.CodeInvalidInput, "custom document path must not be empty")
	}
	unlock := c.lockID(d.ID)
	defer unlock()

	state, err := c.State(ctx, d.ID)
	if err != nil {
		return err
	}
	if state != artifact.NotDownloaded && state != artifact.Cached {
		return artifact.InvalidStateTransition(d.ID, "add custom document for", state)
	}

	ok, err := c.store.FS().Exists(path)
	if err != nil {
		return artifact.StorageIOFailed(err, "stat", path)
	}
	if !ok {
		return errors.WithContext(errors.New(errors.CodeNotFound, "custom document not found"), "path", path)
	}

	rec := savedlist.FromDescriptor(d, c.now())
	rec.CustomPath = path
	return c.appendRecord(ctx, rec)
}

// Reconcile deletes documents in the saved area that have no record in the
// saved list, such as leftovers of a crash between writing a file and
// persisting its record. Files referenced as a custom path and artifacts with
// an active fetch are skipped. It returns the number of files removed.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	entries, err := c.store.List(store.SavedDocuments)
	if err != nil {
		return 0, err
	}

	custom := make(map[string]struct{})
	for _, rec := range c.saved.Records() {
		if rec.IsCustom() {
			custom[filepath.Clean(rec.CustomPath)] = struct{}{}
		}
	}

	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !strings.HasSuffix(e.Name, store.DocumentExt) {
			continue
		}
		id := artifact.ID(strings.TrimSuffix(e.Name, store.DocumentExt))
		if id.Validate() != nil || c.saved.Has(id) {
			continue
		}
		if _, ok := custom[c.store.Path(store.SavedDocuments, e.Name)]; ok {
			continue
		}
		if _, active := c.registry.Observe(id); active {
			continue
		}

		ok, err := c.removeOrphan(id, e.Name)
		if err != nil {
			c.logger.Warn(ctx, "failed to remove unrecorded saved document", "name", e.Name, "error", err.Error())
			continue
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info(ctx, "removed unrecorded saved documents", "count", removed)
	}
	return removed, nil
}

func (c *Coordinator) removeOrphan(id artifact.ID, name string) (bool, error) {
	unlock := c.lockID(id)
	defer unlock()

	// A save may have recorded the file since the listing.
	if c.saved.Has(id) {
		return false, nil
	}
	if err := c.store.Delete(store.SavedDocuments, name); err != nil {
		return false, err
	}
	return true, nil
}
