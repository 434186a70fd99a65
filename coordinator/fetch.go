package coordinator

import (
	"context"
	"io"
	"time"

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/datasheet/internal/logging"
	"github.com/jmgilman/go/datasheet/registry"
	"github.com/jmgilman/go/datasheet/store"
	"github.com/jmgilman/go/errors"
)

const copyBufferSize = 32 << 10

// fetchResult tells the caller what happened to its fetch attempt.
type fetchResult int

const (
	// fetched means the artifact was downloaded and committed.
	fetched fetchResult = iota
	// busy means another caller owns the fetch.
	busy
	// present means a local copy appeared before the fetch started.
	present
)

// fetch downloads d into ns while holding the registry slot for d.ID. state
// is published first (Downloading or DownloadingAndOpening). onCommit runs
// after the file is in place and before the slot is released, so observers
// never see the slot disappear ahead of the bookkeeping that goes with the
// file. When onCommit fails the file is deleted again.
//
// A download failure is handed to the callers waiting on the slot unless it
// was caused by this caller's own cancellation.
func (c *Coordinator) fetch(
	ctx context.Context,
	d artifact.Descriptor,
	ns store.Namespace,
	state artifact.State,
	onCommit func() error,
	o callOptions,
) (fetchResult, error) {
	f, ok := c.registry.TryBegin(d.ID)
	if !ok {
		return busy, nil
	}
	defer f.End()

	c.metrics.FetchStarted()
	defer c.metrics.FetchEnded()

	if state != artifact.Downloading {
		if err := f.SetState(state); err != nil {
			return busy, err
		}
	}

	// A fetch that ended between the caller's state check and TryBegin may
	// already have produced the file.
	local, err := c.localState(d.ID)
	if err != nil {
		return busy, err
	}
	if local.Local() {
		return present, nil
	}

	callerCtx := ctx
	if o.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.fetchTimeout)
		defer cancel()
	}

	start := time.Now()
	n, err := c.download(ctx, f, d, ns)
	elapsed := time.Since(start)
	c.metrics.RecordFetch(artifact.KindDocument.String(), elapsed, n, err)
	logging.LogFetch(ctx, c.logger, string(d.ID), n, elapsed, err)
	if err != nil {
		if callerCtx.Err() == nil {
			f.Fail(err)
		}
		return busy, err
	}

	if onCommit != nil {
		if err := onCommit(); err != nil {
			name := store.DocumentFile(d.ID)
			if derr := c.store.Delete(ns, name); derr != nil {
				c.logger.Warn(callerCtx, "failed to roll back fetched document",
					"id", string(d.ID), "error", derr.Error())
			}
			return fetched, err
		}
	}

	final := artifact.Cached
	if ns == store.SavedDocuments {
		final = artifact.Saved
	}
	if err := f.SetState(final); err != nil {
		c.logger.Warn(callerCtx, "failed to publish final state", "id", string(d.ID), "error", err.Error())
	}
	return fetched, nil
}

// download streams the document into a temporary file and renames it into
// ns. Nothing is left at the destination when it fails.
func (c *Coordinator) download(ctx context.Context, f *registry.Fetch, d artifact.Descriptor, ns store.Namespace) (int64, error) {
	payload, err := c.source.FetchDocument(ctx, d)
	if err != nil {
		return 0, artifact.FetchFailed(err, d.ID)
	}
	defer func() { _ = payload.Body.Close() }()

	w, err := c.store.Create(ctx, ns, store.DocumentFile(d.ID))
	if err != nil {
		return 0, err
	}
	defer w.Abort()

	f.Progress(0, payload.Size)
	buf := make([]byte, copyBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return w.Written(), artifact.FetchFailed(errors.Wrap(err, errors.CodeTimeout, "download cancelled"), d.ID)
		}

		n, rerr := payload.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return w.Written(), werr
			}
			f.Progress(w.Written(), payload.Size)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return w.Written(), artifact.FetchFailed(rerr, d.ID)
		}
	}

	if payload.Size >= 0 && w.Written() != payload.Size {
		return w.Written(), artifact.FetchFailed(
			errors.WithContextMap(
				errors.New(errors.CodeNetwork, "response body length does not match announced size"),
				map[string]interface{}{"expected": payload.Size, "received": w.Written()},
			),
			d.ID,
		)
	}

	if err := w.Commit(); err != nil {
		return w.Written(), err
	}
	return w.Written(), nil
}
