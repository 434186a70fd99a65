// Package coordinator implements the artifact state machine: it decides, for
// a single datasheet, whether a local copy already exists, starts at most one
// fetch per artifact across concurrent callers, and performs the open, save
// and remove transitions.
//
// # State derivation
//
// State is never stored. Each query first asks the download registry whether
// a fetch is active in this process and, if not, looks at the filesystem:
//
//	registry entry present  -> published state (Downloading, DownloadingAndOpening, ...)
//	saved copy present      -> Saved
//	cached copy present     -> Cached
//	otherwise               -> NotDownloaded
//
// Saved takes precedence over Cached when both copies exist.
//
// # Transitions
//
//	NotDownloaded --open/save--> Downloading
//	Downloading --open requested--> DownloadingAndOpening
//	Downloading --fetch done--> Cached | Saved
//	Cached --save--> Saved     (file moved into the saved area, record appended)
//	Saved --remove--> NotDownloaded
//
// A caller that finds a fetch owned by someone else blocks on the registry's
// notification until the fetch ends, then derives the state again. Two
// concurrent Open calls on an artifact that was never fetched therefore cause
// exactly one remote fetch.
//
// # Failures
//
// A failed or cancelled fetch always removes its registry entry and leaves no
// file at the destination; the error is returned to the caller and nothing
// is retried automatically.
//
// # Usage
//
//	c := coordinator.New(st, reg, list, src,
//	    coordinator.WithOpener(opener.NewSystem()),
//	    coordinator.WithLogger(logger),
//	)
//	path, err := c.Open(ctx, d)
//	if err != nil {
//	    return err
//	}
//	if err := c.Save(ctx, d); err != nil {
//	    return err
//	}
package coordinator
