// Package artifact defines the shared data model for downloadable datasheet
// artifacts: identifiers, descriptors, lifecycle states and the error taxonomy
// used by every other package in this module.
//
// # Identifiers
//
// An ID is a stable, filesystem-safe key derived from the artifact's canonical
// link. Two descriptors pointing at the same link always produce the same ID:
//
//	id := artifact.NewID("https://example.com/ds/LM317.pdf", "LM317", "TI")
//	// id has the form "lm317-ti_<12 hex digits>"
//
// # States
//
// State is derived, never stored. It is recomputed from the download registry
// and the filesystem each time it is queried. The ordering of the constants
// reflects the forward-only lifecycle of a single fetch:
//
//	NotDownloaded -> Downloading -> DownloadingAndOpening -> Cached | Saved
//
// # Errors
//
// All failures surface as platform errors from github.com/jmgilman/go/errors
// carrying one of the codes declared in this package. Use the Is* helpers to
// branch on them.
package artifact
