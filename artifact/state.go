package artifact

// State is the observable lifecycle state of an artifact.
type State int

const (
	// NotDownloaded means no local copy exists and no fetch is running.
	NotDownloaded State = iota
	// Downloading means a fetch is in flight.
	Downloading
	// DownloadingAndOpening means a fetch is in flight and its result will be
	// opened once it lands.
	DownloadingAndOpening
	// Cached means a copy exists in the evictable document cache.
	Cached
	// Saved means a copy exists in the persistent saved area.
	Saved
)

func (s State) String() string {
	switch s {
	case NotDownloaded:
		return "NotDownloaded"
	case Downloading:
		return "Downloading"
	case DownloadingAndOpening:
		return "DownloadingAndOpening"
	case Cached:
		return "Cached"
	case Saved:
		return "Saved"
	default:
		return "Unknown"
	}
}

// InFlight reports whether the state describes an active fetch.
func (s State) InFlight() bool {
	return s == Downloading || s == DownloadingAndOpening
}

// Local reports whether the state describes a copy on disk.
func (s State) Local() bool {
	return s == Cached || s == Saved
}

// rank orders states along the lifecycle of a fetch. Cached and Saved are
// both terminal and share a rank.
func (s State) rank() int {
	switch s {
	case NotDownloaded:
		return 0
	case Downloading:
		return 1
	case DownloadingAndOpening:
		return 2
	case Cached, Saved:
		return 3
	default:
		return -1
	}
}

// Precedes reports whether moving from s to next is a forward step. Staying in
// the same state counts as forward.
func (s State) Precedes(next State) bool {
	if s == next {
		return true
	}
	return s.rank() < next.rank()
}
