package localcache

import "errors"

// Domain errors for the localcache package.
var (
	// ErrSnapshotNotFound is returned when a pinned snapshot has been
	// evicted.
	ErrSnapshotNotFound = errors.New("localcache: snapshot not found")

	// ErrInvalidPreset is returned when presets.yaml contains a preset
	// that cannot be used.
	ErrInvalidPreset = errors.New("localcache: invalid preset")

	// ErrNotLoaded is returned by Current before the first load.
	ErrNotLoaded = errors.New("localcache: not loaded")
)
