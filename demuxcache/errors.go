package demuxcache

import "errors"

// Sentinel errors returned by Demuxer and Reader methods. Wrap with
// fmt.Errorf("...: %w", err) at call sites that need more context.
var (
	// ErrNotSeekable is returned by a Producer's Seek when its source
	// cannot be repositioned. Demuxer.Seek does not return it; it
	// reports an unseekable source by returning false.
	ErrNotSeekable = errors.New("demuxcache: stream is not seekable")

	// ErrStreamNotSelected is returned by Reader methods when the
	// reader's stream isn't currently selected.
	ErrStreamNotSelected = errors.New("demuxcache: stream not selected")

	// ErrUnknownStream is returned when a stream index is out of
	// range.
	ErrUnknownStream = errors.New("demuxcache: unknown stream index")

	// ErrClosed is returned by Reader/Demuxer methods called after
	// Close.
	ErrClosed = errors.New("demuxcache: demuxer closed")

	// ErrRefreshImpossible is logged (not returned) when a track
	// switch can't be served as a dedup-filtered refresh seek because
	// at least one already-selected stream has neither a monotonic DTS
	// nor a monotonic byte position to filter duplicates against.
	ErrRefreshImpossible = errors.New("demuxcache: refresh seek impossible for current selection")
)
