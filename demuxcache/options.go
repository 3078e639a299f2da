package demuxcache

import "time"

// Options configures a Demuxer at construction time. All fields have
// workable zero-value-adjacent defaults filled in by DefaultOptions.
type Options struct {
	// SeekableCache enables in-memory seeking: retaining multiple
	// CachedRanges, serving in-cache seeks from them, and attempting
	// range joins. When false, a fresh seek always clears the single
	// current range instead of starting a new one.
	SeekableCache bool

	// ForceSeekable makes Seek succeed even if the producer reports
	// the underlying source as non-seekable (matches mpv's
	// force-seekable option; useful for live sources where seeking
	// only ever targets the in-memory cache).
	ForceSeekable bool

	// MaxBytes is the forward-byte cap: once the current range holds
	// at least this many bytes ahead of every selected stream's
	// reader head, read-ahead pauses and selected streams report a
	// soft EOF until a consumer drains enough to drop back under the
	// cap.
	MaxBytes int64

	// MaxBackBytes is the back-buffer budget when SeekableCache is
	// set: total cached bytes behind the forward edge are pruned down
	// to this many bytes. Ignored (treated as 0) when SeekableCache is
	// false.
	MaxBackBytes int64

	// TimestampResetThreshold is how far backward a queue's observed
	// timestamp must jump before it's treated as a legitimate reset
	// (e.g. after a live-source restart) rather than a decoder
	// reordering glitch to ignore. See spec Open Question 1.
	TimestampResetThreshold time.Duration

	// SingleThreaded disables the background read-ahead goroutine;
	// Reader methods and RunFn drive one producer cycle inline
	// instead. Useful for deterministic tests and for embedding the
	// demuxer in a caller that already owns its own event loop.
	SingleThreaded bool
}

// DefaultOptions returns sane defaults: a 32MiB forward cap, a 16MiB back
// buffer with seekable caching enabled, and the spec's 10s timestamp
// reset threshold.
func DefaultOptions() Options {
	return Options{
		SeekableCache:           true,
		ForceSeekable:           false,
		MaxBytes:                32 << 20,
		MaxBackBytes:            16 << 20,
		TimestampResetThreshold: 10 * time.Second,
		SingleThreaded:          false,
	}
}
