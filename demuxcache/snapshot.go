package demuxcache

// Events is a bitmask of demuxer-level changes a caller may want to
// react to (e.g. redraw a track list, or re-read metadata), queued via
// DemuxChanged and drained via DemuxUpdate. Mirrors mpv's
// DEMUX_EVENT_* bits, scoped down to what this cache actually produces
// on its own (stream registration and producer-reported metadata
// updates); everything else is observed directly through the Reader and
// BufferSnapshot APIs.
type Events int

const (
	// EventStreams fires when AddStream registers a new track.
	EventStreams Events = 1 << iota
	// EventMetadata fires when a producer pushes updated tag metadata
	// via Control (ControlReplaceStream or a producer-defined
	// extension); demuxcache itself never originates it otherwise.
	EventMetadata
)

// DemuxChanged queues events for the next DemuxUpdate call. Safe to call
// from a Producer method (the lock is taken internally).
func (dx *Demuxer) DemuxChanged(events Events) {
	dx.mu.Lock()
	dx.pendingEvents |= events
	dx.mu.Unlock()
}

// DemuxUpdate returns every event queued since the last call and clears
// the queue.
func (dx *Demuxer) DemuxUpdate() Events {
	dx.mu.Lock()
	defer dx.mu.Unlock()
	ev := dx.pendingEvents
	dx.pendingEvents = 0
	return ev
}

// RangeView is a read-only snapshot of one CachedRange's priced seek
// interval, for diagnostics.
type RangeView struct {
	SeekStart float64
	SeekEnd   float64
	IsCurrent bool
}

// BufferView is a read-only snapshot of overall cache occupancy.
type BufferView struct {
	TotalBytes   int64
	ForwardBytes int64
	Ranges       []RangeView
}

// BufferSnapshot returns the current cache occupancy and range layout.
// Intended for status endpoints and tests, not for the hot read path.
func (dx *Demuxer) BufferSnapshot() BufferView {
	dx.mu.Lock()
	defer dx.mu.Unlock()
	dx.recomputeTotals()

	cur := dx.currentRange()
	v := BufferView{TotalBytes: dx.totalBytes, ForwardBytes: dx.fwBytes}
	for _, r := range dx.ranges {
		v.Ranges = append(v.Ranges, RangeView{
			SeekStart: r.seekStart,
			SeekEnd:   r.seekEnd,
			IsCurrent: r == cur,
		})
	}
	return v
}

// ConsumerView is a read-only snapshot of one stream's reader-facing
// state.
type ConsumerView struct {
	Selected   bool
	Eager      bool
	EOF        bool
	HasPacket  bool
	BitrateBps float64
}

// Snapshot returns r's current reader-facing state.
func (r *Reader) Snapshot() ConsumerView {
	dx := r.dx
	dx.mu.Lock()
	defer dx.mu.Unlock()
	if r.streamIdx < 0 || r.streamIdx >= len(dx.streams) {
		return ConsumerView{}
	}
	s := dx.streams[r.streamIdx]
	return ConsumerView{
		Selected:   s.selected,
		Eager:      s.eager,
		EOF:        dx.effectiveEOFLocked(s),
		HasPacket:  s.readerHead != nil || (s.desc.AttachedPicture != nil && !s.attachedPictureSent),
		BitrateBps: s.bitrateBps,
	}
}
