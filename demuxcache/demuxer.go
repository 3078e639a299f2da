package demuxcache

import (
	"context"
	"log/slog"
	"sync"
)

// streamState is the Demuxer's per-stream runtime state: selection,
// reader position, and EOF bookkeeping. StreamDescriptor holds the
// immutable identity; this holds everything that changes while running.
type streamState struct {
	desc *StreamDescriptor

	selected bool
	eager    bool
	eof      bool

	needRefresh bool
	refreshing  bool

	readerHead          *Packet
	waitForKeyframe     bool
	attachedPictureSent bool
	reading             bool

	refreshBaselineDTS float64
	refreshBaselinePos int64

	bitrateWindowStart float64
	bitrateWindowBytes int64
	bitrateBps         float64
}

func newStreamState(desc *StreamDescriptor) *streamState {
	return &streamState{
		desc:               desc,
		refreshBaselineDTS: NoPTS,
		refreshBaselinePos: NoPos,
		bitrateWindowStart: NoPTS,
	}
}

type seekRequest struct {
	pts    float64
	flags  SeekFlags
	resume bool
}

// Demuxer is the buffering cache core: it owns the read-ahead loop,
// every CachedRange, and per-stream reader/selection state, all behind
// a single mutex and condition variable.
type Demuxer struct {
	log      *slog.Logger
	opts     Options
	producer Producer

	mu   sync.Mutex
	cond *sync.Cond
	wg   sync.WaitGroup

	streams []*streamState
	ranges  []*cachedRange

	totalBytes int64
	fwBytes    int64

	tsOffset float64
	seekable bool

	started   bool
	terminate bool

	producerDone    bool
	forwardCapped   bool
	eofNotified     bool
	capWarnedOnce   sync.Once
	refreshWarnOnce sync.Once

	pendingSeek            *seekRequest
	tracksSwitched         bool
	pendingRefreshRefPTS   float64
	statsRefreshRequested  bool
	runQueue               []func()

	wakeupCB func()

	filepos int64

	pendingEvents Events
}

// NewDemuxer constructs a Demuxer bound to producer with the given
// options. If log is nil, slog.Default() is used. Call Start to begin
// read-ahead (or drive cycles manually in SingleThreaded mode).
func NewDemuxer(ctx context.Context, producer Producer, opts Options, log *slog.Logger) (*Demuxer, error) {
	if log == nil {
		log = slog.Default()
	}
	dx := &Demuxer{
		log:      log.With("component", "demuxcache"),
		opts:     opts,
		producer: producer,
		seekable: true,
	}
	dx.cond = sync.NewCond(&dx.mu)

	if err := producer.Open(ctx, dx); err != nil {
		return nil, err
	}
	dx.started = false
	return dx, nil
}

// AddStream registers a new elementary stream, returning its assigned
// StreamDescriptor.Index. Producers call this from Open or FillBuffer
// the first time a new track is discovered.
func (dx *Demuxer) AddStream(desc StreamDescriptor) int {
	dx.mu.Lock()
	defer dx.mu.Unlock()

	desc.Index = len(dx.streams)
	d := desc
	dx.streams = append(dx.streams, newStreamState(&d))
	for _, r := range dx.ranges {
		r.growTo(len(dx.streams))
	}
	dx.pendingEvents |= EventStreams
	return d.Index
}

// NumStreams returns the number of registered streams.
func (dx *Demuxer) NumStreams() int {
	dx.mu.Lock()
	defer dx.mu.Unlock()
	return len(dx.streams)
}

// Stream returns a copy of the StreamDescriptor for idx.
func (dx *Demuxer) Stream(idx int) (StreamDescriptor, error) {
	dx.mu.Lock()
	defer dx.mu.Unlock()
	if idx < 0 || idx >= len(dx.streams) {
		return StreamDescriptor{}, ErrUnknownStream
	}
	return *dx.streams[idx].desc, nil
}

// SetSeekable overrides whether the underlying source is treated as
// seekable; producers call this from Open once they know.
func (dx *Demuxer) SetSeekable(seekable bool) {
	dx.mu.Lock()
	defer dx.mu.Unlock()
	dx.seekable = seekable
}

// SetTimestampOffset sets the offset added to every PTS/DTS handed back
// to consumers (and subtracted from Seek's non-factor-relative targets).
func (dx *Demuxer) SetTimestampOffset(offset float64) {
	dx.mu.Lock()
	defer dx.mu.Unlock()
	dx.tsOffset = offset
}

// SetWakeupCB installs a callback invoked (with the lock dropped)
// whenever a new packet arrives after an underrun, or when the demuxer
// transitions into EOF. Used to wake an external event loop; pass nil
// to clear it.
func (dx *Demuxer) SetWakeupCB(cb func()) {
	dx.mu.Lock()
	defer dx.mu.Unlock()
	dx.wakeupCB = cb
}

func (dx *Demuxer) fireWakeupLocked() {
	cb := dx.wakeupCB
	if cb == nil {
		return
	}
	dx.mu.Unlock()
	cb()
	dx.mu.Lock()
}

// recomputeTotals recomputes totalBytes (every packet in every range)
// and fwBytes (packets at-or-ahead of each selected stream's reader
// head, within the current range only) from scratch. This is the
// authoritative definition of both counters; called at the end of every
// structural operation (append, dequeue, prune, seek, join) instead of
// maintaining exact incremental deltas, trading a little CPU for an
// implementation with no drift between the two.
func (dx *Demuxer) recomputeTotals() {
	var total, fw int64
	cur := dx.currentRange()
	for _, r := range dx.ranges {
		for i, q := range r.queues {
			if q == nil {
				continue
			}
			for n := q.head; n != nil; n = n.next {
				total += estimateSize(n)
			}
			if r == cur && i < len(dx.streams) && dx.streams[i].selected {
				for n := dx.streams[i].readerHead; n != nil; n = n.next {
					fw += estimateSize(n)
				}
			}
		}
	}
	dx.totalBytes = total
	dx.fwBytes = fw
}

// Close stops read-ahead and releases the producer.
func (dx *Demuxer) Close() error {
	dx.mu.Lock()
	dx.terminate = true
	dx.cond.Broadcast()
	dx.mu.Unlock()
	dx.wg.Wait()
	return dx.producer.Close()
}

// RunFn schedules fn to run on the demux thread (or, in SingleThreaded
// mode, runs it inline) with the Demuxer's lock held, and blocks until
// it completes. Useful for synchronizing an external query with the
// read-ahead loop, mirroring mpv's demux run_fn mechanism.
func (dx *Demuxer) RunFn(fn func(dx *Demuxer)) {
	dx.mu.Lock()
	done := make(chan struct{})
	dx.runQueue = append(dx.runQueue, func() {
		fn(dx)
		close(done)
	})
	dx.cond.Broadcast()
	single := dx.opts.SingleThreaded
	dx.mu.Unlock()
	if single {
		dx.mu.Lock()
		dx.runCycleLocked(context.Background())
		dx.mu.Unlock()
	}
	<-done
}

// RequestStatsRefresh asks the demux thread to recompute cache totals
// (bytes, ranges) on its next idle cycle; Reader already triggers this
// implicitly on every dequeue, so this is only needed by callers polling
// stats without reading packets.
func (dx *Demuxer) RequestStatsRefresh() {
	dx.mu.Lock()
	dx.statsRefreshRequested = true
	dx.cond.Broadcast()
	dx.mu.Unlock()
}
