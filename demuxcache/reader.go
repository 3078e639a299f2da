package demuxcache

import (
	"context"
	"io"
)

// AsyncStatus is the result of a non-blocking read attempt.
type AsyncStatus int

const (
	// AsyncHave means a packet is ready; call ReadPacket to get it
	// without blocking.
	AsyncHave AsyncStatus = iota
	// AsyncPending means no packet is ready yet but more may arrive;
	// read-ahead has been nudged to try.
	AsyncPending
	// AsyncEOF means no more packets will arrive for this stream,
	// whether from real producer EOF, the forward-byte cap, or the
	// stream not being selected.
	AsyncEOF
)

// Reader is a per-stream handle into a Demuxer's packet cache. Readers
// are cheap; create one per consumer goroutine.
type Reader struct {
	dx        *Demuxer
	streamIdx int
}

// Reader returns a Reader bound to streamIdx.
func (dx *Demuxer) Reader(streamIdx int) *Reader {
	return &Reader{dx: dx, streamIdx: streamIdx}
}

func (dx *Demuxer) effectiveEOFLocked(s *streamState) bool {
	return s.eof || dx.forwardCapped
}

// ReadPacket blocks until a packet is available, ctx is cancelled, or
// the stream hits EOF (returned as io.EOF). Attached-picture streams
// yield their single packet once and report io.EOF on every subsequent
// call.
func (r *Reader) ReadPacket(ctx context.Context) (*Packet, error) {
	dx := r.dx
	dx.mu.Lock()
	defer dx.mu.Unlock()

	if dx.terminate {
		return nil, ErrClosed
	}
	if r.streamIdx < 0 || r.streamIdx >= len(dx.streams) {
		return nil, ErrUnknownStream
	}
	s := dx.streams[r.streamIdx]

	if s.desc.AttachedPicture != nil {
		if s.attachedPictureSent {
			return nil, io.EOF
		}
		s.attachedPictureSent = true
		cp := *s.desc.AttachedPicture
		cp.next = nil
		return &cp, nil
	}

	if !s.selected {
		return nil, ErrStreamNotSelected
	}

	dx.started = true
	for s.readerHead == nil && !dx.effectiveEOFLocked(s) {
		s.reading = true
		dx.cond.Broadcast()
		if dx.opts.SingleThreaded {
			if !dx.runCycleLocked(ctx) {
				if s.readerHead == nil && !dx.effectiveEOFLocked(s) {
					return nil, io.EOF
				}
			}
			continue
		}
		if err := dx.waitCond(ctx); err != nil {
			return nil, err
		}
	}
	if s.readerHead == nil {
		return nil, io.EOF
	}
	p := dx.dequeueLocked(r.streamIdx)
	return p, nil
}

// ReadPacketAsync never blocks: it reports whether a packet is
// immediately available, requests more read-ahead if not, and tells the
// caller whether to expect more.
func (r *Reader) ReadPacketAsync() AsyncStatus {
	dx := r.dx
	dx.mu.Lock()
	defer dx.mu.Unlock()

	if r.streamIdx < 0 || r.streamIdx >= len(dx.streams) {
		return AsyncEOF
	}
	s := dx.streams[r.streamIdx]

	if s.desc.AttachedPicture != nil {
		if s.attachedPictureSent {
			return AsyncEOF
		}
		return AsyncHave
	}
	if !s.selected {
		return AsyncEOF
	}
	if s.readerHead != nil {
		return AsyncHave
	}
	if dx.effectiveEOFLocked(s) {
		return AsyncEOF
	}
	s.reading = true
	dx.cond.Broadcast()
	if dx.opts.SingleThreaded {
		dx.runCycleLocked(context.Background())
		if s.readerHead != nil {
			return AsyncHave
		}
	}
	if !s.eager {
		return AsyncEOF
	}
	return AsyncPending
}

// HasPacket reports whether a packet is immediately available without
// nudging read-ahead.
func (r *Reader) HasPacket() bool {
	dx := r.dx
	dx.mu.Lock()
	defer dx.mu.Unlock()
	if r.streamIdx < 0 || r.streamIdx >= len(dx.streams) {
		return false
	}
	s := dx.streams[r.streamIdx]
	if s.desc.AttachedPicture != nil {
		return !s.attachedPictureSent
	}
	return s.selected && s.readerHead != nil
}

// ReadAnyPacket scans the selected streams in index order, starting at
// index 0 on every call, and returns a packet from the first ready one,
// driving one producer cycle if
// nothing is ready and the demuxer is in SingleThreaded mode. Intended
// for simple single-threaded consumers that don't want to manage one
// Reader per stream themselves.
func (dx *Demuxer) ReadAnyPacket(ctx context.Context) (int, *Packet, error) {
	dx.mu.Lock()
	defer dx.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		for i, s := range dx.streams {
			if !s.selected {
				continue
			}
			if s.desc.AttachedPicture != nil && !s.attachedPictureSent {
				s.attachedPictureSent = true
				cp := *s.desc.AttachedPicture
				cp.next = nil
				return i, &cp, nil
			}
			if s.readerHead != nil {
				return i, dx.dequeueLocked(i), nil
			}
		}
		if !dx.opts.SingleThreaded || !dx.runCycleLocked(ctx) {
			break
		}
	}
	return -1, nil, io.EOF
}

// Flush discards every cached packet and resets every stream's reader
// and EOF state, keeping selection unchanged. Used when a consumer
// wants to drop everything buffered without seeking (e.g. on a decoder
// reset).
func (dx *Demuxer) Flush() {
	dx.mu.Lock()
	defer dx.mu.Unlock()
	for _, r := range dx.ranges {
		for _, q := range r.queues {
			if q != nil {
				q.clear()
			}
		}
	}
	dx.ranges = dx.ranges[:0]
	dx.ranges = append(dx.ranges, newCachedRange(len(dx.streams)))
	for _, s := range dx.streams {
		s.readerHead = nil
		s.waitForKeyframe = false
		s.eof = false
		s.reading = false
		s.refreshing = false
	}
	dx.forwardCapped = false
	dx.eofNotified = false
	dx.recomputeTotals()
	dx.cond.Broadcast()
}

// dequeueLocked advances streamIdx's reader head by one packet, returns
// a copy of it with the timestamp offset applied, updates the filepos
// high-water mark and bitrate estimate, and gives pruning a chance to
// run. Called with dx.mu held.
func (dx *Demuxer) dequeueLocked(streamIdx int) *Packet {
	s := dx.streams[streamIdx]
	p := s.readerHead
	if p == nil {
		return nil
	}
	s.readerHead = p.next

	if p.Pos != NoPos && p.Pos > dx.filepos {
		dx.filepos = p.Pos
	}

	cp := *p
	cp.next = nil
	if cp.PTS != NoPTS {
		cp.PTS += dx.tsOffset
	}
	if cp.DTS != NoPTS {
		cp.DTS += dx.tsOffset
	}
	if cp.PTS == NoPTS && s.desc.Type != StreamVideo {
		cp.PTS = cp.DTS
	}

	dx.updateBitrateLocked(s, p)
	dx.recomputeTotals()
	dx.pruneIfNeeded()
	dx.recomputeTotals()

	if dx.forwardCapped && dx.fwBytes < dx.opts.MaxBytes {
		dx.forwardCapped = false
		dx.cond.Broadcast()
	}

	return &cp
}

// updateBitrateLocked folds p into s's keyframe-to-keyframe bitrate
// estimate: bytes are accumulated across a window of packet
// timestamps (not wall-clock time), and the rate is sampled whenever a
// keyframe arrives at least 500ms (in packet-timestamp terms) after the
// window started.
func (dx *Demuxer) updateBitrateLocked(s *streamState, p *Packet) {
	if p.PTS == NoPTS {
		return
	}
	if s.bitrateWindowStart == NoPTS {
		s.bitrateWindowStart = p.PTS
		s.bitrateWindowBytes = 0
	}
	s.bitrateWindowBytes += estimateSize(p)
	if p.Keyframe {
		dur := p.PTS - s.bitrateWindowStart
		if dur >= 0.5 {
			s.bitrateBps = float64(s.bitrateWindowBytes) * 8 / dur
			s.bitrateWindowStart = p.PTS
			s.bitrateWindowBytes = 0
		}
	}
}

// Bitrate returns the most recent bits/sec estimate for streamIdx, or 0
// if none has been computed yet.
func (dx *Demuxer) Bitrate(streamIdx int) float64 {
	dx.mu.Lock()
	defer dx.mu.Unlock()
	if streamIdx < 0 || streamIdx >= len(dx.streams) {
		return 0
	}
	return dx.streams[streamIdx].bitrateBps
}

// waitCond blocks on dx.cond until woken, returning ctx.Err() if ctx is
// cancelled first. Must be called with dx.mu held; re-acquires it
// before returning.
func (dx *Demuxer) waitCond(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			dx.mu.Lock()
			dx.cond.Broadcast()
			dx.mu.Unlock()
		case <-stop:
		}
		close(done)
	}()
	dx.cond.Wait()
	close(stop)
	<-done
	return ctx.Err()
}
