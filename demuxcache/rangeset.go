package demuxcache

import "math"

// cachedRange is one contiguous span of cached packets across every
// stream: one queue per stream index, plus an aggregate seek interval
// covering every currently-selected stream's queue.
type cachedRange struct {
	queues    []*queue
	seekStart float64
	seekEnd   float64
}

func newCachedRange(numStreams int) *cachedRange {
	return &cachedRange{
		queues:    make([]*queue, numStreams),
		seekStart: NoPTS,
		seekEnd:   NoPTS,
	}
}

func (r *cachedRange) growTo(numStreams int) {
	for len(r.queues) < numStreams {
		r.queues = append(r.queues, nil)
	}
}

func (r *cachedRange) queueFor(dx *Demuxer, streamIdx int) *queue {
	r.growTo(len(dx.streams))
	if r.queues[streamIdx] == nil {
		r.queues[streamIdx] = newQueue(dx.opts.TimestampResetThreshold.Seconds())
	}
	return r.queues[streamIdx]
}

// updateSeekRange recomputes the range's aggregate [seekStart, seekEnd]
// as the intersection of every currently-selected stream's queue seek
// interval: the latest of the per-queue starts and the earliest of the
// per-queue ends. If any selected stream's queue has no priced interval
// yet, or the intersection is empty, the range has no usable seek point.
func (r *cachedRange) updateSeekRange(dx *Demuxer) {
	start, end := NoPTS, NoPTS
	any := false
	for i, q := range r.queues {
		if q == nil || i >= len(dx.streams) || !dx.streams[i].selected {
			continue
		}
		any = true
		if q.seekStart == NoPTS || q.seekEnd == NoPTS {
			r.seekStart, r.seekEnd = NoPTS, NoPTS
			return
		}
		if start == NoPTS || q.seekStart > start {
			start = q.seekStart
		}
		if end == NoPTS || q.seekEnd < end {
			end = q.seekEnd
		}
	}
	if !any || start == NoPTS || end == NoPTS || start > end {
		r.seekStart, r.seekEnd = NoPTS, NoPTS
		return
	}
	r.seekStart, r.seekEnd = start, end
}

// containsSeekTarget reports whether pts falls inside this range's
// priced seek interval.
func (r *cachedRange) containsSeekTarget(pts float64) bool {
	return r.seekStart != NoPTS && r.seekEnd != NoPTS && r.seekStart <= pts && pts <= r.seekEnd
}

// ---- Demuxer-level range-set operations ----

func (dx *Demuxer) currentRange() *cachedRange {
	if len(dx.ranges) == 0 {
		return nil
	}
	return dx.ranges[len(dx.ranges)-1]
}

// setCurrentRangeLocked moves r to the LRU-newest (tail) slot, promoting
// it to the current range.
func (dx *Demuxer) setCurrentRangeLocked(r *cachedRange) {
	for i, x := range dx.ranges {
		if x == r {
			dx.ranges = append(dx.ranges[:i], dx.ranges[i+1:]...)
			break
		}
	}
	dx.ranges = append(dx.ranges, r)
}

func (dx *Demuxer) removeRangeLocked(r *cachedRange) {
	for i, x := range dx.ranges {
		if x == r {
			dx.ranges = append(dx.ranges[:i], dx.ranges[i+1:]...)
			return
		}
	}
}

func (dx *Demuxer) findRangeContaining(pts float64) *cachedRange {
	for _, r := range dx.ranges {
		if r.containsSeekTarget(pts) {
			return r
		}
	}
	return nil
}

// maybeJoin attempts to splice cur (always the current range) onto an
// older range whose cached interval picks up where cur's leaves off,
// so the two coalesce instead of the back buffer growing without bound.
// Only attempted when SeekableCache is enabled.
func (dx *Demuxer) maybeJoin(cur *cachedRange) {
	if !dx.opts.SeekableCache || cur != dx.currentRange() || cur.seekStart == NoPTS {
		return
	}

	var target *cachedRange
	bestStart := math.Inf(1)
	for _, r := range dx.ranges {
		if r == cur || r.seekStart == NoPTS {
			continue
		}
		if r.seekStart >= cur.seekStart && r.seekStart < cur.seekEnd {
			if r.seekStart < bestStart {
				bestStart, target = r.seekStart, r
			}
		}
	}
	if target == nil {
		return
	}

	type matched struct {
		idx  int
		node *Packet
	}
	var matches []matched

	for i := range dx.streams {
		s := dx.streams[i]
		qCur := cur.queueForExisting(i)
		qR := target.queueForExisting(i)
		if qCur == nil || qCur.tail == nil || !s.selected {
			continue
		}
		eager := s.eager

		if !(qCur.correctDTS || qCur.correctPos) {
			if eager {
				dx.removeRangeLocked(target)
				return
			}
			continue
		}
		if qR == nil {
			if eager {
				dx.removeRangeLocked(target)
				return
			}
			continue
		}

		useDTS := qCur.correctDTS
		node := qR.head
		for node != nil && isBeforePacket(node, qCur.tail, useDTS) {
			node = node.next
		}
		if node == nil || !packetsMatch(node, qCur.tail) {
			if eager {
				dx.removeRangeLocked(target)
				return
			}
			continue
		}
		matches = append(matches, matched{i, node})
	}

	for _, m := range matches {
		i, node := m.idx, m.node
		qCur := cur.queueForExisting(i)
		qR := target.queueForExisting(i)

		qR.head = node.next
		qR.numPackets--
		qR.bytes -= estimateSize(node)
		if qR.head == nil {
			qR.tail = nil
		}
		node.next = nil

		if qCur.head != nil {
			qCur.tail.next = qR.head
			qR.head = qCur.head
			if qR.tail == nil {
				qR.tail = qCur.tail
			}
			qR.numPackets += qCur.numPackets
			qR.bytes += qCur.bytes
		}
		qR.correctDTS = qCur.correctDTS
		qR.correctPos = qCur.correctPos
		qR.seekStart = qCur.seekStart
	}

	dx.removeRangeLocked(cur)
	dx.setCurrentRangeLocked(target)
	target.updateSeekRange(dx)

	for _, s := range dx.streams {
		if s.selected {
			s.refreshBaselineDTS = dx.rangeLastDTS(target, s.desc.Index)
			s.refreshBaselinePos = dx.rangeLastPos(target, s.desc.Index)
			s.refreshing = true
		}
	}
	dx.pendingSeek = &seekRequest{pts: target.seekEnd - 1.0, flags: SeekHR, resume: true}
}

func (dx *Demuxer) rangeLastDTS(r *cachedRange, idx int) float64 {
	if idx < len(r.queues) && r.queues[idx] != nil {
		return r.queues[idx].lastDTS
	}
	return NoPTS
}

func (dx *Demuxer) rangeLastPos(r *cachedRange, idx int) int64 {
	if idx < len(r.queues) && r.queues[idx] != nil {
		return r.queues[idx].lastPos
	}
	return NoPos
}

func (r *cachedRange) queueForExisting(idx int) *queue {
	if idx >= len(r.queues) {
		return nil
	}
	return r.queues[idx]
}

func isBeforePacket(n, target *Packet, useDTS bool) bool {
	if useDTS {
		if n.DTS == NoPTS || target.DTS == NoPTS {
			return false
		}
		return n.DTS < target.DTS
	}
	if n.Pos == NoPos || target.Pos == NoPos {
		return false
	}
	return n.Pos < target.Pos
}

func packetsMatch(a, b *Packet) bool {
	return a.DTS == b.DTS && a.PTS == b.PTS && a.Pos == b.Pos && len(a.Data) == len(b.Data)
}

// pruneIfNeeded trims the LRU-oldest range's queues until the cache's
// backward footprint (total bytes minus the current range's forward
// bytes) fits within the configured back-buffer budget.
func (dx *Demuxer) pruneIfNeeded() {
	maxBack := int64(0)
	if dx.opts.SeekableCache {
		maxBack = dx.opts.MaxBackBytes
	}
	for dx.totalBytes-dx.fwBytes > maxBack {
		if !dx.pruneOnePacket() {
			break
		}
	}
}

func (dx *Demuxer) pruneOnePacket() bool {
	if len(dx.ranges) == 0 {
		return false
	}
	r := dx.ranges[0]
	idx, q := dx.pickPruneVictim(r)
	if q == nil {
		return false
	}
	var readerHead *Packet
	if idx >= 0 && idx < len(dx.streams) {
		readerHead = dx.streams[idx].readerHead
	}
	target := q.pruneTarget()
	q.dropThrough(target, readerHead)
	dx.recomputeTotals()
	if r != dx.currentRange() {
		r.updateSeekRange(dx)
		if r.seekStart == NoPTS && dx.rangeEmpty(r) {
			dx.removeRangeLocked(r)
		}
	}
	return true
}

func (dx *Demuxer) rangeEmpty(r *cachedRange) bool {
	for _, q := range r.queues {
		if q != nil && q.head != nil {
			return false
		}
	}
	return true
}

// pickPruneVictim picks a queue within r to trim: any queue whose head
// has no priced keyframe boundary is pruned immediately regardless of
// price (it can't be reasoned about), otherwise the queue whose head has
// the earliest KeyframeSeekPTS loses the least seek range and is picked.
func (dx *Demuxer) pickPruneVictim(r *cachedRange) (int, *queue) {
	bestIdx := -1
	var best *queue
	bestPrice := math.Inf(1)
	for i, q := range r.queues {
		if q == nil || q.head == nil {
			continue
		}
		if i < len(dx.streams) && q.head == dx.streams[i].readerHead {
			continue
		}
		if !q.head.Keyframe || q.head.KeyframeSeekPTS == NoPTS {
			return i, q
		}
		if q.head.KeyframeSeekPTS < bestPrice {
			bestPrice, bestIdx, best = q.head.KeyframeSeekPTS, i, q
		}
	}
	return bestIdx, best
}
