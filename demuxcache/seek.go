package demuxcache

import "math"

// SeekFlags modifies Seek's behavior.
type SeekFlags int

const (
	// SeekFactor treats pts as a 0..1 fraction of the stream's
	// duration rather than an absolute timestamp, and skips the
	// timestamp-offset adjustment applied to absolute targets. Factor
	// seeks are never served from the cache; they always go to the
	// producer.
	SeekFactor SeekFlags = 1 << iota

	// SeekForward requires the resulting position to be at or after
	// pts, instead of the default of seeking to the nearest keyframe
	// at or before pts.
	SeekForward

	// SeekHR requests the most precise position available (used
	// internally for range-join and refresh-seek resume points, where
	// landing close to the target packet-for-packet matters more than
	// snapping to the previous keyframe).
	SeekHR
)

// Seek repositions every selected stream to pts. If the target falls
// inside an already-cached range's priced seek interval, it's served
// entirely from memory; otherwise a fresh producer-level seek is
// queued (executed by the demux thread with the lock dropped), clearing
// or replacing the current range depending on Options.SeekableCache.
// Returns false if the source isn't seekable and Options.ForceSeekable
// isn't set.
func (dx *Demuxer) Seek(pts float64, flags SeekFlags) bool {
	dx.mu.Lock()
	defer dx.mu.Unlock()

	if flags&SeekFactor == 0 {
		pts -= dx.tsOffset
	}
	return dx.seekLocked(pts, flags)
}

func (dx *Demuxer) seekLocked(pts float64, flags SeekFlags) bool {
	if !dx.seekable && !dx.opts.ForceSeekable {
		return false
	}

	for _, s := range dx.streams {
		s.readerHead = nil
		s.waitForKeyframe = false
		s.eof = false
		s.reading = false
		s.refreshing = false
	}
	dx.forwardCapped = false
	dx.eofNotified = false

	if dx.opts.SeekableCache && flags&SeekFactor == 0 {
		if r := dx.findRangeContaining(pts); r != nil {
			dx.seekInCacheLocked(r, pts, flags)
			dx.recomputeTotals()
			dx.cond.Broadcast()
			return true
		}
	}

	if dx.opts.SeekableCache {
		dx.ranges = append(dx.ranges, newCachedRange(len(dx.streams)))
	} else {
		if cur := dx.currentRange(); cur != nil {
			for _, q := range cur.queues {
				if q != nil {
					q.clear()
				}
			}
			cur.seekStart, cur.seekEnd = NoPTS, NoPTS
		} else {
			dx.ranges = append(dx.ranges, newCachedRange(len(dx.streams)))
		}
	}

	dx.pendingSeek = &seekRequest{pts: pts, flags: flags}
	dx.recomputeTotals()
	dx.cond.Broadcast()
	return true
}

// seekInCacheLocked repositions reader heads within an already-cached
// range r. The video stream (if selected) is resolved first; every
// other stream then targets the video stream's resolved keyframe PTS
// instead of the raw seek target, unless SeekHR is set, so that all
// streams land on the same presentation instant. If r isn't already the
// current range, it's promoted to current and a resume low-level seek
// is queued so read-ahead continues past the join point, with every
// selected stream's subsequent packets deduplicated against its
// last-seen position until they catch up.
func (dx *Demuxer) seekInCacheLocked(r *cachedRange, pts float64, flags SeekFlags) {
	videoIdx := -1
	for i, s := range dx.streams {
		if s.selected && s.desc.Type == StreamVideo {
			videoIdx = i
			break
		}
	}

	order := make([]int, 0, len(dx.streams))
	if videoIdx >= 0 {
		order = append(order, videoIdx)
	}
	for i := range dx.streams {
		if i != videoIdx {
			order = append(order, i)
		}
	}

	videoTargetKF := NoPTS
	for _, i := range order {
		s := dx.streams[i]
		if !s.selected {
			continue
		}
		q := r.queueForExisting(i)
		effective := pts
		if i != videoIdx && videoTargetKF != NoPTS && flags&SeekHR == 0 {
			effective = videoTargetKF
		}
		target := findSeekTarget(q, effective, flags)
		s.readerHead = target
		s.waitForKeyframe = target == nil
		if target != nil && i == videoIdx && flags&SeekHR == 0 {
			videoTargetKF = target.KeyframeSeekPTS
		}
	}

	if r != dx.currentRange() {
		dx.setCurrentRangeLocked(r)
		r.updateSeekRange(dx)
		for _, s := range dx.streams {
			if s.selected {
				s.refreshBaselineDTS = dx.rangeLastDTS(r, s.desc.Index)
				s.refreshBaselinePos = dx.rangeLastPos(r, s.desc.Index)
				s.refreshing = true
			}
		}
		dx.pendingSeek = &seekRequest{pts: r.seekEnd - 1.0, flags: SeekHR, resume: true}
	}
}

// findSeekTarget picks the keyframe packet in q whose KeyframeSeekPTS is
// nearest to pts, restricted to KeyframeSeekPTS <= pts unless SeekForward
// is set. Ties are broken toward the earlier (smaller KeyframeSeekPTS)
// candidate by scanning head-to-tail and only replacing the best match
// on a strictly smaller distance.
func findSeekTarget(q *queue, pts float64, flags SeekFlags) *Packet {
	if q == nil {
		return nil
	}
	var best *Packet
	bestDiff := math.Inf(1)
	for n := q.head; n != nil; n = n.next {
		if !n.Keyframe || n.KeyframeSeekPTS == NoPTS {
			continue
		}
		diff := n.KeyframeSeekPTS - pts
		if flags&SeekForward == 0 && diff > 0 {
			continue
		}
		ad := math.Abs(diff)
		if ad < bestDiff {
			bestDiff = ad
			best = n
		}
	}
	return best
}
