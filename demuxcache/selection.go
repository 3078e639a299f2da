package demuxcache

// Select turns a stream on or off. Selecting an already-selected stream
// (or deselecting an already-deselected one) is a no-op. Toggling a
// stream on after the demuxer has started running schedules a refresh
// seek so the newly-selected stream catches up to what's already
// playing; toggling on before Start (the initial track selection) does
// not, since there's nothing yet to catch up to. refPTS is the
// consumer's current playback position, used as the refresh seek
// target.
func (dx *Demuxer) Select(streamIdx int, selected bool, refPTS float64) error {
	dx.mu.Lock()
	defer dx.mu.Unlock()

	if streamIdx < 0 || streamIdx >= len(dx.streams) {
		return ErrUnknownStream
	}
	s := dx.streams[streamIdx]
	if s.selected == selected {
		return nil
	}
	s.selected = selected
	s.readerHead = nil
	s.waitForKeyframe = false
	s.eof = false
	s.reading = false
	s.refreshing = false
	s.needRefresh = false

	if selected && dx.started {
		s.needRefresh = true
		dx.tracksSwitched = true
		dx.pendingRefreshRefPTS = refPTS - dx.tsOffset
	}

	dx.recomputeEagerLocked()
	dx.recomputeTotals()
	dx.cond.Broadcast()
	return nil
}

// recomputeEagerLocked derives each selected stream's eager flag: a
// selected stream is eager unless it's an attached-picture (single-shot)
// stream, and subtitle streams are never eager once any non-subtitle
// stream is eager (subtitles are read lazily, on demand, rather than
// driving read-ahead pacing).
func (dx *Demuxer) recomputeEagerLocked() {
	anyNonSubEager := false
	for _, s := range dx.streams {
		s.eager = s.selected && s.desc.AttachedPicture == nil
		if s.eager && s.desc.Type != StreamSubtitle {
			anyNonSubEager = true
		}
	}
	if anyNonSubEager {
		for _, s := range dx.streams {
			if s.desc.Type == StreamSubtitle {
				s.eager = false
			}
		}
	}
}

// computeRefreshSeekLocked derives the refresh-seek target for a track
// switch: the target is the minimum of refPTS and every selected A/V
// stream's last observed timestamp, so playback resumes from the
// earliest point any currently-selected stream still needs data. If
// every selected stream is newly-enabled (nothing was already playing),
// an ordinary seek to that target is used. Otherwise, if every selected
// stream has a monotonic DTS or byte position to filter duplicates
// against, a dedup-filtered refresh seek is used (a seek slightly before
// the target, with newly-enabled streams' incoming packets deduplicated
// against their last-seen position until they catch up). If neither
// applies, the switch can't be served as a refresh and is dropped with a
// one-shot warning; existing streams keep playing uninterrupted.
func (dx *Demuxer) computeRefreshSeekLocked(refPTS float64) (doSeek bool, target float64, dedupIndices []int) {
	target = refPTS
	var newlyEnabled, selected []int
	for i, s := range dx.streams {
		if !s.selected {
			continue
		}
		selected = append(selected, i)
		if s.needRefresh {
			newlyEnabled = append(newlyEnabled, i)
		}
		if s.desc.Type == StreamVideo || s.desc.Type == StreamAudio {
			if r := dx.currentRange(); r != nil && i < len(r.queues) && r.queues[i] != nil {
				target = minNoPTS(target, r.queues[i].lastTS)
			}
		}
	}

	if len(newlyEnabled) == len(selected) {
		return true, target, nil
	}

	allCorrect := true
	for _, i := range selected {
		s := dx.streams[i]
		q := dx.currentQueueFor(i)
		correct := q != nil && (q.correctDTS || q.correctPos)
		if !correct {
			allCorrect = false
		}
		_ = s
	}
	if allCorrect {
		return true, target - 1.0, newlyEnabled
	}

	dx.refreshWarnOnce.Do(func() {
		dx.log.Warn("refresh seek impossible for current selection; keeping existing streams uninterrupted")
	})
	return false, 0, nil
}

func (dx *Demuxer) currentQueueFor(idx int) *queue {
	r := dx.currentRange()
	if r == nil || idx >= len(r.queues) {
		return nil
	}
	return r.queues[idx]
}
