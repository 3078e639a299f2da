package demuxcache

import "math"

// NoPTS is the sentinel for an unknown timestamp, comparable with ==
// (unlike NaN). Used for Packet.PTS, Packet.DTS, Packet.SegmentStart and
// Packet.SegmentEnd, and for every derived timestamp field in Queue and
// CachedRange.
var NoPTS = math.Inf(-1)

// NoPos is the sentinel for an unknown byte position.
const NoPos int64 = -1

// HasPTS reports whether ts is a known timestamp.
func HasPTS(ts float64) bool { return ts != NoPTS }

// packetOverheadBytes approximates the fixed per-packet bookkeeping cost
// (struct + slice header + allocator overhead) added on top of payload
// size when estimating cache occupancy.
const packetOverheadBytes = 80

// estimateSize returns the byte cost counted against the cache's
// forward/backward byte budgets for p.
func estimateSize(p *Packet) int64 {
	return int64(len(p.Data)) + packetOverheadBytes
}

// minNoPTS and maxNoPTS fold a NoPTS operand by ignoring it, rather than
// letting -Inf dominate a min() or dominate nothing in a max().
func minNoPTS(a, b float64) float64 {
	if a == NoPTS {
		return b
	}
	if b == NoPTS {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func maxNoPTS(a, b float64) float64 {
	if a == NoPTS {
		return b
	}
	if b == NoPTS {
		return a
	}
	if a > b {
		return a
	}
	return b
}

// Packet is one demuxed access unit: an opaque payload plus the timing
// and framing metadata the cache needs to do its job. Producers build
// these; demuxcache never looks inside Data.
type Packet struct {
	Data []byte

	// DTS and PTS are in seconds, NoPTS if unknown. For non-video
	// streams a Reader substitutes DTS for an unknown PTS on the way
	// out, since callers outside demuxcache only ever look at PTS.
	DTS float64
	PTS float64

	// SegmentStart and SegmentEnd bound a packet that represents a
	// sub-range of a larger logical frame (a segmented/fragmented
	// packet); NoPTS when the packet isn't segmented.
	SegmentStart float64
	SegmentEnd   float64

	// Pos is the producer-side byte offset this packet was read from,
	// NoPos if the producer doesn't track one.
	Pos int64

	Keyframe  bool
	Segmented bool

	// StreamIndex is filled in by AddPacket; producers don't need to
	// set it.
	StreamIndex int

	// KeyframeSeekPTS is the earliest presentation time reachable by
	// seeking to this packet. Only meaningful when Keyframe is true,
	// and only valid once the keyframe block this packet heads has
	// closed (the next keyframe, or EOF, arrived).
	KeyframeSeekPTS float64

	// SideData carries producer-attached metadata (SCTE-35 splice
	// events, decoded caption text, ...) through the cache untouched.
	SideData map[string]any

	next *Packet
}
