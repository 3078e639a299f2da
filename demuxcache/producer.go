package demuxcache

import "context"

// ControlCmd identifies a producer-level control query issued by the
// demux thread outside of normal read-ahead, always with the Demuxer's
// lock dropped.
type ControlCmd int

const (
	// ControlBitrate asks the producer for its own estimate of the
	// source bitrate (arg is unused; result is a float64 bits/sec, or
	// NoPTS-typed -1 if unknown). Producers that have no better signal
	// than demuxcache's own per-stream estimate can return an error
	// and let the caller fall back to Reader bitrate tracking.
	ControlBitrate ControlCmd = iota

	// ControlTracksSwitched notifies the producer that stream
	// selection changed (arg is the ref_pts used for the refresh
	// seek, a float64); most producers ignore this.
	ControlTracksSwitched

	// ControlReplaceStream asks the producer to swap in a new
	// CodecParams blob for an existing stream (arg is a
	// struct{Index int; Params any}), used when mid-stream codec
	// parameter changes (e.g. new SPS) are significant enough that
	// downstream consumers need to be told explicitly rather than
	// inferring it from packet contents.
	ControlReplaceStream
)

// Producer is the external collaborator that turns a byte stream into
// Packets. A Demuxer drives exactly one Producer; the read-ahead thread
// calls its methods with the Demuxer's lock always dropped, so a
// Producer is free to block on I/O.
type Producer interface {
	// Open is called once, before the read-ahead thread starts,  and
	// should register the stream's initial tracks via dx.AddStream.
	Open(ctx context.Context, dx *Demuxer) error

	// FillBuffer performs one unit of read-ahead work: read from the
	// underlying source and call dx.AddPacket zero or more times. It
	// returns the number of packets added and a nil error on success;
	// n == 0 with a nil error, or any non-nil error, signals producer
	// EOF (io.EOF specifically means a clean end of stream; any other
	// error is logged and also treated as EOF, since there is no
	// retry protocol at this layer).
	FillBuffer(ctx context.Context, dx *Demuxer) (n int, err error)

	// Seek asks the producer to reposition to pts (producer-internal
	// timeline, i.e. already adjusted for any offset) with the given
	// flags, in preparation for a fresh (not in-cache) seek. Called
	// with the Demuxer's lock dropped.
	Seek(ctx context.Context, pts float64, flags SeekFlags) error

	// Control answers a ControlCmd; see the individual command docs
	// for arg/result shapes. Returning a non-nil error is always
	// safe — callers treat an unanswered control query as "producer
	// has no opinion" rather than a fatal condition.
	Control(ctx context.Context, cmd ControlCmd, arg any) (any, error)

	// Close releases producer-owned resources (closes the underlying
	// connection/file). Called once, after the read-ahead thread has
	// stopped.
	Close() error
}
