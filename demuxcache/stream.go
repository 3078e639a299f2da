package demuxcache

// StreamType identifies the kind of elementary stream a StreamDescriptor
// describes.
type StreamType int

const (
	StreamVideo StreamType = iota
	StreamAudio
	StreamSubtitle
)

func (t StreamType) String() string {
	switch t {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	case StreamSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// StreamDescriptor is the identity and static metadata of one elementary
// stream as registered by a Producer via Demuxer.AddStream. It is
// immutable after registration; runtime selection/reader state lives in
// the Demuxer's internal streamState.
type StreamDescriptor struct {
	// Index is this stream's position in the Demuxer's stream list (see
	// Demuxer.Stream and NumStreams), assigned at registration time.
	Index int

	// DemuxerID is the producer's own numbering for this stream
	// (e.g. the MPEG-TS PID), carried through for diagnostics.
	DemuxerID int

	Type StreamType

	// CodecParams is an opaque, producer-defined codec configuration
	// blob (SPS/PPS, ADTS header fields, ...); demuxcache never
	// interprets it.
	CodecParams any

	Tags map[string]string

	// AttachedPicture, when non-nil, marks this as a single-shot
	// "cover art" style stream: a Reader on it yields exactly this
	// packet once and then reports EOF, regardless of the regular
	// packet queue.
	AttachedPicture *Packet
}
