package demux

// AudioTrackInfo associates an MPEG-TS PID with its zero-based track
// index, used to distinguish multiple audio programs within a single
// transport stream.
type AudioTrackInfo struct {
	PID        uint16
	TrackIndex int
}

// StatsRecorder is the interface accepted by a stream's producer for
// recording telemetry as it demuxes packets. The distribution layer's
// DemuxStats implements this interface; package tsfeed calls it directly
// as it turns transport-stream units into demuxcache.Packets, rather
// than through a channel-pushing orchestrator.
type StatsRecorder interface {
	RecordVideoFrame(bytes int64, isKeyframe bool, pts int64)
	RecordAudioFrame(trackIdx int, bytes int64, pts int64, sampleRate, channels int)
	RecordCaption(channel int)
	RecordResolution(width, height int)
	RecordTimecode(tc string)
	RecordSCTE35(event SCTE35Event)
	RecordVideoCodec(codec string)
}

// SCTE35Event represents a parsed SCTE-35 splice information event
// extracted from the transport stream, including splice inserts, time
// signals, and segmentation descriptors used for ad insertion and
// content identification. tsfeed attaches these to packets as side data
// (Packet.SideData["scte35"]) in addition to handing them to a
// StatsRecorder.
type SCTE35Event struct {
	PTS                int64   `json:"pts"`
	CommandType        string  `json:"commandType"`
	CommandTypeID      uint32  `json:"commandTypeId"`
	EventID            uint32  `json:"eventId,omitempty"`
	SegmentationType   string  `json:"segmentationType,omitempty"`
	SegmentationTypeID uint32  `json:"segmentationTypeId,omitempty"`
	Duration           float64 `json:"duration,omitempty"`
	OutOfNetwork       bool    `json:"outOfNetwork,omitempty"`
	Immediate          bool    `json:"immediate,omitempty"`
	Description        string  `json:"description"`
	ReceivedAt         int64   `json:"receivedAt"`
}
