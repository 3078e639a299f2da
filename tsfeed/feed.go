package tsfeed

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/ccx"

	"github.com/nimbusplay/playcache/demux"
	"github.com/nimbusplay/playcache/demuxcache"
	"github.com/nimbusplay/playcache/mpegts"
)

const (
	streamTypeH264            = 0x1B
	streamTypeH265            = 0x24
	streamTypeAAC             = 0x0F
	scte35PIDWellKnown uint16 = 500
)

// Feed turns an MPEG-TS byte stream into demuxcache Packets. It
// implements demuxcache.Producer: Open discovers the initial PAT/PMT and
// registers streams, FillBuffer reads one PES/PSI unit per call.
type Feed struct {
	log    *slog.Logger
	reader io.Reader
	stats  demux.StatsRecorder

	dmx        *mpegts.Demuxer
	dx         *demuxcache.Demuxer
	videoPID   uint16
	videoIdx   int
	isHEVC     bool
	audioPIDs  map[uint16]int // PID -> stream index
	captionIdx int
	pmtDone    bool

	sps, pps, vps []byte
	spsInfo       demux.SPSInfo
	hevcSPSInfo   demux.HEVCSPSInfo
	groupID       uint32
	videoCount    int64

	cea608Decs map[int]*ccx.CEA608Decoder
	cea708Svcs map[int]*ccx.CEA708Service
	dtvccBuf   []byte

	lastCCCtrl      [2][2]byte
	lastCCWasCtrl   [2]bool
	lastCCCtrlFrame [2]int64

	pendingSCTE35 []demux.SCTE35Event
}

// New creates a Feed reading MPEG-TS from r. If log is nil,
// slog.Default() is used.
func New(r io.Reader, log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		log:       log.With("component", "tsfeed"),
		reader:    r,
		audioPIDs: make(map[uint16]int),
		videoIdx:  -1,
		cea708Svcs: map[int]*ccx.CEA708Service{
			1: ccx.NewCEA708Service(),
			2: ccx.NewCEA708Service(),
			3: ccx.NewCEA708Service(),
			4: ccx.NewCEA708Service(),
			5: ccx.NewCEA708Service(),
			6: ccx.NewCEA708Service(),
		},
		cea608Decs: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
	}
}

// SetStats attaches a StatsRecorder that receives telemetry callbacks for
// every frame and event the feed parses.
func (f *Feed) SetStats(s demux.StatsRecorder) {
	f.stats = s
}

// Open registers a subtitle stream up front (captions may arrive on any
// PID once video parsing starts) and reads PSI/PES units until the first
// PMT resolves the video and audio PIDs, registering a stream for each.
// The live TS source itself is not byte-seekable, but the demuxcache
// buffer is: SetSeekable(true) so in-cache seeks still work.
func (f *Feed) Open(ctx context.Context, dx *demuxcache.Demuxer) error {
	f.dx = dx
	dx.SetSeekable(true)

	scte35Parser := func(ps []*mpegts.Packet) ([]*mpegts.DemuxerData, bool, error) {
		return f.interceptSCTE35(ps)
	}
	f.dmx = mpegts.NewDemuxer(ctx, f.reader,
		mpegts.DemuxerOptPacketSize(188),
		mpegts.DemuxerOptPacketsParser(scte35Parser),
	)

	f.captionIdx = dx.AddStream(demuxcache.StreamDescriptor{Type: demuxcache.StreamSubtitle})

	for !f.pmtDone {
		data, err := f.dmx.NextData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if data.PMT != nil {
			f.handlePMT(data.PMT)
			continue
		}
		// PES data arriving before PMT parsing completes (unusual, but
		// not impossible with a tight PMT) is simply dropped; the
		// producer isn't ready to route it to a stream index yet.
	}
	return nil
}

func (f *Feed) handlePMT(pmt *mpegts.PMTData) {
	for _, es := range pmt.ElementaryStreams {
		switch es.StreamType {
		case streamTypeH264:
			if f.videoPID == 0 {
				f.videoPID = es.ElementaryPID
				f.isHEVC = false
				f.videoIdx = f.dx.AddStream(demuxcache.StreamDescriptor{DemuxerID: int(es.ElementaryPID), Type: demuxcache.StreamVideo})
				f.log.Info("found video PID", "pid", es.ElementaryPID, "codec", "H.264")
			}
		case streamTypeH265:
			if f.videoPID == 0 {
				f.videoPID = es.ElementaryPID
				f.isHEVC = true
				f.videoIdx = f.dx.AddStream(demuxcache.StreamDescriptor{DemuxerID: int(es.ElementaryPID), Type: demuxcache.StreamVideo})
				f.log.Info("found video PID", "pid", es.ElementaryPID, "codec", "H.265")
			}
		case streamTypeAAC:
			if _, exists := f.audioPIDs[es.ElementaryPID]; !exists {
				idx := f.dx.AddStream(demuxcache.StreamDescriptor{DemuxerID: int(es.ElementaryPID), Type: demuxcache.StreamAudio})
				f.audioPIDs[es.ElementaryPID] = idx
				f.log.Info("found audio PID", "pid", es.ElementaryPID, "streamIndex", idx)
			}
		}
	}
	if !f.pmtDone {
		f.pmtDone = true
		if f.stats != nil && f.videoPID != 0 {
			if f.isHEVC {
				f.stats.RecordVideoCodec("H.265")
			} else {
				f.stats.RecordVideoCodec("H.264")
			}
		}
	}
}

// FillBuffer reads one PSI/PES unit from the underlying transport stream
// and turns it into zero or more demuxcache.Packets.
func (f *Feed) FillBuffer(ctx context.Context, dx *demuxcache.Demuxer) (int, error) {
	data, err := f.dmx.NextData()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		f.log.Debug("skipping corrupt unit", "error", err)
		return 0, nil
	}

	if data.PMT != nil {
		f.handlePMT(data.PMT)
		return 0, nil
	}
	if data.PES == nil {
		return 0, nil
	}

	pid := data.FirstPacket.Header.PID
	switch {
	case pid == f.videoPID:
		return f.handleVideo(data.PES)
	default:
		if idx, ok := f.audioPIDs[pid]; ok {
			return f.handleAudio(data.PES, idx)
		}
	}
	return 0, nil
}

// Seek is a no-op error: the live transport-stream source cannot be
// repositioned. demuxcache only calls this for seeks that miss the
// in-memory cache entirely.
func (f *Feed) Seek(ctx context.Context, pts float64, flags demuxcache.SeekFlags) error {
	return demuxcache.ErrNotSeekable
}

// Control answers producer queries. tsfeed has no better bitrate signal
// than demuxcache's own per-stream estimate and ignores track-switch/
// replace-stream notifications, so every command returns an error,
// telling the caller to fall back to its own bookkeeping.
func (f *Feed) Control(ctx context.Context, cmd demuxcache.ControlCmd, arg any) (any, error) {
	return nil, errors.New("tsfeed: no opinion")
}

// Close releases the underlying reader if it implements io.Closer.
func (f *Feed) Close() error {
	if c, ok := f.reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ptsSeconds converts a 90kHz MPEG-TS clock reference base to seconds.
func ptsSeconds(base int64) float64 {
	return float64(base) / 90000.0
}
