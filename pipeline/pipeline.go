// Package pipeline orchestrates the demux-to-distribution data flow for a
// single stream, pulling packets from a demuxcache.Demuxer fed by a
// tsfeed.Feed and forwarding decoded video, audio, and caption frames to
// the Relay while collecting telemetry.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/ccx"

	"github.com/nimbusplay/playcache/demux"
	"github.com/nimbusplay/playcache/demuxcache"
	"github.com/nimbusplay/playcache/distribution"
	"github.com/nimbusplay/playcache/media"
	"github.com/nimbusplay/playcache/moq"
	"github.com/nimbusplay/playcache/tsfeed"
)

// Broadcaster is the subset of distribution.Relay that the pipeline uses
// to fan out parsed frames to viewers. Accepting an interface here decouples
// the pipeline from the concrete Relay type, making it testable with stubs.
type Broadcaster interface {
	BroadcastVideo(frame *media.VideoFrame)
	BroadcastAudio(frame *media.AudioFrame)
	BroadcastCaptions(frame *ccx.CaptionFrame)
	SetVideoInfo(info distribution.VideoInfo)
	SetAudioTrackCount(count int)
	AudioTrackCount() int
	SetAudioInfo(info distribution.AudioInfo)
	ViewerCount() int
	ViewerStatsAll() []distribution.ViewerStats
}

// Pipeline bridges a single stream's demuxcache.Demuxer and Relay. Rather
// than reading from the old channel-based demuxer, it pulls packets from
// per-stream demuxcache.Readers and converts them into media frames before
// broadcasting to all viewers via the relay.
type Pipeline struct {
	log        *slog.Logger
	feed       *tsfeed.Feed
	relay      Broadcaster
	streamKey  string
	demuxStats *distribution.DemuxStats
	startTime  time.Time
	protocol   string

	dx            *demuxcache.Demuxer
	audioTrackIdx map[int]int // demuxcache stream index -> 0-based audio track index

	videoInfoSent atomic.Bool
	audioInfoSent atomic.Bool

	videoForwarded  atomic.Int64
	audioForwarded  atomic.Int64
	captionFwd      atomic.Int64
	lastVideoFwdPTS atomic.Int64
	lastAudioFwdPTS atomic.Int64
}

// New creates a Pipeline that demuxes MPEG-TS from input and broadcasts
// decoded frames to all viewers via the relay. The demuxcache.Demuxer
// itself isn't constructed until Run, since construction synchronously
// reads the stream's PAT/PMT.
func New(streamKey string, input io.Reader, relay Broadcaster) *Pipeline {
	log := slog.With("stream", streamKey)
	p := &Pipeline{
		log:        log,
		feed:       tsfeed.New(input, log),
		relay:      relay,
		streamKey:  streamKey,
		demuxStats: distribution.NewDemuxStats(),
		startTime:  time.Now(),
	}
	p.feed.SetStats(p.demuxStats)
	return p
}

// SetProtocol records the ingest protocol name (e.g. "SRT") for inclusion
// in the stats overlay sent to viewers.
func (p *Pipeline) SetProtocol(proto string) {
	p.protocol = proto
}

// StreamSnapshot returns a point-in-time snapshot of stream health metrics,
// suitable for JSON serialization and delivery to viewers via the control stream.
func (p *Pipeline) StreamSnapshot() distribution.StreamSnapshot {
	video, audio, captions, scte35 := p.demuxStats.Snapshot()

	return distribution.StreamSnapshot{
		Timestamp:   time.Now().UnixMilli(),
		UptimeMs:    time.Since(p.startTime).Milliseconds(),
		Protocol:    p.protocol,
		Video:       video,
		Audio:       audio,
		Captions:    captions,
		SCTE35:      scte35,
		ViewerCount: p.relay.ViewerCount(),
		Viewers:     p.relay.ViewerStatsAll(),
	}
}

// PipelineDebug returns low-level forwarding counters for the
// /api/streams/{key}/debug endpoint. The pull-based demuxcache model has
// no channel to measure depth on, so the chan-depth fields always read 0;
// BufferSnapshot is the equivalent occupancy signal for this pipeline.
func (p *Pipeline) PipelineDebug() distribution.PipelineDebugStats {
	return distribution.PipelineDebugStats{
		VideoForwarded:  p.videoForwarded.Load(),
		AudioForwarded:  p.audioForwarded.Load(),
		CaptionFwd:      p.captionFwd.Load(),
		LastVideoFwdPTS: p.lastVideoFwdPTS.Load(),
		LastAudioFwdPTS: p.lastAudioFwdPTS.Load(),
	}
}

// DemuxStats returns the underlying DemuxStats collector for PTS debug queries.
func (p *Pipeline) DemuxStats() *distribution.DemuxStats {
	return p.demuxStats
}

// Run builds the demuxcache.Demuxer (which synchronously discovers the
// stream's tracks via the feed's Open), selects every discovered stream,
// starts read-ahead, and pulls packets from each stream concurrently until
// every stream hits EOF or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	dx, err := demuxcache.NewDemuxer(ctx, p.feed, demuxcache.DefaultOptions(), p.log)
	if err != nil {
		p.log.Info("demuxer setup failed", "error", err)
		return nil
	}
	p.dx = dx
	defer dx.Close()

	n := dx.NumStreams()
	if n == 0 {
		return nil
	}

	p.audioTrackIdx = make(map[int]int)
	for i := 0; i < n; i++ {
		desc, err := dx.Stream(i)
		if err != nil {
			continue
		}
		if err := dx.Select(i, true, 0); err != nil {
			continue
		}
		if desc.Type == demuxcache.StreamAudio {
			p.audioTrackIdx[i] = len(p.audioTrackIdx)
		}
	}
	p.relay.SetAudioTrackCount(len(p.audioTrackIdx))
	p.log.Info("audio tracks", "count", len(p.audioTrackIdx))

	dx.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		desc, err := dx.Stream(i)
		if err != nil {
			continue
		}
		idx, typ := i, desc.Type
		g.Go(func() error {
			return p.drainStream(ctx, idx, typ)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		p.log.Info("pipeline stream drain failed", "error", err)
	}
	return nil
}

// drainStream reads every packet on streamIdx until EOF or ctx is done,
// converting and forwarding it according to its stream type.
func (p *Pipeline) drainStream(ctx context.Context, streamIdx int, typ demuxcache.StreamType) error {
	r := p.dx.Reader(streamIdx)
	for {
		pkt, err := r.ReadPacket(ctx)
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			p.log.Debug("reader error", "stream", streamIdx, "error", err)
			return nil
		}

		switch typ {
		case demuxcache.StreamVideo:
			p.forwardVideo(pkt)
		case demuxcache.StreamAudio:
			p.forwardAudio(pkt)
		case demuxcache.StreamSubtitle:
			p.forwardCaption(pkt)
		}
	}
}

func microseconds(pts float64) int64 {
	if !demuxcache.HasPTS(pts) {
		return 0
	}
	return int64(pts * 1_000_000)
}

func sideBytes(sd map[string]any, key string) []byte {
	if sd == nil {
		return nil
	}
	b, _ := sd[key].([]byte)
	return b
}

// forwardVideo rebuilds a media.VideoFrame from a demuxed packet's side
// data, extracts video codec info on the first keyframe, then broadcasts
// the frame to all viewers via the relay.
func (p *Pipeline) forwardVideo(pkt *demuxcache.Packet) {
	sd := pkt.SideData
	var nalus [][]byte
	if v, ok := sd["nalus"].([][]byte); ok {
		nalus = v
	}
	codec, _ := sd["codec"].(string)
	groupID, _ := sd["groupId"].(uint32)

	frame := &media.VideoFrame{
		PTS:        microseconds(pkt.PTS),
		DTS:        microseconds(pkt.DTS),
		IsKeyframe: pkt.Keyframe,
		NALUs:      nalus,
		SPS:        sideBytes(sd, "sps"),
		PPS:        sideBytes(sd, "pps"),
		VPS:        sideBytes(sd, "vps"),
		Codec:      codec,
		GroupID:    groupID,
		WireData:   moq.AnnexBToAVC1(nalus),
	}

	if !p.videoInfoSent.Load() && frame.IsKeyframe && frame.SPS != nil {
		if vi, ok := p.buildVideoInfo(frame); ok {
			p.relay.SetVideoInfo(vi)
			p.videoInfoSent.Store(true)
		}
	}
	p.relay.BroadcastVideo(frame)
	p.videoForwarded.Add(1)
	p.lastVideoFwdPTS.Store(frame.PTS)
}

// buildVideoInfo parses the SPS from a keyframe and builds the VideoInfo
// including decoder configuration record for the catalog.
func (p *Pipeline) buildVideoInfo(frame *media.VideoFrame) (distribution.VideoInfo, bool) {
	var vi distribution.VideoInfo
	if frame.Codec == "h265" {
		info, err := demux.ParseHEVCSPS(frame.SPS)
		if err != nil {
			return vi, false
		}
		vi = distribution.VideoInfo{
			Codec:  info.CodecString(),
			Width:  info.Width,
			Height: info.Height,
		}
		if frame.VPS != nil {
			vi.DecoderConfig = moq.BuildHEVCDecoderConfig(frame.VPS, frame.SPS, frame.PPS)
		}
	} else {
		info, err := demux.ParseSPS(frame.SPS)
		if err != nil {
			return vi, false
		}
		vi = distribution.VideoInfo{
			Codec:  info.CodecString(),
			Width:  info.Width,
			Height: info.Height,
		}
		vi.DecoderConfig = moq.BuildAVCDecoderConfig(frame.SPS, frame.PPS)
	}
	return vi, vi.Width > 0
}

// forwardAudio rebuilds a media.AudioFrame from a demuxed packet and
// broadcasts it, setting the relay's detected audio codec info on the
// first frame that reports a sample rate.
func (p *Pipeline) forwardAudio(pkt *demuxcache.Packet) {
	sampleRate, _ := pkt.SideData["sampleRate"].(int)
	channels, _ := pkt.SideData["channels"].(int)

	frame := &media.AudioFrame{
		PTS:        microseconds(pkt.PTS),
		Data:       pkt.Data,
		SampleRate: sampleRate,
		Channels:   channels,
		TrackIndex: p.audioTrackIdx[pkt.StreamIndex],
	}

	if !p.audioInfoSent.Load() && sampleRate > 0 {
		p.relay.SetAudioInfo(distribution.AudioInfo{
			Codec:      "mp4a.40.02",
			SampleRate: sampleRate,
			Channels:   channels,
		})
		p.audioInfoSent.Store(true)
	}

	p.relay.BroadcastAudio(frame)
	p.audioForwarded.Add(1)
	p.lastAudioFwdPTS.Store(frame.PTS)
}

// forwardCaption rebuilds a ccx.CaptionFrame from a demuxed subtitle
// packet and broadcasts it.
func (p *Pipeline) forwardCaption(pkt *demuxcache.Packet) {
	text, _ := pkt.SideData["text"].(string)
	channel, _ := pkt.SideData["channel"].(int)

	frame := &ccx.CaptionFrame{
		PTS:     microseconds(pkt.PTS),
		Text:    text,
		Channel: channel,
	}
	p.relay.BroadcastCaptions(frame)
	p.captionFwd.Add(1)
}
