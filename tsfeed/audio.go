package tsfeed

import (
	"github.com/nimbusplay/playcache/demux"
	"github.com/nimbusplay/playcache/demuxcache"
	"github.com/nimbusplay/playcache/mpegts"
)

func (f *Feed) handleAudio(pes *mpegts.PESData, streamIdx int) (int, error) {
	if len(pes.Data) == 0 {
		return 0, nil
	}

	pts := demuxcache.NoPTS
	if pes.Header != nil && pes.Header.OptionalHeader != nil && pes.Header.OptionalHeader.PTS != nil {
		pts = ptsSeconds(pes.Header.OptionalHeader.PTS.Base)
	}

	frames, err := demux.ParseADTS(pes.Data)
	if err != nil {
		f.log.Warn("failed to parse ADTS", "error", err)
		return 0, nil
	}

	for i, aac := range frames {
		framePTS := pts
		if pts != demuxcache.NoPTS && aac.SampleRate > 0 {
			framePTS = pts + float64(i)*1024/float64(aac.SampleRate)
		}

		p := &demuxcache.Packet{
			Data:     aac.Data,
			PTS:      framePTS,
			DTS:      framePTS,
			Pos:      demuxcache.NoPos,
			Keyframe: true, // every AAC frame is independently decodable
			SideData: map[string]any{
				"sampleRate": aac.SampleRate,
				"channels":   aac.Channels,
			},
		}

		if f.stats != nil {
			f.stats.RecordAudioFrame(streamIdx, int64(len(aac.Data)), int64(framePTS*1_000_000), aac.SampleRate, aac.Channels)
		}

		f.dx.AddPacket(streamIdx, p)
	}
	return len(frames), nil
}
