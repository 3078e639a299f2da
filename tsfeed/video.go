package tsfeed

import (
	"bytes"

	"github.com/nimbusplay/playcache/demux"
	"github.com/nimbusplay/playcache/demuxcache"
	"github.com/nimbusplay/playcache/mpegts"
)

func (f *Feed) handleVideo(pes *mpegts.PESData) (int, error) {
	if len(pes.Data) == 0 {
		return 0, nil
	}

	var pts, dts float64 = demuxcache.NoPTS, demuxcache.NoPTS
	if pes.Header != nil && pes.Header.OptionalHeader != nil {
		if pes.Header.OptionalHeader.PTS != nil {
			pts = ptsSeconds(pes.Header.OptionalHeader.PTS.Base)
		}
		if pes.Header.OptionalHeader.DTS != nil {
			dts = ptsSeconds(pes.Header.OptionalHeader.DTS.Base)
		} else {
			dts = pts
		}
	}

	if f.isHEVC {
		return f.handleVideoHEVC(pes.Data, pts, dts)
	}
	return f.handleVideoH264(pes.Data, pts, dts)
}

func (f *Feed) handleVideoH264(data []byte, pts, dts float64) (int, error) {
	nalus := demux.ParseAnnexB(data)
	if len(nalus) == 0 {
		return 0, nil
	}

	isKeyframe := false
	var buf bytes.Buffer
	var naluBytes [][]byte

	for _, nalu := range nalus {
		if nalu.Type == demux.NALTypeAUD || nalu.Type == demux.NALTypeFillerData {
			continue
		}
		switch {
		case demux.IsSPS(nalu.Type):
			f.sps = append([]byte(nil), nalu.Data...)
			isKeyframe = true
			if info, err := demux.ParseSPS(nalu.Data); err == nil {
				f.spsInfo = info
				if f.stats != nil {
					f.stats.RecordResolution(info.Width, info.Height)
				}
			}
		case demux.IsPPS(nalu.Type):
			f.pps = append([]byte(nil), nalu.Data...)
		case demux.IsKeyframe(nalu.Type):
			isKeyframe = true
		case nalu.Type == demux.NALTypeSEI:
			if f.stats != nil && f.spsInfo.PicStructPresent {
				if tc, ok := demux.ParsePicTimingSEI(nalu.Data, f.spsInfo); ok {
					f.stats.RecordTimecode(tc.String())
				}
			}
			f.handleCaptionSEI(nalu.Data, pts)
		}
		naluBytes = append(naluBytes, annexB(nalu.Data))
	}
	for _, n := range naluBytes {
		buf.Write(n)
	}

	return f.emitVideoPacket(isKeyframe, buf.Bytes(), naluBytes, "h264", pts, dts)
}

func (f *Feed) handleVideoHEVC(data []byte, pts, dts float64) (int, error) {
	nalus := demux.ParseAnnexBHEVC(data)
	if len(nalus) == 0 {
		return 0, nil
	}

	isKeyframe := false
	var buf bytes.Buffer
	var naluBytes [][]byte

	for _, nalu := range nalus {
		if nalu.Type == demux.HEVCNALAUD || nalu.Type == demux.HEVCNALFillerData {
			continue
		}
		switch {
		case demux.IsHEVCVPS(nalu.Type):
			f.vps = append([]byte(nil), nalu.Data...)
		case demux.IsHEVCSPS(nalu.Type):
			f.sps = append([]byte(nil), nalu.Data...)
			if info, err := demux.ParseHEVCSPS(nalu.Data); err == nil {
				f.hevcSPSInfo = info
				if f.stats != nil {
					f.stats.RecordResolution(info.Width, info.Height)
				}
			}
		case demux.IsHEVCPPS(nalu.Type):
			f.pps = append([]byte(nil), nalu.Data...)
		case demux.IsHEVCKeyframe(nalu.Type):
			isKeyframe = true
		case nalu.Type == demux.HEVCNALSEIPrefix:
			if len(nalu.Data) > 2 {
				f.handleCaptionSEI(nalu.Data, pts)
			}
		}
		naluBytes = append(naluBytes, annexB(nalu.Data))
	}
	for _, n := range naluBytes {
		buf.Write(n)
	}

	return f.emitVideoPacket(isKeyframe, buf.Bytes(), naluBytes, "h265", pts, dts)
}

func annexB(nalu []byte) []byte {
	out := make([]byte, 4+len(nalu))
	out[0], out[1], out[2], out[3] = 0, 0, 0, 1
	copy(out[4:], nalu)
	return out
}

func (f *Feed) emitVideoPacket(isKeyframe bool, data []byte, naluBytes [][]byte, codec string, pts, dts float64) (int, error) {
	if isKeyframe {
		f.groupID++
	}
	f.videoCount++

	p := &demuxcache.Packet{
		Data:     data,
		PTS:      pts,
		DTS:      dts,
		Pos:      demuxcache.NoPos,
		Keyframe: isKeyframe,
		SideData: map[string]any{
			"codec":   codec,
			"groupId": f.groupID,
			"nalus":   naluBytes,
		},
	}
	if f.sps != nil {
		p.SideData["sps"] = f.sps
	}
	if f.pps != nil {
		p.SideData["pps"] = f.pps
	}
	if f.vps != nil {
		p.SideData["vps"] = f.vps
	}
	if len(f.pendingSCTE35) > 0 {
		p.SideData["scte35"] = f.pendingSCTE35
		f.pendingSCTE35 = nil
	}

	if f.stats != nil {
		f.stats.RecordVideoFrame(int64(len(data)), isKeyframe, int64(pts*1_000_000))
	}

	f.dx.AddPacket(f.videoIdx, p)
	return 1, nil
}
