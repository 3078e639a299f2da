package tsfeed

import (
	"github.com/zsiec/ccx"

	"github.com/nimbusplay/playcache/demuxcache"
)

// handleCaptionSEI extracts CEA-608/708 caption data from an SEI NAL unit
// and emits decoded text as subtitle-stream packets. pts is the PTS of
// the video access unit the SEI was carried in.
func (f *Feed) handleCaptionSEI(seiData []byte, pts float64) {
	cd := ccx.ExtractCaptions(seiData)
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		isCtrl := cc1 >= 0x10 && cc1 <= 0x1F
		ch := pair.Field
		if isCtrl {
			cp := [2]byte{cc1, cc2}
			frameGap := f.videoCount - f.lastCCCtrlFrame[ch]
			if f.lastCCWasCtrl[ch] && f.lastCCCtrl[ch] == cp && frameGap <= 2 {
				f.lastCCWasCtrl[ch] = false
				continue
			}
			f.lastCCCtrl[ch] = cp
			f.lastCCWasCtrl[ch] = true
			f.lastCCCtrlFrame[ch] = f.videoCount
		} else {
			f.lastCCWasCtrl[ch] = false
		}

		dec := f.cea608Decs[pair.Channel]
		if dec == nil {
			continue
		}
		text := dec.Decode(cc1, cc2)
		if text == "" {
			continue
		}
		if f.stats != nil {
			f.stats.RecordCaption(pair.Channel)
		}
		f.emitCaptionPacket(text, pair.Channel, dec.StyledRegions(), pts)
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			f.drainDTVCC(pts)
			f.dtvccBuf = f.dtvccBuf[:0]
		}
		f.dtvccBuf = append(f.dtvccBuf, t.Data[0], t.Data[1])
	}
}

func (f *Feed) drainDTVCC(pts float64) {
	if len(f.dtvccBuf) < 1 {
		return
	}
	packetSize := ccx.DTVCCPacketSize(f.dtvccBuf[0])
	if len(f.dtvccBuf) < packetSize {
		return
	}

	for _, block := range ccx.ParseDTVCCPacket(f.dtvccBuf[:packetSize]) {
		svc := f.cea708Svcs[block.ServiceNum]
		if svc == nil {
			continue
		}
		if !svc.ProcessBlock(block.Data) {
			continue
		}
		text := svc.DisplayText()
		if text == "" {
			continue
		}
		channel := block.ServiceNum + 6
		if f.stats != nil {
			f.stats.RecordCaption(channel)
		}
		f.emitCaptionPacket(text, channel, svc.StyledRegions(), pts)
	}
	f.dtvccBuf = f.dtvccBuf[packetSize:]
}

func (f *Feed) emitCaptionPacket(text string, channel int, regions any, pts float64) {
	p := &demuxcache.Packet{
		PTS:      pts,
		DTS:      pts,
		Pos:      demuxcache.NoPos,
		Keyframe: true,
		SideData: map[string]any{
			"text":    text,
			"channel": channel,
			"regions": regions,
		},
	}
	f.dx.AddPacket(f.captionIdx, p)
}
