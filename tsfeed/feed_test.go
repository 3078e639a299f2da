package tsfeed

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/nimbusplay/playcache/demuxcache"
)

// The helpers below construct a synthetic MPEG-TS stream byte-for-byte,
// mirroring the mpegts package's own test helpers (buildTSPacket/buildPAT/
// buildPMT/buildPESPacket) since tsfeed only sees mpegts through its
// exported io.Reader-driven API.

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47
	tsTableIDPAT = 0x00
	tsTableIDPMT = 0x02
)

func buildTSPacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, tsPacketSize)
	buf[0] = tsSyncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F)
	if pusi {
		buf[1] |= 0x40
	}
	copy(buf[4:], payload)
	return buf
}

func crc32MPEG(data []byte) uint32 {
	var crc uint32 = 0xFFFFFFFF
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func buildPATSection(tsID uint16, programNum, pmtPID uint16) []byte {
	sectionLength := 5 + 4 + 4
	data := make([]byte, 3+sectionLength)
	data[0] = tsTableIDPAT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(tsID >> 8)
	data[4] = byte(tsID)
	data[5] = 0xC1
	data[6] = 0x00
	data[7] = 0x00
	data[8] = byte(programNum >> 8)
	data[9] = byte(programNum)
	data[10] = 0xE0 | byte(pmtPID>>8)&0x1F
	data[11] = byte(pmtPID)
	crc := crc32MPEG(data[:12])
	binary.BigEndian.PutUint32(data[12:], crc)
	return data
}

func buildPMTSection(programNum, pcrPID uint16, streams []struct {
	streamType uint8
	pid        uint16
}) []byte {
	esLen := len(streams) * 5
	sectionLength := 9 + esLen + 4
	data := make([]byte, 3+sectionLength)
	data[0] = tsTableIDPMT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(programNum >> 8)
	data[4] = byte(programNum)
	data[5] = 0xC1
	data[6] = 0x00
	data[7] = 0x00
	data[8] = 0xE0 | byte(pcrPID>>8)&0x1F
	data[9] = byte(pcrPID)
	data[10] = 0xF0
	data[11] = 0x00

	offset := 12
	for _, s := range streams {
		data[offset] = s.streamType
		data[offset+1] = 0xE0 | byte(s.pid>>8)&0x1F
		data[offset+2] = byte(s.pid)
		data[offset+3] = 0xF0
		data[offset+4] = 0x00
		offset += 5
	}
	crc := crc32MPEG(data[:offset])
	binary.BigEndian.PutUint32(data[offset:], crc)
	return data
}

func withPointerField(section []byte) []byte {
	out := make([]byte, 1+len(section))
	out[0] = 0x00
	copy(out[1:], section)
	return out
}

func encodePTS(marker byte, value int64) []byte {
	bs := make([]byte, 5)
	bs[0] = marker<<4 | byte((value>>29)&0x0E) | 0x01
	bs[1] = byte(value >> 22)
	bs[2] = byte((value>>14)&0xFE) | 0x01
	bs[3] = byte(value >> 7)
	bs[4] = byte((value<<1)&0xFE) | 0x01
	return bs
}

func buildPESPayload(streamID byte, pts int64, hasPTS bool, data []byte) []byte {
	var optHeader []byte
	ptsIndicator := byte(0)
	if hasPTS {
		ptsIndicator = 2
		optHeader = encodePTS(0x02, pts)
	}
	headerDataLen := len(optHeader)
	totalLen := 3 + headerDataLen + len(data)
	packetLength := totalLen
	if streamID == 0xE0 {
		packetLength = 0
	}

	buf := make([]byte, 0, 6+3+headerDataLen+len(data))
	buf = append(buf, 0x00, 0x00, 0x01)
	buf = append(buf, streamID)
	buf = append(buf, byte(packetLength>>8), byte(packetLength))
	buf = append(buf, 0x80)
	buf = append(buf, ptsIndicator<<6)
	buf = append(buf, byte(headerDataLen))
	buf = append(buf, optHeader...)
	buf = append(buf, data...)
	return buf
}

// buildADTSFrame builds one minimal ADTS-framed AAC payload (7-byte header,
// no CRC) around data, at 44100 Hz stereo.
func buildADTSFrame(data []byte) []byte {
	frameLen := 7 + len(data)
	hdr := make([]byte, 7)
	hdr[0] = 0xFF
	hdr[1] = 0xF1 // MPEG-4, no CRC
	// profile=01 (LC), sampling_freq_index=4 (44100), channel_config=2
	hdr[2] = (1 << 6) | (4 << 2) | (2 >> 2)
	hdr[3] = byte((2&0x3)<<6) | byte(frameLen>>11)
	hdr[4] = byte(frameLen >> 3)
	hdr[5] = byte(frameLen<<5) | 0x1F
	hdr[6] = 0xFC
	return append(hdr, data...)
}

// buildAnnexBNALU wraps a NAL unit's bytes with a 4-byte Annex B start code.
func buildAnnexBNALU(b []byte) []byte {
	return append([]byte{0x00, 0x00, 0x00, 0x01}, b...)
}

// h264SPS320x240 is a hand-built H.264 SPS for a 320x240 baseline stream.
var h264SPS320x240 = []byte{
	0x67, 0x42, 0xC0, 0x1E, 0xD9, 0x00, 0xA0, 0x3D, 0x68, 0x14, 0x1A, 0x4A,
}
var h264PPS = []byte{0x68, 0xCE, 0x3C, 0x80}
var h264IDR = append([]byte{0x65}, bytes.Repeat([]byte{0xAB}, 32)...)

// buildSyntheticTS builds a PAT -> PMT -> video(SPS+PPS+IDR) -> audio(AAC)
// MPEG-TS byte stream, one elementary unit per PES, closely mirroring the
// module's own mpegts package test fixtures.
func buildSyntheticTS() []byte {
	var stream bytes.Buffer

	pat := buildPATSection(1, 1, 0x1000)
	stream.Write(buildTSPacket(0x0000, 0, true, withPointerField(pat)))

	pmt := buildPMTSection(1, 0x100, []struct {
		streamType uint8
		pid        uint16
	}{
		{streamTypeH264, 0x100},
		{streamTypeAAC, 0x101},
	})
	stream.Write(buildTSPacket(0x1000, 0, true, withPointerField(pmt)))

	videoData := bytes.Join([][]byte{
		buildAnnexBNALU(h264SPS320x240),
		buildAnnexBNALU(h264PPS),
		buildAnnexBNALU(h264IDR),
	}, nil)
	videoPES := buildPESPayload(0xE0, 90000, true, videoData)
	stream.Write(buildTSPacket(0x100, 0, true, videoPES))

	audioPES := buildPESPayload(0xC0, 90000, true, buildADTSFrame(bytes.Repeat([]byte{0x11, 0x22}, 8)))
	stream.Write(buildTSPacket(0x101, 0, true, audioPES))

	return stream.Bytes()
}

func TestFeed_OpenDiscoversStreams(t *testing.T) {
	t.Parallel()

	f := New(bytes.NewReader(buildSyntheticTS()), nil)
	dx, err := demuxcache.NewDemuxer(context.Background(), f, demuxcache.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("NewDemuxer: %v", err)
	}
	defer dx.Close()

	// Open registers the subtitle stream up front, then video and audio
	// once the PMT resolves: subtitle(0), video(1), audio(2).
	if n := dx.NumStreams(); n != 3 {
		t.Fatalf("NumStreams() = %d, want 3", n)
	}

	videoDesc, err := dx.Stream(f.videoIdx)
	if err != nil {
		t.Fatalf("Stream(videoIdx): %v", err)
	}
	if videoDesc.Type != demuxcache.StreamVideo {
		t.Errorf("video stream type = %v, want StreamVideo", videoDesc.Type)
	}

	audioIdx, ok := f.audioPIDs[0x101]
	if !ok {
		t.Fatal("audio PID 0x101 not registered")
	}
	audioDesc, err := dx.Stream(audioIdx)
	if err != nil {
		t.Fatalf("Stream(audioIdx): %v", err)
	}
	if audioDesc.Type != demuxcache.StreamAudio {
		t.Errorf("audio stream type = %v, want StreamAudio", audioDesc.Type)
	}
}

func TestFeed_FillBufferEmitsVideoAndAudioPackets(t *testing.T) {
	t.Parallel()

	f := New(bytes.NewReader(buildSyntheticTS()), nil)
	dx, err := demuxcache.NewDemuxer(context.Background(), f, demuxcache.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("NewDemuxer: %v", err)
	}
	defer dx.Close()

	ctx := context.Background()
	if err := dx.Select(f.videoIdx, true, 0); err != nil {
		t.Fatalf("Select(video): %v", err)
	}
	audioIdx := f.audioPIDs[0x101]
	if err := dx.Select(audioIdx, true, 0); err != nil {
		t.Fatalf("Select(audio): %v", err)
	}
	dx.Start(ctx)

	vr := dx.Reader(f.videoIdx)
	pkt, err := vr.ReadPacket(ctx)
	if err != nil {
		t.Fatalf("ReadPacket(video): %v", err)
	}
	if !pkt.Keyframe {
		t.Error("expected video packet to be a keyframe (IDR present)")
	}
	if codec, _ := pkt.SideData["codec"].(string); codec != "h264" {
		t.Errorf("SideData[codec] = %q, want h264", codec)
	}
	nalus, ok := pkt.SideData["nalus"].([][]byte)
	if !ok || len(nalus) == 0 {
		t.Fatal("SideData[nalus] missing or empty")
	}
	if pkt.SideData["sps"] == nil {
		t.Error("SideData[sps] missing")
	}
	if pkt.SideData["pps"] == nil {
		t.Error("SideData[pps] missing")
	}

	ar := dx.Reader(audioIdx)
	apkt, err := ar.ReadPacket(ctx)
	if err != nil {
		t.Fatalf("ReadPacket(audio): %v", err)
	}
	if sr, _ := apkt.SideData["sampleRate"].(int); sr != 44100 {
		t.Errorf("SideData[sampleRate] = %d, want 44100", sr)
	}
	if ch, _ := apkt.SideData["channels"].(int); ch != 2 {
		t.Errorf("SideData[channels] = %d, want 2", ch)
	}
}

func TestFeed_SeekReturnsNotSeekable(t *testing.T) {
	t.Parallel()

	f := New(bytes.NewReader(buildSyntheticTS()), nil)
	err := f.Seek(context.Background(), 0, demuxcache.SeekFlags(0))
	if !errors.Is(err, demuxcache.ErrNotSeekable) {
		t.Errorf("Seek() = %v, want ErrNotSeekable", err)
	}
}

func TestFeed_CloseClosesUnderlyingReader(t *testing.T) {
	t.Parallel()

	rc := &countingCloser{Reader: bytes.NewReader(buildSyntheticTS())}
	f := New(rc, nil)
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rc.closed != 1 {
		t.Errorf("underlying reader closed %d times, want 1", rc.closed)
	}
}

type countingCloser struct {
	io.Reader
	closed int
}

func (c *countingCloser) Close() error {
	c.closed++
	return nil
}
