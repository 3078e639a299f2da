package tsfeed

import (
	"time"

	"github.com/nimbusplay/playcache/demux"
	"github.com/nimbusplay/playcache/mpegts"
	"github.com/nimbusplay/playcache/scte35"
)

// interceptSCTE35 is installed as the mpegts.Demuxer's PacketsParser. It
// recognizes the well-known SCTE-35 PID, reassembles and decodes the
// splice_info_section itself, and tells the demuxer to skip its own PSI/
// PES parsing for these packets.
func (f *Feed) interceptSCTE35(ps []*mpegts.Packet) ([]*mpegts.DemuxerData, bool, error) {
	if len(ps) == 0 || ps[0].Header.PID != scte35PIDWellKnown {
		return nil, false, nil
	}

	var payload []byte
	for _, p := range ps {
		payload = append(payload, p.Payload...)
	}
	if len(payload) > 0 && payload[0] == 0x00 {
		payload = payload[1:]
	}
	if len(payload) < 3 {
		return nil, true, nil
	}
	sectionLen := int(payload[1]&0x0F)<<8 | int(payload[2])
	totalLen := 3 + sectionLen
	if totalLen > len(payload) {
		totalLen = len(payload)
	}
	f.handleSCTE35(payload[:totalLen])
	return nil, true, nil
}

// handleSCTE35 decodes a splice_info_section and queues the resulting
// event to be attached as side data on the next emitted video packet.
func (f *Feed) handleSCTE35(section []byte) {
	if len(section) == 0 {
		return
	}

	sis, err := scte35.DecodeBytes(section)
	if err != nil {
		f.log.Warn("failed to parse SCTE-35", "error", err)
		return
	}
	if sis.SpliceCommand == nil {
		return
	}

	event := demux.SCTE35Event{ReceivedAt: time.Now().UnixMilli()}

	switch cmd := sis.SpliceCommand.(type) {
	case *scte35.SpliceInsert:
		event.CommandType = "splice_insert"
		event.CommandTypeID = scte35.SpliceInsertType
		event.EventID = cmd.SpliceEventID
		event.OutOfNetwork = cmd.OutOfNetworkIndicator
		event.Immediate = cmd.SpliceImmediateFlag
		if cmd.BreakDuration != nil {
			event.Duration = float64(cmd.BreakDuration.Duration) / 90000.0
		}
		if event.OutOfNetwork {
			event.Description = "Splice Out (Ad Insertion)"
		} else {
			event.Description = "Splice In (Return to Program)"
		}
	case *scte35.TimeSignal:
		event.CommandType = "time_signal"
		event.CommandTypeID = scte35.TimeSignalType
		if cmd.SpliceTime.PTSTime != nil {
			event.PTS = int64(*cmd.SpliceTime.PTSTime)
		}
		event.Description = "Time Signal"
	case *scte35.SpliceNull:
		event.CommandType = "splice_null"
		event.CommandTypeID = scte35.SpliceNullType
		event.Description = "Heartbeat"
	default:
		event.CommandType = "unknown"
		event.Description = "Unknown Command"
	}

	for _, desc := range sis.SpliceDescriptors {
		if sd, ok := desc.(*scte35.SegmentationDescriptor); ok {
			event.EventID = sd.SegmentationEventID
			event.SegmentationTypeID = sd.SegmentationTypeID
			event.SegmentationType = sd.Name()
			if sd.SegmentationDuration != nil {
				event.Duration = float64(*sd.SegmentationDuration) / 90000.0
			}
			event.Description = sd.Name()
			break
		}
	}

	f.log.Debug("SCTE-35", "command", event.CommandType, "desc", event.Description, "eventID", event.EventID)
	if f.stats != nil {
		f.stats.RecordSCTE35(event)
	}
	f.pendingSCTE35 = append(f.pendingSCTE35, event)
}
