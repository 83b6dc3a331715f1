package gnss

import (
	"encoding/binary"
	"time"
)

// ubxClassNav and ubxIDNavTimeGPS identify the UBX-NAV-TIMEGPS message
// the time bridge's GNSS anchor is built from (spec.md §4.2). Framing
// logic here is adapted from the teacher's hand-rolled UBX scanner
// since no UBX-decoding library is available anywhere in this corpus.
const (
	ubxSync1       = 0xB5
	ubxSync2       = 0x62
	ubxClassNav    = 0x01
	ubxIDNavTimeGPS = 0x20
)

// gpsEpochOrigin is the origin of GPS time: 1980-01-06T00:00:00 UTC.
var gpsEpochOrigin = time.Date(1980, 1, 6, 0, 0, 0, 0, time.UTC)

// ubxFrame is one complete, checksum-framed UBX message.
type ubxFrame struct {
	class   byte
	id      byte
	payload []byte
}

// ubxScanner extracts complete UBX frames from a live serial byte
// stream, tolerating interleaved NMEA ASCII sentences (the same wire
// carries both on most u-blox modules).
type ubxScanner struct {
	buf []byte
}

func (s *ubxScanner) feed(data []byte) []ubxFrame {
	s.buf = append(s.buf, data...)

	var frames []ubxFrame
	for {
		idx := indexOfSync(s.buf)
		if idx < 0 {
			if len(s.buf) > 1 {
				s.buf = s.buf[len(s.buf)-1:]
			}
			break
		}
		s.buf = s.buf[idx:]

		if len(s.buf) < 6 {
			break
		}
		payloadLen := int(binary.LittleEndian.Uint16(s.buf[4:6]))
		total := payloadLen + 8 // sync(2) + class/id(2) + len(2) + payload + checksum(2)
		if len(s.buf) < total {
			break
		}

		frames = append(frames, ubxFrame{
			class:   s.buf[2],
			id:      s.buf[3],
			payload: append([]byte(nil), s.buf[6:6+payloadLen]...),
		})
		s.buf = s.buf[total:]
	}
	return frames
}

func indexOfSync(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == ubxSync1 && buf[i+1] == ubxSync2 {
			return i
		}
	}
	return -1
}

// navTimeGPS is the decoded payload of a UBX-NAV-TIMEGPS message.
type navTimeGPS struct {
	gpsEpoch time.Duration // time since the GPS epoch
	wallTime time.Time     // the equivalent UTC instant
	valid    bool
}

// decodeNavTimeGPS parses a UBX-NAV-TIMEGPS payload (iTOW u4, fTOW i4,
// week i2, leapS i1, valid u1, tAcc u4).
func decodeNavTimeGPS(payload []byte) (navTimeGPS, bool) {
	if len(payload) < 16 {
		return navTimeGPS{}, false
	}
	iTOW := binary.LittleEndian.Uint32(payload[0:4])
	fTOW := int32(binary.LittleEndian.Uint32(payload[4:8]))
	week := int16(binary.LittleEndian.Uint16(payload[8:10]))
	leapS := int8(payload[10])
	validFlags := payload[11]

	towValid := validFlags&0x01 != 0
	weekValid := validFlags&0x02 != 0
	leapValid := validFlags&0x04 != 0
	if !towValid || !weekValid {
		return navTimeGPS{}, false
	}

	epoch := time.Duration(week)*7*24*time.Hour +
		time.Duration(iTOW)*time.Millisecond +
		time.Duration(fTOW)*time.Nanosecond

	wall := gpsEpochOrigin.Add(epoch)
	if leapValid {
		wall = wall.Add(-time.Duration(leapS) * time.Second)
	}

	return navTimeGPS{gpsEpoch: epoch, wallTime: wall, valid: true}, true
}
