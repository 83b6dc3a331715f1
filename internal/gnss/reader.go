package gnss

import (
	"bytes"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"

	"github.com/bramburn/concentratord/internal/signalpool"
	"github.com/bramburn/concentratord/internal/timebridge"
)

// TimeBridge is the subset of *timebridge.Bridge the reader needs.
type TimeBridge interface {
	UpdateGNSSAnchor(triggerCounter uint32, gpsTime time.Time, gpsEpoch time.Duration) error
}

var _ TimeBridge = (*timebridge.Bridge)(nil)

// TriggerCounterFunc returns the concentrator counter value latched at
// the last PPS edge (hal.Driver.TriggerCounter).
type TriggerCounterFunc func() (uint32, error)

// Reader owns the GNSS receiver's serial link and feeds NMEA fixes into
// a LocationTracker and UBX-NAV-TIMEGPS samples into a TimeBridge
// (spec.md §4.5, §4.2, §5 "GNSS reader: blocks in serial read").
type Reader struct {
	port           SerialPort
	locations      *LocationTracker
	bridge         TimeBridge
	triggerCounter TriggerCounterFunc
	logf           func(string, ...any)

	ubx     ubxScanner
	lineBuf bytes.Buffer
}

// NewReader returns a Reader over an already-open port.
func NewReader(port SerialPort, locations *LocationTracker, bridge TimeBridge, triggerCounter TriggerCounterFunc, logf func(string, ...any)) *Reader {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Reader{port: port, locations: locations, bridge: bridge, triggerCounter: triggerCounter, logf: logf}
}

// Run blocks reading from the serial port, dispatching decoded sentences,
// until it receives a signal on stop.
func (r *Reader) Run(stop <-chan signalpool.Signal) signalpool.Signal {
	buf := make([]byte, 1024)
	for {
		select {
		case sig := <-stop:
			return sig
		default:
		}

		n, err := r.port.Read(buf)
		if err != nil || n == 0 {
			continue
		}

		r.feed(buf[:n])
	}
}

func (r *Reader) feed(data []byte) {
	for _, frame := range r.ubx.feed(data) {
		if frame.class == ubxClassNav && frame.id == ubxIDNavTimeGPS {
			r.handleNavTimeGPS(frame.payload)
		}
	}

	r.lineBuf.Write(data)
	for {
		raw := r.lineBuf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(raw[:idx]), "\r\n")
		r.lineBuf.Next(idx + 1)
		if line != "" {
			r.handleNMEALine(line)
		}
	}
}

func (r *Reader) handleNavTimeGPS(payload []byte) {
	decoded, ok := decodeNavTimeGPS(payload)
	if !ok {
		return
	}
	trigger, err := r.triggerCounter()
	if err != nil {
		r.logf("gnss: trigger counter unavailable: %v", err)
		return
	}
	if err := r.bridge.UpdateGNSSAnchor(trigger, decoded.wallTime, decoded.gpsEpoch); err != nil {
		r.logf("gnss: gps anchor update failed: %v", err)
	}
}

func (r *Reader) handleNMEALine(line string) {
	sentence, err := nmea.Parse(line)
	if err != nil {
		r.logf("gnss: bad nmea sentence: %v", err)
		return
	}

	switch s := sentence.(type) {
	case nmea.GGA:
		if s.FixQuality == 0 {
			return
		}
		r.locations.SetFix(Location{
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
			Altitude:  float32(s.Altitude),
		}, time.Now())
	case nmea.RMC:
		if s.Validity != "A" {
			return
		}
		r.locations.SetFix(Location{
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
		}, time.Now())
	}
}
