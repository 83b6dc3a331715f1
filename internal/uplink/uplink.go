// Package uplink implements the loop that drains the HAL's receive FIFO,
// enriches each frame with time and location, and publishes it on the
// event socket (spec.md §4.5).
package uplink

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/bramburn/concentratord/internal/gnss"
	"github.com/bramburn/concentratord/internal/hal"
	"github.com/bramburn/concentratord/internal/signalpool"
	"github.com/bramburn/concentratord/pkg/gw"
)

const pollInterval = 10 * time.Millisecond

// Receiver is the HAL surface the loop needs.
type Receiver interface {
	Receive() ([]hal.RxPacket, error)
}

// TimeBridge is the subset of internal/timebridge.Bridge the loop needs
// to enrich a packet's reception counter value. CounterToWall/
// CounterToGPSEpoch return an error when their respective reference is
// unavailable; the loop treats that as "omit the field", not as fatal.
type TimeBridge interface {
	CounterToWall(c uint32) (time.Time, error)
	CounterToGPSEpoch(c uint32) (time.Duration, error)
}

// Locator supplies the best-known gateway location.
type Locator interface {
	Get(now time.Time) (gnss.Location, bool)
}

// Publisher is the event-socket capability the loop needs.
type Publisher interface {
	PublishUplink(frame gw.UplinkFrame) error
}

// Counters is the subset of the stats loop's accumulator the uplink loop
// writes to (spec.md §4.5 "increment per-modulation counters for the
// stats loop"). Defined here, as an interface, rather than depending on
// internal/stats directly, to keep the dependency edge pointing the way
// the daemon wires it (stats reads its own counters; uplink only ever
// increments them).
type Counters interface {
	IncReceived()
	IncReceivedOK()
	IncModulation(label string)
}

// Config carries the loop's fixed parameters.
type Config struct {
	GatewayID       [8]byte
	DisableCRCFilter bool
	TimeFallback    bool // if true, a wall-time bridge miss falls back to time.Now
}

// Loop polls the HAL receive FIFO, enriches and publishes frames.
type Loop struct {
	cfg      Config
	receiver Receiver
	bridge   TimeBridge
	locator  Locator
	pub      Publisher
	counters Counters
	now      func() time.Time
}

// New returns a Loop ready to Run. now may be nil to use time.Now.
func New(cfg Config, receiver Receiver, bridge TimeBridge, locator Locator, pub Publisher, counters Counters, now func() time.Time) *Loop {
	if now == nil {
		now = time.Now
	}
	return &Loop{cfg: cfg, receiver: receiver, bridge: bridge, locator: locator, pub: pub, counters: counters, now: now}
}

// Run polls until stop delivers a signal, which it returns.
func (l *Loop) Run(stop <-chan signalpool.Signal) signalpool.Signal {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-stop:
			return sig
		case <-ticker.C:
			l.poll()
		}
	}
}

func (l *Loop) poll() {
	pkts, err := l.receiver.Receive()
	if err != nil || len(pkts) == 0 {
		return
	}
	for _, pkt := range pkts {
		l.handle(pkt)
	}
}

func (l *Loop) handle(pkt hal.RxPacket) {
	l.counters.IncReceived()

	if !pkt.CrcOK && !pkt.CrcNone && !l.cfg.DisableCRCFilter {
		return
	}
	l.counters.IncReceivedOK()
	l.counters.IncModulation(modulationLabel(pkt))

	frame := gw.UplinkFrame{
		PhyPayload: pkt.Payload,
		TxInfo: &gw.UplinkTxInfo{
			Frequency:  pkt.FreqHz,
			Modulation: toWireModulation(pkt),
		},
		RxInfo: l.rxInfo(pkt),
	}

	_ = l.pub.PublishUplink(frame)
}

func (l *Loop) rxInfo(pkt hal.RxPacket) *gw.UplinkRxInfo {
	info := &gw.UplinkRxInfo{
		GatewayID: hexEUI(l.cfg.GatewayID),
		UplinkID:  uuid.NewString(),
		Context:   contextBytes(pkt.CountUs),
		RSSI:      pkt.RSSI,
		SNR:       pkt.SNR,
		Channel:   pkt.Channel,
		RfChain:   pkt.RfChain,
		CrcStatus: crcStatus(pkt),
	}

	if wall, err := l.bridge.CounterToWall(pkt.CountUs); err == nil {
		nanos := wall.UnixNano()
		info.GwTimeUnixNanos = &nanos
	} else if l.cfg.TimeFallback {
		nanos := l.now().UnixNano()
		info.GwTimeUnixNanos = &nanos
	}

	if epoch, err := l.bridge.CounterToGPSEpoch(pkt.CountUs); err == nil {
		us := uint64(epoch.Microseconds())
		info.TimeSinceGPSEpoch = &us
	}

	if loc, ok := l.locator.Get(l.now()); ok {
		info.Location = &gw.Location{Latitude: loc.Latitude, Longitude: loc.Longitude, Altitude: loc.Altitude}
	}

	return info
}

func crcStatus(pkt hal.RxPacket) gw.CRCStatus {
	switch {
	case pkt.CrcNone:
		return gw.CRCNone
	case pkt.CrcOK:
		return gw.CRCOK
	default:
		return gw.CRCFail
	}
}

func modulationLabel(pkt hal.RxPacket) string {
	switch {
	case pkt.Lora != nil:
		return "lora"
	case pkt.Fsk != nil:
		return "fsk"
	default:
		return "unknown"
	}
}

func toWireModulation(pkt hal.RxPacket) *gw.Modulation {
	switch {
	case pkt.Lora != nil:
		return &gw.Modulation{Lora: &gw.LoraModulation{
			Bandwidth:             pkt.Lora.Bandwidth,
			SpreadingFactor:       uint32(pkt.Lora.SpreadingFactor),
			CodeRate:              codeRateFromString(pkt.Lora.CodeRate),
			Preamble:              uint32(pkt.Lora.Preamble),
			NoCRC:                 pkt.Lora.NoCRC,
			ImplicitHeader:        pkt.Lora.ImplicitHeader,
			PolarizationInversion: pkt.Lora.PolarizationInversion,
		}}
	case pkt.Fsk != nil:
		return &gw.Modulation{Fsk: &gw.FskModulation{
			Datarate:           pkt.Fsk.Datarate,
			FrequencyDeviation: pkt.Fsk.Deviation,
		}}
	default:
		return &gw.Modulation{}
	}
}

func codeRateFromString(s string) gw.CodeRate {
	switch s {
	case "4/5":
		return gw.CodeRate4_5
	case "4/6":
		return gw.CodeRate4_6
	case "4/7":
		return gw.CodeRate4_7
	case "4/8":
		return gw.CodeRate4_8
	default:
		return gw.CodeRateUndefined
	}
}

func contextBytes(countUs uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, countUs)
	return b
}

func hexEUI(eui [8]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 16)
	for i, b := range eui {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}
