// Package stats implements the periodic stats publisher and the
// counters it shares with the uplink, command and JIT-release loops
// (spec.md §4.7).
package stats

import (
	"sync"
	"time"

	"github.com/bramburn/concentratord/internal/gnss"
	"github.com/bramburn/concentratord/internal/signalpool"
	"github.com/bramburn/concentratord/pkg/gw"
)

const defaultInterval = 30 * time.Second

// Counters accumulates the per-generation totals emitted each interval
// and reset afterwards (spec.md §4.7 "Counters reset after emit"). It
// satisfies internal/uplink.Counters, internal/command.Counters and
// internal/jitrelease.Counters structurally, so those packages depend
// on it only through their own narrow interfaces.
type Counters struct {
	mu            sync.Mutex
	rxReceived    uint32
	rxReceivedOK  uint32
	txReceived    uint32
	txEmitted     uint32
	perModulation map[string]uint32
	perFrequency  map[uint32]uint32
}

// NewCounters returns a zeroed Counters.
func NewCounters() *Counters {
	return &Counters{perModulation: map[string]uint32{}, perFrequency: map[uint32]uint32{}}
}

func (c *Counters) IncReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxReceived++
}

func (c *Counters) IncReceivedOK() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxReceivedOK++
}

func (c *Counters) IncModulation(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perModulation[label]++
}

func (c *Counters) IncTxReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txReceived++
}

func (c *Counters) IncTxEmitted(freqHz uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txEmitted++
	c.perFrequency[freqHz]++
}

// snapshot is an immutable copy of the counters at emit time.
type snapshot struct {
	rxReceived, rxReceivedOK, txReceived, txEmitted uint32
	perModulation                                   map[string]uint32
	perFrequency                                     map[uint32]uint32
}

// snapshotAndReset atomically reads every counter and zeroes them.
func (c *Counters) snapshotAndReset() snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := snapshot{
		rxReceived:    c.rxReceived,
		rxReceivedOK:  c.rxReceivedOK,
		txReceived:    c.txReceived,
		txEmitted:     c.txEmitted,
		perModulation: c.perModulation,
		perFrequency:  c.perFrequency,
	}
	c.rxReceived, c.rxReceivedOK, c.txReceived, c.txEmitted = 0, 0, 0, 0
	c.perModulation = map[string]uint32{}
	c.perFrequency = map[uint32]uint32{}
	return s
}

// Temperature is the optional board sensor the stats loop reads.
type Temperature interface {
	Temperature() (float32, error)
}

// Locator supplies the best-known gateway location.
type Locator interface {
	Get(now time.Time) (gnss.Location, bool)
}

// DutyCycleLoad reports per-band fractional duty-cycle usage.
type DutyCycleLoad interface {
	Load(now time.Time) map[string]float64
}

// Publisher is the event-socket capability the loop needs.
type Publisher interface {
	PublishStats(stats gw.GatewayStats) error
}

// Metadata is emitted unchanged on every stats message.
type Metadata struct {
	ConfigVersion string
	DaemonVersion string
	Model         string
	HALVersion    string
}

func (m Metadata) asMap() map[string]string {
	return map[string]string{
		"config_version": m.ConfigVersion,
		"daemon_version": m.DaemonVersion,
		"model":          m.Model,
		"hal_version":    m.HALVersion,
	}
}

// Config carries the loop's fixed parameters.
type Config struct {
	GatewayID [8]byte
	Interval  time.Duration
	Metadata  Metadata
}

// Loop periodically emits a GatewayStats snapshot and resets its
// counters.
type Loop struct {
	cfg       Config
	counters  *Counters
	temp      Temperature // may be nil
	locator   Locator
	dutyCycle DutyCycleLoad
	pub       Publisher
	now       func() time.Time
}

// New returns a Loop ready to Run. now may be nil to use time.Now.
func New(cfg Config, counters *Counters, temp Temperature, locator Locator, dutyCycle DutyCycleLoad, pub Publisher, now func() time.Time) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Loop{cfg: cfg, counters: counters, temp: temp, locator: locator, dutyCycle: dutyCycle, pub: pub, now: now}
}

// Run emits stats every Interval until stop fires, which it returns.
func (l *Loop) Run(stop <-chan signalpool.Signal) signalpool.Signal {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-stop:
			return sig
		case <-ticker.C:
			l.emit()
		}
	}
}

func (l *Loop) emit() {
	s := l.counters.snapshotAndReset()
	now := l.now()

	out := gw.GatewayStats{
		GatewayID:              hexEUI(l.cfg.GatewayID),
		RxPacketsReceived:      s.rxReceived,
		RxPacketsReceivedOK:    s.rxReceivedOK,
		TxPacketsReceived:      s.txReceived,
		TxPacketsEmitted:       s.txEmitted,
		TxPacketsPerFreq:       s.perFrequency,
		RxPacketsPerModulation: s.perModulation,
		Metadata:               l.cfg.Metadata.asMap(),
	}

	if l.dutyCycle != nil {
		out.DutyCycleLoadPercent = l.dutyCycle.Load(now)
	}

	if l.temp != nil {
		if c, err := l.temp.Temperature(); err == nil {
			out.ConcentratorTemperature = &c
		}
	}

	if l.locator != nil {
		if loc, ok := l.locator.Get(now); ok {
			out.Location = &gw.Location{Latitude: loc.Latitude, Longitude: loc.Longitude, Altitude: loc.Altitude}
		}
	}

	_ = l.pub.PublishStats(out)
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
