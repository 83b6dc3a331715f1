// Package timebridge corrects the concentrator's free-running 32-bit
// microsecond counter against wall-clock and GPS time (spec.md §4.2).
// It is the most wrap-sensitive part of the daemon: every subtraction
// here goes through internal/counter rather than plain arithmetic.
package timebridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bramburn/concentratord/internal/counter"
)

// ErrNoTimeReference is returned by conversions when neither anchor is
// available.
var ErrNoTimeReference = errors.New("timebridge: no valid time reference")

// ErrGNSSInvalid is returned by conversions that require a valid GNSS
// anchor when it is stale or has never been set.
var ErrGNSSInvalid = errors.New("timebridge: gnss anchor invalid")

// gnssValidWindow is how long a GNSS anchor remains trustworthy without
// a fresh NAV-TIMEGPS sample (spec.md §4.2).
const gnssValidWindow = 30 * time.Second

// systemAnchor is (prev_counter, prev_system_time) from spec.md's
// TimeReference tuple.
type systemAnchor struct {
	set            bool
	prevCounter    uint32
	prevSystemTime time.Time
}

// gnssAnchor is (counter, gps_time, gps_epoch, xtal_error).
type gnssAnchor struct {
	set       bool
	updatedAt time.Time
	counter   uint32
	gpsTime   time.Time
	gpsEpoch  time.Duration
	xtalError float64
}

// GPSSyncer is an optional HAL capability: some concentrator HALs expose
// a one-shot routine that, given a (trigger counter, GPS time) pair,
// refines and returns the crystal frequency error. Not every HAL
// implements it; the bridge tolerates its absence.
type GPSSyncer interface {
	SyncGPSTime(triggerCounterUs uint32, gpsTime time.Time) (xtalError float64, err error)
}

// Bridge maintains the two time anchors behind independent locks, as
// required by spec.md §4.2 and §5 ("independent locks for system anchor
// and GNSS anchor").
type Bridge struct {
	sysMu  sync.RWMutex
	sys    systemAnchor
	gnssMu sync.RWMutex
	gnss   gnssAnchor
	filter xtalFilter

	syncer GPSSyncer
	logf   func(format string, args ...any)
}

// New returns an empty Bridge. syncer may be nil if the HAL does not
// support GPS sync refinement; logf may be nil to discard drift logs.
func New(syncer GPSSyncer, logf func(string, ...any)) *Bridge {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Bridge{syncer: syncer, logf: logf}
}

// UpdateSystemAnchor replaces the system-time anchor given a freshly
// sampled (trigger counter, system time) pair, logging the drift versus
// the previous anchor (spec.md §4.2). Called every 60s by the timesync
// loop.
func (b *Bridge) UpdateSystemAnchor(triggerCounter uint32, systemTime time.Time) {
	b.sysMu.Lock()
	defer b.sysMu.Unlock()

	if b.sys.set {
		elapsedSystem := systemTime.Sub(b.sys.prevSystemTime)
		elapsedCounter := time.Duration(counter.Distance(b.sys.prevCounter, triggerCounter)) * time.Microsecond
		drift := elapsedSystem - elapsedCounter
		b.logf("timebridge: system anchor drift=%s over %s", drift, elapsedSystem)
	}

	b.sys = systemAnchor{set: true, prevCounter: triggerCounter, prevSystemTime: systemTime}
}

// UpdateGNSSAnchor is called whenever a UBX_NAV_TIMEGPS sentence is
// parsed. triggerCounter is the concentrator's latched PPS counter;
// gpsTime/gpsEpoch are the decoded GPS time for that edge.
func (b *Bridge) UpdateGNSSAnchor(triggerCounter uint32, gpsTime time.Time, gpsEpoch time.Duration) error {
	var rawXtal float64
	if b.syncer != nil {
		x, err := b.syncer.SyncGPSTime(triggerCounter, gpsTime)
		if err != nil {
			return fmt.Errorf("timebridge: gps sync: %w", err)
		}
		rawXtal = x
	}

	filtered := b.filter.add(rawXtal)

	b.gnssMu.Lock()
	defer b.gnssMu.Unlock()
	b.gnss = gnssAnchor{
		set:       true,
		updatedAt: gpsTime,
		counter:   triggerCounter,
		gpsTime:   gpsTime,
		gpsEpoch:  gpsEpoch,
		xtalError: filtered,
	}
	return nil
}

// ValidateGNSSAnchor reports whether the GNSS anchor is set and no more
// than 30 s older than now. GNSSValid and the conversions call it with
// time.Now() on every use; no periodic validator loop runs.
func (b *Bridge) ValidateGNSSAnchor(now time.Time) bool {
	b.gnssMu.RLock()
	defer b.gnssMu.RUnlock()
	return b.gnssValidLocked(now)
}

func (b *Bridge) gnssValidLocked(now time.Time) bool {
	if !b.gnss.set {
		return false
	}
	return now.Sub(b.gnss.updatedAt) <= gnssValidWindow
}

// GNSSValid reports whether the GNSS anchor is currently usable.
func (b *Bridge) GNSSValid() bool {
	return b.ValidateGNSSAnchor(time.Now())
}

// XtalError returns the most recently filtered crystal error estimate.
func (b *Bridge) XtalError() float64 {
	b.gnssMu.RLock()
	defer b.gnssMu.RUnlock()
	return b.gnss.xtalError
}

// CounterToWall converts a concentrator counter value to wall-clock
// time. It prefers the GNSS anchor when valid, falling back to the
// system anchor (spec.md §4.2).
func (b *Bridge) CounterToWall(c uint32) (time.Time, error) {
	b.gnssMu.RLock()
	if b.gnssValidLocked(time.Now()) {
		anchor := b.gnss
		b.gnssMu.RUnlock()
		return anchor.gpsTime.Add(counterDelta(anchor.counter, c)), nil
	}
	b.gnssMu.RUnlock()

	b.sysMu.RLock()
	defer b.sysMu.RUnlock()
	if !b.sys.set {
		return time.Time{}, ErrNoTimeReference
	}
	return b.sys.prevSystemTime.Add(counterDelta(b.sys.prevCounter, c)), nil
}

// CounterToGPSEpoch converts a concentrator counter value to a
// GPS-epoch-relative duration. Requires a valid GNSS anchor.
func (b *Bridge) CounterToGPSEpoch(c uint32) (time.Duration, error) {
	b.gnssMu.RLock()
	defer b.gnssMu.RUnlock()
	if !b.gnssValidLocked(time.Now()) {
		return 0, ErrGNSSInvalid
	}
	return b.gnss.gpsEpoch + counterDelta(b.gnss.counter, c), nil
}

// GPSEpochToCounter converts a GPS-epoch-relative duration to a
// concentrator counter value. Requires a valid GNSS anchor.
func (b *Bridge) GPSEpochToCounter(e time.Duration) (uint32, error) {
	b.gnssMu.RLock()
	defer b.gnssMu.RUnlock()
	if !b.gnssValidLocked(time.Now()) {
		return 0, ErrGNSSInvalid
	}
	deltaUs := (e - b.gnss.gpsEpoch).Microseconds()
	return counter.AddSigned(b.gnss.counter, deltaUs), nil
}

// counterDelta returns the signed duration representing how far ahead
// (or behind) counter value c is of anchor, using the wrap-safe forward
// distance in internal/counter.
func counterDelta(anchor, c uint32) time.Duration {
	d := counter.Distance(anchor, c)
	if d > counter.MaxWindow {
		// c is "behind" anchor once you account for wraparound.
		return -time.Duration(^d+1) * time.Microsecond
	}
	return time.Duration(d) * time.Microsecond
}

// xtalFilter implements spec.md §4.2's xtal-error smoothing: a plain
// running average over the first 128 samples, then an exponential
// low-pass with coefficient 256 (supplemented from
// libconcentratord/src/gnss.rs in original_source).
type xtalFilter struct {
	n   int
	avg float64
}

const xtalInitialSamples = 128
const xtalLowPassCoefficient = 256.0

func (f *xtalFilter) add(sample float64) float64 {
	if f.n < xtalInitialSamples {
		f.n++
		f.avg += (sample - f.avg) / float64(f.n)
		return f.avg
	}
	f.avg += (sample - f.avg) / xtalLowPassCoefficient
	return f.avg
}
