// Package beacon implements the class-B beacon loop: a 128 s,
// GPS-epoch-aligned timer that enqueues a frequency-hopped beacon frame
// via the JIT queue (spec.md §4.7).
package beacon

import (
	"time"

	"github.com/google/uuid"

	"github.com/bramburn/concentratord/internal/hal"
	"github.com/bramburn/concentratord/internal/jitqueue"
	"github.com/bramburn/concentratord/internal/signalpool"
)

// Period is the class-B beacon interval.
const Period = 128 * time.Second

// wakeMargin is how far ahead of the target beacon instant the loop
// wakes to build and enqueue the packet.
const wakeMargin = 2 * time.Second

// pollInterval bounds how long a single stop-aware sleep waits before
// re-checking the signal channel.
const pollInterval = 200 * time.Millisecond

// GPSEpochSource is the subset of *timebridge.Bridge the beacon loop
// needs: whether GNSS is locked and the current GPS-epoch estimate.
type GPSEpochSource interface {
	GNSSValid() bool
	CounterToGPSEpoch(c uint32) (time.Duration, error)
}

// Clock supplies the concentrator's free-running counter.
type Clock interface {
	InstantCounter() (uint32, error)
}

// Enqueuer is the subset of *jitqueue.Queue the beacon loop needs.
type Enqueuer interface {
	Enqueue(pkt hal.TxPacket, downlinkID string) (*jitqueue.QueueItem, error)
}

// Config describes the beacon's RFU padding, LoRa modulation, transmit
// power and channel plan.
type Config struct {
	RFUSize     int
	Frequencies []uint32
	TxPowerDBm  int8
	Lora        *hal.LoraModulation
}

// Loop owns the beacon timer. GNSS is required: the loop blocks until
// the time bridge reports a valid GNSS anchor before it will transmit
// anything (spec.md §4.7 "Beacon (GNSS required)").
type Loop struct {
	cfg    Config
	bridge GPSEpochSource
	clock  Clock
	queue  Enqueuer
	logf   func(string, ...any)

	haveEmitted bool
	lastEmitted time.Duration
}

// New returns a beacon Loop.
func New(cfg Config, bridge GPSEpochSource, clock Clock, queue Enqueuer, logf func(string, ...any)) *Loop {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Loop{cfg: cfg, bridge: bridge, clock: clock, queue: queue, logf: logf}
}

// Run blocks, sleeping until each beacon boundary and enqueuing a beacon
// packet there, until it receives a signal on stop.
func (l *Loop) Run(stop <-chan signalpool.Signal) signalpool.Signal {
	for {
		if sig, done := sleepUntilStop(stop, pollInterval); done {
			return sig
		}

		if !l.bridge.GNSSValid() {
			continue
		}

		now, err := l.clock.InstantCounter()
		if err != nil {
			continue
		}
		nowEpoch, err := l.bridge.CounterToGPSEpoch(now)
		if err != nil {
			continue
		}

		target := nextBoundary(nowEpoch)
		if target-nowEpoch > wakeMargin {
			continue // not yet time to build this beacon
		}
		if l.haveEmitted && l.lastEmitted == target {
			continue // already enqueued this boundary, don't re-enqueue every poll tick
		}

		l.emit(target)
		l.haveEmitted = true
		l.lastEmitted = target
	}
}

// nextBoundary returns the next 128 s-aligned GPS-epoch instant at or
// after now.
func nextBoundary(now time.Duration) time.Duration {
	period := Period
	rem := now % period
	if rem == 0 {
		return now
	}
	return now - rem + period
}

func (l *Loop) emit(target time.Duration) {
	epochSeconds := uint32(target / time.Second)
	freq := l.cfg.Frequencies[(epochSeconds/uint32(Period/time.Second))%uint32(len(l.cfg.Frequencies))]
	payload := BuildPayload(l.cfg.RFUSize, epochSeconds)

	pkt := hal.TxPacket{
		FreqHz:     freq,
		TxPowerDBm: l.cfg.TxPowerDBm,
		Mode:       hal.TxOnGPS,
		GPSEpoch:   target,
		Lora:       l.cfg.Lora,
		Payload:    payload,
	}

	if _, err := l.queue.Enqueue(pkt, uuid.NewString()); err != nil {
		l.logf("beacon: enqueue failed: %v", err)
	}
}

// sleepUntilStop sleeps up to d, waking early (done=true) if a signal
// arrives on stop.
func sleepUntilStop(stop <-chan signalpool.Signal, d time.Duration) (signalpool.Signal, bool) {
	select {
	case sig := <-stop:
		return sig, true
	case <-time.After(d):
		return signalpool.Signal{}, false
	}
}
