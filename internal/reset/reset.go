// Package reset drives the concentrator's reset GPIO sequence that must
// complete before the first HAL configure call (spec.md §4.1, §9
// "Reset pulse").
package reset

import (
	"fmt"
	"sync"
	"time"
)

// pulseWidth is the width of every high/low phase in the sequence.
const pulseWidth = 100 * time.Millisecond

// Pin is the narrow GPIO capability the reset sequence needs. No GPIO
// library exists anywhere in this corpus, so the sequence is written
// against this small injected interface (mirroring hal.Driver's own
// narrow-interface style) rather than against a concrete sysfs/chip
// binding.
type Pin interface {
	SetHigh() error
	SetLow() error
}

// Sleeper abstracts time.Sleep so tests can run the sequence instantly.
type Sleeper func(time.Duration)

// Sequencer drives the reset, optional power-enable, and SX1261
// companion-reset pins under one mutex, since they share the same GPIO
// chip handle (spec.md §5 "Reset pins: one mutex protecting GPIO
// handles").
type Sequencer struct {
	mu sync.Mutex

	resetPin    Pin
	powerEnable Pin // nil if the board has no power-enable pin
	sx1261Reset Pin // nil if the board has no SX1261 companion radio

	sleep Sleeper
}

// New returns a Sequencer. powerEnable and sx1261Reset may be nil.
func New(resetPin, powerEnable, sx1261Reset Pin) *Sequencer {
	return &Sequencer{
		resetPin:    resetPin,
		powerEnable: powerEnable,
		sx1261Reset: sx1261Reset,
		sleep:       time.Sleep,
	}
}

// Run executes the full reset sequence: (1) pulse reset high then low,
// (2) optionally raise power-enable, (3) optionally pulse the SX1261
// companion reset. It must be called, and must complete, before the
// first HAL configure call.
func (s *Sequencer) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pulse(s.resetPin, "reset"); err != nil {
		return err
	}

	if s.powerEnable != nil {
		if err := s.powerEnable.SetHigh(); err != nil {
			return fmt.Errorf("reset: power-enable high: %w", err)
		}
		s.sleep(pulseWidth)
	}

	if s.sx1261Reset != nil {
		if err := s.pulse(s.sx1261Reset, "sx1261 reset"); err != nil {
			return err
		}
	}

	return nil
}

func (s *Sequencer) pulse(pin Pin, label string) error {
	if err := pin.SetHigh(); err != nil {
		return fmt.Errorf("reset: %s high: %w", label, err)
	}
	s.sleep(pulseWidth)
	if err := pin.SetLow(); err != nil {
		return fmt.Errorf("reset: %s low: %w", label, err)
	}
	s.sleep(pulseWidth)
	return nil
}
