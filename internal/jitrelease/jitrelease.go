// Package jitrelease implements the loop that releases due JIT queue
// items to the HAL (spec.md §4.3 "Release").
package jitrelease

import (
	"time"

	"github.com/bramburn/concentratord/internal/hal"
	"github.com/bramburn/concentratord/internal/jitqueue"
	"github.com/bramburn/concentratord/internal/signalpool"
)

const pollInterval = 10 * time.Millisecond

// Clock supplies the concentrator's free-running counter.
type Clock interface {
	InstantCounter() (uint32, error)
}

// Queue is the subset of *jitqueue.Queue the loop needs.
type Queue interface {
	Pop(now uint32) (*jitqueue.QueueItem, bool)
}

// Sender hands a due packet to the radio.
type Sender interface {
	Send(pkt hal.TxPacket) error
}

// Counters is the subset of the stats loop's accumulator the release
// loop writes to (spec.md §4.7 "tx_emitted").
type Counters interface {
	IncTxEmitted(freqHz uint32)
}

// Loop peeks the queue head every 10 ms and releases it to the HAL once
// due; the duty-cycle budget for the item was already charged when it
// was admitted (internal/command), so this loop only releases.
type Loop struct {
	clock    Clock
	queue    Queue
	hal      Sender
	counters Counters
	logf     func(string, ...any)
}

// New returns a Loop ready to Run. counters may be nil.
func New(clock Clock, queue Queue, sender Sender, counters Counters, logf func(string, ...any)) *Loop {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Loop{clock: clock, queue: queue, hal: sender, counters: counters, logf: logf}
}

// Run releases due items until stop fires, which it returns.
func (l *Loop) Run(stop <-chan signalpool.Signal) signalpool.Signal {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-stop:
			return sig
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	now, err := l.clock.InstantCounter()
	if err != nil {
		l.logf("jitrelease: counter unavailable: %v", err)
		return
	}

	item, ok := l.queue.Pop(now)
	if !ok {
		return
	}

	if err := l.hal.Send(item.Packet); err != nil {
		l.logf("jitrelease: send %s failed: %v", item.DownlinkID, err)
		return
	}
	if l.counters != nil {
		l.counters.IncTxEmitted(item.Packet.FreqHz)
	}
}
