// Package jitqueue implements the Just-In-Time downlink scheduler: a
// bounded, counter-ordered queue of outbound packets that enforces
// non-collision and hardware pre-roll constraints and releases packets
// to the radio exactly when due (spec.md §4.3).
package jitqueue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bramburn/concentratord/internal/counter"
	"github.com/bramburn/concentratord/internal/hal"
)

// Errors returned by Enqueue, mapped 1:1 onto the admission-error kinds
// the command loop reports per downlink item (spec.md §4.6, §7).
var (
	ErrCollision = errors.New("jitqueue: collision with a queued item")
	ErrQueueFull = errors.New("jitqueue: queue full")
	ErrTooLate   = errors.New("jitqueue: insufficient pre-roll window")
	ErrTooEarly  = errors.New("jitqueue: beyond max advance")
	ErrNoTimeRef = errors.New("jitqueue: no valid time reference for OnGPS translation")
)

// Defaults, all from spec.md §3/§4.3.
const (
	DefaultCapacity = 32

	// DefaultPreDelay is the HAL start delay plus JIT safety margin.
	DefaultPreDelay = 31_500 * time.Microsecond

	// TxMargin is the minimum gap enforced between two transmissions.
	TxMargin = 1 * time.Millisecond

	// immediateLookahead is how far ahead of now an Immediate packet's
	// first scheduling attempt lands.
	immediateLookahead = 1 * time.Second
)

// DefaultMaxAdvance is "(3+1)*128s", sized to the class-B beacon period.
const DefaultMaxAdvance = 4 * 128 * time.Second

// State is a QueueItem's position in its Enqueued -> Released -> Forgotten
// lifecycle (spec.md §4.3: "there is no in-flight Transmitting state the
// queue tracks").
type State int

const (
	Enqueued State = iota
	Released
	Forgotten
)

// Clock supplies the concentrator's free-running counter.
type Clock interface {
	InstantCounter() (uint32, error)
}

// AirtimeEstimator computes a packet's deterministic time-on-air.
type AirtimeEstimator interface {
	TimeOnAir(pkt hal.TxPacket) (time.Duration, error)
}

// GPSTranslator converts a GPS-epoch deadline into a concentrator counter
// value; it is not valid until the time bridge has a GNSS anchor.
type GPSTranslator interface {
	GPSEpochToCounter(epoch time.Duration) (uint32, error)
}

// QueueItem is a TxPacket together with the scheduling metadata the
// queue derived for it.
type QueueItem struct {
	Packet     hal.TxPacket
	CountUs    uint32
	PreDelay   time.Duration
	PostDelay  time.Duration
	DownlinkID string
	State      State
}

func (i *QueueItem) endUs() uint32 {
	return counter.Add(i.CountUs, usOf(i.PostDelay))
}

// Queue is the bounded, counter-ordered JIT scheduler. One mutex guards
// the whole vector; enqueue, pop and sort are serialized (spec.md §5).
type Queue struct {
	mu sync.Mutex

	items    []*QueueItem
	capacity int
	preDelay time.Duration
	txMargin time.Duration
	maxAdv   time.Duration

	clock   Clock
	airtime AirtimeEstimator
	gps     GPSTranslator
}

// New returns an empty Queue wired to the given time sources, using the
// spec's default capacity, pre-delay, margin and max-advance.
func New(clock Clock, airtime AirtimeEstimator, gps GPSTranslator) *Queue {
	return &Queue{
		capacity: DefaultCapacity,
		preDelay: DefaultPreDelay,
		txMargin: TxMargin,
		maxAdv:   DefaultMaxAdvance,
		clock:    clock,
		airtime:  airtime,
		gps:      gps,
	}
}

// Len reports the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue admits pkt, resolving its mode to an absolute CountUs and
// running the collision and admission checks of spec.md §4.3.
func (q *Queue) Enqueue(pkt hal.TxPacket, downlinkID string) (*QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now, err := q.clock.InstantCounter()
	if err != nil {
		return nil, ErrNoTimeRef
	}
	postDelay, err := q.airtime.TimeOnAir(pkt)
	if err != nil {
		return nil, err
	}

	item := &QueueItem{
		Packet:     pkt,
		PreDelay:   q.preDelay,
		PostDelay:  postDelay,
		DownlinkID: downlinkID,
		State:      Enqueued,
	}

	switch pkt.Mode {
	case hal.TxImmediate:
		item.CountUs = counter.Add(now, usOf(immediateLookahead))
		if q.collidesWithAny(item) {
			item.CountUs = q.findASAPSlot(item)
		}

	case hal.TxTimestamped:
		item.CountUs = pkt.CountUs
		if q.collidesWithAny(item) {
			return nil, ErrCollision
		}

	case hal.TxOnGPS:
		countUs, err := q.gps.GPSEpochToCounter(pkt.GPSEpoch)
		if err != nil {
			return nil, ErrNoTimeRef
		}
		item.CountUs = countUs
		if q.collidesWithAny(item) {
			return nil, ErrCollision
		}

	default:
		return nil, errors.New("jitqueue: unknown tx mode")
	}

	advance := counter.Sub(item.CountUs, now)
	if advance < usOf(item.PreDelay) {
		return nil, ErrTooLate
	}
	if advance > usOf(q.maxAdv) {
		return nil, ErrTooEarly
	}
	if len(q.items) >= q.capacity {
		return nil, ErrQueueFull
	}

	q.items = append(q.items, item)
	q.sortLocked(now)
	return item, nil
}

// Peek returns the head of the queue (nearest deadline) without removing
// it, or nil if the queue is empty.
func (q *Queue) Peek() *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Pop releases the head item if it is due: (head.CountUs - now) mod 2^32
// <= head.PreDelay. Otherwise it returns nil, false and the caller should
// sleep (spec.md §4.3 "Release").
func (q *Queue) Pop(now uint32) (*QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	if counter.Sub(head.CountUs, now) > usOf(head.PreDelay) {
		return nil, false
	}
	q.items = q.items[1:]
	head.State = Released
	return head, true
}

// Remove drops item from the queue if it is still present, for a caller
// that admitted an item and then had to roll the admission back (the
// command loop's duty-cycle check runs after jitqueue admission, since
// only the queue resolves an Immediate packet's actual CountUs). It
// reports whether item was found.
func (q *Queue) Remove(item *QueueItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.items {
		if existing == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// findASAPSlot walks queued items in their current order (nearest-now
// first, per the last sortLocked call) and computes the slot
// immediately after each one's tail, keeping whichever candidate was
// computed last. An Immediate packet is never rejected for colliding:
// the adjacent slot right after an existing item is always admissible,
// so the last candidate is returned unconditionally even if it still
// collides with something else in the queue (spec.md §4.3 "Immediate").
func (q *Queue) findASAPSlot(item *QueueItem) uint32 {
	var candidate uint32
	for _, existing := range q.items {
		candidate = counter.Add(existing.endUs(), usOf(item.PreDelay)+usOf(q.txMargin))
		probe := &QueueItem{CountUs: candidate, PreDelay: item.PreDelay, PostDelay: item.PostDelay}
		if !q.collidesWithAny(probe) {
			break
		}
	}
	return candidate
}

// collidesWithAny applies the collision predicate of spec.md §4.3 against
// every item currently queued.
func (q *Queue) collidesWithAny(item *QueueItem) bool {
	for _, existing := range q.items {
		if collides(item, existing, q.txMargin) {
			return true
		}
	}
	return false
}

// collides implements: two items at counters a and b collide iff either
//
//	(a-b) mod 2^32 <= pre_delay_a + post_delay_b + tx_margin, or
//	(b-a) mod 2^32 <= pre_delay_b + post_delay_a + tx_margin
func collides(a, b *QueueItem, txMargin time.Duration) bool {
	d1 := counter.Sub(a.CountUs, b.CountUs)
	thresh1 := usOf(a.PreDelay) + usOf(b.PostDelay) + usOf(txMargin)
	if d1 <= thresh1 {
		return true
	}
	d2 := counter.Sub(b.CountUs, a.CountUs)
	thresh2 := usOf(b.PreDelay) + usOf(a.PostDelay) + usOf(txMargin)
	return d2 <= thresh2
}

// sortLocked orders items by forward distance from now (nearest first);
// mu must be held.
func (q *Queue) sortLocked(now uint32) {
	sort.Slice(q.items, func(i, j int) bool {
		return counter.Distance(now, q.items[i].CountUs) < counter.Distance(now, q.items[j].CountUs)
	})
}

func usOf(d time.Duration) uint32 {
	return uint32(d / time.Microsecond)
}
