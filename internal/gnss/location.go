// Package gnss ingests the concentrator's GNSS receiver: NMEA location
// fixes and UBX-NAV-TIMEGPS time references (spec.md §3 GnssLocation /
// StaticLocation, §4.2, §4.5).
package gnss

import (
	"sync"
	"time"
)

// Location is a geographic fix.
type Location struct {
	Latitude  float64
	Longitude float64
	Altitude  float32
}

// maxFixAge is how long a GNSS fix stays usable before it is considered
// stale (spec.md §3).
const maxFixAge = 30 * time.Second

// LocationTracker holds the most recent GNSS fix and an optional static
// fallback location, configured when the gateway has no GNSS receiver or
// during indoor/fixed deployments (spec.md §3 "stale fixes are
// transparently replaced by a configured static location").
type LocationTracker struct {
	mu       sync.RWMutex
	fix      Location
	fixAt    time.Time
	hasFix   bool
	static   *Location
}

// NewLocationTracker returns a tracker with the given static fallback
// (nil if none configured).
func NewLocationTracker(static *Location) *LocationTracker {
	return &LocationTracker{static: static}
}

// SetFix records a new GNSS-derived fix, replacing whatever was previously
// recorded (spec.md §3: "replaced on every RMC/GGA sentence").
func (t *LocationTracker) SetFix(loc Location, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fix = loc
	t.fixAt = at
	t.hasFix = true
}

// Get returns the best available location as of now: the GNSS fix if
// fresh, otherwise the static fallback, otherwise (false).
func (t *LocationTracker) Get(now time.Time) (Location, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.hasFix && now.Sub(t.fixAt) <= maxFixAge {
		return t.fix, true
	}
	if t.static != nil {
		return *t.static, true
	}
	return Location{}, false
}
