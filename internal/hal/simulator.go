package hal

import (
	"sync"
	"time"
)

// Simulator is an in-memory Driver used by tests and by the release
// loop's unit tests; it has no hardware behind it.
type Simulator struct {
	mu        sync.Mutex
	eui       [8]byte
	counter   uint32
	started   bool
	sent      []TxPacket
	rx        []RxPacket
	hasTemp   bool
	tempC     float32
	onAirFunc func(TxPacket) time.Duration
}

// NewSimulator returns a Simulator seeded with the given EUI.
func NewSimulator(eui [8]byte) *Simulator {
	return &Simulator{eui: eui}
}

func (s *Simulator) ConfigureBoard(BoardConfig) error { return nil }
func (s *Simulator) ConfigureRx(RxConfig) error       { return nil }
func (s *Simulator) ConfigureTx(TxConfig) error       { return nil }

func (s *Simulator) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *Simulator) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *Simulator) GetEUI() ([8]byte, error) {
	return s.eui, nil
}

// SetCounter lets tests pin the simulated free-running counter.
func (s *Simulator) SetCounter(c uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter = c
}

// Advance moves the simulated counter forward by d.
func (s *Simulator) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter += uint32(d.Microseconds())
}

// SetTemperature configures the optional temperature sensor; ok=false
// simulates a board without one.
func (s *Simulator) SetTemperature(celsius float32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasTemp = ok
	s.tempC = celsius
}

// SetTimeOnAir overrides the deterministic airtime function used by
// TimeOnAir; tests use this to avoid needing real modulation math.
func (s *Simulator) SetTimeOnAir(f func(TxPacket) time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAirFunc = f
}

// QueueRx injects packets that the next Receive() call will return.
func (s *Simulator) QueueRx(pkts ...RxPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rx = append(s.rx, pkts...)
}

func (s *Simulator) Receive() ([]RxPacket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rx) == 0 {
		return nil, nil
	}
	n := len(s.rx)
	if n > 8 {
		n = 8
	}
	out := s.rx[:n]
	s.rx = s.rx[n:]
	return out, nil
}

func (s *Simulator) Send(pkt TxPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, pkt)
	return nil
}

// Sent returns every packet handed to Send so far, in order.
func (s *Simulator) Sent() []TxPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TxPacket, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *Simulator) InstantCounter() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter, nil
}

func (s *Simulator) TriggerCounter() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter, nil
}

func (s *Simulator) TimeOnAir(pkt TxPacket) (time.Duration, error) {
	s.mu.Lock()
	f := s.onAirFunc
	s.mu.Unlock()
	if f != nil {
		return f(pkt), nil
	}
	return 50 * time.Millisecond, nil
}

func (s *Simulator) Temperature() (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasTemp {
		return 0, ErrNoTemperatureSensor
	}
	return s.tempC, nil
}

var _ Driver = (*Simulator)(nil)
