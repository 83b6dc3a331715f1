// Package hal defines the narrow capability surface the daemon uses to
// talk to the concentrator hardware, and a single process-wide mutex
// wrapper around it (spec.md §4.1). The vendor driver itself (register
// programming, SPI/USB transport) is out of scope; callers supply a
// Driver implementation.
package hal

import (
	"errors"
	"sync"
	"time"
)

// TxMode selects how a TxPacket's transmission time is determined.
type TxMode int

const (
	// TxImmediate asks the JIT queue to schedule the packet ASAP.
	TxImmediate TxMode = iota
	// TxTimestamped transmits at an explicit concentrator counter value.
	TxTimestamped
	// TxOnGPS transmits at a GPS-epoch-relative time.
	TxOnGPS
)

func (m TxMode) String() string {
	switch m {
	case TxImmediate:
		return "immediate"
	case TxTimestamped:
		return "timestamped"
	case TxOnGPS:
		return "on_gps"
	default:
		return "unknown"
	}
}

// LoraModulation is the LoRa modulation parameter set (spec.md §3).
type LoraModulation struct {
	Bandwidth             uint32
	SpreadingFactor       uint8
	CodeRate              string // "4/5", "4/6", "4/7", "4/8"
	Preamble              uint16
	ImplicitHeader        bool
	NoCRC                 bool
	PolarizationInversion bool
}

// FskModulation is the FSK modulation parameter set.
type FskModulation struct {
	Datarate  uint32
	Deviation uint32
}

// TxPacket is an outbound packet as it is handed to the HAL (spec.md §3).
type TxPacket struct {
	FreqHz    uint32
	TxPowerDBm int8
	RfChain   uint8
	Mode      TxMode
	CountUs   uint32        // meaningful when Mode == TxTimestamped
	GPSEpoch  time.Duration // meaningful when Mode == TxOnGPS
	Lora      *LoraModulation
	Fsk       *FskModulation
	Payload   []byte // <= 256 bytes
}

// RxPacket is an inbound packet as the HAL FIFO hands it over.
type RxPacket struct {
	FreqHz   uint32
	RfChain  uint32
	Channel  uint32
	CountUs  uint32
	RSSI     int32
	SNR      float32
	CrcOK    bool
	CrcNone  bool
	Lora     *LoraModulation
	Fsk      *FskModulation
	Payload  []byte
}

// SendError classifies a failed Send call (spec.md §4.1).
type SendError int

const (
	SendErrUnknown SendError = iota
	SendErrTooLate
	SendErrCollision
	SendErrTxFreq
	SendErrTxPower
)

func (e SendError) Error() string {
	switch e {
	case SendErrTooLate:
		return "hal: too late"
	case SendErrCollision:
		return "hal: collision"
	case SendErrTxFreq:
		return "hal: invalid tx frequency"
	case SendErrTxPower:
		return "hal: invalid tx power"
	default:
		return "hal: unknown send error"
	}
}

// ErrNoTemperatureSensor is returned by Temperature on boards that lack one.
var ErrNoTemperatureSensor = errors.New("hal: no temperature sensor on this board")

// BoardConfig, RxConfig and TxConfig are opaque to the daemon core; the
// vendor HAL binding interprets them. They are passed through unchanged.
type BoardConfig any
type RxConfig any
type TxConfig any

// Driver is the capability surface a vendor HAL binding must implement.
// Every method here is synchronous and non-blocking except where noted.
type Driver interface {
	ConfigureBoard(cfg BoardConfig) error
	ConfigureRx(cfg RxConfig) error
	ConfigureTx(cfg TxConfig) error
	Start() error
	Stop() error
	GetEUI() ([8]byte, error)

	// Receive returns 0..8 packets currently buffered in the HAL FIFO.
	// It never blocks.
	Receive() ([]RxPacket, error)

	// Send hands a packet to the radio for immediate transmission. The
	// caller (the JIT release loop) is responsible for timing; by the
	// time Send is called the packet is due "now".
	Send(pkt TxPacket) error

	// InstantCounter returns the free-running counter's current value.
	InstantCounter() (uint32, error)

	// TriggerCounter returns the counter value latched at the last PPS
	// edge.
	TriggerCounter() (uint32, error)

	// TimeOnAir returns the deterministic airtime of pkt given its
	// modulation parameters.
	TimeOnAir(pkt TxPacket) (time.Duration, error)

	// Temperature returns the concentrator's board temperature, when
	// the board has a sensor. On boards without one it returns
	// ErrNoTemperatureSensor.
	Temperature() (celsius float32, err error)
}

// Adapter serializes all calls to an underlying Driver behind one mutex,
// since the vendor driver is not re-entrant (spec.md §4.1, §9 "Global HAL
// state").
type Adapter struct {
	mu     sync.Mutex
	driver Driver
}

// NewAdapter wraps driver with the process-wide HAL mutex.
func NewAdapter(driver Driver) *Adapter {
	return &Adapter{driver: driver}
}

func (a *Adapter) ConfigureBoard(cfg BoardConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.ConfigureBoard(cfg)
}

func (a *Adapter) ConfigureRx(cfg RxConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.ConfigureRx(cfg)
}

func (a *Adapter) ConfigureTx(cfg TxConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.ConfigureTx(cfg)
}

func (a *Adapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.Start()
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.Stop()
}

func (a *Adapter) GetEUI() ([8]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.GetEUI()
}

func (a *Adapter) Receive() ([]RxPacket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.Receive()
}

func (a *Adapter) Send(pkt TxPacket) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.Send(pkt)
}

func (a *Adapter) InstantCounter() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.InstantCounter()
}

func (a *Adapter) TriggerCounter() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.TriggerCounter()
}

func (a *Adapter) TimeOnAir(pkt TxPacket) (time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.TimeOnAir(pkt)
}

func (a *Adapter) Temperature() (float32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.Temperature()
}
