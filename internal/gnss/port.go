package gnss

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialPort is the narrow transport the GNSS reader needs, adapted
// from the teacher's internal/port.SerialPort so the reader can be unit
// tested against a fake.
type SerialPort interface {
	Open(portName string, baudRate int) error
	Close() error
	Read(buffer []byte) (int, error)
	SetReadTimeout(timeout time.Duration) error
}

// GNSSSerialPort implements SerialPort over go.bug.st/serial.
type GNSSSerialPort struct {
	port serial.Port
}

// NewGNSSSerialPort returns an unopened serial transport.
func NewGNSSSerialPort() *GNSSSerialPort {
	return &GNSSSerialPort{}
}

func (p *GNSSSerialPort) Open(portName string, baudRate int) error {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return fmt.Errorf("gnss: opening serial port %s: %w", portName, err)
	}
	p.port = port
	return p.port.SetReadTimeout(200 * time.Millisecond)
}

func (p *GNSSSerialPort) Close() error {
	if p.port == nil {
		return nil
	}
	return p.port.Close()
}

func (p *GNSSSerialPort) Read(buffer []byte) (int, error) {
	if p.port == nil {
		return 0, fmt.Errorf("gnss: port not open")
	}
	return p.port.Read(buffer)
}

func (p *GNSSSerialPort) SetReadTimeout(timeout time.Duration) error {
	if p.port == nil {
		return fmt.Errorf("gnss: port not open")
	}
	return p.port.SetReadTimeout(timeout)
}
