package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bramburn/concentratord/internal/dutycycle"
	"github.com/bramburn/concentratord/internal/hal"
	"github.com/bramburn/concentratord/internal/signalpool"
)

func testConfig(name string) Config {
	return Config{
		GatewayID: [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		Bands: []dutycycle.Band{
			{Label: "eu868-g", FreqMin: 863_000_000, FreqMax: 868_000_000, MaxDutyPermille: 10, MaxTxPowerDBm: 14},
		},
		DutyCycleWindow: time.Hour,
		CommandURL:      "inproc://daemon-test-cmd-" + name,
		EventURL:        "inproc://daemon-test-event-" + name,
		StatsInterval:   time.Hour,
	}
}

func TestRunExitsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	driver := hal.NewSimulator([8]byte{1, 2, 3, 4, 5, 6, 7, 8})

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	sig, err := Run(ctx, testConfig("cancel"), driver)
	require.NoError(t, err)
	assert.Equal(t, signalpool.Stop, sig.Kind)
}

func TestRunPropagatesHALConfigureError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := Run(ctx, testConfig("hal-err"), failingDriver{})
	assert.ErrorContains(t, err, "configure board")
}

// failingDriver fails ConfigureBoard; Run returns before any other
// method would be called.
type failingDriver struct{}

func (failingDriver) ConfigureBoard(hal.BoardConfig) error { return assert.AnError }
func (failingDriver) ConfigureRx(hal.RxConfig) error       { return nil }
func (failingDriver) ConfigureTx(hal.TxConfig) error       { return nil }
func (failingDriver) Start() error                         { return nil }
func (failingDriver) Stop() error                          { return nil }
func (failingDriver) GetEUI() ([8]byte, error)              { return [8]byte{}, nil }
func (failingDriver) Receive() ([]hal.RxPacket, error)      { return nil, nil }
func (failingDriver) Send(hal.TxPacket) error               { return nil }
func (failingDriver) InstantCounter() (uint32, error)       { return 0, nil }
func (failingDriver) TriggerCounter() (uint32, error)       { return 0, nil }
func (failingDriver) TimeOnAir(hal.TxPacket) (time.Duration, error) {
	return 0, nil
}
func (failingDriver) Temperature() (float32, error) { return 0, hal.ErrNoTemperatureSensor }

var _ hal.Driver = failingDriver{}
