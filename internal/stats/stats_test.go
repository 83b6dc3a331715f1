package stats

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bramburn/concentratord/internal/gnss"
	"github.com/bramburn/concentratord/internal/signalpool"
	"github.com/bramburn/concentratord/pkg/gw"
)

func TestCountersAccumulateAndReset(t *testing.T) {
	c := NewCounters()
	c.IncReceived()
	c.IncReceived()
	c.IncReceivedOK()
	c.IncModulation("lora")
	c.IncTxReceived()
	c.IncTxEmitted(868_100_000)
	c.IncTxEmitted(868_100_000)

	s := c.snapshotAndReset()
	assert.Equal(t, uint32(2), s.rxReceived)
	assert.Equal(t, uint32(1), s.rxReceivedOK)
	assert.Equal(t, uint32(1), s.txReceived)
	assert.Equal(t, uint32(2), s.txEmitted)
	assert.Equal(t, uint32(1), s.perModulation["lora"])
	assert.Equal(t, uint32(2), s.perFrequency[868_100_000])

	again := c.snapshotAndReset()
	assert.Zero(t, again.rxReceived)
	assert.Empty(t, again.perModulation)
}

type fakeTemp struct {
	c   float32
	err error
}

func (f fakeTemp) Temperature() (float32, error) { return f.c, f.err }

type fakeLocator struct {
	loc gnss.Location
	ok  bool
}

func (f fakeLocator) Get(time.Time) (gnss.Location, bool) { return f.loc, f.ok }

type fakeDutyCycleLoad struct {
	load map[string]float64
}

func (f fakeDutyCycleLoad) Load(time.Time) map[string]float64 { return f.load }

type recordingPublisher struct {
	stats []gw.GatewayStats
}

func (r *recordingPublisher) PublishStats(stats gw.GatewayStats) error {
	r.stats = append(r.stats, stats)
	return nil
}

func TestEmitBuildsFullStatsMessage(t *testing.T) {
	counters := NewCounters()
	counters.IncReceived()
	counters.IncReceivedOK()

	pub := &recordingPublisher{}
	l := New(
		Config{GatewayID: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, Metadata: Metadata{DaemonVersion: "0.1.0", Model: "sx1302"}},
		counters,
		fakeTemp{c: 31.5},
		fakeLocator{loc: gnss.Location{Latitude: 1, Longitude: 2, Altitude: 3}, ok: true},
		fakeDutyCycleLoad{load: map[string]float64{"eu868-g1": 0.2}},
		pub,
		func() time.Time { return time.Unix(1000, 0) },
	)

	l.emit()

	require.Len(t, pub.stats, 1)
	out := pub.stats[0]
	assert.Equal(t, "0102030405060708", out.GatewayID)
	assert.Equal(t, uint32(1), out.RxPacketsReceived)
	assert.Equal(t, uint32(1), out.RxPacketsReceivedOK)
	require.NotNil(t, out.ConcentratorTemperature)
	assert.Equal(t, float32(31.5), *out.ConcentratorTemperature)
	require.NotNil(t, out.Location)
	assert.Equal(t, 1.0, out.Location.Latitude)
	assert.Equal(t, 0.2, out.DutyCycleLoadPercent["eu868-g1"])
	assert.Equal(t, "0.1.0", out.Metadata["daemon_version"])

	// counters must be reset after emit.
	again := counters.snapshotAndReset()
	assert.Zero(t, again.rxReceived)
}

func TestEmitOmitsTemperatureWhenSensorAbsent(t *testing.T) {
	pub := &recordingPublisher{}
	l := New(Config{}, NewCounters(), fakeTemp{err: errors.New("no sensor")}, nil, nil, pub, nil)

	l.emit()

	require.Len(t, pub.stats, 1)
	assert.Nil(t, pub.stats[0].ConcentratorTemperature)
}

func TestRunExitsOnStopSignal(t *testing.T) {
	pool := signalpool.New()
	sub := pool.Subscribe()
	l := New(Config{Interval: time.Hour}, NewCounters(), nil, nil, nil, &recordingPublisher{}, nil)

	done := make(chan signalpool.Signal, 1)
	go func() { done <- l.Run(sub) }()

	pool.Send(signalpool.Signal{Kind: signalpool.Stop})

	select {
	case sig := <-done:
		assert.Equal(t, signalpool.Stop, sig.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Stop signal")
	}
}
