package uplink

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bramburn/concentratord/internal/gnss"
	"github.com/bramburn/concentratord/internal/hal"
	"github.com/bramburn/concentratord/internal/signalpool"
	"github.com/bramburn/concentratord/pkg/gw"
)

type fakeReceiver struct {
	batches [][]hal.RxPacket
	idx     int
}

func (f *fakeReceiver) Receive() ([]hal.RxPacket, error) {
	if f.idx >= len(f.batches) {
		return nil, nil
	}
	b := f.batches[f.idx]
	f.idx++
	return b, nil
}

type fakeBridge struct {
	wall      time.Time
	wallErr   error
	gpsEpoch  time.Duration
	gpsErr    error
}

func (f fakeBridge) CounterToWall(uint32) (time.Time, error)        { return f.wall, f.wallErr }
func (f fakeBridge) CounterToGPSEpoch(uint32) (time.Duration, error) { return f.gpsEpoch, f.gpsErr }

type fakeLocator struct {
	loc gnss.Location
	ok  bool
}

func (f fakeLocator) Get(time.Time) (gnss.Location, bool) { return f.loc, f.ok }

type recordingPublisher struct {
	frames []gw.UplinkFrame
}

func (r *recordingPublisher) PublishUplink(frame gw.UplinkFrame) error {
	r.frames = append(r.frames, frame)
	return nil
}

type countingCounters struct {
	received, receivedOK int
	modulations          map[string]int
}

func newCountingCounters() *countingCounters {
	return &countingCounters{modulations: map[string]int{}}
}

func (c *countingCounters) IncReceived()             { c.received++ }
func (c *countingCounters) IncReceivedOK()            { c.receivedOK++ }
func (c *countingCounters) IncModulation(label string) { c.modulations[label]++ }

func TestHandlePublishesGoodCRCFrame(t *testing.T) {
	pub := &recordingPublisher{}
	counters := newCountingCounters()
	bridge := fakeBridge{wall: time.Unix(1000, 0), gpsEpoch: 5 * time.Second}

	l := New(Config{GatewayID: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}, nil, bridge, fakeLocator{ok: false}, pub, counters, func() time.Time { return time.Unix(2000, 0) })

	l.handle(hal.RxPacket{
		FreqHz:  868_100_000,
		CountUs: 42,
		CrcOK:   true,
		Lora:    &hal.LoraModulation{Bandwidth: 125_000, SpreadingFactor: 7, CodeRate: "4/5"},
		Payload: []byte{0xAA, 0xBB},
	})

	require.Len(t, pub.frames, 1)
	frame := pub.frames[0]
	assert.Equal(t, []byte{0xAA, 0xBB}, frame.PhyPayload)
	assert.Equal(t, uint32(868_100_000), frame.TxInfo.Frequency)
	assert.Equal(t, gw.CodeRate4_5, frame.TxInfo.Modulation.Lora.CodeRate)
	assert.Equal(t, gw.CRCOK, frame.RxInfo.CrcStatus)
	assert.Equal(t, "0102030405060708", frame.RxInfo.GatewayID)
	require.NotNil(t, frame.RxInfo.GwTimeUnixNanos)
	assert.Equal(t, time.Unix(1000, 0).UnixNano(), *frame.RxInfo.GwTimeUnixNanos)
	require.NotNil(t, frame.RxInfo.TimeSinceGPSEpoch)
	assert.Equal(t, uint64(5_000_000), *frame.RxInfo.TimeSinceGPSEpoch)
	assert.Nil(t, frame.RxInfo.Location)

	assert.Equal(t, 1, counters.received)
	assert.Equal(t, 1, counters.receivedOK)
	assert.Equal(t, 1, counters.modulations["lora"])
}

func TestHandleDropsBadCRCByDefault(t *testing.T) {
	pub := &recordingPublisher{}
	counters := newCountingCounters()
	l := New(Config{}, nil, fakeBridge{}, fakeLocator{}, pub, counters, nil)

	l.handle(hal.RxPacket{CrcOK: false, CrcNone: false})

	assert.Empty(t, pub.frames)
	assert.Equal(t, 1, counters.received)
	assert.Equal(t, 0, counters.receivedOK)
}

func TestHandleKeepsBadCRCWhenFilterDisabled(t *testing.T) {
	pub := &recordingPublisher{}
	counters := newCountingCounters()
	l := New(Config{DisableCRCFilter: true}, nil, fakeBridge{wallErr: errors.New("no ref"), gpsErr: errors.New("no gps")}, fakeLocator{}, pub, counters, nil)

	l.handle(hal.RxPacket{CrcOK: false})

	require.Len(t, pub.frames, 1)
	assert.Equal(t, gw.CRCFail, pub.frames[0].RxInfo.CrcStatus)
	assert.Nil(t, pub.frames[0].RxInfo.GwTimeUnixNanos)
	assert.Nil(t, pub.frames[0].RxInfo.TimeSinceGPSEpoch)
}

func TestHandleTimeFallbackUsesNowOnBridgeMiss(t *testing.T) {
	pub := &recordingPublisher{}
	counters := newCountingCounters()
	fallback := time.Unix(9999, 0)
	l := New(Config{TimeFallback: true}, nil, fakeBridge{wallErr: errors.New("no ref")}, fakeLocator{}, pub, counters, func() time.Time { return fallback })

	l.handle(hal.RxPacket{CrcOK: true})

	require.Len(t, pub.frames, 1)
	require.NotNil(t, pub.frames[0].RxInfo.GwTimeUnixNanos)
	assert.Equal(t, fallback.UnixNano(), *pub.frames[0].RxInfo.GwTimeUnixNanos)
}

func TestHandleAttachesLocationWhenAvailable(t *testing.T) {
	pub := &recordingPublisher{}
	counters := newCountingCounters()
	loc := gnss.Location{Latitude: 1.5, Longitude: 2.5, Altitude: 10}
	l := New(Config{}, nil, fakeBridge{}, fakeLocator{loc: loc, ok: true}, pub, counters, nil)

	l.handle(hal.RxPacket{CrcOK: true})

	require.Len(t, pub.frames, 1)
	require.NotNil(t, pub.frames[0].RxInfo.Location)
	assert.Equal(t, 1.5, pub.frames[0].RxInfo.Location.Latitude)
}

func TestRunExitsOnStopSignal(t *testing.T) {
	pool := signalpool.New()
	sub := pool.Subscribe()

	l := New(Config{}, &fakeReceiver{}, fakeBridge{}, fakeLocator{}, &recordingPublisher{}, newCountingCounters(), nil)

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
