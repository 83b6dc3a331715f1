package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bramburn/concentratord/internal/dutycycle"
	"github.com/bramburn/concentratord/internal/hal"
	"github.com/bramburn/concentratord/internal/jitqueue"
	"github.com/bramburn/concentratord/internal/signalpool"
	"github.com/bramburn/concentratord/pkg/gw"
)

type fakeQueue struct {
	enqueueErr error
	removed    []*jitqueue.QueueItem
	nextCount  uint32
	postDelay  time.Duration
}

func (q *fakeQueue) Enqueue(pkt hal.TxPacket, downlinkID string) (*jitqueue.QueueItem, error) {
	if q.enqueueErr != nil {
		return nil, q.enqueueErr
	}
	return &jitqueue.QueueItem{Packet: pkt, CountUs: q.nextCount, PostDelay: q.postDelay, DownlinkID: downlinkID}, nil
}

func (q *fakeQueue) Remove(item *jitqueue.QueueItem) bool {
	q.removed = append(q.removed, item)
	return true
}

type fakeDutyCycle struct {
	admitErr error
}

func (d fakeDutyCycle) Admit(uint32, int8, dutycycle.Item, time.Duration) error { return d.admitErr }

type fakeClock struct{ now uint32 }

func (c fakeClock) InstantCounter() (uint32, error) { return c.now, nil }

type fakeEUI struct {
	eui [8]byte
	err error
}

func (f fakeEUI) GetEUI() ([8]byte, error) { return f.eui, f.err }

type countingCounters struct{ txReceived int }

func (c *countingCounters) IncTxReceived() { c.txReceived++ }

func newServer(q Queue, dc DutyCycle, clk Clock, eui EUIProvider, pool *signalpool.Pool) *Server {
	return &Server{queue: q, dutyCycle: dc, clock: clk, eui: eui, pool: pool, logf: func(string, ...any) {}}
}

func TestHandleGatewayIDReturnsRawEUI(t *testing.T) {
	s := newServer(nil, nil, nil, fakeEUI{eui: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}, nil)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, s.handleGatewayID())
}

func downFrameItem(freq uint32) *gw.DownlinkFrameItem {
	return &gw.DownlinkFrameItem{
		PhyPayload: []byte{0x01},
		TxInfo: &gw.DownlinkTxInfo{
			Frequency: freq,
			Power:     14,
			Timing:    &gw.Timing{Immediately: &gw.ImmediatelyTiming{}},
		},
	}
}

func TestHandleDownFirstItemAdmittedRestIgnored(t *testing.T) {
	q := &fakeQueue{nextCount: 1_000_000, postDelay: 50 * time.Millisecond}
	dc := fakeDutyCycle{}
	s := newServer(q, dc, fakeClock{now: 900_000}, fakeEUI{}, nil)

	frame := gw.DownlinkFrame{
		GatewayID:  "gw1",
		DownlinkID: "d1",
		Items:      []*gw.DownlinkFrameItem{downFrameItem(868_100_000), downFrameItem(868_300_000)},
	}
	payload, err := gw.Marshal(frame)
	require.NoError(t, err)

	reply := s.handleDown(payload)
	var ack gw.DownlinkTxAck
	require.NoError(t, gw.Unmarshal(reply, &ack))

	require.Len(t, ack.Items, 2)
	assert.Equal(t, gw.TxAckOK, ack.Items[0].Status)
	assert.Equal(t, gw.TxAckIgnored, ack.Items[1].Status)
}

func TestHandleDownCountsEveryItemReceived(t *testing.T) {
	q := &fakeQueue{nextCount: 1_000_000, postDelay: 50 * time.Millisecond}
	counters := &countingCounters{}
	s := newServer(q, fakeDutyCycle{}, fakeClock{now: 900_000}, fakeEUI{}, nil)
	s.counters = counters

	frame := gw.DownlinkFrame{
		Items: []*gw.DownlinkFrameItem{downFrameItem(868_100_000), downFrameItem(868_300_000)},
	}
	payload, err := gw.Marshal(frame)
	require.NoError(t, err)

	s.handleDown(payload)

	assert.Equal(t, 2, counters.txReceived)
}

func TestAdmitItemMapsCollisionError(t *testing.T) {
	q := &fakeQueue{enqueueErr: jitqueue.ErrCollision}
	s := newServer(q, fakeDutyCycle{}, fakeClock{}, fakeEUI{}, nil)

	status := s.admitItem(downFrameItem(868_100_000))
	assert.Equal(t, gw.TxAckCollisionPacket, status)
}

func TestAdmitItemMapsTooLateError(t *testing.T) {
	q := &fakeQueue{enqueueErr: jitqueue.ErrTooLate}
	s := newServer(q, fakeDutyCycle{}, fakeClock{}, fakeEUI{}, nil)

	assert.Equal(t, gw.TxAckTooLate, s.admitItem(downFrameItem(868_100_000)))
}

func TestAdmitItemRollsBackOnDutyCycleRejection(t *testing.T) {
	q := &fakeQueue{nextCount: 1_000_000, postDelay: 10 * time.Millisecond}
	dc := fakeDutyCycle{admitErr: dutycycle.ErrDutyCycle}
	s := newServer(q, dc, fakeClock{now: 900_000}, fakeEUI{}, nil)

	status := s.admitItem(downFrameItem(868_100_000))
	assert.Equal(t, gw.TxAckDutyCycleOverflow, status)
	assert.Len(t, q.removed, 1)
}

func TestAdmitItemMapsTxFreqRejection(t *testing.T) {
	q := &fakeQueue{nextCount: 1_000_000}
	dc := fakeDutyCycle{admitErr: dutycycle.ErrTxFreq}
	s := newServer(q, dc, fakeClock{now: 900_000}, fakeEUI{}, nil)

	assert.Equal(t, gw.TxAckTxFreq, s.admitItem(downFrameItem(868_100_000)))
}

func TestToTxPacketResolvesDelayTiming(t *testing.T) {
	item := &gw.DownlinkFrameItem{
		TxInfo: &gw.DownlinkTxInfo{
			Frequency: 868_500_000,
			Timing: &gw.Timing{Delay: &gw.DelayTiming{
				Context: []byte{0x00, 0x0F, 0x42, 0x40}, // 1_000_000
				Delay:   500,
			}},
		},
	}

	pkt, err := toTxPacket(item)
	require.NoError(t, err)
	assert.Equal(t, hal.TxTimestamped, pkt.Mode)
	assert.Equal(t, uint32(1_000_500), pkt.CountUs)
}

func TestToTxPacketResolvesGPSEpochTiming(t *testing.T) {
	item := &gw.DownlinkFrameItem{
		TxInfo: &gw.DownlinkTxInfo{
			Timing: &gw.Timing{GPSEpoch: &gw.GPSEpochTiming{TimeSinceGPSEpochUs: 2_000_000}},
		},
	}

	pkt, err := toTxPacket(item)
	require.NoError(t, err)
	assert.Equal(t, hal.TxOnGPS, pkt.Mode)
	assert.Equal(t, 2*time.Second, pkt.GPSEpoch)
}

func TestToTxPacketRejectsMissingTxInfo(t *testing.T) {
	_, err := toTxPacket(&gw.DownlinkFrameItem{})
	assert.Error(t, err)
}

func TestHandleConfigForwardsReconfigureSignal(t *testing.T) {
	pool := signalpool.New()
	sub := pool.Subscribe()
	s := newServer(nil, nil, nil, fakeEUI{}, pool)

	wire := gw.GatewayConfiguration{
		Version:         "1",
		MultiSFChannels: make([]gw.ChannelConfiguration, 8),
	}
	wire.MultiSFChannels[0] = gw.ChannelConfiguration{Frequency: 868_100_000}
	payload, err := gw.Marshal(wire)
	require.NoError(t, err)

	go s.handleConfig(payload)

	select {
	case sig := <-sub:
		assert.Equal(t, signalpool.Reconfigure, sig.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("config command did not forward a reconfigure signal")
	}
}

func TestHandleConfigRejectsInvalidConfig(t *testing.T) {
	pool := signalpool.New()
	sub := pool.Subscribe()
	s := newServer(nil, nil, nil, fakeEUI{}, pool)

	s.handleConfig([]byte("not json"))

	select {
	case <-sub:
		t.Fatal("malformed config payload must not forward a signal")
	case <-time.After(50 * time.Millisecond):
	}
}
