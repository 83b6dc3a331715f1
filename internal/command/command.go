// Package command implements the REP socket request handler: gateway_id,
// down and config requests (spec.md §4.6).
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/bramburn/concentratord/internal/config"
	"github.com/bramburn/concentratord/internal/counter"
	"github.com/bramburn/concentratord/internal/dutycycle"
	"github.com/bramburn/concentratord/internal/hal"
	"github.com/bramburn/concentratord/internal/jitqueue"
	"github.com/bramburn/concentratord/internal/signalpool"
	"github.com/bramburn/concentratord/pkg/gw"
)

// Queue is the subset of *jitqueue.Queue the command loop needs.
type Queue interface {
	Enqueue(pkt hal.TxPacket, downlinkID string) (*jitqueue.QueueItem, error)
	Remove(item *jitqueue.QueueItem) bool
}

// DutyCycle is the subset of *dutycycle.Tracker the command loop needs.
type DutyCycle interface {
	Admit(freqHz uint32, txPowerDBm int8, item dutycycle.Item, now time.Duration) error
}

// Clock supplies the concentrator's free-running counter, used to place
// an admitted item on the duty-cycle tracker's unwrapped timeline.
type Clock interface {
	InstantCounter() (uint32, error)
}

// EUIProvider answers the gateway_id request.
type EUIProvider interface {
	GetEUI() ([8]byte, error)
}

// Counters is the subset of the stats loop's accumulator the command
// loop writes to (spec.md §4.7 "tx_received").
type Counters interface {
	IncTxReceived()
}

// Server handles requests on the command REP socket.
type Server struct {
	sock      zmq4.Socket
	cancel    context.CancelFunc
	queue     Queue
	dutyCycle DutyCycle
	clock     Clock
	eui       EUIProvider
	pool      *signalpool.Pool
	counters  Counters
	unwrap    counter.Unwrapper
	logf      func(string, ...any)
}

// Bind starts a REP socket listening on url. The socket's lifetime is
// tied to ctx: canceling it unblocks a pending Recv, which is how Run
// reacts to a stop signal without a separate poll-timeout API (mirrors
// the ctx-scoped socket lifetime the ChirpStack-style client in the
// corpus already assumes). counters may be nil.
func Bind(ctx context.Context, url string, queue Queue, dutyCycle DutyCycle, clock Clock, eui EUIProvider, pool *signalpool.Pool, counters Counters, logf func(string, ...any)) (*Server, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if counters == nil {
		counters = noopCounters{}
	}
	sockCtx, cancel := context.WithCancel(ctx)
	sock := zmq4.NewRep(sockCtx)
	if err := sock.Listen(url); err != nil {
		cancel()
		return nil, fmt.Errorf("command: listen %s: %w", url, err)
	}
	return &Server{sock: sock, cancel: cancel, queue: queue, dutyCycle: dutyCycle, clock: clock, eui: eui, pool: pool, counters: counters, logf: logf}, nil
}

type noopCounters struct{}

func (noopCounters) IncTxReceived() {}

// Close releases the underlying socket.
func (s *Server) Close() error {
	s.cancel()
	return s.sock.Close()
}

// Run services requests until stop fires, which it returns.
func (s *Server) Run(stop <-chan signalpool.Signal) signalpool.Signal {
	go func() {
		sig := <-stop
		s.logf("command: stopping (%v)", sig.Kind)
		s.cancel()
		_ = s.sock.Close()
	}()

	for {
		msg, err := s.sock.Recv()
		if err != nil {
			return signalpool.Signal{Kind: signalpool.Stop}
		}
		if len(msg.Frames) < 1 {
			continue
		}

		reply := s.dispatch(string(msg.Frames[0]), frameOrEmpty(msg.Frames, 1))
		if err := s.sock.Send(zmq4.NewMsgFrom(reply)); err != nil {
			s.logf("command: send reply: %v", err)
		}
	}
}

func frameOrEmpty(frames [][]byte, i int) []byte {
	if i < len(frames) {
		return frames[i]
	}
	return nil
}

func (s *Server) dispatch(cmd string, payload []byte) []byte {
	switch cmd {
	case "gateway_id":
		return s.handleGatewayID()
	case "down":
		return s.handleDown(payload)
	case "config":
		return s.handleConfig(payload)
	default:
		s.logf("command: unknown command %q", cmd)
		return nil
	}
}

func (s *Server) handleGatewayID() []byte {
	eui, err := s.eui.GetEUI()
	if err != nil {
		s.logf("command: gateway_id: %v", err)
		return nil
	}
	return eui[:]
}

func (s *Server) handleDown(payload []byte) []byte {
	var frame gw.DownlinkFrame
	if err := gw.Unmarshal(payload, &frame); err != nil {
		s.logf("command: down: bad payload: %v", err)
		return nil
	}

	ack := gw.DownlinkTxAck{
		GatewayID:  frame.GatewayID,
		DownlinkID: frame.DownlinkID,
		Items:      make([]*gw.DownlinkTxAckItem, len(frame.Items)),
	}

	admitted := false
	for i, item := range frame.Items {
		if s.counters != nil {
			s.counters.IncTxReceived()
		}
		if admitted {
			ack.Items[i] = &gw.DownlinkTxAckItem{Status: gw.TxAckIgnored}
			continue
		}
		status := s.admitItem(item)
		ack.Items[i] = &gw.DownlinkTxAckItem{Status: status}
		if status == gw.TxAckOK {
			admitted = true
		}
	}

	out, err := gw.Marshal(ack)
	if err != nil {
		s.logf("command: down: marshal ack: %v", err)
		return nil
	}
	return out
}

// admitItem runs one DownlinkFrameItem through JIT queue admission and
// then the duty-cycle tracker, rolling the JIT admission back if the
// duty-cycle check fails (spec.md §4.4, §4.6, §7).
func (s *Server) admitItem(item *gw.DownlinkFrameItem) gw.TxAckStatus {
	pkt, err := toTxPacket(item)
	if err != nil {
		s.logf("command: down: item: %v", err)
		return gw.TxAckInternalError
	}

	qitem, err := s.queue.Enqueue(pkt, uuid.NewString())
	if err != nil {
		return jitAckStatus(err)
	}

	nowCounter, err := s.clock.InstantCounter()
	if err != nil {
		s.queue.Remove(qitem)
		return gw.TxAckInternalError
	}
	nowTS := s.unwrap.Unwrap(nowCounter)
	offset := time.Duration(counter.Distance(nowCounter, qitem.CountUs)) * time.Microsecond
	start := nowTS + offset

	dcItem := dutycycle.Item{Start: start, End: start + qitem.PostDelay}
	if err := s.dutyCycle.Admit(pkt.FreqHz, pkt.TxPowerDBm, dcItem, nowTS); err != nil {
		s.queue.Remove(qitem)
		return dutyCycleAckStatus(err)
	}

	return gw.TxAckOK
}

func jitAckStatus(err error) gw.TxAckStatus {
	switch {
	case errors.Is(err, jitqueue.ErrCollision):
		return gw.TxAckCollisionPacket
	case errors.Is(err, jitqueue.ErrQueueFull):
		return gw.TxAckQueueFull
	case errors.Is(err, jitqueue.ErrTooLate):
		return gw.TxAckTooLate
	case errors.Is(err, jitqueue.ErrTooEarly):
		return gw.TxAckTooEarly
	default:
		return gw.TxAckInternalError
	}
}

func dutyCycleAckStatus(err error) gw.TxAckStatus {
	switch {
	case errors.Is(err, dutycycle.ErrTxFreq):
		return gw.TxAckTxFreq
	case errors.Is(err, dutycycle.ErrTxPower):
		return gw.TxAckTxPower
	case errors.Is(err, dutycycle.ErrDutyCycle), errors.Is(err, dutycycle.ErrDutyCycleFutureItems):
		return gw.TxAckDutyCycleOverflow
	default:
		return gw.TxAckInternalError
	}
}

func toTxPacket(item *gw.DownlinkFrameItem) (hal.TxPacket, error) {
	if item == nil || item.TxInfo == nil {
		return hal.TxPacket{}, errors.New("command: missing tx_info")
	}

	pkt := hal.TxPacket{
		FreqHz:     item.TxInfo.Frequency,
		TxPowerDBm: int8(item.TxInfo.Power),
		Payload:    item.PhyPayload,
	}

	if m := item.TxInfo.Modulation; m != nil {
		switch {
		case m.Lora != nil:
			pkt.Lora = &hal.LoraModulation{
				Bandwidth:             m.Lora.Bandwidth,
				SpreadingFactor:       uint8(m.Lora.SpreadingFactor),
				CodeRate:              codeRateToString(m.Lora.CodeRate),
				Preamble:              uint16(m.Lora.Preamble),
				NoCRC:                 m.Lora.NoCRC,
				ImplicitHeader:        m.Lora.ImplicitHeader,
				PolarizationInversion: m.Lora.PolarizationInversion,
			}
		case m.Fsk != nil:
			pkt.Fsk = &hal.FskModulation{
				Datarate:  m.Fsk.Datarate,
				Deviation: m.Fsk.FrequencyDeviation,
			}
		}
	}

	timing := item.TxInfo.Timing
	switch {
	case timing == nil || timing.Immediately != nil:
		pkt.Mode = hal.TxImmediate
	case timing.Delay != nil:
		pkt.Mode = hal.TxTimestamped
		base := contextToCounter(timing.Delay.Context)
		pkt.CountUs = counter.Add(base, timing.Delay.Delay)
	case timing.GPSEpoch != nil:
		pkt.Mode = hal.TxOnGPS
		pkt.GPSEpoch = time.Duration(timing.GPSEpoch.TimeSinceGPSEpochUs) * time.Microsecond
	default:
		pkt.Mode = hal.TxImmediate
	}

	return pkt, nil
}

func contextToCounter(ctx []byte) uint32 {
	var v uint32
	for _, b := range ctx {
		v = v<<8 | uint32(b)
	}
	return v
}

func codeRateToString(cr gw.CodeRate) string {
	switch cr {
	case gw.CodeRate4_5:
		return "4/5"
	case gw.CodeRate4_6:
		return "4/6"
	case gw.CodeRate4_7:
		return "4/7"
	case gw.CodeRate4_8:
		return "4/8"
	default:
		return ""
	}
}

func (s *Server) handleConfig(payload []byte) []byte {
	var wire gw.GatewayConfiguration
	if err := gw.Unmarshal(payload, &wire); err != nil {
		s.logf("command: config: bad payload: %v", err)
		return nil
	}

	cfg, err := config.FromWire(wire)
	if err != nil {
		s.logf("command: config: rejected: %v", err)
		return nil
	}

	if s.pool != nil {
		s.pool.Send(signalpool.Signal{Kind: signalpool.Reconfigure, Config: cfg})
	}
	return nil
}
