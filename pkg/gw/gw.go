// Package gw defines the wire message schema exchanged between the
// concentrator daemon and network-server clients over the command and
// event sockets. The concrete on-the-wire encoding of these messages is
// out of scope for this daemon (spec.md §1 Non-goals); Marshal/Unmarshal
// here provide a concrete, testable stand-in codec (JSON) for the
// "opaque schema of named fields" the spec describes, since no .proto
// toolchain is available in this build.
package gw

import (
	"encoding/json"
	"fmt"
)

// CodeRate is the LoRa forward error correction coding rate.
type CodeRate int32

const (
	CodeRateUndefined CodeRate = 0
	CodeRate4_5       CodeRate = 1
	CodeRate4_6       CodeRate = 2
	CodeRate4_7       CodeRate = 3
	CodeRate4_8       CodeRate = 4
)

func (c CodeRate) String() string {
	switch c {
	case CodeRate4_5:
		return "4/5"
	case CodeRate4_6:
		return "4/6"
	case CodeRate4_7:
		return "4/7"
	case CodeRate4_8:
		return "4/8"
	default:
		return "undefined"
	}
}

// TxAckStatus is the per-item outcome reported in a DownlinkTxAck.
type TxAckStatus int32

const (
	TxAckIgnored            TxAckStatus = 0
	TxAckOK                 TxAckStatus = 1
	TxAckTooLate            TxAckStatus = 2
	TxAckTooEarly           TxAckStatus = 3
	TxAckCollisionPacket    TxAckStatus = 4
	TxAckCollisionBeacon    TxAckStatus = 5
	TxAckTxFreq             TxAckStatus = 6
	TxAckTxPower            TxAckStatus = 7
	TxAckQueueFull          TxAckStatus = 8
	TxAckInternalError      TxAckStatus = 9
	TxAckDutyCycleOverflow  TxAckStatus = 10
)

func (s TxAckStatus) String() string {
	switch s {
	case TxAckOK:
		return "OK"
	case TxAckIgnored:
		return "IGNORED"
	case TxAckTooLate:
		return "TOO_LATE"
	case TxAckTooEarly:
		return "TOO_EARLY"
	case TxAckCollisionPacket:
		return "COLLISION_PACKET"
	case TxAckCollisionBeacon:
		return "COLLISION_BEACON"
	case TxAckTxFreq:
		return "TX_FREQ"
	case TxAckTxPower:
		return "TX_POWER"
	case TxAckQueueFull:
		return "QUEUE_FULL"
	case TxAckInternalError:
		return "INTERNAL_ERROR"
	case TxAckDutyCycleOverflow:
		return "DUTY_CYCLE_OVERFLOW"
	default:
		return "UNKNOWN"
	}
}

// CRCStatus is the uplink frame's CRC check outcome.
type CRCStatus int32

const (
	CRCUndefined CRCStatus = 0
	CRCOK        CRCStatus = 1
	CRCFail      CRCStatus = 2
	CRCNone      CRCStatus = 3
)

// Modulation carries either LoRa or FSK parameters; exactly one is set.
type Modulation struct {
	Lora *LoraModulation `json:"lora,omitempty"`
	Fsk  *FskModulation  `json:"fsk,omitempty"`
}

// LoraModulation is the LoRa-specific modulation parameter set.
type LoraModulation struct {
	Bandwidth             uint32   `json:"bandwidth"`
	SpreadingFactor       uint32   `json:"spreading_factor"`
	CodeRate              CodeRate `json:"code_rate"`
	Preamble              uint32   `json:"preamble"`
	NoCRC                 bool     `json:"no_crc"`
	ImplicitHeader        bool     `json:"implicit_header"`
	PolarizationInversion bool     `json:"polarization_inversion"`
}

// FskModulation is the FSK-specific modulation parameter set.
type FskModulation struct {
	Datarate           uint32 `json:"datarate"`
	FrequencyDeviation uint32 `json:"frequency_deviation"`
}

// Timing carries the requested TX mode for a downlink item; exactly one
// of its fields is set.
type Timing struct {
	Immediately *ImmediatelyTiming `json:"immediately,omitempty"`
	Delay       *DelayTiming       `json:"delay,omitempty"`
	GPSEpoch    *GPSEpochTiming    `json:"gps_epoch,omitempty"`
}

// ImmediatelyTiming requests ASAP transmission.
type ImmediatelyTiming struct{}

// DelayTiming requests transmission Delay after the counter value in
// Context (the 4 big-endian bytes of the count_us the corresponding
// uplink was received at).
type DelayTiming struct {
	Context []byte `json:"context"`
	Delay   uint32 `json:"delay_us"`
}

// GPSEpochTiming requests transmission at a GPS-epoch-relative time.
type GPSEpochTiming struct {
	TimeSinceGPSEpochUs uint64 `json:"time_since_gps_epoch_us"`
}

// DownlinkTxInfo carries the TX parameters for one downlink opportunity.
type DownlinkTxInfo struct {
	Frequency  uint32      `json:"frequency"`
	Power      int32       `json:"power"`
	Modulation *Modulation `json:"modulation"`
	Timing     *Timing     `json:"timing"`
}

// DownlinkFrameItem is a single candidate downlink opportunity. The
// command loop admits the first item that validates.
type DownlinkFrameItem struct {
	PhyPayload []byte          `json:"phy_payload"`
	TxInfo     *DownlinkTxInfo `json:"tx_info"`
}

// DownlinkFrame is the payload of a "down" command.
type DownlinkFrame struct {
	DownlinkID string               `json:"downlink_id"`
	GatewayID  string               `json:"gateway_id"`
	Items      []*DownlinkFrameItem `json:"items"`
}

// DownlinkTxAckItem is the admission outcome of one DownlinkFrameItem.
type DownlinkTxAckItem struct {
	Status TxAckStatus `json:"status"`
}

// DownlinkTxAck is the reply to a "down" command.
type DownlinkTxAck struct {
	GatewayID  string               `json:"gateway_id"`
	DownlinkID string               `json:"downlink_id"`
	Token      []byte               `json:"token,omitempty"`
	Items      []*DownlinkTxAckItem `json:"items"`
}

// UplinkTxInfo is the derived modulation metadata of a received frame.
type UplinkTxInfo struct {
	Frequency  uint32      `json:"frequency"`
	Modulation *Modulation `json:"modulation"`
}

// Location is a geographic fix attached to an uplink frame.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float32 `json:"altitude"`
}

// UplinkRxInfo is the reception metadata attached to an uplink frame.
type UplinkRxInfo struct {
	GatewayID         string    `json:"gateway_id"`
	UplinkID          string    `json:"uplink_id"`
	Context           []byte    `json:"context"`
	RSSI              int32     `json:"rssi"`
	SNR               float32   `json:"snr"`
	Channel           uint32    `json:"channel"`
	RfChain           uint32    `json:"rf_chain"`
	CrcStatus         CRCStatus `json:"crc_status"`
	GwTimeUnixNanos   *int64    `json:"gw_time_unix_nanos,omitempty"`
	TimeSinceGPSEpoch *uint64   `json:"time_since_gps_epoch_us,omitempty"`
	Location          *Location `json:"location,omitempty"`
}

// UplinkFrame is the payload of an "up" event.
type UplinkFrame struct {
	PhyPayload []byte        `json:"phy_payload"`
	TxInfo     *UplinkTxInfo `json:"tx_info"`
	RxInfo     *UplinkRxInfo `json:"rx_info"`
}

// GatewayStats is the payload of a "stats" event.
type GatewayStats struct {
	GatewayID           string             `json:"gateway_id"`
	RxPacketsReceived   uint32             `json:"rx_packets_received"`
	RxPacketsReceivedOK uint32             `json:"rx_packets_received_ok"`
	TxPacketsReceived   uint32             `json:"tx_packets_received"`
	TxPacketsEmitted    uint32             `json:"tx_packets_emitted"`
	TxPacketsPerFreq    map[uint32]uint32  `json:"tx_packets_per_frequency,omitempty"`
	RxPacketsPerModulation map[string]uint32 `json:"rx_packets_per_modulation,omitempty"`
	DutyCycleLoadPercent map[string]float64 `json:"duty_cycle_load_percent,omitempty"`
	ConcentratorTemperature *float32        `json:"concentrator_temperature,omitempty"`
	Location            *Location          `json:"location,omitempty"`
	Metadata            map[string]string  `json:"metadata,omitempty"`
}

// ChannelConfiguration describes a single configured radio channel.
type ChannelConfiguration struct {
	Frequency       uint32 `json:"frequency"`
	Bandwidth       uint32 `json:"bandwidth,omitempty"`
	SpreadingFactor uint32 `json:"spreading_factor,omitempty"`
	Bitrate         uint32 `json:"bitrate,omitempty"`
}

// GatewayConfiguration replaces the channel plan. MultiSFChannels always
// holds exactly 8 entries, zero-frequency-padded when fewer are
// configured; LoraStdChannel/FskChannel are always present, with a zero
// Frequency when unconfigured, matching the wire shape the reference
// daemon emits (spec.md §6 scenario S7).
type GatewayConfiguration struct {
	Version         string                 `json:"version"`
	MultiSFChannels []ChannelConfiguration `json:"multi_sf_channels"`
	LoraStdChannel  ChannelConfiguration   `json:"lora_std_channel"`
	FskChannel      ChannelConfiguration   `json:"fsk_channel"`
}

// GetGatewayIDResponse wraps a gateway id. The command loop does not use
// it: its "gateway_id" reply is the raw 8 EUI bytes.
type GetGatewayIDResponse struct {
	GatewayID []byte `json:"gateway_id"`
}

// Marshal encodes v using the daemon's local wire codec.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("gw: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes b into v using the daemon's local wire codec.
func Unmarshal(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("gw: unmarshal: %w", err)
	}
	return nil
}
