// Package config validates and represents the gateway's channel plan:
// up to 8 multi-SF LoRa channels, one LoRa-standard single-SF channel,
// and one FSK channel (spec.md §6 "Reconfigure semantics").
package config

import (
	"errors"

	"github.com/bramburn/concentratord/pkg/gw"
)

// MaxMultiSFChannels is the fixed size of the multi-SF channel table.
const MaxMultiSFChannels = 8

// Validation errors, fatal at startup or in response to a "config"
// command (spec.md §7 "Configuration errors").
var (
	ErrTooManyMultiSFChannels = errors.New("config: more than 8 multi-SF channels")
	ErrTooManySingleSFEntries = errors.New("config: more than one single-SF (LoRa standard) channel")
	ErrTooManyFSKChannels     = errors.New("config: more than one FSK channel")
	ErrBadGatewayID           = errors.New("config: gateway id must be 8 bytes")
)

// Channel is one configured LoRa radio channel. It is a multi-SF channel
// if it names more than one spreading factor, and the (single allowed)
// LoRa-standard channel otherwise (spec.md §6).
type Channel struct {
	FrequencyHz      uint32
	Bandwidth        uint32
	SpreadingFactors []uint8
}

func (c Channel) isMultiSF() bool { return len(c.SpreadingFactors) > 1 }

// FSKChannel is the gateway's single FSK channel.
type FSKChannel struct {
	FrequencyHz uint32
	Bitrate     uint32
}

// GatewayConfiguration is the validated, in-daemon channel plan. It is
// the daemon's own representation; ToWire projects it onto the wire
// shape of the "config" command's payload (pkg/gw.GatewayConfiguration).
type GatewayConfiguration struct {
	Version  string
	Channels []Channel
	FSK      *FSKChannel
}

// Validate checks the constraints of spec.md §6: at most 8 multi-SF
// entries, at most one single-SF entry, at most one FSK channel.
func (c GatewayConfiguration) Validate() error {
	var multiSF, singleSF int
	for _, ch := range c.Channels {
		if ch.isMultiSF() {
			multiSF++
		} else {
			singleSF++
		}
	}
	if multiSF > MaxMultiSFChannels {
		return ErrTooManyMultiSFChannels
	}
	if singleSF > 1 {
		return ErrTooManySingleSFEntries
	}
	return nil
}

// ToWire projects a validated configuration onto the "config" payload
// wire shape: an 8-entry, zero-padded multi-SF array plus always-present
// LoRa-standard and FSK channel entries (spec.md §6 scenario S7).
func (c GatewayConfiguration) ToWire() gw.GatewayConfiguration {
	out := gw.GatewayConfiguration{
		Version:         c.Version,
		MultiSFChannels: make([]gw.ChannelConfiguration, MaxMultiSFChannels),
	}

	idx := 0
	for _, ch := range c.Channels {
		if !ch.isMultiSF() {
			out.LoraStdChannel = gw.ChannelConfiguration{
				Frequency:       ch.FrequencyHz,
				Bandwidth:       ch.Bandwidth,
				SpreadingFactor: uint32(ch.SpreadingFactors[0]),
			}
			continue
		}
		if idx >= MaxMultiSFChannels {
			continue
		}
		out.MultiSFChannels[idx] = gw.ChannelConfiguration{
			Frequency: ch.FrequencyHz,
			Bandwidth: ch.Bandwidth,
		}
		idx++
	}

	if c.FSK != nil {
		out.FskChannel = gw.ChannelConfiguration{
			Frequency: c.FSK.FrequencyHz,
			Bitrate:   c.FSK.Bitrate,
		}
	}

	return out
}

// FromWire validates and converts a GatewayConfiguration received on the
// "config" command into the daemon's internal representation.
func FromWire(in gw.GatewayConfiguration) (GatewayConfiguration, error) {
	out := GatewayConfiguration{Version: in.Version}

	for _, ch := range in.MultiSFChannels {
		if ch.Frequency == 0 {
			continue
		}
		out.Channels = append(out.Channels, Channel{
			FrequencyHz:      ch.Frequency,
			Bandwidth:        ch.Bandwidth,
			SpreadingFactors: []uint8{7, 8, 9, 10, 11, 12}, // SF7..12, the LoRaWAN multi-SF default
		})
	}
	if in.LoraStdChannel.Frequency != 0 {
		out.Channels = append(out.Channels, Channel{
			FrequencyHz:      in.LoraStdChannel.Frequency,
			Bandwidth:        in.LoraStdChannel.Bandwidth,
			SpreadingFactors: []uint8{uint8(in.LoraStdChannel.SpreadingFactor)},
		})
	}
	if in.FskChannel.Frequency != 0 {
		out.FSK = &FSKChannel{FrequencyHz: in.FskChannel.Frequency, Bitrate: in.FskChannel.Bitrate}
	}

	if err := out.Validate(); err != nil {
		return GatewayConfiguration{}, err
	}
	return out, nil
}

// ValidateGatewayID enforces the 8-byte EUI length fatal at startup
// (spec.md §7 "Configuration errors").
func ValidateGatewayID(id []byte) error {
	if len(id) != 8 {
		return ErrBadGatewayID
	}
	return nil
}

