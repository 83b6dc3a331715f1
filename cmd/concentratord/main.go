package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bramburn/concentratord/internal/config"
	"github.com/bramburn/concentratord/internal/daemon"
	"github.com/bramburn/concentratord/internal/dutycycle"
	"github.com/bramburn/concentratord/internal/gnss"
	"github.com/bramburn/concentratord/internal/hal"
	"github.com/bramburn/concentratord/internal/signalpool"
	"github.com/bramburn/concentratord/internal/stats"
)

func main() {
	gatewayIDHex := flag.String("gateway-id", "", "8-byte gateway EUI, hex-encoded (16 chars)")
	commandURL := flag.String("command-url", "ipc:///tmp/concentratord_command", "REP socket bind address")
	eventURL := flag.String("event-url", "ipc:///tmp/concentratord_event", "PUB socket bind address")
	gnssPort := flag.String("gnss-port", "", "GNSS receiver serial port (empty disables GNSS)")
	gnssBaud := flag.Int("gnss-baud", 9600, "GNSS receiver baud rate")
	statsInterval := flag.Duration("stats-interval", 30*time.Second, "stats publish interval")
	disableCRCFilter := flag.Bool("disable-crc-filter", false, "publish uplinks with a failed CRC check")
	timeFallback := flag.Bool("time-fallback", false, "fall back to system time when the time bridge has no reference")
	dutyCycleEnforce := flag.Bool("duty-cycle-enforce", true, "reject downlinks that would exceed the regulatory duty-cycle budget")
	beaconEnabled := flag.Bool("beacon", false, "enable the class-B beacon loop (requires GNSS)")
	model := flag.String("model", "sx1302", "concentrator board model, reported in stats metadata")
	daemonVersion := flag.String("daemon-version", "0.1.0", "daemon version, reported in stats metadata")
	flag.Parse()

	if *gatewayIDHex == "" {
		fmt.Println("Error: -gateway-id is required")
		flag.Usage()
		os.Exit(1)
	}

	eui, err := decodeGatewayID(*gatewayIDHex)
	if err != nil {
		log.Fatalf("concentratord: %v", err)
	}

	var gnssCfg *daemon.GNSSConfig
	if *gnssPort != "" {
		gnssCfg = &daemon.GNSSConfig{Port: gnss.NewGNSSSerialPort(), PortName: *gnssPort, BaudRate: *gnssBaud}
	}

	var beaconCfg *daemon.BeaconConfig
	if *beaconEnabled {
		if gnssCfg == nil {
			log.Fatal("concentratord: -beacon requires -gnss-port")
		}
		beaconCfg = defaultBeaconConfig()
	}

	cfg := daemon.Config{
		GatewayID:        eui,
		ChannelPlan:      config.GatewayConfiguration{Version: "initial"},
		Bands:            defaultEU868Bands(),
		DutyCycleWindow:  time.Hour,
		DutyCycleEnforce: *dutyCycleEnforce,
		CommandURL:       *commandURL,
		EventURL:         *eventURL,
		StatsInterval:    *statsInterval,
		Metadata:         stats.Metadata{DaemonVersion: *daemonVersion, Model: *model, HALVersion: "simulator"},
		DisableCRCFilter: *disableCRCFilter,
		TimeFallback:     *timeFallback,
		GNSS:             gnssCfg,
		Beacon:           beaconCfg,
		Logf:             log.Printf,
	}

	// The vendor HAL binding (libloragw, SPI/USB transport) is an
	// explicit Non-goal; this entrypoint always drives the in-memory
	// Simulator. A real deployment swaps this line for a vendor driver
	// constructed from board-specific configuration.
	driver := hal.NewSimulator(eui)

	runGenerations(cfg, driver)
}

// runGenerations loops daemon.Run, restarting a fresh generation on
// every Reconfigure signal, exiting after Stop (spec.md §2 "The main
// runs a reconfigure loop around this sequence").
func runGenerations(cfg daemon.Config, driver hal.Driver) {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		sig, err := daemon.Run(rootCtx, cfg, driver)
		if err != nil {
			log.Fatalf("concentratord: %v", err)
		}
		if sig.Kind != signalpool.Reconfigure {
			log.Print("concentratord: stopped")
			return
		}

		plan, ok := sig.Config.(config.GatewayConfiguration)
		if !ok {
			log.Fatalf("concentratord: reconfigure signal carried unexpected config type %T", sig.Config)
		}
		log.Printf("concentratord: reconfiguring (version=%s)", plan.Version)
		cfg.ChannelPlan = plan

		if rootCtx.Err() != nil {
			log.Print("concentratord: stop requested during reconfigure, exiting")
			return
		}
	}
}

// decodeGatewayID parses a 16-character hex string into an 8-byte EUI.
func decodeGatewayID(s string) ([8]byte, error) {
	var eui [8]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return eui, fmt.Errorf("invalid -gateway-id: %w", err)
	}
	if err := config.ValidateGatewayID(b); err != nil {
		return eui, err
	}
	copy(eui[:], b)
	return eui, nil
}

// defaultEU868Bands is the EU868 regulatory table used when no
// per-board frequency/gain table is supplied (loading one from a TOML
// file is an explicit Non-goal); it reproduces the M-band used by
// spec.md §8 scenario S8.
func defaultEU868Bands() []dutycycle.Band {
	return []dutycycle.Band{
		{Label: "eu868-g", FreqMin: 863_000_000, FreqMax: 868_000_000, MaxDutyPermille: 10, MaxTxPowerDBm: 14},
		{Label: "eu868-g1", FreqMin: 868_000_000, FreqMax: 868_600_000, MaxDutyPermille: 10, MaxTxPowerDBm: 14},
		{Label: "eu868-g2", FreqMin: 868_700_000, FreqMax: 869_200_000, MaxDutyPermille: 10, MaxTxPowerDBm: 14},
		{Label: "eu868-g3", FreqMin: 869_400_000, FreqMax: 869_650_000, MaxDutyPermille: 100, MaxTxPowerDBm: 27},
		{Label: "eu868-g4", FreqMin: 869_700_000, FreqMax: 870_000_000, MaxDutyPermille: 10, MaxTxPowerDBm: 14},
	}
}

// defaultBeaconConfig is the class-B beacon's LoRa modulation and
// frequency-hop plan for the EU868 region.
func defaultBeaconConfig() *daemon.BeaconConfig {
	return &daemon.BeaconConfig{
		RFUSize:     2,
		Frequencies: []uint32{869_525_000},
		TxPowerDBm:  14,
		Lora: &hal.LoraModulation{
			Bandwidth:       125_000,
			SpreadingFactor: 9,
			CodeRate:        "4/5",
			Preamble:        10,
		},
	}
}
