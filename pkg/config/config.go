// Package config loads the monitor configuration from INI files.
// Missing files or keys fall back to defaults, so a zero-config
// start on the default socketcan channel always works.
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"

	"github.com/camino-sys/canmonitor/pkg/can"
)

// Defaults applied when a key is absent.
const (
	DefaultInterface      = "socketcan"
	DefaultChannel        = "can0"
	DefaultBitrate        = 125_000
	DefaultComPort        = "/dev/ttyUSB0"
	DefaultSerialBaudrate = 115_200
	DefaultNodeID         = 1
	DefaultMaxHistory     = 1000

	DefaultTimeout         = time.Second
	DefaultSDOTimeout      = time.Second
	DefaultHeartbeatPeriod = time.Second
)

// Config groups every tunable of the monitor application.
type Config struct {
	CAN can.Config

	// NodeID is the default target of SDO and NMT operations.
	NodeID uint8
	// HeartbeatPeriod configures remote producers, 0 disables them.
	HeartbeatPeriod time.Duration
	// SDOTimeout bounds tracked expedited transfers.
	SDOTimeout time.Duration
	// MaxHistory bounds the retained message history.
	MaxHistory int
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		CAN: can.Config{
			Kind:           DefaultInterface,
			Channel:        DefaultChannel,
			Bitrate:        DefaultBitrate,
			ComPort:        DefaultComPort,
			SerialBaudrate: DefaultSerialBaudrate,
			Timeout:        DefaultTimeout,
		},
		NodeID:          DefaultNodeID,
		HeartbeatPeriod: DefaultHeartbeatPeriod,
		SDOTimeout:      DefaultSDOTimeout,
		MaxHistory:      DefaultMaxHistory,
	}
}

// Load reads an INI file over the defaults. Sections :
//
//	[can]      interface, channel, bitrate, timeout, com_port, serial_baudrate
//	[network]  node_id, heartbeat_period, sdo_timeout
//	[monitor]  max_history
func Load(path string) (Config, error) {
	cfg := Default()

	file, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load %s : %w", path, err)
	}

	canSection := file.Section("can")
	cfg.CAN.Kind = canSection.Key("interface").MustString(cfg.CAN.Kind)
	cfg.CAN.Channel = canSection.Key("channel").MustString(cfg.CAN.Channel)
	cfg.CAN.Bitrate = canSection.Key("bitrate").MustInt(cfg.CAN.Bitrate)
	cfg.CAN.ComPort = canSection.Key("com_port").MustString(cfg.CAN.ComPort)
	cfg.CAN.SerialBaudrate = canSection.Key("serial_baudrate").MustInt(cfg.CAN.SerialBaudrate)
	cfg.CAN.Timeout = canSection.Key("timeout").MustDuration(cfg.CAN.Timeout)

	network := file.Section("network")
	nodeID := network.Key("node_id").MustUint(uint(cfg.NodeID))
	if nodeID > uint(can.NodeIDMask) {
		return cfg, fmt.Errorf("node_id %d out of range", nodeID)
	}
	cfg.NodeID = uint8(nodeID)
	cfg.HeartbeatPeriod = network.Key("heartbeat_period").MustDuration(cfg.HeartbeatPeriod)
	cfg.SDOTimeout = network.Key("sdo_timeout").MustDuration(cfg.SDOTimeout)

	monitorSection := file.Section("monitor")
	cfg.MaxHistory = monitorSection.Key("max_history").MustInt(cfg.MaxHistory)

	return cfg, nil
}
