// (c) Lukas Lao Beyer, 2016-2017
// Copyright (C) 2020 Google LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package freesrp

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/google/go-freesrp/iq"
	"gopkg.in/yaml.v2"
)

// Environment variables read by LoadConfig.
const (
	envConfigPath  = "FREESRP_CONFIG"
	envTimeoutMs   = "FREESRP_USB_TIMEOUT_MS"
	envRXTransfers = "FREESRP_RX_TRANSFERS"
	envTXTransfers = "FREESRP_TX_TRANSFERS"
	envBufferSize  = "FREESRP_BUFFER_SIZE"
	envQueueSize   = "FREESRP_QUEUE_SIZE"
)

// Config holds the driver tuning knobs.
type Config struct {
	USB    USBConfig    `yaml:"usb"`
	Stream StreamConfig `yaml:"stream"`
	FPGA   FPGAConfig   `yaml:"fpga"`
}

// USBConfig selects devices and bounds control and command transfers.
type USBConfig struct {
	VendorID     uint16 `yaml:"vendorId"`
	ProductID    uint16 `yaml:"productId"`
	FX3VendorID  uint16 `yaml:"fx3VendorId"`
	FX3ProductID uint16 `yaml:"fx3ProductId"`
	TimeoutMs    int    `yaml:"timeoutMs"`
}

// StreamConfig sizes the transfer pools and sample queues.
type StreamConfig struct {
	RXTransfers     int `yaml:"rxTransfers"`
	TXTransfers     int `yaml:"txTransfers"`
	BufferSize      int `yaml:"bufferSize"` // bytes per transfer
	QueueSize       int `yaml:"queueSize"`  // samples per queue
	CancelTimeoutMs int `yaml:"cancelTimeoutMs"`
}

// FPGAConfig bounds the bitstream upload and names the FX3 vendor requests
// that drive the FPGA configuration port.
type FPGAConfig struct {
	LoadTimeoutMs int `yaml:"loadTimeoutMs"`
	SettleMs      int `yaml:"settleMs"`

	StatusRequest uint8 `yaml:"statusRequest"`
	LoadRequest   uint8 `yaml:"loadRequest"`
	FinishRequest uint8 `yaml:"finishRequest"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		USB: USBConfig{
			VendorID:     freesrpVendorID,
			ProductID:    freesrpProductID,
			FX3VendorID:  fx3VendorID,
			FX3ProductID: fx3ProductID,
			TimeoutMs:    250,
		},
		Stream: StreamConfig{
			RXTransfers:     32,
			TXTransfers:     32,
			BufferSize:      64 * 1024,
			QueueSize:       1 << 21,
			CancelTimeoutMs: 2000,
		},
		FPGA: FPGAConfig{
			LoadTimeoutMs: 12000,
			SettleMs:      200,
			StatusRequest: reqFPGAStatus,
			LoadRequest:   reqFPGALoad,
			FinishRequest: reqFPGAFinish,
		},
	}
}

// LoadConfig starts from DefaultConfig, merges the YAML file at path (or
// at $FREESRP_CONFIG when path is empty), applies FREESRP_* environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %v", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %v", err)
	}
	glog.V(1).Infof("Driver configuration: %+v", *cfg)
	return cfg, nil
}

// resolveConfig returns conf, or DefaultConfig if conf is nil, after
// validating it.
func resolveConfig(conf *Config) (*Config, error) {
	if conf == nil {
		conf = DefaultConfig()
	}
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}
	return conf, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range []struct {
		name string
		dst  *int
	}{
		{envTimeoutMs, &cfg.USB.TimeoutMs},
		{envRXTransfers, &cfg.Stream.RXTransfers},
		{envTXTransfers, &cfg.Stream.TXTransfers},
		{envBufferSize, &cfg.Stream.BufferSize},
		{envQueueSize, &cfg.Stream.QueueSize},
	} {
		v := os.Getenv(o.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			glog.Warningf("Ignoring %s=%q: %v", o.name, v, err)
			continue
		}
		*o.dst = n
	}
}

func (cfg *Config) validate() error {
	switch {
	case cfg.USB.TimeoutMs <= 0:
		return fmt.Errorf("usb.timeoutMs = %d, want > 0", cfg.USB.TimeoutMs)
	case cfg.Stream.RXTransfers <= 0 || cfg.Stream.TXTransfers <= 0:
		return fmt.Errorf("stream transfers = %d/%d, want > 0", cfg.Stream.RXTransfers, cfg.Stream.TXTransfers)
	case cfg.Stream.BufferSize <= 0 || cfg.Stream.BufferSize%iq.BytesPerSample != 0:
		return fmt.Errorf("stream.bufferSize = %d, want a positive multiple of %d", cfg.Stream.BufferSize, iq.BytesPerSample)
	case cfg.Stream.QueueSize <= 0:
		return fmt.Errorf("stream.queueSize = %d, want > 0", cfg.Stream.QueueSize)
	case cfg.Stream.CancelTimeoutMs <= 0:
		return fmt.Errorf("stream.cancelTimeoutMs = %d, want > 0", cfg.Stream.CancelTimeoutMs)
	case cfg.FPGA.LoadTimeoutMs <= 0 || cfg.FPGA.SettleMs < 0:
		return fmt.Errorf("fpga timings = %d/%d, want load > 0 and settle >= 0", cfg.FPGA.LoadTimeoutMs, cfg.FPGA.SettleMs)
	case !distinctRequests(reqGetVersion, cfg.FPGA.StatusRequest, cfg.FPGA.LoadRequest, cfg.FPGA.FinishRequest):
		return fmt.Errorf("fpga requests = %#x/%#x/%#x, want distinct and nonzero", cfg.FPGA.StatusRequest, cfg.FPGA.LoadRequest, cfg.FPGA.FinishRequest)
	}
	return nil
}

func distinctRequests(reqs ...uint8) bool {
	seen := make(map[uint8]bool, len(reqs))
	for _, r := range reqs {
		if seen[r] {
			return false
		}
		seen[r] = true
	}
	return true
}

func (cfg *Config) usbTimeout() time.Duration {
	return time.Duration(cfg.USB.TimeoutMs) * time.Millisecond
}

func (cfg *Config) cancelTimeout() time.Duration {
	return time.Duration(cfg.Stream.CancelTimeoutMs) * time.Millisecond
}

func (cfg *Config) fpgaLoadTimeout() time.Duration {
	return time.Duration(cfg.FPGA.LoadTimeoutMs) * time.Millisecond
}

func (cfg *Config) fpgaSettle() time.Duration {
	return time.Duration(cfg.FPGA.SettleMs) * time.Millisecond
}
