// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package config loads mttr settings from a YAML file, MTTR_* environment
// variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Thermoquad/mttr/pkg/device"
	"github.com/Thermoquad/mttr/pkg/sim"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "MTTR"

// Backend kinds
const (
	BackendSim       = "sim"
	BackendWebSocket = "ws"
	BackendSerial    = "serial"
)

type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Scan    ScanConfig    `mapstructure:"scan"`
	Models  ModelsConfig  `mapstructure:"models"`
	Log     LogConfig     `mapstructure:"log"`
	Sim     SimConfig     `mapstructure:"sim"`
	Serve   ServeConfig   `mapstructure:"serve"`
}

// BackendConfig selects how mttr reaches the servo bus
type BackendConfig struct {
	Kind             string        `mapstructure:"kind"`
	URL              string        `mapstructure:"url"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	SerialPort       string        `mapstructure:"serial_port"`
	SerialBaud       int           `mapstructure:"serial_baud"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReplyTimeout     time.Duration `mapstructure:"reply_timeout"`
	NoSSLVerify      bool          `mapstructure:"no_ssl_verify"`
}

// ScanConfig holds the default scan parameters
type ScanConfig struct {
	Port     string `mapstructure:"port"`
	Protocol string `mapstructure:"protocol"`
	BaudRate int    `mapstructure:"baud_rate"`
	IDStart  int    `mapstructure:"id_start"`
	IDEnd    int    `mapstructure:"id_end"`
}

// Request converts the scan settings into a scan request
func (s ScanConfig) Request() device.ScanRequest {
	return device.ScanRequest{
		Port:     s.Port,
		Protocol: device.Protocol(s.Protocol),
		BaudRate: s.BaudRate,
		IDStart:  uint8(s.IDStart),
		IDEnd:    uint8(s.IDEnd),
	}
}

type ModelsConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// SimConfig describes the simulated bus used by the sim backend
type SimConfig struct {
	Ports            []string          `mapstructure:"ports"`
	BaudRate         int               `mapstructure:"baud_rate"`
	Latency          time.Duration     `mapstructure:"latency"`
	FailingAddresses []uint16          `mapstructure:"failing_addresses"`
	Servos           []sim.ServoConfig `mapstructure:"servos"`
}

// Options converts the settings into sim bus options
func (s SimConfig) Options() []sim.Option {
	opts := []sim.Option{
		sim.WithLatency(s.Latency),
		sim.WithBaudRate(s.BaudRate),
		sim.WithFailingAddresses(s.FailingAddresses...),
	}
	if len(s.Ports) > 0 {
		opts = append(opts, sim.WithPorts(s.Ports...))
	}
	return opts
}

type ServeConfig struct {
	Listen   string `mapstructure:"listen"`
	Path     string `mapstructure:"path"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// SetDefaults registers every key with its default value. Keys without a
// default are invisible to AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend.kind", BackendSim)
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.username", "")
	v.SetDefault("backend.password", "")
	v.SetDefault("backend.serial_port", "")
	v.SetDefault("backend.serial_baud", 115200)
	v.SetDefault("backend.handshake_timeout", "10s")
	v.SetDefault("backend.reply_timeout", "5s")
	v.SetDefault("backend.no_ssl_verify", false)

	v.SetDefault("scan.port", "")
	v.SetDefault("scan.protocol", string(device.DefaultProtocol))
	v.SetDefault("scan.baud_rate", device.DefaultBaudRate)
	v.SetDefault("scan.id_start", device.MinID)
	v.SetDefault("scan.id_end", device.MaxID)

	v.SetDefault("models.search_paths", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")

	v.SetDefault("sim.ports", []string{"/dev/ttyUSB0"})
	v.SetDefault("sim.baud_rate", device.DefaultBaudRate)
	v.SetDefault("sim.latency", "2ms")
	v.SetDefault("sim.failing_addresses", []uint16{})
	v.SetDefault("sim.servos", []map[string]any{
		{"id": 1, "model_number": 1060},
	})

	v.SetDefault("serve.listen", "127.0.0.1:8765")
	v.SetDefault("serve.path", "/bridge")
	v.SetDefault("serve.username", "")
	v.SetDefault("serve.password", "")
}

// Load reads the configuration. An explicit path must exist; without one
// mttr.yaml is looked up in the working directory and ~/.config/mttr, and a
// missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mttr")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "mttr"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be caught by unmarshalling
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendSim:
	case BackendWebSocket:
		if c.Backend.URL == "" {
			return fmt.Errorf("backend.url is required for the %s backend", BackendWebSocket)
		}
	case BackendSerial:
		if c.Backend.SerialPort == "" {
			return fmt.Errorf("backend.serial_port is required for the %s backend", BackendSerial)
		}
	default:
		return fmt.Errorf("unknown backend kind: %q (use %s, %s or %s)", c.Backend.Kind, BackendSim, BackendWebSocket, BackendSerial)
	}

	if _, err := device.ParseProtocol(c.Scan.Protocol); err != nil {
		return fmt.Errorf("scan.protocol: %w", err)
	}
	if c.Scan.IDStart < device.MinID || c.Scan.IDEnd > device.MaxID || c.Scan.IDStart > c.Scan.IDEnd {
		return fmt.Errorf("scan id range %d-%d must lie within %d-%d", c.Scan.IDStart, c.Scan.IDEnd, device.MinID, device.MaxID)
	}
	return nil
}
