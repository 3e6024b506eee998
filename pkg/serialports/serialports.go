// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package serialports finds and opens the USB serial adapters servo buses
// are attached to.
package serialports

import (
	"fmt"
	"path/filepath"
	"runtime"
	"slices"

	"go.bug.st/serial"
)

// Port name patterns of USB serial adapters per operating system
var platformPatterns = map[string][]string{
	"darwin": {
		"/dev/tty.usbserial*",
		"/dev/cu.usbserial*",
		"/dev/tty.usbmodem*",
		"/dev/cu.usbmodem*",
	},
	"linux": {
		"/dev/ttyUSB*",
		"/dev/ttyACM*",
	},
}

// Patterns returns the port name patterns for the running platform. Other
// platforms have none and list every port.
func Patterns() []string {
	return platformPatterns[runtime.GOOS]
}

// List returns the sorted names of the serial ports a servo bus can be on
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	return Filter(ports, Patterns()), nil
}

// Filter keeps the ports matching any pattern, sorted and without
// duplicates. With no patterns every port is kept.
func Filter(ports []string, patterns []string) []string {
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		if len(patterns) == 0 || matchAny(p, patterns) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func matchAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Open opens a port in 8N1 mode
func Open(name string, baudRate int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	return port, nil
}
