// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package device

import "fmt"

// Protocol is a Dynamixel protocol version ("1.0" or "2.0")
type Protocol string

// Valid reports whether p is a supported protocol version
func (p Protocol) Valid() bool {
	return p == Protocol1 || p == Protocol2
}

// ParseProtocol converts a user-supplied string into a Protocol
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(s)
	if !p.Valid() {
		return "", fmt.Errorf("unsupported protocol: %s", s)
	}
	return p, nil
}

// Identity represents one discovered servo
type Identity struct {
	ID          uint8
	ModelNumber uint16
}

func (i Identity) String() string {
	return fmt.Sprintf("ID %d (Model %d)", i.ID, i.ModelNumber)
}

// ConnectionConfig describes the channel all reads and writes use after a
// scan has committed. It is never modified once committed.
type ConnectionConfig struct {
	Port     string
	Protocol Protocol
	BaudRate int
}

func (c ConnectionConfig) String() string {
	return fmt.Sprintf("%s @ %d bps (protocol %s)", c.Port, c.BaudRate, c.Protocol)
}

// ScanRequest holds the parameters of one discovery scan
type ScanRequest struct {
	Port     string
	Protocol Protocol
	BaudRate int
	IDStart  uint8
	IDEnd    uint8
}

// Config returns the connection described by the request
func (r ScanRequest) Config() ConnectionConfig {
	return ConnectionConfig{Port: r.Port, Protocol: r.Protocol, BaudRate: r.BaudRate}
}

// Total returns the number of ids the scan covers
func (r ScanRequest) Total() int {
	return int(r.IDEnd) - int(r.IDStart) + 1
}

// Validate checks the scan preconditions
func (r ScanRequest) Validate() error {
	if r.Port == "" {
		return fmt.Errorf("no serial port selected")
	}
	if !r.Protocol.Valid() {
		return fmt.Errorf("unsupported protocol: %q", r.Protocol)
	}
	if r.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate: %d", r.BaudRate)
	}
	if r.IDEnd > MaxID {
		return fmt.Errorf("id range end %d exceeds %d", r.IDEnd, MaxID)
	}
	if r.IDStart > r.IDEnd {
		return fmt.Errorf("id range start %d is after end %d", r.IDStart, r.IDEnd)
	}
	return nil
}

// FieldRef addresses one control table field
type FieldRef struct {
	Address uint16
	Size    uint8
}

// ValidSize reports whether size is an encodable field width
func ValidSize(size uint8) bool {
	return size == Size1 || size == Size2 || size == Size4
}
