// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package device defines the types shared between the session coordinator
// and a Dynamixel device backend: servo identities, connection parameters,
// the scan/read event streams and the Backend command surface.
//
// The backend performs the real serial I/O and protocol framing. Everything
// in this package is transport-agnostic.
package device

// Identity space on a shared Dynamixel bus
const (
	MinID = 0
	MaxID = 252
)

// Supported protocol versions
const (
	Protocol1 Protocol = "1.0"
	Protocol2 Protocol = "2.0"
)

// Default scan parameters
const (
	DefaultProtocol = Protocol2
	DefaultBaudRate = 57600
)

// BaudRates lists the bus speeds offered for scanning
var BaudRates = []int{9600, 57600, 115200, 1000000}

// Field sizes in bytes
const (
	Size1 = 1
	Size2 = 2
	Size4 = 4
)
