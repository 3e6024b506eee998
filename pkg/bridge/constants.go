// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package bridge carries the device backend command surface over a byte
// transport, so the session coordinator can drive a servo bus attached to
// another process or machine.
//
// Every message is a Frame: a CBOR map {1: request id, 2: kind, 3: body,
// 4: error}. Requests and their replies share the request id; scan and read
// streams deliver any number of event frames under the id of the request that
// opened them, ending with a terminal event.
//
// Two transports are provided. WebSocket sends one frame per binary message.
// Stream frames are byte-stuffed and CRC protected for raw byte links such as
// a serial port:
//
//	START | LEN_HI LEN_LO | CBOR... | CRC_HI CRC_LO | END
//
// with START, END and ESC inside the frame escaped as ESC, byte^0x20.
package bridge

// Stream framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Frame size limits
const (
	MaxPayloadSize = 0xFFFF
	lengthSize     = 2
	crcSize        = 2
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Kind identifies the purpose of a frame
type Kind string

// Commands (client to server)
const (
	KindListPorts  Kind = "list_ports"
	KindScan       Kind = "scan_servos"
	KindCancelScan Kind = "cancel_scan"
	KindDisconnect Kind = "disconnect"
	KindRead       Kind = "read_control_table"
	KindWrite      Kind = "write_address"
)

// Replies and stream events (server to client)
const (
	KindAck          Kind = "ack"
	KindPorts        Kind = "ports"
	KindScanFound    Kind = "scan_found"
	KindScanProgress Kind = "scan_progress"
	KindScanFinished Kind = "scan_finished"
	KindReadValue    Kind = "read_value"
	KindReadError    Kind = "read_error"
	KindReadFinished Kind = "read_finished"
	KindError        Kind = "error"
)

// Decoder states (internal)
const (
	stateIdle = iota
	stateLength
	statePayload
	stateCRC
	stateEnd
)
