// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package bridge

import (
	"encoding/binary"
	"fmt"
)

// EncodeStream wraps a CBOR frame in the stuffed, CRC protected stream
// format. Returns the bytes ready for transmission.
func EncodeStream(f *Frame) ([]byte, error) {
	payload, err := MarshalFrame(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", len(payload), MaxPayloadSize)
	}

	// length + payload is what gets CRC'd and byte-stuffed
	data := make([]byte, lengthSize, lengthSize+len(payload)+crcSize)
	binary.BigEndian.PutUint16(data, uint16(len(payload)))
	data = append(data, payload...)

	crc := CalculateCRC(data)
	data = binary.BigEndian.AppendUint16(data, crc)

	stuffed := stuffBytes(data)
	packet := make([]byte, 0, len(stuffed)+2)
	packet = append(packet, StartByte)
	packet = append(packet, stuffed...)
	packet = append(packet, EndByte)
	return packet, nil
}

// stuffBytes replaces START, END and ESC with ESC + (byte XOR EscXor)
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)
	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}
	return result
}

// Decoder implements the stream frame decoder state machine
type Decoder struct {
	state      int
	escapeNext bool
	header     []byte
	payload    []byte
	length     int
	crc        []byte
}

// NewDecoder creates a new stream decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:  stateIdle,
		header: make([]byte, 0, lengthSize),
		crc:    make([]byte, 0, crcSize),
	}
}

// Reset resets the decoder state to idle
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.escapeNext = false
	d.header = d.header[:0]
	d.payload = nil
	d.length = 0
	d.crc = d.crc[:0]
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed frame, or nil if the frame is incomplete. A START byte
// always begins a new frame, discarding any partial one.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	if b == StartByte {
		d.Reset()
		d.state = stateLength
		return nil, nil
	}

	if d.escapeNext {
		d.escapeNext = false
		return nil, d.push(b ^ EscXor)
	}

	switch b {
	case EscByte:
		if d.state == stateIdle {
			return nil, nil
		}
		d.escapeNext = true
		return nil, nil

	case EndByte:
		if d.state == stateIdle {
			return nil, nil
		}
		if d.state != stateEnd {
			state := d.state
			d.Reset()
			return nil, fmt.Errorf("unexpected END byte in state %d", state)
		}
		return d.finish()
	}

	return nil, d.push(b)
}

// push feeds one unstuffed byte to the current state
func (d *Decoder) push(b byte) error {
	switch d.state {
	case stateIdle:
		return nil

	case stateLength:
		d.header = append(d.header, b)
		if len(d.header) < lengthSize {
			return nil
		}
		d.length = int(binary.BigEndian.Uint16(d.header))
		d.payload = make([]byte, 0, d.length)
		d.state = statePayload
		if d.length == 0 {
			d.state = stateCRC
		}
		return nil

	case statePayload:
		d.payload = append(d.payload, b)
		if len(d.payload) == d.length {
			d.state = stateCRC
		}
		return nil

	case stateCRC:
		d.crc = append(d.crc, b)
		if len(d.crc) == crcSize {
			d.state = stateEnd
		}
		return nil

	default:
		d.Reset()
		return fmt.Errorf("frame longer than declared length")
	}
}

func (d *Decoder) finish() (*Frame, error) {
	defer d.Reset()

	data := make([]byte, 0, lengthSize+len(d.payload))
	data = append(data, d.header...)
	data = append(data, d.payload...)
	calculated := CalculateCRC(data)
	received := binary.BigEndian.Uint16(d.crc)
	if received != calculated {
		return nil, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", errCRC, calculated, received)
	}

	return UnmarshalFrame(d.payload)
}
