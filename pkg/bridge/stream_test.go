// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package bridge

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, d *Decoder, data []byte) ([]*Frame, []error) {
	t.Helper()
	var frames []*Frame
	var errs []error
	for _, b := range data {
		f, err := d.DecodeByte(b)
		if err != nil {
			errs = append(errs, err)
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
	return frames, errs
}

func TestCalculateCRC(t *testing.T) {
	// CRC-16/CCITT-FALSE check value
	assert.Equal(t, uint16(0x29B1), CalculateCRC([]byte("123456789")))
	assert.Equal(t, uint16(0xFFFF), CalculateCRC(nil))
}

func TestStreamRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		body any
		kind Kind
	}{
		{"no body", nil, KindAck},
		{"ports", PortsBody{Ports: []string{"/dev/ttyUSB0", "COM3"}}, KindPorts},
		{"value with framing bytes", ValueBody{Address: 0x7E7D, Value: 0x7F7E7D}, KindReadValue},
		{"negative value", ValueBody{Address: 104, Value: -1023}, KindReadValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFrame("req-1", tt.kind, tt.body)
			require.NoError(t, err)
			data, err := EncodeStream(f)
			require.NoError(t, err)

			assert.Equal(t, byte(StartByte), data[0])
			assert.Equal(t, byte(EndByte), data[len(data)-1])
			inner := data[1 : len(data)-1]
			assert.NotContains(t, string(inner), string([]byte{StartByte}))
			assert.NotContains(t, string(inner), string([]byte{EndByte}))

			frames, errs := decodeAll(t, NewDecoder(), data)
			require.Empty(t, errs)
			require.Len(t, frames, 1)
			assert.Equal(t, f.ID, frames[0].ID)
			assert.Equal(t, f.Kind, frames[0].Kind)
			assert.Equal(t, []byte(f.Body), []byte(frames[0].Body))
		})
	}
}

func TestStreamStuffsFramingBytes(t *testing.T) {
	f, err := NewFrame("x", KindReadValue, ValueBody{Address: 0x7E, Value: 0x7D})
	require.NoError(t, err)
	data, err := EncodeStream(f)
	require.NoError(t, err)

	assert.True(t, bytes.Contains(data, []byte{EscByte, StartByte ^ EscXor}))
	assert.True(t, bytes.Contains(data, []byte{EscByte, EscByte ^ EscXor}))
}

func TestDecoderRejectsCorruptFrame(t *testing.T) {
	f, err := NewFrame("req-2", KindScanFinished, FinishedBody{Cancelled: true})
	require.NoError(t, err)
	data, err := EncodeStream(f)
	require.NoError(t, err)

	corrupt := bytes.Clone(data)
	corrupt[5] ^= 0x01
	if corrupt[5] == StartByte || corrupt[5] == EndByte || corrupt[5] == EscByte {
		corrupt[5] ^= 0x02
	}

	d := NewDecoder()
	frames, errs := decodeAll(t, d, corrupt)
	assert.Empty(t, frames)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], errCRC)

	// the decoder recovers on the next frame
	frames, errs = decodeAll(t, d, data)
	assert.Empty(t, errs)
	assert.Len(t, frames, 1)
}

func TestDecoderResynchronises(t *testing.T) {
	f, err := NewFrame("req-3", KindAck, nil)
	require.NoError(t, err)
	data, err := EncodeStream(f)
	require.NoError(t, err)

	// line noise, then a truncated frame, then a full one
	var stream []byte
	stream = append(stream, 0x00, 0x42, EndByte, EscByte)
	stream = append(stream, data[:len(data)/2]...)
	stream = append(stream, data...)

	frames, errs := decodeAll(t, NewDecoder(), stream)
	assert.Empty(t, errs)
	require.Len(t, frames, 1)
	assert.Equal(t, "req-3", frames[0].ID)
}

func TestDecoderUnexpectedEnd(t *testing.T) {
	frames, errs := decodeAll(t, NewDecoder(), []byte{StartByte, 0x00, 0x05, 0x01, EndByte})
	assert.Empty(t, frames)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "unexpected END byte")
}

func TestUnmarshalFrameRequiresKind(t *testing.T) {
	data, err := MarshalFrame(&Frame{ID: "x"})
	require.NoError(t, err)
	_, err = UnmarshalFrame(data)
	assert.Error(t, err)

	_, err = UnmarshalFrame([]byte{0xFF})
	assert.Error(t, err)
}
