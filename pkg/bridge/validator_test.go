// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFrame(t *testing.T, id string, kind Kind, body any) *Frame {
	t.Helper()
	f, err := NewFrame(id, kind, body)
	require.NoError(t, err)
	return f
}

func anomalies(errs []ValidationError) []AnomalyType {
	types := make([]AnomalyType, len(errs))
	for i, e := range errs {
		types[i] = e.Type
	}
	return types
}

func TestValidateFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
		want  []AnomalyType
	}{
		{"list ports", mustFrame(t, "a", KindListPorts, nil), []AnomalyType{}},
		{"scan", mustFrame(t, "a", KindScan, ScanBody{Port: "/dev/ttyUSB0", Protocol: "2.0", BaudRate: 57600, IDEnd: 10}), []AnomalyType{}},
		{"error", &Frame{ID: "a", Kind: KindError, Error: "no such port"}, []AnomalyType{}},
		{"missing id", mustFrame(t, "", KindAck, nil), []AnomalyType{AnomalyMissingID}},
		{"unknown kind", mustFrame(t, "a", Kind("reboot"), nil), []AnomalyType{AnomalyUnknownKind}},
		{"missing body", mustFrame(t, "a", KindReadValue, nil), []AnomalyType{AnomalyMissingBody}},
		{"unexpected body", mustFrame(t, "a", KindAck, PortsBody{}), []AnomalyType{AnomalyUnexpectedBody}},
		{"undecodable body", &Frame{ID: "a", Kind: KindReadValue, Body: []byte{0x61, 0x78}}, []AnomalyType{AnomalyInvalidBody}},
		{"bad write size", mustFrame(t, "a", KindWrite, WriteBody{ServoID: 1, Address: 104, Size: 3}), []AnomalyType{AnomalyInvalidValue}},
		{"bad read sizes", mustFrame(t, "a", KindRead, ReadBody{ServoID: 1, Fields: []FieldBody{{Address: 0, Size: 0}, {Address: 7, Size: 1}, {Address: 8, Size: 8}}}),
			[]AnomalyType{AnomalyInvalidValue, AnomalyInvalidValue}},
		{"found id out of range", mustFrame(t, "a", KindScanFound, FoundBody{ServoID: 253}), []AnomalyType{AnomalyInvalidValue}},
		{"empty progress", mustFrame(t, "a", KindScanProgress, ProgressBody{}), []AnomalyType{AnomalyInvalidValue}},
		{"error without message", &Frame{ID: "a", Kind: KindError}, []AnomalyType{AnomalyErrorText}},
		{"error text on ack", &Frame{ID: "a", Kind: KindAck, Error: "boom"}, []AnomalyType{AnomalyErrorText}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, anomalies(ValidateFrame(tt.frame)))
		})
	}
}

func TestKindClassification(t *testing.T) {
	assert.True(t, KindScan.Command())
	assert.True(t, KindScan.Known())
	assert.False(t, KindScanFound.Command())
	assert.True(t, KindScanFound.Known())
	assert.False(t, Kind("reboot").Known())
}
