// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package device

import "context"

// Backend is the command surface of a device backend.
//
// Streaming calls return a channel that delivers events in emission order and
// is closed after the terminal event (Finished or Failed). A channel closed
// without a terminal event means the transport broke.
type Backend interface {
	// ListPorts enumerates serial ports the backend can open
	ListPorts(ctx context.Context) ([]string, error)

	// Scan pings every id in the requested range. On success the backend
	// keeps the bus open for subsequent reads and writes.
	Scan(ctx context.Context, req ScanRequest) (<-chan ScanEvent, error)

	// CancelScan asks a running scan to stop. The scan still ends with
	// Finished(cancelled=true), possibly after a few trailing events.
	CancelScan(ctx context.Context) error

	// Disconnect releases the bus opened by the last scan
	Disconnect(ctx context.Context) error

	// ReadFields reads a batch of fields from one servo
	ReadFields(ctx context.Context, id uint8, fields []FieldRef) (<-chan ReadEvent, error)

	// WriteField writes a single field of one servo
	WriteField(ctx context.Context, id uint8, field FieldRef, value int64) error
}
