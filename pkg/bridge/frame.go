// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package bridge

import (
	"cmp"
	"fmt"

	"github.com/Thermoquad/mttr/pkg/device"
	"github.com/fxamacker/cbor/v2"
)

// Frame is one bridge message
type Frame struct {
	ID    string          `cbor:"1,keyasint"`
	Kind  Kind            `cbor:"2,keyasint"`
	Body  cbor.RawMessage `cbor:"3,keyasint,omitempty"`
	Error string          `cbor:"4,keyasint,omitempty"`
}

// NewFrame creates a frame carrying body. A nil body is omitted.
func NewFrame(id string, kind Kind, body any) (*Frame, error) {
	f := &Frame{ID: id, Kind: kind}
	if body == nil {
		return f, nil
	}
	data, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", kind, err)
	}
	f.Body = data
	return f, nil
}

// ErrorFrame creates a reply reporting err
func ErrorFrame(id string, err error) *Frame {
	return &Frame{ID: id, Kind: KindError, Error: err.Error()}
}

// Decode unmarshals the frame body into v
func (f *Frame) Decode(v any) error {
	if len(f.Body) == 0 {
		return fmt.Errorf("%s frame has no body", f.Kind)
	}
	if err := cbor.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", f.Kind, err)
	}
	return nil
}

// Terminal reports whether the frame ends a scan or read stream
func (f *Frame) Terminal() bool {
	switch f.Kind {
	case KindScanFinished, KindReadFinished, KindError:
		return true
	default:
		return false
	}
}

// MarshalFrame encodes f as CBOR
func MarshalFrame(f *Frame) ([]byte, error) {
	return cbor.Marshal(f)
}

// UnmarshalFrame decodes a CBOR frame
func UnmarshalFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if f.Kind == "" {
		return nil, fmt.Errorf("invalid frame: missing kind")
	}
	return &f, nil
}

// Command bodies

// ScanBody carries a scan request
type ScanBody struct {
	Port     string `cbor:"1,keyasint"`
	Protocol string `cbor:"2,keyasint"`
	BaudRate int    `cbor:"3,keyasint"`
	IDStart  uint8  `cbor:"4,keyasint"`
	IDEnd    uint8  `cbor:"5,keyasint"`
}

func scanBody(req device.ScanRequest) ScanBody {
	return ScanBody{
		Port:     req.Port,
		Protocol: string(req.Protocol),
		BaudRate: req.BaudRate,
		IDStart:  req.IDStart,
		IDEnd:    req.IDEnd,
	}
}

// Request converts the body back into a scan request
func (b ScanBody) Request() device.ScanRequest {
	return device.ScanRequest{
		Port:     b.Port,
		Protocol: device.Protocol(b.Protocol),
		BaudRate: b.BaudRate,
		IDStart:  b.IDStart,
		IDEnd:    b.IDEnd,
	}
}

// FieldBody addresses one control table field
type FieldBody struct {
	Address uint16 `cbor:"1,keyasint"`
	Size    uint8  `cbor:"2,keyasint"`
}

// ReadBody carries a control table read request
type ReadBody struct {
	ServoID uint8       `cbor:"1,keyasint"`
	Fields  []FieldBody `cbor:"2,keyasint"`
}

// Refs returns the requested fields
func (b ReadBody) Refs() []device.FieldRef {
	refs := make([]device.FieldRef, len(b.Fields))
	for i, f := range b.Fields {
		refs[i] = device.FieldRef{Address: f.Address, Size: f.Size}
	}
	return refs
}

func readBody(id uint8, refs []device.FieldRef) ReadBody {
	fields := make([]FieldBody, len(refs))
	for i, r := range refs {
		fields[i] = FieldBody{Address: r.Address, Size: r.Size}
	}
	return ReadBody{ServoID: id, Fields: fields}
}

// WriteBody carries a single field write
type WriteBody struct {
	ServoID uint8  `cbor:"1,keyasint"`
	Address uint16 `cbor:"2,keyasint"`
	Size    uint8  `cbor:"3,keyasint"`
	Value   int64  `cbor:"4,keyasint"`
}

// Ref returns the written field
func (b WriteBody) Ref() device.FieldRef {
	return device.FieldRef{Address: b.Address, Size: b.Size}
}

// Reply and event bodies

// PortsBody lists serial ports
type PortsBody struct {
	Ports []string `cbor:"1,keyasint"`
}

// FoundBody reports a discovered servo
type FoundBody struct {
	ServoID     uint8  `cbor:"1,keyasint"`
	ModelNumber uint16 `cbor:"2,keyasint"`
}

// ProgressBody reports scan progress
type ProgressBody struct {
	Current int `cbor:"1,keyasint"`
	Total   int `cbor:"2,keyasint"`
}

// FinishedBody ends a scan stream
type FinishedBody struct {
	Cancelled bool `cbor:"1,keyasint"`
}

// ValueBody reports one field value
type ValueBody struct {
	Address uint16 `cbor:"1,keyasint"`
	Value   int64  `cbor:"2,keyasint"`
}

// FieldErrorBody reports a field that could not be read
type FieldErrorBody struct {
	Address uint16 `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
}

// scanEventFrame converts a scan event into its stream frame
func scanEventFrame(id string, ev device.ScanEvent) (*Frame, error) {
	switch ev.Kind {
	case device.ScanFound:
		return NewFrame(id, KindScanFound, FoundBody{ServoID: ev.Device.ID, ModelNumber: ev.Device.ModelNumber})
	case device.ScanProgress:
		return NewFrame(id, KindScanProgress, ProgressBody{Current: ev.Current, Total: ev.Total})
	case device.ScanFinished:
		return NewFrame(id, KindScanFinished, FinishedBody{Cancelled: ev.Cancelled})
	case device.ScanFailed:
		return ErrorFrame(id, cmp.Or(ev.Err, device.ErrStreamClosed)), nil
	default:
		return nil, fmt.Errorf("unknown scan event kind: %d", ev.Kind)
	}
}

// scanEvent converts a stream frame back into a scan event
func scanEvent(f *Frame) (device.ScanEvent, error) {
	switch f.Kind {
	case KindScanFound:
		var b FoundBody
		if err := f.Decode(&b); err != nil {
			return device.ScanEvent{}, err
		}
		return device.Found(device.Identity{ID: b.ServoID, ModelNumber: b.ModelNumber}), nil
	case KindScanProgress:
		var b ProgressBody
		if err := f.Decode(&b); err != nil {
			return device.ScanEvent{}, err
		}
		return device.Progress(b.Current, b.Total), nil
	case KindScanFinished:
		var b FinishedBody
		if err := f.Decode(&b); err != nil {
			return device.ScanEvent{}, err
		}
		return device.Finished(b.Cancelled), nil
	case KindError:
		return device.ScanEvent{Kind: device.ScanFailed, Err: RemoteError(f.Error)}, nil
	default:
		return device.ScanEvent{}, fmt.Errorf("unexpected %s frame in scan stream", f.Kind)
	}
}

// readEventFrame converts a read event into its stream frame
func readEventFrame(id string, ev device.ReadEvent) (*Frame, error) {
	switch ev.Kind {
	case device.ReadValue:
		return NewFrame(id, KindReadValue, ValueBody{Address: ev.Address, Value: ev.Value})
	case device.ReadError:
		return NewFrame(id, KindReadError, FieldErrorBody{Address: ev.Address, Message: ev.Message})
	case device.ReadFinished:
		return NewFrame(id, KindReadFinished, nil)
	case device.ReadFailed:
		return ErrorFrame(id, cmp.Or(ev.Err, device.ErrStreamClosed)), nil
	default:
		return nil, fmt.Errorf("unknown read event kind: %d", ev.Kind)
	}
}

// readEvent converts a stream frame back into a read event
func readEvent(f *Frame) (device.ReadEvent, error) {
	switch f.Kind {
	case KindReadValue:
		var b ValueBody
		if err := f.Decode(&b); err != nil {
			return device.ReadEvent{}, err
		}
		return device.Value(b.Address, b.Value), nil
	case KindReadError:
		var b FieldErrorBody
		if err := f.Decode(&b); err != nil {
			return device.ReadEvent{}, err
		}
		return device.FieldError(b.Address, b.Message), nil
	case KindReadFinished:
		return device.ReadDone(), nil
	case KindError:
		return device.ReadEvent{Kind: device.ReadFailed, Err: RemoteError(f.Error)}, nil
	default:
		return device.ReadEvent{}, fmt.Errorf("unexpected %s frame in read stream", f.Kind)
	}
}

// RemoteError is an error reported by the far side of the bridge
type RemoteError string

func (e RemoteError) Error() string {
	return string(e)
}
