// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package device

// ScanEventKind identifies a scan stream event
type ScanEventKind int

const (
	ScanFound ScanEventKind = iota
	ScanProgress
	ScanFinished
	// ScanFailed ends a stream that broke before Finished
	ScanFailed
)

func (k ScanEventKind) String() string {
	switch k {
	case ScanFound:
		return "found"
	case ScanProgress:
		return "progress"
	case ScanFinished:
		return "finished"
	case ScanFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ScanEvent is one message of a scan stream. Only the fields relevant to
// Kind are set.
type ScanEvent struct {
	Kind      ScanEventKind
	Device    Identity
	Current   int
	Total     int
	Cancelled bool
	Err       error
}

// Found creates a ScanFound event
func Found(id Identity) ScanEvent {
	return ScanEvent{Kind: ScanFound, Device: id}
}

// Progress creates a ScanProgress event
func Progress(current, total int) ScanEvent {
	return ScanEvent{Kind: ScanProgress, Current: current, Total: total}
}

// Finished creates a ScanFinished event
func Finished(cancelled bool) ScanEvent {
	return ScanEvent{Kind: ScanFinished, Cancelled: cancelled}
}

// ReadEventKind identifies a read stream event
type ReadEventKind int

const (
	ReadValue ReadEventKind = iota
	ReadError
	ReadFinished
	// ReadFailed ends a stream that broke before Finished
	ReadFailed
)

func (k ReadEventKind) String() string {
	switch k {
	case ReadValue:
		return "value"
	case ReadError:
		return "error"
	case ReadFinished:
		return "finished"
	case ReadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReadEvent is one message of a control table read stream
type ReadEvent struct {
	Kind    ReadEventKind
	Address uint16
	Value   int64
	Message string
	Err     error
}

// Value creates a ReadValue event
func Value(address uint16, value int64) ReadEvent {
	return ReadEvent{Kind: ReadValue, Address: address, Value: value}
}

// FieldError creates a ReadError event
func FieldError(address uint16, message string) ReadEvent {
	return ReadEvent{Kind: ReadError, Address: address, Message: message}
}

// ReadDone creates a ReadFinished event
func ReadDone() ReadEvent {
	return ReadEvent{Kind: ReadFinished}
}
