// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Direction tells which way a frame travelled
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "<-"
	}
	return "->"
}

// FormatFrame formats a frame into a human-readable string
func FormatFrame(f *Frame, dir Direction, at time.Time) string {
	result := fmt.Sprintf("[%s] %s %s id=%s\n", at.Format("15:04:05.000"), dir, FormatKind(f.Kind), shortID(f.ID))
	if f.Kind == KindError || f.Error != "" {
		result += fmt.Sprintf("  Error: %s\n", f.Error)
	}
	if len(f.Body) > 0 || bodies[f.Kind] != nil {
		result += FormatBody(f)
	}
	return result
}

// FormatKind returns the human-readable name for a frame kind
func FormatKind(k Kind) string {
	if !k.Known() {
		return fmt.Sprintf("UNKNOWN(%q)", string(k))
	}
	return strings.ToUpper(string(k))
}

// FormatBody formats the body of a frame based on its kind. Bodies that do
// not decode are shown in CBOR diagnostic notation.
func FormatBody(f *Frame) string {
	newBody, ok := bodies[f.Kind]
	if !ok || newBody == nil {
		return formatDiagnostic(f.Body)
	}
	body := newBody()
	if err := f.Decode(body); err != nil {
		return fmt.Sprintf("  (undecodable: %v)\n", err) + formatDiagnostic(f.Body)
	}

	switch b := body.(type) {
	case *ScanBody:
		return fmt.Sprintf("  Port: %s, Protocol: %s, Baud: %d, IDs: %d-%d\n",
			b.Port, b.Protocol, b.BaudRate, b.IDStart, b.IDEnd)

	case *ReadBody:
		addrs := make([]string, len(b.Fields))
		for i, field := range b.Fields {
			addrs[i] = fmt.Sprintf("%d/%d", field.Address, field.Size)
		}
		return fmt.Sprintf("  Servo: %d, Fields (%d): %s\n", b.ServoID, len(b.Fields), strings.Join(addrs, " "))

	case *WriteBody:
		return fmt.Sprintf("  Servo: %d, Address: %d, Size: %d, Value: %d\n", b.ServoID, b.Address, b.Size, b.Value)

	case *PortsBody:
		if len(b.Ports) == 0 {
			return "  Ports: (none)\n"
		}
		return fmt.Sprintf("  Ports: %s\n", strings.Join(b.Ports, ", "))

	case *FoundBody:
		return fmt.Sprintf("  Servo: %d, Model: %d\n", b.ServoID, b.ModelNumber)

	case *ProgressBody:
		return fmt.Sprintf("  Progress: %d/%d\n", b.Current, b.Total)

	case *FinishedBody:
		if b.Cancelled {
			return "  Cancelled: Yes\n"
		}
		return "  Cancelled: No\n"

	case *ValueBody:
		return fmt.Sprintf("  Address: %d, Value: %d\n", b.Address, b.Value)

	case *FieldErrorBody:
		return fmt.Sprintf("  Address: %d, Error: %s\n", b.Address, b.Message)

	default:
		return formatDiagnostic(f.Body)
	}
}

func formatDiagnostic(data []byte) string {
	if len(data) == 0 {
		return "  (no body)\n"
	}
	diag, err := cbor.Diagnose(data)
	if err != nil {
		return fmt.Sprintf("  Raw: % X\n", data)
	}
	return fmt.Sprintf("  Body: %s\n", diag)
}

// shortID trims a request id to its first group for display
func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
