// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package bridge

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/mttr/pkg/device"
)

// AnomalyType represents different types of frame anomalies
type AnomalyType int

const (
	AnomalyMissingID AnomalyType = iota
	AnomalyUnknownKind
	AnomalyMissingBody
	AnomalyUnexpectedBody
	AnomalyInvalidBody
	AnomalyInvalidValue
	AnomalyErrorText
)

// ValidationError represents a frame validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// bodies returns a fresh body value for each kind that carries one. Kinds
// mapped to nil carry no body.
var bodies = map[Kind]func() any{
	KindListPorts:    nil,
	KindScan:         func() any { return new(ScanBody) },
	KindCancelScan:   nil,
	KindDisconnect:   nil,
	KindRead:         func() any { return new(ReadBody) },
	KindWrite:        func() any { return new(WriteBody) },
	KindAck:          nil,
	KindPorts:        func() any { return new(PortsBody) },
	KindScanFound:    func() any { return new(FoundBody) },
	KindScanProgress: func() any { return new(ProgressBody) },
	KindScanFinished: func() any { return new(FinishedBody) },
	KindReadValue:    func() any { return new(ValueBody) },
	KindReadError:    func() any { return new(FieldErrorBody) },
	KindReadFinished: nil,
	KindError:        nil,
}

// Known reports whether k is part of the protocol
func (k Kind) Known() bool {
	_, ok := bodies[k]
	return ok
}

// Command reports whether k is sent by clients
func (k Kind) Command() bool {
	switch k {
	case KindListPorts, KindScan, KindCancelScan, KindDisconnect, KindRead, KindWrite:
		return true
	default:
		return false
	}
}

// ValidateFrame checks the envelope of a frame and decodes its body.
// Returns a slice of validation errors (empty if the frame is valid).
func ValidateFrame(f *Frame) []ValidationError {
	errs := []ValidationError{}

	if f.ID == "" {
		errs = append(errs, ValidationError{Type: AnomalyMissingID, Message: fmt.Sprintf("%s frame has no request id", f.Kind)})
	}

	newBody, ok := bodies[f.Kind]
	if !ok {
		return append(errs, ValidationError{Type: AnomalyUnknownKind, Message: fmt.Sprintf("unknown frame kind %q", f.Kind)})
	}

	switch {
	case f.Kind == KindError && f.Error == "":
		errs = append(errs, ValidationError{Type: AnomalyErrorText, Message: "error frame has no message"})
	case f.Kind != KindError && f.Error != "":
		errs = append(errs, ValidationError{Type: AnomalyErrorText, Message: fmt.Sprintf("%s frame carries error text", f.Kind)})
	}

	switch {
	case newBody == nil:
		if len(f.Body) > 0 {
			errs = append(errs, ValidationError{Type: AnomalyUnexpectedBody, Message: fmt.Sprintf("%s frame carries a body", f.Kind)})
		}
	case len(f.Body) == 0:
		errs = append(errs, ValidationError{Type: AnomalyMissingBody, Message: fmt.Sprintf("%s frame has no body", f.Kind)})
	default:
		body := newBody()
		if err := f.Decode(body); err != nil {
			errs = append(errs, ValidationError{Type: AnomalyInvalidBody, Message: err.Error()})
			break
		}
		errs = append(errs, validateBody(body)...)
	}

	return errs
}

// validateBody checks values a body must hold regardless of the backend
func validateBody(body any) []ValidationError {
	errs := []ValidationError{}
	invalid := func(format string, args ...any) {
		errs = append(errs, ValidationError{Type: AnomalyInvalidValue, Message: fmt.Sprintf(format, args...)})
	}

	switch b := body.(type) {
	case *ReadBody:
		for _, field := range b.Fields {
			if !device.ValidSize(field.Size) {
				invalid("field %d has invalid size %d", field.Address, field.Size)
			}
		}
	case *WriteBody:
		if !device.ValidSize(b.Size) {
			invalid("field %d has invalid size %d", b.Address, b.Size)
		}
	case *FoundBody:
		if b.ServoID > device.MaxID {
			invalid("servo id %d exceeds %d", b.ServoID, device.MaxID)
		}
	case *ProgressBody:
		if b.Total <= 0 || b.Current < 0 {
			invalid("scan progress %d of %d", b.Current, b.Total)
		}
	}
	return errs
}

// joinValidation folds the validation errors of a frame into one error
func joinValidation(kind Kind, errs []ValidationError) error {
	all := make([]error, len(errs))
	for i := range errs {
		all[i] = &errs[i]
	}
	return fmt.Errorf("invalid %s frame: %w", kind, errors.Join(all...))
}
