// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package session

import (
	"errors"
	"fmt"
)

var (
	// ErrScanFailed wraps transport failures of a scan
	ErrScanFailed = errors.New("scan failed")
	// ErrReadFailed wraps transport failures of a control table read
	ErrReadFailed = errors.New("read failed")
	// ErrWriteFailed wraps transport failures of a field write
	ErrWriteFailed = errors.New("write failed")

	// ErrInvalidScan is returned for scan requests violating preconditions
	ErrInvalidScan = errors.New("invalid scan request")
	// ErrSuperseded ends a run replaced by a newer one
	ErrSuperseded = errors.New("superseded by a newer session")

	// ErrNoDevice is returned when an operation needs an active servo
	ErrNoDevice = errors.New("no servo selected")
	// ErrUnknownDevice is returned when selecting an id the last scan did not find
	ErrUnknownDevice = errors.New("servo not found in scan results")
	// ErrNoSchema is returned for servos whose model has no control table
	ErrNoSchema = errors.New("no schema available for model")

	// ErrUnknownField is returned for addresses missing from the model
	ErrUnknownField = errors.New("unknown field")
	// ErrReadOnly is returned when editing a field without write access
	ErrReadOnly = errors.New("field is read-only")
	// ErrNotResolved is returned when editing a field without a known value
	ErrNotResolved = errors.New("field value is not loaded")
	// ErrWriteInFlight is returned while a commit to the field is pending
	ErrWriteInFlight = errors.New("write already in progress")
	// ErrNotEditing is returned when changing a draft with no open edit
	ErrNotEditing = errors.New("field is not being edited")
)

// ValidationKind classifies a rejected input
type ValidationKind int

const (
	NotANumber ValidationKind = iota
	NotAnInteger
	OutOfRange
	NotInEnum
)

// ValidationError reports user input rejected before anything is sent to the
// backend
type ValidationError struct {
	Kind  ValidationKind
	Field string
	Input string
	Min   int64
	Max   int64
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case NotANumber:
		return fmt.Sprintf("%s: %q is not a number", e.Field, e.Input)
	case NotAnInteger:
		return fmt.Sprintf("%s: %q is not an integer", e.Field, e.Input)
	case OutOfRange:
		return fmt.Sprintf("%s: %s is out of range [%d, %d]", e.Field, e.Input, e.Min, e.Max)
	case NotInEnum:
		return fmt.Sprintf("%s: %s is not one of the allowed values", e.Field, e.Input)
	default:
		return fmt.Sprintf("%s: invalid input %q", e.Field, e.Input)
	}
}

// IsValidationError reports whether err is a local input rejection
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
