// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package device

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by backends asked to read or write before a
// scan opened the bus
var ErrNotConnected = errors.New("not connected")

// ErrStreamClosed is reported when a stream ends without its terminal event
var ErrStreamClosed = errors.New("event stream closed unexpectedly")

// TransportError reports a failed backend command
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a failure of op. A nil err yields nil.
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) && te.Op == op {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
