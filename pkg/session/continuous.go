// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Thermoquad/mttr/pkg/schema"
)

// ContinuousControl drives a field from a slider-style input. Intermediate
// values only move the local draft; the value is committed on release. A
// failed commit snaps the draft back to the last committed value since there
// is no edit mode to keep open.
type ContinuousControl struct {
	writes *WriteCoordinator
	field  *schema.Field

	mu        sync.Mutex
	draft     int64
	committed int64
	dragging  bool
}

func newContinuousControl(writes *WriteCoordinator, field *schema.Field) *ContinuousControl {
	return &ContinuousControl{writes: writes, field: field}
}

// Field returns the controlled field
func (c *ContinuousControl) Field() *schema.Field { return c.field }

// Sync adopts the cached value as the committed value. Ignored while the
// user is dragging or a commit is in flight.
func (c *ContinuousControl) Sync() {
	state, _ := c.writes.cache.Get(c.field.Address)
	if !state.Resolved() || c.writes.cache.Writing(c.field.Address) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dragging {
		return
	}
	c.draft = state.Value
	c.committed = state.Value
}

// Drag moves the draft, clamped to the field bounds, and returns it
func (c *ContinuousControl) Drag(v int64) int64 {
	lo, hi := fieldBounds(c.field)
	v = max(lo, min(v, hi))

	c.mu.Lock()
	c.dragging = true
	c.draft = v
	c.mu.Unlock()
	c.writes.changed()
	return v
}

// Release ends the interaction and commits the draft. A field whose value has
// not been read is not written and the draft snaps back.
func (c *ContinuousControl) Release(ctx context.Context) error {
	c.mu.Lock()
	c.dragging = false
	v := c.draft
	c.mu.Unlock()

	if err := c.writes.commit(ctx, c.field.Address, v, true); err != nil {
		c.mu.Lock()
		c.draft = c.committed
		c.mu.Unlock()
		c.writes.changed()
		return err
	}

	c.mu.Lock()
	c.committed = v
	c.mu.Unlock()
	return nil
}

// Stop commits zero immediately
func (c *ContinuousControl) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.draft = 0
	c.mu.Unlock()
	return c.Release(ctx)
}

// Draft returns the value shown on the control
func (c *ContinuousControl) Draft() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Committed returns the last value known to be on the servo
func (c *ContinuousControl) Committed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// Dragging reports whether an interaction is in progress
func (c *ContinuousControl) Dragging() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dragging
}

// Writing reports whether a commit is in flight
func (c *ContinuousControl) Writing() bool {
	return c.writes.cache.Writing(c.field.Address)
}

// Display renders the draft in the field's unit, e.g. "22.9 rev/min"
func (c *ContinuousControl) Display() string {
	v, unit := c.field.Scaled(c.Draft())
	return strings.TrimSpace(fmt.Sprintf("%.1f %s", v, unit))
}
