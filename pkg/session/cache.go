// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package session

import (
	"fmt"
	"maps"
	"sync"
)

// FieldStatus tells which of the three FieldState alternatives holds
type FieldStatus int

const (
	FieldPending FieldStatus = iota
	FieldResolved
	FieldFailed
)

// FieldState is the cached state of one control table field. Exactly one of
// pending, value or error holds.
type FieldState struct {
	Status FieldStatus
	Value  int64
	Error  string
}

// Pending reports whether the field is waiting for a read
func (s FieldState) Pending() bool { return s.Status == FieldPending }

// Resolved reports whether the field holds a value
func (s FieldState) Resolved() bool { return s.Status == FieldResolved }

// Failed reports whether the last read of the field reported an error
func (s FieldState) Failed() bool { return s.Status == FieldFailed }

func (s FieldState) String() string {
	switch s.Status {
	case FieldResolved:
		return fmt.Sprintf("%d", s.Value)
	case FieldFailed:
		return "ERR: " + s.Error
	default:
		return "---"
	}
}

func resolved(v int64) FieldState { return FieldState{Status: FieldResolved, Value: v} }

func failed(msg string) FieldState { return FieldState{Status: FieldFailed, Error: msg} }

// FieldCache maps field addresses to their last known state. It is the
// single source of truth views render from.
//
// Only the read controller and the write coordinator mutate it. An address
// with a write in flight is locked: reads neither reset nor overwrite it, and
// once the write commits, reads that started before the commit are ignored
// for that address.
type FieldCache struct {
	mu        sync.RWMutex
	states    map[uint16]FieldState
	writing   map[uint16]bool
	committed map[uint16]bool
}

// NewFieldCache creates an empty cache
func NewFieldCache() *FieldCache {
	return &FieldCache{
		states:    make(map[uint16]FieldState),
		writing:   make(map[uint16]bool),
		committed: make(map[uint16]bool),
	}
}

// Get returns the state at address. Unknown addresses read as pending.
func (c *FieldCache) Get(address uint16) (FieldState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[address]
	return s, ok
}

// Snapshot returns a copy of every cached state
func (c *FieldCache) Snapshot() map[uint16]FieldState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.states)
}

// Writing reports whether a write to address is in flight
func (c *FieldCache) Writing(address uint16) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writing[address]
}

// Len returns the number of cached addresses
func (c *FieldCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.states)
}

// Clear drops every entry and lock. Used when the cache starts describing a
// different servo.
func (c *FieldCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.states)
	clear(c.writing)
	clear(c.committed)
}

// reset marks addresses pending at the start of a read generation
func (c *FieldCache) reset(addresses []uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, addr := range addresses {
		if c.writing[addr] {
			continue
		}
		delete(c.committed, addr)
		c.states[addr] = FieldState{Status: FieldPending}
	}
}

// applyRead stores a read result unless a write owns the address
func (c *FieldCache) applyRead(address uint16, s FieldState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writing[address] || c.committed[address] {
		return false
	}
	c.states[address] = s
	return true
}

// beginWrite takes the in-flight lock for address
func (c *FieldCache) beginWrite(address uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writing[address] {
		return false
	}
	c.writing[address] = true
	return true
}

// abortWrite releases the in-flight lock without touching the value
func (c *FieldCache) abortWrite(address uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.writing, address)
}

// commitWrite stores a written value and releases the in-flight lock
func (c *FieldCache) commitWrite(address uint16, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.writing, address)
	c.committed[address] = true
	c.states[address] = resolved(value)
}
