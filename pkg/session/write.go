// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package session

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/Thermoquad/mttr/pkg/device"
	"github.com/Thermoquad/mttr/pkg/schema"
	"go.uber.org/zap"
)

// EditState is the state of one field in the write coordinator
type EditState int

const (
	// Clean fields show the cached value
	Clean EditState = iota
	// Editing fields have an open draft
	Editing
	// Writing fields have a commit in flight
	Writing
)

func (s EditState) String() string {
	switch s {
	case Editing:
		return "editing"
	case Writing:
		return "writing"
	default:
		return "clean"
	}
}

type edit struct {
	state      EditState
	draft      string
	continuous bool
}

// writeTarget is the enclosing session as seen by the write coordinator
type writeTarget interface {
	// activeDevice returns the addressed servo, its model and the session
	// epoch, which changes whenever the servo is switched
	activeDevice() (id uint8, model *schema.Model, epoch uint64, err error)
	// applyCommit stores a written value unless the epoch moved on
	applyCommit(epoch uint64, field *schema.Field, value int64) bool
	// abortCommit releases the write lock unless the epoch moved on
	abortCommit(epoch uint64, address uint16)
}

// WriteCoordinator owns per-field edit buffers and the commit protocol.
//
// A field moves Clean -> Editing on BeginEdit, Editing -> Writing on a commit
// that changes the value, and back to Clean on success. A failed commit
// returns the field to Editing with the draft intact.
type WriteCoordinator struct {
	backend  device.Backend
	cache    *FieldCache
	target   writeTarget
	logger   *zap.Logger
	notifier Notifier

	mu    sync.Mutex
	edits map[uint16]*edit

	onChange func()
}

func newWriteCoordinator(backend device.Backend, cache *FieldCache, target writeTarget, logger *zap.Logger, notifier Notifier) *WriteCoordinator {
	return &WriteCoordinator{
		backend:  backend,
		cache:    cache,
		target:   target,
		logger:   logger.Named("write"),
		notifier: notifier,
		edits:    make(map[uint16]*edit),
	}
}

// State returns the edit state of address
func (w *WriteCoordinator) State(address uint16) EditState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.edits[address]; ok {
		return e.state
	}
	return Clean
}

// Draft returns the open draft of address
func (w *WriteCoordinator) Draft(address uint16) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.edits[address]
	if !ok || e.continuous {
		return "", false
	}
	return e.draft, true
}

// Editable reports whether BeginEdit would succeed for address
func (w *WriteCoordinator) Editable(address uint16) error {
	_, err := w.editableField(address)
	return err
}

func (w *WriteCoordinator) editableField(address uint16) (*schema.Field, error) {
	_, model, _, err := w.target.activeDevice()
	if err != nil {
		return nil, err
	}
	f, ok := model.Field(address)
	if !ok {
		return nil, fmt.Errorf("%w: address %d", ErrUnknownField, address)
	}
	if !f.Writable() {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, f.Name)
	}
	if state, _ := w.cache.Get(address); !state.Resolved() {
		return nil, fmt.Errorf("%w: %s", ErrNotResolved, f.Name)
	}
	if w.cache.Writing(address) {
		return nil, fmt.Errorf("%w: %s", ErrWriteInFlight, f.Name)
	}
	return f, nil
}

// BeginEdit opens an edit on address, seeding the draft with the cached value.
// Beginning an edit that is already open keeps its draft.
func (w *WriteCoordinator) BeginEdit(address uint16) error {
	f, err := w.editableField(address)
	if err != nil {
		return err
	}
	state, _ := w.cache.Get(address)

	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.edits[address]; ok {
		switch e.state {
		case Writing:
			return fmt.Errorf("%w: %s", ErrWriteInFlight, f.Name)
		case Editing:
			if !e.continuous {
				return nil
			}
		}
	}
	w.edits[address] = &edit{state: Editing, draft: strconv.FormatInt(state.Value, 10)}
	w.changed()
	return nil
}

// SetDraft replaces the draft of an open edit
func (w *WriteCoordinator) SetDraft(address uint16, raw string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.edits[address]
	if !ok || e.continuous {
		return ErrNotEditing
	}
	if e.state == Writing {
		return ErrWriteInFlight
	}
	e.draft = raw
	w.changed()
	return nil
}

// CancelEdit discards the draft of address. A commit in flight cannot be
// cancelled.
func (w *WriteCoordinator) CancelEdit(address uint16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.edits[address]
	if !ok {
		return nil
	}
	if e.state == Writing {
		return ErrWriteInFlight
	}
	delete(w.edits, address)
	w.changed()
	return nil
}

// Validate converts raw input for the field at address into a value.
// Nothing is sent to the backend and the cache is not touched.
func (w *WriteCoordinator) Validate(address uint16, raw string) (int64, error) {
	_, model, _, err := w.target.activeDevice()
	if err != nil {
		return 0, err
	}
	f, ok := model.Field(address)
	if !ok {
		return 0, fmt.Errorf("%w: address %d", ErrUnknownField, address)
	}
	return ValidateInput(f, raw)
}

// Commit writes value to the field of an open edit
func (w *WriteCoordinator) Commit(ctx context.Context, address uint16, value int64) error {
	return w.commit(ctx, address, value, false)
}

// CommitDraft validates the open draft of address and commits it
func (w *WriteCoordinator) CommitDraft(ctx context.Context, address uint16) error {
	draft, ok := w.Draft(address)
	if !ok {
		return ErrNotEditing
	}
	value, err := w.Validate(address, draft)
	if err != nil {
		return err
	}
	return w.Commit(ctx, address, value)
}

func (w *WriteCoordinator) commit(ctx context.Context, address uint16, value int64, continuous bool) error {
	id, model, epoch, err := w.target.activeDevice()
	if err != nil {
		return err
	}
	f, ok := model.Field(address)
	if !ok {
		return fmt.Errorf("%w: address %d", ErrUnknownField, address)
	}
	if !f.Writable() {
		return fmt.Errorf("%w: %s", ErrReadOnly, f.Name)
	}
	if state, _ := w.cache.Get(address); !state.Resolved() {
		return fmt.Errorf("%w: %s", ErrNotResolved, f.Name)
	}
	if err := CheckValue(f, value, strconv.FormatInt(value, 10)); err != nil {
		return err
	}

	w.mu.Lock()
	e, open := w.edits[address]
	switch {
	case open && e.state == Writing:
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWriteInFlight, f.Name)
	case !continuous && (!open || e.continuous):
		w.mu.Unlock()
		return ErrNotEditing
	}

	if cur, _ := w.cache.Get(address); cur.Resolved() && cur.Value == value {
		delete(w.edits, address)
		w.mu.Unlock()
		w.changed()
		return nil
	}
	if !w.cache.beginWrite(address) {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWriteInFlight, f.Name)
	}
	if !open {
		e = &edit{continuous: continuous}
		w.edits[address] = e
	}
	e.state = Writing
	w.mu.Unlock()
	w.changed()

	w.logger.Info("writing field",
		zap.Uint8("id", id),
		zap.String("field", f.Name),
		zap.Uint16("address", address),
		zap.Int64("value", value))

	if err := w.backend.WriteField(ctx, id, f.Ref(), value); err != nil {
		w.target.abortCommit(epoch, address)

		w.mu.Lock()
		if w.edits[address] == e {
			if e.continuous {
				delete(w.edits, address)
			} else {
				e.state = Editing
			}
		}
		w.mu.Unlock()

		err = fmt.Errorf("%w: %w", ErrWriteFailed, device.NewTransportError("write", err))
		w.logger.Error("write failed",
			zap.Uint8("id", id),
			zap.String("field", f.Name),
			zap.Error(err))
		notifyError(w.notifier, fmt.Sprintf("Failed to write %s: %v", f.Name, err), err)
		w.changed()
		return err
	}

	if !w.target.applyCommit(epoch, f, value) {
		w.logger.Debug("dropping commit for switched servo", zap.Uint16("address", address))
	}

	w.mu.Lock()
	if w.edits[address] == e {
		delete(w.edits, address)
	}
	w.mu.Unlock()
	w.changed()
	return nil
}

// reset drops every edit. In-flight commits finish against their own epoch.
func (w *WriteCoordinator) reset() {
	w.mu.Lock()
	clear(w.edits)
	w.mu.Unlock()
	w.changed()
}

func (w *WriteCoordinator) changed() {
	if w.onChange != nil {
		w.onChange()
	}
}

// ValidateInput parses raw user input for f. Checks run in order and the
// first failure wins: the input must be a number, then an integer, then lie
// within the field's bounds, and enumeration fields must use a known key.
func ValidateInput(f *schema.Field, raw string) (int64, error) {
	input := strings.TrimSpace(raw)
	v, err := strconv.ParseInt(input, 10, 64)
	if err != nil {
		fv, ferr := strconv.ParseFloat(input, 64)
		switch {
		case ferr != nil && !isRangeErr(ferr), math.IsNaN(fv):
			return 0, &ValidationError{Kind: NotANumber, Field: f.Name, Input: raw}
		case math.IsInf(fv, 0) && ferr == nil:
			return 0, &ValidationError{Kind: NotAnInteger, Field: f.Name, Input: raw}
		case fv != math.Trunc(fv):
			return 0, &ValidationError{Kind: NotAnInteger, Field: f.Name, Input: raw}
		case fv < math.MinInt64 || fv >= math.MaxInt64:
			min, max := fieldBounds(f)
			return 0, &ValidationError{Kind: OutOfRange, Field: f.Name, Input: input, Min: min, Max: max}
		}
		v = int64(fv)
	}
	if err := CheckValue(f, v, input); err != nil {
		return 0, err
	}
	return v, nil
}

// CheckValue checks an integer against the field's bounds and enumeration
func CheckValue(f *schema.Field, v int64, input string) error {
	min, max := fieldBounds(f)
	if v < min || v > max {
		return &ValidationError{Kind: OutOfRange, Field: f.Name, Input: input, Min: min, Max: max}
	}
	if f.IsEnum() {
		if _, ok := f.ValueMap[v]; !ok {
			return &ValidationError{Kind: NotInEnum, Field: f.Name, Input: input, Min: min, Max: max}
		}
	}
	return nil
}

// fieldBounds returns the declared range, or the range the field's width can
// encode when none is declared. The identity field never leaves the bus id
// space.
func fieldBounds(f *schema.Field) (int64, int64) {
	lo, hi := widthBounds(f)
	if declaredLo, declaredHi, ok := f.Bounds(); ok {
		lo, hi = declaredLo, declaredHi
	}
	if f.IsIdentity() {
		lo, hi = max(lo, 0), min(hi, device.MaxID)
	}
	return lo, hi
}

func widthBounds(f *schema.Field) (int64, int64) {
	bits := uint(f.Size) * 8
	if bits == 0 || bits >= 64 {
		return math.MinInt64, math.MaxInt64
	}
	return -(1 << (bits - 1)), (1 << bits) - 1
}

func isRangeErr(err error) bool {
	ne, ok := err.(*strconv.NumError)
	return ok && ne.Err == strconv.ErrRange
}
