// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package session coordinates interactive operations against a servo bus
// reached through a device.Backend.
//
// A Session wires three controllers to one field cache:
//   - ScanController runs discovery scans that stream results and can be
//     cancelled mid-flight
//   - ReadController reads a servo's control table, fencing stale streams by
//     generation
//   - WriteCoordinator validates and commits per-field edits
//
// Every backend stream is consumed by its own goroutine. Events carry the
// generation they were issued under and are dropped once a newer session of
// the same controller has started.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Thermoquad/mttr/pkg/device"
	"github.com/Thermoquad/mttr/pkg/schema"
	"go.uber.org/zap"
)

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger used by the session and its controllers
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithNotifier sets the sink for user-facing messages
func WithNotifier(n Notifier) Option {
	return func(s *Session) {
		s.notifier = n
	}
}

// Session is the connection to one servo bus. It holds the committed
// connection, the scan results, and the selected servo with its schema.
type Session struct {
	backend  device.Backend
	registry *schema.Registry
	logger   *zap.Logger
	notifier Notifier

	cache  *FieldCache
	scans  *ScanController
	reads  *ReadController
	writes *WriteCoordinator

	// addressing is held while a read is addressed to a servo id and while
	// that id is remapped, so snapshot accessors never wait on the backend.
	// Lock order: addressing, mu, a controller's lock, then the cache.
	addressing sync.Mutex

	// mu guards everything below
	mu       sync.Mutex
	epoch    uint64
	scanRun  *ScanRun
	config   *device.ConnectionConfig
	devices  []device.Identity
	active   *device.Identity
	model    *schema.Model
	velocity *ContinuousControl

	changes chan struct{}
}

// New creates a session talking to backend
func New(backend device.Backend, registry *schema.Registry, opts ...Option) *Session {
	s := &Session{
		backend:  backend,
		registry: registry,
		logger:   zap.NewNop(),
		notifier: nopNotifier{},
		cache:    NewFieldCache(),
		devices:  []device.Identity{},
		changes:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}

	s.scans = NewScanController(backend, s.logger, s.notifier)
	s.reads = NewReadController(backend, s.cache, s.logger, s.notifier)
	s.writes = newWriteCoordinator(backend, s.cache, s, s.logger, s.notifier)
	s.scans.onChange = s.changed
	s.reads.onChange = s.changed
	s.writes.onChange = s.changed
	return s
}

// Changes signals state changes. Signals coalesce: one pending receive
// stands for any number of changes.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

// Scans returns the scan controller
func (s *Session) Scans() *ScanController { return s.scans }

// Reads returns the read controller
func (s *Session) Reads() *ReadController { return s.reads }

// Writes returns the write coordinator
func (s *Session) Writes() *WriteCoordinator { return s.writes }

// Cache returns the field cache of the selected servo
func (s *Session) Cache() *FieldCache { return s.cache }

// ListPorts enumerates the serial ports the backend can open
func (s *Session) ListPorts(ctx context.Context) ([]string, error) {
	ports, err := s.backend.ListPorts(ctx)
	if err != nil {
		err = device.NewTransportError("list ports", err)
		notifyError(s.notifier, fmt.Sprintf("Failed to list ports: %v", err), err)
		return nil, err
	}
	return ports, nil
}

// StartScan discards the current connection and starts discovery. The
// results and connection are committed when the scan finishes.
func (s *Session) StartScan(ctx context.Context, req device.ScanRequest) (*ScanRun, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScan, err)
	}

	s.addressing.Lock()
	s.mu.Lock()
	s.resetLocked()
	epoch := s.epoch
	s.mu.Unlock()
	s.addressing.Unlock()
	s.changed()

	run, err := s.scans.Start(ctx, req)
	if run == nil {
		return nil, err
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.scanRun = run
	}
	s.mu.Unlock()

	go s.awaitScan(run)
	return run, err
}

// CancelScan asks the backend to stop the running scan
func (s *Session) CancelScan(ctx context.Context) error {
	return s.scans.Cancel(ctx)
}

func (s *Session) awaitScan(run *ScanRun) {
	<-run.Done()

	s.mu.Lock()
	if s.scanRun != run {
		s.mu.Unlock()
		return
	}
	s.scanRun = nil
	if run.err != nil {
		s.devices = []device.Identity{}
		s.mu.Unlock()
		s.changed()
		return
	}
	cfg := run.request.Config()
	s.config = &cfg
	s.devices = slices.Clone(run.results)
	found := len(s.devices)
	s.mu.Unlock()

	switch {
	case run.cancelled:
		notifyInfo(s.notifier, LevelInfo, "Scan cancelled.")
	case found == 0:
		notifyInfo(s.notifier, LevelError, "No servos found. Check your connection and settings.")
	default:
		notifyInfo(s.notifier, LevelSuccess, fmt.Sprintf("Found %d servo(s).", found))
	}
	s.changed()
}

// Select makes the servo with id active and reads its control table. A servo
// of an unknown model is selected but has no schema; reads and writes are
// disabled for it and ErrNoSchema is returned.
func (s *Session) Select(ctx context.Context, id uint8) (*ReadRun, error) {
	s.addressing.Lock()
	defer s.addressing.Unlock()
	defer s.changed()

	s.mu.Lock()
	i := slices.IndexFunc(s.devices, func(d device.Identity) bool { return d.ID == id })
	if i < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: id %d", ErrUnknownDevice, id)
	}
	dev := s.devices[i]

	s.epoch++
	s.active = &dev
	s.model = nil
	s.velocity = nil
	s.reads.Invalidate()
	s.cache.Clear()
	s.writes.reset()

	model, ok := s.registry.Lookup(dev.ModelNumber)
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("no schema for model", zap.Uint16("model_number", dev.ModelNumber))
		return nil, fmt.Errorf("%w: %d", ErrNoSchema, dev.ModelNumber)
	}
	s.model = model
	if f, ok := model.VelocityField(); ok && f.Writable() {
		s.velocity = newContinuousControl(s.writes, f)
	}
	s.mu.Unlock()

	s.logger.Info("servo selected",
		zap.Uint8("id", dev.ID),
		zap.Uint16("model_number", dev.ModelNumber),
		zap.String("model", model.Name))
	return s.reads.Start(ctx, dev.ID, model.FieldRefs())
}

// Refresh re-reads the control table of the selected servo
func (s *Session) Refresh(ctx context.Context) (*ReadRun, error) {
	s.addressing.Lock()
	defer s.addressing.Unlock()

	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return nil, ErrNoDevice
	}
	if s.model == nil {
		modelNumber := s.active.ModelNumber
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrNoSchema, modelNumber)
	}
	id, refs := s.active.ID, s.model.FieldRefs()
	s.mu.Unlock()

	return s.reads.Start(ctx, id, refs)
}

// Disconnect drops the connection and every piece of state derived from it
func (s *Session) Disconnect(ctx context.Context) error {
	if s.scans.Running() {
		_ = s.scans.Cancel(ctx)
	}

	s.addressing.Lock()
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	s.addressing.Unlock()
	s.changed()

	if err := s.backend.Disconnect(ctx); err != nil {
		err = device.NewTransportError("disconnect", err)
		notifyError(s.notifier, fmt.Sprintf("Failed to disconnect: %v", err), err)
		return err
	}
	s.logger.Info("disconnected")
	return nil
}

// resetLocked forgets the connection. Caller holds s.mu.
func (s *Session) resetLocked() {
	s.epoch++
	s.scanRun = nil
	s.config = nil
	s.devices = []device.Identity{}
	s.active = nil
	s.model = nil
	s.velocity = nil
	s.reads.Invalidate()
	s.cache.Clear()
	s.writes.reset()
}

// Devices returns the servos found by the last committed scan
func (s *Session) Devices() []device.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.devices)
}

// Config returns the committed connection
func (s *Session) Config() (device.ConnectionConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil {
		return device.ConnectionConfig{}, false
	}
	return *s.config, true
}

// Active returns the selected servo
func (s *Session) Active() (device.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return device.Identity{}, false
	}
	return *s.active, true
}

// Model returns the schema of the selected servo, or nil
func (s *Session) Model() *schema.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Velocity returns the goal velocity control of the selected servo, or nil
// when its model has none
func (s *Session) Velocity() *ContinuousControl {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.velocity
}

func (s *Session) activeDevice() (uint8, *schema.Model, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return 0, nil, 0, ErrNoDevice
	}
	if s.model == nil {
		return 0, nil, 0, fmt.Errorf("%w: %d", ErrNoSchema, s.active.ModelNumber)
	}
	return s.active.ID, s.model, s.epoch, nil
}

// applyCommit stores a written value. Writing the identity field also moves
// the selected servo and its scan result entry to the new id, under the same
// lock that read addressing takes.
func (s *Session) applyCommit(epoch uint64, f *schema.Field, value int64) bool {
	if f.IsIdentity() {
		s.addressing.Lock()
		defer s.addressing.Unlock()
	}
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return false
	}
	s.cache.commitWrite(f.Address, value)

	if f.IsIdentity() && s.active != nil {
		oldID, newID := s.active.ID, uint8(value)
		s.active.ID = newID
		for i := range s.devices {
			if s.devices[i].ID == oldID {
				s.devices[i].ID = newID
			}
		}
		s.logger.Info("servo id changed", zap.Uint8("old_id", oldID), zap.Uint8("new_id", newID))
	}
	s.mu.Unlock()
	s.changed()
	return true
}

func (s *Session) abortCommit(epoch uint64, address uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch == s.epoch {
		s.cache.abortWrite(address)
	}
}

func (s *Session) changed() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
