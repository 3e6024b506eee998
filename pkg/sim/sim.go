// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package sim implements device.Backend on top of a simulated servo bus.
//
// The simulation answers pings and control table accesses from in-memory
// tables initialised from the model registry. It is used by tests, by the
// --simulate flag, and by `mttr serve` to expose a bus over the bridge.
package sim

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/mttr/pkg/device"
	"github.com/Thermoquad/mttr/pkg/schema"
	"go.uber.org/zap"
)

// Errors reported by the simulated bus
var (
	ErrTimeout        = errors.New("timeout")
	ErrPortNotFound   = errors.New("no such port")
	ErrAccessViolated = errors.New("access violation")
	ErrIDInUse        = errors.New("id already in use")
	ErrScanRunning    = errors.New("scan already running")
)

// ModelNumberFieldName names the field holding a servo's model number
const ModelNumberFieldName = "Model Number"

// ServoConfig describes one servo on the simulated bus
type ServoConfig struct {
	ID          uint8  `mapstructure:"id"`
	ModelNumber uint16 `mapstructure:"model_number"`
}

type servo struct {
	modelNumber uint16
	model       *schema.Model
	values      map[uint16]int64
}

// Option configures a Bus
type Option func(*Bus)

// WithLatency delays every ping, field read and write
func WithLatency(d time.Duration) Option {
	return func(b *Bus) { b.latency = d }
}

// WithPorts sets the port names the bus can be opened on
func WithPorts(ports ...string) Option {
	return func(b *Bus) { b.ports = ports }
}

// WithBaudRate sets the speed servos answer at. Scans at any other speed
// find nothing.
func WithBaudRate(baud int) Option {
	return func(b *Bus) { b.baudRate = baud }
}

// WithFailingAddresses makes reads and writes of the given addresses time out
func WithFailingAddresses(addrs ...uint16) Option {
	return func(b *Bus) {
		for _, a := range addrs {
			b.failing[a] = true
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// Bus is a simulated Dynamixel bus
type Bus struct {
	registry *schema.Registry
	logger   *zap.Logger
	latency  time.Duration
	ports    []string
	baudRate int
	failing  map[uint16]bool

	mu       sync.Mutex
	servos   map[uint8]*servo
	open     *device.ConnectionConfig
	scanning bool

	cancel atomic.Bool
}

// New creates an empty bus
func New(registry *schema.Registry, opts ...Option) *Bus {
	b := &Bus{
		registry: registry,
		logger:   zap.NewNop(),
		ports:    []string{"/dev/ttyUSB0"},
		baudRate: device.DefaultBaudRate,
		failing:  make(map[uint16]bool),
		servos:   make(map[uint8]*servo),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("sim")
	return b
}

// AddServo attaches a servo. Its control table starts at each field's
// lower bound, with the ID and model number fields filled in.
func (b *Bus) AddServo(cfg ServoConfig) error {
	if cfg.ID > device.MaxID {
		return fmt.Errorf("servo id %d out of range", cfg.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.servos[cfg.ID]; ok {
		return fmt.Errorf("%w: %d", ErrIDInUse, cfg.ID)
	}

	s := &servo{modelNumber: cfg.ModelNumber, values: make(map[uint16]int64)}
	if m, ok := b.registry.Lookup(cfg.ModelNumber); ok {
		s.model = m
		for _, f := range m.Fields {
			var v int64
			if min, max, ok := f.Bounds(); ok && (min > 0 || max < 0) {
				v = min
			}
			if f.IsEnum() {
				v = f.EnumKeys()[0]
			}
			switch f.Name {
			case schema.IdentityFieldName:
				v = int64(cfg.ID)
			case ModelNumberFieldName:
				v = int64(cfg.ModelNumber)
			}
			s.values[f.Address] = v
		}
	}
	b.servos[cfg.ID] = s
	return nil
}

// Servo returns a copy of the control table of the servo at id
func (b *Bus) Servo(id uint8) (map[uint16]int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.servos[id]
	if !ok {
		return nil, false
	}
	return maps.Clone(s.values), true
}

// IDs returns the ids of all attached servos in ascending order
func (b *Bus) IDs() []uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.servos))
}

// ListPorts implements device.Backend
func (b *Bus) ListPorts(ctx context.Context) ([]string, error) {
	return slices.Clone(b.ports), nil
}

// Scan implements device.Backend. The cancel flag is checked before every
// ping, so a cancelled scan still reports the servos found so far.
func (b *Bus) Scan(ctx context.Context, req device.ScanRequest) (<-chan device.ScanEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !slices.Contains(b.ports, req.Port) {
		return nil, fmt.Errorf("failed to open port %s: %w", req.Port, ErrPortNotFound)
	}

	b.mu.Lock()
	if b.scanning {
		b.mu.Unlock()
		return nil, ErrScanRunning
	}
	b.scanning = true
	cfg := req.Config()
	b.open = &cfg
	b.mu.Unlock()
	b.cancel.Store(false)

	b.logger.Debug("scan started", zap.String("port", req.Port), zap.Int("baud_rate", req.BaudRate))

	events := make(chan device.ScanEvent)
	go func() {
		defer close(events)
		defer func() {
			b.mu.Lock()
			b.scanning = false
			b.mu.Unlock()
		}()

		total := req.Total()
		for id := int(req.IDStart); id <= int(req.IDEnd); id++ {
			if b.cancel.Load() {
				send(ctx, events, device.Finished(true))
				return
			}
			if !send(ctx, events, device.Progress(id, total)) {
				return
			}
			if !b.wait(ctx) {
				return
			}
			if found, ok := b.ping(uint8(id), req); ok {
				if !send(ctx, events, device.Found(found)) {
					return
				}
			}
		}
		send(ctx, events, device.Finished(false))
	}()
	return events, nil
}

func (b *Bus) ping(id uint8, req device.ScanRequest) (device.Identity, bool) {
	if req.BaudRate != b.baudRate {
		return device.Identity{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.servos[id]
	if !ok {
		return device.Identity{}, false
	}
	// protocol 1.0 pings carry no model number
	if req.Protocol == device.Protocol1 {
		return device.Identity{ID: id}, true
	}
	return device.Identity{ID: id, ModelNumber: s.modelNumber}, true
}

// CancelScan implements device.Backend
func (b *Bus) CancelScan(ctx context.Context) error {
	b.cancel.Store(true)
	return nil
}

// Disconnect implements device.Backend
func (b *Bus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = nil
	return nil
}

// ReadFields implements device.Backend. Failing addresses and missing servos
// report a per-field timeout.
func (b *Bus) ReadFields(ctx context.Context, id uint8, fields []device.FieldRef) (<-chan device.ReadEvent, error) {
	b.mu.Lock()
	connected := b.open != nil
	b.mu.Unlock()
	if !connected {
		return nil, device.ErrNotConnected
	}

	events := make(chan device.ReadEvent)
	go func() {
		defer close(events)
		for _, ref := range fields {
			if !b.wait(ctx) {
				return
			}
			v, err := b.read(id, ref)
			ev := device.Value(ref.Address, v)
			if err != nil {
				ev = device.FieldError(ref.Address, err.Error())
			}
			if !send(ctx, events, ev) {
				return
			}
		}
		send(ctx, events, device.ReadDone())
	}()
	return events, nil
}

func (b *Bus) read(id uint8, ref device.FieldRef) (int64, error) {
	if b.failing[ref.Address] {
		return 0, ErrTimeout
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.servos[id]
	if !ok {
		return 0, ErrTimeout
	}
	return s.values[ref.Address], nil
}

// WriteField implements device.Backend. Writing the ID field moves the servo
// to its new id.
func (b *Bus) WriteField(ctx context.Context, id uint8, ref device.FieldRef, value int64) error {
	if !b.wait(ctx) {
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open == nil {
		return device.ErrNotConnected
	}
	if b.failing[ref.Address] {
		return ErrTimeout
	}
	s, ok := b.servos[id]
	if !ok {
		return ErrTimeout
	}

	if s.model != nil {
		f, ok := s.model.Field(ref.Address)
		if !ok {
			return fmt.Errorf("%w: no field at address %d", ErrAccessViolated, ref.Address)
		}
		if !f.Writable() {
			return fmt.Errorf("%w: %s is read-only", ErrAccessViolated, f.Name)
		}
		if f.IsIdentity() {
			newID := uint8(value)
			if value < device.MinID || value > device.MaxID {
				return fmt.Errorf("%w: id %d", ErrAccessViolated, value)
			}
			if _, taken := b.servos[newID]; taken && newID != id {
				return fmt.Errorf("%w: %d", ErrIDInUse, newID)
			}
			delete(b.servos, id)
			b.servos[newID] = s
			b.logger.Info("servo id changed", zap.Uint8("old_id", id), zap.Uint8("new_id", newID))
		}
	}
	s.values[ref.Address] = value
	return nil
}

// wait sleeps for the configured latency. It reports false if ctx ended.
func (b *Bus) wait(ctx context.Context) bool {
	if b.latency <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(b.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
