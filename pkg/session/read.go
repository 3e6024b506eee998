// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/Thermoquad/mttr/pkg/device"
	"go.uber.org/zap"
)

// ReadRun is the handle of one control table read
type ReadRun struct {
	generation uint64
	id         uint8
	refs       []device.FieldRef
	done       chan struct{}
	err        error
}

// Generation returns the generation the read was started under
func (r *ReadRun) Generation() uint64 { return r.generation }

// DeviceID returns the id the read was addressed to
func (r *ReadRun) DeviceID() uint8 { return r.id }

// Done is closed once the stream ended, failed or was superseded
func (r *ReadRun) Done() <-chan struct{} { return r.done }

// Wait blocks until the read ends. A superseded read returns ErrSuperseded.
func (r *ReadRun) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ReadRun) end(err error) {
	select {
	case <-r.done:
		return
	default:
	}
	r.err = err
	close(r.done)
}

// ReadController drives batched control table reads into the field cache.
//
// There is no cancel call: starting a read supersedes the previous one, and
// events of older generations are dropped before they reach the cache.
type ReadController struct {
	backend  device.Backend
	cache    *FieldCache
	logger   *zap.Logger
	notifier Notifier

	mu         sync.Mutex
	generation uint64
	current    *ReadRun
	loading    bool
	err        error

	onChange func()
}

// NewReadController creates a read controller writing into cache
func NewReadController(backend device.Backend, cache *FieldCache, logger *zap.Logger, notifier Notifier) *ReadController {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ReadController{
		backend:  backend,
		cache:    cache,
		logger:   logger.Named("read"),
		notifier: notifier,
	}
}

// Start reads refs from servo id. Every requested address becomes pending
// except those with a write in flight.
func (c *ReadController) Start(ctx context.Context, id uint8, refs []device.FieldRef) (*ReadRun, error) {
	addrs := make([]uint16, len(refs))
	for i, ref := range refs {
		addrs[i] = ref.Address
	}

	c.mu.Lock()
	c.generation++
	if prev := c.current; prev != nil {
		prev.end(ErrSuperseded)
	}
	run := &ReadRun{
		generation: c.generation,
		id:         id,
		refs:       refs,
		done:       make(chan struct{}),
	}
	c.current = run
	c.loading = true
	c.err = nil
	c.cache.reset(addrs)
	c.mu.Unlock()
	c.changed()

	c.logger.Debug("starting read",
		zap.Uint64("generation", run.generation),
		zap.Uint8("id", id),
		zap.Int("fields", len(refs)))

	events, err := c.backend.ReadFields(ctx, id, refs)
	if err != nil {
		c.fail(run, err)
		return run, run.err
	}

	go c.consume(run, events)
	return run, nil
}

// Invalidate supersedes the current read without starting a new one
func (c *ReadController) Invalidate() {
	c.mu.Lock()
	c.generation++
	if c.current != nil {
		c.current.end(ErrSuperseded)
		c.current = nil
	}
	c.loading = false
	c.mu.Unlock()
	c.changed()
}

// Loading reports whether the current generation is still streaming
func (c *ReadController) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Err returns the transport failure of the current generation, if any
func (c *ReadController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Generation returns the current read generation
func (c *ReadController) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *ReadController) consume(run *ReadRun, events <-chan device.ReadEvent) {
	for ev := range events {
		if c.apply(run, ev) {
			return
		}
	}
	c.fail(run, device.ErrStreamClosed)
}

// apply processes one event and reports whether the stream reached its end
func (c *ReadController) apply(run *ReadRun, ev device.ReadEvent) bool {
	c.mu.Lock()
	if run.generation != c.generation {
		c.mu.Unlock()
		c.logger.Debug("dropping stale read event",
			zap.Uint64("generation", run.generation),
			zap.Stringer("kind", ev.Kind),
			zap.Uint16("address", ev.Address))
		return false
	}

	switch ev.Kind {
	case device.ReadValue:
		c.cache.applyRead(ev.Address, resolved(ev.Value))

	case device.ReadError:
		c.cache.applyRead(ev.Address, failed(ev.Message))
		c.logger.Debug("field read error",
			zap.Uint16("address", ev.Address),
			zap.String("message", ev.Message))

	case device.ReadFinished:
		c.loading = false
		run.end(nil)
		c.mu.Unlock()
		c.logger.Debug("read finished", zap.Uint64("generation", run.generation))
		c.changed()
		return true

	case device.ReadFailed:
		c.mu.Unlock()
		c.fail(run, ev.Err)
		return true
	}
	c.mu.Unlock()
	c.changed()
	return false
}

// fail ends the run with a transport failure. Fields stay pending.
func (c *ReadController) fail(run *ReadRun, cause error) {
	if cause == nil {
		cause = device.ErrStreamClosed
	}

	c.mu.Lock()
	if run.generation != c.generation {
		c.mu.Unlock()
		return
	}
	select {
	case <-run.done:
		c.mu.Unlock()
		return
	default:
	}
	err := fmt.Errorf("%w: %w", ErrReadFailed, device.NewTransportError("read", cause))
	c.loading = false
	c.err = err
	run.end(err)
	c.mu.Unlock()

	c.logger.Error("read failed",
		zap.Uint64("generation", run.generation),
		zap.Uint8("id", run.id),
		zap.Error(cause))
	notifyError(c.notifier, fmt.Sprintf("Failed to read control table: %v", cause), err)
	c.changed()
}

func (c *ReadController) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}
