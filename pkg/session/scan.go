// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package session

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/Thermoquad/mttr/pkg/device"
	"go.uber.org/zap"
)

// ScanProgress is the last progress report of a scan. UI feedback only.
type ScanProgress struct {
	Current int
	Total   int
}

// Percent returns the completion percentage relative to the scanned range
func (p ScanProgress) Percent(idStart uint8) int {
	if p.Total <= 0 {
		return 0
	}
	return int(math.Round(float64(p.Current-int(idStart)) / float64(p.Total) * 100))
}

// ScanSnapshot is a consistent view of the scan controller
type ScanSnapshot struct {
	Generation  uint64
	Request     device.ScanRequest
	Running     bool
	Finished    bool
	Cancelled   bool
	Results     []device.Identity
	Progress    ScanProgress
	HasProgress bool
	Err         error
}

// ScanRun is the handle of one scan session
type ScanRun struct {
	generation uint64
	request    device.ScanRequest
	done       chan struct{}

	// set before done is closed
	results   []device.Identity
	cancelled bool
	err       error
}

// Generation returns the generation the run was started under
func (r *ScanRun) Generation() uint64 { return r.generation }

// Request returns the parameters the run was started with
func (r *ScanRun) Request() device.ScanRequest { return r.request }

// Done is closed when the run finished, failed or was superseded
func (r *ScanRun) Done() <-chan struct{} { return r.done }

// Wait blocks until the run ends and returns its outcome
func (r *ScanRun) Wait(ctx context.Context) ([]device.Identity, bool, error) {
	select {
	case <-r.done:
		return r.results, r.cancelled, r.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// ScanController owns the lifecycle of discovery scans: start, stream
// consumption, cancellation and completion.
//
// Every started scan increments the generation; events of older generations
// are dropped, so a backend that keeps streaming after being superseded
// cannot corrupt the current result list.
type ScanController struct {
	backend  device.Backend
	logger   *zap.Logger
	notifier Notifier

	mu          sync.Mutex
	generation  uint64
	current     *ScanRun
	running     bool
	finished    bool
	cancelled   bool
	results     []device.Identity
	progress    ScanProgress
	hasProgress bool
	err         error

	onChange func()
}

// NewScanController creates a scan controller
func NewScanController(backend device.Backend, logger *zap.Logger, notifier Notifier) *ScanController {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ScanController{
		backend:  backend,
		logger:   logger.Named("scan"),
		notifier: notifier,
		results:  []device.Identity{},
	}
}

// Start begins a new scan. A scan already running is superseded first: its
// generation is invalidated before the new request reaches the backend.
func (c *ScanController) Start(ctx context.Context, req device.ScanRequest) (*ScanRun, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScan, err)
	}

	c.mu.Lock()
	c.generation++
	if prev := c.current; prev != nil && c.running {
		c.logger.Debug("superseding running scan", zap.Uint64("generation", prev.generation))
		c.endRun(prev, nil, false, ErrSuperseded)
	}
	run := &ScanRun{
		generation: c.generation,
		request:    req,
		done:       make(chan struct{}),
	}
	c.current = run
	c.running = true
	c.finished = false
	c.cancelled = false
	c.results = []device.Identity{}
	c.progress = ScanProgress{}
	c.hasProgress = false
	c.err = nil
	c.mu.Unlock()
	c.changed()

	c.logger.Info("starting scan",
		zap.Uint64("generation", run.generation),
		zap.String("port", req.Port),
		zap.String("protocol", string(req.Protocol)),
		zap.Int("baud_rate", req.BaudRate),
		zap.Uint8("id_start", req.IDStart),
		zap.Uint8("id_end", req.IDEnd))

	events, err := c.backend.Scan(ctx, req)
	if err != nil {
		c.fail(run, err)
		return run, run.err
	}

	go c.consume(run, events)
	return run, nil
}

// Cancel asks the backend to stop the running scan. Results are not
// truncated here; the scan finalizes on Finished(cancelled=true).
func (c *ScanController) Cancel(ctx context.Context) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return nil
	}

	c.logger.Info("cancelling scan")
	if err := c.backend.CancelScan(ctx); err != nil {
		err = device.NewTransportError("cancel scan", err)
		notifyError(c.notifier, fmt.Sprintf("Failed to cancel scan: %v", err), err)
		return err
	}
	return nil
}

// Snapshot returns the current state of the controller
func (c *ScanController) Snapshot() ScanSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var req device.ScanRequest
	if c.current != nil {
		req = c.current.request
	}
	return ScanSnapshot{
		Generation:  c.generation,
		Request:     req,
		Running:     c.running,
		Finished:    c.finished,
		Cancelled:   c.cancelled,
		Results:     slices.Clone(c.results),
		Progress:    c.progress,
		HasProgress: c.hasProgress,
		Err:         c.err,
	}
}

// Running reports whether a scan is in progress
func (c *ScanController) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Generation returns the current scan generation
func (c *ScanController) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *ScanController) consume(run *ScanRun, events <-chan device.ScanEvent) {
	for ev := range events {
		c.apply(run, ev)
	}
	// A stream that closes before Finished broke in transit
	c.fail(run, device.ErrStreamClosed)
}

func (c *ScanController) apply(run *ScanRun, ev device.ScanEvent) {
	c.mu.Lock()
	if run.generation != c.generation || c.finished {
		c.mu.Unlock()
		c.logger.Debug("dropping stale scan event",
			zap.Uint64("generation", run.generation),
			zap.Stringer("kind", ev.Kind))
		return
	}

	switch ev.Kind {
	case device.ScanFound:
		c.results = append(c.results, ev.Device)
		c.logger.Info("servo found",
			zap.Uint8("id", ev.Device.ID),
			zap.Uint16("model_number", ev.Device.ModelNumber))

	case device.ScanProgress:
		c.progress = ScanProgress{Current: ev.Current, Total: ev.Total}
		c.hasProgress = true

	case device.ScanFinished:
		c.running = false
		c.finished = true
		c.cancelled = ev.Cancelled
		c.endRun(run, slices.Clone(c.results), ev.Cancelled, nil)
		c.mu.Unlock()

		c.logger.Info("scan finished",
			zap.Uint64("generation", run.generation),
			zap.Int("found", len(run.results)),
			zap.Bool("cancelled", ev.Cancelled))
		c.changed()
		return

	case device.ScanFailed:
		c.mu.Unlock()
		c.fail(run, ev.Err)
		return
	}
	c.mu.Unlock()
	c.changed()
}

// fail ends the run with a transport failure and empties the result list
func (c *ScanController) fail(run *ScanRun, cause error) {
	if cause == nil {
		cause = device.ErrStreamClosed
	}

	c.mu.Lock()
	if run.generation != c.generation || c.finished {
		c.mu.Unlock()
		return
	}
	err := fmt.Errorf("%w: %w", ErrScanFailed, device.NewTransportError("scan", cause))
	c.running = false
	c.finished = true
	c.results = []device.Identity{}
	c.err = err
	c.endRun(run, nil, false, err)
	c.mu.Unlock()

	c.logger.Error("scan failed", zap.Uint64("generation", run.generation), zap.Error(cause))
	notifyError(c.notifier, fmt.Sprintf("Scan failed: %v", cause), err)
	c.changed()
}

// endRun records the outcome and releases waiters. Caller holds c.mu.
func (c *ScanController) endRun(run *ScanRun, results []device.Identity, cancelled bool, err error) {
	select {
	case <-run.done:
		return
	default:
	}
	if results == nil {
		results = []device.Identity{}
	}
	run.results = results
	run.cancelled = cancelled
	run.err = err
	close(run.done)
}

func (c *ScanController) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}
