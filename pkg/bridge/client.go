// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/mttr/pkg/device"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultReplyTimeout bounds the wait for a command's first reply
const DefaultReplyTimeout = 5 * time.Second

// streamBuffer is the number of frames queued per open request
const streamBuffer = 64

// ClientOption configures a Client
type ClientOption func(*Client)

// WithReplyTimeout sets how long a command waits for its first reply
func WithReplyTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithClientLogger sets the logger
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// pending collects the frames of one request
type pending struct {
	frames chan *Frame
	done   chan struct{}
}

// Client implements device.Backend over a bridge transport
type Client struct {
	transport Transport
	logger    *zap.Logger
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]*pending
	err     error
	closed  chan struct{}
}

var _ device.Backend = (*Client)(nil)

// NewClient starts reading replies from t
func NewClient(t Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: t,
		logger:    zap.NewNop(),
		timeout:   DefaultReplyTimeout,
		pending:   make(map[string]*pending),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("bridge")
	go c.readLoop()
	return c
}

// Close closes the transport. Open streams end without a terminal event.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Done is closed once the transport stops delivering frames
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that ended the transport, if any
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stats returns the link statistics
func (c *Client) Stats() *Statistics {
	return c.transport.Stats()
}

func (c *Client) readLoop() {
	var err error
	for {
		var f *Frame
		f, err = c.transport.Receive()
		if err != nil {
			break
		}
		c.dispatch(f)
	}

	c.logger.Debug("transport closed", zap.Error(err))
	c.mu.Lock()
	c.err = err
	for id, p := range c.pending {
		close(p.frames)
		delete(c.pending, id)
	}
	c.pending = nil
	c.mu.Unlock()
	close(c.closed)
}

func (c *Client) dispatch(f *Frame) {
	c.mu.Lock()
	p, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping frame for unknown request", zap.String("id", f.ID), zap.String("kind", string(f.Kind)))
		return
	}
	select {
	case p.frames <- f:
	case <-p.done:
	}
}

// open sends a command and returns the request awaiting its replies
func (c *Client) open(kind Kind, body any) (string, *pending, error) {
	id := uuid.NewString()
	f, err := NewFrame(id, kind, body)
	if err != nil {
		return "", nil, err
	}

	p := &pending{frames: make(chan *Frame, streamBuffer), done: make(chan struct{})}
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return "", nil, ErrConnectionClosed
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.transport.Send(f); err != nil {
		c.release(id, p)
		return "", nil, err
	}
	return id, p, nil
}

func (c *Client) release(id string, p *pending) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(p.done)
}

// first waits for the first reply to a request. Error replies are returned
// as RemoteError.
func (c *Client) first(ctx context.Context, p *pending) (*Frame, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case f, ok := <-p.frames:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if f.Kind == KindError {
			return nil, RemoteError(f.Error)
		}
		return f, nil
	case <-timer.C:
		return nil, fmt.Errorf("no reply within %s", c.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call sends a command and returns its single reply
func (c *Client) call(ctx context.Context, kind Kind, body any) (*Frame, error) {
	id, p, err := c.open(kind, body)
	if err != nil {
		return nil, err
	}
	defer c.release(id, p)
	return c.first(ctx, p)
}

// ListPorts implements device.Backend
func (c *Client) ListPorts(ctx context.Context) ([]string, error) {
	f, err := c.call(ctx, KindListPorts, nil)
	if err != nil {
		return nil, err
	}
	var body PortsBody
	if f.Kind != KindPorts {
		return nil, fmt.Errorf("unexpected %s reply to %s", f.Kind, KindListPorts)
	}
	if len(f.Body) == 0 {
		return []string{}, nil
	}
	if err := f.Decode(&body); err != nil {
		return nil, err
	}
	return body.Ports, nil
}

// CancelScan implements device.Backend
func (c *Client) CancelScan(ctx context.Context) error {
	_, err := c.call(ctx, KindCancelScan, nil)
	return err
}

// Disconnect implements device.Backend
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.call(ctx, KindDisconnect, nil)
	return err
}

// WriteField implements device.Backend
func (c *Client) WriteField(ctx context.Context, id uint8, field device.FieldRef, value int64) error {
	_, err := c.call(ctx, KindWrite, WriteBody{ServoID: id, Address: field.Address, Size: field.Size, Value: value})
	return err
}

// Scan implements device.Backend
func (c *Client) Scan(ctx context.Context, req device.ScanRequest) (<-chan device.ScanEvent, error) {
	id, p, err := c.open(KindScan, scanBody(req))
	if err != nil {
		return nil, err
	}
	if _, err := c.first(ctx, p); err != nil {
		c.release(id, p)
		return nil, err
	}

	events := make(chan device.ScanEvent)
	go func() {
		defer close(events)
		defer c.release(id, p)
		forward(ctx, p.frames, events, scanEvent, func(err error) device.ScanEvent {
			return device.ScanEvent{Kind: device.ScanFailed, Err: err}
		})
	}()
	return events, nil
}

// ReadFields implements device.Backend
func (c *Client) ReadFields(ctx context.Context, servoID uint8, fields []device.FieldRef) (<-chan device.ReadEvent, error) {
	id, p, err := c.open(KindRead, readBody(servoID, fields))
	if err != nil {
		return nil, err
	}
	if _, err := c.first(ctx, p); err != nil {
		c.release(id, p)
		return nil, err
	}

	events := make(chan device.ReadEvent)
	go func() {
		defer close(events)
		defer c.release(id, p)
		forward(ctx, p.frames, events, readEvent, func(err error) device.ReadEvent {
			return device.ReadEvent{Kind: device.ReadFailed, Err: err}
		})
	}()
	return events, nil
}

// forward converts stream frames into events until a terminal frame. A frame
// that cannot be converted fails the stream. If frames closes first the
// events channel is closed without a terminal event.
func forward[E any](ctx context.Context, frames <-chan *Frame, events chan<- E, convert func(*Frame) (E, error), failed func(error) E) {
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			ev, err := convert(f)
			terminal := f.Terminal()
			if err != nil {
				ev = failed(err)
				terminal = true
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if terminal {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
