// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package bridge

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Thermoquad/mttr/pkg/serialports"
	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned when using a closed transport
var ErrConnectionClosed = errors.New("bridge connection closed")

// Transport moves whole frames between the two ends of a bridge. Send is
// safe for concurrent use; Receive must only be called from one goroutine.
type Transport interface {
	Send(f *Frame) error
	Receive() (*Frame, error)
	Close() error
	Stats() *Statistics
}

// StreamTransport carries stuffed frames over a raw byte stream
type StreamTransport struct {
	rw      io.ReadWriteCloser
	reader  *bufio.Reader
	decoder *Decoder
	stats   *Statistics

	writeMu sync.Mutex
}

// NewStreamTransport wraps a byte stream such as a serial port or pipe
func NewStreamTransport(rw io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{
		rw:      rw,
		reader:  bufio.NewReader(rw),
		decoder: NewDecoder(),
		stats:   NewStatistics(),
	}
}

// Send encodes and writes one frame
func (t *StreamTransport) Send(f *Frame) error {
	data, err := EncodeStream(f)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.rw.Write(data); err != nil {
		return err
	}
	t.stats.Sent()
	return nil
}

// Receive blocks until a valid frame arrives. Corrupt frames are counted and
// skipped.
func (t *StreamTransport) Receive() (*Frame, error) {
	for {
		b, err := t.reader.ReadByte()
		if err != nil {
			return nil, err
		}
		f, err := t.decoder.DecodeByte(b)
		if err != nil {
			t.stats.Received(nil, err)
			continue
		}
		if f != nil {
			t.stats.Received(f, nil)
			return f, nil
		}
	}
}

// Close closes the underlying stream
func (t *StreamTransport) Close() error {
	return t.rw.Close()
}

// Stats returns the link statistics
func (t *StreamTransport) Stats() *Statistics {
	return t.stats
}

// OpenSerial opens a serial port and frames traffic over it
func OpenSerial(portName string, baudRate int) (*StreamTransport, error) {
	port, err := serialports.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	return NewStreamTransport(port), nil
}

// WebSocketTransport sends one frame per binary WebSocket message
type WebSocketTransport struct {
	conn  *websocket.Conn
	stats *Statistics

	writeMu sync.Mutex
}

// NewWebSocketTransport wraps an established WebSocket connection
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn, stats: NewStatistics()}
}

// Send writes one frame as a binary message
func (t *WebSocketTransport) Send(f *Frame) error {
	data, err := MarshalFrame(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	t.stats.Sent()
	return nil
}

// Receive reads the next binary message. Text messages and undecodable
// frames are skipped.
func (t *WebSocketTransport) Receive() (*Frame, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrConnectionClosed
			}
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		f, err := UnmarshalFrame(data)
		t.stats.Received(f, err)
		if err != nil {
			continue
		}
		return f, nil
	}
}

// Close sends a close message and closes the connection
func (t *WebSocketTransport) Close() error {
	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

// Stats returns the link statistics
func (t *WebSocketTransport) Stats() *Statistics {
	return t.stats
}

// DialConfig describes a WebSocket bridge endpoint
type DialConfig struct {
	URL              string
	Username         string
	Password         string
	SkipSSLVerify    bool
	HandshakeTimeout time.Duration
}

// DialWebSocket connects to a bridge server with optional HTTP Basic auth
func DialWebSocket(ctx context.Context, cfg DialConfig) (*WebSocketTransport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: cfg.SkipSSLVerify,
		}
	}

	headers := http.Header{}
	if cfg.Username != "" && cfg.Password != "" {
		headers.Set("Authorization", "Basic "+basicAuth(cfg.Username, cfg.Password))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return NewWebSocketTransport(conn), nil
}

func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// TraceFunc observes a frame crossing a transport
type TraceFunc func(dir Direction, f *Frame)

// TracingTransport reports every frame sent or received on the wrapped
// transport
type TracingTransport struct {
	Transport
	trace TraceFunc
}

// NewTracingTransport wraps t so that trace sees every frame
func NewTracingTransport(t Transport, trace TraceFunc) *TracingTransport {
	return &TracingTransport{Transport: t, trace: trace}
}

// Send sends f and traces it once it is on the wire
func (t *TracingTransport) Send(f *Frame) error {
	if err := t.Transport.Send(f); err != nil {
		return err
	}
	t.trace(Outbound, f)
	return nil
}

// Receive traces every frame received
func (t *TracingTransport) Receive() (*Frame, error) {
	f, err := t.Transport.Receive()
	if err == nil {
		t.trace(Inbound, f)
	}
	return f, err
}
