// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/Thermoquad/mttr/pkg/device"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server exposes a device backend to bridge clients
type Server struct {
	backend  device.Backend
	logger   *zap.Logger
	username string
	password string
	upgrader websocket.Upgrader
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithServerLogger sets the logger
func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithBasicAuth requires HTTP Basic credentials on WebSocket upgrades
func WithBasicAuth(username, password string) ServerOption {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// NewServer creates a server for backend
func NewServer(backend device.Backend, opts ...ServerOption) *Server {
	s := &Server{
		backend: backend,
		logger:  zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("bridge")
	return s
}

// ServeHTTP upgrades the request to a WebSocket and serves it until the
// client disconnects
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="mttr"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	t := NewWebSocketTransport(conn)
	defer t.Close()
	s.logger.Info("client connected", zap.String("remote", r.RemoteAddr))
	if err := s.Serve(r.Context(), t); err != nil {
		s.logger.Info("client disconnected", zap.String("remote", r.RemoteAddr), zap.Error(err))
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) == 1
	return userOK && passOK
}

// Serve handles commands arriving on t until it closes or ctx ends. Scan and
// read streams opened by the client are cancelled when Serve returns.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	go func() {
		<-ctx.Done()
		t.Close()
	}()

	for {
		f, err := t.Receive()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, ErrConnectionClosed) {
				return nil
			}
			return err
		}
		s.handle(ctx, t, f, &wg)
	}
}

func (s *Server) handle(ctx context.Context, t Transport, f *Frame, wg *sync.WaitGroup) {
	s.logger.Debug("command", zap.String("id", f.ID), zap.String("kind", string(f.Kind)))

	reply := func(kind Kind, body any) {
		out, err := NewFrame(f.ID, kind, body)
		if err != nil {
			out = ErrorFrame(f.ID, err)
		}
		s.send(t, out)
	}
	fail := func(err error) {
		s.logger.Debug("command failed", zap.String("kind", string(f.Kind)), zap.Error(err))
		s.send(t, ErrorFrame(f.ID, err))
	}

	if f.Kind.Command() {
		if errs := ValidateFrame(f); len(errs) > 0 {
			fail(joinValidation(f.Kind, errs))
			return
		}
	}

	switch f.Kind {
	case KindListPorts:
		ports, err := s.backend.ListPorts(ctx)
		if err != nil {
			fail(err)
			return
		}
		reply(KindPorts, PortsBody{Ports: ports})

	case KindCancelScan:
		if err := s.backend.CancelScan(ctx); err != nil {
			fail(err)
			return
		}
		reply(KindAck, nil)

	case KindDisconnect:
		if err := s.backend.Disconnect(ctx); err != nil {
			fail(err)
			return
		}
		reply(KindAck, nil)

	case KindWrite:
		var body WriteBody
		if err := f.Decode(&body); err != nil {
			fail(err)
			return
		}
		if err := s.backend.WriteField(ctx, body.ServoID, body.Ref(), body.Value); err != nil {
			fail(err)
			return
		}
		reply(KindAck, nil)

	case KindScan:
		var body ScanBody
		if err := f.Decode(&body); err != nil {
			fail(err)
			return
		}
		events, err := s.backend.Scan(ctx, body.Request())
		if err != nil {
			fail(err)
			return
		}
		reply(KindAck, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream(s, t, f.ID, events, scanEventFrame, func(ev device.ScanEvent) bool {
				return ev.Kind == device.ScanFinished || ev.Kind == device.ScanFailed
			})
		}()

	case KindRead:
		var body ReadBody
		if err := f.Decode(&body); err != nil {
			fail(err)
			return
		}
		events, err := s.backend.ReadFields(ctx, body.ServoID, body.Refs())
		if err != nil {
			fail(err)
			return
		}
		reply(KindAck, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream(s, t, f.ID, events, readEventFrame, func(ev device.ReadEvent) bool {
				return ev.Kind == device.ReadFinished || ev.Kind == device.ReadFailed
			})
		}()

	default:
		fail(fmt.Errorf("unknown command: %s", f.Kind))
	}
}

// stream forwards backend events to the client. A backend stream that closes
// without its terminal event is reported as an error frame so the client sees
// the same failure.
func stream[E any](s *Server, t Transport, id string, events <-chan E, toFrame func(string, E) (*Frame, error), terminal func(E) bool) {
	for ev := range events {
		f, err := toFrame(id, ev)
		if err != nil {
			s.logger.Warn("dropping event", zap.Error(err))
			continue
		}
		if !s.send(t, f) || terminal(ev) {
			return
		}
	}
	s.send(t, ErrorFrame(id, device.ErrStreamClosed))
}

func (s *Server) send(t Transport, f *Frame) bool {
	if err := t.Send(f); err != nil {
		s.logger.Debug("send failed", zap.String("kind", string(f.Kind)), zap.Error(err))
		return false
	}
	return true
}
