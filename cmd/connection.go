// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/Thermoquad/mttr/internal/config"
	"github.com/Thermoquad/mttr/pkg/bridge"
	"github.com/Thermoquad/mttr/pkg/device"
	"github.com/Thermoquad/mttr/pkg/schema"
	"github.com/Thermoquad/mttr/pkg/session"
	"github.com/Thermoquad/mttr/pkg/sim"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// Connection is an open backend together with what is needed to describe and
// release it
type Connection struct {
	device.Backend
	Info     string
	Registry *schema.Registry

	// nil for the simulated bus
	client *bridge.Client
}

// Stats returns the bridge link statistics, or nil for the simulated bus
func (c *Connection) Stats() *bridge.Statistics {
	if c.client == nil {
		return nil
	}
	return c.client.Stats()
}

// Lost is closed when the bridge link drops. It is nil for the simulated bus.
func (c *Connection) Lost() <-chan struct{} {
	if c.client == nil {
		return nil
	}
	return c.client.Done()
}

// Close releases the bridge link
func (c *Connection) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// GetPassword retrieves the bridge password from config or prompts the user
func GetPassword() (string, error) {
	// MTTR_BACKEND_PASSWORD lands here through the config layer
	if cfg.Backend.Password != "" {
		return cfg.Backend.Password, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// loadRegistry returns the built-in models plus those on the search paths
func loadRegistry() (*schema.Registry, error) {
	reg, err := schema.NewRegistry()
	if err != nil {
		return nil, err
	}
	if err := reg.LoadSearchPaths(cfg.Models.SearchPaths); err != nil {
		return nil, err
	}
	return reg, nil
}

// newSimBus builds the simulated bus described by the sim config section
func newSimBus(reg *schema.Registry, log *zap.Logger) (*sim.Bus, error) {
	opts := append(cfg.Sim.Options(), sim.WithLogger(log))
	bus := sim.New(reg, opts...)
	for _, servo := range cfg.Sim.Servos {
		if err := bus.AddServo(servo); err != nil {
			return nil, fmt.Errorf("sim servo %d: %w", servo.ID, err)
		}
	}
	return bus, nil
}

// OpenConnection opens the backend selected by the configuration
func OpenConnection(ctx context.Context, log *zap.Logger) (*Connection, error) {
	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}

	switch cfg.Backend.Kind {
	case config.BackendWebSocket:
		password := ""
		if cfg.Backend.Username != "" {
			password, err = GetPassword()
			if err != nil {
				return nil, err
			}
		}
		transport, err := bridge.DialWebSocket(ctx, bridge.DialConfig{
			URL:              cfg.Backend.URL,
			Username:         cfg.Backend.Username,
			Password:         password,
			SkipSSLVerify:    cfg.Backend.NoSSLVerify,
			HandshakeTimeout: cfg.Backend.HandshakeTimeout,
		})
		if err != nil {
			return nil, err
		}
		client := newClient(transport, log)
		return &Connection{Backend: client, Info: fmt.Sprintf("WebSocket: %s", cfg.Backend.URL), Registry: reg, client: client}, nil

	case config.BackendSerial:
		transport, err := bridge.OpenSerial(cfg.Backend.SerialPort, cfg.Backend.SerialBaud)
		if err != nil {
			return nil, err
		}
		client := newClient(transport, log)
		info := fmt.Sprintf("Serial: %s @ %d baud", cfg.Backend.SerialPort, cfg.Backend.SerialBaud)
		return &Connection{Backend: client, Info: info, Registry: reg, client: client}, nil

	default:
		bus, err := newSimBus(reg, log)
		if err != nil {
			return nil, err
		}
		return &Connection{Backend: bus, Info: fmt.Sprintf("Simulated bus (%d servo(s))", len(bus.IDs())), Registry: reg}, nil
	}
}

// frameTrace, when set, sees every frame on bridge connections
var frameTrace bridge.TraceFunc

func newClient(t bridge.Transport, log *zap.Logger) *bridge.Client {
	if frameTrace != nil {
		t = bridge.NewTracingTransport(t, frameTrace)
	}
	opts := []bridge.ClientOption{bridge.WithClientLogger(log)}
	if cfg.Backend.ReplyTimeout > 0 {
		opts = append(opts, bridge.WithReplyTimeout(cfg.Backend.ReplyTimeout))
	}
	return bridge.NewClient(t, opts...)
}

// openSession opens the configured backend and wraps it in a session whose
// notifications are printed to stderr. Connection errors exit with code 2.
func openSession(ctx context.Context) (*session.Session, *Connection) {
	conn, err := OpenConnection(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	notifier := session.NotifierFunc(func(n session.Notification) {
		if n.Level == session.LevelError {
			if n.Err != nil {
				fmt.Fprintf(os.Stderr, "ERROR: %s (%v)\n", n.Message, n.Err)
			} else {
				fmt.Fprintf(os.Stderr, "ERROR: %s\n", n.Message)
			}
			return
		}
		fmt.Println(n.Message)
	})
	s := session.New(conn, conn.Registry, session.WithLogger(logger), session.WithNotifier(notifier))
	return s, conn
}
