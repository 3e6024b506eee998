// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/mttr/internal/logging"
	"github.com/Thermoquad/mttr/pkg/session"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for scanning and configuring servos",
	Long: `Scan for servos and browse or edit their control tables in an interactive
terminal UI.

Features:
  - Scan form (port, protocol, baud rate, id range) with progress and cancel
  - Discovered servo list; selecting a servo loads its control table
  - Control table with in-place editing, range and value map validation
  - Goal Velocity slider that writes on release, with a Stop shortcut
  - Bridge link statistics and an event log
  - Automatic reconnection when a bridge link drops

Tab switches between the scan form, servo list, control table and velocity
slider. Logs go to --log-file when set, since the UI owns the terminal.`,
	Annotations: map[string]string{annotationFullScreen: "true"},
	RunE:        runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
	addScanFlags(controlCmd)
}

// connectionManager owns the backend connection and its session, and
// reconnects when a bridge link drops
type connectionManager struct {
	log  *zap.Logger
	p    *tea.Program
	done chan struct{}

	// notifications from every session, drained by the TUI
	notes chan session.Notification

	mu   sync.RWMutex
	conn *Connection
	sess *session.Session
}

func newConnectionManager(log *zap.Logger) *connectionManager {
	return &connectionManager{
		log:   log,
		done:  make(chan struct{}),
		notes: make(chan session.Notification, 64),
	}
}

// Notify implements session.Notifier without blocking
func (cm *connectionManager) Notify(n session.Notification) {
	select {
	case cm.notes <- n:
	default:
		cm.log.Warn("dropping notification", zap.String("message", n.Message))
	}
}

// connect opens the configured backend and starts a fresh session on it
func (cm *connectionManager) connect(ctx context.Context) (*Connection, *session.Session, error) {
	conn, err := OpenConnection(ctx, cm.log)
	if err != nil {
		return nil, nil, err
	}
	sess := session.New(conn, conn.Registry, session.WithLogger(cm.log), session.WithNotifier(cm))

	cm.mu.Lock()
	cm.conn = conn
	cm.sess = sess
	cm.mu.Unlock()
	return conn, sess, nil
}

func (cm *connectionManager) get() (*Connection, *session.Session) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn, cm.sess
}

// watch waits for the bridge link to drop, then reconnects
func (cm *connectionManager) watch() {
	for {
		conn, _ := cm.get()
		select {
		case <-cm.done:
			return
		case <-conn.Lost():
		}

		cm.p.Send(connectionLostMsg{})
		if !cm.reconnect() {
			return
		}
	}
}

// reconnect attempts to reconnect with exponential backoff
// Returns false if shutdown was requested during reconnection
func (cm *connectionManager) reconnect() bool {
	if conn, _ := cm.get(); conn != nil {
		conn.Close()
	}

	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-cm.done:
			return false
		case <-time.After(backoff):
		}

		conn, sess, err := cm.connect(context.Background())
		if err == nil {
			cm.p.Send(reconnectedMsg{conn: conn, sess: sess})
			return true
		}
		cm.log.Debug("reconnect failed", zap.Error(err), zap.Duration("backoff", backoff))

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (cm *connectionManager) close() {
	close(cm.done)
	if conn, sess := cm.get(); conn != nil {
		sess.CancelScan(context.Background())
		conn.Close()
	}
}

func runControl(cmd *cobra.Command, args []string) error {
	var err error
	logger, err = logging.ForTerminalUI(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	cm := newConnectionManager(logger)
	conn, sess, err := cm.connect(cmd.Context())
	if err != nil {
		return err
	}

	m := initialControlModel(cm, conn, sess)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	cm.p = p

	// only bridge links can drop
	if conn.Lost() != nil {
		go cm.watch()
	}

	_, err = p.Run()
	cm.close()
	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}
