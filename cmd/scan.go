// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/Thermoquad/mttr/pkg/device"
	"github.com/Thermoquad/mttr/pkg/session"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover servos on the bus",
	Long: `Ping every id in the requested range and report the servos that answer.

The first Ctrl+C cancels the scan; servos found so far are still reported.
When --port is not given the first port reported by the backend is used.

Examples:
  # Scan the simulated bus
  mttr scan

  # Scan ids 1-20 at 1 Mbps through a bridge
  mttr scan --backend ws --url ws://pi.local:8765/bridge --port /dev/ttyUSB0 --baud 1000000 --id-start 1 --id-end 20

Exit codes:
  0 - Scan successful (at least one servo found)
  1 - Scan failed (no servos, cancelled without results, or invalid parameters)
  2 - Connection error`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	addScanFlags(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	s, conn := openSession(context.WithoutCancel(ctx))
	defer conn.Close()

	req, err := scanRequest(ctx, s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("MTTR - Servo Scan\n")
	fmt.Printf("Backend: %s\n", conn.Info)
	fmt.Printf("Port: %s @ %d bps (protocol %s)\n", req.Port, req.BaudRate, req.Protocol)
	fmt.Printf("IDs: %d-%d\n\n", req.IDStart, req.IDEnd)

	found, cancelled, err := scanAndWait(ctx, s, req, true)
	if err != nil {
		if errors.Is(err, session.ErrInvalidScan) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "SCAN FAILED: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("\n--- Scan summary ---\n")
	if cancelled {
		fmt.Printf("Scan was cancelled\n")
	}
	fmt.Printf("Servos found: %d\n", len(found))
	for _, id := range found {
		name := "unknown model"
		if m, ok := conn.Registry.Lookup(id.ModelNumber); ok {
			name = m.Name
		}
		fmt.Printf("  ID %3d  model %5d  %s\n", id.ID, id.ModelNumber, name)
	}

	if len(found) == 0 {
		os.Exit(1)
	}
	return nil
}

// scanRequest builds the scan request from config, defaulting the port to
// the first one the backend reports
func scanRequest(ctx context.Context, s *session.Session) (device.ScanRequest, error) {
	req := cfg.Scan.Request()
	if req.Port != "" {
		return req, nil
	}
	ports, err := s.ListPorts(ctx)
	if err != nil {
		return req, err
	}
	if len(ports) == 0 {
		return req, fmt.Errorf("the backend reports no serial ports")
	}
	req.Port = ports[0]
	return req, nil
}

// scanAndWait runs a scan to completion. Cancelling ctx cancels the scan and
// still waits for its result. With progress set, progress and discoveries
// are printed as they arrive.
func scanAndWait(ctx context.Context, s *session.Session, req device.ScanRequest, progress bool) ([]device.Identity, bool, error) {
	run, err := s.StartScan(context.WithoutCancel(ctx), req)
	if err != nil {
		return nil, false, err
	}

	printed := 0
	lastPercent := -1
	cancelRequested := false
	for {
		select {
		case <-run.Done():
			if progress {
				fmt.Printf("\r%-40s\r", "")
			}
			return run.Wait(context.Background())

		case <-ctx.Done():
			if !cancelRequested {
				cancelRequested = true
				fmt.Printf("\nCancelling scan...\n")
				if err := s.CancelScan(context.Background()); err != nil {
					return nil, false, err
				}
			}
			ctx = context.Background()

		case <-s.Changes():
			if !progress {
				continue
			}
			snap := s.Scans().Snapshot()
			if snap.Generation != run.Generation() {
				continue
			}
			for _, id := range snap.Results[printed:] {
				fmt.Printf("\rServo found: ID %d (model %d)%-10s\n", id.ID, id.ModelNumber, "")
			}
			printed = len(snap.Results)
			if snap.HasProgress {
				if pct := snap.Progress.Percent(req.IDStart); pct != lastPercent {
					lastPercent = pct
					fmt.Printf("\rScanning... %3d%% (id %d)", pct, snap.Progress.Current)
				}
			}
		}
	}
}
