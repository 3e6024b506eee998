// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/Thermoquad/mttr/pkg/bridge"
	"github.com/spf13/cobra"
)

var frameLogCmd = &cobra.Command{
	Use:   "frame_log [id]",
	Short: "Display bridge frames in human-readable format during a scan",
	Long: `Run a scan through the bridge and print every frame sent and received,
with its decoded body. Given a servo id, the servo is then selected and its
control table read, so the read stream is logged too.

Inbound frames that break the protocol are flagged with [WARN] lines.
Ctrl+C cancels the scan.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFrameLog,
}

func init() {
	rootCmd.AddCommand(frameLogCmd)
	addScanFlags(frameLogCmd)
}

func runFrameLog(cmd *cobra.Command, args []string) error {
	var id *uint8
	if len(args) == 1 {
		v, err := parseServoID(args[0])
		if err != nil {
			return err
		}
		id = &v
	}

	var mu sync.Mutex
	frameTrace = func(dir bridge.Direction, f *bridge.Frame) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Print(bridge.FormatFrame(f, dir, time.Now()))
		if dir == bridge.Inbound {
			for _, verr := range bridge.ValidateFrame(f) {
				fmt.Printf("[WARN] %s\n", verr.Message)
			}
		}
	}
	defer func() { frameTrace = nil }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	s, conn := openSession(context.WithoutCancel(ctx))
	defer conn.Close()
	if conn.Stats() == nil {
		fmt.Fprintf(os.Stderr, "Connection error: frame_log needs a bridge backend (--backend ws or serial)\n")
		os.Exit(2)
	}

	fmt.Printf("MTTR - Frame Log\n")
	fmt.Printf("Connection: %s\n\n", conn.Info)

	req, err := scanRequest(ctx, s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	if id != nil {
		req.IDStart, req.IDEnd = *id, *id
	}

	if _, _, err := scanAndWait(ctx, s, req, false); err != nil {
		fmt.Fprintf(os.Stderr, "SCAN FAILED: %v\n", err)
	} else if id != nil {
		run, err := s.Select(context.WithoutCancel(ctx), *id)
		if err == nil {
			err = run.Wait(ctx)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "READ FAILED: %v\n", err)
		}
	}

	fmt.Println()
	fmt.Print(conn.Stats().String())
	return nil
}
