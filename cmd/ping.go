// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	pingTimeout time.Duration
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Test the bridge link with list_ports round trips",
	Long: `Send list_ports requests to the bridge and wait for each reply.

The bridge answers list_ports without touching the servo bus, so this tests
the link on its own. This is useful for verifying:
  - the WebSocket or serial link is established
  - HTTP Basic authentication works
  - the bridge is decoding and answering frames

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 5*time.Second, "Timeout for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	conn, err := OpenConnection(cmd.Context(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	if conn.Stats() == nil {
		fmt.Fprintf(os.Stderr, "Connection error: ping needs a bridge backend (--backend ws or serial)\n")
		os.Exit(2)
	}

	fmt.Printf("MTTR - Bridge Ping\n")
	fmt.Printf("Connection: %s\n", conn.Info)
	fmt.Printf("Timeout: %s per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	var total time.Duration
	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		ctx, cancel := context.WithTimeout(cmd.Context(), pingTimeout)
		start := time.Now()
		ports, err := conn.ListPorts(ctx)
		rtt := time.Since(start)
		cancel()

		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
		} else {
			fmt.Printf("reply, %d port(s), rtt=%v\n", len(ports), rtt.Round(time.Millisecond))
			successCount++
			total += rtt
		}

		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d replies received, %.0f%% loss",
		pingCount, successCount, float64(pingCount-successCount)/float64(max(pingCount, 1))*100)
	if successCount > 0 {
		fmt.Printf(", avg rtt=%v", (total / time.Duration(successCount)).Round(time.Millisecond))
	}
	fmt.Println()
	fmt.Print(conn.Stats().String())

	if successCount < pingCount {
		os.Exit(1)
	}
	return nil
}
