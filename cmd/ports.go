// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/Thermoquad/mttr/pkg/serialports"
	"github.com/spf13/cobra"
)

var portsLocal bool

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Long: `List the serial ports the backend can open for scanning.

With --local the ports of this machine are listed instead, which is useful
for choosing a --bridge-port.`,
	RunE: runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
	portsCmd.Flags().BoolVar(&portsLocal, "local", false, "List serial ports on this machine")
}

func runPorts(cmd *cobra.Command, args []string) error {
	var ports []string
	var err error
	if portsLocal {
		ports, err = serialports.List()
	} else {
		s, conn := openSession(cmd.Context())
		defer conn.Close()
		ports, err = s.ListPorts(cmd.Context())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}
