// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad
//
// MTTR - Dynamixel servo session coordinator
//
// A CLI and terminal UI for discovering Dynamixel servos on a bus, browsing
// their control tables and writing fields, through a local simulated bus or a
// bridge reached over WebSocket or serial.

package main

import (
	"os"

	"github.com/Thermoquad/mttr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
