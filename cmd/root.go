// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/Thermoquad/mttr/internal/config"
	"github.com/Thermoquad/mttr/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// annotationFullScreen marks commands that take over the terminal
const annotationFullScreen = "fullscreen"

var (
	configFile string

	// Loaded by the root PersistentPreRunE
	v      = viper.New()
	cfg    *config.Config
	logger = zap.NewNop()
)

// Flags bound to configuration keys. Command-local flags are bound only when
// the running command defines them.
var flagKeys = map[string]string{
	"backend":           "backend.kind",
	"url":               "backend.url",
	"username":          "backend.username",
	"no-ssl-verify":     "backend.no_ssl_verify",
	"bridge-port":       "backend.serial_port",
	"bridge-baud":       "backend.serial_baud",
	"handshake-timeout": "backend.handshake_timeout",
	"models":            "models.search_paths",
	"log-level":         "log.level",
	"log-file":          "log.file",
	"log-dev":           "log.development",

	"port":     "scan.port",
	"protocol": "scan.protocol",
	"baud":     "scan.baud_rate",
	"id-start": "scan.id_start",
	"id-end":   "scan.id_end",

	"listen":         "serve.listen",
	"path":           "serve.path",
	"serve-username": "serve.username",
}

var rootCmd = &cobra.Command{
	Use:   "mttr",
	Short: "Dynamixel servo session coordinator",
	Long: `MTTR - Discover Dynamixel servos, browse their control tables and write fields.

mttr talks to the servo bus through a backend:
  Simulated:  --backend sim (default; servos come from the sim section of the config)
  WebSocket:  --backend ws --url ws://host/bridge [--username user]
  Serial:     --backend serial --bridge-port /dev/ttyUSB0 [--bridge-baud 115200]

Settings are read from mttr.yaml (working directory or ~/.config/mttr), then
MTTR_* environment variables, then flags. For WebSocket authentication the
password is read from MTTR_BACKEND_PASSWORD, or prompted interactively if not
set. The --password flag is intentionally not provided to avoid leaking
credentials in shell history.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Config file (default ./mttr.yaml or ~/.config/mttr/mttr.yaml)")

	// Backend flags
	flags.String("backend", config.BackendSim, "Backend kind: sim, ws or serial")
	flags.StringP("url", "u", "", "Bridge WebSocket URL (ws:// or wss://)")
	flags.String("username", "", "Username for HTTP Basic auth")
	flags.Bool("no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
	flags.String("bridge-port", "", "Serial port the bridge is attached to")
	flags.Int("bridge-baud", 115200, "Baud rate of the bridge serial link")
	flags.Duration("handshake-timeout", 0, "WebSocket handshake timeout")
	flags.StringSlice("models", nil, "Extra directories with model definitions")

	// Logging flags
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Write logs to this file")
	flags.Bool("log-dev", false, "Human readable development logs")
}

// addScanFlags adds the scan parameter flags to a command
func addScanFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("port", "p", "", "Serial port the servos are attached to")
	cmd.Flags().String("protocol", "2.0", "Dynamixel protocol version (1.0 or 2.0)")
	cmd.Flags().IntP("baud", "b", 57600, "Bus baud rate")
	cmd.Flags().Int("id-start", 0, "First servo id to ping")
	cmd.Flags().Int("id-end", 252, "Last servo id to ping")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	bind := func(fs *pflag.FlagSet) error {
		var err error
		fs.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok || err != nil {
				return
			}
			err = v.BindPFlag(key, f)
		})
		return err
	}
	if err := bind(cmd.Flags()); err != nil {
		return err
	}
	if err := bind(cmd.InheritedFlags()); err != nil {
		return err
	}

	var err error
	cfg, err = config.Load(v, configFile)
	if err != nil {
		return err
	}

	// full screen commands own the terminal and set up their own logger
	if cmd.Annotations[annotationFullScreen] == "true" {
		return nil
	}
	logger, err = logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	return nil
}

// Execute runs the root command
func Execute() error {
	defer func() { _ = logger.Sync() }()
	return rootCmd.Execute()
}
