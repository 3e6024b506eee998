// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/mttr/pkg/bridge"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveSerial string
	serveBaud   int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a simulated servo bus over the bridge",
	Long: `Expose the simulated bus from the sim config section as a bridge backend.

By default the bridge listens for WebSocket clients on --listen at --path.
With --serial the bridge speaks the stuffed frame format on a serial port
instead, so a client can use --backend serial on the other end of the link.

Set --serve-username and MTTR_SERVE_PASSWORD to require HTTP Basic auth.

Examples:
  mttr serve --listen 0.0.0.0:8765
  mttr control --backend ws --url ws://localhost:8765/bridge`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "127.0.0.1:8765", "Address to listen on")
	serveCmd.Flags().String("path", "/bridge", "WebSocket endpoint path")
	serveCmd.Flags().String("serve-username", "", "Require HTTP Basic auth with this username")
	serveCmd.Flags().StringVar(&serveSerial, "serial", "", "Serve over this serial port instead of WebSocket")
	serveCmd.Flags().IntVar(&serveBaud, "serial-baud", 115200, "Baud rate for --serial")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := loadRegistry()
	if err != nil {
		return err
	}
	bus, err := newSimBus(reg, logger)
	if err != nil {
		return err
	}

	var opts []bridge.ServerOption
	opts = append(opts, bridge.WithServerLogger(logger))
	if cfg.Serve.Username != "" {
		if cfg.Serve.Password == "" {
			return fmt.Errorf("serve.username is set but MTTR_SERVE_PASSWORD is empty")
		}
		opts = append(opts, bridge.WithBasicAuth(cfg.Serve.Username, cfg.Serve.Password))
	}
	srv := bridge.NewServer(bus, opts...)

	if serveSerial != "" {
		transport, err := bridge.OpenSerial(serveSerial, serveBaud)
		if err != nil {
			return err
		}
		defer transport.Close()
		logger.Info("serving simulated bus", zap.String("serial", serveSerial), zap.Int("baud", serveBaud), zap.Uint8s("servos", bus.IDs()))
		return srv.Serve(ctx, transport)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Serve.Path, srv)
	httpSrv := &http.Server{
		Addr:              cfg.Serve.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	logger.Info("serving simulated bus",
		zap.String("listen", cfg.Serve.Listen),
		zap.String("path", cfg.Serve.Path),
		zap.Uint8s("servos", bus.IDs()))
	fmt.Printf("Bridge listening on ws://%s%s (Ctrl+C to stop)\n", cfg.Serve.Listen, cfg.Serve.Path)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
