// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Thermoquad/mttr/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mttr.log")
	logger, err := New(config.LogConfig{Level: "debug", File: path})
	require.NoError(t, err)

	logger.Debug("scan started", zap.String("port", "/dev/ttyUSB0"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"scan started"`)
	assert.Contains(t, string(data), `"port":"/dev/ttyUSB0"`)
}

func TestNewLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mttr.log")
	logger, err := New(config.LogConfig{Level: "warn", File: path})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.ErrorLevel))

	_, err = New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestForTerminalUI(t *testing.T) {
	logger, err := ForTerminalUI(config.LogConfig{Level: "info"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.ErrorLevel), "no file means no output")

	path := filepath.Join(t.TempDir(), "tui.log")
	logger, err = ForTerminalUI(config.LogConfig{Level: "info", File: path})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}
