// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Thermoquad/mttr/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSessionScanCommitsConnection(t *testing.T) {
	s, _, rec := newTestSession(t,
		device.Identity{ID: 1, ModelNumber: 1060},
		device.Identity{ID: 5, ModelNumber: 1060})

	assert.Equal(t, []device.Identity{{ID: 1, ModelNumber: 1060}, {ID: 5, ModelNumber: 1060}}, s.Devices())
	cfg, ok := s.Config()
	require.True(t, ok)
	assert.Equal(t, device.ConnectionConfig{Port: "COM3", Protocol: device.Protocol2, BaudRate: 57600}, cfg)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, waitTimeout, waitTick)
	assert.Equal(t, []string{"Found 2 servo(s)."}, rec.messages())

	_, ok = s.Active()
	assert.False(t, ok)
}

func TestSessionScanWithoutServos(t *testing.T) {
	_, _, rec := newTestSession(t)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, waitTimeout, waitTick)
	assert.Equal(t, []string{"No servos found. Check your connection and settings."}, rec.messages())
}

func TestSessionScanCancelled(t *testing.T) {
	backend := &mockBackend{}
	rec := &recorder{}
	s := New(backend, testRegistry(t), WithNotifier(rec))

	stream := scanStream(device.Found(device.Identity{ID: 4, ModelNumber: 1060}))
	backend.On("Scan", mock.Anything, mock.Anything).Return(stream, nil).Once()
	backend.On("CancelScan", mock.Anything).Return(nil).Run(func(mock.Arguments) {
		stream <- device.Finished(true)
		close(stream)
	}).Once()

	run, err := s.StartScan(context.Background(), testRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Scans().Snapshot().Results) == 1 }, waitTimeout, waitTick)
	require.NoError(t, s.CancelScan(context.Background()))

	_, cancelled, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, cancelled)
	require.Eventually(t, func() bool { return len(s.Devices()) == 1 }, waitTimeout, waitTick)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, waitTimeout, waitTick)
	assert.Equal(t, []string{"Scan cancelled."}, rec.messages())
}

func TestSessionScanFailure(t *testing.T) {
	backend := &mockBackend{}
	rec := &recorder{}
	s := New(backend, testRegistry(t), WithNotifier(rec))

	stream := scanStream(device.Found(device.Identity{ID: 4, ModelNumber: 1060}))
	close(stream)
	backend.On("Scan", mock.Anything, mock.Anything).Return(stream, nil).Once()

	run, err := s.StartScan(context.Background(), testRequest())
	require.NoError(t, err)
	_, _, err = run.Wait(context.Background())
	assert.ErrorIs(t, err, ErrScanFailed)

	assert.Empty(t, s.Devices())
	_, ok := s.Config()
	assert.False(t, ok)
	assert.Len(t, rec.errors(), 1)
}

func TestSessionInvalidScanKeepsState(t *testing.T) {
	s, backend, _ := newSelectedSession(t)

	req := testRequest()
	req.IDStart, req.IDEnd = 10, 0
	_, err := s.StartScan(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidScan)

	_, ok := s.Active()
	assert.True(t, ok)
	assert.Len(t, s.Devices(), 2)
	backend.AssertNumberOfCalls(t, "Scan", 1)
}

func TestSessionRescanClearsSelection(t *testing.T) {
	s, backend, _ := newSelectedSession(t)

	stream := scanStream()
	backend.On("Scan", mock.Anything, mock.Anything).Return(stream, nil).Once()
	_, err := s.StartScan(context.Background(), testRequest())
	require.NoError(t, err)

	_, ok := s.Active()
	assert.False(t, ok)
	assert.Nil(t, s.Model())
	assert.Nil(t, s.Velocity())
	assert.Empty(t, s.Devices())
	assert.Zero(t, s.Cache().Len())
	_, ok = s.Config()
	assert.False(t, ok)
	assert.ErrorIs(t, s.Writes().BeginEdit(10), ErrNoDevice)
	_, err = s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoDevice)
	close(stream)
}

func TestSessionSelectUnknownModel(t *testing.T) {
	s, backend, _ := newTestSession(t, device.Identity{ID: 1, ModelNumber: 0})

	run, err := s.Select(context.Background(), 1)
	assert.Nil(t, run)
	assert.ErrorIs(t, err, ErrNoSchema)

	active, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, uint8(1), active.ID)
	assert.Nil(t, s.Model())
	assert.Nil(t, s.Velocity())

	assert.ErrorIs(t, s.Writes().BeginEdit(7), ErrNoSchema)
	_, err = s.Writes().Validate(7, "3")
	assert.ErrorIs(t, err, ErrNoSchema)
	_, err = s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoSchema)
	backend.AssertNotCalled(t, "ReadFields", mock.Anything, mock.Anything, mock.Anything)
}

func TestSessionSelectUnknownDevice(t *testing.T) {
	s, _, _ := newTestSession(t, device.Identity{ID: 1, ModelNumber: testModelNumber})

	_, err := s.Select(context.Background(), 42)
	assert.ErrorIs(t, err, ErrUnknownDevice)
	_, ok := s.Active()
	assert.False(t, ok)
}

func TestSessionSelectReadsControlTable(t *testing.T) {
	s, backend, _ := newSelectedSession(t)

	model := s.Model()
	require.NotNil(t, model)
	assert.Equal(t, "Test Servo", model.Name)
	for addr, want := range testValues {
		requireValue(t, s.Cache(), addr, want)
	}
	backend.AssertCalled(t, "ReadFields", mock.Anything, uint8(1), model.FieldRefs())
}

func TestSessionSnapshotsDuringSlowReadStart(t *testing.T) {
	s, backend, _ := newTestSession(t,
		device.Identity{ID: 1, ModelNumber: testModelNumber},
		device.Identity{ID: 2, ModelNumber: testModelNumber})

	addressed := make(chan struct{})
	release := make(chan struct{})
	stream := readStream(seedEvents()...)
	close(stream)
	backend.On("ReadFields", mock.Anything, uint8(2), mock.Anything).Return(stream, nil).Run(func(mock.Arguments) {
		close(addressed)
		<-release
	}).Once()

	selected := make(chan error, 1)
	go func() {
		run, err := s.Select(context.Background(), 2)
		if err == nil {
			err = run.Wait(context.Background())
		}
		selected <- err
	}()
	<-addressed

	snapshot := make(chan struct{})
	go func() {
		defer close(snapshot)
		active, ok := s.Active()
		assert.True(t, ok)
		assert.Equal(t, uint8(2), active.ID)
		assert.Len(t, s.Devices(), 2)
		assert.NotNil(t, s.Model())
	}()
	select {
	case <-snapshot:
	case <-time.After(waitTimeout):
		t.Fatal("snapshot accessors blocked behind the read start")
	}

	close(release)
	require.NoError(t, <-selected)
	requireValue(t, s.Cache(), 10, 500)
}

func TestSessionDisconnect(t *testing.T) {
	s, backend, rec := newSelectedSession(t)
	backend.On("Disconnect", mock.Anything).Return(nil).Once()

	require.NoError(t, s.Disconnect(context.Background()))
	assert.Empty(t, s.Devices())
	_, ok := s.Active()
	assert.False(t, ok)
	_, ok = s.Config()
	assert.False(t, ok)
	assert.Zero(t, s.Cache().Len())

	backend.On("Disconnect", mock.Anything).Return(errors.New("bridge gone")).Once()
	err := s.Disconnect(context.Background())
	var te *device.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "disconnect", te.Op)
	assert.Len(t, rec.errors(), 1)
}

func TestSessionListPorts(t *testing.T) {
	backend := &mockBackend{}
	rec := &recorder{}
	s := New(backend, testRegistry(t), WithNotifier(rec))

	backend.On("ListPorts", mock.Anything).Return([]string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, nil).Once()
	ports, err := s.ListPorts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, ports)

	backend.On("ListPorts", mock.Anything).Return(nil, errors.New("permission denied")).Once()
	_, err = s.ListPorts(context.Background())
	assert.Error(t, err)
	assert.Len(t, rec.errors(), 1)
}

func TestSessionSignalsChanges(t *testing.T) {
	s, _, _ := newSelectedSession(t)

	// drain whatever the setup produced
	select {
	case <-s.Changes():
	default:
	}

	require.NoError(t, s.Writes().BeginEdit(10))
	select {
	case <-s.Changes():
	default:
		t.Fatal("expected a change signal")
	}
}
