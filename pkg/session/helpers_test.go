// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/mttr/pkg/device"
	"github.com/Thermoquad/mttr/pkg/schema"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testModelNumber = 9000
	waitTimeout     = time.Second
	waitTick        = 5 * time.Millisecond
)

//////////////////////////////////////////////////////////////
// Backend mock
//////////////////////////////////////////////////////////////

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) ListPorts(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	ports, _ := args.Get(0).([]string)
	return ports, args.Error(1)
}

func (m *mockBackend) Scan(ctx context.Context, req device.ScanRequest) (<-chan device.ScanEvent, error) {
	args := m.Called(ctx, req)
	if ch, ok := args.Get(0).(chan device.ScanEvent); ok {
		return ch, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) CancelScan(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockBackend) Disconnect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockBackend) ReadFields(ctx context.Context, id uint8, refs []device.FieldRef) (<-chan device.ReadEvent, error) {
	args := m.Called(ctx, id, refs)
	if ch, ok := args.Get(0).(chan device.ReadEvent); ok {
		return ch, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) WriteField(ctx context.Context, id uint8, ref device.FieldRef, value int64) error {
	return m.Called(ctx, id, ref, value).Error(0)
}

//////////////////////////////////////////////////////////////
// Notification recorder
//////////////////////////////////////////////////////////////

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

func (r *recorder) errors() []Notification {
	var out []Notification
	for _, n := range r.all() {
		if n.Level == LevelError && n.Err != nil {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) messages() []string {
	var out []string
	for _, n := range r.all() {
		out = append(out, n.Message)
	}
	return out
}

//////////////////////////////////////////////////////////////
// Fixtures
//////////////////////////////////////////////////////////////

func testFields() []schema.Field {
	return []schema.Field{
		{Address: 0, Size: 1, Name: "Status", Access: schema.AccessRead},
		{Address: 6, Size: 4, Name: "Position", Access: schema.AccessReadWrite, Range: []int64{0, 4095}},
		{Address: 7, Size: 1, Name: "ID", Access: schema.AccessReadWrite, Range: []int64{0, 252}},
		{Address: 10, Size: 2, Name: "Limit", Access: schema.AccessReadWrite, Range: []int64{0, 1000}},
		{Address: 11, Size: 1, Name: "Mode", Access: schema.AccessReadWrite, ValueMap: map[int64]string{1: "Velocity", 3: "Position"}},
		{Address: 104, Size: 4, Name: "Goal Velocity", Access: schema.AccessReadWrite, Range: []int64{-1023, 1023}, Unit: "0.229 rev/min"},
	}
}

// testValues seeds the cache through the first read after Select
var testValues = map[uint16]int64{0: 0, 6: 100, 7: 1, 10: 500, 11: 1, 104: 0}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.NewRegistry()
	require.NoError(t, err)
	m, err := schema.NewModel(testModelNumber, "Test Servo", testFields())
	require.NoError(t, err)
	require.NoError(t, reg.Register(m))
	return reg
}

func testRequest() device.ScanRequest {
	return device.ScanRequest{
		Port:     "COM3",
		Protocol: device.Protocol2,
		BaudRate: 57600,
		IDStart:  0,
		IDEnd:    10,
	}
}

func scanStream(events ...device.ScanEvent) chan device.ScanEvent {
	ch := make(chan device.ScanEvent, len(events)+8)
	for _, ev := range events {
		ch <- ev
	}
	return ch
}

func readStream(events ...device.ReadEvent) chan device.ReadEvent {
	ch := make(chan device.ReadEvent, len(events)+8)
	for _, ev := range events {
		ch <- ev
	}
	return ch
}

func seedEvents() []device.ReadEvent {
	var events []device.ReadEvent
	for _, f := range testFields() {
		events = append(events, device.Value(f.Address, testValues[f.Address]))
	}
	return append(events, device.ReadDone())
}

// newTestSession returns a session that has scanned devs and not selected
// anything yet
func newTestSession(t *testing.T, devs ...device.Identity) (*Session, *mockBackend, *recorder) {
	t.Helper()

	backend := &mockBackend{}
	rec := &recorder{}
	s := New(backend, testRegistry(t), WithLogger(zap.NewNop()), WithNotifier(rec))

	events := make([]device.ScanEvent, 0, len(devs)+1)
	for _, d := range devs {
		events = append(events, device.Found(d))
	}
	events = append(events, device.Finished(false))
	stream := scanStream(events...)
	close(stream)
	backend.On("Scan", mock.Anything, testRequest()).Return(stream, nil).Once()

	run, err := s.StartScan(context.Background(), testRequest())
	require.NoError(t, err)
	_, _, err = run.Wait(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := s.Config()
		return ok
	}, waitTimeout, waitTick)
	return s, backend, rec
}

// newSelectedSession returns a session with servo 1 of the test model
// selected and its control table loaded from testValues
func newSelectedSession(t *testing.T) (*Session, *mockBackend, *recorder) {
	t.Helper()

	s, backend, rec := newTestSession(t,
		device.Identity{ID: 1, ModelNumber: testModelNumber},
		device.Identity{ID: 2, ModelNumber: testModelNumber})

	stream := readStream(seedEvents()...)
	close(stream)
	backend.On("ReadFields", mock.Anything, uint8(1), mock.Anything).Return(stream, nil).Once()
	run, err := s.Select(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, run.Wait(context.Background()))
	return s, backend, rec
}

func requireValue(t *testing.T, c *FieldCache, addr uint16, want int64) {
	t.Helper()
	state, ok := c.Get(addr)
	require.True(t, ok, "address %d not cached", addr)
	require.True(t, state.Resolved(), "address %d is %s", addr, state)
	require.Equal(t, want, state.Value)
}
