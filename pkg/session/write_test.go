// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package session

import (
	"context"
	"errors"
	"testing"

	"github.com/Thermoquad/mttr/pkg/device"
	"github.com/Thermoquad/mttr/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestValidateInput(t *testing.T) {
	limit := &schema.Field{Address: 10, Size: 2, Name: "Limit", Access: schema.AccessReadWrite, Range: []int64{0, 1000}}
	mode := &schema.Field{Address: 11, Size: 1, Name: "Mode", Access: schema.AccessReadWrite, ValueMap: map[int64]string{1: "Velocity", 3: "Position"}}
	raw := &schema.Field{Address: 2, Size: 1, Name: "Raw", Access: schema.AccessReadWrite}
	rawID := &schema.Field{Address: 7, Size: 1, Name: schema.IdentityFieldName, Access: schema.AccessReadWrite}

	tests := []struct {
		name     string
		field    *schema.Field
		input    string
		want     int64
		wantKind ValidationKind
		wantErr  bool
	}{
		{"integer", limit, "42", 42, 0, false},
		{"surrounding space", limit, " 42 ", 42, 0, false},
		{"lower bound", limit, "0", 0, 0, false},
		{"upper bound", limit, "1000", 1000, 0, false},
		{"integral float", limit, "1e3", 1000, 0, false},
		{"empty", limit, "", 0, NotANumber, true},
		{"text", limit, "abc", 0, NotANumber, true},
		{"nan", limit, "NaN", 0, NotANumber, true},
		{"infinity", limit, "Inf", 0, NotAnInteger, true},
		{"signed infinity", limit, "-Infinity", 0, NotAnInteger, true},
		{"fraction", limit, "12.5", 0, NotAnInteger, true},
		{"fraction out of range", limit, "1200.5", 0, NotAnInteger, true},
		{"above range", limit, "1200", 0, OutOfRange, true},
		{"below range", limit, "-1", 0, OutOfRange, true},
		{"overflow", limit, "99999999999999999999", 0, OutOfRange, true},
		{"enum key", mode, "3", 3, 0, false},
		{"enum gap", mode, "2", 0, NotInEnum, true},
		{"width bound", raw, "255", 255, 0, false},
		{"beyond width", raw, "256", 0, OutOfRange, true},
		{"identity without range", rawID, "252", 252, 0, false},
		{"identity above bus ids", rawID, "253", 0, OutOfRange, true},
		{"negative identity", rawID, "-1", 0, OutOfRange, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateInput(tt.field, tt.input)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantKind, ve.Kind)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestValidateOutOfRangeLeavesCache(t *testing.T) {
	s, backend, rec := newSelectedSession(t)
	w := s.Writes()

	require.NoError(t, w.BeginEdit(10))
	require.NoError(t, w.SetDraft(10, "1200"))

	_, err := w.Validate(10, "1200")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, OutOfRange, ve.Kind)
	assert.Equal(t, int64(0), ve.Min)
	assert.Equal(t, int64(1000), ve.Max)

	err = w.CommitDraft(context.Background(), 10)
	assert.True(t, IsValidationError(err))
	err = w.Commit(context.Background(), 10, 1200)
	assert.True(t, IsValidationError(err))

	requireValue(t, s.Cache(), 10, 500)
	assert.Equal(t, Editing, w.State(10))
	draft, _ := w.Draft(10)
	assert.Equal(t, "1200", draft)
	assert.Empty(t, rec.errors())
	backend.AssertNotCalled(t, "WriteField", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCommitUpdatesCacheWithoutRead(t *testing.T) {
	s, backend, _ := newSelectedSession(t)
	w := s.Writes()
	backend.On("WriteField", mock.Anything, uint8(1), device.FieldRef{Address: 10, Size: 2}, int64(750)).Return(nil).Once()

	require.NoError(t, w.BeginEdit(10))
	require.NoError(t, w.Commit(context.Background(), 10, 750))

	requireValue(t, s.Cache(), 10, 750)
	assert.Equal(t, Clean, w.State(10))
	assert.False(t, s.Cache().Writing(10))
	backend.AssertNumberOfCalls(t, "ReadFields", 1)
	backend.AssertExpectations(t)
}

func TestCommitUnchangedValueClosesEdit(t *testing.T) {
	s, backend, _ := newSelectedSession(t)
	w := s.Writes()

	require.NoError(t, w.BeginEdit(10))
	draft, ok := w.Draft(10)
	require.True(t, ok)
	assert.Equal(t, "500", draft)

	require.NoError(t, w.CommitDraft(context.Background(), 10))
	assert.Equal(t, Clean, w.State(10))
	backend.AssertNotCalled(t, "WriteField", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCommitFailureKeepsDraft(t *testing.T) {
	s, backend, rec := newSelectedSession(t)
	w := s.Writes()
	backend.On("WriteField", mock.Anything, uint8(1), mock.Anything, int64(750)).Return(errors.New("no status packet")).Once()

	require.NoError(t, w.BeginEdit(10))
	require.NoError(t, w.SetDraft(10, "750"))
	err := w.CommitDraft(context.Background(), 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteFailed)

	var te *device.TransportError
	assert.ErrorAs(t, err, &te)

	assert.Equal(t, Editing, w.State(10))
	draft, _ := w.Draft(10)
	assert.Equal(t, "750", draft)
	requireValue(t, s.Cache(), 10, 500)
	assert.False(t, s.Cache().Writing(10))
	assert.Len(t, rec.errors(), 1)

	// retry from the same draft
	backend.On("WriteField", mock.Anything, uint8(1), mock.Anything, int64(750)).Return(nil).Once()
	require.NoError(t, w.CommitDraft(context.Background(), 10))
	requireValue(t, s.Cache(), 10, 750)
}

func TestEditRejectedWhileWriting(t *testing.T) {
	s, backend, _ := newSelectedSession(t)
	w := s.Writes()

	release := make(chan struct{})
	backend.On("WriteField", mock.Anything, uint8(1), mock.Anything, int64(750)).Return(nil).Run(func(mock.Arguments) {
		<-release
	}).Once()

	require.NoError(t, w.BeginEdit(10))
	done := make(chan error, 1)
	go func() { done <- w.Commit(context.Background(), 10, 750) }()

	require.Eventually(t, func() bool { return w.State(10) == Writing }, waitTimeout, waitTick)
	assert.ErrorIs(t, w.BeginEdit(10), ErrWriteInFlight)
	assert.ErrorIs(t, w.SetDraft(10, "1"), ErrWriteInFlight)
	assert.ErrorIs(t, w.CancelEdit(10), ErrWriteInFlight)
	assert.ErrorIs(t, w.Commit(context.Background(), 10, 751), ErrWriteInFlight)

	// other addresses stay editable
	assert.NoError(t, w.BeginEdit(6))

	close(release)
	require.NoError(t, <-done)
	requireValue(t, s.Cache(), 10, 750)
	assert.Equal(t, Clean, w.State(10))
}

func TestBeginEditPreconditions(t *testing.T) {
	s, _, _ := newSelectedSession(t)
	w := s.Writes()

	assert.ErrorIs(t, w.BeginEdit(0), ErrReadOnly)
	assert.ErrorIs(t, w.BeginEdit(99), ErrUnknownField)

	s.Cache().applyRead(6, failed("timeout"))
	assert.ErrorIs(t, w.BeginEdit(6), ErrNotResolved)

	s.Cache().reset([]uint16{10})
	assert.ErrorIs(t, w.BeginEdit(10), ErrNotResolved)

	assert.ErrorIs(t, w.SetDraft(7, "3"), ErrNotEditing)
	assert.ErrorIs(t, w.Commit(context.Background(), 7, 3), ErrNotEditing)
	assert.NoError(t, w.CancelEdit(7))
}

func TestCancelEditDiscardsDraft(t *testing.T) {
	s, backend, _ := newSelectedSession(t)
	w := s.Writes()

	require.NoError(t, w.BeginEdit(10))
	require.NoError(t, w.SetDraft(10, "900"))
	require.NoError(t, w.CancelEdit(10))

	assert.Equal(t, Clean, w.State(10))
	_, ok := w.Draft(10)
	assert.False(t, ok)
	requireValue(t, s.Cache(), 10, 500)
	backend.AssertNotCalled(t, "WriteField", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIdentityCommitRemapsDevice(t *testing.T) {
	s, backend, _ := newSelectedSession(t)
	w := s.Writes()
	backend.On("WriteField", mock.Anything, uint8(1), device.FieldRef{Address: 7, Size: 1}, int64(3)).Return(nil).Once()

	require.NoError(t, w.BeginEdit(7))
	require.NoError(t, w.Commit(context.Background(), 7, 3))

	active, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, uint8(3), active.ID)
	assert.Equal(t, []device.Identity{
		{ID: 3, ModelNumber: testModelNumber},
		{ID: 2, ModelNumber: testModelNumber},
	}, s.Devices())
	requireValue(t, s.Cache(), 7, 3)

	stream := readStream(seedEvents()...)
	close(stream)
	backend.On("ReadFields", mock.Anything, uint8(3), mock.Anything).Return(stream, nil).Once()
	run, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint8(3), run.DeviceID())
	require.NoError(t, run.Wait(context.Background()))

	backend.On("WriteField", mock.Anything, uint8(3), device.FieldRef{Address: 10, Size: 2}, int64(1)).Return(nil).Once()
	require.NoError(t, w.BeginEdit(10))
	require.NoError(t, w.Commit(context.Background(), 10, 1))
	backend.AssertExpectations(t)
}

func TestReadStartedBeforeCommitDoesNotClobber(t *testing.T) {
	s, backend, _ := newSelectedSession(t)
	w := s.Writes()

	release := make(chan struct{})
	backend.On("WriteField", mock.Anything, uint8(1), mock.Anything, int64(750)).Return(nil).Run(func(mock.Arguments) {
		<-release
	}).Once()

	require.NoError(t, w.BeginEdit(10))
	done := make(chan error, 1)
	go func() { done <- w.Commit(context.Background(), 10, 750) }()
	require.Eventually(t, func() bool { return s.Cache().Writing(10) }, waitTimeout, waitTick)

	stream := readStream(device.Value(6, 200))
	backend.On("ReadFields", mock.Anything, uint8(1), mock.Anything).Return(stream, nil).Once()
	run, err := s.Refresh(context.Background())
	require.NoError(t, err)

	// the write lock keeps address 10 out of the new generation
	requireValue(t, s.Cache(), 10, 500)

	close(release)
	require.NoError(t, <-done)

	// the read answers with the value it sampled before the commit
	stream <- device.Value(10, 500)
	stream <- device.ReadDone()
	close(stream)
	require.NoError(t, run.Wait(context.Background()))

	requireValue(t, s.Cache(), 10, 750)
	requireValue(t, s.Cache(), 6, 200)
}

func TestContinuousControlCommitsOnRelease(t *testing.T) {
	s, backend, _ := newSelectedSession(t)
	v := s.Velocity()
	require.NotNil(t, v)
	v.Sync()

	backend.On("WriteField", mock.Anything, uint8(1), device.FieldRef{Address: 104, Size: 4}, int64(200)).Return(nil).Once()

	v.Drag(50)
	v.Drag(120)
	assert.Equal(t, int64(200), v.Drag(200))
	assert.True(t, v.Dragging())
	backend.AssertNotCalled(t, "WriteField", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, v.Release(context.Background()))
	assert.False(t, v.Dragging())
	assert.Equal(t, int64(200), v.Committed())
	assert.Equal(t, "45.8 rev/min", v.Display())
	requireValue(t, s.Cache(), 104, 200)
	backend.AssertExpectations(t)
}

func TestContinuousControlRevertsOnFailure(t *testing.T) {
	s, backend, rec := newSelectedSession(t)
	v := s.Velocity()
	require.NotNil(t, v)
	v.Sync()

	backend.On("WriteField", mock.Anything, uint8(1), mock.Anything, int64(100)).Return(nil).Once()
	v.Drag(100)
	require.NoError(t, v.Release(context.Background()))

	backend.On("WriteField", mock.Anything, uint8(1), mock.Anything, int64(300)).Return(errors.New("torque off")).Once()
	v.Drag(300)
	err := v.Release(context.Background())
	assert.ErrorIs(t, err, ErrWriteFailed)

	assert.Equal(t, int64(100), v.Draft())
	assert.Equal(t, Clean, s.Writes().State(104))
	requireValue(t, s.Cache(), 104, 100)
	assert.Len(t, rec.errors(), 1)
}

func TestContinuousControlClampsAndStops(t *testing.T) {
	s, backend, _ := newSelectedSession(t)
	v := s.Velocity()
	require.NotNil(t, v)

	assert.Equal(t, int64(1023), v.Drag(5000))
	assert.Equal(t, int64(-1023), v.Drag(-5000))

	backend.On("WriteField", mock.Anything, uint8(1), mock.Anything, int64(-1023)).Return(nil).Once()
	require.NoError(t, v.Release(context.Background()))

	backend.On("WriteField", mock.Anything, uint8(1), mock.Anything, int64(0)).Return(nil).Once()
	require.NoError(t, v.Stop(context.Background()))
	assert.Equal(t, int64(0), v.Committed())
	backend.AssertExpectations(t)
}

func TestCommitForSwitchedServoIsDropped(t *testing.T) {
	s, backend, _ := newSelectedSession(t)
	w := s.Writes()

	release := make(chan struct{})
	backend.On("WriteField", mock.Anything, uint8(1), mock.Anything, int64(750)).Return(nil).Run(func(mock.Arguments) {
		<-release
	}).Once()

	require.NoError(t, w.BeginEdit(10))
	done := make(chan error, 1)
	go func() { done <- w.Commit(context.Background(), 10, 750) }()
	require.Eventually(t, func() bool { return s.Cache().Writing(10) }, waitTimeout, waitTick)

	stream := readStream(device.Value(10, 20), device.ReadDone())
	close(stream)
	backend.On("ReadFields", mock.Anything, uint8(2), mock.Anything).Return(stream, nil).Once()
	run, err := s.Select(context.Background(), 2)
	require.NoError(t, err)
	require.NoError(t, run.Wait(context.Background()))

	close(release)
	require.NoError(t, <-done)

	requireValue(t, s.Cache(), 10, 20)
	assert.False(t, s.Cache().Writing(10))
	assert.Equal(t, Clean, w.State(10))
}

func TestIdentityWithoutRangeStaysOnBus(t *testing.T) {
	const rangelessModel = testModelNumber + 1

	s, backend, _ := newTestSession(t, device.Identity{ID: 1, ModelNumber: rangelessModel})
	m, err := schema.NewModel(rangelessModel, "Rangeless Servo", []schema.Field{
		{Address: 7, Size: 1, Name: schema.IdentityFieldName, Access: schema.AccessReadWrite},
	})
	require.NoError(t, err)
	require.NoError(t, s.registry.Register(m))

	stream := readStream(device.Value(7, 1), device.ReadDone())
	close(stream)
	backend.On("ReadFields", mock.Anything, uint8(1), mock.Anything).Return(stream, nil).Once()
	run, err := s.Select(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, run.Wait(context.Background()))

	w := s.Writes()
	_, err = w.Validate(7, "-1")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, OutOfRange, ve.Kind)
	assert.Equal(t, int64(0), ve.Min)
	assert.Equal(t, int64(device.MaxID), ve.Max)

	require.NoError(t, w.BeginEdit(7))
	assert.True(t, IsValidationError(w.Commit(context.Background(), 7, -1)))
	assert.True(t, IsValidationError(w.Commit(context.Background(), 7, 255)))

	active, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, uint8(1), active.ID)
	requireValue(t, s.Cache(), 7, 1)
	backend.AssertNotCalled(t, "WriteField", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestContinuousControlWaitsForPendingRead(t *testing.T) {
	s, backend, _ := newTestSession(t, device.Identity{ID: 1, ModelNumber: testModelNumber})

	// the read is addressed but has not answered yet
	stream := readStream()
	backend.On("ReadFields", mock.Anything, uint8(1), mock.Anything).Return(stream, nil).Once()
	_, err := s.Select(context.Background(), 1)
	require.NoError(t, err)

	v := s.Velocity()
	require.NotNil(t, v)
	v.Drag(50)
	assert.ErrorIs(t, v.Release(context.Background()), ErrNotResolved)
	assert.ErrorIs(t, v.Stop(context.Background()), ErrNotResolved)

	assert.False(t, v.Dragging())
	assert.Equal(t, int64(0), v.Draft())
	assert.Equal(t, Clean, s.Writes().State(104))
	assert.False(t, s.Cache().Writing(104))

	// the late answer still lands
	stream <- device.Value(104, 30)
	require.Eventually(t, func() bool {
		state, _ := s.Cache().Get(104)
		return state.Resolved() && state.Value == 30
	}, waitTimeout, waitTick)
	backend.AssertNotCalled(t, "WriteField", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestContinuousControlSkipsFailedRead(t *testing.T) {
	s, backend, _ := newSelectedSession(t)
	require.True(t, s.Cache().applyRead(104, failed("timeout")))

	v := s.Velocity()
	require.NotNil(t, v)
	v.Sync()
	v.Drag(50)
	assert.ErrorIs(t, v.Release(context.Background()), ErrNotResolved)

	assert.Equal(t, int64(0), v.Draft())
	state, _ := s.Cache().Get(104)
	assert.True(t, state.Failed())
	backend.AssertNotCalled(t, "WriteField", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
