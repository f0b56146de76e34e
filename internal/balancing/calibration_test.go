package balancing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/balancing"
	"github.com/ItsEcholot/real-stereo-extended/internal/models"
	"github.com/ItsEcholot/real-stereo-extended/internal/speaker"
	"github.com/ItsEcholot/real-stereo-extended/internal/store"
)

type calibrationFixture struct {
	cal    *balancing.Calibration
	store  *store.Store
	driver *speaker.Memory
	roomID int
}

func newCalibration(t *testing.T) *calibrationFixture {
	t.Helper()
	st := store.New(nil, zap.NewNop())
	room := st.AddRoom(models.Room{Name: "living"})
	l, r := left, right
	l.RoomID, r.RoomID = room.ID, room.ID
	st.AddSpeaker(l)
	st.AddSpeaker(r)
	drv := speaker.NewMemory()
	drv.Add(l, 20)
	drv.Add(r, 20)
	return &calibrationFixture{
		cal:    balancing.NewCalibration(st, drv, zap.NewNop()),
		store:  st,
		driver: drv,
		roomID: room.ID,
	}
}

func (f *calibrationFixture) room() models.Room {
	r, _ := f.store.Room(f.roomID)
	return r
}

func TestCalibrationSession(t *testing.T) {
	f := newCalibration(t)
	ctx := context.Background()

	require.NoError(t, f.cal.Start(ctx, f.roomID))
	r := f.room()
	assert.True(t, r.Calibrating)
	assert.False(t, r.Freeze, "position is free until the first record")
	assert.True(t, f.driver.Playing(left.ID))
	assert.ErrorIs(t, f.cal.Start(ctx, f.roomID), balancing.ErrCalibrating)

	assert.ErrorIs(t, f.cal.Record(ctx, f.roomID, 30), balancing.ErrNoPosition)
	f.store.SetCoordinate(f.roomID, 0, 4)
	f.store.SetCoordinate(f.roomID, 1, 2)

	require.NoError(t, f.cal.Record(ctx, f.roomID, 30))
	assert.True(t, f.room().Freeze)
	assert.False(t, f.driver.Playing(left.ID))
	assert.True(t, f.driver.Playing(right.ID))

	// the listener drifting between speakers does not move the position
	assert.False(t, f.store.SetCoordinate(f.roomID, 0, 50))
	require.NoError(t, f.cal.Record(ctx, f.roomID, 45.5))
	assert.False(t, f.driver.Playing(right.ID))
	assert.ErrorIs(t, f.cal.Record(ctx, f.roomID, 1), balancing.ErrAllRecorded)

	assert.Equal(t, []models.CalibrationPoint{
		{SpeakerID: left.ID, X: 4, Y: 2, MeasuredVolume: 30},
		{SpeakerID: right.ID, X: 4, Y: 2, MeasuredVolume: 45.5},
	}, f.room().CurrentPoints)

	require.NoError(t, f.cal.Confirm(ctx, f.roomID))
	r = f.room()
	assert.Empty(t, r.CurrentPoints)
	assert.Len(t, r.CalibrationPoints, 2)
	assert.Zero(t, r.CalibrationSpeakerIndex)
	assert.False(t, r.Freeze)
	require.True(t, f.store.SetCoordinate(f.roomID, 0, 8))
	require.True(t, f.store.SetCoordinate(f.roomID, 0, 4))

	// recording the same position again replaces the points
	require.NoError(t, f.cal.Record(ctx, f.roomID, 35))
	require.NoError(t, f.cal.Confirm(ctx, f.roomID))
	r = f.room()
	require.Len(t, r.CalibrationPoints, 2)
	assert.Equal(t, 35.0, r.CalibrationPoints[0].MeasuredVolume)

	require.NoError(t, f.cal.Finish(ctx, f.roomID))
	r = f.room()
	assert.False(t, r.Calibrating)
	assert.False(t, r.Freeze)
	assert.False(t, f.driver.Playing(left.ID))
	assert.False(t, f.driver.Playing(right.ID))
}

func TestCalibrationRepeat(t *testing.T) {
	f := newCalibration(t)
	ctx := context.Background()
	require.NoError(t, f.cal.Start(ctx, f.roomID))
	f.store.SetCoordinate(f.roomID, 0, 1)
	f.store.SetCoordinate(f.roomID, 1, 1)

	require.NoError(t, f.cal.Record(ctx, f.roomID, 30))
	require.NoError(t, f.cal.Repeat(ctx, f.roomID))
	r := f.room()
	assert.Empty(t, r.CurrentPoints)
	assert.Zero(t, r.CalibrationSpeakerIndex)
	assert.False(t, r.Freeze)
	assert.True(t, f.driver.Playing(left.ID))

	require.NoError(t, f.cal.Record(ctx, f.roomID, 30))
	require.NoError(t, f.cal.Finish(ctx, f.roomID))
	assert.Empty(t, f.room().CalibrationPoints, "unconfirmed points are dropped")
}

func TestCalibrationErrors(t *testing.T) {
	f := newCalibration(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.cal.Record(ctx, f.roomID, 1), balancing.ErrNotCalibrating)
	assert.ErrorIs(t, f.cal.Finish(ctx, f.roomID), balancing.ErrNotCalibrating)
	assert.ErrorIs(t, f.cal.Start(ctx, 99), store.ErrNotFound)

	empty := f.store.AddRoom(models.Room{Name: "empty"})
	assert.ErrorIs(t, f.cal.Start(ctx, empty.ID), balancing.ErrNoSpeakers)
}
