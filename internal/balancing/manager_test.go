package balancing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/balancing"
	"github.com/ItsEcholot/real-stereo-extended/internal/models"
	"github.com/ItsEcholot/real-stereo-extended/internal/speaker"
	"github.com/ItsEcholot/real-stereo-extended/internal/store"
)

type managerFixture struct {
	manager *balancing.Manager
	store   *store.Store
	driver  *speaker.Memory
	roomID  int
}

func newManager(t *testing.T, setup func(drv *speaker.Memory)) *managerFixture {
	t.Helper()
	st := store.New(nil, zap.NewNop())
	room := st.AddRoom(models.Room{
		Name: "living",
		CalibrationPoints: []models.CalibrationPoint{
			{SpeakerID: left.ID, X: 0, Y: 0, MeasuredVolume: 30},
			{SpeakerID: left.ID, X: 10, Y: 0, MeasuredVolume: 50},
			{SpeakerID: right.ID, X: 0, Y: 0, MeasuredVolume: 50},
			{SpeakerID: right.ID, X: 10, Y: 0, MeasuredVolume: 30},
		},
	})
	l, r := left, right
	l.RoomID, r.RoomID = room.ID, room.ID
	require.True(t, st.AddSpeaker(l))
	require.True(t, st.AddSpeaker(r))

	drv := speaker.NewMemory()
	drv.Add(l, 18)
	drv.Add(r, 22)
	drv.SetEcho(true)
	if setup != nil {
		setup(drv)
	}

	ctl := balancing.NewController(drv, clock.NewMock(), grace, zap.NewNop())
	m := balancing.NewManager(st, drv, ctl, balancing.DefaultPowerParam, zap.NewNop())
	t.Cleanup(m.Watch(context.Background()))
	return &managerFixture{manager: m, store: st, driver: drv, roomID: room.ID}
}

func (f *managerFixture) enable(on bool) {
	f.store.UpdateSettings(func(s *models.Settings) bool {
		s.Balance = on
		return true
	})
}

func (f *managerFixture) moveTo(x, y int) {
	f.store.SetCoordinate(f.roomID, 0, x)
	f.store.SetCoordinate(f.roomID, 1, y)
}

func (f *managerFixture) room(t *testing.T) models.Room {
	t.Helper()
	r, ok := f.store.Room(f.roomID)
	require.True(t, ok)
	return r
}

func TestManagerStartAveragesUserVolume(t *testing.T) {
	f := newManager(t, nil)
	assert.Empty(t, f.manager.Balancing())

	f.enable(true)
	assert.Equal(t, []int{f.roomID}, f.manager.Balancing())
	assert.Equal(t, 20, f.room(t).UserVolume)
	assert.Empty(t, f.driver.Calls(), "no position yet")

	info, ok := f.manager.Controller().Info(f.roomID)
	require.True(t, ok)
	assert.Equal(t, left.IPAddress, info.MasterIPAddress)
	assert.Equal(t, 0, info.MasterIndex)
}

func TestManagerBalancesOnPosition(t *testing.T) {
	f := newManager(t, nil)
	f.enable(true)

	f.store.SetCoordinate(f.roomID, 0, 5)
	assert.Empty(t, f.driver.Calls(), "one axis is not a position")

	f.moveTo(5, 0)
	assert.ElementsMatch(t, calls(24, 24), f.driver.Calls())
	info, _ := f.manager.Controller().Info(f.roomID)
	assert.True(t, info.VolumeConfirmed, "master speaker echoed the command")

	f.driver.ResetCalls()
	f.moveTo(10, 0)
	assert.ElementsMatch(t, calls(20, 28), f.driver.Calls())
	assert.Equal(t, 20, f.driver.Volume(left.ID))
	assert.Equal(t, 28, f.driver.Volume(right.ID))
}

func TestManagerExternalVolumeChange(t *testing.T) {
	f := newManager(t, nil)
	f.enable(true)
	f.moveTo(5, 0)

	f.driver.ChangeVolume(left.ID, 35)
	assert.Equal(t, 35, f.room(t).UserVolume)
	assert.Equal(t, 42, f.driver.Volume(left.ID))
	assert.Equal(t, 42, f.driver.Volume(right.ID))
}

func TestManagerSkipsFrozenRoom(t *testing.T) {
	f := newManager(t, nil)
	f.enable(true)
	f.store.UpdateRoom(f.roomID, func(r *models.Room) bool {
		r.Freeze = true
		return true
	})

	f.moveTo(5, 0)
	assert.Empty(t, f.driver.Calls())
}

func TestManagerStopRestoresUserVolume(t *testing.T) {
	f := newManager(t, nil)
	f.enable(true)
	f.moveTo(10, 0)
	require.Equal(t, 28, f.driver.Volume(right.ID))

	f.enable(false)
	assert.Empty(t, f.manager.Balancing())
	assert.Equal(t, 20, f.driver.Volume(left.ID))
	assert.Equal(t, 20, f.driver.Volume(right.ID))
	_, ok := f.manager.Controller().Info(f.roomID)
	assert.False(t, ok)

	assert.ErrorIs(t, f.manager.Stop(context.Background(), f.roomID), balancing.ErrNotBalancing)
}

func TestManagerFollowsCoordinator(t *testing.T) {
	f := newManager(t, func(drv *speaker.Memory) {
		drv.SetCoordinator(right.IPAddress)
	})
	f.enable(true)

	info, _ := f.manager.Controller().Info(f.roomID)
	assert.Equal(t, right.IPAddress, info.MasterIPAddress)
	assert.Equal(t, 1, info.MasterIndex)
}

func TestManagerReelectsMasterSpeaker(t *testing.T) {
	f := newManager(t, nil)
	f.enable(true)

	f.driver.Lose(left.ID, errors.New("powered off"))
	info, ok := f.manager.Controller().Info(f.roomID)
	require.True(t, ok)
	assert.Equal(t, right.IPAddress, info.MasterIPAddress)
	assert.Equal(t, 1, info.MasterIndex)

	// confirmations now come from the new master speaker
	f.moveTo(0, 0)
	info, _ = f.manager.Controller().Info(f.roomID)
	assert.Equal(t, []int{28, 20}, info.CurrentVolume)
	assert.True(t, info.VolumeConfirmed)
}

// retainingDriver keeps every handler it subscribed, so replaced
// subscriptions can still be fed late events.
type retainingDriver struct {
	*speaker.Memory
	handlers map[string][]speaker.EventHandler
}

func (d *retainingDriver) Subscribe(ctx context.Context, sp models.Speaker, h speaker.EventHandler) (speaker.Subscription, string, error) {
	d.handlers[sp.ID] = append(d.handlers[sp.ID], h)
	return d.Memory.Subscribe(ctx, sp, h)
}

func TestManagerIgnoresReplacedSubscription(t *testing.T) {
	st := store.New(nil, zap.NewNop())
	room := st.AddRoom(models.Room{Name: "living", CalibrationPoints: []models.CalibrationPoint{
		{SpeakerID: left.ID, MeasuredVolume: 30},
		{SpeakerID: right.ID, MeasuredVolume: 30},
	}})
	l, r := left, right
	l.RoomID, r.RoomID = room.ID, room.ID
	st.AddSpeaker(l)
	st.AddSpeaker(r)

	mem := speaker.NewMemory()
	mem.Add(l, 20)
	mem.Add(r, 20)
	mem.SetCoordinator(right.IPAddress)
	drv := &retainingDriver{Memory: mem, handlers: make(map[string][]speaker.EventHandler)}

	ctl := balancing.NewController(drv, clock.NewMock(), grace, zap.NewNop())
	m := balancing.NewManager(st, drv, ctl, balancing.DefaultPowerParam, zap.NewNop())
	t.Cleanup(m.Watch(context.Background()))
	st.UpdateSettings(func(s *models.Settings) bool {
		s.Balance = true
		return true
	})

	// left was subscribed first and replaced by the coordinator
	require.Len(t, drv.handlers[left.ID], 1)
	require.Len(t, drv.handlers[right.ID], 1)
	stale := drv.handlers[left.ID][0]

	stale.OnVolume(60)
	got, _ := st.Room(room.ID)
	assert.Equal(t, 20, got.UserVolume)
	assert.Empty(t, mem.Calls())

	stale.OnLost(errors.New("gone"))
	info, _ := ctl.Info(room.ID)
	assert.Equal(t, right.IPAddress, info.MasterIPAddress)

	// the live subscription still drives the room
	drv.handlers[right.ID][0].OnVolume(35)
	got, _ = st.Room(room.ID)
	assert.Equal(t, 35, got.UserVolume)
}

func TestManagerRestartsOnSpeakerChange(t *testing.T) {
	f := newManager(t, nil)
	f.enable(true)
	f.moveTo(5, 0)

	f.store.UpdateSpeaker(right.ID, func(sp *models.Speaker) bool {
		sp.RoomID = 0
		return true
	})
	assert.Equal(t, []int{f.roomID}, f.manager.Balancing())

	f.driver.ResetCalls()
	f.moveTo(10, 0)
	assert.Equal(t, []speaker.VolumeCall{{SpeakerID: left.ID, Volume: 20}}, f.driver.Calls())

	f.store.UpdateSpeaker(left.ID, func(sp *models.Speaker) bool {
		sp.RoomID = 0
		return true
	})
	assert.Empty(t, f.manager.Balancing(), "no speakers left")
}

func TestManagerStartErrors(t *testing.T) {
	f := newManager(t, nil)
	empty := f.store.AddRoom(models.Room{Name: "empty"})

	assert.ErrorIs(t, f.manager.Start(context.Background(), empty.ID), balancing.ErrNoSpeakers)
	assert.ErrorIs(t, f.manager.Start(context.Background(), 99), store.ErrNotFound)
}
