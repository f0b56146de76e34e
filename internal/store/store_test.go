package store_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/models"
	"github.com/ItsEcholot/real-stereo-extended/internal/store"
)

type memPersister struct {
	snap    models.Snapshot
	saves   int
	loadErr error
}

func (m *memPersister) Load() (models.Snapshot, error) { return m.snap, m.loadErr }

func (m *memPersister) Save(s models.Snapshot) error {
	m.snap = s
	m.saves++
	return nil
}

func newStore(t *testing.T, p store.Persister) *store.Store {
	t.Helper()
	return store.New(p, zap.NewNop())
}

func record(s *store.Store, topic store.Topic) *[]store.Event {
	var events []store.Event
	s.Subscribe(topic, func(e store.Event) { events = append(events, e) })
	return &events
}

func TestAddNodeAssignsIDs(t *testing.T) {
	s := newStore(t, nil)
	a := s.AddNode(models.Node{Hostname: "a"})
	b := s.AddNode(models.Node{Hostname: "b"})
	assert.Equal(t, 1, a.ID)
	assert.Equal(t, 2, b.ID)

	got, ok := s.NodeByHostname("b")
	require.True(t, ok)
	assert.Equal(t, 2, got.ID)

	_, ok = s.NodeByHostname("c")
	assert.False(t, ok)
}

func TestUpdateNodeCompareAndSet(t *testing.T) {
	s := newStore(t, nil)
	n := s.AddNode(models.Node{Hostname: "a"})
	events := record(s, store.TopicNodes)

	claimed := s.UpdateNodeStatus(n.ID, func(n *models.Node) bool {
		if n.Acquired {
			return false
		}
		n.Acquired = true
		return true
	})
	assert.True(t, claimed)

	again := s.UpdateNodeStatus(n.ID, func(n *models.Node) bool {
		if n.Acquired {
			return false
		}
		n.Acquired = true
		return true
	})
	assert.False(t, again)

	require.Len(t, *events, 1)
	assert.Equal(t, store.ChangeStatus, (*events)[0].Change)
	assert.False(t, s.UpdateNode(99, func(*models.Node) bool { return true }))
}

func TestListenerMayReenterStore(t *testing.T) {
	s := newStore(t, nil)
	n := s.AddNode(models.Node{Hostname: "a"})

	var seen models.Node
	s.Subscribe(store.TopicNodes, func(e store.Event) {
		seen, _ = s.Node(e.ID)
	})
	s.UpdateNode(n.ID, func(n *models.Node) bool {
		n.Name = "kitchen cam"
		return true
	})
	assert.Equal(t, "kitchen cam", seen.Name)
}

func TestRemoveRoomUnassigns(t *testing.T) {
	s := newStore(t, nil)
	room := s.AddRoom(models.Room{Name: "living"})
	n := s.AddNode(models.Node{Hostname: "a", RoomID: room.ID})
	require.True(t, s.AddSpeaker(models.Speaker{ID: "RINCON_1", RoomID: room.ID}))
	nodeEvents := record(s, store.TopicNodes)
	speakerEvents := record(s, store.TopicSpeakers)

	require.True(t, s.RemoveRoom(room.ID))

	got, _ := s.Node(n.ID)
	assert.False(t, got.HasRoom())
	sp, _ := s.Speaker("RINCON_1")
	assert.Zero(t, sp.RoomID)
	assert.Len(t, *nodeEvents, 1)
	assert.Len(t, *speakerEvents, 1)
	assert.False(t, s.RemoveRoom(room.ID))
}

func TestSetCoordinateDoesNotPersist(t *testing.T) {
	p := &memPersister{}
	s := newStore(t, p)
	room := s.AddRoom(models.Room{Name: "living"})
	saves := p.saves

	require.True(t, s.SetCoordinate(room.ID, 0, 120))
	_, _, ok := mustRoom(t, s, room.ID).Position()
	assert.False(t, ok)

	require.True(t, s.SetCoordinate(room.ID, 1, 40))
	x, y, ok := mustRoom(t, s, room.ID).Position()
	assert.True(t, ok)
	assert.Equal(t, 120, x)
	assert.Equal(t, 40, y)
	assert.Equal(t, saves, p.saves)

	assert.False(t, s.SetCoordinate(room.ID, 2, 1))
	assert.False(t, s.SetCoordinate(42, 0, 1))
}

func TestFrozenRoomKeepsCoordinate(t *testing.T) {
	s := newStore(t, nil)
	room := s.AddRoom(models.Room{Name: "living"})
	require.True(t, s.SetCoordinate(room.ID, 0, 10))
	s.UpdateRoom(room.ID, func(r *models.Room) bool {
		r.Freeze = true
		return true
	})
	events := record(s, store.TopicRooms)

	assert.False(t, s.SetCoordinate(room.ID, 0, 50))
	assert.Equal(t, 10, mustRoom(t, s, room.ID).Coordinates[0])
	assert.Empty(t, *events)

	s.UpdateRoom(room.ID, func(r *models.Room) bool {
		r.Freeze = false
		return true
	})
	assert.True(t, s.SetCoordinate(room.ID, 0, 50))
	assert.Equal(t, 50, mustRoom(t, s, room.ID).Coordinates[0])
}

func mustRoom(t *testing.T, s *store.Store, id int) models.Room {
	t.Helper()
	r, ok := s.Room(id)
	require.True(t, ok)
	return r
}

func TestRoomCopiesAreIsolated(t *testing.T) {
	s := newStore(t, nil)
	room := s.AddRoom(models.Room{Name: "living", CalibrationPoints: []models.CalibrationPoint{{SpeakerID: "a"}}})

	r := mustRoom(t, s, room.ID)
	r.CalibrationPoints[0].SpeakerID = "changed"
	assert.Equal(t, "a", mustRoom(t, s, room.ID).CalibrationPoints[0].SpeakerID)
}

func TestSpeakers(t *testing.T) {
	s := newStore(t, nil)
	assert.True(t, s.AddSpeaker(models.Speaker{ID: "b", RoomID: 1}))
	assert.True(t, s.AddSpeaker(models.Speaker{ID: "a", RoomID: 1}))
	assert.True(t, s.AddSpeaker(models.Speaker{ID: "c"}))
	assert.False(t, s.AddSpeaker(models.Speaker{ID: "a"}))

	in := s.SpeakersInRoom(1)
	require.Len(t, in, 2)
	assert.Equal(t, "a", in[0].ID)
	assert.Equal(t, "b", in[1].ID)

	assert.True(t, s.RemoveSpeaker("c"))
	assert.False(t, s.RemoveSpeaker("c"))
}

func TestLoadResetsRuntimeState(t *testing.T) {
	p := &memPersister{snap: models.Snapshot{
		Nodes:    []models.Node{{ID: 3, Hostname: "cam", Online: true, Acquired: true}},
		Rooms:    []models.Room{{ID: 1, Name: "living"}},
		Settings: models.Settings{Balance: true},
	}}
	s := newStore(t, p)
	require.NoError(t, s.Load())

	n, ok := s.Node(3)
	require.True(t, ok)
	assert.False(t, n.Online)
	assert.False(t, n.Acquired)
	assert.True(t, s.Settings().Balance)

	next := s.AddNode(models.Node{Hostname: "new"})
	assert.Equal(t, 4, next.ID)
}

func TestLoadError(t *testing.T) {
	s := newStore(t, &memPersister{loadErr: errors.New("boom")})
	assert.Error(t, s.Load())
}

func TestUpdateSettingsPersists(t *testing.T) {
	p := &memPersister{}
	s := newStore(t, p)
	events := record(s, store.TopicSettings)

	assert.True(t, s.UpdateSettings(func(st *models.Settings) bool {
		st.Balance = true
		return true
	}))
	assert.True(t, p.snap.Settings.Balance)
	assert.Len(t, *events, 1)
}

func TestUnsubscribe(t *testing.T) {
	s := newStore(t, nil)
	count := 0
	unsub := s.Subscribe(store.TopicRooms, func(store.Event) { count++ })
	s.AddRoom(models.Room{Name: "a"})
	unsub()
	s.AddRoom(models.Room{Name: "b"})
	assert.Equal(t, 1, count)
}
