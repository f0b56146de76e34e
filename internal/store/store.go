// Package store keeps the master's rooms, nodes, speakers and settings.
// Records are stored by id and handed out as copies; every mutation goes
// through a compare-and-set style update and is announced on the Bus once
// the lock has been released.
package store

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/models"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("not found")

// Persister loads and saves the persisted part of the store.
type Persister interface {
	Load() (models.Snapshot, error)
	Save(models.Snapshot) error
}

// Store is the in-memory source of truth for the cluster configuration.
type Store struct {
	mu       sync.RWMutex
	rooms    map[int]models.Room
	nodes    map[int]models.Node
	speakers map[string]models.Speaker
	settings models.Settings

	persister Persister
	bus       *Bus
	logger    *zap.Logger
}

// New creates an empty Store. persister may be nil.
func New(persister Persister, logger *zap.Logger) *Store {
	return &Store{
		rooms:     make(map[int]models.Room),
		nodes:     make(map[int]models.Node),
		speakers:  make(map[string]models.Speaker),
		persister: persister,
		bus:       NewBus(),
		logger:    logger,
	}
}

// Load replaces the store content with the persisted snapshot. Loaded nodes
// start offline and unacquired.
func (s *Store) Load() error {
	if s.persister == nil {
		return nil
	}
	snap, err := s.persister.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[int]models.Room, len(snap.Rooms))
	for _, r := range snap.Rooms {
		s.rooms[r.ID] = r.Clone()
	}
	s.nodes = make(map[int]models.Node, len(snap.Nodes))
	for _, n := range snap.Nodes {
		n.Online, n.Acquired = false, false
		s.nodes[n.ID] = n
	}
	s.speakers = make(map[string]models.Speaker, len(snap.Speakers))
	for _, sp := range snap.Speakers {
		s.speakers[sp.ID] = sp
	}
	s.settings = snap.Settings

	s.logger.Info("Store loaded",
		zap.Int("rooms", len(s.rooms)),
		zap.Int("nodes", len(s.nodes)),
		zap.Int("speakers", len(s.speakers)),
	)
	return nil
}

// Subscribe registers a listener for topic.
func (s *Store) Subscribe(topic Topic, fn Listener) (unsubscribe func()) {
	return s.bus.Subscribe(topic, fn)
}

// Snapshot returns a copy of everything the store holds.
func (s *Store) Snapshot() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() models.Snapshot {
	snap := models.Snapshot{Settings: s.settings}
	for _, r := range s.rooms {
		snap.Rooms = append(snap.Rooms, r.Clone())
	}
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	for _, sp := range s.speakers {
		snap.Speakers = append(snap.Speakers, sp)
	}
	sort.Slice(snap.Rooms, func(i, j int) bool { return snap.Rooms[i].ID < snap.Rooms[j].ID })
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sort.Slice(snap.Speakers, func(i, j int) bool { return snap.Speakers[i].ID < snap.Speakers[j].ID })
	return snap
}

// commit persists (when asked) and publishes the events. Must be called
// without the lock held.
func (s *Store) commit(persist bool, events ...Event) {
	if persist && s.persister != nil {
		snap := s.Snapshot()
		if err := s.persister.Save(snap); err != nil {
			s.logger.Warn("Persisting store failed", zap.Error(err))
		}
	}
	for _, evt := range events {
		s.bus.Publish(evt)
	}
}

// --- nodes ---

// Nodes returns all nodes ordered by id.
func (s *Store) Nodes() []models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Node returns the node with the given id.
func (s *Store) Node(id int) (models.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// NodeByHostname returns the node with the given hostname.
func (s *Store) NodeByHostname(hostname string) (models.Node, bool) {
	return s.findNode(func(n models.Node) bool { return n.Hostname == hostname })
}

// NodeByIP returns the node with the given ip address.
func (s *Store) NodeByIP(ip string) (models.Node, bool) {
	if ip == "" {
		return models.Node{}, false
	}
	return s.findNode(func(n models.Node) bool { return n.IPAddress == ip })
}

func (s *Store) findNode(match func(models.Node) bool) (models.Node, bool) {
	for _, n := range s.Nodes() {
		if match(n) {
			return n, true
		}
	}
	return models.Node{}, false
}

// NodesInRoom returns the nodes assigned to roomID ordered by id.
func (s *Store) NodesInRoom(roomID int) []models.Node {
	var out []models.Node
	for _, n := range s.Nodes() {
		if n.RoomID == roomID {
			out = append(out, n)
		}
	}
	return out
}

// AddNode stores n, assigning the next free id when n.ID is zero.
func (s *Store) AddNode(n models.Node) models.Node {
	s.mu.Lock()
	if n.ID == 0 {
		for id := range s.nodes {
			if id > n.ID {
				n.ID = id
			}
		}
		n.ID++
	}
	s.nodes[n.ID] = n
	s.mu.Unlock()

	s.commit(true, Event{Topic: TopicNodes, Change: ChangeAdded, ID: n.ID})
	return n
}

// UpdateNode applies fn to the node. fn reports whether it changed anything;
// nothing is published otherwise. Returns false if the node does not exist
// or fn made no change.
func (s *Store) UpdateNode(id int, fn func(*models.Node) bool) bool {
	return s.updateNode(id, fn, ChangeUpdated, true)
}

// UpdateNodeStatus is UpdateNode for runtime-only fields (online, acquired).
func (s *Store) UpdateNodeStatus(id int, fn func(*models.Node) bool) bool {
	return s.updateNode(id, fn, ChangeStatus, false)
}

func (s *Store) updateNode(id int, fn func(*models.Node) bool, change Change, persist bool) bool {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok || !fn(&n) {
		s.mu.Unlock()
		return false
	}
	n.ID = id
	s.nodes[id] = n
	s.mu.Unlock()

	s.commit(persist, Event{Topic: TopicNodes, Change: change, ID: id})
	return true
}

// RemoveNode deletes the node.
func (s *Store) RemoveNode(id int) bool {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if ok {
		delete(s.nodes, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	events := []Event{{Topic: TopicNodes, Change: ChangeRemoved, ID: id}}
	if n.HasRoom() {
		events = append(events, Event{Topic: TopicRooms, Change: ChangeUpdated, ID: n.RoomID})
	}
	s.commit(true, events...)
	return true
}

// --- rooms ---

// Rooms returns all rooms ordered by id.
func (s *Store) Rooms() []models.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Room returns the room with the given id.
func (s *Store) Room(id int) (models.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	return r.Clone(), ok
}

// AddRoom stores r, assigning the next free id when r.ID is zero.
func (s *Store) AddRoom(r models.Room) models.Room {
	s.mu.Lock()
	if r.ID == 0 {
		for id := range s.rooms {
			if id > r.ID {
				r.ID = id
			}
		}
		r.ID++
	}
	s.rooms[r.ID] = r.Clone()
	s.mu.Unlock()

	s.commit(true, Event{Topic: TopicRooms, Change: ChangeAdded, ID: r.ID})
	return r
}

// UpdateRoom applies fn to the room, see UpdateNode.
func (s *Store) UpdateRoom(id int, fn func(*models.Room) bool) bool {
	s.mu.Lock()
	r, ok := s.rooms[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	r = r.Clone()
	if !fn(&r) {
		s.mu.Unlock()
		return false
	}
	r.ID = id
	s.rooms[id] = r
	s.mu.Unlock()

	s.commit(true, Event{Topic: TopicRooms, Change: ChangeUpdated, ID: id})
	return true
}

// SetCoordinate records a tracked coordinate for one axis of the room.
// Frozen rooms keep their coordinate.
func (s *Store) SetCoordinate(roomID, axis, value int) bool {
	if axis < 0 || axis > 1 {
		return false
	}
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok || r.Freeze {
		s.mu.Unlock()
		return false
	}
	r.Coordinates[axis] = value
	r.CoordinatesKnown[axis] = true
	s.rooms[roomID] = r
	s.mu.Unlock()

	s.commit(false, Event{Topic: TopicRooms, Change: ChangeCoordinates, ID: roomID})
	return true
}

// RemoveRoom deletes the room and unassigns its nodes and speakers so the
// registry can release them.
func (s *Store) RemoveRoom(id int) bool {
	s.mu.Lock()
	if _, ok := s.rooms[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.rooms, id)

	events := []Event{{Topic: TopicRooms, Change: ChangeRemoved, ID: id}}
	for nodeID, n := range s.nodes {
		if n.RoomID == id {
			n.RoomID = 0
			s.nodes[nodeID] = n
			events = append(events, Event{Topic: TopicNodes, Change: ChangeUpdated, ID: nodeID})
		}
	}
	for speakerID, sp := range s.speakers {
		if sp.RoomID == id {
			sp.RoomID = 0
			s.speakers[speakerID] = sp
			events = append(events, Event{Topic: TopicSpeakers, Change: ChangeUpdated, SpeakerID: speakerID})
		}
	}
	s.mu.Unlock()

	s.commit(true, events...)
	return true
}

// --- speakers ---

// Speakers returns all speakers ordered by id.
func (s *Store) Speakers() []models.Speaker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Speaker, 0, len(s.speakers))
	for _, sp := range s.speakers {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Speaker returns the speaker with the given vendor id.
func (s *Store) Speaker(id string) (models.Speaker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.speakers[id]
	return sp, ok
}

// SpeakersInRoom returns the speakers assigned to roomID ordered by id.
func (s *Store) SpeakersInRoom(roomID int) []models.Speaker {
	var out []models.Speaker
	for _, sp := range s.Speakers() {
		if sp.RoomID == roomID {
			out = append(out, sp)
		}
	}
	return out
}

// AddSpeaker stores sp. Returns false if a speaker with this id already exists.
func (s *Store) AddSpeaker(sp models.Speaker) bool {
	s.mu.Lock()
	if _, exists := s.speakers[sp.ID]; exists {
		s.mu.Unlock()
		return false
	}
	s.speakers[sp.ID] = sp
	s.mu.Unlock()

	s.commit(true, Event{Topic: TopicSpeakers, Change: ChangeAdded, SpeakerID: sp.ID})
	return true
}

// UpdateSpeaker applies fn to the speaker, see UpdateNode.
func (s *Store) UpdateSpeaker(id string, fn func(*models.Speaker) bool) bool {
	s.mu.Lock()
	sp, ok := s.speakers[id]
	if !ok || !fn(&sp) {
		s.mu.Unlock()
		return false
	}
	sp.ID = id
	s.speakers[id] = sp
	s.mu.Unlock()

	s.commit(true, Event{Topic: TopicSpeakers, Change: ChangeUpdated, SpeakerID: id})
	return true
}

// RemoveSpeaker deletes the speaker.
func (s *Store) RemoveSpeaker(id string) bool {
	s.mu.Lock()
	_, ok := s.speakers[id]
	delete(s.speakers, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.commit(true, Event{Topic: TopicSpeakers, Change: ChangeRemoved, SpeakerID: id})
	return true
}

// --- settings ---

// Settings returns the current settings.
func (s *Store) Settings() models.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings applies fn to the settings, see UpdateNode.
func (s *Store) UpdateSettings(fn func(*models.Settings) bool) bool {
	s.mu.Lock()
	settings := s.settings
	if !fn(&settings) {
		s.mu.Unlock()
		return false
	}
	s.settings = settings
	s.mu.Unlock()

	s.commit(true, Event{Topic: TopicSettings, Change: ChangeUpdated})
	return true
}
