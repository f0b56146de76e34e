package balancing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ItsEcholot/real-stereo-extended/internal/metrics"
	"github.com/ItsEcholot/real-stereo-extended/internal/models"
	"github.com/ItsEcholot/real-stereo-extended/internal/spatial"
	"github.com/ItsEcholot/real-stereo-extended/internal/speaker"
	"github.com/ItsEcholot/real-stereo-extended/internal/store"
)

// ErrNoSpeakers is returned when balancing a room without speakers.
var ErrNoSpeakers = errors.New("room has no speakers")

// balancingRoom is the manager's view of a balancing room.
type balancingRoom struct {
	speakers []models.Speaker
	interp   *VolumeInterpolation
	sub      speaker.Subscription
	subID    string
	// handler receives the events of sub. Events of any other handler come
	// from a replaced subscription.
	handler *volumeHandler
}

// Manager starts and stops balancing per room and feeds the controller with
// the tracked coordinates and the master speaker's volume events.
type Manager struct {
	store      *store.Store
	driver     speaker.Driver
	controller *Controller
	power      float64
	logger     *zap.Logger

	// lifecycle serializes Start, Stop and Reconcile.
	lifecycle sync.Mutex

	mu    sync.Mutex
	ctx   context.Context
	rooms map[int]*balancingRoom
}

// NewManager creates a manager. Call Watch to react to store changes.
func NewManager(st *store.Store, driver speaker.Driver, controller *Controller, power float64, logger *zap.Logger) *Manager {
	return &Manager{
		store:      st,
		driver:     driver,
		controller: controller,
		power:      power,
		logger:     logger,
		ctx:        context.Background(),
		rooms:      make(map[int]*balancingRoom),
	}
}

// Controller returns the volume command controller.
func (m *Manager) Controller() *Controller { return m.controller }

// Balancing returns the ids of the rooms being balanced.
func (m *Manager) Balancing() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// IsBalancing reports whether roomID is being balanced.
func (m *Manager) IsBalancing(roomID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[roomID]
	return ok
}

// Start begins balancing a room: the current speaker volumes are averaged
// into the room's user volume, the master speaker is subscribed and the
// room is balanced once.
func (m *Manager) Start(ctx context.Context, roomID int) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.start(ctx, roomID)
}

func (m *Manager) start(ctx context.Context, roomID int) error {
	if m.IsBalancing(roomID) {
		return nil
	}
	room, ok := m.store.Room(roomID)
	if !ok {
		return fmt.Errorf("room %d: %w", roomID, store.ErrNotFound)
	}
	speakers := m.store.SpeakersInRoom(roomID)
	if len(speakers) == 0 {
		return fmt.Errorf("room %d: %w", roomID, ErrNoSpeakers)
	}

	volumes := m.snapshotVolumes(ctx, speakers)
	if avg, ok := average(volumes); ok {
		m.store.UpdateRoom(roomID, func(r *models.Room) bool {
			if r.UserVolume == avg {
				return false
			}
			r.UserVolume = avg
			return true
		})
		room.UserVolume = avg
	}

	interp := NewVolumeInterpolation(m.power, m.logger)
	interp.Update(room)
	br := &balancingRoom{speakers: speakers, interp: interp}

	m.mu.Lock()
	m.rooms[roomID] = br
	metrics.BalancingRooms.Set(float64(len(m.rooms)))
	m.mu.Unlock()

	masterIP, masterIndex, err := m.subscribe(ctx, roomID, br, 0)
	if err != nil {
		m.logger.Warn("No master speaker, commands confirm by timeout",
			zap.Int("room", roomID),
			zap.Error(err),
		)
	}
	m.controller.Open(roomID, masterIP, masterIndex, volumes)

	m.logger.Info("Balancing started",
		zap.String("room", room.Name),
		zap.Int("userVolume", room.UserVolume),
		zap.String("masterSpeaker", masterIP),
	)
	m.Rebalance(ctx, roomID)
	return nil
}

// snapshotVolumes reads the volume of every speaker. Speakers that cannot
// be read are reported as -1.
func (m *Manager) snapshotVolumes(ctx context.Context, speakers []models.Speaker) []int {
	volumes := make([]int, len(speakers))
	var g errgroup.Group
	for i, sp := range speakers {
		g.Go(func() error {
			v, err := m.driver.GetVolume(ctx, sp)
			if err != nil {
				volumes[i] = -1
				m.logger.Warn("Reading speaker volume failed", zap.String("speaker", sp.ID), zap.Error(err))
				return nil
			}
			volumes[i] = v
			return nil
		})
	}
	_ = g.Wait()
	return volumes
}

func average(volumes []int) (int, bool) {
	sum, n := 0, 0
	for _, v := range volumes {
		if v >= 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return (sum + n/2) / n, true
}

// subscribe opens the volume subscription of a room, trying the speakers
// from index from on. When the driver names another speaker of the room as
// coordinator, the subscription moves to that speaker.
func (m *Manager) subscribe(ctx context.Context, roomID int, br *balancingRoom, from int) (string, int, error) {
	var errs []error
	for i := from; i < from+len(br.speakers); i++ {
		idx := i % len(br.speakers)
		sp := br.speakers[idx]
		h := &volumeHandler{m: m, roomID: roomID, speakerID: sp.ID}
		sub, coordinator, err := m.driver.Subscribe(ctx, sp, h)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		masterIndex := slices.IndexFunc(br.speakers, func(s models.Speaker) bool { return s.IPAddress == coordinator })
		if masterIndex >= 0 && masterIndex != idx {
			master := br.speakers[masterIndex]
			mh := &volumeHandler{m: m, roomID: roomID, speakerID: master.ID}
			msub, _, err := m.driver.Subscribe(ctx, master, mh)
			if err == nil {
				_ = sub.Unsubscribe()
				sub, sp, idx, h = msub, master, masterIndex, mh
			}
		}

		m.mu.Lock()
		if m.rooms[roomID] != br {
			m.mu.Unlock()
			_ = sub.Unsubscribe()
			return "", 0, fmt.Errorf("room %d: %w", roomID, ErrNotBalancing)
		}
		br.sub, br.subID, br.handler = sub, sp.ID, h
		m.mu.Unlock()
		return sp.IPAddress, idx, nil
	}
	return "", 0, errors.Join(errs...)
}

// Stop ends balancing of a room and restores every speaker to the room's
// user volume.
func (m *Manager) Stop(ctx context.Context, roomID int) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.stop(ctx, roomID)
}

func (m *Manager) stop(ctx context.Context, roomID int) error {
	m.mu.Lock()
	br, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
		metrics.BalancingRooms.Set(float64(len(m.rooms)))
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("room %d: %w", roomID, ErrNotBalancing)
	}

	if br.sub != nil {
		if err := br.sub.Unsubscribe(); err != nil {
			m.logger.Debug("Unsubscribe failed", zap.String("speaker", br.subID), zap.Error(err))
		}
	}
	m.controller.Close(roomID)

	room, ok := m.store.Room(roomID)
	if !ok {
		m.logger.Info("Balancing stopped", zap.Int("room", roomID))
		return nil
	}
	var g errgroup.Group
	for _, sp := range br.speakers {
		g.Go(func() error {
			return m.driver.SetVolume(ctx, sp, room.UserVolume)
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("Restoring speaker volumes failed", zap.String("room", room.Name), zap.Error(err))
	}
	m.logger.Info("Balancing stopped", zap.String("room", room.Name), zap.Int("userVolume", room.UserVolume))
	return nil
}

// StopAll stops every balancing room.
func (m *Manager) StopAll(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	for _, id := range m.Balancing() {
		_ = m.stop(ctx, id)
	}
}

// Reconcile brings the set of balancing rooms in line with the settings:
// with balance enabled every room with speakers is balanced, rooms whose
// speakers changed are restarted.
func (m *Manager) Reconcile(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	want := make(map[int][]models.Speaker)
	if m.store.Settings().Balance {
		for _, r := range m.store.Rooms() {
			if sp := m.store.SpeakersInRoom(r.ID); len(sp) > 0 {
				want[r.ID] = sp
			}
		}
	}

	for _, id := range m.Balancing() {
		speakers, keep := want[id]
		if keep && m.sameSpeakers(id, speakers) {
			delete(want, id)
			continue
		}
		_ = m.stop(ctx, id)
	}
	for id := range want {
		if err := m.start(ctx, id); err != nil {
			m.logger.Warn("Starting balancing failed", zap.Int("room", id), zap.Error(err))
		}
	}
}

func (m *Manager) sameSpeakers(roomID int, speakers []models.Speaker) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	br, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	return slices.EqualFunc(br.speakers, speakers, func(a, b models.Speaker) bool {
		return a.ID == b.ID && a.IPAddress == b.IPAddress
	})
}

// Rebalance computes the volumes for the room's tracked position and submits
// them. Rooms that are calibrating, frozen or without a position are left
// alone.
func (m *Manager) Rebalance(ctx context.Context, roomID int) {
	room, ok := m.store.Room(roomID)
	if !ok || room.Calibrating || room.Freeze {
		return
	}
	x, y, ok := room.Position()
	if !ok {
		return
	}

	m.mu.Lock()
	br, ok := m.rooms[roomID]
	var cmd VolumeCommand
	if ok {
		cmd = VolumeCommand{
			Speakers: slices.Clone(br.speakers),
			Volumes:  br.interp.Volumes(room.UserVolume, br.speakers, spatial.Point{X: x, Y: y}),
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := m.controller.Submit(ctx, roomID, cmd); err != nil {
		m.logger.Debug("Volume command rejected", zap.Int("room", roomID), zap.Error(err))
	}
}

func (m *Manager) refresh(roomID int) {
	room, ok := m.store.Room(roomID)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if br, ok := m.rooms[roomID]; ok {
		br.interp.Update(room)
	}
}

// current reports whether h belongs to the live subscription of its room.
func (m *Manager) current(h *volumeHandler) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	br, ok := m.rooms[h.roomID]
	return ok && br.handler == h && br.subID == h.speakerID
}

func (m *Manager) onVolume(h *volumeHandler, volume int) {
	if !m.current(h) {
		m.logger.Debug("Ignoring volume event of a replaced subscription",
			zap.Int("room", h.roomID),
			zap.String("speaker", h.speakerID),
		)
		return
	}
	roomID := h.roomID
	ctx := m.context()
	external, err := m.controller.OnVolumeEvent(ctx, roomID, volume)
	if err != nil || !external {
		return
	}
	m.store.UpdateRoom(roomID, func(r *models.Room) bool {
		if r.UserVolume == volume {
			return false
		}
		r.UserVolume = volume
		return true
	})
	m.Rebalance(ctx, roomID)
}

// onLost moves the subscription of a room to the next speaker.
func (m *Manager) onLost(h *volumeHandler, cause error) {
	roomID, speakerID := h.roomID, h.speakerID
	m.mu.Lock()
	br, ok := m.rooms[roomID]
	if !ok || br.handler != h {
		m.mu.Unlock()
		return
	}
	br.sub, br.subID, br.handler = nil, "", nil
	from := slices.IndexFunc(br.speakers, func(s models.Speaker) bool { return s.ID == speakerID }) + 1
	m.mu.Unlock()

	m.logger.Warn("Master speaker subscription lost",
		zap.Int("room", roomID),
		zap.String("speaker", speakerID),
		zap.Error(cause),
	)

	ctx := m.context()
	ip, idx, err := m.subscribe(ctx, roomID, br, from)
	if err != nil {
		m.logger.Warn("Master speaker re-election failed", zap.Int("room", roomID), zap.Error(err))
		return
	}
	if err := m.controller.SetMaster(roomID, ip, idx); err != nil {
		return
	}
	m.logger.Info("Master speaker re-elected", zap.Int("room", roomID), zap.String("masterSpeaker", ip))
}

func (m *Manager) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// Watch subscribes the manager to store changes and balances the rooms the
// current settings ask for. The returned function unsubscribes.
func (m *Manager) Watch(ctx context.Context) (unsubscribe func()) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	unsubs := []func(){
		m.store.Subscribe(store.TopicSettings, func(store.Event) { m.Reconcile(ctx) }),
		m.store.Subscribe(store.TopicSpeakers, func(store.Event) { m.Reconcile(ctx) }),
		m.store.Subscribe(store.TopicRooms, func(evt store.Event) {
			switch evt.Change {
			case store.ChangeCoordinates:
				m.Rebalance(ctx, evt.ID)
			case store.ChangeUpdated:
				m.refresh(evt.ID)
			case store.ChangeAdded, store.ChangeRemoved:
				m.Reconcile(ctx)
			}
		}),
	}
	m.Reconcile(ctx)
	return func() {
		for _, fn := range unsubs {
			fn()
		}
	}
}

type volumeHandler struct {
	m         *Manager
	roomID    int
	speakerID string
}

func (h *volumeHandler) OnVolume(volume int) { h.m.onVolume(h, volume) }

func (h *volumeHandler) OnLost(err error) { h.m.onLost(h, err) }
