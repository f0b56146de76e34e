// Package node implements the cluster roles: the master's node registry and
// control messages, the slave's service lifecycle and the bootstrap that
// wires them to the network.
package node

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/ledger"
	"github.com/ItsEcholot/real-stereo-extended/internal/metrics"
	"github.com/ItsEcholot/real-stereo-extended/internal/models"
	"github.com/ItsEcholot/real-stereo-extended/internal/store"
)

// Messenger sends directed control messages to a remote slave.
type Messenger interface {
	SendAcquisition(ctx context.Context, n models.Node) error
	SendRelease(ctx context.Context, n models.Node) error
	SendServiceUpdate(ctx context.Context, n models.Node) error
	SendPing(ctx context.Context, n models.Node) error
}

// LocalService is the in-process slave running next to the master.
type LocalService interface {
	Acquire(cfg ServiceConfig)
	Update(cfg ServiceConfig)
	Release()
	HandleCalibrationRequest(start, finish, repeat bool)
}

// Registry is the master's view of the cluster nodes. Node records live in
// the store; the registry adds liveness and keeps the acquisition state of
// every node equal to (has room AND online).
type Registry struct {
	store        *store.Store
	liveness     *ledger.LivenessLedger
	availability time.Duration
	logger       *zap.Logger

	mu        sync.Mutex
	messenger Messenger
	local     LocalService
	selfID    int
	// acquired remembers what was acquired so removed nodes can be released.
	acquired map[int]models.Node
	// groups is the last people group pushed per room.
	groups map[int]string
}

// NewRegistry creates a Registry. availability is the silence after which
// a node is considered offline.
func NewRegistry(st *store.Store, liveness *ledger.LivenessLedger, availability time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		store:        st,
		liveness:     liveness,
		availability: availability,
		logger:       logger,
		acquired:     make(map[int]models.Node),
		groups:       make(map[int]string),
	}
}

// SetMessenger sets the sender for remote slaves.
func (r *Registry) SetMessenger(m Messenger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messenger = m
}

// SetLocal sets the in-process slave that serves the master's own node.
func (r *Registry) SetLocal(svc LocalService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = svc
}

// Self returns the master's own node, if registered.
func (r *Registry) Self() (models.Node, bool) {
	r.mu.Lock()
	id := r.selfID
	r.mu.Unlock()
	if id == 0 {
		return models.Node{}, false
	}
	return r.store.Node(id)
}

func (r *Registry) isSelf(n models.Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selfID != 0 && n.ID == r.selfID
}

// route returns the in-process slave for the master's own node, or the
// messenger for every other node. Exactly one of the results is non-nil.
func (r *Registry) route(n models.Node) (LocalService, Messenger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.local != nil && r.selfID != 0 && n.ID == r.selfID {
		return r.local, nil
	}
	return nil, r.messenger
}

// ConfigFor returns the tracking configuration node n should run with.
func (r *Registry) ConfigFor(n models.Node) ServiceConfig {
	cfg := ServiceConfig{
		Track:    r.store.Settings().Balance,
		Detector: n.Detector,
	}
	if room, ok := r.store.Room(n.RoomID); ok {
		cfg.PeopleGroup = room.PeopleGroup
	}
	return cfg
}

// AddSelf registers the master's own node like any announced node.
func (r *Registry) AddSelf(hostname, ip string) models.Node {
	n := r.upsert(hostname, ip)
	r.mu.Lock()
	r.selfID = n.ID
	r.mu.Unlock()
	r.logger.Info("Registered own node", zap.Int("id", n.ID), zap.String("hostname", hostname), zap.String("ip", ip))
	return n
}

// OnServiceAnnouncement upserts the node announcing itself from address.
func (r *Registry) OnServiceAnnouncement(hostname, address string) {
	r.upsert(hostname, address)
}

func (r *Registry) upsert(hostname, address string) models.Node {
	r.claimAddress(hostname, address)
	r.liveness.Touch(hostname)

	n, ok := r.store.NodeByHostname(hostname)
	if !ok {
		n = r.store.AddNode(models.Node{
			Name:      hostname,
			Hostname:  hostname,
			IPAddress: address,
			Online:    true,
		})
		r.logger.Info("Node added to registry", zap.String("hostname", hostname), zap.String("ip", address))
		r.updateGauges()
		return n
	}

	if n.IPAddress != address {
		r.store.UpdateNode(n.ID, func(n *models.Node) bool {
			if n.IPAddress == address {
				return false
			}
			r.logger.Info("Node changed address",
				zap.String("hostname", hostname),
				zap.String("from", n.IPAddress),
				zap.String("to", address),
			)
			n.IPAddress = address
			return true
		})
	}

	self := r.isSelf(n)
	r.store.UpdateNodeStatus(n.ID, func(n *models.Node) bool {
		changed := false
		if !n.Online {
			n.Online = true
			changed = true
			r.logger.Info("Node is online", zap.String("hostname", hostname))
		}
		// Slaves only announce while unacquired, so an acquisition was lost.
		if n.Acquired && !self {
			n.Acquired = false
			changed = true
			r.logger.Info("Acquired node still announcing, acquiring again", zap.String("hostname", hostname))
		}
		return changed
	})
	r.updateGauges()

	n, _ = r.store.Node(n.ID)
	return n
}

// claimAddress detaches address from every other node. An address that
// shows up under a new hostname was handed to another host, so the node
// that held it is gone.
func (r *Registry) claimAddress(hostname, address string) {
	for _, n := range r.store.Nodes() {
		if n.IPAddress != address || n.Hostname == hostname || r.isSelf(n) {
			continue
		}
		r.mu.Lock()
		delete(r.acquired, n.ID)
		r.mu.Unlock()
		r.liveness.Forget(n.Hostname)

		r.logger.Info("Address taken over by another node",
			zap.String("ip", address),
			zap.String("from", n.Hostname),
			zap.String("to", hostname),
		)
		if !n.HasRoom() {
			r.store.RemoveNode(n.ID)
			continue
		}
		r.store.UpdateNode(n.ID, func(n *models.Node) bool {
			if n.IPAddress != address {
				return false
			}
			n.IPAddress = ""
			n.Online = false
			n.Acquired = false
			return true
		})
	}
}

// OnPing refreshes the liveness of the node at address.
func (r *Registry) OnPing(address string) {
	if n, ok := r.store.NodeByIP(address); ok {
		r.liveness.Touch(n.Hostname)
	}
}

// CheckAvailability marks online nodes that have been silent for too long
// offline. Offline nodes without a room are removed and expired liveness
// entries are dropped.
func (r *Registry) CheckAvailability() {
	for _, n := range r.store.Nodes() {
		if !n.Online || r.isSelf(n) || !r.liveness.Expired(n.Hostname, r.availability) {
			continue
		}
		wentOffline := r.store.UpdateNodeStatus(n.ID, func(n *models.Node) bool {
			if !n.Online {
				return false
			}
			n.Online = false
			n.Acquired = false
			return true
		})
		if !wentOffline {
			continue
		}
		r.logger.Info("Node is offline", zap.String("hostname", n.Hostname), zap.String("ip", n.IPAddress))
		r.mu.Lock()
		delete(r.acquired, n.ID)
		r.mu.Unlock()

		if current, ok := r.store.Node(n.ID); ok && !current.HasRoom() {
			r.store.RemoveNode(n.ID)
			r.logger.Info("Node removed from registry", zap.String("hostname", n.Hostname))
		}
	}
	if stale := r.liveness.CleanExpired(r.availability); len(stale) > 0 {
		r.logger.Debug("Dropped stale liveness entries", zap.Strings("hostnames", stale))
	}
	r.updateGauges()
}

// UpdateAcquisitionStatus acquires every online node with a room and
// releases every acquired node without one. Each transition is claimed in
// the store before the message goes out, so re-entrant calls never send
// the same acquisition twice.
func (r *Registry) UpdateAcquisitionStatus(ctx context.Context) {
	for _, n := range r.store.Nodes() {
		switch {
		case n.HasRoom() && n.Online && !n.Acquired:
			var claimed models.Node
			ok := r.store.UpdateNodeStatus(n.ID, func(n *models.Node) bool {
				if !n.HasRoom() || !n.Online || n.Acquired {
					return false
				}
				n.Acquired = true
				claimed = *n
				return true
			})
			if ok {
				r.acquire(ctx, claimed)
			}

		case !n.HasRoom() && n.Acquired:
			var claimed models.Node
			ok := r.store.UpdateNodeStatus(n.ID, func(n *models.Node) bool {
				if n.HasRoom() || !n.Acquired {
					return false
				}
				n.Acquired = false
				claimed = *n
				return true
			})
			if ok {
				r.release(ctx, claimed)
			}
		}
	}
	r.releaseRemoved(ctx)
	r.updateGauges()
}

// releaseRemoved releases nodes that were deleted while acquired.
func (r *Registry) releaseRemoved(ctx context.Context) {
	r.mu.Lock()
	var gone []models.Node
	for id, n := range r.acquired {
		if _, ok := r.store.Node(id); !ok {
			gone = append(gone, n)
			delete(r.acquired, id)
		}
	}
	r.mu.Unlock()

	for _, n := range gone {
		r.release(ctx, n)
	}
}

func (r *Registry) acquire(ctx context.Context, n models.Node) {
	r.mu.Lock()
	r.acquired[n.ID] = n
	r.mu.Unlock()

	r.logger.Info("Acquiring node", zap.String("hostname", n.Hostname), zap.Int("room", n.RoomID))
	local, messenger := r.route(n)
	switch {
	case local != nil:
		local.Acquire(r.ConfigFor(n))
	case messenger != nil:
		if err := messenger.SendAcquisition(ctx, n); err != nil {
			r.logger.Warn("Acquisition not delivered", zap.String("hostname", n.Hostname), zap.Error(err))
		}
	}
}

func (r *Registry) release(ctx context.Context, n models.Node) {
	r.mu.Lock()
	delete(r.acquired, n.ID)
	r.mu.Unlock()

	r.logger.Info("Releasing node", zap.String("hostname", n.Hostname))
	local, messenger := r.route(n)
	switch {
	case local != nil:
		local.Release()
	case messenger != nil:
		if err := messenger.SendRelease(ctx, n); err != nil {
			r.logger.Warn("Release not delivered", zap.String("hostname", n.Hostname), zap.Error(err))
		}
	}
}

// UpdateServiceStatus pushes the current configuration to every acquired
// online node.
func (r *Registry) UpdateServiceStatus(ctx context.Context) {
	r.updateServices(ctx, func(models.Node) bool { return true })
}

// UpdateRoomServiceStatus pushes the configuration to the acquired nodes of one room.
func (r *Registry) UpdateRoomServiceStatus(ctx context.Context, roomID int) {
	r.updateServices(ctx, func(n models.Node) bool { return n.RoomID == roomID })
}

func (r *Registry) updateServices(ctx context.Context, match func(models.Node) bool) {
	for _, n := range r.store.Nodes() {
		if !n.Acquired || !n.Online || !match(n) {
			continue
		}
		r.updateService(ctx, n)
	}
}

func (r *Registry) updateService(ctx context.Context, n models.Node) {
	local, messenger := r.route(n)
	switch {
	case local != nil:
		local.Update(r.ConfigFor(n))
	case messenger != nil:
		if err := messenger.SendServiceUpdate(ctx, n); err != nil {
			r.logger.Warn("Service update not delivered", zap.String("hostname", n.Hostname), zap.Error(err))
		}
	}
}

// PingSlaves sends the heartbeat to every acquired online remote node.
func (r *Registry) PingSlaves(ctx context.Context) {
	for _, n := range r.store.Nodes() {
		if !n.Acquired || !n.Online {
			continue
		}
		local, messenger := r.route(n)
		if local != nil || messenger == nil {
			continue
		}
		if err := messenger.SendPing(ctx, n); err != nil {
			r.logger.Debug("Ping not delivered", zap.String("hostname", n.Hostname), zap.Error(err))
		}
	}
}

// Watch subscribes the registry to store changes: node changes re-derive
// the acquisition state, settings and room changes reconfigure the
// acquired services. ctx is used for the messages sent from the handlers.
func (r *Registry) Watch(ctx context.Context) (unsubscribe func()) {
	rooms := r.store.Rooms()
	r.mu.Lock()
	for _, room := range rooms {
		r.groups[room.ID] = room.PeopleGroup
	}
	r.mu.Unlock()

	unsubNodes := r.store.Subscribe(store.TopicNodes, func(evt store.Event) {
		wasAcquired := false
		if evt.Change == store.ChangeUpdated {
			r.mu.Lock()
			_, wasAcquired = r.acquired[evt.ID]
			r.mu.Unlock()
		}
		r.UpdateAcquisitionStatus(ctx)

		// detector or room changes of an already acquired node
		if wasAcquired {
			if n, ok := r.store.Node(evt.ID); ok && n.Acquired && n.Online {
				r.updateService(ctx, n)
			}
		}
	})
	unsubSettings := r.store.Subscribe(store.TopicSettings, func(store.Event) {
		r.UpdateServiceStatus(ctx)
	})
	unsubRooms := r.store.Subscribe(store.TopicRooms, func(evt store.Event) {
		switch evt.Change {
		case store.ChangeAdded, store.ChangeRemoved:
			r.peopleGroupChanged(evt.ID)
		case store.ChangeUpdated:
			if r.peopleGroupChanged(evt.ID) {
				r.UpdateRoomServiceStatus(ctx, evt.ID)
			}
		}
	})
	return func() {
		unsubNodes()
		unsubSettings()
		unsubRooms()
	}
}

func (r *Registry) peopleGroupChanged(roomID int) bool {
	room, ok := r.store.Room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !ok {
		delete(r.groups, roomID)
		return false
	}
	prev, seen := r.groups[roomID]
	r.groups[roomID] = room.PeopleGroup
	return seen && prev != room.PeopleGroup
}

func (r *Registry) updateGauges() {
	var online, acquired int
	for _, n := range r.store.Nodes() {
		if n.Online {
			online++
		}
		if n.Acquired {
			acquired++
		}
	}
	metrics.NodesOnline.Set(float64(online))
	metrics.NodesAcquired.Set(float64(acquired))
}
