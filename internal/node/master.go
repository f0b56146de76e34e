package node

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/metrics"
	"github.com/ItsEcholot/real-stereo-extended/internal/models"
	"github.com/ItsEcholot/real-stereo-extended/internal/protocol"
	"github.com/ItsEcholot/real-stereo-extended/internal/store"
)

// Sender delivers a payload to the slave at ip.
type Sender interface {
	Send(ctx context.Context, ip string, p protocol.Payload) error
}

// CalibrationListener receives camera calibration progress of a node.
type CalibrationListener func(n models.Node, count int, image string)

// ClusterMaster ties the registry to the network: it builds the outbound
// control messages and handles what the slaves send.
type ClusterMaster struct {
	hostname string
	store    *store.Store
	registry *Registry
	router   *protocol.Router
	logger   *zap.Logger

	mu            sync.RWMutex
	sender        Sender
	onCalibration CalibrationListener
}

var _ Messenger = (*ClusterMaster)(nil)

// NewClusterMaster creates the master and registers itself as the
// registry's messenger.
func NewClusterMaster(hostname string, st *store.Store, reg *Registry, logger *zap.Logger) *ClusterMaster {
	m := &ClusterMaster{
		hostname: hostname,
		store:    st,
		registry: reg,
		router:   protocol.NewRouter(),
		logger:   logger,
	}
	m.router.Handle(protocol.KindServiceAnnouncement, m.onServiceAnnouncement)
	m.router.Handle(protocol.KindPing, m.onPing)
	m.router.Handle(protocol.KindPositionUpdate, m.onPositionUpdate)
	m.router.Handle(protocol.KindCameraCalibrationResponse, m.onCameraCalibrationResponse)
	reg.SetMessenger(m)
	return m
}

// Router returns the dispatch table of the master role.
func (m *ClusterMaster) Router() *protocol.Router { return m.router }

// Registry returns the node registry.
func (m *ClusterMaster) Registry() *Registry { return m.registry }

// SetSender sets the transport used for directed messages.
func (m *ClusterMaster) SetSender(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = s
}

// OnCameraCalibration registers the listener for calibration responses.
func (m *ClusterMaster) OnCameraCalibration(fn CalibrationListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCalibration = fn
}

func (m *ClusterMaster) send(ctx context.Context, n models.Node, p protocol.Payload) error {
	m.mu.RLock()
	s := m.sender
	m.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("send %s to %s: no transport", p.Kind(), n.Hostname)
	}
	return s.Send(ctx, n.IPAddress, p)
}

// SendAcquisition acquires n with the current global balance flag, its
// detector and its room's people group.
func (m *ClusterMaster) SendAcquisition(ctx context.Context, n models.Node) error {
	cfg := m.registry.ConfigFor(n)
	return m.send(ctx, n, &protocol.ServiceAcquisition{
		Track:       cfg.Track,
		Hostname:    m.hostname,
		Detector:    cfg.Detector,
		PeopleGroup: cfg.PeopleGroup,
	})
}

func (m *ClusterMaster) SendServiceUpdate(ctx context.Context, n models.Node) error {
	cfg := m.registry.ConfigFor(n)
	return m.send(ctx, n, &protocol.ServiceUpdate{
		Track:       cfg.Track,
		Detector:    cfg.Detector,
		PeopleGroup: cfg.PeopleGroup,
	})
}

func (m *ClusterMaster) SendRelease(ctx context.Context, n models.Node) error {
	return m.send(ctx, n, &protocol.ServiceRelease{Hostname: m.hostname})
}

func (m *ClusterMaster) SendPing(ctx context.Context, n models.Node) error {
	return m.send(ctx, n, &protocol.Ping{Hostname: m.hostname})
}

// SendCameraCalibrationRequest drives the camera calibration of a node. The
// master's own node is handled in-process.
func (m *ClusterMaster) SendCameraCalibrationRequest(ctx context.Context, nodeID int, start, finish, repeat bool) error {
	n, ok := m.store.Node(nodeID)
	if !ok {
		return fmt.Errorf("node %d: %w", nodeID, store.ErrNotFound)
	}
	if local, _ := m.registry.route(n); local != nil {
		local.HandleCalibrationRequest(start, finish, repeat)
		return nil
	}
	return m.send(ctx, n, &protocol.CameraCalibrationRequest{Start: start, Finish: finish, Repeat: repeat})
}

func (m *ClusterMaster) onServiceAnnouncement(env *protocol.Envelope, addr string) {
	p := env.Payload.(*protocol.ServiceAnnouncement)
	if p.Hostname == "" {
		return
	}
	m.registry.OnServiceAnnouncement(p.Hostname, addr)
}

func (m *ClusterMaster) onPing(_ *protocol.Envelope, addr string) {
	m.registry.OnPing(addr)
}

func (m *ClusterMaster) onPositionUpdate(env *protocol.Envelope, addr string) {
	p := env.Payload.(*protocol.PositionUpdate)
	m.HandlePosition(addr, int(p.Coordinate))
}

// HandlePosition refreshes the liveness of addr and stores the coordinate
// on the axis the sending node tracks for its room.
func (m *ClusterMaster) HandlePosition(addr string, coordinate int) {
	m.registry.OnPing(addr)

	n, ok := m.store.NodeByIP(addr)
	if !ok {
		metrics.MessagesDropped.WithLabelValues(metrics.DropStale).Inc()
		m.logger.Debug("Position update from unknown node", zap.String("ip", addr))
		return
	}
	if !n.HasRoom() {
		return
	}
	axis, ok := n.AxisIndex()
	if !ok {
		return
	}
	if m.store.SetCoordinate(n.RoomID, axis, coordinate) {
		m.logger.Info("Position update",
			zap.String("node", n.Name),
			zap.Int("room", n.RoomID),
			zap.String("axis", n.CoordinateType),
			zap.Int("coordinate", coordinate),
		)
	}
}

func (m *ClusterMaster) onCameraCalibrationResponse(env *protocol.Envelope, addr string) {
	p := env.Payload.(*protocol.CameraCalibrationResponse)
	m.HandleCalibrationResponse(addr, int(p.Count), p.Image)
}

// HandleCalibrationResponse forwards calibration progress of the node at addr.
func (m *ClusterMaster) HandleCalibrationResponse(addr string, count int, image string) {
	n, ok := m.store.NodeByIP(addr)
	if !ok {
		metrics.MessagesDropped.WithLabelValues(metrics.DropStale).Inc()
		return
	}
	m.mu.RLock()
	fn := m.onCalibration
	m.mu.RUnlock()
	if fn != nil {
		fn(n, count, image)
	}
}
