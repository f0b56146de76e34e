package node

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/metrics"
	"github.com/ItsEcholot/real-stereo-extended/internal/protocol"
	"github.com/ItsEcholot/real-stereo-extended/internal/tracking"
)

// SlaveSender is the slave's outbound transport.
type SlaveSender interface {
	Broadcast(p protocol.Payload) error
	SendTo(host string, p protocol.Payload) error
}

// SlaveConfig holds the slave timers.
type SlaveConfig struct {
	// PingInterval is the period of announcements and position updates.
	PingInterval time.Duration
	// MasterTimeout is the master silence after which the slave releases itself.
	MasterTimeout time.Duration
}

// ClusterSlave runs the tracking service lifecycle of a camera node.
type ClusterSlave struct {
	hostname string
	tracking tracking.Service
	clock    clock.Clock
	cfg      SlaveConfig
	router   *protocol.Router
	logger   *zap.Logger

	mu       sync.Mutex
	sender   SlaveSender
	state    SlaveState
	masterIP string
	lastPing time.Time
}

// NewClusterSlave creates a slave in the unacquired state.
func NewClusterSlave(hostname string, svc tracking.Service, clk clock.Clock, cfg SlaveConfig, logger *zap.Logger) *ClusterSlave {
	s := &ClusterSlave{
		hostname: hostname,
		tracking: svc,
		clock:    clk,
		cfg:      cfg,
		router:   protocol.NewRouter(),
		logger:   logger,
	}
	s.router.Handle(protocol.KindServiceAcquisition, s.onServiceAcquisition)
	s.router.Handle(protocol.KindServiceUpdate, s.onServiceUpdate)
	s.router.Handle(protocol.KindServiceRelease, s.onServiceRelease)
	s.router.Handle(protocol.KindPing, s.onPing)
	s.router.Handle(protocol.KindCameraCalibrationRequest, s.onCameraCalibrationRequest)
	svc.OnCalibrationResponse(s.sendCalibrationResponse)
	return s
}

// Router returns the dispatch table of the slave role.
func (s *ClusterSlave) Router() *protocol.Router { return s.router }

// SetSender sets the outbound transport.
func (s *ClusterSlave) SetSender(sender SlaveSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// State returns the lifecycle state and the current master.
func (s *ClusterSlave) State() (SlaveState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.masterIP
}

// Serve runs the update loop until ctx is cancelled.
func (s *ClusterSlave) Serve(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.PingInterval)
	defer ticker.Stop()
	s.Tick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one iteration of the update loop: announce while unacquired,
// release on master timeout, otherwise report the tracked coordinate.
func (s *ClusterSlave) Tick() {
	s.mu.Lock()
	sender := s.sender
	if s.state == StateUnacquired {
		s.mu.Unlock()
		if sender != nil {
			if err := sender.Broadcast(&protocol.ServiceAnnouncement{Hostname: s.hostname}); err != nil {
				s.logger.Debug("Announcement failed", zap.Error(err))
			}
		}
		return
	}

	master := s.masterIP
	if s.clock.Since(s.lastPing) > s.cfg.MasterTimeout {
		s.logger.Info("Master is offline", zap.String("master", master))
		s.releaseLocked()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if sender != nil {
		p := &protocol.PositionUpdate{Coordinate: int32(s.tracking.Coordinate())}
		if err := sender.SendTo(master, p); err != nil {
			s.logger.Debug("Position update failed", zap.Error(err))
		}
	}
}

// fromMaster reports whether addr is the current master. Must be called
// with the lock held.
func (s *ClusterSlave) fromMasterLocked(addr string, kind protocol.Kind) bool {
	if s.state == StateAcquired && addr == s.masterIP {
		return true
	}
	metrics.MessagesDropped.WithLabelValues(metrics.DropStale).Inc()
	s.logger.Debug("Ignoring message from stale sender",
		zap.Stringer("kind", kind),
		zap.String("from", addr),
		zap.String("master", s.masterIP),
	)
	return false
}

func (s *ClusterSlave) onServiceAcquisition(env *protocol.Envelope, addr string) {
	p := env.Payload.(*protocol.ServiceAcquisition)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateAcquired
	s.masterIP = addr
	s.lastPing = s.clock.Now()
	applyConfig(s.tracking, ServiceConfig{Track: p.Track, Detector: p.Detector, PeopleGroup: p.PeopleGroup})
	s.logger.Info("Acquired", zap.String("master", addr), zap.String("masterHostname", p.Hostname))
}

func (s *ClusterSlave) onServiceUpdate(env *protocol.Envelope, addr string) {
	p := env.Payload.(*protocol.ServiceUpdate)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fromMasterLocked(addr, env.Kind()) {
		return
	}
	applyConfig(s.tracking, ServiceConfig{Track: p.Track, Detector: p.Detector, PeopleGroup: p.PeopleGroup})
	s.logger.Info("Service updated", zap.Bool("track", p.Track))
}

func (s *ClusterSlave) onServiceRelease(env *protocol.Envelope, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fromMasterLocked(addr, env.Kind()) {
		return
	}
	s.logger.Info("Released", zap.String("master", addr))
	s.releaseLocked()
}

func (s *ClusterSlave) releaseLocked() {
	s.state = StateUnacquired
	s.masterIP = ""
	s.tracking.SetBalance(false)
}

func (s *ClusterSlave) onPing(env *protocol.Envelope, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fromMasterLocked(addr, env.Kind()) {
		return
	}
	s.lastPing = s.clock.Now()
}

func (s *ClusterSlave) onCameraCalibrationRequest(env *protocol.Envelope, addr string) {
	p := env.Payload.(*protocol.CameraCalibrationRequest)
	s.mu.Lock()
	ok := s.fromMasterLocked(addr, env.Kind())
	s.mu.Unlock()
	if !ok {
		return
	}
	handleCalibrationRequest(s.tracking, p.Start, p.Finish, p.Repeat)
}

func (s *ClusterSlave) sendCalibrationResponse(count int, image string) {
	s.mu.Lock()
	sender, master, acquired := s.sender, s.masterIP, s.state == StateAcquired
	s.mu.Unlock()
	if !acquired || sender == nil {
		return
	}
	err := sender.SendTo(master, &protocol.CameraCalibrationResponse{Count: int32(count), Image: image})
	if err != nil {
		s.logger.Warn("Calibration response failed", zap.Error(err))
	}
}

func applyConfig(svc tracking.Service, cfg ServiceConfig) {
	svc.SetDetector(cfg.Detector)
	svc.SetPeopleGroup(cfg.PeopleGroup)
	svc.SetBalance(cfg.Track)
}

func handleCalibrationRequest(svc tracking.Service, start, finish, repeat bool) {
	svc.HandleCalibrationRequest(start, finish, repeat)
	switch {
	case start:
		svc.AcquireCamera()
	case finish:
		svc.ReleaseCamera()
	}
}
