package node

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/tracking"
)

// LocalSlave is the tracking service of the master's own camera. The
// registry calls it directly instead of sending messages.
type LocalSlave struct {
	tracking tracking.Service
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	acquired bool
	report   func(coordinate int)
}

var _ LocalService = (*LocalSlave)(nil)

// NewLocalSlave creates the in-process slave. Calibration progress and
// position reports go to master for the node at selfIP.
func NewLocalSlave(svc tracking.Service, master *ClusterMaster, selfIP string, clk clock.Clock, interval time.Duration, logger *zap.Logger) *LocalSlave {
	l := &LocalSlave{
		tracking: svc,
		clock:    clk,
		interval: interval,
		logger:   logger,
		report:   func(c int) { master.HandlePosition(selfIP, c) },
	}
	svc.OnCalibrationResponse(func(count int, image string) {
		master.HandleCalibrationResponse(selfIP, count, image)
	})
	return l
}

func (l *LocalSlave) Acquire(cfg ServiceConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired = true
	applyConfig(l.tracking, cfg)
	l.logger.Info("Own node acquired")
}

func (l *LocalSlave) Update(cfg ServiceConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquired {
		applyConfig(l.tracking, cfg)
	}
}

func (l *LocalSlave) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired = false
	l.tracking.SetBalance(false)
	l.logger.Info("Own node released")
}

func (l *LocalSlave) HandleCalibrationRequest(start, finish, repeat bool) {
	handleCalibrationRequest(l.tracking, start, finish, repeat)
}

// Acquired reports whether the registry acquired the own node.
func (l *LocalSlave) Acquired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired
}

// Serve forwards the tracked coordinate to the master every interval while
// acquired.
func (l *LocalSlave) Serve(ctx context.Context) error {
	ticker := l.clock.Ticker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.Acquired() {
				l.report(l.tracking.Coordinate())
			}
		}
	}
}
