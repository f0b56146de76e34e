// Package tracking is the boundary to the camera people tracking pipeline.
package tracking

import (
	"sync"

	"go.uber.org/zap"
)

// Service is what the cluster slave needs from the tracking pipeline.
type Service interface {
	SetDetector(name string)
	SetPeopleGroup(strategy string)
	SetBalance(enabled bool)
	AcquireCamera()
	ReleaseCamera()
	HandleCalibrationRequest(start, finish, repeat bool)
	// Coordinate returns the latest tracked coordinate on this node's axis.
	Coordinate() int
	// OnCalibrationResponse registers fn to receive calibration progress.
	OnCalibrationResponse(fn func(count int, image string))
}

// State is a point-in-time view of a Local service.
type State struct {
	Detector       string
	PeopleGroup    string
	Balance        bool
	CameraAcquired bool
	Calibrating    bool
	Coordinate     int
	// Calibration is the confirmed camera calibration, NextCalibration the
	// one being recorded.
	Calibration     []string
	NextCalibration []string
}

// Local holds the tracking configuration of this process. The capture and
// detection pipeline feeds it through Report and RecordCalibration.
type Local struct {
	mu     sync.Mutex
	state  State
	onCal  func(count int, image string)
	logger *zap.Logger
}

var _ Service = (*Local)(nil)

// NewLocal creates a Local service.
func NewLocal(logger *zap.Logger) *Local {
	return &Local{logger: logger}
}

func (l *Local) SetDetector(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if name != "" && name != l.state.Detector {
		l.state.Detector = name
		l.logger.Info("Detector changed", zap.String("detector", name))
	}
}

func (l *Local) SetPeopleGroup(strategy string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strategy != "" {
		l.state.PeopleGroup = strategy
	}
}

func (l *Local) SetBalance(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Balance = enabled
}

func (l *Local) AcquireCamera() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.CameraAcquired {
		l.state.CameraAcquired = true
		l.logger.Info("Camera acquired")
	}
}

func (l *Local) ReleaseCamera() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.CameraAcquired {
		l.state.CameraAcquired = false
		l.logger.Info("Camera released")
	}
}

// HandleCalibrationRequest drives the camera calibration: start begins a
// new recording, repeat drops the last recorded sample, finish ends the
// session and keeps the recording unless repeat is set too.
func (l *Local) HandleCalibrationRequest(start, finish, repeat bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &l.state
	if start {
		s.NextCalibration = nil
	} else if repeat && len(s.NextCalibration) > 0 {
		s.NextCalibration = s.NextCalibration[:len(s.NextCalibration)-1]
	}

	if finish {
		s.Calibrating = false
		if !repeat {
			s.Calibration = append([]string(nil), s.NextCalibration...)
		}
	} else {
		s.Calibrating = true
	}
}

// RecordCalibration adds a calibration sample taken by the pipeline and
// reports the progress.
func (l *Local) RecordCalibration(image string) {
	l.mu.Lock()
	if !l.state.Calibrating {
		l.mu.Unlock()
		return
	}
	l.state.NextCalibration = append(l.state.NextCalibration, image)
	count := len(l.state.NextCalibration)
	fn := l.onCal
	l.mu.Unlock()

	if fn != nil {
		fn(count, image)
	}
}

// Report stores the latest tracked coordinate.
func (l *Local) Report(coordinate int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Coordinate = coordinate
}

func (l *Local) Coordinate() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Coordinate
}

func (l *Local) OnCalibrationResponse(fn func(count int, image string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCal = fn
}

// State returns a copy of the current state.
func (l *Local) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state
	s.Calibration = append([]string(nil), s.Calibration...)
	s.NextCalibration = append([]string(nil), s.NextCalibration...)
	return s
}
