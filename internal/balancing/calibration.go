package balancing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/models"
	"github.com/ItsEcholot/real-stereo-extended/internal/speaker"
	"github.com/ItsEcholot/real-stereo-extended/internal/store"
)

var (
	ErrCalibrating    = errors.New("room is already calibrating")
	ErrNotCalibrating = errors.New("room is not calibrating")
	// ErrNoPosition is returned when recording without a tracked position.
	ErrNoPosition = errors.New("room has no tracked position")
	// ErrAllRecorded is returned when every speaker already has a point at
	// the current position.
	ErrAllRecorded = errors.New("all speakers recorded")
)

// Calibration runs the room calibration sessions: the listener stands at a
// position, every speaker of the room plays the calibration sound in turn
// and the measured volume is recorded as a calibration point.
type Calibration struct {
	store  *store.Store
	driver speaker.Driver
	logger *zap.Logger
}

func NewCalibration(st *store.Store, driver speaker.Driver, logger *zap.Logger) *Calibration {
	return &Calibration{store: st, driver: driver, logger: logger}
}

// Start opens a session. Balancing of the room pauses until Finish.
func (c *Calibration) Start(ctx context.Context, roomID int) error {
	room, ok := c.store.Room(roomID)
	if !ok {
		return fmt.Errorf("room %d: %w", roomID, store.ErrNotFound)
	}
	if room.Calibrating {
		return fmt.Errorf("room %d: %w", roomID, ErrCalibrating)
	}
	speakers := c.store.SpeakersInRoom(roomID)
	if len(speakers) == 0 {
		return fmt.Errorf("room %d: %w", roomID, ErrNoSpeakers)
	}

	c.store.UpdateRoom(roomID, func(r *models.Room) bool {
		r.Calibrating = true
		r.Freeze = false
		r.CurrentPoints = nil
		r.CalibrationSpeakerIndex = 0
		return true
	})
	c.logger.Info("Room calibration started", zap.String("room", room.Name))
	c.play(ctx, speakers[0])
	return nil
}

// Record stores the measured volume of the current speaker at the room's
// tracked position and moves on to the next speaker. The first Record of a
// position freezes the room's coordinate until Confirm or Repeat, so every
// speaker is recorded at the same spot.
func (c *Calibration) Record(ctx context.Context, roomID int, measuredVolume float64) error {
	room, err := c.session(roomID)
	if err != nil {
		return err
	}
	x, y, ok := room.Position()
	if !ok {
		return fmt.Errorf("room %d: %w", roomID, ErrNoPosition)
	}
	speakers := c.store.SpeakersInRoom(roomID)
	idx := room.CalibrationSpeakerIndex
	if idx >= len(speakers) {
		return fmt.Errorf("room %d: %w", roomID, ErrAllRecorded)
	}

	point := models.CalibrationPoint{SpeakerID: speakers[idx].ID, X: x, Y: y, MeasuredVolume: measuredVolume}
	c.store.UpdateRoom(roomID, func(r *models.Room) bool {
		r.CurrentPoints = append(r.CurrentPoints, point)
		r.CalibrationSpeakerIndex = idx + 1
		r.Freeze = true
		return true
	})
	c.logger.Info("Calibration point recorded",
		zap.String("room", room.Name),
		zap.String("speaker", point.SpeakerID),
		zap.Int("x", x),
		zap.Int("y", y),
		zap.Float64("volume", measuredVolume),
	)

	c.stop(ctx, speakers[idx])
	if idx+1 < len(speakers) {
		c.play(ctx, speakers[idx+1])
	}
	return nil
}

// Confirm keeps the points recorded at the current position, replacing
// earlier points of the same speaker at that position.
func (c *Calibration) Confirm(ctx context.Context, roomID int) error {
	if _, err := c.session(roomID); err != nil {
		return err
	}
	c.store.UpdateRoom(roomID, func(r *models.Room) bool {
		for _, p := range r.CurrentPoints {
			r.CalibrationPoints = replacePoint(r.CalibrationPoints, p)
		}
		r.CurrentPoints = nil
		r.CalibrationSpeakerIndex = 0
		r.Freeze = false
		return true
	})
	if speakers := c.store.SpeakersInRoom(roomID); len(speakers) > 0 {
		c.play(ctx, speakers[0])
	}
	return nil
}

// Repeat discards the points recorded at the current position.
func (c *Calibration) Repeat(ctx context.Context, roomID int) error {
	if _, err := c.session(roomID); err != nil {
		return err
	}
	c.store.UpdateRoom(roomID, func(r *models.Room) bool {
		r.CurrentPoints = nil
		r.CalibrationSpeakerIndex = 0
		r.Freeze = false
		return true
	})
	speakers := c.store.SpeakersInRoom(roomID)
	c.stopAll(ctx, speakers)
	if len(speakers) > 0 {
		c.play(ctx, speakers[0])
	}
	return nil
}

// Finish closes the session. Unconfirmed points are dropped.
func (c *Calibration) Finish(ctx context.Context, roomID int) error {
	room, err := c.session(roomID)
	if err != nil {
		return err
	}
	c.store.UpdateRoom(roomID, func(r *models.Room) bool {
		r.Calibrating = false
		r.Freeze = false
		r.CurrentPoints = nil
		r.CalibrationSpeakerIndex = 0
		return true
	})
	c.stopAll(ctx, c.store.SpeakersInRoom(roomID))
	c.logger.Info("Room calibration finished",
		zap.String("room", room.Name),
		zap.Int("points", len(room.CalibrationPoints)),
	)
	return nil
}

func (c *Calibration) session(roomID int) (models.Room, error) {
	room, ok := c.store.Room(roomID)
	if !ok {
		return models.Room{}, fmt.Errorf("room %d: %w", roomID, store.ErrNotFound)
	}
	if !room.Calibrating {
		return models.Room{}, fmt.Errorf("room %d: %w", roomID, ErrNotCalibrating)
	}
	return room, nil
}

func replacePoint(points []models.CalibrationPoint, p models.CalibrationPoint) []models.CalibrationPoint {
	for i, existing := range points {
		if existing.SpeakerID == p.SpeakerID && existing.X == p.X && existing.Y == p.Y {
			points[i] = p
			return points
		}
	}
	return append(points, p)
}

func (c *Calibration) play(ctx context.Context, sp models.Speaker) {
	player, ok := c.driver.(speaker.SoundPlayer)
	if !ok {
		return
	}
	if err := player.PlayCalibrationSound(ctx, sp); err != nil {
		c.logger.Warn("Playing calibration sound failed", zap.String("speaker", sp.ID), zap.Error(err))
	}
}

func (c *Calibration) stop(ctx context.Context, sp models.Speaker) {
	player, ok := c.driver.(speaker.SoundPlayer)
	if !ok {
		return
	}
	if err := player.StopCalibrationSound(ctx, sp); err != nil {
		c.logger.Debug("Stopping calibration sound failed", zap.String("speaker", sp.ID), zap.Error(err))
	}
}

func (c *Calibration) stopAll(ctx context.Context, speakers []models.Speaker) {
	for _, sp := range speakers {
		c.stop(ctx, sp)
	}
}
