// Package balancing keeps the perceived loudness in a room constant while
// the listener moves, by interpolating calibration samples and steering the
// speaker volumes in a closed loop.
package balancing

import (
	"math"

	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/models"
	"github.com/ItsEcholot/real-stereo-extended/internal/spatial"
)

// DefaultPowerParam is the inverse distance weighting exponent.
const DefaultPowerParam = 1.5

// VolumeInterpolation estimates how loud each speaker of a room is at a
// coordinate, based on the room's confirmed calibration points. It is not
// safe for concurrent use.
type VolumeInterpolation struct {
	power    float64
	roomName string
	target   float64
	points   map[string][]spatial.Sample
	logger   *zap.Logger
}

// NewVolumeInterpolation creates an interpolation without calibration data.
// Call Update before use.
func NewVolumeInterpolation(power float64, logger *zap.Logger) *VolumeInterpolation {
	if power <= 0 {
		power = DefaultPowerParam
	}
	return &VolumeInterpolation{
		power:  power,
		points: make(map[string][]spatial.Sample),
		logger: logger,
	}
}

// Update reloads the calibration points of room.
func (v *VolumeInterpolation) Update(room models.Room) {
	v.roomName = room.Name
	v.target = 0
	v.points = make(map[string][]spatial.Sample)
	for _, p := range room.CalibrationPoints {
		v.points[p.SpeakerID] = append(v.points[p.SpeakerID], spatial.Sample{
			At:    spatial.Point{X: p.X, Y: p.Y},
			Value: p.MeasuredVolume,
		})
		if p.MeasuredVolume > v.target {
			v.target = p.MeasuredVolume
		}
	}
}

// TargetVolume is the loudest calibration sample of the room.
func (v *VolumeInterpolation) TargetVolume() float64 {
	return v.target
}

// PerceivedVolume returns the interpolated volume of a speaker at the
// given coordinate. Uncalibrated speakers are reported as 0.
func (v *VolumeInterpolation) PerceivedVolume(speakerID string, at spatial.Point) float64 {
	vol, ok := spatial.InverseDistanceWeighting(at, v.points[speakerID], v.power)
	if !ok {
		v.logger.Warn("Speaker is not calibrated for room",
			zap.String("speaker", speakerID),
			zap.String("room", v.roomName),
		)
		return 0
	}
	return vol
}

// SpeakerVolume scales userVolume by how far perceived is from the target:
// round(userVolume * (2 - perceived/target)).
func (v *VolumeInterpolation) SpeakerVolume(userVolume int, perceived float64) int {
	if v.target == 0 {
		return userVolume
	}
	return int(math.Round(float64(userVolume) * (2 - perceived/v.target)))
}

// Volumes returns the balanced volume of every speaker at the given coordinate.
func (v *VolumeInterpolation) Volumes(userVolume int, speakers []models.Speaker, at spatial.Point) []int {
	out := make([]int, len(speakers))
	for i, sp := range speakers {
		out[i] = v.SpeakerVolume(userVolume, v.PerceivedVolume(sp.ID, at))
	}
	return out
}
