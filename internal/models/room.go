package models

// People grouping strategies understood by the tracking subsystem.
const (
	PeopleGroupAverage = "average"
	PeopleGroupLargest = "largest"
	PeopleGroupFirst   = "first"
)

// Room groups nodes and speakers and carries the balancing and calibration state.
type Room struct {
	ID          int    `cbor:"1,keyasint"`
	Name        string `cbor:"2,keyasint"`
	PeopleGroup string `cbor:"3,keyasint,omitempty"`
	UserVolume  int    `cbor:"4,keyasint"`

	CalibrationPoints []CalibrationPoint `cbor:"5,keyasint,omitempty"`

	// Runtime state, never persisted.
	Coordinates             [2]int             `cbor:"-"`
	CoordinatesKnown        [2]bool            `cbor:"-"`
	Calibrating             bool               `cbor:"-"`
	Freeze                  bool               `cbor:"-"`
	CurrentPoints           []CalibrationPoint `cbor:"-"`
	CalibrationSpeakerIndex int                `cbor:"-"`
}

// Position returns the last tracked coordinate and whether both axes have
// been reported at least once.
func (r Room) Position() (x, y int, ok bool) {
	return r.Coordinates[0], r.Coordinates[1], r.CoordinatesKnown[0] && r.CoordinatesKnown[1]
}

// Clone returns a copy that shares no slices with r.
func (r Room) Clone() Room {
	c := r
	c.CalibrationPoints = append([]CalibrationPoint(nil), r.CalibrationPoints...)
	c.CurrentPoints = append([]CalibrationPoint(nil), r.CurrentPoints...)
	return c
}

// CalibrationPoint is a measured volume sample of one speaker at one coordinate.
type CalibrationPoint struct {
	SpeakerID      string  `cbor:"1,keyasint"`
	X              int     `cbor:"2,keyasint"`
	Y              int     `cbor:"3,keyasint"`
	MeasuredVolume float64 `cbor:"4,keyasint"`
}
