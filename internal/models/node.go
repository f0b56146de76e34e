// Package models holds the records shared by the registry, the balancing
// controller and the persistence layer. Relations are expressed as ids.
package models

// Coordinate axes a tracking node can report.
const (
	CoordinateX = "x"
	CoordinateY = "y"
)

// Node is a camera node known to the master.
type Node struct {
	ID             int    `cbor:"1,keyasint"`
	Name           string `cbor:"2,keyasint"`
	Hostname       string `cbor:"3,keyasint"`
	IPAddress      string `cbor:"4,keyasint"`
	RoomID         int    `cbor:"5,keyasint,omitempty"`
	Detector       string `cbor:"6,keyasint,omitempty"`
	CoordinateType string `cbor:"7,keyasint,omitempty"`

	// Runtime state, never persisted.
	Online   bool `cbor:"-"`
	Acquired bool `cbor:"-"`
}

// HasRoom reports whether the node is assigned to a room.
func (n Node) HasRoom() bool { return n.RoomID != 0 }

// AxisIndex maps the node's coordinate type to an index into Room.Coordinates.
// ok is false when the node does not report an axis.
func (n Node) AxisIndex() (index int, ok bool) {
	switch n.CoordinateType {
	case CoordinateX:
		return 0, true
	case CoordinateY:
		return 1, true
	default:
		return 0, false
	}
}
