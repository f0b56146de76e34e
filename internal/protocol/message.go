// Package protocol defines the cluster message envelope, its binary codec,
// the stream framing and the per-role dispatch table.
package protocol

// Defaults shared by every member of a cluster.
const (
	DefaultApp     int32 = 828369
	DefaultVersion int32 = 1
	DefaultPort          = 5605

	// MaxDatagramSize bounds a single UDP message.
	MaxDatagramSize = 65507
)

// Kind identifies the payload variant carried by an envelope.
type Kind int

const (
	KindNone Kind = iota
	KindServiceAnnouncement
	KindServiceAcquisition
	KindServiceUpdate
	KindServiceRelease
	KindPing
	KindPositionUpdate
	KindCameraCalibrationRequest
	KindCameraCalibrationResponse
)

var kindNames = [...]string{
	KindNone:                      "none",
	KindServiceAnnouncement:       "service_announcement",
	KindServiceAcquisition:        "service_acquisition",
	KindServiceUpdate:             "service_update",
	KindServiceRelease:            "service_release",
	KindPing:                      "ping",
	KindPositionUpdate:            "position_update",
	KindCameraCalibrationRequest:  "camera_calibration_request",
	KindCameraCalibrationResponse: "camera_calibration_response",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Payload is one of the message variants below.
type Payload interface {
	Kind() Kind
	appendFields(b []byte) []byte
	consumeFields(b []byte) error
}

// ServiceAnnouncement is broadcast by an unacquired slave.
type ServiceAnnouncement struct {
	Hostname string
}

// ServiceAcquisition assigns the tracking service of a slave to the sender.
// Empty Detector or PeopleGroup leave the slave's current choice untouched.
type ServiceAcquisition struct {
	Track       bool
	Hostname    string
	Detector    string
	PeopleGroup string
}

// ServiceUpdate reconfigures an acquired slave.
type ServiceUpdate struct {
	Track       bool
	Detector    string
	PeopleGroup string
}

// ServiceRelease hands a slave back to the pool.
type ServiceRelease struct {
	Hostname string
}

// Ping is the master heartbeat.
type Ping struct {
	Hostname string
}

// PositionUpdate carries the slave's latest tracked coordinate.
type PositionUpdate struct {
	Coordinate int32
}

// CameraCalibrationRequest drives the camera calibration of a slave.
type CameraCalibrationRequest struct {
	Start  bool
	Finish bool
	Repeat bool
}

// CameraCalibrationResponse reports calibration progress back to the master.
type CameraCalibrationResponse struct {
	Count int32
	Image string
}

func (*ServiceAnnouncement) Kind() Kind       { return KindServiceAnnouncement }
func (*ServiceAcquisition) Kind() Kind        { return KindServiceAcquisition }
func (*ServiceUpdate) Kind() Kind             { return KindServiceUpdate }
func (*ServiceRelease) Kind() Kind            { return KindServiceRelease }
func (*Ping) Kind() Kind                      { return KindPing }
func (*PositionUpdate) Kind() Kind            { return KindPositionUpdate }
func (*CameraCalibrationRequest) Kind() Kind  { return KindCameraCalibrationRequest }
func (*CameraCalibrationResponse) Kind() Kind { return KindCameraCalibrationResponse }

func newPayload(k Kind) Payload {
	switch k {
	case KindServiceAnnouncement:
		return &ServiceAnnouncement{}
	case KindServiceAcquisition:
		return &ServiceAcquisition{}
	case KindServiceUpdate:
		return &ServiceUpdate{}
	case KindServiceRelease:
		return &ServiceRelease{}
	case KindPing:
		return &Ping{}
	case KindPositionUpdate:
		return &PositionUpdate{}
	case KindCameraCalibrationRequest:
		return &CameraCalibrationRequest{}
	case KindCameraCalibrationResponse:
		return &CameraCalibrationResponse{}
	default:
		return nil
	}
}

// Envelope is the single message type exchanged between cluster members.
type Envelope struct {
	App     int32
	Version int32
	Payload Payload
}

// Kind returns the payload variant, KindNone for an empty envelope.
func (e *Envelope) Kind() Kind {
	if e == nil || e.Payload == nil {
		return KindNone
	}
	return e.Payload.Kind()
}

// Builder stamps outgoing envelopes with the cluster's app id and version.
type Builder struct {
	App     int32
	Version int32
}

// NewBuilder returns a Builder for the given app id and version.
func NewBuilder(app, version int32) Builder {
	return Builder{App: app, Version: version}
}

// Build wraps p in a stamped envelope.
func (b Builder) Build(p Payload) *Envelope {
	return &Envelope{App: b.App, Version: b.Version, Payload: p}
}

// Marshal builds and encodes p.
func (b Builder) Marshal(p Payload) ([]byte, error) {
	return Marshal(b.Build(p))
}

// Parse decodes data and filters foreign traffic, see Parse.
func (b Builder) Parse(data []byte) (*Envelope, bool) {
	return Parse(data, b.App)
}
