package node

// SlaveState is the state of a slave's tracking service.
type SlaveState int32

const (
	// StateUnacquired means no master owns this node; it announces itself.
	StateUnacquired SlaveState = iota
	// StateAcquired means a master owns this node and pings it.
	StateAcquired
)

func (s SlaveState) String() string {
	switch s {
	case StateUnacquired:
		return "unacquired"
	case StateAcquired:
		return "acquired"
	default:
		return "unknown"
	}
}

// ServiceConfig is the tracking configuration a master hands to a slave.
type ServiceConfig struct {
	Track       bool
	Detector    string
	PeopleGroup string
}
