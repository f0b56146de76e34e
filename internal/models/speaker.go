package models

// Speaker is a networked speaker. ID is the vendor UID and survives rediscovery.
type Speaker struct {
	ID        string `cbor:"1,keyasint"`
	Name      string `cbor:"2,keyasint"`
	IPAddress string `cbor:"3,keyasint,omitempty"`
	RoomID    int    `cbor:"4,keyasint,omitempty"`

	// Last known volume, runtime only.
	Volume int `cbor:"-"`
}

// Settings are the cluster wide switches.
type Settings struct {
	Balance bool `cbor:"1,keyasint"`
}

// Snapshot is the persisted form of the whole store.
type Snapshot struct {
	Rooms    []Room
	Nodes    []Node
	Speakers []Speaker
	Settings Settings
}
