// Package speaker defines the interface to networked speakers and an
// in-memory implementation.
package speaker

import (
	"context"

	"github.com/ItsEcholot/real-stereo-extended/internal/models"
)

// EventHandler receives the events of a volume subscription.
type EventHandler interface {
	// OnVolume is called whenever the subscribed speaker reports a volume.
	OnVolume(volume int)
	// OnLost is called once when the subscription ends unexpectedly.
	OnLost(err error)
}

// Subscription is an open volume event subscription.
type Subscription interface {
	Unsubscribe() error
}

// Driver controls speakers.
type Driver interface {
	// Discover returns every speaker currently visible on the network.
	Discover(ctx context.Context) ([]models.Speaker, error)
	SetVolume(ctx context.Context, sp models.Speaker, volume int) error
	GetVolume(ctx context.Context, sp models.Speaker) (int, error)
	// Subscribe opens a volume event subscription on sp. The returned
	// address is the ip of the speaker coordinating sp's group.
	Subscribe(ctx context.Context, sp models.Speaker, h EventHandler) (Subscription, string, error)
}

// SoundPlayer is implemented by drivers that can play the calibration sound.
type SoundPlayer interface {
	PlayCalibrationSound(ctx context.Context, sp models.Speaker) error
	StopCalibrationSound(ctx context.Context, sp models.Speaker) error
}
