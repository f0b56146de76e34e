package balancing

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/models"
	"github.com/ItsEcholot/real-stereo-extended/internal/speaker"
	"github.com/ItsEcholot/real-stereo-extended/internal/store"
)

// DefaultDiscoveryInterval is the period of the speaker discovery loop.
const DefaultDiscoveryInterval = 15 * time.Second

// Discovery keeps the speaker repository in sync with the speakers found
// on the network.
type Discovery struct {
	store    *store.Store
	driver   speaker.Driver
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger
}

func NewDiscovery(st *store.Store, driver speaker.Driver, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Discovery {
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	return &Discovery{store: st, driver: driver, clock: clk, interval: interval, logger: logger}
}

// Serve runs the discovery loop until ctx is cancelled.
func (d *Discovery) Serve(ctx context.Context) error {
	ticker := d.clock.Ticker(d.interval)
	defer ticker.Stop()
	for {
		if err := d.Sync(ctx); err != nil {
			d.logger.Warn("Speaker discovery failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sync runs one discovery. New speakers are added, known ones are renamed
// or moved when the network says so. Speakers that went missing are kept.
func (d *Discovery) Sync(ctx context.Context) error {
	found, err := d.driver.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover speakers: %w", err)
	}
	for _, sp := range found {
		existing, ok := d.store.Speaker(sp.ID)
		if !ok {
			sp.RoomID = 0
			if d.store.AddSpeaker(sp) {
				d.logger.Info("Discovered new speaker",
					zap.String("name", sp.Name),
					zap.String("id", sp.ID),
					zap.String("ip", sp.IPAddress),
				)
			}
			continue
		}
		if existing.Name == sp.Name && existing.IPAddress == sp.IPAddress {
			continue
		}
		d.store.UpdateSpeaker(sp.ID, func(s *models.Speaker) bool {
			if s.Name == sp.Name && s.IPAddress == sp.IPAddress {
				return false
			}
			s.Name, s.IPAddress = sp.Name, sp.IPAddress
			return true
		})
	}
	return nil
}
