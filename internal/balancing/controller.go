package balancing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ItsEcholot/real-stereo-extended/internal/metrics"
	"github.com/ItsEcholot/real-stereo-extended/internal/models"
	"github.com/ItsEcholot/real-stereo-extended/internal/speaker"
)

// DefaultGracePeriod is how long an unconfirmed command blocks the next one.
const DefaultGracePeriod = 3 * time.Second

// ErrNotBalancing is returned for rooms without an open RoomInfo.
var ErrNotBalancing = errors.New("room is not balancing")

// VolumeCommand sets Volumes[i] on Speakers[i].
type VolumeCommand struct {
	Speakers []models.Speaker
	Volumes  []int
}

// RoomInfo is the command state of a balancing room.
type RoomInfo struct {
	// MasterIPAddress is the speaker whose volume events confirm commands.
	MasterIPAddress string
	// MasterIndex is the position of the master speaker in the commands.
	MasterIndex      int
	VolumeConfirmed  bool
	CurrentVolume    []int
	NextVolume       *VolumeCommand
	LastVolumeChange time.Time
}

func (ri *RoomInfo) clone() RoomInfo {
	c := *ri
	c.CurrentVolume = slices.Clone(ri.CurrentVolume)
	if ri.NextVolume != nil {
		next := *ri.NextVolume
		c.NextVolume = &next
	}
	return c
}

// Controller issues volume commands so that at most one command per room is
// in flight: a command is in flight until the master speaker reports its
// volume or the grace period elapses. Newer targets replace older ones.
type Controller struct {
	driver speaker.Driver
	clock  clock.Clock
	grace  time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[int]*RoomInfo
}

// NewController creates a controller sending through driver.
func NewController(driver speaker.Driver, clk clock.Clock, grace time.Duration, logger *zap.Logger) *Controller {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Controller{
		driver: driver,
		clock:  clk,
		grace:  grace,
		logger: logger,
		rooms:  make(map[int]*RoomInfo),
	}
}

// Open creates the RoomInfo of a room. current is the volume vector the
// speakers are known to have.
func (c *Controller) Open(roomID int, masterIP string, masterIndex int, current []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = &RoomInfo{
		MasterIPAddress: masterIP,
		MasterIndex:     masterIndex,
		VolumeConfirmed: true,
		CurrentVolume:   slices.Clone(current),
	}
}

// Close discards the RoomInfo of a room.
func (c *Controller) Close(roomID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

// Info returns a copy of the RoomInfo of a room.
func (c *Controller) Info(roomID int) (RoomInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ri, ok := c.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return ri.clone(), true
}

// SetMaster moves command confirmation to another speaker. The in-flight
// command is considered confirmed.
func (c *Controller) SetMaster(roomID int, masterIP string, masterIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ri, ok := c.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %d: %w", roomID, ErrNotBalancing)
	}
	ri.MasterIPAddress = masterIP
	ri.MasterIndex = masterIndex
	ri.VolumeConfirmed = true
	return nil
}

// Submit asks for cmd to be applied. It is sent right away when the previous
// command was confirmed or timed out, otherwise it is stashed until then.
func (c *Controller) Submit(ctx context.Context, roomID int, cmd VolumeCommand) error {
	cmd.Volumes = clampAll(cmd.Volumes)

	c.mu.Lock()
	ri, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("room %d: %w", roomID, ErrNotBalancing)
	}
	if slices.Equal(cmd.Volumes, ri.CurrentVolume) {
		ri.NextVolume = nil
		c.mu.Unlock()
		return nil
	}
	if !ri.VolumeConfirmed && c.clock.Since(ri.LastVolumeChange) <= c.grace {
		ri.NextVolume = &cmd
		c.mu.Unlock()
		metrics.VolumeCommands.WithLabelValues(metrics.VolumeStashed).Inc()
		return nil
	}
	c.markIssuedLocked(ri, cmd)
	c.mu.Unlock()

	c.send(ctx, roomID, cmd)
	return nil
}

// OnVolumeEvent handles a volume reported by the master speaker of a room.
// A volume that does not match the in-flight command is an external change:
// the stashed command is dropped and external is true, the caller is
// expected to adopt volume as the new user volume and submit again.
func (c *Controller) OnVolumeEvent(ctx context.Context, roomID, volume int) (external bool, err error) {
	c.mu.Lock()
	ri, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return false, fmt.Errorf("room %d: %w", roomID, ErrNotBalancing)
	}

	expected, known := -1, ri.MasterIndex < len(ri.CurrentVolume)
	if known {
		expected = ri.CurrentVolume[ri.MasterIndex]
	}
	if volume == expected {
		if ri.VolumeConfirmed {
			c.mu.Unlock()
			return false, nil
		}
		ri.VolumeConfirmed = true
		next := ri.NextVolume
		if next != nil {
			c.markIssuedLocked(ri, *next)
		}
		c.mu.Unlock()

		metrics.VolumeCommands.WithLabelValues(metrics.VolumeConfirmed).Inc()
		if next != nil {
			c.send(ctx, roomID, *next)
		}
		return false, nil
	}

	ri.NextVolume = nil
	ri.VolumeConfirmed = true
	ri.CurrentVolume = nil
	c.mu.Unlock()

	metrics.VolumeCommands.WithLabelValues(metrics.VolumeExternal).Inc()
	c.logger.Info("External volume change",
		zap.Int("room", roomID),
		zap.Int("volume", volume),
		zap.Int("expected", expected),
	)
	return true, nil
}

func (c *Controller) markIssuedLocked(ri *RoomInfo, cmd VolumeCommand) {
	ri.CurrentVolume = slices.Clone(cmd.Volumes)
	ri.VolumeConfirmed = false
	ri.LastVolumeChange = c.clock.Now()
	ri.NextVolume = nil
}

// send applies cmd on every speaker. Failures are logged only, the grace
// period lets the next command through.
func (c *Controller) send(ctx context.Context, roomID int, cmd VolumeCommand) {
	metrics.VolumeCommands.WithLabelValues(metrics.VolumeIssued).Inc()
	c.logger.Debug("Volume command",
		zap.Int("room", roomID),
		zap.Ints("volumes", cmd.Volumes),
	)

	var g errgroup.Group
	for i, sp := range cmd.Speakers {
		if i >= len(cmd.Volumes) {
			break
		}
		volume := cmd.Volumes[i]
		g.Go(func() error {
			if err := c.driver.SetVolume(ctx, sp, volume); err != nil {
				return fmt.Errorf("speaker %s: %w", sp.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.VolumeCommands.WithLabelValues(metrics.VolumeFailed).Inc()
		c.logger.Warn("Volume command failed", zap.Int("room", roomID), zap.Error(err))
	}
}

func clampAll(volumes []int) []int {
	out := make([]int, len(volumes))
	for i, v := range volumes {
		out[i] = min(max(v, 0), 100)
	}
	return out
}
