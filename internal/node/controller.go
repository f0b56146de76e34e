package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/api/rest"
	"github.com/ItsEcholot/real-stereo-extended/internal/balancing"
	"github.com/ItsEcholot/real-stereo-extended/internal/config"
	"github.com/ItsEcholot/real-stereo-extended/internal/ledger"
	"github.com/ItsEcholot/real-stereo-extended/internal/protocol"
	"github.com/ItsEcholot/real-stereo-extended/internal/speaker"
	"github.com/ItsEcholot/real-stereo-extended/internal/storage/local"
	"github.com/ItsEcholot/real-stereo-extended/internal/store"
	"github.com/ItsEcholot/real-stereo-extended/internal/tracking"
	"github.com/ItsEcholot/real-stereo-extended/internal/transport"
)

// Controller bootstraps the node, wires all components, and runs until shutdown.
type Controller struct {
	cfg      *config.Config
	nodeType ComponentType
	logger   *zap.Logger
	clock    clock.Clock
	driver   speaker.Driver
	tracking *tracking.Local
}

// NewController creates a Controller for the given node type.
func NewController(cfg *config.Config, nodeType ComponentType, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		nodeType: nodeType,
		logger:   logger,
		clock:    clock.New(),
		tracking: tracking.NewLocal(logger.Named("tracking")),
	}
}

// SetSpeakerDriver sets the driver used by the balancing controller. Without
// one the in-memory driver is used.
func (c *Controller) SetSpeakerDriver(d speaker.Driver) { c.driver = d }

// Tracking returns the tracking state holder fed by the camera pipeline.
func (c *Controller) Tracking() *tracking.Local { return c.tracking }

// Run bootstraps all components and blocks until SIGINT/SIGTERM.
func (c *Controller) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hostname, err := c.hostname()
	if err != nil {
		return err
	}
	c.logger.Info("Starting real-stereo node",
		zap.String("role", c.nodeType.String()),
		zap.String("hostname", hostname),
	)

	sup := newSupervisor("realstereo-"+c.nodeType.String(), c.logger.Named("supervisor"))
	switch c.nodeType {
	case RoleMaster:
		cleanup, err := c.bootstrapMaster(ctx, sup, hostname)
		if err != nil {
			return err
		}
		defer cleanup()
	case RoleSlave:
		cleanup, err := c.bootstrapSlave(ctx, sup, hostname)
		if err != nil {
			return err
		}
		defer cleanup()
	default:
		return fmt.Errorf("unsupported node type %s", c.nodeType)
	}

	c.logger.Info("Node running", zap.String("role", c.nodeType.String()))
	err = sup.Serve(ctx)
	c.logger.Info("Shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Controller) hostname() (string, error) {
	if c.cfg.Node.Hostname != "" {
		return c.cfg.Node.Hostname, nil
	}
	h, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}
	return h, nil
}

func (c *Controller) transportConfig() transport.Config {
	cl := c.cfg.Cluster
	return transport.Config{
		Port:             cl.Port,
		BroadcastAddress: cl.BroadcastAddress,
		Builder:          protocol.NewBuilder(cl.App, cl.Version),
		DialTimeout:      cl.DialTimeout,
	}
}

// bootstrapMaster wires the registry, the master transport, the own camera
// as in-process slave and the balancing controller.
func (c *Controller) bootstrapMaster(ctx context.Context, sup *suture.Supervisor, hostname string) (func(), error) {
	cl := c.cfg.Cluster
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// --- 1. Persistence ---
	ps := local.NewPebbleStorage(c.cfg.Node.DataDir, c.logger.Named("pebble"))
	if err := ps.Init(); err != nil {
		return nil, fmt.Errorf("storage init: %w", err)
	}
	cleanups = append(cleanups, func() { ps.Close() })

	st := store.New(ps, c.logger.Named("store"))
	if err := st.Load(); err != nil {
		cleanup()
		return nil, fmt.Errorf("store load: %w", err)
	}

	// --- 2. Registry and master ---
	reg := NewRegistry(st, ledger.NewLivenessLedger(c.clock), cl.NodeAvailabilityCheck, c.logger.Named("registry"))
	master := NewClusterMaster(hostname, st, reg, c.logger.Named("master"))

	tm := transport.NewMaster(c.transportConfig(), master.Router(), c.logger.Named("transport"))
	if err := tm.Listen(ctx); err != nil {
		cleanup()
		return nil, err
	}
	cleanups = append(cleanups, func() { tm.Close() })
	master.SetSender(tm)

	// --- 3. Own camera ---
	selfIP := transport.LocalAddress()
	own := NewLocalSlave(c.tracking, master, selfIP, c.clock, cl.SlavePingInterval, c.logger.Named("local"))
	reg.SetLocal(own)
	cleanups = append(cleanups, reg.Watch(ctx))
	reg.AddSelf(hostname, selfIP)

	// --- 4. Balancing ---
	driver := c.driver
	if driver == nil || c.cfg.Node.DryRun {
		c.logger.Info("Using in-memory speaker driver", zap.Bool("dryRun", c.cfg.Node.DryRun))
		driver = speaker.NewMemory()
	}
	bc := c.cfg.Balancing
	ctl := balancing.NewController(driver, c.clock, bc.GracePeriod, c.logger.Named("volume"))
	manager := balancing.NewManager(st, driver, ctl, bc.PowerParam, c.logger.Named("balancing"))
	cleanups = append(cleanups, manager.Watch(ctx), func() { manager.StopAll(context.Background()) })
	disc := balancing.NewDiscovery(st, driver, c.clock, bc.DiscoveryInterval, c.logger.Named("discovery"))

	// --- 5. Services ---
	sup.Add(service{name: "master-transport", run: tm.Serve})
	sup.Add(every("availability-check", c.clock, cl.NodeAvailabilityCheck/2, func(context.Context) {
		reg.CheckAvailability()
	}))
	sup.Add(every("ping-slaves", c.clock, cl.MasterPingInterval, reg.PingSlaves))
	sup.Add(service{name: "own-camera", run: own.Serve})
	sup.Add(service{name: "speaker-discovery", run: disc.Serve})

	if c.cfg.API.Enabled {
		api := rest.New(c.nodeType.String(), st, manager, c.logger.Named("rest"))
		api.SetCalibration(balancing.NewCalibration(st, driver, c.logger.Named("calibration")), master)
		sup.Add(c.restService(api))
	}
	return cleanup, nil
}

// bootstrapSlave wires the slave lifecycle onto its transport.
func (c *Controller) bootstrapSlave(ctx context.Context, sup *suture.Supervisor, hostname string) (func(), error) {
	cl := c.cfg.Cluster
	slave := NewClusterSlave(hostname, c.tracking, c.clock, SlaveConfig{
		PingInterval:  cl.SlavePingInterval,
		MasterTimeout: cl.MasterAvailabilityCheck,
	}, c.logger.Named("slave"))

	ts := transport.NewSlave(c.transportConfig(), slave.Router(), c.logger.Named("transport"))
	if err := ts.Listen(ctx); err != nil {
		return nil, err
	}
	slave.SetSender(ts)

	sup.Add(service{name: "slave-transport", run: ts.Serve})
	sup.Add(service{name: "slave-lifecycle", run: slave.Serve})

	if c.cfg.API.Enabled {
		api := rest.New(c.nodeType.String(), nil, nil, c.logger.Named("rest"))
		api.Expose("slave", func() any {
			state, master := slave.State()
			return map[string]any{
				"state":    state.String(),
				"master":   master,
				"tracking": c.tracking.State(),
			}
		})
		sup.Add(c.restService(api))
	}
	return func() { ts.Close() }, nil
}

func (c *Controller) restService(api *rest.Server) service {
	addr := c.cfg.API.Addr
	return service{name: "rest-api", run: func(ctx context.Context) error {
		return api.Serve(ctx, addr)
	}}
}
