package node_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/ledger"
	"github.com/ItsEcholot/real-stereo-extended/internal/models"
	"github.com/ItsEcholot/real-stereo-extended/internal/node"
	"github.com/ItsEcholot/real-stereo-extended/internal/store"
	"github.com/ItsEcholot/real-stereo-extended/internal/tracking"
	"github.com/ItsEcholot/real-stereo-extended/internal/transport"
)

// TestClusterOverLoopback runs a master and a slave on 127.0.0.1: the
// slave announces itself, gets acquired once assigned to a room and
// reports its coordinate.
func TestClusterOverLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clk := clock.NewMock()
	camera := tracking.NewLocal(zap.NewNop())
	slave := node.NewClusterSlave("cam-1", camera, clk, node.SlaveConfig{
		PingInterval:  5 * time.Second,
		MasterTimeout: masterTimeout,
	}, zap.NewNop())
	ts := transport.NewSlave(transport.Config{Port: 0, BroadcastAddress: "127.0.0.1"}, slave.Router(), zap.NewNop())
	require.NoError(t, ts.Listen(ctx))
	t.Cleanup(func() { ts.Close() })
	slave.SetSender(ts)
	go ts.Serve(ctx)

	st := store.New(nil, zap.NewNop())
	reg := node.NewRegistry(st, ledger.NewLivenessLedger(clk), availability, zap.NewNop())
	master := node.NewClusterMaster("master", st, reg, zap.NewNop())
	tm := transport.NewMaster(transport.Config{Port: ts.Port(), DialTimeout: time.Second}, master.Router(), zap.NewNop())
	require.NoError(t, tm.Listen(ctx))
	t.Cleanup(func() { tm.Close() })
	master.SetSender(tm)
	t.Cleanup(reg.Watch(ctx))
	go tm.Serve(ctx)

	var cam models.Node
	require.Eventually(t, func() bool {
		slave.Tick()
		var ok bool
		cam, ok = st.NodeByHostname("cam-1")
		return ok
	}, 3*time.Second, 20*time.Millisecond, "announcement reaches the master")
	assert.Equal(t, "127.0.0.1", cam.IPAddress)
	assert.True(t, cam.Online)

	st.UpdateSettings(func(s *models.Settings) bool {
		s.Balance = true
		return true
	})
	room := st.AddRoom(models.Room{Name: "living"})
	st.UpdateNode(cam.ID, func(n *models.Node) bool {
		n.RoomID = room.ID
		n.CoordinateType = models.CoordinateX
		n.Detector = "hog"
		return true
	})

	require.Eventually(t, func() bool {
		state, _ := slave.State()
		return state == node.StateAcquired
	}, 3*time.Second, 20*time.Millisecond, "acquisition reaches the slave")
	_, masterIP := slave.State()
	assert.Equal(t, "127.0.0.1", masterIP)
	applied := camera.State()
	assert.Equal(t, "hog", applied.Detector)
	assert.True(t, applied.Balance)
	assert.False(t, applied.CameraAcquired, "the camera is only taken for calibration")

	camera.Report(64)
	require.Eventually(t, func() bool {
		slave.Tick()
		r, _ := st.Room(room.ID)
		return r.CoordinatesKnown[0] && r.Coordinates[0] == 64
	}, 3*time.Second, 20*time.Millisecond, "position update reaches the master")
}
