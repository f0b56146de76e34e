package node_test

import (
	"context"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/ledger"
	"github.com/ItsEcholot/real-stereo-extended/internal/models"
	"github.com/ItsEcholot/real-stereo-extended/internal/node"
	"github.com/ItsEcholot/real-stereo-extended/internal/protocol"
	"github.com/ItsEcholot/real-stereo-extended/internal/store"
)

type sent struct {
	ip      string
	payload protocol.Payload
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeSender) Send(_ context.Context, ip string, p protocol.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{ip: ip, payload: p})
	return nil
}

func (f *fakeSender) ofKind(k protocol.Kind) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.sent {
		if s.payload.Kind() == k {
			out = append(out, s)
		}
	}
	return out
}

var builder = protocol.NewBuilder(protocol.DefaultApp, protocol.DefaultVersion)

func newMaster(t *testing.T) (*node.ClusterMaster, *store.Store, *fakeSender) {
	t.Helper()
	st := store.New(nil, zap.NewNop())
	reg := node.NewRegistry(st, ledger.NewLivenessLedger(clock.NewMock()), availability, zap.NewNop())
	m := node.NewClusterMaster("master", st, reg, zap.NewNop())
	s := &fakeSender{}
	m.SetSender(s)
	t.Cleanup(reg.Watch(context.Background()))
	return m, st, s
}

func TestMasterAcquisitionCarriesConfiguration(t *testing.T) {
	m, st, s := newMaster(t)
	st.UpdateSettings(func(s *models.Settings) bool {
		s.Balance = true
		return true
	})
	room := st.AddRoom(models.Room{Name: "living", PeopleGroup: models.PeopleGroupLargest})

	m.Router().Dispatch(builder.Build(&protocol.ServiceAnnouncement{Hostname: "cam-1"}), "10.0.0.2")
	n, ok := st.NodeByHostname("cam-1")
	require.True(t, ok)
	st.UpdateNode(n.ID, func(n *models.Node) bool {
		n.RoomID = room.ID
		n.Detector = "hog"
		return true
	})

	acq := s.ofKind(protocol.KindServiceAcquisition)
	require.Len(t, acq, 1)
	assert.Equal(t, "10.0.0.2", acq[0].ip)
	assert.Equal(t, &protocol.ServiceAcquisition{
		Track:       true,
		Hostname:    "master",
		Detector:    "hog",
		PeopleGroup: models.PeopleGroupLargest,
	}, acq[0].payload)
}

func TestMasterPositionUpdate(t *testing.T) {
	m, st, _ := newMaster(t)
	room := st.AddRoom(models.Room{Name: "living"})
	m.Router().Dispatch(builder.Build(&protocol.ServiceAnnouncement{Hostname: "cam-x"}), "10.0.0.2")
	m.Router().Dispatch(builder.Build(&protocol.ServiceAnnouncement{Hostname: "cam-y"}), "10.0.0.3")
	m.Router().Dispatch(builder.Build(&protocol.ServiceAnnouncement{Hostname: "cam-none"}), "10.0.0.4")
	for hostname, axis := range map[string]string{"cam-x": models.CoordinateX, "cam-y": models.CoordinateY, "cam-none": ""} {
		n, _ := st.NodeByHostname(hostname)
		st.UpdateNode(n.ID, func(n *models.Node) bool {
			n.RoomID = room.ID
			n.CoordinateType = axis
			return true
		})
	}

	m.Router().Dispatch(builder.Build(&protocol.PositionUpdate{Coordinate: 120}), "10.0.0.2")
	m.Router().Dispatch(builder.Build(&protocol.PositionUpdate{Coordinate: 999}), "10.0.0.4")
	r, _ := st.Room(room.ID)
	_, _, ok := r.Position()
	assert.False(t, ok)

	m.Router().Dispatch(builder.Build(&protocol.PositionUpdate{Coordinate: 45}), "10.0.0.3")
	r, _ = st.Room(room.ID)
	x, y, ok := r.Position()
	assert.True(t, ok)
	assert.Equal(t, 120, x)
	assert.Equal(t, 45, y)

	// unknown sender is ignored
	m.Router().Dispatch(builder.Build(&protocol.PositionUpdate{Coordinate: 1}), "10.9.9.9")
	r, _ = st.Room(room.ID)
	assert.Equal(t, [2]int{120, 45}, r.Coordinates)
}

func TestMasterCalibrationFlow(t *testing.T) {
	m, st, s := newMaster(t)
	m.Router().Dispatch(builder.Build(&protocol.ServiceAnnouncement{Hostname: "cam-1"}), "10.0.0.2")
	n, _ := st.NodeByHostname("cam-1")

	require.NoError(t, m.SendCameraCalibrationRequest(context.Background(), n.ID, true, false, false))
	req := s.ofKind(protocol.KindCameraCalibrationRequest)
	require.Len(t, req, 1)
	assert.Equal(t, &protocol.CameraCalibrationRequest{Start: true}, req[0].payload)

	var gotNode models.Node
	var gotCount int
	m.OnCameraCalibration(func(n models.Node, count int, image string) {
		gotNode, gotCount = n, count
	})
	m.Router().Dispatch(builder.Build(&protocol.CameraCalibrationResponse{Count: 2, Image: "2.jpg"}), "10.0.0.2")
	assert.Equal(t, "cam-1", gotNode.Hostname)
	assert.Equal(t, 2, gotCount)

	assert.ErrorIs(t, m.SendCameraCalibrationRequest(context.Background(), 99, true, false, false), store.ErrNotFound)
}

func TestMasterIgnoresSlaveOnlyMessages(t *testing.T) {
	m, _, _ := newMaster(t)
	assert.False(t, m.Router().Dispatch(builder.Build(&protocol.ServiceAcquisition{}), "10.0.0.2"))
	assert.False(t, m.Router().Dispatch(builder.Build(&protocol.ServiceRelease{}), "10.0.0.2"))
}

func TestMasterPositionFollowsAddressOwner(t *testing.T) {
	m, st, _ := newMaster(t)
	room := st.AddRoom(models.Room{Name: "living"})
	m.Router().Dispatch(builder.Build(&protocol.ServiceAnnouncement{Hostname: "old"}), "10.0.0.2")
	old, _ := st.NodeByHostname("old")
	st.UpdateNode(old.ID, func(n *models.Node) bool {
		n.RoomID = room.ID
		n.CoordinateType = models.CoordinateX
		return true
	})

	// a new host took over the address and is not assigned anywhere yet
	m.Router().Dispatch(builder.Build(&protocol.ServiceAnnouncement{Hostname: "new"}), "10.0.0.2")
	m.Router().Dispatch(builder.Build(&protocol.PositionUpdate{Coordinate: 120}), "10.0.0.2")

	r, _ := st.Room(room.ID)
	assert.False(t, r.CoordinatesKnown[0], "coordinates of the new host are not credited to the old node")
}
