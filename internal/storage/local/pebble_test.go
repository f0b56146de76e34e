package local_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/models"
	"github.com/ItsEcholot/real-stereo-extended/internal/storage/local"
)

func setupPebble(t *testing.T, dir string) *local.PebbleStorage {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	s := local.NewPebbleStorage(dir+"/test-pebble", logger)
	require.NoError(t, s.Init())
	return s
}

func TestPebbleEmptyLoad(t *testing.T) {
	s := setupPebble(t, t.TempDir())
	defer s.Close()

	snap, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, snap.Rooms)
	assert.Empty(t, snap.Nodes)
	assert.False(t, snap.Settings.Balance)
}

func TestPebbleSaveLoadAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s := setupPebble(t, dir)

	snap := models.Snapshot{
		Rooms: []models.Room{{
			ID: 1, Name: "living", PeopleGroup: models.PeopleGroupLargest, UserVolume: 30,
			CalibrationPoints: []models.CalibrationPoint{{SpeakerID: "RINCON_A", X: 10, Y: 20, MeasuredVolume: 0.5}},
			Calibrating:       true,
		}},
		Nodes: []models.Node{{
			ID: 2, Name: "cam", Hostname: "cam-1", IPAddress: "192.168.1.20",
			RoomID: 1, Detector: "hog", CoordinateType: models.CoordinateX, Online: true,
		}},
		Speakers: []models.Speaker{{ID: "RINCON_A", Name: "left", RoomID: 1, Volume: 44}},
		Settings: models.Settings{Balance: true},
	}
	require.NoError(t, s.Save(snap))
	require.NoError(t, s.Close())

	s = setupPebble(t, dir)
	defer s.Close()
	got, err := s.Load()
	require.NoError(t, err)

	require.Len(t, got.Rooms, 1)
	assert.Equal(t, "living", got.Rooms[0].Name)
	assert.Equal(t, snap.Rooms[0].CalibrationPoints, got.Rooms[0].CalibrationPoints)
	assert.False(t, got.Rooms[0].Calibrating, "runtime state is not persisted")

	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "cam-1", got.Nodes[0].Hostname)
	assert.Equal(t, models.CoordinateX, got.Nodes[0].CoordinateType)
	assert.False(t, got.Nodes[0].Online)

	require.Len(t, got.Speakers, 1)
	assert.Zero(t, got.Speakers[0].Volume)
	assert.True(t, got.Settings.Balance)
}

func TestPebbleSaveDropsRemovedRecords(t *testing.T) {
	s := setupPebble(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Save(models.Snapshot{
		Rooms: []models.Room{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}},
	}))
	require.NoError(t, s.Save(models.Snapshot{
		Rooms: []models.Room{{ID: 2, Name: "b"}},
	}))

	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got.Rooms, 1)
	assert.Equal(t, 2, got.Rooms[0].ID)
}
