package local

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/models"
)

// Key prefixes of the persisted records.
const (
	prefixRoom    = "room/"
	prefixNode    = "node/"
	prefixSpeaker = "speaker/"
	keySettings   = "settings"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("local: CBOR encoder initialization failed: " + err.Error())
	}
}

// PebbleStorage is a Pebble LSM-tree backed LocalStorage. Every room, node
// and speaker is one CBOR record.
type PebbleStorage struct {
	db     *pebble.DB
	path   string
	logger *zap.Logger
}

var _ LocalStorage = (*PebbleStorage)(nil)

// NewPebbleStorage creates a PebbleStorage instance (not yet opened).
func NewPebbleStorage(dbPath string, logger *zap.Logger) *PebbleStorage {
	return &PebbleStorage{
		path:   dbPath,
		logger: logger,
	}
}

// Init opens the Pebble database.
func (p *PebbleStorage) Init() error {
	opts := &pebble.Options{
		Logger: &pebbleLogger{p.logger},
	}
	db, err := pebble.Open(p.path, opts)
	if err != nil {
		return fmt.Errorf("pebble open %s: %w", p.path, err)
	}
	p.db = db
	p.logger.Info("Pebble storage opened", zap.String("path", p.path))
	return nil
}

// Close flushes and closes the database.
func (p *PebbleStorage) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Load reads all records. Records that fail to decode are skipped with a warning.
func (p *PebbleStorage) Load() (models.Snapshot, error) {
	var snap models.Snapshot

	iter, err := p.db.NewIter(nil)
	if err != nil {
		return snap, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		var derr error
		switch {
		case bytes.HasPrefix(key, []byte(prefixRoom)):
			var r models.Room
			if derr = cbor.Unmarshal(iter.Value(), &r); derr == nil {
				snap.Rooms = append(snap.Rooms, r)
			}
		case bytes.HasPrefix(key, []byte(prefixNode)):
			var n models.Node
			if derr = cbor.Unmarshal(iter.Value(), &n); derr == nil {
				snap.Nodes = append(snap.Nodes, n)
			}
		case bytes.HasPrefix(key, []byte(prefixSpeaker)):
			var sp models.Speaker
			if derr = cbor.Unmarshal(iter.Value(), &sp); derr == nil {
				snap.Speakers = append(snap.Speakers, sp)
			}
		case bytes.Equal(key, []byte(keySettings)):
			derr = cbor.Unmarshal(iter.Value(), &snap.Settings)
		}
		if derr != nil {
			p.logger.Warn("Skipping undecodable record", zap.ByteString("key", key), zap.Error(derr))
		}
	}
	if err := iter.Error(); err != nil {
		return snap, err
	}
	return snap, nil
}

// Save rewrites all records in a single batch, so removed records disappear.
func (p *PebbleStorage) Save(snap models.Snapshot) error {
	keys, err := p.keys()
	if err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	for _, k := range keys {
		if err := batch.Delete(k, nil); err != nil {
			return err
		}
	}

	put := func(key string, v any) error {
		data, err := encMode.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		return batch.Set([]byte(key), data, nil)
	}
	for _, r := range snap.Rooms {
		if err := put(prefixRoom+strconv.Itoa(r.ID), r); err != nil {
			return err
		}
	}
	for _, n := range snap.Nodes {
		if err := put(prefixNode+strconv.Itoa(n.ID), n); err != nil {
			return err
		}
	}
	for _, sp := range snap.Speakers {
		if err := put(prefixSpeaker+sp.ID, sp); err != nil {
			return err
		}
	}
	if err := put(keySettings, snap.Settings); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStorage) keys() ([][]byte, error) {
	iter, err := p.db.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var keys [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		keys = append(keys, k)
	}
	return keys, iter.Error()
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.z.Sugar().Errorf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
