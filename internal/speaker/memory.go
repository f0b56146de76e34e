package speaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ItsEcholot/real-stereo-extended/internal/models"
)

// ErrUnknownSpeaker is returned for speakers the driver does not know.
var ErrUnknownSpeaker = errors.New("unknown speaker")

// VolumeCall records one SetVolume invocation.
type VolumeCall struct {
	SpeakerID string
	Volume    int
}

// Memory is a Driver keeping speakers in memory. With Echo set, every
// SetVolume is reported back to the subscribers like a real speaker would.
type Memory struct {
	mu          sync.Mutex
	speakers    map[string]*memSpeaker
	coordinator string
	echo        bool
	fail        error
	calls       []VolumeCall
	playing     map[string]bool
	nextSubID   int
}

type memSpeaker struct {
	sp     models.Speaker
	volume int
	subs   map[int]EventHandler
}

var (
	_ Driver      = (*Memory)(nil)
	_ SoundPlayer = (*Memory)(nil)
)

// NewMemory creates an empty in-memory driver.
func NewMemory() *Memory {
	return &Memory{
		speakers: make(map[string]*memSpeaker),
		playing:  make(map[string]bool),
	}
}

// Add makes sp discoverable with the given volume.
func (m *Memory) Add(sp models.Speaker, volume int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speakers[sp.ID] = &memSpeaker{sp: sp, volume: volume, subs: make(map[int]EventHandler)}
}

// SetEcho toggles reporting SetVolume calls back to subscribers.
func (m *Memory) SetEcho(echo bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.echo = echo
}

// SetCoordinator overrides the coordinator address returned by Subscribe.
func (m *Memory) SetCoordinator(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coordinator = ip
}

// FailWith makes every volume call fail with err until reset with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Calls returns the SetVolume calls made so far.
func (m *Memory) Calls() []VolumeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]VolumeCall(nil), m.calls...)
}

// ResetCalls forgets the recorded calls.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Volume returns the current volume of a speaker.
func (m *Memory) Volume(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.speakers[id]; ok {
		return s.volume
	}
	return 0
}

// Playing reports whether the calibration sound plays on a speaker.
func (m *Memory) Playing(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing[id]
}

// ChangeVolume simulates a volume change on the speaker itself, e.g. from
// its app, and notifies subscribers.
func (m *Memory) ChangeVolume(id string, volume int) {
	m.mu.Lock()
	s, ok := m.speakers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.volume = volume
	handlers := s.handlers()
	m.mu.Unlock()

	for _, h := range handlers {
		h.OnVolume(volume)
	}
}

// Lose removes the speaker and ends its subscriptions with err.
func (m *Memory) Lose(id string, err error) {
	m.mu.Lock()
	s, ok := m.speakers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.speakers, id)
	handlers := s.handlers()
	m.mu.Unlock()

	for _, h := range handlers {
		h.OnLost(err)
	}
}

func (s *memSpeaker) handlers() []EventHandler {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]EventHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subs[id])
	}
	return out
}

// Discover returns all speakers ordered by id.
func (m *Memory) Discover(ctx context.Context) ([]models.Speaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Speaker, 0, len(m.speakers))
	for _, s := range m.speakers {
		sp := s.sp
		sp.Volume = s.volume
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetVolume sets the volume of sp.
func (m *Memory) SetVolume(ctx context.Context, sp models.Speaker, volume int) error {
	m.mu.Lock()
	if m.fail != nil {
		err := m.fail
		m.mu.Unlock()
		return err
	}
	s, ok := m.speakers[sp.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("set volume %s: %w", sp.ID, ErrUnknownSpeaker)
	}
	m.calls = append(m.calls, VolumeCall{SpeakerID: sp.ID, Volume: volume})
	s.volume = volume
	var handlers []EventHandler
	if m.echo {
		handlers = s.handlers()
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h.OnVolume(volume)
	}
	return nil
}

// GetVolume returns the volume of sp.
func (m *Memory) GetVolume(ctx context.Context, sp models.Speaker) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	s, ok := m.speakers[sp.ID]
	if !ok {
		return 0, fmt.Errorf("get volume %s: %w", sp.ID, ErrUnknownSpeaker)
	}
	return s.volume, nil
}

// Subscribe registers h for volume events of sp.
func (m *Memory) Subscribe(ctx context.Context, sp models.Speaker, h EventHandler) (Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.speakers[sp.ID]
	if !ok {
		return nil, "", fmt.Errorf("subscribe %s: %w", sp.ID, ErrUnknownSpeaker)
	}
	m.nextSubID++
	id := m.nextSubID
	s.subs[id] = h

	coordinator := m.coordinator
	if coordinator == "" {
		coordinator = s.sp.IPAddress
	}
	return &memSubscription{m: m, speakerID: sp.ID, id: id}, coordinator, nil
}

// PlayCalibrationSound starts the calibration sound on sp.
func (m *Memory) PlayCalibrationSound(ctx context.Context, sp models.Speaker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playing[sp.ID] = true
	return nil
}

// StopCalibrationSound stops the calibration sound on sp.
func (m *Memory) StopCalibrationSound(ctx context.Context, sp models.Speaker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.playing, sp.ID)
	return nil
}

type memSubscription struct {
	m         *Memory
	speakerID string
	id        int
}

func (s *memSubscription) Unsubscribe() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if sp, ok := s.m.speakers[s.speakerID]; ok {
		delete(sp.subs, s.id)
	}
	return nil
}
