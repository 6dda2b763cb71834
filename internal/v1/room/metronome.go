package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/metrics"
)

const (
	// MinBPM and MaxBPM bound the accepted tempo range.
	MinBPM = 20
	MaxBPM = 300
)

// ErrBPMOutOfRange is returned by SetBPM for tempos outside [MinBPM, MaxBPM].
var ErrBPMOutOfRange = errors.New("bpm out of range")

// Metronome emits tick events on the room namespace at 60000/BPM ms cadence.
// SetBPM takes effect from the next tick boundary; the tick already pending
// keeps its old deadline.
type Metronome struct {
	pub  Publisher
	path string

	mu       sync.Mutex
	bpm      int
	lastTick time.Time
	running  bool
	stop     chan struct{}
}

func newMetronome(pub Publisher, path string, bpm int) *Metronome {
	m := &Metronome{
		pub:  pub,
		path: path,
		bpm:  bpm,
		stop: make(chan struct{}),
	}
	m.start()
	return m
}

// BPM returns the current tempo.
func (m *Metronome) BPM() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bpm
}

// LastTick returns when the metronome last ticked.
func (m *Metronome) LastTick() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTick
}

// SetBPM updates the tempo. The new cadence applies after the tick currently
// scheduled fires.
func (m *Metronome) SetBPM(bpm int) error {
	if bpm < MinBPM || bpm > MaxBPM {
		return ErrBPMOutOfRange
	}
	m.mu.Lock()
	m.bpm = bpm
	m.mu.Unlock()
	return nil
}

func (m *Metronome) interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(60000/m.bpm) * time.Millisecond
}

func (m *Metronome) start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.run()
}

func (m *Metronome) run() {
	timer := time.NewTimer(m.interval())
	defer timer.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-timer.C:
			m.mu.Lock()
			m.lastTick = now
			bpm := m.bpm
			m.mu.Unlock()

			metrics.MetronomeTicks.Inc()
			m.pub.Publish(context.Background(), m.path, EventMetronomeTick, MetronomeTickPayload{
				BPM:       bpm,
				Timestamp: now.UnixMilli(),
			})
			timer.Reset(m.interval())
		}
	}
}

// Stop cancels the tick loop. Safe to call once per metronome.
func (m *Metronome) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()
	close(m.stop)
}
