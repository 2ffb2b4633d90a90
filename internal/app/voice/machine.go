// Package voice drives continuous speech capture into the pending input
// buffer. The caller's intent to listen is tracked separately from the
// lifecycle of the recognition resource, which may end on its own at any time.
package voice

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/PabloGalante/farum-chat/internal/app/state"
	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

const (
	BootstrapSilence = 5000 * time.Millisecond
	ResultSilence    = 2500 * time.Millisecond

	// consecutive restarts without a single result before giving up
	maxRestarts = 10
)

// User-visible notices.
const (
	NoticePermissionDenied = "Microphone access was denied."
	NoticeUnavailable      = "Voice input is unavailable."
)

var ErrClosed = errors.New("voice: machine closed")

type Machine struct {
	recognizer domain.Recognizer
	store      *state.Store
	clock      clockwork.Clock
	metrics    *observability.Metrics

	mu     sync.Mutex
	intent bool
	closed bool

	// gen identifies the live resource; events of older ones are ignored.
	gen      uint64
	resource domain.Recognition
	restarts int

	// timerSeq identifies the armed silence timer.
	timer    clockwork.Timer
	timerSeq uint64
}

type Option func(*Machine)

func WithClock(c clockwork.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

func New(recognizer domain.Recognizer, store *state.Store, opts ...Option) *Machine {
	m := &Machine{
		recognizer: recognizer,
		store:      store,
		clock:      clockwork.NewRealClock(),
		metrics:    observability.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Listening reports the caller's intent.
func (m *Machine) Listening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intent
}

// Toggle starts capture when idle and stops it otherwise.
func (m *Machine) Toggle() error {
	if m.Listening() {
		m.Stop()
		return nil
	}
	return m.Start()
}

// Start discards any held resource, acquires a fresh one and arms the
// bootstrap silence timer.
func (m *Machine) Start() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.releaseLocked()
	m.intent = true
	m.restarts = 0
	m.gen++
	gen := m.gen
	m.armLocked(BootstrapSilence)
	m.store.SetVoiceState(domain.VoiceListening, "")
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return m.acquire(gen)
}

// Stop ends capture and clears every timer. Safe to call in any state.
func (m *Machine) Stop() {
	m.mu.Lock()
	rec := m.idleLocked("")
	m.mu.Unlock()

	if rec != nil {
		rec.Stop()
	}
}

// Close stops capture for good.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Stop()
}

// acquire creates and starts the resource for gen. Start runs without the
// lock since the resource may deliver events from inside it.
func (m *Machine) acquire(gen uint64) error {
	rec, err := m.recognizer.NewRecognition(&listener{m: m, gen: gen})
	if err == nil {
		err = rec.Start()
	}

	m.mu.Lock()
	if gen != m.gen || !m.intent {
		// superseded while starting
		m.mu.Unlock()
		if err == nil {
			rec.Stop()
		}
		return nil
	}
	if err != nil {
		notice := NoticeUnavailable
		if errors.Is(err, domain.ErrPermissionDenied) {
			notice = NoticePermissionDenied
		}
		m.idleLocked(notice)
		m.mu.Unlock()
		observability.Logger().Warn("voice capture unavailable", "error", err)
		return err
	}
	m.resource = rec
	m.mu.Unlock()
	return nil
}

func (m *Machine) onResult(gen uint64, segments []domain.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || !m.intent {
		return
	}
	m.restarts = 0
	m.armLocked(ResultSilence)

	var interim strings.Builder
	for _, seg := range segments {
		if seg.Final {
			m.store.AppendInput(seg.Text)
			continue
		}
		interim.WriteString(seg.Text)
	}
	m.store.SetInterim(strings.TrimSpace(interim.String()))
}

func (m *Machine) onError(gen uint64, code string) {
	if code != domain.RecognitionNotAllowed {
		observability.Logger().Debug("recognition error ignored", "code", code)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	rec := m.idleLocked(NoticePermissionDenied)
	m.mu.Unlock()

	if rec != nil {
		rec.Stop()
	}
}

func (m *Machine) onEnd(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.resource = nil
	if !m.intent {
		m.mu.Unlock()
		return
	}

	m.restarts++
	if m.restarts > maxRestarts {
		m.idleLocked(NoticeUnavailable)
		m.mu.Unlock()
		observability.Logger().Warn("voice capture keeps ending, giving up", "restarts", maxRestarts)
		return
	}
	m.gen++
	next := m.gen
	m.metrics.VoiceRestarts.Inc()
	m.mu.Unlock()

	// The silence timer keeps running across the restart.
	_ = m.acquire(next)
}

func (m *Machine) onSilence(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || !m.intent {
		m.mu.Unlock()
		return
	}
	// already fired; must not be stopped from inside its own callback
	m.timer = nil
	rec := m.idleLocked("")
	m.mu.Unlock()

	if rec != nil {
		rec.Stop()
	}
}

// armLocked replaces the silence timer.
func (m *Machine) armLocked(d time.Duration) {
	m.stopTimerLocked()
	m.timerSeq++
	seq := m.timerSeq
	m.timer = m.clock.AfterFunc(d, func() { m.onSilence(seq) })
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

// releaseLocked detaches the live resource so its late events are ignored.
// The caller stops the returned resource after unlocking.
func (m *Machine) releaseLocked() domain.Recognition {
	m.stopTimerLocked()
	m.gen++
	rec := m.resource
	m.resource = nil
	return rec
}

func (m *Machine) idleLocked(notice string) domain.Recognition {
	rec := m.releaseLocked()
	m.intent = false
	m.store.SetVoiceState(domain.VoiceIdle, notice)
	return rec
}

// listener forwards the events of one resource generation.
type listener struct {
	m   *Machine
	gen uint64
}

func (l *listener) OnResult(segments []domain.Segment) { l.m.onResult(l.gen, segments) }
func (l *listener) OnError(code string)                { l.m.onError(l.gen, code) }
func (l *listener) OnEnd()                             { l.m.onEnd(l.gen) }
