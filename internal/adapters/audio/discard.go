// Package audio holds audio outputs that need no sound device.
package audio

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

// Discard is an AudioOutput that plays nothing but keeps real time: each
// playback completes after the buffer's duration. Used on hosts without a
// sound device and in tests.
type Discard struct {
	clock clockwork.Clock

	mu      sync.Mutex
	running bool
}

func NewDiscard(clock clockwork.Clock) *Discard {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Discard{clock: clock}
}

func (d *Discard) EnsureRunning() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		observability.Logger().Debug("discard audio output running")
		d.running = true
	}
	return nil
}

// Running reports whether EnsureRunning was called.
func (d *Discard) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Discard) Play(buf *domain.AudioBuffer) (domain.Playback, error) {
	p := &playback{done: make(chan struct{})}
	length := time.Duration(buf.Duration() * float64(time.Second))
	p.timer = d.clock.AfterFunc(length, p.finish)
	return p, nil
}

type playback struct {
	timer clockwork.Timer
	once  sync.Once
	done  chan struct{}
}

func (p *playback) finish() {
	p.once.Do(func() { close(p.done) })
}

func (p *playback) Stop() {
	p.timer.Stop()
	p.finish()
}

func (p *playback) Done() <-chan struct{} {
	return p.done
}
