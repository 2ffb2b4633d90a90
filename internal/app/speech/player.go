package speech

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

// Player owns the process-wide audio output. The output is opened on first
// use and kept for the life of the process.
type Player struct {
	open    func() (domain.AudioOutput, error)
	metrics *observability.Metrics

	once sync.Once
	out  domain.AudioOutput
	err  error
}

func NewPlayer(open func() (domain.AudioOutput, error), metrics *observability.Metrics) *Player {
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}
	return &Player{open: open, metrics: metrics}
}

// Output returns the shared output, opening it on the first call. An open
// failure is returned to every caller.
func (p *Player) Output() (domain.AudioOutput, error) {
	p.once.Do(func() {
		p.out, p.err = p.open()
		if p.err != nil {
			p.err = fmt.Errorf("open audio output: %w", p.err)
		}
	})
	return p.out, p.err
}

// Play starts buf and returns its handle. Playbacks already running are left
// alone.
func (p *Player) Play(buf *domain.AudioBuffer) (domain.Playback, error) {
	pb, err := p.play(buf)
	if err != nil {
		return nil, err
	}
	p.metrics.Playbacks.WithLabelValues("batch").Inc()
	return pb, nil
}

func (p *Player) play(buf *domain.AudioBuffer) (domain.Playback, error) {
	out, err := p.Output()
	if err != nil {
		return nil, err
	}
	if err := out.EnsureRunning(); err != nil {
		return nil, fmt.Errorf("resume audio output: %w", err)
	}
	return out.Play(buf)
}

// PlayStream plays chunks back to back as they arrive.
func (p *Player) PlayStream(ctx context.Context, chunks iter.Seq2[*domain.AudioBuffer, error]) *StreamPlayback {
	ctx, cancel := context.WithCancel(ctx)
	sp := &StreamPlayback{cancel: cancel, done: make(chan struct{})}
	p.metrics.Playbacks.WithLabelValues("stream").Inc()

	go func() {
		defer close(sp.done)
		defer cancel()
		sp.setErr(p.drain(ctx, chunks))
	}()
	return sp
}

func (p *Player) drain(ctx context.Context, chunks iter.Seq2[*domain.AudioBuffer, error]) error {
	for buf, err := range chunks {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		pb, err := p.play(buf)
		if err != nil {
			return err
		}
		select {
		case <-pb.Done():
		case <-ctx.Done():
			pb.Stop()
			return nil
		}
	}
	return nil
}

// StreamPlayback is the handle of a streamed utterance.
type StreamPlayback struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Stop halts the current chunk and drops the rest.
func (s *StreamPlayback) Stop() {
	s.cancel()
}

func (s *StreamPlayback) Done() <-chan struct{} {
	return s.done
}

// Err reports why playback ended early; nil after Stop or normal completion.
func (s *StreamPlayback) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *StreamPlayback) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
