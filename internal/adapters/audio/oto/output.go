// Package oto plays audio on the host sound device.
package oto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/PabloGalante/farum-chat/internal/domain"
)

// pollInterval is how often a playing buffer is checked for completion.
const pollInterval = 10 * time.Millisecond

// Output wraps the single oto context a process may own.
type Output struct {
	ctx *oto.Context
}

// Open creates the device context for mono float32 audio at sampleRate and
// waits until the device is ready.
func Open(sampleRate int) (*Output, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
	})
	if err != nil {
		return nil, fmt.Errorf("oto: new context: %w", err)
	}
	<-ready
	return &Output{ctx: ctx}, nil
}

// EnsureRunning resumes a suspended device.
func (o *Output) EnsureRunning() error {
	if err := o.ctx.Err(); err != nil {
		return err
	}
	return o.ctx.Resume()
}

func (o *Output) Play(buf *domain.AudioBuffer) (domain.Playback, error) {
	p := &playback{
		player: o.ctx.NewPlayer(bytes.NewReader(encode(buf.Samples))),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	p.player.Play()
	go p.watch()
	return p, nil
}

func encode(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(s))
	}
	return out
}

type playback struct {
	player *oto.Player
	done   chan struct{}
	stop   chan struct{}
	once   sync.Once
}

func (p *playback) watch() {
	defer close(p.done)
	defer p.player.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			p.player.Pause()
			return
		case <-ticker.C:
			if !p.player.IsPlaying() {
				return
			}
		}
	}
}

func (p *playback) Stop() {
	p.once.Do(func() { close(p.stop) })
}

func (p *playback) Done() <-chan struct{} {
	return p.done
}
