package speech_test

import (
	"context"
	"encoding/binary"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/PabloGalante/farum-chat/internal/app/retry"
	"github.com/PabloGalante/farum-chat/internal/app/speech"
	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

func pcm(values ...int16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func TestDecodePCM16Normalizes(t *testing.T) {
	buf := speech.DecodePCM16(pcm(0, 16384, -16384, 32767, -32768))

	assert.Equal(t, speech.SampleRate, buf.SampleRate)
	want := []float32{0, 0.5, -0.5, 0.99997, -1}
	require.Len(t, buf.Samples, len(want))
	for i := range want {
		assert.InDelta(t, want[i], buf.Samples[i], 1e-5, "sample %d", i)
	}
}

func TestDecodePCM16IgnoresTrailingByte(t *testing.T) {
	data := append(pcm(100), 0x7f)
	assert.Len(t, speech.DecodePCM16(data).Samples, 1)
	assert.Empty(t, speech.DecodePCM16(nil).Samples)
}

type fakeSpeech struct {
	batch   [][]byte
	errs    []error
	calls   int
	chunks  [][]byte
	failAt  int
	failErr error

	// openErrs fail the stream of the matching call before any chunk.
	openErrs    []error
	streamCalls int
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.batch[min(i, len(f.batch)-1)], nil
}

func (f *fakeSpeech) SynthesizeStream(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	call := f.streamCalls
	f.streamCalls++
	return func(yield func([]byte, error) bool) {
		if call < len(f.openErrs) && f.openErrs[call] != nil {
			yield(nil, f.openErrs[call])
			return
		}
		for i, c := range f.chunks {
			if f.failErr != nil && i == f.failAt {
				yield(nil, f.failErr)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func newSynth(svc domain.SpeechService) *speech.Synthesizer {
	return speech.NewSynthesizer(svc, retry.New(
		retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		retry.WithMetrics(observability.NewMetrics()),
	))
}

func TestSpeakRetriesRateLimitedRequests(t *testing.T) {
	svc := &fakeSpeech{
		errs:  []error{domain.ErrRateLimited},
		batch: [][]byte{pcm(1, 2, 3)},
	}
	buf, err := newSynth(svc).Speak(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, 2, svc.calls)
	assert.Len(t, buf.Samples, 3)
}

func TestSpeakWithoutAudio(t *testing.T) {
	_, err := newSynth(&fakeSpeech{batch: [][]byte{{}}}).Speak(context.Background(), "hello")
	assert.ErrorIs(t, err, domain.ErrNoAudioProduced)

	_, err = newSynth(&fakeSpeech{}).Speak(context.Background(), "  ")
	assert.ErrorIs(t, err, domain.ErrEmptyInput)
}

func TestStreamYieldsEachChunkDecoded(t *testing.T) {
	svc := &fakeSpeech{chunks: [][]byte{pcm(16384), {}, pcm(-16384, 0)}}

	var lengths []int
	for buf, err := range newSynth(svc).Stream(context.Background(), "hi") {
		require.NoError(t, err)
		lengths = append(lengths, len(buf.Samples))
	}
	assert.Equal(t, []int{1, 2}, lengths)
}

func TestStreamErrors(t *testing.T) {
	var last error
	for _, err := range newSynth(&fakeSpeech{}).Stream(context.Background(), "hi") {
		last = err
	}
	assert.ErrorIs(t, last, domain.ErrNoAudioProduced)

	boom := errors.New("boom")
	svc := &fakeSpeech{chunks: [][]byte{pcm(1), pcm(2)}, failAt: 1, failErr: boom}
	var got []error
	for _, err := range newSynth(svc).Stream(context.Background(), "hi") {
		got = append(got, err)
	}
	require.Len(t, got, 2)
	assert.NoError(t, got[0])
	assert.ErrorIs(t, got[1], boom)
}

func TestStreamRetriesRateLimitedOpen(t *testing.T) {
	svc := &fakeSpeech{
		openErrs: []error{&genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}},
		chunks:   [][]byte{pcm(1, 2), pcm(3)},
	}

	var lengths []int
	for buf, err := range newSynth(svc).Stream(context.Background(), "hi") {
		require.NoError(t, err)
		lengths = append(lengths, len(buf.Samples))
	}
	assert.Equal(t, 2, svc.streamCalls)
	assert.Equal(t, []int{2, 1}, lengths)
}

func TestStreamGivesUpAfterRepeatedRateLimits(t *testing.T) {
	svc := &fakeSpeech{openErrs: []error{domain.ErrRateLimited, domain.ErrRateLimited, domain.ErrRateLimited}}

	var got []error
	for _, err := range newSynth(svc).Stream(context.Background(), "hi") {
		got = append(got, err)
	}
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], domain.ErrRateLimited)
	assert.Equal(t, 3, svc.streamCalls)
}

type fakePlayback struct {
	done    chan struct{}
	once    sync.Once
	stopped bool
}

func (p *fakePlayback) Stop() {
	p.stopped = true
	p.finish()
}

func (p *fakePlayback) finish()               { p.once.Do(func() { close(p.done) }) }
func (p *fakePlayback) Done() <-chan struct{} { return p.done }

type fakeOutput struct {
	mu       sync.Mutex
	resumes  int
	played   []*domain.AudioBuffer
	handles  []*fakePlayback
	autoDone bool
}

func (o *fakeOutput) EnsureRunning() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resumes++
	return nil
}

func (o *fakeOutput) Play(buf *domain.AudioBuffer) (domain.Playback, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pb := &fakePlayback{done: make(chan struct{})}
	if o.autoDone {
		pb.finish()
	}
	o.played = append(o.played, buf)
	o.handles = append(o.handles, pb)
	return pb, nil
}

func (o *fakeOutput) handleCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles)
}

func TestPlayerOpensOutputOnce(t *testing.T) {
	out := &fakeOutput{}
	opens := 0
	p := speech.NewPlayer(func() (domain.AudioOutput, error) {
		opens++
		return out, nil
	}, observability.NewMetrics())

	buf := speech.DecodePCM16(pcm(1))
	first, err := p.Play(buf)
	require.NoError(t, err)
	_, err = p.Play(buf)
	require.NoError(t, err)

	assert.Equal(t, 1, opens)
	assert.Equal(t, 2, out.resumes)
	// a new playback does not stop the earlier one
	assert.False(t, first.(*fakePlayback).stopped)
}

func TestPlayerRemembersOpenFailure(t *testing.T) {
	opens := 0
	p := speech.NewPlayer(func() (domain.AudioOutput, error) {
		opens++
		return nil, errors.New("no device")
	}, observability.NewMetrics())

	_, err := p.Play(speech.DecodePCM16(pcm(1)))
	require.Error(t, err)
	_, err = p.Play(speech.DecodePCM16(pcm(1)))
	require.Error(t, err)
	assert.Equal(t, 1, opens)
}

func TestPlayStreamPlaysChunksInOrder(t *testing.T) {
	out := &fakeOutput{autoDone: true}
	p := speech.NewPlayer(func() (domain.AudioOutput, error) { return out, nil }, observability.NewMetrics())
	svc := &fakeSpeech{chunks: [][]byte{pcm(1), pcm(2, 2), pcm(3, 3, 3)}}

	sp := p.PlayStream(context.Background(), newSynth(svc).Stream(context.Background(), "hi"))
	<-sp.Done()

	require.NoError(t, sp.Err())
	require.Len(t, out.played, 3)
	for i, buf := range out.played {
		assert.Len(t, buf.Samples, i+1)
	}
}

func TestPlayStreamStop(t *testing.T) {
	out := &fakeOutput{}
	p := speech.NewPlayer(func() (domain.AudioOutput, error) { return out, nil }, observability.NewMetrics())
	svc := &fakeSpeech{chunks: [][]byte{pcm(1), pcm(2)}}

	sp := p.PlayStream(context.Background(), newSynth(svc).Stream(context.Background(), "hi"))
	require.Eventually(t, func() bool { return out.handleCount() == 1 }, time.Second, time.Millisecond)

	sp.Stop()
	<-sp.Done()

	assert.NoError(t, sp.Err())
	assert.Equal(t, 1, out.handleCount())
	assert.True(t, out.handles[0].stopped)
}
