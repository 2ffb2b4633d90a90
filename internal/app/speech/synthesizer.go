package speech

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/PabloGalante/farum-chat/internal/app/retry"
	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

type Synthesizer struct {
	service domain.SpeechService
	retry   *retry.Controller
}

func NewSynthesizer(service domain.SpeechService, retrier *retry.Controller) *Synthesizer {
	return &Synthesizer{service: service, retry: retrier}
}

// Speak synthesizes text in one request and returns the whole utterance.
func (s *Synthesizer) Speak(ctx context.Context, text string) (*domain.AudioBuffer, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrEmptyInput
	}

	payload, err := retry.Do(ctx, s.retry, "synthesize", func(ctx context.Context) ([]byte, error) {
		return s.service.Synthesize(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}

	buf := DecodePCM16(payload)
	if len(buf.Samples) == 0 {
		return nil, domain.ErrNoAudioProduced
	}
	return buf, nil
}

// Stream yields one buffer per payload chunk as soon as it arrives. Empty
// chunks are skipped; a stream without any audio ends with ErrNoAudioProduced.
// Failures before the first chunk go through the retry controller.
func (s *Synthesizer) Stream(ctx context.Context, text string) iter.Seq2[*domain.AudioBuffer, error] {
	return func(yield func(*domain.AudioBuffer, error) bool) {
		text = strings.TrimSpace(text)
		if text == "" {
			yield(nil, domain.ErrEmptyInput)
			return
		}

		stream, err := retry.Do(ctx, s.retry, "synthesize_stream", func(ctx context.Context) (*openedStream, error) {
			next, stop := iter.Pull2(s.service.SynthesizeStream(ctx, text))
			first, err, ok := next()
			if err != nil {
				stop()
				return nil, err
			}
			return &openedStream{next: next, stop: stop, first: first, ok: ok}, nil
		})
		if err != nil {
			yield(nil, fmt.Errorf("synthesize stream: %w", err))
			return
		}
		defer stream.stop()

		chunks := 0
		payload, ok := stream.first, stream.ok
		for ok {
			if buf := DecodePCM16(payload); len(buf.Samples) > 0 {
				chunks++
				if !yield(buf, nil) {
					return
				}
			}
			payload, err, ok = stream.next()
			if ok && err != nil {
				yield(nil, fmt.Errorf("synthesize stream: %w", err))
				return
			}
		}

		if chunks == 0 {
			yield(nil, domain.ErrNoAudioProduced)
			return
		}
		observability.LoggerFromContext(ctx).Debug("speech stream finished", "chunks", chunks)
	}
}

// openedStream is a pulled payload stream whose first element has arrived.
type openedStream struct {
	next  func() ([]byte, error, bool)
	stop  func()
	first []byte
	ok    bool
}
