package llm

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/PabloGalante/farum-chat/internal/domain"
)

// MockLLM is a deterministic completion service for local mode.
type MockLLM struct{}

func NewMockLLM() *MockLLM {
	return &MockLLM{}
}

func (m *MockLLM) reply(text string) string {
	return fmt.Sprintf("I hear you. You said %q. Tell me a bit more about that.", text)
}

// StreamTurn yields the canned reply word by word.
func (m *MockLLM) StreamTurn(ctx context.Context, req domain.TurnRequest) iter.Seq2[string, error] {
	words := strings.SplitAfter(m.reply(req.Text), " ")
	return func(yield func(string, error) bool) {
		for _, w := range words {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(w, nil) {
				return
			}
		}
	}
}

// EditOrGenerateImage returns the input image unchanged with a short caption.
func (m *MockLLM) EditOrGenerateImage(ctx context.Context, prompt string, image *domain.Attachment) (*domain.EditResult, error) {
	out := &domain.EditResult{Text: fmt.Sprintf("Here is the image for %q.", prompt)}
	if image != nil {
		img := *image
		out.Image = &img
	}
	return out, nil
}

func (m *MockLLM) SummarizeTitle(ctx context.Context, text string) (string, error) {
	words := strings.Fields(text)
	if len(words) > 5 {
		words = words[:5]
	}
	return CleanTitle(strings.Join(words, " ")), nil
}

func (m *MockLLM) RefineMemory(ctx context.Context, memory, userText, modelText string) (string, error) {
	line := "- talked about: " + strings.TrimSpace(userText)
	if strings.Contains(memory, line) {
		return memory, nil
	}
	return strings.TrimSpace(memory + "\n" + line), nil
}

// MockSpeech synthesizes a short tone per word as 24kHz 16-bit PCM.
type MockSpeech struct{}

func NewMockSpeech() *MockSpeech {
	return &MockSpeech{}
}

const (
	mockSampleRate = 24000
	mockToneMs     = 120
)

func tone(freq float64) []byte {
	n := mockSampleRate * mockToneMs / 1000
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := 0.3 * math.Sin(2*math.Pi*freq*float64(i)/mockSampleRate)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

func (s *MockSpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	var out []byte
	for chunk, err := range s.SynthesizeStream(ctx, text) {
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (s *MockSpeech) SynthesizeStream(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	words := strings.Fields(text)
	return func(yield func([]byte, error) bool) {
		for i := range words {
			if !yield(tone(220+float64(i%5)*40), nil) {
				return
			}
		}
	}
}
