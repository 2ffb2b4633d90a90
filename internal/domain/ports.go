package domain

import (
	"context"
	"iter"
)

// TurnRequest gives the completion service what it needs for one primary turn.
type TurnRequest struct {
	History []*Message // prior messages, oldest first
	Text    string
	Model   ModelVariant
	Memory  string // long-term user memory, may be empty
}

// EditResult is the answer of a multimodal edit request. Either field may be empty.
type EditResult struct {
	Text  string `json:"text"`
	Image *Attachment
}

// CompletionService defines how the core interacts with a language-completion service.
type CompletionService interface {
	// StreamTurn yields text fragments in delivery order. The sequence is
	// lazy, finite and cannot be restarted.
	StreamTurn(ctx context.Context, req TurnRequest) iter.Seq2[string, error]
	EditOrGenerateImage(ctx context.Context, prompt string, image *Attachment) (*EditResult, error)
	SummarizeTitle(ctx context.Context, text string) (string, error)
	RefineMemory(ctx context.Context, memory, userText, modelText string) (string, error)
}

// SpeechService turns text into raw 16-bit little-endian PCM at 24kHz.
type SpeechService interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	SynthesizeStream(ctx context.Context, text string) iter.Seq2[[]byte, error]
}

// Segment is one transcript piece emitted by a recognition resource.
type Segment struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// RecognitionListener receives the events of one recognition resource.
type RecognitionListener interface {
	OnResult(segments []Segment)
	OnError(code string)
	OnEnd()
}

// Recognition is a single live speech-recognition resource.
type Recognition interface {
	Start() error
	Stop()
}

// Recognizer is the host-provided speech recognition capability.
type Recognizer interface {
	NewRecognition(l RecognitionListener) (Recognition, error)
}

// Recognition error codes understood by the capture loop.
const (
	RecognitionNotAllowed = "not-allowed"
	RecognitionNoSpeech   = "no-speech"
)

// Playback is a handle on audio that is playing.
type Playback interface {
	Stop()
	Done() <-chan struct{}
}

// AudioOutput is the process-wide audio sink.
type AudioOutput interface {
	EnsureRunning() error
	Play(buf *AudioBuffer) (Playback, error)
}

// Persistence defines durable storage of sessions and memory.
// Implementations report size rejections as ErrStorageCapacityExceeded.
type Persistence interface {
	FetchSessions(ctx context.Context, userID UserID) ([]*ChatSession, error)
	CreateSession(ctx context.Context, userID UserID, session *ChatSession) error
	RenameSession(ctx context.Context, userID UserID, id SessionID, title string) error
	DeleteSession(ctx context.Context, userID UserID, id SessionID) error
	SaveMessage(ctx context.Context, userID UserID, id SessionID, msg *Message) error

	// SaveSessions replaces the stored collection with sessions.
	SaveSessions(ctx context.Context, userID UserID, sessions []*ChatSession) error

	FetchMemory(ctx context.Context, userID UserID) (string, error)
	SaveMemory(ctx context.Context, userID UserID, text string) error
}
