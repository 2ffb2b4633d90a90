package domain

// Attachment is an inline binary payload carried by a message (an image).
type Attachment struct {
	MIMEType string
	Data     []byte

	// Placeholder replaces Data when the payload was dropped to save storage.
	Placeholder string
}

// Stripped reports whether the payload was replaced by a textual marker.
func (a Attachment) Stripped() bool {
	return len(a.Data) == 0 && a.Placeholder != ""
}

// Content is the variant part of a message. It is sealed: only the types in
// this file implement it.
type Content interface {
	isContent()
}

// Plain is a text-only message.
type Plain struct{}

// WithImage is a message that carries an image next to its text.
type WithImage struct {
	Image Attachment
}

// Failed marks a model message that stands in for a failed turn.
type Failed struct {
	Reason string
}

func (Plain) isContent()     {}
func (WithImage) isContent() {}
func (Failed) isContent()    {}

// Message represents a message in a session's timeline (user or model)
type Message struct {
	ID        MessageID
	Role      Role
	Text      string
	CreatedAt Timestamp
	Content   Content
}

// Image returns the attachment of a WithImage message.
func (m *Message) Image() (Attachment, bool) {
	if c, ok := m.Content.(WithImage); ok {
		return c.Image, true
	}
	return Attachment{}, false
}

// IsError reports whether the message stands in for a failed turn.
func (m *Message) IsError() bool {
	_, ok := m.Content.(Failed)
	return ok
}

// Clone returns a copy that shares no mutable state with m. Attachment bytes
// are treated as immutable and shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if c.Content == nil {
		c.Content = Plain{}
	}
	return &c
}

// ChatSession is a named, ordered conversation.
type ChatSession struct {
	ID        SessionID
	Title     string
	Messages  []*Message
	CreatedAt Timestamp
}

// Clone deep-copies the session and its messages.
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = make([]*Message, len(s.Messages))
	for i, m := range s.Messages {
		c.Messages[i] = m.Clone()
	}
	return &c
}

// Header returns a copy of the session without its messages.
func (s *ChatSession) Header() *ChatSession {
	return &ChatSession{ID: s.ID, Title: s.Title, CreatedAt: s.CreatedAt}
}

// AudioBuffer is a decoded, playable block of mono audio.
type AudioBuffer struct {
	SampleRate int
	Samples    []float32
}

// Duration returns the playback length in seconds.
func (b *AudioBuffer) Duration() float64 {
	if b == nil || b.SampleRate == 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}
