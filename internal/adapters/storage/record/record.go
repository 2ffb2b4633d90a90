// Package record is the storage-neutral shape of sessions and messages shared
// by the storage adapters.
package record

import (
	"time"

	"github.com/PabloGalante/farum-chat/internal/domain"
)

// Message kinds.
const (
	KindPlain = "plain"
	KindImage = "image"
	KindError = "error"
)

type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Kind      string    `json:"kind"`

	MIMEType    string `json:"mime_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

func FromMessage(m *domain.Message) Message {
	r := Message{
		ID:        string(m.ID),
		Role:      string(m.Role),
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
		Kind:      KindPlain,
	}
	switch c := m.Content.(type) {
	case domain.WithImage:
		r.Kind = KindImage
		r.MIMEType = c.Image.MIMEType
		r.Data = c.Image.Data
		r.Placeholder = c.Image.Placeholder
	case domain.Failed:
		r.Kind = KindError
		r.Reason = c.Reason
	}
	return r
}

func (r Message) ToDomain() *domain.Message {
	m := &domain.Message{
		ID:        domain.MessageID(r.ID),
		Role:      domain.Role(r.Role),
		Text:      r.Text,
		CreatedAt: r.CreatedAt,
		Content:   domain.Plain{},
	}
	switch r.Kind {
	case KindImage:
		m.Content = domain.WithImage{Image: domain.Attachment{
			MIMEType:    r.MIMEType,
			Data:        r.Data,
			Placeholder: r.Placeholder,
		}}
	case KindError:
		m.Content = domain.Failed{Reason: r.Reason}
	}
	return m
}

func FromSession(s *domain.ChatSession) Session {
	r := Session{
		ID:        string(s.ID),
		Title:     s.Title,
		CreatedAt: s.CreatedAt,
		Messages:  make([]Message, 0, len(s.Messages)),
	}
	for _, m := range s.Messages {
		r.Messages = append(r.Messages, FromMessage(m))
	}
	return r
}

func (r Session) ToDomain() *domain.ChatSession {
	s := &domain.ChatSession{
		ID:        domain.SessionID(r.ID),
		Title:     r.Title,
		CreatedAt: r.CreatedAt,
		Messages:  make([]*domain.Message, 0, len(r.Messages)),
	}
	for _, m := range r.Messages {
		s.Messages = append(s.Messages, m.ToDomain())
	}
	return s
}

// Upsert replaces the message with the same id or appends m.
func (r *Session) Upsert(m Message) {
	for i := range r.Messages {
		if r.Messages[i].ID == m.ID {
			r.Messages[i] = m
			return
		}
	}
	r.Messages = append(r.Messages, m)
}
