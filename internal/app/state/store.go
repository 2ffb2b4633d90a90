// Package state holds the authoritative conversation state: sessions, their
// messages, long-term memory, voice status and the pending input buffer.
//
// Every mutation goes through Store and runs to completion under one lock.
// Mutations that target a session that no longer exists are silent no-ops.
package state

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PabloGalante/farum-chat/internal/domain"
)

// VoiceStatus is the caller-visible part of voice capture.
type VoiceStatus struct {
	State   domain.VoiceState
	Interim string // transient preview, never committed
	Notice  string // last user-visible notice, e.g. a denied microphone
}

type Store struct {
	mu sync.Mutex

	sessions map[domain.SessionID]*domain.ChatSession
	order    []domain.SessionID // creation order, oldest first
	current  domain.SessionID

	// owner of every message id, and the ids still open for streaming
	messageOwner map[domain.MessageID]domain.SessionID
	open         map[domain.MessageID]bool

	inFlight map[domain.SessionID]bool

	memory        string
	memoryVersion uint64

	model   domain.ModelVariant
	pending string
	voice   VoiceStatus

	observers []Observer

	now   func() time.Time
	newID func() string
}

type Option func(*Store)

// WithClock overrides the time source used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides the generator used for session and message ids.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

func New(opts ...Option) *Store {
	s := &Store{
		sessions:     make(map[domain.SessionID]*domain.ChatSession),
		messageOwner: make(map[domain.MessageID]domain.SessionID),
		open:         make(map[domain.MessageID]bool),
		inFlight:     make(map[domain.SessionID]bool),
		model:        domain.ModelFlash,
		voice:        VoiceStatus{State: domain.VoiceIdle},
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers an observer for committed session mutations.
func (s *Store) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// emit must be called with s.mu held so observers see changes in commit order.
func (s *Store) emit(c Change) {
	for _, o := range s.observers {
		o(c)
	}
}

// NewMessageID returns a fresh, globally unique message id.
func (s *Store) NewMessageID() domain.MessageID {
	return domain.MessageID(s.newID())
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// ─────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────

// CreateSession adds an empty session and makes it current.
func (s *Store) CreateSession() domain.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := &domain.ChatSession{
		ID:        domain.SessionID(s.newID()),
		Title:     domain.DefaultSessionTitle,
		CreatedAt: s.now(),
	}
	s.sessions[session.ID] = session
	s.order = append(s.order, session.ID)
	s.current = session.ID

	s.emit(Change{Kind: SessionCreated, SessionID: session.ID, Session: session.Header()})
	return session.ID
}

// SelectSession makes id current. It reports false if the session does not exist.
func (s *Store) SelectSession(id domain.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	s.current = id
	return true
}

// DeleteSession removes a session with all its messages. Deleting the current
// session selects the most recent remaining one, or none.
func (s *Store) DeleteSession(id domain.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return false
	}
	for _, m := range session.Messages {
		delete(s.messageOwner, m.ID)
		delete(s.open, m.ID)
	}
	delete(s.sessions, id)
	delete(s.inFlight, id)
	s.order = slices.DeleteFunc(s.order, func(v domain.SessionID) bool { return v == id })

	if s.current == id {
		s.current = ""
		if n := len(s.order); n > 0 {
			s.current = s.order[n-1]
		}
	}

	s.emit(Change{Kind: SessionDeleted, SessionID: id})
	return true
}

// RenameSession sets the title of a session.
func (s *Store) RenameSession(id domain.SessionID, title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return false
	}
	session.Title = title

	s.emit(Change{Kind: SessionRenamed, SessionID: id, Title: title})
	return true
}

// Session returns a copy of a session.
func (s *Store) Session(id domain.SessionID) (*domain.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return session.Clone(), true
}

// Sessions returns copies of all sessions in creation order.
func (s *Store) Sessions() []*domain.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.ChatSession, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id].Clone())
	}
	return out
}

// Current returns the current session id, if any.
func (s *Store) Current() (domain.SessionID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != ""
}

// MessageCount returns the number of messages of a session (0 if missing).
func (s *Store) MessageCount(id domain.SessionID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[id]; ok {
		return len(session.Messages)
	}
	return 0
}

// Hydrate replaces all sessions with ones loaded from storage and selects the
// most recent. It does not notify observers.
func (s *Store) Hydrate(sessions []*domain.ChatSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[domain.SessionID]*domain.ChatSession, len(sessions))
	s.messageOwner = make(map[domain.MessageID]domain.SessionID)
	s.open = make(map[domain.MessageID]bool)
	s.order = s.order[:0]

	sorted := slices.Clone(sessions)
	slices.SortStableFunc(sorted, func(a, b *domain.ChatSession) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	for _, session := range sorted {
		c := session.Clone()
		s.sessions[c.ID] = c
		s.order = append(s.order, c.ID)
		for _, m := range c.Messages {
			s.messageOwner[m.ID] = c.ID
		}
	}

	s.current = ""
	if n := len(s.order); n > 0 {
		s.current = s.order[n-1]
	}
}

// ─────────────────────────────────────────
// Messages
// ─────────────────────────────────────────

// AppendMessage adds a finalized message to the end of a session.
func (s *Store) AppendMessage(id domain.SessionID, msg *domain.Message) bool {
	return s.appendMessage(id, msg, false)
}

// AppendPlaceholder adds a message whose text will be filled in by
// UpdateMessageText until FinalizeMessage or FailMessage is called.
func (s *Store) AppendPlaceholder(id domain.SessionID, msg *domain.Message) bool {
	return s.appendMessage(id, msg, true)
}

func (s *Store) appendMessage(id domain.SessionID, msg *domain.Message, open bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok || msg == nil {
		return false
	}
	if _, dup := s.messageOwner[msg.ID]; dup || msg.ID == "" {
		return false
	}

	m := msg.Clone()
	session.Messages = append(session.Messages, m)
	s.messageOwner[m.ID] = id
	if open {
		s.open[m.ID] = true
	}

	s.emit(Change{Kind: MessageAppended, SessionID: id, Message: m.Clone()})
	return true
}

// UpdateMessageText replaces the text of a streaming message. Later calls win.
func (s *Store) UpdateMessageText(id domain.SessionID, msgID domain.MessageID, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.openMessage(id, msgID)
	if m == nil {
		return false
	}
	if m.Text == text {
		return true
	}
	m.Text = text

	s.emit(Change{Kind: MessageUpdated, SessionID: id, Message: m.Clone()})
	return true
}

// FinalizeMessage closes a streaming message; its text is immutable afterwards.
func (s *Store) FinalizeMessage(id domain.SessionID, msgID domain.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openMessage(id, msgID) == nil {
		return false
	}
	delete(s.open, msgID)
	return true
}

// FailMessage turns a streaming message into an error message and closes it.
func (s *Store) FailMessage(id domain.SessionID, msgID domain.MessageID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.openMessage(id, msgID)
	if m == nil {
		return false
	}
	m.Text = reason
	m.Content = domain.Failed{Reason: reason}
	delete(s.open, msgID)

	s.emit(Change{Kind: MessageUpdated, SessionID: id, Message: m.Clone()})
	return true
}

func (s *Store) openMessage(id domain.SessionID, msgID domain.MessageID) *domain.Message {
	if s.messageOwner[msgID] != id || !s.open[msgID] {
		return nil
	}
	session, ok := s.sessions[id]
	if !ok {
		return nil
	}
	// Streaming messages are at the tail; search backwards.
	for i := len(session.Messages) - 1; i >= 0; i-- {
		if session.Messages[i].ID == msgID {
			return session.Messages[i]
		}
	}
	return nil
}

// ─────────────────────────────────────────
// Turns
// ─────────────────────────────────────────

// BeginTurn marks a primary completion as in flight for a session.
func (s *Store) BeginTurn(id domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return domain.ErrSessionNotFound
	}
	if s.inFlight[id] {
		return domain.ErrTurnInFlight
	}
	s.inFlight[id] = true
	return nil
}

// EndTurn releases the in-flight mark of a session.
func (s *Store) EndTurn(id domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// Loading reports whether a primary completion is in flight for the current session.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != "" && s.inFlight[s.current]
}

// ─────────────────────────────────────────
// Memory and model
// ─────────────────────────────────────────

// Memory returns the long-term memory and its version.
func (s *Store) Memory() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory, s.memoryVersion
}

// ApplyMemory replaces the memory only if it is still at version expected.
func (s *Store) ApplyMemory(text string, expected uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.memoryVersion != expected {
		return false
	}
	s.memory = text
	s.memoryVersion++
	return true
}

// LoadMemory sets the memory unconditionally, e.g. from storage at startup.
func (s *Store) LoadMemory(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = text
	s.memoryVersion++
}

func (s *Store) Model() domain.ModelVariant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *Store) SelectModel(v domain.ModelVariant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = v
}

// ─────────────────────────────────────────
// Pending input and voice
// ─────────────────────────────────────────

// AppendInput adds a final transcript segment to the pending input, joined by
// a single space.
func (s *Store) AppendInput(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == "" {
		s.pending = text
		return
	}
	s.pending = strings.TrimSpace(s.pending) + " " + text
}

// SetInput replaces the pending input, e.g. after the user edited it.
func (s *Store) SetInput(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = text
}

// PendingInput returns the pending input without consuming it.
func (s *Store) PendingInput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// TakeInput returns and clears the pending input.
func (s *Store) TakeInput() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	text := s.pending
	s.pending = ""
	return text
}

// SetVoiceState records the capture state. A non-empty notice replaces the last one.
func (s *Store) SetVoiceState(state domain.VoiceState, notice string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.voice.State = state
	if state == domain.VoiceIdle {
		s.voice.Interim = ""
	}
	if notice != "" {
		s.voice.Notice = notice
	}
}

// SetInterim updates the transient transcript preview.
func (s *Store) SetInterim(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voice.Interim = text
}

func (s *Store) Voice() VoiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}
