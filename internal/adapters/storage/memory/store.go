package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/PabloGalante/farum-chat/internal/adapters/storage/record"
	"github.com/PabloGalante/farum-chat/internal/domain"
)

// Store is an in-memory implementation of domain.Persistence.
// It is NOT persistent and is only suitable for development / local mode.
// With a quota set, writes that would grow a user's data past it are
// rejected with domain.ErrStorageCapacityExceeded.
type Store struct {
	mu    sync.RWMutex
	quota int
	users map[domain.UserID]*userData
}

type userData struct {
	sessions []record.Session
	memory   string
}

// NewStore creates a Store; quota <= 0 means unlimited.
func NewStore(quota int) *Store {
	return &Store{
		quota: quota,
		users: make(map[domain.UserID]*userData),
	}
}

func (s *Store) user(id domain.UserID) *userData {
	u, ok := s.users[id]
	if !ok {
		u = &userData{}
		s.users[id] = u
	}
	return u
}

func (s *Store) fits(sessions []record.Session) error {
	if s.quota <= 0 {
		return nil
	}
	total := 0
	for _, r := range sessions {
		total += len(r.ID) + len(r.Title)
		for _, m := range r.Messages {
			total += len(m.ID) + len(m.Text) + len(m.Data) + len(m.Placeholder) + len(m.Reason)
		}
	}
	if total > s.quota {
		return fmt.Errorf("memory store: %d bytes over quota %d: %w", total, s.quota, domain.ErrStorageCapacityExceeded)
	}
	return nil
}

func (s *Store) FetchSessions(ctx context.Context, userID domain.UserID) ([]*domain.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return []*domain.ChatSession{}, nil
	}
	out := make([]*domain.ChatSession, 0, len(u.sessions))
	for _, r := range u.sessions {
		out = append(out, r.ToDomain())
	}
	return out, nil
}

func (s *Store) SaveSessions(ctx context.Context, userID domain.UserID, sessions []*domain.ChatSession) error {
	next := make([]record.Session, 0, len(sessions))
	for _, cs := range sessions {
		next = append(next, record.FromSession(cs))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fits(next); err != nil {
		return err
	}
	s.user(userID).sessions = next
	return nil
}

func (s *Store) CreateSession(ctx context.Context, userID domain.UserID, session *domain.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	if slices.ContainsFunc(u.sessions, func(r record.Session) bool { return r.ID == string(session.ID) }) {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	u.sessions = append(u.sessions, record.FromSession(session))
	return nil
}

func (s *Store) RenameSession(ctx context.Context, userID domain.UserID, id domain.SessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(userID, id)
	if r == nil {
		return domain.ErrSessionNotFound
	}
	r.Title = title
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, userID domain.UserID, id domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	u.sessions = slices.DeleteFunc(u.sessions, func(r record.Session) bool { return r.ID == string(id) })
	return nil
}

func (s *Store) SaveMessage(ctx context.Context, userID domain.UserID, id domain.SessionID, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	i := slices.IndexFunc(u.sessions, func(r record.Session) bool { return r.ID == string(id) })
	if i < 0 {
		return domain.ErrSessionNotFound
	}

	next := slices.Clone(u.sessions)
	updated := next[i]
	updated.Messages = slices.Clone(updated.Messages)
	updated.Upsert(record.FromMessage(msg))
	next[i] = updated

	if err := s.fits(next); err != nil {
		return err
	}
	u.sessions = next
	return nil
}

func (s *Store) FetchMemory(ctx context.Context, userID domain.UserID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, ok := s.users[userID]; ok {
		return u.memory, nil
	}
	return "", nil
}

func (s *Store) SaveMemory(ctx context.Context, userID domain.UserID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(userID).memory = text
	return nil
}

func (s *Store) find(userID domain.UserID, id domain.SessionID) *record.Session {
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	for i := range u.sessions {
		if u.sessions[i].ID == string(id) {
			return &u.sessions[i]
		}
	}
	return nil
}
