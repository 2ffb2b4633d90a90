package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PabloGalante/farum-chat/internal/adapters/storage/record"
	"github.com/PabloGalante/farum-chat/internal/domain"
)

// maxDocBytes is kept below Firestore's 1 MiB document limit to leave room
// for field names and indexes.
const maxDocBytes = 1_000_000

type Store struct {
	client *firestore.Client
}

// NewStore creates a Firestore store.
// Uses the project passed (FARUM_GCP_PROJECT).
func NewStore(ctx context.Context, projectID string) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// ─────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────

func (s *Store) userDoc(userID domain.UserID) *firestore.DocumentRef {
	return s.client.Collection("users").Doc(string(userID))
}

func (s *Store) sessionsCol(userID domain.UserID) *firestore.CollectionRef {
	return s.userDoc(userID).Collection("sessions")
}

func (s *Store) sessionDoc(userID domain.UserID, id domain.SessionID) *firestore.DocumentRef {
	return s.sessionsCol(userID).Doc(string(id))
}

func (s *Store) messagesCol(userID domain.UserID, id domain.SessionID) *firestore.CollectionRef {
	return s.sessionDoc(userID, id).Collection("messages")
}

// mapErr turns size rejections into domain.ErrStorageCapacityExceeded.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.ResourceExhausted:
		return fmt.Errorf("firestore %s: %w: %w", op, domain.ErrStorageCapacityExceeded, err)
	case codes.InvalidArgument:
		if strings.Contains(strings.ToLower(err.Error()), "maximum allowed size") {
			return fmt.Errorf("firestore %s: %w: %w", op, domain.ErrStorageCapacityExceeded, err)
		}
	case codes.NotFound:
		return fmt.Errorf("firestore %s: %w", op, domain.ErrSessionNotFound)
	}
	return fmt.Errorf("firestore %s: %w", op, err)
}

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

type sessionDoc struct {
	Title     string    `firestore:"title"`
	CreatedAt time.Time `firestore:"created_at"`
}

type messageDoc struct {
	Role        string    `firestore:"role"`
	Text        string    `firestore:"text"`
	CreatedAt   time.Time `firestore:"created_at"`
	Kind        string    `firestore:"kind"`
	MIMEType    string    `firestore:"mime_type,omitempty"`
	Data        []byte    `firestore:"data,omitempty"`
	Placeholder string    `firestore:"placeholder,omitempty"`
	Reason      string    `firestore:"reason,omitempty"`
}

type userDocData struct {
	Memory string `firestore:"memory"`
}

func toMessageDoc(m *domain.Message) (messageDoc, error) {
	r := record.FromMessage(m)
	if len(r.Data)+len(r.Text) > maxDocBytes {
		return messageDoc{}, fmt.Errorf("firestore: message %s is %d bytes: %w", m.ID, len(r.Data)+len(r.Text), domain.ErrStorageCapacityExceeded)
	}
	return messageDoc{
		Role:        r.Role,
		Text:        r.Text,
		CreatedAt:   r.CreatedAt,
		Kind:        r.Kind,
		MIMEType:    r.MIMEType,
		Data:        r.Data,
		Placeholder: r.Placeholder,
		Reason:      r.Reason,
	}, nil
}

func (d messageDoc) toDomain(id string) *domain.Message {
	return record.Message{
		ID:          id,
		Role:        d.Role,
		Text:        d.Text,
		CreatedAt:   d.CreatedAt,
		Kind:        d.Kind,
		MIMEType:    d.MIMEType,
		Data:        d.Data,
		Placeholder: d.Placeholder,
		Reason:      d.Reason,
	}.ToDomain()
}

// ─────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────

func (s *Store) FetchSessions(ctx context.Context, userID domain.UserID) ([]*domain.ChatSession, error) {
	iter := s.sessionsCol(userID).OrderBy("created_at", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []*domain.ChatSession
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, mapErr("FetchSessions", err)
		}

		var doc sessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode sessionDoc: %w", err)
		}

		session := &domain.ChatSession{
			ID:        domain.SessionID(snap.Ref.ID),
			Title:     doc.Title,
			CreatedAt: doc.CreatedAt,
		}
		session.Messages, err = s.fetchMessages(ctx, userID, session.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

func (s *Store) fetchMessages(ctx context.Context, userID domain.UserID, id domain.SessionID) ([]*domain.Message, error) {
	iter := s.messagesCol(userID, id).OrderBy("created_at", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []*domain.Message
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, mapErr("fetchMessages", err)
		}

		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode messageDoc: %w", err)
		}
		out = append(out, doc.toDomain(snap.Ref.ID))
	}
	return out, nil
}

func (s *Store) CreateSession(ctx context.Context, userID domain.UserID, session *domain.ChatSession) error {
	doc := sessionDoc{
		Title:     session.Title,
		CreatedAt: session.CreatedAt,
	}
	_, err := s.sessionDoc(userID, session.ID).Create(ctx, doc)
	return mapErr("CreateSession", err)
}

func (s *Store) RenameSession(ctx context.Context, userID domain.UserID, id domain.SessionID, title string) error {
	_, err := s.sessionDoc(userID, id).Update(ctx, []firestore.Update{
		{Path: "title", Value: title},
	})
	return mapErr("RenameSession", err)
}

// DeleteSession removes the session and its messages.
func (s *Store) DeleteSession(ctx context.Context, userID domain.UserID, id domain.SessionID) error {
	return mapErr("DeleteSession", s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		refs, err := collectRefs(tx.Documents(s.messagesCol(userID, id)))
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if err := tx.Delete(ref); err != nil {
				return err
			}
		}
		return tx.Delete(s.sessionDoc(userID, id))
	}))
}

func (s *Store) SaveMessage(ctx context.Context, userID domain.UserID, id domain.SessionID, msg *domain.Message) error {
	doc, err := toMessageDoc(msg)
	if err != nil {
		return err
	}
	return mapErr("SaveMessage", s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(s.sessionDoc(userID, id)); err != nil {
			return err
		}
		return tx.Set(s.messagesCol(userID, id).Doc(string(msg.ID)), doc)
	}))
}

// SaveSessions replaces every stored session of the user in one transaction.
func (s *Store) SaveSessions(ctx context.Context, userID domain.UserID, sessions []*domain.ChatSession) error {
	type pending struct {
		id   domain.SessionID
		doc  sessionDoc
		msgs map[string]messageDoc
	}
	next := make([]pending, 0, len(sessions))
	keep := make(map[string]bool, len(sessions))
	for _, cs := range sessions {
		p := pending{
			id:   cs.ID,
			doc:  sessionDoc{Title: cs.Title, CreatedAt: cs.CreatedAt},
			msgs: make(map[string]messageDoc, len(cs.Messages)),
		}
		for _, m := range cs.Messages {
			doc, err := toMessageDoc(m)
			if err != nil {
				return err
			}
			p.msgs[string(m.ID)] = doc
		}
		next = append(next, p)
		keep[string(cs.ID)] = true
	}

	return mapErr("SaveSessions", s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := collectRefs(tx.Documents(s.sessionsCol(userID)))
		if err != nil {
			return err
		}
		var stale []*firestore.DocumentRef
		for _, ref := range existing {
			msgs, err := collectRefs(tx.Documents(ref.Collection("messages")))
			if err != nil {
				return err
			}
			if !keep[ref.ID] {
				stale = append(stale, ref)
			}
			stale = append(stale, msgs...)
		}

		for _, ref := range stale {
			if err := tx.Delete(ref); err != nil {
				return err
			}
		}
		for _, p := range next {
			ref := s.sessionDoc(userID, p.id)
			if err := tx.Set(ref, p.doc); err != nil {
				return err
			}
			for id, doc := range p.msgs {
				if err := tx.Set(ref.Collection("messages").Doc(id), doc); err != nil {
					return err
				}
			}
		}
		return nil
	}))
}

func collectRefs(iter *firestore.DocumentIterator) ([]*firestore.DocumentRef, error) {
	defer iter.Stop()

	var refs []*firestore.DocumentRef
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return refs, nil
		}
		if err != nil {
			return nil, err
		}
		refs = append(refs, snap.Ref)
	}
}

// ─────────────────────────────────────────
// Memory
// ─────────────────────────────────────────

func (s *Store) FetchMemory(ctx context.Context, userID domain.UserID) (string, error) {
	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", nil
		}
		return "", mapErr("FetchMemory", err)
	}

	var doc userDocData
	if err := snap.DataTo(&doc); err != nil {
		return "", fmt.Errorf("decode userDoc: %w", err)
	}
	return doc.Memory, nil
}

func (s *Store) SaveMemory(ctx context.Context, userID domain.UserID, text string) error {
	_, err := s.userDoc(userID).Set(ctx, map[string]interface{}{
		"memory": text,
	}, firestore.MergeAll)
	return mapErr("SaveMemory", err)
}
