// Package storagetest holds the behavior every domain.Persistence backend
// must show, run by each backend's own tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/farum-chat/internal/domain"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func sampleSession(id string, offset time.Duration) *domain.ChatSession {
	return &domain.ChatSession{
		ID:        domain.SessionID(id),
		Title:     domain.DefaultSessionTitle,
		CreatedAt: epoch.Add(offset),
	}
}

// Run exercises a fresh backend returned by open.
func Run(t *testing.T, open func(t *testing.T) domain.Persistence) {
	ctx := context.Background()

	t.Run("crud round trip", func(t *testing.T) {
		p := open(t)
		const user = domain.UserID("u1")

		require.NoError(t, p.CreateSession(ctx, user, sampleSession("b", time.Minute)))
		require.NoError(t, p.CreateSession(ctx, user, sampleSession("a", 0)))
		require.NoError(t, p.RenameSession(ctx, user, "a", "Lisbon trip"))

		require.NoError(t, p.SaveMessage(ctx, user, "a", &domain.Message{
			ID: "m1", Role: domain.RoleUser, Text: "plan it", CreatedAt: epoch, Content: domain.Plain{},
		}))
		require.NoError(t, p.SaveMessage(ctx, user, "a", &domain.Message{
			ID: "m2", Role: domain.RoleModel, Text: "Sure", CreatedAt: epoch, Content: domain.Plain{},
		}))
		// a later write of the same message replaces it
		require.NoError(t, p.SaveMessage(ctx, user, "a", &domain.Message{
			ID: "m2", Role: domain.RoleModel, Text: "Sure, here it is", CreatedAt: epoch,
			Content: domain.WithImage{Image: domain.Attachment{MIMEType: "image/png", Data: []byte{1, 2}}},
		}))
		require.NoError(t, p.SaveMessage(ctx, user, "b", &domain.Message{
			ID: "m3", Role: domain.RoleModel, Text: "oops", CreatedAt: epoch, Content: domain.Failed{Reason: "oops"},
		}))

		sessions, err := p.FetchSessions(ctx, user)
		require.NoError(t, err)
		require.Len(t, sessions, 2)

		byID := map[domain.SessionID]*domain.ChatSession{}
		for _, s := range sessions {
			byID[s.ID] = s
		}
		a := byID["a"]
		require.NotNil(t, a)
		assert.Equal(t, "Lisbon trip", a.Title)
		require.Len(t, a.Messages, 2)
		assert.Equal(t, "plan it", a.Messages[0].Text)
		assert.Equal(t, "Sure, here it is", a.Messages[1].Text)
		img, ok := a.Messages[1].Image()
		require.True(t, ok)
		assert.Equal(t, []byte{1, 2}, img.Data)

		b := byID["b"]
		require.NotNil(t, b)
		require.Len(t, b.Messages, 1)
		assert.True(t, b.Messages[0].IsError())

		require.NoError(t, p.DeleteSession(ctx, user, "b"))
		sessions, err = p.FetchSessions(ctx, user)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, domain.SessionID("a"), sessions[0].ID)
	})

	t.Run("save sessions replaces collection", func(t *testing.T) {
		p := open(t)
		const user = domain.UserID("u2")

		require.NoError(t, p.CreateSession(ctx, user, sampleSession("old", 0)))

		next := []*domain.ChatSession{sampleSession("x", 0), sampleSession("y", time.Minute)}
		next[1].Messages = []*domain.Message{{
			ID: "m", Role: domain.RoleUser, Text: "hi", CreatedAt: epoch,
			Content: domain.WithImage{Image: domain.Attachment{MIMEType: "image/png", Placeholder: "[removed]"}},
		}}
		require.NoError(t, p.SaveSessions(ctx, user, next))

		sessions, err := p.FetchSessions(ctx, user)
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		ids := []domain.SessionID{sessions[0].ID, sessions[1].ID}
		assert.ElementsMatch(t, []domain.SessionID{"x", "y"}, ids)

		for _, s := range sessions {
			if s.ID == "y" {
				img, ok := s.Messages[0].Image()
				require.True(t, ok)
				assert.True(t, img.Stripped())
			}
		}
	})

	t.Run("users are isolated", func(t *testing.T) {
		p := open(t)
		require.NoError(t, p.CreateSession(ctx, "alice", sampleSession("s", 0)))

		sessions, err := p.FetchSessions(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})

	t.Run("memory", func(t *testing.T) {
		p := open(t)

		memory, err := p.FetchMemory(ctx, "u3")
		require.NoError(t, err)
		assert.Empty(t, memory)

		require.NoError(t, p.SaveMemory(ctx, "u3", "- likes tea"))
		memory, err = p.FetchMemory(ctx, "u3")
		require.NoError(t, err)
		assert.Equal(t, "- likes tea", memory)
	})

	t.Run("writes to unknown session", func(t *testing.T) {
		p := open(t)
		err := p.SaveMessage(ctx, "u4", "missing", &domain.Message{ID: "m", Role: domain.RoleUser, Content: domain.Plain{}})
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})
}

// RunQuota checks that a backend opened with a small quota rejects oversized
// collections with a capacity error and keeps the last good snapshot.
func RunQuota(t *testing.T, p domain.Persistence) {
	ctx := context.Background()
	const user = domain.UserID("q")

	small := []*domain.ChatSession{sampleSession("keep", 0)}
	require.NoError(t, p.SaveSessions(ctx, user, small))

	big := sampleSession("big", time.Minute)
	big.Messages = []*domain.Message{{
		ID: "m", Role: domain.RoleUser, CreatedAt: epoch,
		Content: domain.WithImage{Image: domain.Attachment{MIMEType: "image/png", Data: make([]byte, 64<<10)}},
	}}
	err := p.SaveSessions(ctx, user, []*domain.ChatSession{big})
	require.ErrorIs(t, err, domain.ErrStorageCapacityExceeded)

	sessions, err := p.FetchSessions(ctx, user)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.SessionID("keep"), sessions[0].ID)
}
