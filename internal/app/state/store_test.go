package state_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/farum-chat/internal/app/state"
	"github.com/PabloGalante/farum-chat/internal/domain"
)

func newStore(t *testing.T) *state.Store {
	t.Helper()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var tick, seq int
	return state.New(
		state.WithClock(func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		}),
		state.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	)
}

func userMessage(s *state.Store, text string) *domain.Message {
	return &domain.Message{
		ID:        s.NewMessageID(),
		Role:      domain.RoleUser,
		Text:      text,
		CreatedAt: s.Now(),
		Content:   domain.Plain{},
	}
}

func TestCreateSessionBecomesCurrent(t *testing.T) {
	s := newStore(t)

	id := s.CreateSession()

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, id, cur)

	session, ok := s.Session(id)
	require.True(t, ok)
	assert.Equal(t, domain.DefaultSessionTitle, session.Title)
	assert.Empty(t, session.Messages)
}

func TestDeleteCurrentSelectsMostRecent(t *testing.T) {
	s := newStore(t)

	first := s.CreateSession()
	second := s.CreateSession()
	third := s.CreateSession()

	require.True(t, s.SelectSession(second))
	require.True(t, s.DeleteSession(second))

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, third, cur)

	require.True(t, s.DeleteSession(third))
	cur, _ = s.Current()
	assert.Equal(t, first, cur)

	require.True(t, s.DeleteSession(first))
	_, ok = s.Current()
	assert.False(t, ok)
}

func TestDeleteOtherSessionKeepsCurrent(t *testing.T) {
	s := newStore(t)

	first := s.CreateSession()
	second := s.CreateSession()

	require.True(t, s.DeleteSession(first))

	cur, _ := s.Current()
	assert.Equal(t, second, cur)
}

func TestMutationsOnDeletedSessionAreNoOps(t *testing.T) {
	s := newStore(t)

	id := s.CreateSession()
	msg := userMessage(s, "hi")
	require.True(t, s.AppendPlaceholder(id, msg))
	require.True(t, s.DeleteSession(id))

	assert.False(t, s.AppendMessage(id, userMessage(s, "late")))
	assert.False(t, s.UpdateMessageText(id, msg.ID, "late"))
	assert.False(t, s.RenameSession(id, "late title"))
	assert.False(t, s.FinalizeMessage(id, msg.ID))
	assert.False(t, s.SelectSession(id))
	assert.False(t, s.DeleteSession(id))
	assert.ErrorIs(t, s.BeginTurn(id), domain.ErrSessionNotFound)
	assert.Zero(t, s.MessageCount(id))
}

func TestUpdateMessageTextLastWriteWinsUntilFinalized(t *testing.T) {
	s := newStore(t)
	id := s.CreateSession()

	placeholder := &domain.Message{ID: s.NewMessageID(), Role: domain.RoleModel}
	require.True(t, s.AppendPlaceholder(id, placeholder))

	assert.True(t, s.UpdateMessageText(id, placeholder.ID, "Hi"))
	assert.True(t, s.UpdateMessageText(id, placeholder.ID, "Hi there"))
	assert.True(t, s.UpdateMessageText(id, placeholder.ID, "Hi there"))
	require.True(t, s.FinalizeMessage(id, placeholder.ID))

	assert.False(t, s.UpdateMessageText(id, placeholder.ID, "changed"))

	session, _ := s.Session(id)
	require.Len(t, session.Messages, 1)
	assert.Equal(t, "Hi there", session.Messages[0].Text)
}

func TestFinalizedMessagesCannotBeUpdated(t *testing.T) {
	s := newStore(t)
	id := s.CreateSession()

	msg := userMessage(s, "hello")
	require.True(t, s.AppendMessage(id, msg))

	assert.False(t, s.UpdateMessageText(id, msg.ID, "edited"))
	assert.False(t, s.FailMessage(id, msg.ID, "boom"))
}

func TestDuplicateMessageIDsAreRejected(t *testing.T) {
	s := newStore(t)
	a := s.CreateSession()
	b := s.CreateSession()

	msg := userMessage(s, "hello")
	require.True(t, s.AppendMessage(a, msg))
	assert.False(t, s.AppendMessage(b, msg))
	assert.Zero(t, s.MessageCount(b))
}

func TestFailMessageSetsErrorContent(t *testing.T) {
	s := newStore(t)
	id := s.CreateSession()

	placeholder := &domain.Message{ID: s.NewMessageID(), Role: domain.RoleModel}
	require.True(t, s.AppendPlaceholder(id, placeholder))
	require.True(t, s.FailMessage(id, placeholder.ID, "sorry"))

	session, _ := s.Session(id)
	got := session.Messages[0]
	assert.True(t, got.IsError())
	assert.Equal(t, "sorry", got.Text)
}

func TestReadsReturnCopies(t *testing.T) {
	s := newStore(t)
	id := s.CreateSession()
	require.True(t, s.AppendMessage(id, userMessage(s, "original")))

	session, _ := s.Session(id)
	session.Messages[0].Text = "mutated"
	session.Title = "mutated"

	again, _ := s.Session(id)
	assert.Equal(t, "original", again.Messages[0].Text)
	assert.Equal(t, domain.DefaultSessionTitle, again.Title)
}

func TestObserversSeeChangesInCommitOrder(t *testing.T) {
	s := newStore(t)

	var kinds []state.ChangeKind
	s.Subscribe(func(c state.Change) { kinds = append(kinds, c.Kind) })

	id := s.CreateSession()
	placeholder := &domain.Message{ID: s.NewMessageID(), Role: domain.RoleModel}
	s.AppendPlaceholder(id, placeholder)
	s.UpdateMessageText(id, placeholder.ID, "x")
	s.RenameSession(id, "Greeting")
	s.DeleteSession(id)

	assert.Equal(t, []state.ChangeKind{
		state.SessionCreated,
		state.MessageAppended,
		state.MessageUpdated,
		state.SessionRenamed,
		state.SessionDeleted,
	}, kinds)
}

func TestTurnGuardAndLoading(t *testing.T) {
	s := newStore(t)
	id := s.CreateSession()

	require.NoError(t, s.BeginTurn(id))
	assert.True(t, s.Loading())
	assert.ErrorIs(t, s.BeginTurn(id), domain.ErrTurnInFlight)

	other := s.CreateSession()
	assert.False(t, s.Loading(), "loading only reflects the current session")
	require.NoError(t, s.BeginTurn(other))

	s.EndTurn(id)
	require.NoError(t, s.BeginTurn(id))
}

func TestApplyMemoryChecksVersion(t *testing.T) {
	s := newStore(t)

	_, v0 := s.Memory()
	assert.True(t, s.ApplyMemory("likes tea", v0))
	assert.False(t, s.ApplyMemory("stale", v0))

	text, v1 := s.Memory()
	assert.Equal(t, "likes tea", text)
	assert.Equal(t, v0+1, v1)
}

func TestAppendInputNormalizesSpaces(t *testing.T) {
	s := newStore(t)

	s.AppendInput("  hello ")
	s.AppendInput("world  ")
	s.AppendInput("   ")

	assert.Equal(t, "hello world", s.TakeInput())
	assert.Empty(t, s.PendingInput())
}

func TestHydrateSelectsMostRecent(t *testing.T) {
	s := newStore(t)
	now := time.Now()

	s.Hydrate([]*domain.ChatSession{
		{ID: "new", Title: "b", CreatedAt: now},
		{ID: "old", Title: "a", CreatedAt: now.Add(-time.Hour), Messages: []*domain.Message{{ID: "m1", Role: domain.RoleUser, Text: "x"}}},
	})

	cur, _ := s.Current()
	assert.Equal(t, domain.SessionID("new"), cur)

	all := s.Sessions()
	require.Len(t, all, 2)
	assert.Equal(t, domain.SessionID("old"), all[0].ID)

	// hydrated message ids are reserved
	assert.False(t, s.AppendMessage("new", &domain.Message{ID: "m1"}))
}

func TestVoiceStateClearsInterimOnIdle(t *testing.T) {
	s := newStore(t)

	s.SetVoiceState(domain.VoiceListening, "")
	s.SetInterim("hel")
	assert.Equal(t, "hel", s.Voice().Interim)

	s.SetVoiceState(domain.VoiceIdle, "Microphone access was denied.")
	v := s.Voice()
	assert.Equal(t, domain.VoiceIdle, v.State)
	assert.Empty(t, v.Interim)
	assert.Equal(t, "Microphone access was denied.", v.Notice)
}
